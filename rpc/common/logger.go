package common

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// parseLogLevel converts a string level to a logrus level
func parseLogLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warning", "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}

// InitLogger configures the process-wide logger from the configured level
func InitLogger(level string) {
	log.SetLevel(parseLogLevel(level))
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}
