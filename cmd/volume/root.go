package volume

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/quorumkv/qKV/cmd/util"
	libVolume "github.com/quorumkv/qKV/lib/volume"
	"github.com/quorumkv/qKV/rpc/common"
	"github.com/quorumkv/qKV/rpc/server"
)

var (
	volumeCmdConfig = &common.ServerConfig{}
	VolumeCmd       = &cobra.Command{
		Use:     "volume",
		Short:   "Start a qKV volume server",
		Long:    `Start a qKV volume server that stores object data and takes part in two-phase writes. Register it with the cluster via 'qkv admin register <id> <address>'. The configuration can be set via command line flags or environment variables. The format of the environment variables is QKV_<flag> (e.g. QKV_VOLUME_ID=vol-a)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	key := "volume-id"
	VolumeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The unique id of this volume within the cluster"))
	_ = VolumeCmd.MarkPersistentFlagRequired(key)

	key = "endpoint"
	VolumeCmd.PersistentFlags().String(key, "0.0.0.0:6001", cmdUtil.WrapString("The address this volume listens on"))

	key = "data-dir"
	VolumeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Directory for object data. Empty keeps objects in memory only"))

	key = "timeout"
	VolumeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("RPC timeout in seconds"))

	key = "workers-per-conn"
	VolumeCmd.PersistentFlags().Int(key, 16, cmdUtil.WrapString("Maximum requests processed concurrently per connection"))

	key = "log-level"
	VolumeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	cmdUtil.InitClientConfig()
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	volumeCmdConfig.VolumeID = viper.GetString("volume-id")
	volumeCmdConfig.DataDir = viper.GetString("data-dir")
	volumeCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	volumeCmdConfig.LogLevel = viper.GetString("log-level")
	volumeCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:          viper.GetString("endpoint"),
		TCPNoDelay:        true,
		MaxWorkersPerConn: viper.GetInt("workers-per-conn"),
		TCPLingerSec:      -1,
	}
	return nil
}

// run starts the volume server
func run(_ *cobra.Command, _ []string) error {
	common.InitLogger(volumeCmdConfig.LogLevel)

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	var vol libVolume.Client
	if volumeCmdConfig.DataDir != "" {
		vol, err = libVolume.NewDiskVolume(volumeCmdConfig.VolumeID, volumeCmdConfig.DataDir)
		if err != nil {
			return err
		}
	} else {
		vol = libVolume.NewMemoryVolume(volumeCmdConfig.VolumeID)
	}

	srv := server.NewRPCServer(*volumeCmdConfig, t, s)
	srv.Register(common.ServiceVolume, server.NewVolumeAdapter(
		vol, time.Duration(volumeCmdConfig.TimeoutSecond)*time.Second))

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Infof("shutting down")
		srv.Close()
	}()

	log.Infof("volume %s listening on %s", volumeCmdConfig.VolumeID, volumeCmdConfig.Transport.Endpoint)
	return srv.Serve()
}
