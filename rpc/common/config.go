package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Service IDs
// --------------------------------------------------------------------------

// Every frame on the wire names the service it is addressed to. A single
// endpoint can host any combination of services.
const (
	ServiceCoordinator uint64 = 1 // client facing KV and admin operations
	ServiceVolume      uint64 = 2 // staged object storage
	ServiceConsensus   uint64 = 3 // node to node consensus traffic
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerTransportConfig holds the socket-level tuning knobs of a server.
type ServerTransportConfig struct {
	// Endpoint is the address the server listens on (host:port)
	Endpoint string

	// TCP socket options
	TCPNoDelay      bool
	WriteBufferSize int
	ReadBufferSize  int
	TCPKeepAliveSec int
	TCPLingerSec    int

	// MaxWorkersPerConn limits the number of requests processed
	// concurrently per connection
	MaxWorkersPerConn int
}

// ServerConfig holds all configuration parameters for a coordinator or
// volume server process.
type ServerConfig struct {
	// Node identity within the consensus group (coordinator servers only)
	NodeID         int
	ClusterMembers map[int]string // node id -> consensus endpoint

	// Volume identity (volume servers only)
	VolumeID string

	// Storage
	DataDir string

	// Write coordination parameters
	ReplicaCount      int
	SnapshotThreshold int

	// Health probing parameters
	ProbeIntervalSec int
	FailureThreshold int

	// RPC parameters
	TimeoutSecond int64
	Transport     ServerTransportConfig

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Connection", strconv.Itoa(c.Transport.MaxWorkersPerConn))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	if c.VolumeID != "" {
		addSection("Volume Identity")
		addField("Volume ID", c.VolumeID)
		addField("Data Directory", c.DataDir)
	}

	if len(c.ClusterMembers) > 0 {
		// Node Identity
		addSection("Node Identity")
		addField("Node ID", strconv.Itoa(c.NodeID))
		addField("Consensus Address", c.ClusterMembers[c.NodeID])

		// Consensus parameters
		addSection("Consensus Parameters")
		addField("Replica Count", strconv.Itoa(c.ReplicaCount))
		addField("Snapshot Threshold", strconv.Itoa(c.SnapshotThreshold))
		addField("Probe Interval", fmt.Sprintf("%d sec", c.ProbeIntervalSec))
		addField("Failure Threshold", strconv.Itoa(c.FailureThreshold))

		// Storage
		addSection("Storage")
		addField("Data Directory", c.DataDir)

		// Cluster membership
		addSection("Cluster")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []int
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Ints(keys)

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig holds the socket-level tuning knobs of a client.
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int

	// TCP socket options
	TCPNoDelay      bool
	WriteBufferSize int
	ReadBufferSize  int
	TCPKeepAliveSec int
}

// ClientConfig holds all configuration parameters for an RPC client.
type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.Transport.ConnectionsPerEndpoint)))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
