package serve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/quorumkv/qKV/cmd/util"
	"github.com/quorumkv/qKV/lib/coordinator"
	"github.com/quorumkv/qKV/lib/health"
	"github.com/quorumkv/qKV/lib/metadata"
	"github.com/quorumkv/qKV/lib/raft"
	"github.com/quorumkv/qKV/lib/volume"
	"github.com/quorumkv/qKV/rpc/client"
	"github.com/quorumkv/qKV/rpc/common"
	"github.com/quorumkv/qKV/rpc/serializer"
	"github.com/quorumkv/qKV/rpc/server"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a qKV coordinator node",
		Long:    `Start a qKV coordinator node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is QKV_<flag> (e.g. QKV_NODE_ID=1)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "node-id"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The unique id of this node within the consensus group"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "0=localhost:5001", cmdUtil.WrapString("Comma-separated list of all coordinator nodes in the format 'ID=address' (e.g. '0=localhost:5001,1=localhost:5002,2=localhost:5003')"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:5001", cmdUtil.WrapString("The address this node listens on"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory for the consensus log and snapshots"))

	key = "replica-count"
	ServeCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("How many volumes each object is written to"))

	key = "snapshot-threshold"
	ServeCmd.PersistentFlags().Int(key, 1024, cmdUtil.WrapString("Number of applied log entries after which the metadata store is snapshotted"))

	key = "probe-interval"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Seconds between volume health probe rounds"))

	key = "failure-threshold"
	ServeCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("Consecutive failed probes after which a volume is declared down"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("RPC timeout in seconds"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 16, cmdUtil.WrapString("Maximum requests processed concurrently per connection"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.NodeID = viper.GetInt("node-id")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.ReplicaCount = viper.GetInt("replica-count")
	serveCmdConfig.SnapshotThreshold = viper.GetInt("snapshot-threshold")
	serveCmdConfig.ProbeIntervalSec = viper.GetInt("probe-interval")
	serveCmdConfig.FailureThreshold = viper.GetInt("failure-threshold")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:          viper.GetString("endpoint"),
		TCPNoDelay:        true,
		MaxWorkersPerConn: viper.GetInt("workers-per-conn"),
		TCPLingerSec:      -1,
	}

	// parse cluster members
	serveCmdConfig.ClusterMembers = make(map[int]string)
	for _, member := range strings.Split(viper.GetString("cluster-members"), ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 {
			return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return fmt.Errorf("invalid cluster member id %s: %v", parts[0], err)
		}
		serveCmdConfig.ClusterMembers[id] = strings.TrimSpace(parts[1])
	}

	// the node must be part of the configured cluster
	if _, ok := serveCmdConfig.ClusterMembers[serveCmdConfig.NodeID]; !ok {
		return fmt.Errorf("no address found for node id %d in cluster members", serveCmdConfig.NodeID)
	}

	return nil
}

// run starts the coordinator node
func run(_ *cobra.Command, _ []string) error {
	common.InitLogger(serveCmdConfig.LogLevel)

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	// Consensus state survives restarts on disk
	persister, err := raft.NewFilePersister(serveCmdConfig.DataDir)
	if err != nil {
		return err
	}

	// Peer clients dial lazily: at startup the other nodes may not be
	// listening yet.
	peers := make([]raft.PeerClient, len(serveCmdConfig.ClusterMembers))
	for id, addr := range serveCmdConfig.ClusterMembers {
		if id == serveCmdConfig.NodeID {
			continue
		}
		if id < 0 || id >= len(peers) {
			return fmt.Errorf("cluster member ids must be 0..%d, got %d", len(peers)-1, id)
		}
		peers[id] = newLazyPeer(addr, s)
	}

	raftCfg := raft.DefaultConfig(serveCmdConfig.NodeID)
	raftCfg.SnapshotThreshold = serveCmdConfig.SnapshotThreshold
	node, err := raft.NewNode(raftCfg, peers, persister)
	if err != nil {
		return err
	}

	store := metadata.NewStore()

	// The health prober dials each volume once and keeps the client
	dialer := newVolumeDialer(s)
	monitor := health.NewMonitor(health.Config{
		Interval:    time.Duration(serveCmdConfig.ProbeIntervalSec) * time.Second,
		Timeout:     2 * time.Second,
		MaxFailures: serveCmdConfig.FailureThreshold,
	}, func(ctx context.Context, addr string) error {
		vc, err := dialer.dial(addr)
		if err != nil {
			return err
		}
		return vc.Ping(ctx)
	})

	coordCfg := coordinator.DefaultConfig()
	coordCfg.ReplicaCount = serveCmdConfig.ReplicaCount
	coord := coordinator.New(coordCfg, node, store, monitor)

	// Liveness transitions are recorded in the replicated registry by the
	// leader; followers observe them through the log.
	recordState := func(id string, state metadata.VolumeState) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.SetVolumeState(ctx, id, state); err != nil && !errors.Is(err, raft.ErrNotLeader) {
			log.Warnf("failed to record state of volume %s: %v", id, err)
		}
	}
	monitor.OnDown(func(id string) { recordState(id, metadata.VolumeStateDown) })
	monitor.OnUp(func(id string) { recordState(id, metadata.VolumeStateLive) })

	// Serve consensus and client traffic on one endpoint
	srv := server.NewRPCServer(*serveCmdConfig, t, s)
	srv.Register(common.ServiceConsensus, server.NewConsensusAdapter(node))
	srv.Register(common.ServiceCoordinator, server.NewCoordinatorAdapter(
		coord, dialer.dial, time.Duration(serveCmdConfig.TimeoutSecond)*time.Second))

	node.Start()
	go coord.Run()
	monitor.Start(func() []health.Target {
		volumes := store.Volumes()
		targets := make([]health.Target, 0, len(volumes))
		for _, v := range volumes {
			targets = append(targets, health.Target{ID: v.ID, Addr: v.Addr})
		}
		return targets
	})

	// Keep the coordinator's volume clients in sync with the replicated
	// registry, so a restarted node can reach volumes registered before.
	stopWiring := make(chan struct{})
	go wireRegisteredVolumes(coord, store, dialer, stopWiring)

	// Shut down cleanly on SIGINT / SIGTERM
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Infof("shutting down")
		close(stopWiring)
		monitor.Stop()
		coord.Stop()
		node.Stop()
		srv.Close()
	}()

	return srv.Serve()
}

// wireRegisteredVolumes dials every volume found in the replicated
// registry that has no local client yet.
func wireRegisteredVolumes(coord *coordinator.Coordinator, store *metadata.Store, dialer *volumeDialer, stopCh <-chan struct{}) {
	wired := make(map[string]string) // id -> addr
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			for _, v := range store.Volumes() {
				if wired[v.ID] == v.Addr {
					continue
				}
				vc, err := dialer.dial(v.Addr)
				if err != nil {
					log.Debugf("cannot reach volume %s at %s yet: %v", v.ID, v.Addr, err)
					continue
				}
				coord.RegisterVolumeClient(v.ID, vc)
				wired[v.ID] = v.Addr
			}
		}
	}
}

// --------------------------------------------------------------------------
// Volume Dialer
// --------------------------------------------------------------------------

// volumeDialer caches one volume client per address.
type volumeDialer struct {
	mu         sync.Mutex
	serializer serializer.IRPCSerializer
	clients    map[string]volume.Client
}

func newVolumeDialer(s serializer.IRPCSerializer) *volumeDialer {
	return &volumeDialer{serializer: s, clients: make(map[string]volume.Client)}
}

func (d *volumeDialer) dial(addr string) (volume.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vc, ok := d.clients[addr]; ok {
		return vc, nil
	}
	t, err := cmdUtil.GetClientTransport()
	if err != nil {
		return nil, err
	}
	vc, err := client.NewVolumeClient(volumeClientConfig(addr), t, d.serializer)
	if err != nil {
		return nil, err
	}
	d.clients[addr] = vc
	return vc, nil
}

func volumeClientConfig(addr string) common.ClientConfig {
	return common.ClientConfig{
		TimeoutSecond: int(serveCmdConfig.TimeoutSecond),
		Transport: common.ClientTransportConfig{
			Endpoints:  []string{addr},
			RetryCount: 2,
			TCPNoDelay: true,
		},
	}
}

// --------------------------------------------------------------------------
// Lazy Peer
// --------------------------------------------------------------------------

// lazyPeer defers dialing a consensus peer until its first RPC, and
// redials after a lost connection. The consensus layer treats RPC errors
// as transient, so a failed dial simply surfaces as a failed RPC.
type lazyPeer struct {
	addr       string
	serializer serializer.IRPCSerializer

	mu   sync.Mutex
	peer raft.PeerClient
}

func newLazyPeer(addr string, s serializer.IRPCSerializer) *lazyPeer {
	return &lazyPeer{addr: addr, serializer: s}
}

func (p *lazyPeer) get() (raft.PeerClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peer != nil {
		return p.peer, nil
	}
	t, err := cmdUtil.GetClientTransport()
	if err != nil {
		return nil, err
	}
	cfg := common.ClientConfig{
		TimeoutSecond: int(serveCmdConfig.TimeoutSecond),
		Transport: common.ClientTransportConfig{
			Endpoints:  []string{p.addr},
			RetryCount: 1,
			TCPNoDelay: true,
		},
	}
	peer, err := client.NewPeerClient(cfg, t, p.serializer)
	if err != nil {
		return nil, err
	}
	p.peer = peer
	return peer, nil
}

func (p *lazyPeer) RequestVote(ctx context.Context, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	peer, err := p.get()
	if err != nil {
		return nil, err
	}
	return peer.RequestVote(ctx, args)
}

func (p *lazyPeer) AppendEntries(ctx context.Context, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	peer, err := p.get()
	if err != nil {
		return nil, err
	}
	return peer.AppendEntries(ctx, args)
}

func (p *lazyPeer) InstallSnapshot(ctx context.Context, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	peer, err := p.get()
	if err != nil {
		return nil, err
	}
	return peer.InstallSnapshot(ctx, args)
}

// initConfig reads in environment variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("qkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
