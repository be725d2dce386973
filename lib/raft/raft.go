package raft

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Roles and Errors
// --------------------------------------------------------------------------

// Role is the consensus role a node currently holds. Exactly one node is
// Leader per term, cluster wide.
type Role int32

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

var (
	// ErrNotLeader is returned for proposals on a non leader node. The
	// caller should redirect to LeaderID().
	ErrNotLeader = errors.New("raft: not the leader")
	// ErrQuorumUnavailable is returned when a proposal cannot reach a
	// majority before the context expires (e.g. minority partition).
	ErrQuorumUnavailable = errors.New("raft: quorum unavailable")
	// ErrShutdown is returned when the node has been stopped.
	ErrShutdown = errors.New("raft: node is shut down")
)

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

var (
	metricElections      = metrics.NewCounter(`qkv_raft_elections_started_total`)
	metricLeaderChanges  = metrics.NewCounter(`qkv_raft_leader_elected_total`)
	metricProposals      = metrics.NewCounter(`qkv_raft_proposals_total`)
	metricProposalErrors = metrics.NewCounter(`qkv_raft_proposal_errors_total`)
	metricSnapshots      = metrics.NewCounter(`qkv_raft_snapshots_total`)
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config holds the timing parameters of a node. The zero value is not
// usable, call DefaultConfig and adjust.
type Config struct {
	// ID is the index of this node in the Peers slice.
	ID int
	// HeartbeatInterval is the leader's AppendEntries cadence. It must be
	// well below ElectionTimeoutBase.
	HeartbeatInterval time.Duration
	// ElectionTimeoutBase is the lower bound T of the randomized election
	// timeout; the effective timeout is drawn from [T, 2T) anew for every
	// wait.
	ElectionTimeoutBase time.Duration
	// RPCTimeout bounds a single peer RPC.
	RPCTimeout time.Duration
	// SnapshotThreshold is the number of log entries after which the
	// state machine is asked to snapshot (0 disables the hint).
	SnapshotThreshold int
}

// DefaultConfig returns the timing used by production coordinators.
func DefaultConfig(id int) Config {
	return Config{
		ID:                  id,
		HeartbeatInterval:   50 * time.Millisecond,
		ElectionTimeoutBase: 150 * time.Millisecond,
		RPCTimeout:          100 * time.Millisecond,
		SnapshotThreshold:   1024,
	}
}

// --------------------------------------------------------------------------
// Apply Channel
// --------------------------------------------------------------------------

// ApplyMsg is delivered on the apply channel, strictly in log order. It
// carries either one committed command or a full snapshot to restore
// (after InstallSnapshot on a lagging follower).
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex uint64
	CommandTerm  uint64

	SnapshotValid bool
	Snapshot      []byte
	SnapshotIndex uint64
	SnapshotTerm  uint64
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// Node is one member of the coordinator consensus group. All mutable
// state is guarded by mu; the background loops (election, heartbeat,
// apply) are the only long lived goroutines.
type Node struct {
	mu    sync.Mutex
	cfg   Config
	peers []PeerClient // peers[cfg.ID] is ignored (self)

	role        Role
	currentTerm uint64
	votedFor    int // -1 if no vote cast this term
	leaderID    int // -1 if unknown

	log               []LogEntry
	lastIncludedIndex uint64
	lastIncludedTerm  uint64

	commitIndex uint64
	lastApplied uint64

	// leader bookkeeping, reinitialized on election
	nextIndex  []uint64
	matchIndex []uint64

	lastContact time.Time // last heartbeat / vote grant, resets the election timer

	persister  Persister
	applyCh    chan ApplyMsg
	applyCond  *sync.Cond
	commitCond *sync.Cond

	// snapshot received via InstallSnapshot, pending delivery on applyCh
	pendingSnapshot *ApplyMsg

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewNode restores persistent state (if any) and returns a node in the
// Follower role. Start must be called to begin participating.
func NewNode(cfg Config, peers []PeerClient, persister Persister) (*Node, error) {
	n := &Node{
		cfg:       cfg,
		peers:     peers,
		role:      Follower,
		votedFor:  -1,
		leaderID:  -1,
		persister: persister,
		applyCh:   make(chan ApplyMsg, 64),
		stopCh:    make(chan struct{}),
	}
	n.applyCond = sync.NewCond(&n.mu)
	n.commitCond = sync.NewCond(&n.mu)
	n.nextIndex = make([]uint64, len(peers))
	n.matchIndex = make([]uint64, len(peers))

	if err := n.readPersist(); err != nil {
		return nil, fmt.Errorf("failed to restore raft state: %w", err)
	}
	n.lastContact = time.Now()
	return n, nil
}

// Start launches the background loops.
func (n *Node) Start() {
	n.wg.Add(3)
	go n.electionLoop()
	go n.heartbeatLoop()
	go n.applyLoop()
	log.Infof("raft node %d started (term=%d, lastLogIndex=%d)", n.cfg.ID, n.currentTerm, n.lastLogIndex())
}

// Stop terminates the background loops and closes the apply channel.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.stopCh)
	n.applyCond.Broadcast()
	n.commitCond.Broadcast()
	n.mu.Unlock()
	n.wg.Wait()
	close(n.applyCh)
}

// ApplyCh returns the channel on which committed commands and snapshots
// are delivered in log order.
func (n *Node) ApplyCh() <-chan ApplyMsg {
	return n.applyCh
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// IsLeader reports whether this node currently believes itself leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// Role returns the current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// LeaderID returns the last known leader (-1 if unknown). Used by the
// coordinator front end for not-leader redirects.
func (n *Node) LeaderID() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// CommitIndex returns the highest committed log index.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// --------------------------------------------------------------------------
// Proposals
// --------------------------------------------------------------------------

// Propose appends command to the log and replicates it. It returns the
// assigned log index once the entry is stored on a majority (it will be
// applied shortly after, in order), ErrNotLeader on non leaders, and
// ErrQuorumUnavailable if the context expires before a majority acks.
func (n *Node) Propose(ctx context.Context, command []byte) (uint64, error) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return 0, ErrShutdown
	}
	if n.role != Leader {
		n.mu.Unlock()
		return 0, ErrNotLeader
	}

	metricProposals.Inc()
	term := n.currentTerm
	index := n.lastLogIndex() + 1
	n.log = append(n.log, LogEntry{Index: index, Term: term, Command: command})
	n.matchIndex[n.cfg.ID] = index
	n.persist()
	n.advanceCommitIndexLocked()
	log.Debugf("raft node %d: proposed entry index=%d term=%d (%d bytes)", n.cfg.ID, index, term, len(command))
	n.mu.Unlock()

	// Push the entry out immediately instead of waiting for the next
	// heartbeat tick.
	n.broadcastEntries()

	// Wake the waiter when the context expires.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			n.commitCond.Broadcast()
		case <-done:
		}
	}()

	n.mu.Lock()
	defer n.mu.Unlock()
	for n.commitIndex < index {
		if n.stopped {
			metricProposalErrors.Inc()
			return 0, ErrShutdown
		}
		if n.role != Leader || n.currentTerm != term {
			metricProposalErrors.Inc()
			return 0, ErrNotLeader
		}
		if ctx.Err() != nil {
			metricProposalErrors.Inc()
			return 0, ErrQuorumUnavailable
		}
		n.commitCond.Wait()
	}
	// The slot may have been overwritten by a different leader before
	// committing; only a matching term means our entry made it.
	if index > n.lastIncludedIndex && n.termAt(index) != term {
		metricProposalErrors.Inc()
		return 0, ErrNotLeader
	}
	return index, nil
}

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

// persistentState is the gob encoded on-disk representation.
type persistentState struct {
	CurrentTerm       uint64
	VotedFor          int
	Log               []LogEntry
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// persist writes the persistent state through the Persister. Must be
// called with n.mu held, before releasing the lock that made the change
// visible.
func (n *Node) persist() {
	if err := n.persister.SaveState(n.encodeState()); err != nil {
		// A node that cannot persist must not keep answering RPCs with
		// promises it cannot keep.
		log.Panicf("raft node %d: failed to persist state: %v", n.cfg.ID, err)
	}
}

func (n *Node) encodeState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(persistentState{
		CurrentTerm:       n.currentTerm,
		VotedFor:          n.votedFor,
		Log:               n.log,
		LastIncludedIndex: n.lastIncludedIndex,
		LastIncludedTerm:  n.lastIncludedTerm,
	})
	return buf.Bytes()
}

func (n *Node) readPersist() error {
	data, err := n.persister.ReadState()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var st persistentState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return fmt.Errorf("corrupt raft state: %w", err)
	}
	n.currentTerm = st.CurrentTerm
	n.votedFor = st.VotedFor
	n.log = st.Log
	n.lastIncludedIndex = st.LastIncludedIndex
	n.lastIncludedTerm = st.LastIncludedTerm
	n.commitIndex = st.LastIncludedIndex
	n.lastApplied = st.LastIncludedIndex
	return nil
}

// --------------------------------------------------------------------------
// Role Transitions
// --------------------------------------------------------------------------

// stepDown converts the node to follower for newTerm. Must be called with
// n.mu held.
func (n *Node) stepDown(newTerm uint64) {
	if newTerm > n.currentTerm {
		n.currentTerm = newTerm
		n.votedFor = -1
	}
	if n.role != Follower {
		log.Debugf("raft node %d: stepping down to follower (term=%d)", n.cfg.ID, newTerm)
	}
	n.role = Follower
	n.persist()
	n.commitCond.Broadcast()
}

// --------------------------------------------------------------------------
// Apply Loop
// --------------------------------------------------------------------------

// applyLoop is the single writer that feeds committed entries to the
// state machine. apply(i) happens-before apply(i+1) by construction.
func (n *Node) applyLoop() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		for n.pendingSnapshot == nil && n.lastApplied >= n.commitIndex && !n.stopped {
			n.applyCond.Wait()
		}
		if n.stopped {
			n.mu.Unlock()
			return
		}

		if snap := n.pendingSnapshot; snap != nil {
			n.pendingSnapshot = nil
			n.mu.Unlock()
			select {
			case n.applyCh <- *snap:
			case <-n.stopCh:
				return
			}
			continue
		}

		// Batch everything committed but unapplied, then release the
		// lock while handing the batch over.
		batch := make([]ApplyMsg, 0, n.commitIndex-n.lastApplied)
		for i := n.lastApplied + 1; i <= n.commitIndex; i++ {
			e := n.log[n.sliceIndex(i)]
			batch = append(batch, ApplyMsg{
				CommandValid: true,
				Command:      e.Command,
				CommandIndex: e.Index,
				CommandTerm:  e.Term,
			})
		}
		n.lastApplied = n.commitIndex
		n.mu.Unlock()

		for _, msg := range batch {
			select {
			case n.applyCh <- msg:
			case <-n.stopCh:
				return
			}
		}
	}
}
