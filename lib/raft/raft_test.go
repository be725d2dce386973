package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// In-Memory Cluster Fabric
// --------------------------------------------------------------------------

// fabric wires nodes together through direct handler calls and lets tests
// cut, reorder and duplicate traffic between any pair of nodes.
type fabric struct {
	mu        sync.Mutex
	nodes     []*Node
	persister []*MemoryPersister
	cut       map[int]map[int]bool // cut[from][to]
	applied   []map[uint64]string  // per node: index -> command
	appliedMu sync.Mutex
	unreliable bool
	wg        sync.WaitGroup
}

type fabricPeer struct {
	f        *fabric
	from, to int
}

func (p *fabricPeer) reachable() bool {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	return !p.f.cut[p.from][p.to]
}

func (f *fabric) setUnreliable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreliable = v
}

func (f *fabric) isUnreliable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unreliable
}

// delay simulates network latency; in unreliable mode it also reorders.
func (p *fabricPeer) delay() {
	if p.f.isUnreliable() {
		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
	}
}

func (p *fabricPeer) RequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error) {
	if !p.reachable() {
		return nil, fmt.Errorf("link %d->%d is down", p.from, p.to)
	}
	p.delay()
	reply := p.f.nodes[p.to].HandleRequestVote(args)
	if !p.reachable() {
		return nil, fmt.Errorf("link %d->%d dropped the reply", p.from, p.to)
	}
	return reply, nil
}

func (p *fabricPeer) AppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	if !p.reachable() {
		return nil, fmt.Errorf("link %d->%d is down", p.from, p.to)
	}
	p.delay()
	// Unreliable mode duplicates the occasional request; the handler must
	// be idempotent for this to be invisible.
	if p.f.isUnreliable() && rand.Intn(10) == 0 {
		p.f.nodes[p.to].HandleAppendEntries(args)
	}
	reply := p.f.nodes[p.to].HandleAppendEntries(args)
	if !p.reachable() {
		return nil, fmt.Errorf("link %d->%d dropped the reply", p.from, p.to)
	}
	return reply, nil
}

func (p *fabricPeer) InstallSnapshot(ctx context.Context, args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	if !p.reachable() {
		return nil, fmt.Errorf("link %d->%d is down", p.from, p.to)
	}
	p.delay()
	reply := p.f.nodes[p.to].HandleInstallSnapshot(args)
	return reply, nil
}

func newFabric(t *testing.T, size int) *fabric {
	t.Helper()
	f := &fabric{
		nodes:     make([]*Node, size),
		persister: make([]*MemoryPersister, size),
		cut:       make(map[int]map[int]bool),
		applied:   make([]map[uint64]string, size),
	}
	for i := 0; i < size; i++ {
		f.cut[i] = make(map[int]bool)
		f.applied[i] = make(map[uint64]string)
		f.persister[i] = NewMemoryPersister()
	}
	for i := 0; i < size; i++ {
		peers := make([]PeerClient, size)
		for j := 0; j < size; j++ {
			peers[j] = &fabricPeer{f: f, from: i, to: j}
		}
		cfg := DefaultConfig(i)
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.ElectionTimeoutBase = 100 * time.Millisecond
		cfg.RPCTimeout = 50 * time.Millisecond
		node, err := NewNode(cfg, peers, f.persister[i])
		if err != nil {
			t.Fatalf("failed to create node %d: %v", i, err)
		}
		f.nodes[i] = node
	}
	for i, n := range f.nodes {
		n.Start()
		f.wg.Add(1)
		go f.drain(i, n)
	}
	t.Cleanup(f.stop)
	return f
}

// drain records everything a node applies so tests can check agreement.
func (f *fabric) drain(id int, n *Node) {
	defer f.wg.Done()
	for msg := range n.ApplyCh() {
		if !msg.CommandValid {
			continue
		}
		f.appliedMu.Lock()
		f.applied[id][msg.CommandIndex] = string(msg.Command)
		f.appliedMu.Unlock()
	}
}

func (f *fabric) stop() {
	for _, n := range f.nodes {
		n.Stop()
	}
	f.wg.Wait()
}

// isolate cuts all links to and from a node.
func (f *fabric) isolate(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.nodes {
		f.cut[id][i] = true
		f.cut[i][id] = true
	}
}

// reconnect restores all links to and from a node.
func (f *fabric) reconnect(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.nodes {
		f.cut[id][i] = false
		f.cut[i][id] = false
	}
}

// waitForLeader blocks until exactly one reachable node is leader and no
// two nodes claim leadership for the same term.
func (f *fabric) waitForLeader(t *testing.T) *Node {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		leadersByTerm := make(map[uint64][]int)
		for i, n := range f.nodes {
			n.mu.Lock()
			if n.role == Leader {
				leadersByTerm[n.currentTerm] = append(leadersByTerm[n.currentTerm], i)
			}
			n.mu.Unlock()
		}
		for term, ids := range leadersByTerm {
			if len(ids) > 1 {
				t.Fatalf("term %d has %d leaders: %v", term, len(ids), ids)
			}
		}
		// Pick the leader of the highest term, if any node follows it.
		var best *Node
		var bestTerm uint64
		for term, ids := range leadersByTerm {
			if term >= bestTerm {
				bestTerm = term
				best = f.nodes[ids[0]]
			}
		}
		if best != nil {
			return best
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within 5s")
	return nil
}

// waitApplied blocks until every connected node applied the command at
// index with the given payload.
func (f *fabric) waitApplied(t *testing.T, index uint64, want string, nodes ...int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ok := true
		f.appliedMu.Lock()
		for _, id := range nodes {
			if f.applied[id][index] != want {
				ok = false
				break
			}
		}
		f.appliedMu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("command %q at index %d not applied on all of %v within 5s", want, index, nodes)
}

func (f *fabric) propose(t *testing.T, leader *Node, cmd string) uint64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	index, err := leader.Propose(ctx, []byte(cmd))
	if err != nil {
		t.Fatalf("propose %q failed: %v", cmd, err)
	}
	return index
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestInitialElection(t *testing.T) {
	f := newFabric(t, 3)
	leader := f.waitForLeader(t)

	if got := leader.Role(); got != Leader {
		t.Fatalf("expected role leader, got %v", got)
	}
	// The cluster must stay stable: no new election while the leader
	// keeps heartbeating.
	term := leader.Term()
	time.Sleep(500 * time.Millisecond)
	if leader.Term() != term {
		t.Fatalf("term changed from %d to %d without a failure", term, leader.Term())
	}
}

func TestReElectionAfterLeaderFailure(t *testing.T) {
	f := newFabric(t, 3)
	leader := f.waitForLeader(t)
	oldTerm := leader.Term()

	f.isolate(leader.cfg.ID)
	next := f.waitForLeaderExcluding(t, leader.cfg.ID)

	if next.Term() <= oldTerm {
		t.Fatalf("new leader term %d is not newer than %d", next.Term(), oldTerm)
	}

	// The old leader rejoins and must step down to follower.
	f.reconnect(leader.cfg.ID)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if leader.Role() == Follower {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale leader did not step down after rejoining")
}

// waitForLeaderExcluding is waitForLeader restricted to the nodes that
// are not the excluded one.
func (f *fabric) waitForLeaderExcluding(t *testing.T, excluded int) *Node {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for i, n := range f.nodes {
			if i == excluded {
				continue
			}
			if n.IsLeader() {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no replacement leader elected within 5s")
	return nil
}

func TestBasicAgreement(t *testing.T) {
	f := newFabric(t, 3)
	leader := f.waitForLeader(t)

	for i := 0; i < 5; i++ {
		cmd := fmt.Sprintf("op-%d", i)
		index := f.propose(t, leader, cmd)
		f.waitApplied(t, index, cmd, 0, 1, 2)
	}
}

func TestProposeOnFollowerFails(t *testing.T) {
	f := newFabric(t, 3)
	leader := f.waitForLeader(t)

	for _, n := range f.nodes {
		if n == leader {
			continue
		}
		_, err := n.Propose(context.Background(), []byte("x"))
		if err != ErrNotLeader {
			t.Fatalf("expected ErrNotLeader from node %d, got %v", n.cfg.ID, err)
		}
	}
}

func TestQuorumLossBlocksProposals(t *testing.T) {
	f := newFabric(t, 3)
	leader := f.waitForLeader(t)

	// Cut both followers: the leader keeps its role until its own
	// election timer notices, but nothing can commit.
	for i := range f.nodes {
		if i != leader.cfg.ID {
			f.isolate(i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := leader.Propose(ctx, []byte("doomed"))
	if err != ErrQuorumUnavailable && err != ErrNotLeader {
		t.Fatalf("expected quorum failure, got %v", err)
	}
}

func TestCommittedEntriesSurviveLeaderChange(t *testing.T) {
	f := newFabric(t, 5)
	leader := f.waitForLeader(t)

	index := f.propose(t, leader, "durable")
	f.waitApplied(t, index, "durable", 0, 1, 2, 3, 4)

	// Kill the leader; the committed entry must be visible to the new
	// leader's followers untouched.
	f.isolate(leader.cfg.ID)
	next := f.waitForLeaderExcluding(t, leader.cfg.ID)

	index2 := f.propose(t, next, "after-failover")
	if index2 <= index {
		t.Fatalf("new entry index %d does not extend committed prefix %d", index2, index)
	}

	f.appliedMu.Lock()
	got := f.applied[next.cfg.ID][index]
	f.appliedMu.Unlock()
	if got != "durable" {
		t.Fatalf("committed entry overwritten: got %q at index %d", got, index)
	}
}

func TestAgreementUnderUnreliableNetwork(t *testing.T) {
	f := newFabric(t, 3)
	f.setUnreliable(true)
	leader := f.waitForLeader(t)

	var lastIndex uint64
	for i := 0; i < 10; i++ {
		cmd := fmt.Sprintf("noisy-%d", i)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		index, err := leader.Propose(ctx, []byte(cmd))
		cancel()
		if err != nil {
			// Leadership may move under churn; find the new leader and
			// retry once.
			leader = f.waitForLeader(t)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			index, err = leader.Propose(ctx, []byte(cmd))
			cancel()
			if err != nil {
				t.Fatalf("propose %q failed twice: %v", cmd, err)
			}
		}
		lastIndex = index
	}
	_ = lastIndex

	// All nodes must converge on identical applied state.
	f.setUnreliable(false)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.appliedStatesEqual() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("nodes did not converge on the same applied log")
}

func (f *fabric) appliedStatesEqual() bool {
	f.appliedMu.Lock()
	defer f.appliedMu.Unlock()
	first := f.applied[0]
	for _, m := range f.applied[1:] {
		if len(m) != len(first) {
			return false
		}
		for k, v := range first {
			if m[k] != v {
				return false
			}
		}
	}
	return len(first) > 0
}

func TestRestartRecoversState(t *testing.T) {
	f := newFabric(t, 3)
	leader := f.waitForLeader(t)

	index := f.propose(t, leader, "persisted")
	f.waitApplied(t, index, "persisted", 0, 1, 2)

	// Restart a follower from its persister and check the log survives.
	var follower *Node
	for _, n := range f.nodes {
		if n != leader {
			follower = n
			break
		}
	}
	id := follower.cfg.ID
	term := follower.Term()
	follower.Stop()

	restarted, err := NewNode(follower.cfg, follower.peers, f.persister[id])
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	restarted.mu.Lock()
	if restarted.currentTerm != term {
		t.Fatalf("term not restored: got %d, want %d", restarted.currentTerm, term)
	}
	if restarted.lastLogIndex() < index {
		t.Fatalf("log not restored: lastLogIndex %d < committed %d", restarted.lastLogIndex(), index)
	}
	restarted.mu.Unlock()
}

func TestSnapshotInstallOnLaggingFollower(t *testing.T) {
	f := newFabric(t, 3)
	leader := f.waitForLeader(t)

	// Pick a follower and cut it off while the cluster makes progress.
	var lagging *Node
	for _, n := range f.nodes {
		if n != leader {
			lagging = n
			break
		}
	}
	f.isolate(lagging.cfg.ID)

	var lastIndex uint64
	for i := 0; i < 20; i++ {
		lastIndex = f.propose(t, leader, fmt.Sprintf("bulk-%d", i))
	}
	others := make([]int, 0, 2)
	for i := range f.nodes {
		if i != lagging.cfg.ID {
			others = append(others, i)
		}
	}
	f.waitApplied(t, lastIndex, fmt.Sprintf("bulk-%d", 19), others...)

	// Compact the leader's log so the lagging follower cannot catch up
	// via AppendEntries alone.
	leader.Snapshot(lastIndex, []byte("state-through-bulk"))
	leader.mu.Lock()
	if leader.lastIncludedIndex != lastIndex {
		leader.mu.Unlock()
		t.Fatalf("compaction did not take: lastIncludedIndex=%d", leader.lastIncludedIndex)
	}
	leader.mu.Unlock()

	f.reconnect(lagging.cfg.ID)

	// The follower must receive the snapshot and report it on its apply
	// channel.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		lagging.mu.Lock()
		caught := lagging.lastIncludedIndex >= lastIndex
		lagging.mu.Unlock()
		if caught {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("lagging follower did not install the snapshot within 5s")
}

func TestSnapshotRefusesUncommittedIndex(t *testing.T) {
	f := newFabric(t, 3)
	leader := f.waitForLeader(t)
	index := f.propose(t, leader, "committed")

	leader.Snapshot(index+100, []byte("bogus"))
	leader.mu.Lock()
	defer leader.mu.Unlock()
	if leader.lastIncludedIndex != 0 {
		t.Fatalf("compaction accepted an uncommitted index: lastIncludedIndex=%d", leader.lastIncludedIndex)
	}
}
