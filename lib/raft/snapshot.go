package raft

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Log Compaction (leader + follower local)
// --------------------------------------------------------------------------

// Snapshot is called by the state machine once a snapshot covering the
// log through index is durable. The log prefix up to index is discarded;
// followers that need it will receive the snapshot instead of entries.
// Indexes above commitIndex are refused, compaction never outruns
// agreement.
func (n *Node) Snapshot(index uint64, snapshot []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if index <= n.lastIncludedIndex || index > n.commitIndex {
		return
	}

	n.lastIncludedTerm = n.termAt(index)
	n.log = n.entriesFrom(index + 1)
	n.lastIncludedIndex = index

	if err := n.persister.SaveSnapshot(n.encodeState(), snapshot); err != nil {
		log.Panicf("raft node %d: failed to persist snapshot: %v", n.cfg.ID, err)
	}
	metricSnapshots.Inc()
	log.Infof("raft node %d: log compacted through index %d (%d entries retained)", n.cfg.ID, index, len(n.log))
}

// SnapshotThreshold reports the configured compaction hint: after this
// many applied entries the state machine should produce a snapshot.
// Zero disables the hint.
func (n *Node) SnapshotThreshold() int {
	return n.cfg.SnapshotThreshold
}

// entriesFrom with index beyond the log returns an empty slice; guard
// used by Snapshot when compacting the entire log.

// --------------------------------------------------------------------------
// InstallSnapshot (leader side)
// --------------------------------------------------------------------------

// sendSnapshotLocked ships the current snapshot to a follower whose
// nextIndex fell behind the compaction edge. Must hold n.mu.
func (n *Node) sendSnapshotLocked(peer int) {
	snapshot, err := n.persister.ReadSnapshot()
	if err != nil {
		log.Errorf("raft node %d: failed to read snapshot for follower %d: %v", n.cfg.ID, peer, err)
		return
	}
	args := &InstallSnapshotArgs{
		Term:              n.currentTerm,
		LeaderID:          n.cfg.ID,
		LastIncludedIndex: n.lastIncludedIndex,
		LastIncludedTerm:  n.lastIncludedTerm,
		Data:              snapshot,
	}
	log.Debugf("raft node %d: follower %d is behind the snapshot edge, sending snapshot through index %d", n.cfg.ID, peer, args.LastIncludedIndex)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		defer cancel()
		reply, err := n.peers[peer].InstallSnapshot(ctx, args)
		if err != nil {
			log.Debugf("raft node %d: InstallSnapshot to %d failed: %v", n.cfg.ID, peer, err)
			return
		}
		n.handleSnapshotReply(peer, args, reply)
	}()
}

func (n *Node) handleSnapshotReply(peer int, args *InstallSnapshotArgs, reply *InstallSnapshotReply) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.stepDown(reply.Term)
		return
	}
	if n.role != Leader || n.currentTerm != args.Term {
		return
	}
	if args.LastIncludedIndex > n.matchIndex[peer] {
		n.matchIndex[peer] = args.LastIncludedIndex
	}
	if args.LastIncludedIndex+1 > n.nextIndex[peer] {
		n.nextIndex[peer] = args.LastIncludedIndex + 1
	}
}

// --------------------------------------------------------------------------
// InstallSnapshot Handler (follower side)
// --------------------------------------------------------------------------

// HandleInstallSnapshot replaces the follower's log prefix with the
// leader's snapshot. The snapshot is queued for the apply loop so the
// state machine restores it in order with respect to applied commands.
func (n *Node) HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &InstallSnapshotReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply
	}
	if args.Term > n.currentTerm || n.role != Follower {
		n.stepDown(args.Term)
		reply.Term = n.currentTerm
	}
	n.leaderID = args.LeaderID
	n.lastContact = time.Now()

	// Stale or duplicate snapshot.
	if args.LastIncludedIndex <= n.commitIndex {
		return reply
	}

	// Retain any log suffix that extends past the snapshot, drop the rest.
	if args.LastIncludedIndex < n.lastLogIndex() && n.termAt(args.LastIncludedIndex) == args.LastIncludedTerm {
		n.log = n.entriesFrom(args.LastIncludedIndex + 1)
	} else {
		n.log = nil
	}
	n.lastIncludedIndex = args.LastIncludedIndex
	n.lastIncludedTerm = args.LastIncludedTerm
	n.commitIndex = args.LastIncludedIndex
	n.lastApplied = args.LastIncludedIndex

	if err := n.persister.SaveSnapshot(n.encodeState(), args.Data); err != nil {
		log.Panicf("raft node %d: failed to persist installed snapshot: %v", n.cfg.ID, err)
	}

	n.pendingSnapshot = &ApplyMsg{
		SnapshotValid: true,
		Snapshot:      args.Data,
		SnapshotIndex: args.LastIncludedIndex,
		SnapshotTerm:  args.LastIncludedTerm,
	}
	n.applyCond.Broadcast()
	log.Infof("raft node %d: installed snapshot through index %d from leader %d", n.cfg.ID, args.LastIncludedIndex, args.LeaderID)
	return reply
}
