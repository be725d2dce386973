package raft

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Heartbeat / Replication Loop
// --------------------------------------------------------------------------

// heartbeatLoop drives replication while this node is leader. Every tick
// each follower receives either the entries it is missing or an empty
// heartbeat.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if n.IsLeader() {
				n.broadcastEntries()
			}
		}
	}
}

// broadcastEntries sends one replication round to every follower.
func (n *Node) broadcastEntries() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	for i := range n.peers {
		if i == n.cfg.ID {
			continue
		}
		n.replicateToLocked(i)
	}
	n.mu.Unlock()
}

// replicateToLocked builds and dispatches one AppendEntries (or
// InstallSnapshot, if the follower is behind the snapshot edge) for one
// peer. Must be called with n.mu held; the RPC itself runs detached.
func (n *Node) replicateToLocked(peer int) {
	prevLogIndex := n.nextIndex[peer] - 1

	// Followers that need entries we already compacted get the snapshot.
	if prevLogIndex < n.lastIncludedIndex {
		n.sendSnapshotLocked(peer)
		return
	}

	args := &AppendEntriesArgs{
		Term:         n.currentTerm,
		LeaderID:     n.cfg.ID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  n.termAt(prevLogIndex),
		LeaderCommit: n.commitIndex,
	}
	if n.lastLogIndex() >= n.nextIndex[peer] {
		args.Entries = n.entriesFrom(n.nextIndex[peer])
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		defer cancel()
		reply, err := n.peers[peer].AppendEntries(ctx, args)
		if err != nil {
			log.Debugf("raft node %d: AppendEntries to %d failed: %v", n.cfg.ID, peer, err)
			return
		}
		n.handleAppendReply(peer, args, reply)
	}()
}

// handleAppendReply advances or rewinds the follower bookkeeping and
// moves the commit index when a majority stored an entry of the current
// term.
func (n *Node) handleAppendReply(peer int, args *AppendEntriesArgs, reply *AppendEntriesReply) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.stepDown(reply.Term)
		return
	}
	// Stale reply from a previous term or role.
	if n.role != Leader || n.currentTerm != args.Term {
		return
	}

	if !reply.Success {
		// Conflict backoff: jump nextIndex over the whole conflicting
		// term instead of walking back one entry per round trip.
		next := reply.ConflictIndex
		if reply.ConflictTerm != 0 {
			for i := args.PrevLogIndex; i > n.lastIncludedIndex; i-- {
				if n.termAt(i) == reply.ConflictTerm {
					next = i + 1
					break
				}
			}
		}
		if next < 1 {
			next = 1
		}
		if next < n.nextIndex[peer] {
			n.nextIndex[peer] = next
		} else {
			n.nextIndex[peer]--
		}
		log.Debugf("raft node %d: follower %d rejected entries, nextIndex rewound to %d", n.cfg.ID, peer, n.nextIndex[peer])
		return
	}

	match := args.PrevLogIndex + uint64(len(args.Entries))
	if match > n.matchIndex[peer] {
		n.matchIndex[peer] = match
	}
	if match+1 > n.nextIndex[peer] {
		n.nextIndex[peer] = match + 1
	}
	n.advanceCommitIndexLocked()
}

// advanceCommitIndexLocked moves commitIndex to the highest index stored
// on a majority. Only entries of the current term commit by counting;
// earlier terms commit implicitly with them. Must hold n.mu.
func (n *Node) advanceCommitIndexLocked() {
	for idx := n.lastLogIndex(); idx > n.commitIndex && idx > n.lastIncludedIndex; idx-- {
		if n.termAt(idx) != n.currentTerm {
			break
		}
		count := 0
		for i := range n.peers {
			if n.matchIndex[i] >= idx {
				count++
			}
		}
		if count >= len(n.peers)/2+1 {
			n.commitIndex = idx
			log.Debugf("raft node %d: commit index advanced to %d", n.cfg.ID, idx)
			n.applyCond.Broadcast()
			n.commitCond.Broadcast()
			break
		}
	}
}

// --------------------------------------------------------------------------
// AppendEntries Handler
// --------------------------------------------------------------------------

// HandleAppendEntries implements the follower side of replication:
// reject on stale term or missing prev entry, truncate any conflicting
// suffix, append what is new and advance the local commit index.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &AppendEntriesReply{Term: n.currentTerm}

	if args.Term < n.currentTerm {
		log.Debugf("raft node %d: rejecting AppendEntries from %d, stale term %d < %d", n.cfg.ID, args.LeaderID, args.Term, n.currentTerm)
		return reply
	}
	if args.Term > n.currentTerm || n.role != Follower {
		n.stepDown(args.Term)
		reply.Term = n.currentTerm
	}
	n.leaderID = args.LeaderID
	n.lastContact = time.Now()

	// The leader's prev entry must exist here with the same term.
	if args.PrevLogIndex > n.lastLogIndex() {
		reply.ConflictIndex = n.lastLogIndex() + 1
		return reply
	}
	if args.PrevLogIndex >= n.lastIncludedIndex && n.termAt(args.PrevLogIndex) != args.PrevLogTerm {
		reply.ConflictTerm = n.termAt(args.PrevLogIndex)
		reply.ConflictIndex = args.PrevLogIndex
		for i := args.PrevLogIndex; i > n.lastIncludedIndex; i-- {
			if n.termAt(i) != reply.ConflictTerm {
				break
			}
			reply.ConflictIndex = i
		}
		return reply
	}

	// Append entries, truncating a conflicting suffix when a stored
	// entry disagrees with an incoming one. Committed entries are never
	// reached here because a leader with a conflicting suffix for them
	// could not have been elected.
	changed := false
	for _, e := range args.Entries {
		if e.Index <= n.lastIncludedIndex {
			continue // already covered by our snapshot
		}
		if e.Index <= n.lastLogIndex() {
			if n.termAt(e.Index) == e.Term {
				continue // already stored
			}
			n.log = n.log[:n.sliceIndex(e.Index)]
			changed = true
		}
		n.log = append(n.log, e)
		changed = true
	}
	if changed {
		n.persist()
	}

	if args.LeaderCommit > n.commitIndex {
		last := n.lastLogIndex()
		if args.LeaderCommit < last {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = last
		}
		n.applyCond.Broadcast()
	}

	reply.Success = true
	return reply
}
