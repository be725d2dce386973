package raft

import (
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Election Loop
// --------------------------------------------------------------------------

// electionLoop sleeps a randomized timeout and starts an election if no
// heartbeat or vote grant arrived in the meantime.
func (n *Node) electionLoop() {
	defer n.wg.Done()
	for {
		timeout := n.randomElectionTimeout()
		select {
		case <-n.stopCh:
			return
		case <-time.After(timeout):
		}

		n.mu.Lock()
		if n.role == Leader || time.Since(n.lastContact) < timeout {
			n.mu.Unlock()
			continue
		}
		n.startElection()
		n.mu.Unlock()
	}
}

// randomElectionTimeout draws from [T, 2T).
func (n *Node) randomElectionTimeout() time.Duration {
	base := n.cfg.ElectionTimeoutBase
	return base + time.Duration(rand.Int63n(int64(base)))
}

// startElection transitions to candidate and solicits votes. Must be
// called with n.mu held; vote replies are handled asynchronously.
func (n *Node) startElection() {
	n.currentTerm++
	n.role = Candidate
	n.votedFor = n.cfg.ID
	n.leaderID = -1
	n.lastContact = time.Now()
	n.persist()
	metricElections.Inc()

	term := n.currentTerm
	lastLogIndex, lastLogTerm := n.lastLogIndexAndTerm()
	args := &RequestVoteArgs{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
	log.Debugf("raft node %d: starting election for term %d (lastLogIndex=%d)", n.cfg.ID, term, lastLogIndex)

	votes := 1 // our own
	if votes >= len(n.peers)/2+1 {
		// Single node group: no one else to ask.
		n.becomeLeaderLocked()
		return
	}
	for i := range n.peers {
		if i == n.cfg.ID {
			continue
		}
		go func(peer int) {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
			defer cancel()
			reply, err := n.peers[peer].RequestVote(ctx, args)
			if err != nil {
				log.Debugf("raft node %d: RequestVote to %d failed: %v", n.cfg.ID, peer, err)
				return
			}
			n.handleVoteReply(peer, term, reply, &votes)
		}(i)
	}
}

// handleVoteReply counts votes for the election started at electionTerm.
// The votes counter is only touched under n.mu, so a plain int is safe.
func (n *Node) handleVoteReply(peer int, electionTerm uint64, reply *RequestVoteReply, votes *int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		log.Debugf("raft node %d: vote reply from %d carries higher term %d", n.cfg.ID, peer, reply.Term)
		n.stepDown(reply.Term)
		return
	}
	// The election this reply belongs to is already over.
	if n.role != Candidate || n.currentTerm != electionTerm {
		return
	}
	if !reply.VoteGranted {
		return
	}

	*votes++
	if *votes < len(n.peers)/2+1 {
		return
	}
	n.becomeLeaderLocked()
}

// becomeLeaderLocked performs the leader transition for the current
// term. Must be called with n.mu held.
func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.cfg.ID
	lastLogIndex := n.lastLogIndex()
	for i := range n.peers {
		n.nextIndex[i] = lastLogIndex + 1
		n.matchIndex[i] = 0
	}
	n.matchIndex[n.cfg.ID] = lastLogIndex
	metricLeaderChanges.Inc()
	log.Infof("raft node %d: elected leader for term %d", n.cfg.ID, n.currentTerm)

	// Announce leadership immediately rather than waiting for the next
	// heartbeat tick.
	go n.broadcastEntries()
}

// --------------------------------------------------------------------------
// RequestVote Handler
// --------------------------------------------------------------------------

// HandleRequestVote implements the receiver side of the vote RPC. The
// vote and any term change are persisted before the reply is returned.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &RequestVoteReply{Term: n.currentTerm}

	if args.Term < n.currentTerm {
		log.Debugf("raft node %d: rejecting vote for %d, stale term %d < %d", n.cfg.ID, args.CandidateID, args.Term, n.currentTerm)
		return reply
	}
	if args.Term > n.currentTerm {
		n.stepDown(args.Term)
		reply.Term = n.currentTerm
	}

	// A vote is granted only to candidates whose log is at least as up to
	// date as ours: higher last term wins, equal terms compare indexes.
	lastLogIndex, lastLogTerm := n.lastLogIndexAndTerm()
	upToDate := args.LastLogTerm > lastLogTerm ||
		(args.LastLogTerm == lastLogTerm && args.LastLogIndex >= lastLogIndex)

	if !upToDate {
		log.Debugf("raft node %d: rejecting vote for %d, candidate log is behind", n.cfg.ID, args.CandidateID)
		return reply
	}
	if n.votedFor != -1 && n.votedFor != args.CandidateID {
		log.Debugf("raft node %d: rejecting vote for %d, already voted for %d this term", n.cfg.ID, args.CandidateID, n.votedFor)
		return reply
	}

	n.votedFor = args.CandidateID
	n.lastContact = time.Now()
	n.persist()
	reply.VoteGranted = true
	log.Debugf("raft node %d: granted vote to %d for term %d", n.cfg.ID, args.CandidateID, args.Term)
	return reply
}
