package raft

import "context"

// --------------------------------------------------------------------------
// RPC Argument / Reply Types
// --------------------------------------------------------------------------

// RequestVoteArgs is sent by candidates to gather votes.
type RequestVoteArgs struct {
	Term         uint64 // candidate's term
	CandidateID  int    // candidate requesting the vote
	LastLogIndex uint64 // index of the candidate's last log entry
	LastLogTerm  uint64 // term of the candidate's last log entry
}

// RequestVoteReply answers a vote request.
type RequestVoteReply struct {
	Term        uint64 // currentTerm of the replier, for the candidate to update itself
	VoteGranted bool
}

// AppendEntriesArgs carries log entries (or a heartbeat when Entries is
// empty) from the leader to a follower.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     int
	PrevLogIndex uint64 // index of the entry immediately preceding the new ones
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64 // leader's commitIndex
}

// AppendEntriesReply answers an AppendEntries request. On a log mismatch
// the follower fills the conflict fields so the leader can skip back over
// whole terms instead of decrementing nextIndex one entry at a time.
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64 // first index the follower stores for ConflictTerm (or its log length+1)
	ConflictTerm  uint64 // term of the conflicting entry, zero if the follower's log is too short
}

// InstallSnapshotArgs replaces the whole log prefix of a lagging follower.
type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          int
	LastIncludedIndex uint64 // the snapshot covers the log through this index
	LastIncludedTerm  uint64
	Data              []byte // serialized state machine snapshot
}

// InstallSnapshotReply answers an InstallSnapshot request.
type InstallSnapshotReply struct {
	Term uint64
}

// --------------------------------------------------------------------------
// Peer Interface
// --------------------------------------------------------------------------

// PeerClient is the outbound side of the consensus RPC surface. The wire
// implementation lives in rpc/client; tests plug in an in-memory fabric
// that can delay, duplicate and drop messages.
type PeerClient interface {
	RequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}
