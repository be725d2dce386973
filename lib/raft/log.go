package raft

// LogEntry is one record of the replicated log. Entries are append-only:
// once written they are never mutated, only truncated away when a leader
// overwrites a conflicting suffix or compacted after a snapshot.
type LogEntry struct {
	Index   uint64
	Term    uint64
	Command []byte
}

// --------------------------------------------------------------------------
// Log Index Helpers
// --------------------------------------------------------------------------
//
// n.log holds the entries with Index > n.lastIncludedIndex; everything at
// or below lastIncludedIndex lives only in the snapshot. All helpers
// require n.mu to be held.

// sliceIndex converts a log index into a position in n.log. The caller
// must ensure logIndex > n.lastIncludedIndex.
func (n *Node) sliceIndex(logIndex uint64) int {
	return int(logIndex - n.lastIncludedIndex - 1)
}

// lastLogIndex returns the index of the last entry (or the snapshot edge
// if the log is empty).
func (n *Node) lastLogIndex() uint64 {
	return n.lastIncludedIndex + uint64(len(n.log))
}

// termAt returns the term of the entry at logIndex. logIndex must be in
// [n.lastIncludedIndex, n.lastLogIndex()].
func (n *Node) termAt(logIndex uint64) uint64 {
	if logIndex == n.lastIncludedIndex {
		return n.lastIncludedTerm
	}
	return n.log[n.sliceIndex(logIndex)].Term
}

// lastLogIndexAndTerm returns the index and term of the last log entry.
func (n *Node) lastLogIndexAndTerm() (uint64, uint64) {
	idx := n.lastLogIndex()
	return idx, n.termAt(idx)
}

// entriesFrom returns a copy of the entries starting at logIndex. The
// copy is required because the log may be truncated or compacted while
// an RPC using the slice is still in flight.
func (n *Node) entriesFrom(logIndex uint64) []LogEntry {
	src := n.log[n.sliceIndex(logIndex):]
	dst := make([]LogEntry, len(src))
	copy(dst, src)
	return dst
}
