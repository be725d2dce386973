package raft

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// --------------------------------------------------------------------------
// Persister Interface
// --------------------------------------------------------------------------

// Persister stores the state a node must survive a restart with: the
// encoded persistent raft state (term, vote, log) and the latest state
// machine snapshot. SaveState must be durable before any RPC reply that
// depends on it is sent.
type Persister interface {
	// SaveState durably stores the encoded raft state.
	SaveState(state []byte) error
	// ReadState returns the last stored raft state (nil if none).
	ReadState() ([]byte, error)
	// SaveSnapshot durably stores a state machine snapshot together with
	// the raft state that references it.
	SaveSnapshot(state, snapshot []byte) error
	// ReadSnapshot returns the last stored snapshot (nil if none).
	ReadSnapshot() ([]byte, error)
}

// --------------------------------------------------------------------------
// In-Memory Persister
// --------------------------------------------------------------------------

// MemoryPersister keeps everything in memory. Used by tests and by the
// single node dev mode where durability is not required.
type MemoryPersister struct {
	mu       sync.Mutex
	state    []byte
	snapshot []byte
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (p *MemoryPersister) SaveState(state []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = clone(state)
	return nil
}

func (p *MemoryPersister) ReadState() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.state), nil
}

func (p *MemoryPersister) SaveSnapshot(state, snapshot []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = clone(state)
	p.snapshot = clone(snapshot)
	return nil
}

func (p *MemoryPersister) ReadSnapshot() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.snapshot), nil
}

// StateSize returns the size of the stored raft state in bytes.
func (p *MemoryPersister) StateSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.state)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// --------------------------------------------------------------------------
// File Persister
// --------------------------------------------------------------------------

const (
	stateFileName    = "raft-state.bin"
	snapshotFileName = "raft-snapshot.bin"
)

// FilePersister stores raft state and snapshots as files in a data
// directory. Writes go through a temp file plus rename so a crash never
// leaves a torn file behind.
type FilePersister struct {
	mu  sync.Mutex
	dir string
}

// NewFilePersister creates the data directory if needed and returns a
// persister rooted there.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}
	return &FilePersister{dir: dir}, nil
}

func (p *FilePersister) SaveState(state []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeAtomic(stateFileName, state)
}

func (p *FilePersister) ReadState() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readFile(stateFileName)
}

func (p *FilePersister) SaveSnapshot(state, snapshot []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeAtomic(snapshotFileName, snapshot); err != nil {
		return err
	}
	return p.writeAtomic(stateFileName, state)
}

func (p *FilePersister) ReadSnapshot() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readFile(snapshotFileName)
}

func (p *FilePersister) writeAtomic(name string, data []byte) error {
	path := filepath.Join(p.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

func (p *FilePersister) readFile(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
