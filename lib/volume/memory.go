package volume

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// stagedObject is a prepared but unpublished write.
type stagedObject struct {
	key      string
	data     []byte
	checksum string
}

// storedObject is a published object.
type storedObject struct {
	data     []byte
	checksum string
}

// MemoryVolume is an in-process Client. It backs tests and single
// binary demo clusters; the semantics match the networked volume
// exactly.
type MemoryVolume struct {
	id        string
	staging   *xsync.MapOf[uint64, stagedObject]
	objects   *xsync.MapOf[string, storedObject]
	committed *xsync.MapOf[uint64, string] // txnID -> key, for idempotent commit retries
}

// NewMemoryVolume creates an empty volume.
func NewMemoryVolume(id string) *MemoryVolume {
	return &MemoryVolume{
		id:        id,
		staging:   xsync.NewMapOf[uint64, stagedObject](),
		objects:   xsync.NewMapOf[string, storedObject](),
		committed: xsync.NewMapOf[uint64, string](),
	}
}

// ID returns the volume identifier.
func (v *MemoryVolume) ID() string { return v.id }

func (v *MemoryVolume) Ping(_ context.Context) error { return nil }

func (v *MemoryVolume) Prepare(_ context.Context, txnID uint64, key string, data []byte, checksum string) error {
	if Checksum(data) != checksum {
		return ErrChecksumMismatch
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	// A retry of the same prepare restages; the last write wins.
	v.staging.Store(txnID, stagedObject{key: key, data: stored, checksum: checksum})
	return nil
}

func (v *MemoryVolume) Commit(_ context.Context, txnID uint64) error {
	staged, ok := v.staging.Load(txnID)
	if !ok {
		// A commit retry after a completed commit must succeed.
		if _, done := v.committed.Load(txnID); done {
			return nil
		}
		return ErrUnknownTxn
	}
	v.objects.Store(staged.key, storedObject{data: staged.data, checksum: staged.checksum})
	v.committed.Store(txnID, staged.key)
	v.staging.Delete(txnID)
	return nil
}

func (v *MemoryVolume) Abort(_ context.Context, txnID uint64) error {
	v.staging.Delete(txnID)
	return nil
}

func (v *MemoryVolume) Get(_ context.Context, key string) ([]byte, error) {
	obj, ok := v.objects.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (v *MemoryVolume) Stat(_ context.Context, key string) (Info, error) {
	obj, ok := v.objects.Load(key)
	if !ok {
		return Info{}, ErrNotFound
	}
	return Info{Size: uint64(len(obj.data)), Checksum: obj.checksum}, nil
}

func (v *MemoryVolume) Delete(_ context.Context, key string) error {
	v.objects.Delete(key)
	return nil
}

// StagedCount reports how many transactions are currently staged.
func (v *MemoryVolume) StagedCount() int {
	return v.staging.Size()
}

// ObjectCount reports how many objects are published.
func (v *MemoryVolume) ObjectCount() int {
	return v.objects.Size()
}
