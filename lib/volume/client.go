package volume

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrNotFound is returned by reads of keys the volume does not hold.
	ErrNotFound = errors.New("volume: object not found")
	// ErrUnknownTxn is returned by Commit for a transaction id that was
	// never prepared here and never committed here.
	ErrUnknownTxn = errors.New("volume: unknown transaction")
	// ErrChecksumMismatch is returned by Prepare when the staged bytes do
	// not hash to the announced checksum.
	ErrChecksumMismatch = errors.New("volume: checksum mismatch")
)

// Info describes a stored object without its bytes.
type Info struct {
	Size     uint64
	Checksum string
}

// Client is the coordinator's view of one data volume.
type Client interface {
	// Ping is the heartbeat probe.
	Ping(ctx context.Context) error

	// Prepare durably stages data under txnID without publishing it. The
	// volume verifies the bytes against checksum before acknowledging.
	Prepare(ctx context.Context, txnID uint64, key string, data []byte, checksum string) error
	// Commit publishes the staged object of txnID under its key.
	Commit(ctx context.Context, txnID uint64) error
	// Abort discards the staged object of txnID, if any.
	Abort(ctx context.Context, txnID uint64) error

	// Get returns the bytes of a published object.
	Get(ctx context.Context, key string) ([]byte, error)
	// Stat returns size and checksum of a published object.
	Stat(ctx context.Context, key string) (Info, error)
	// Delete removes a published object.
	Delete(ctx context.Context, key string) error
}

// Checksum is the content hash volumes and coordinators agree on:
// SHA-256, hex encoded.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
