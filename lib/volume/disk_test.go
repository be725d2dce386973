package volume

import (
	"bytes"
	"context"
	"testing"
)

func newTestDiskVolume(t *testing.T) *DiskVolume {
	t.Helper()
	v, err := NewDiskVolume("vol-disk", t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskVolume failed: %v", err)
	}
	return v
}

func TestDiskPrepareCommitPublishes(t *testing.T) {
	v := newTestDiskVolume(t)
	ctx := context.Background()
	data := []byte("hello world")

	if err := v.Prepare(ctx, 1, "greeting", data, Checksum(data)); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	// Staged objects are invisible to reads.
	if _, err := v.Get(ctx, "greeting"); err != ErrNotFound {
		t.Fatalf("staged object visible before commit: %v", err)
	}

	if err := v.Commit(ctx, 1); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	got, err := v.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get returned %q, want %q", got, data)
	}
	info, err := v.Stat(ctx, "greeting")
	if err != nil || info.Size != uint64(len(data)) || info.Checksum != Checksum(data) {
		t.Fatalf("Stat = %+v, %v", info, err)
	}
	if v.StagedCount() != 0 {
		t.Errorf("staging not cleared after commit")
	}
}

func TestDiskPrepareRejectsBadChecksum(t *testing.T) {
	v := newTestDiskVolume(t)
	err := v.Prepare(context.Background(), 1, "k", []byte("data"), "not-the-hash")
	if err != ErrChecksumMismatch {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
	if v.StagedCount() != 0 {
		t.Error("rejected prepare left staged data")
	}
}

func TestDiskAbortLeavesNoTrace(t *testing.T) {
	v := newTestDiskVolume(t)
	ctx := context.Background()
	data := []byte("doomed")

	_ = v.Prepare(ctx, 7, "k", data, Checksum(data))
	if err := v.Abort(ctx, 7); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := v.Get(ctx, "k"); err != ErrNotFound {
		t.Fatal("aborted object is readable")
	}
	if err := v.Commit(ctx, 7); err != ErrUnknownTxn {
		t.Fatalf("commit after abort: got %v, want ErrUnknownTxn", err)
	}
	// Aborting again is a no-op.
	if err := v.Abort(ctx, 7); err != nil {
		t.Fatalf("repeated Abort failed: %v", err)
	}
}

func TestDiskCommitRetryIsIdempotent(t *testing.T) {
	v := newTestDiskVolume(t)
	ctx := context.Background()
	data := []byte("x")

	_ = v.Prepare(ctx, 3, "k", data, Checksum(data))
	if err := v.Commit(ctx, 3); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := v.Commit(ctx, 3); err != nil {
		t.Fatalf("commit retry failed: %v", err)
	}
}

func TestDiskStagedTransactionsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := []byte("persist me")

	v, err := NewDiskVolume("vol-disk", dir)
	if err != nil {
		t.Fatalf("NewDiskVolume failed: %v", err)
	}
	if err := v.Prepare(ctx, 42, "k", data, Checksum(data)); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	// Reopen over the same directory, as after a crash between prepare
	// and commit.
	v2, err := NewDiskVolume("vol-disk", dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if v2.StagedCount() != 1 {
		t.Fatalf("staged count after reopen = %d, want 1", v2.StagedCount())
	}
	if err := v2.Commit(ctx, 42); err != nil {
		t.Fatalf("Commit after reopen failed: %v", err)
	}
	got, err := v2.Get(ctx, "k")
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Get after reopen = %q, %v", got, err)
	}
}

func TestDiskObjectsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := []byte("durable")

	v, err := NewDiskVolume("vol-disk", dir)
	if err != nil {
		t.Fatalf("NewDiskVolume failed: %v", err)
	}
	_ = v.Prepare(ctx, 1, "some/key with spaces", data, Checksum(data))
	if err := v.Commit(ctx, 1); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	v2, err := NewDiskVolume("vol-disk", dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := v2.Get(ctx, "some/key with spaces")
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Get after reopen = %q, %v", got, err)
	}
	info, err := v2.Stat(ctx, "some/key with spaces")
	if err != nil || info.Checksum != Checksum(data) {
		t.Fatalf("Stat after reopen = %+v, %v", info, err)
	}
}
