package volume

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Constants for the on-disk object format
const (
	magicNum      = "QKVVOL\x00" // File format identifier
	diskVersion   = 1            // Object file format version
	stagingSubdir = "staging"    // Prepared but unpublished writes
	objectsSubdir = "objects"    // Published objects
	objectSuffix  = ".obj"
	stagedSuffix  = ".txn"
)

// --------------------------------------------------------------------------
// Disk Volume
// --------------------------------------------------------------------------

// DiskVolume is a Client backed by the local filesystem. Prepared writes
// are staged as transaction files and published by an atomic rename, so a
// crash between prepare and commit leaves no partially visible object.
//
// Layout under the data directory:
//
//	staging/<txnID>.txn   staged writes, removed on commit or abort
//	objects/<hexkey>.obj  published objects, one file per key
type DiskVolume struct {
	id  string
	dir string

	// staged maps txnID to the staged key for commit without re-reading
	// the file header.
	staged *xsync.MapOf[uint64, string]

	// commitMu serializes the staging to objects rename against
	// concurrent commit retries of the same transaction.
	commitMu sync.Mutex
}

// NewDiskVolume opens or creates a volume rooted at dir. Staged
// transactions left behind by a crash are recovered and stay committable.
func NewDiskVolume(id, dir string) (*DiskVolume, error) {
	for _, sub := range []string{stagingSubdir, objectsSubdir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("volume %s: %w", id, err)
		}
	}

	v := &DiskVolume{
		id:     id,
		dir:    dir,
		staged: xsync.NewMapOf[uint64, string](),
	}
	if err := v.recoverStaging(); err != nil {
		return nil, err
	}
	return v, nil
}

// recoverStaging rebuilds the staged transaction index from the staging
// directory. Unreadable files are dropped, their transactions will be
// retried or aborted by the coordinator.
func (v *DiskVolume) recoverStaging() error {
	entries, err := os.ReadDir(filepath.Join(v.dir, stagingSubdir))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, stagedSuffix) {
			continue
		}
		txnID, err := strconv.ParseUint(strings.TrimSuffix(name, stagedSuffix), 16, 64)
		if err != nil {
			continue
		}
		key, _, _, err := readObjectHeader(filepath.Join(v.dir, stagingSubdir, name))
		if err != nil {
			log.Warnf("volume %s: dropping unreadable staged transaction %s: %v", v.id, name, err)
			_ = os.Remove(filepath.Join(v.dir, stagingSubdir, name))
			continue
		}
		v.staged.Store(txnID, key)
	}
	if n := v.staged.Size(); n > 0 {
		log.Infof("volume %s: recovered %d staged transactions", v.id, n)
	}
	return nil
}

// ID returns the volume identifier.
func (v *DiskVolume) ID() string { return v.id }

func (v *DiskVolume) Ping(_ context.Context) error { return nil }

// --------------------------------------------------------------------------
// Interface Methods (docu see volume.Client)
// --------------------------------------------------------------------------

func (v *DiskVolume) Prepare(_ context.Context, txnID uint64, key string, data []byte, checksum string) error {
	if Checksum(data) != checksum {
		return ErrChecksumMismatch
	}

	// A retry of the same prepare restages; the last write wins.
	path := v.stagingPath(txnID)
	if err := writeObjectFile(path, key, checksum, data); err != nil {
		return fmt.Errorf("volume %s: staging txn %d: %w", v.id, txnID, err)
	}
	v.staged.Store(txnID, key)
	return nil
}

func (v *DiskVolume) Commit(_ context.Context, txnID uint64) error {
	v.commitMu.Lock()
	defer v.commitMu.Unlock()

	key, ok := v.staged.Load(txnID)
	if !ok {
		// A commit retry after a completed commit must succeed. The
		// staging file is gone exactly when the rename went through.
		if _, err := os.Stat(v.stagingPath(txnID)); os.IsNotExist(err) {
			return nil
		}
		return ErrUnknownTxn
	}

	if err := os.Rename(v.stagingPath(txnID), v.objectPath(key)); err != nil {
		return fmt.Errorf("volume %s: committing txn %d: %w", v.id, txnID, err)
	}
	v.staged.Delete(txnID)
	return nil
}

func (v *DiskVolume) Abort(_ context.Context, txnID uint64) error {
	v.staged.Delete(txnID)
	err := os.Remove(v.stagingPath(txnID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("volume %s: aborting txn %d: %w", v.id, txnID, err)
	}
	return nil
}

func (v *DiskVolume) Get(_ context.Context, key string) ([]byte, error) {
	f, err := os.Open(v.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1024*1024)
	_, _, size, err := readHeader(br)
	if err != nil {
		return nil, fmt.Errorf("volume %s: object %q: %w", v.id, key, err)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, fmt.Errorf("volume %s: object %q: %w", v.id, key, err)
	}
	return data, nil
}

func (v *DiskVolume) Stat(_ context.Context, key string) (Info, error) {
	_, checksum, size, err := readObjectHeader(v.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}
	return Info{Size: size, Checksum: checksum}, nil
}

func (v *DiskVolume) Delete(_ context.Context, key string) error {
	err := os.Remove(v.objectPath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// StagedCount reports how many transactions are currently staged.
func (v *DiskVolume) StagedCount() int {
	return v.staged.Size()
}

// --------------------------------------------------------------------------
// Paths
// --------------------------------------------------------------------------

func (v *DiskVolume) stagingPath(txnID uint64) string {
	return filepath.Join(v.dir, stagingSubdir, fmt.Sprintf("%016x%s", txnID, stagedSuffix))
}

// objectPath hex-encodes the key so arbitrary key bytes map to a flat,
// collision-free file name.
func (v *DiskVolume) objectPath(key string) string {
	return filepath.Join(v.dir, objectsSubdir, hex.EncodeToString([]byte(key))+objectSuffix)
}

// --------------------------------------------------------------------------
// Object File Format
// --------------------------------------------------------------------------

// writeObjectFile writes an object file and syncs it to disk before
// returning. The write goes to a temp name first so a crash never leaves
// a half-written file under the final name.
func writeObjectFile(path, key, checksum string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(f, 1024*1024)
	if err := writeHeader(bw, key, checksum, uint64(len(data))); err != nil {
		f.Close()
		return err
	}
	if _, err := bw.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeHeader(w io.Writer, key, checksum string, size uint64) error {
	if _, err := io.WriteString(w, magicNum); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(diskVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(key))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(checksum))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, checksum); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, size)
}

func readHeader(r io.Reader) (key, checksum string, size uint64, err error) {
	magicBytes := make([]byte, len(magicNum))
	if _, err = io.ReadFull(r, magicBytes); err != nil {
		return
	}
	if string(magicBytes) != magicNum {
		err = fmt.Errorf("invalid file format: magic number mismatch")
		return
	}

	var version uint8
	if err = binary.Read(r, binary.LittleEndian, &version); err != nil {
		return
	}
	if int(version) != diskVersion {
		err = fmt.Errorf("unsupported version: %d (expected %d)", version, diskVersion)
		return
	}

	var keyLen uint32
	if err = binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return
	}
	keyBytes := make([]byte, keyLen)
	if _, err = io.ReadFull(r, keyBytes); err != nil {
		return
	}

	var checksumLen uint16
	if err = binary.Read(r, binary.LittleEndian, &checksumLen); err != nil {
		return
	}
	checksumBytes := make([]byte, checksumLen)
	if _, err = io.ReadFull(r, checksumBytes); err != nil {
		return
	}

	if err = binary.Read(r, binary.LittleEndian, &size); err != nil {
		return
	}
	return string(keyBytes), string(checksumBytes), size, nil
}

// readObjectHeader reads only the header of an object file.
func readObjectHeader(path string) (key, checksum string, size uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", 0, err
	}
	defer f.Close()
	return readHeader(bufio.NewReader(f))
}
