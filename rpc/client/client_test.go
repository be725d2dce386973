package client

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quorumkv/qKV/lib/volume"
	"github.com/quorumkv/qKV/rpc/common"
	"github.com/quorumkv/qKV/rpc/serializer"
	"github.com/quorumkv/qKV/rpc/server"
	"github.com/quorumkv/qKV/rpc/transport/tcp"
)

// startVolumeServer runs a volume server on an ephemeral loopback port and
// returns its address.
func startVolumeServer(t *testing.T) string {
	t.Helper()

	cfg := common.ServerConfig{
		TimeoutSecond: 5,
		LogLevel:      "error",
		Transport: common.ServerTransportConfig{
			Endpoint:          "127.0.0.1:0",
			MaxWorkersPerConn: 4,
		},
	}

	s := server.NewRPCServer(cfg, tcp.NewTCPServerTransport(), serializer.NewBinarySerializer())
	s.Register(common.ServiceVolume, server.NewVolumeAdapter(volume.NewMemoryVolume("vol-test"), 2*time.Second))

	go func() {
		if err := s.Serve(); err != nil {
			t.Errorf("server stopped: %v", err)
		}
	}()
	t.Cleanup(func() { s.Close() })

	// Wait for the listener to bind
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not bind in time")
	return ""
}

func newTestVolumeClient(t *testing.T, addr string) volume.Client {
	t.Helper()

	cfg := common.ClientConfig{
		TimeoutSecond: 5,
		Transport: common.ClientTransportConfig{
			Endpoints:  []string{addr},
			RetryCount: 2,
		},
	}
	c, err := NewVolumeClient(cfg, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
	if err != nil {
		t.Fatalf("failed to create volume client: %v", err)
	}
	return c
}

func TestVolumeClientOverTCP(t *testing.T) {
	addr := startVolumeServer(t)
	c := newTestVolumeClient(t, addr)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	data := []byte("hello over the wire")
	checksum := volume.Checksum(data)

	// Full prepare/commit cycle
	if err := c.Prepare(ctx, 1, "greeting", data, checksum); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := c.Commit(ctx, 1); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	got, err := c.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("get returned %q, want %q", got, data)
	}

	info, err := c.Stat(ctx, "greeting")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size != uint64(len(data)) || info.Checksum != checksum {
		t.Fatalf("stat returned %+v", info)
	}

	if err := c.Delete(ctx, "greeting"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "greeting"); !errors.Is(err, volume.ErrNotFound) {
		t.Fatalf("get after delete returned %v, want ErrNotFound", err)
	}
}

func TestVolumeClientDomainErrors(t *testing.T) {
	addr := startVolumeServer(t)
	c := newTestVolumeClient(t, addr)
	ctx := context.Background()

	// Commit of a never prepared transaction
	if err := c.Commit(ctx, 99); !errors.Is(err, volume.ErrUnknownTxn) {
		t.Fatalf("commit of unknown txn returned %v, want ErrUnknownTxn", err)
	}

	// Prepare with a wrong checksum
	err := c.Prepare(ctx, 2, "bad", []byte("data"), "0000")
	if !errors.Is(err, volume.ErrChecksumMismatch) {
		t.Fatalf("prepare with bad checksum returned %v, want ErrChecksumMismatch", err)
	}

	// Read of a missing key
	if _, err := c.Get(ctx, "missing"); !errors.Is(err, volume.ErrNotFound) {
		t.Fatalf("get of missing key returned %v, want ErrNotFound", err)
	}
}

func TestVolumeClientConcurrentRequests(t *testing.T) {
	addr := startVolumeServer(t)
	c := newTestVolumeClient(t, addr)
	ctx := context.Background()

	// Many goroutines share one connection; the request id multiplexing
	// must route every response to its caller.
	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			key := string(rune('a' + i))
			data := bytes.Repeat([]byte{byte(i)}, 64)
			txn := uint64(100 + i)
			if err := c.Prepare(ctx, txn, key, data, volume.Checksum(data)); err != nil {
				done <- err
				return
			}
			if err := c.Commit(ctx, txn); err != nil {
				done <- err
				return
			}
			got, err := c.Get(ctx, key)
			if err != nil {
				done <- err
				return
			}
			if !bytes.Equal(got, data) {
				done <- errors.New("read returned wrong bytes")
				return
			}
			done <- nil
		}(i)
	}
	for i := 0; i < 16; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent request failed: %v", err)
		}
	}
}
