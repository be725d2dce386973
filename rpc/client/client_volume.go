package client

import (
	"context"

	"github.com/quorumkv/qKV/lib/volume"
	"github.com/quorumkv/qKV/rpc/common"
	"github.com/quorumkv/qKV/rpc/serializer"
	"github.com/quorumkv/qKV/rpc/transport"
)

// NewVolumeClient creates a volume.Client talking to a remote volume
// server. The transport is connected before the client is returned.
func NewVolumeClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (volume.Client, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, err
	}

	return &rpcVolume{
		rpcClientAdapter{
			serviceID:  common.ServiceVolume,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

type rpcVolume struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the volume package in client.go)
// --------------------------------------------------------------------------

func (v *rpcVolume) Ping(ctx context.Context) error {
	req := common.NewVolumePingRequest()
	_, err := v.invoke(ctx, req)
	return err
}

func (v *rpcVolume) Prepare(ctx context.Context, txnID uint64, key string, data []byte, checksum string) error {
	req := common.NewVolumePrepareRequest(txnID, key, data, checksum)
	_, err := v.invoke(ctx, req)
	return err
}

func (v *rpcVolume) Commit(ctx context.Context, txnID uint64) error {
	req := common.NewVolumeCommitRequest(txnID)
	_, err := v.invoke(ctx, req)
	return err
}

func (v *rpcVolume) Abort(ctx context.Context, txnID uint64) error {
	req := common.NewVolumeAbortRequest(txnID)
	_, err := v.invoke(ctx, req)
	return err
}

func (v *rpcVolume) Get(ctx context.Context, key string) ([]byte, error) {
	req := &common.Message{MsgType: common.MsgTVolGet, Key: key}
	resp, err := v.invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (v *rpcVolume) Stat(ctx context.Context, key string) (volume.Info, error) {
	req := &common.Message{MsgType: common.MsgTVolStat, Key: key}
	resp, err := v.invoke(ctx, req)
	if err != nil {
		return volume.Info{}, err
	}
	return volume.Info{Size: resp.Size, Checksum: resp.Checksum}, nil
}

func (v *rpcVolume) Delete(ctx context.Context, key string) error {
	req := &common.Message{MsgType: common.MsgTVolDelete, Key: key}
	_, err := v.invoke(ctx, req)
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// invoke sends a request but gives up early when the caller's context ends.
// The transport has its own timeout; the context guards the wait.
func (v *rpcVolume) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	type result struct {
		resp *common.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := invokeRPCRequest(v.serviceID, req, v.transport, v.serializer)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
