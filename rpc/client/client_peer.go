package client

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/quorumkv/qKV/lib/raft"
	"github.com/quorumkv/qKV/rpc/common"
	"github.com/quorumkv/qKV/rpc/serializer"
	"github.com/quorumkv/qKV/rpc/transport"
)

// NewPeerClient creates a raft.PeerClient carrying consensus traffic to a
// remote node. The transport is connected before the client is returned.
func NewPeerClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (raft.PeerClient, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, err
	}

	return &rpcPeer{
		rpcClientAdapter{
			serviceID:  common.ServiceConsensus,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

type rpcPeer struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the raft package in transport.go)
// --------------------------------------------------------------------------

func (p *rpcPeer) RequestVote(ctx context.Context, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	reply := &raft.RequestVoteReply{}
	if err := p.call(ctx, common.MsgTRaftVote, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (p *rpcPeer) AppendEntries(ctx context.Context, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	reply := &raft.AppendEntriesReply{}
	if err := p.call(ctx, common.MsgTRaftAppend, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (p *rpcPeer) InstallSnapshot(ctx context.Context, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	reply := &raft.InstallSnapshotReply{}
	if err := p.call(ctx, common.MsgTRaftSnapshot, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// call gob encodes the arguments, sends them as a consensus message and
// decodes the gob encoded reply. The context guards the wait; the transport
// applies its own per-request timeout.
func (p *rpcPeer) call(ctx context.Context, msgType common.MessageType, args any, reply any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(args); err != nil {
		return err
	}
	req := common.NewConsensusRequest(msgType, buf.Bytes())

	type result struct {
		resp *common.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := invokeRPCRequest(p.serviceID, req, p.transport, p.serializer)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		return gob.NewDecoder(bytes.NewReader(r.resp.Value)).Decode(reply)
	case <-ctx.Done():
		return ctx.Err()
	}
}
