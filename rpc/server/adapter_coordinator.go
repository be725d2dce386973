package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quorumkv/qKV/lib/coordinator"
	"github.com/quorumkv/qKV/lib/metadata"
	"github.com/quorumkv/qKV/lib/raft"
	"github.com/quorumkv/qKV/lib/volume"
	"github.com/quorumkv/qKV/rpc/common"
)

// VolumeDialer creates a volume client for a freshly registered volume.
// Injected so the adapter does not depend on a concrete transport.
type VolumeDialer func(addr string) (volume.Client, error)

// NewCoordinatorAdapter creates the adapter serving KV and admin
// operations on top of a coordinator.
func NewCoordinatorAdapter(coord *coordinator.Coordinator, dial VolumeDialer, timeout time.Duration) IRPCServerAdapter {
	return &coordinatorAdapter{
		coord:   coord,
		dial:    dial,
		timeout: timeout,
	}
}

type coordinatorAdapter struct {
	coord   *coordinator.Coordinator
	dial    VolumeDialer
	timeout time.Duration
}

// --------------------------------------------------------------------------
// Interface Methods (docu see server.IRPCServerAdapter)
// --------------------------------------------------------------------------

func (a *coordinatorAdapter) Handle(req *common.Message) *common.Message {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	switch req.MsgType {

	case common.MsgTKVPut:
		res, err := a.coord.Put(ctx, req.Key, req.Nonce, req.Value)
		if err != nil {
			return a.fail(req.MsgType, err)
		}
		return common.NewPutResponse(res.Replicas, res.Degraded, res.Checksum, nil)

	case common.MsgTKVGet:
		data, m, err := a.coord.Get(ctx, req.Key)
		if err != nil {
			return a.fail(req.MsgType, err)
		}
		return common.NewGetResponse(data, m.Checksum, nil)

	case common.MsgTKVDelete:
		if err := a.coord.Delete(ctx, req.Key, req.Nonce); err != nil {
			return a.fail(req.MsgType, err)
		}
		return common.NewAckResponse(req.MsgType, nil)

	case common.MsgTKVStat:
		m, err := a.coord.Stat(req.Key)
		if err != nil {
			return a.fail(req.MsgType, err)
		}
		degraded := m.State == metadata.KeyStateCommittedDegraded
		return common.NewStatResponse(m.Size, m.Checksum, m.Replicas, degraded, nil)

	case common.MsgTAdminVerify:
		report, err := a.coord.Verify(ctx)
		if err != nil {
			return a.fail(req.MsgType, err)
		}
		return a.reportResponse(req.MsgType, report)

	case common.MsgTAdminRepair:
		// A keyed request repairs one entry, otherwise every degraded
		// entry is repaired.
		if req.Key != "" {
			if err := a.coord.Repair(ctx, req.Key); err != nil {
				return a.fail(req.MsgType, err)
			}
			return common.NewAckResponse(req.MsgType, nil)
		}
		report, err := a.coord.RepairAll(ctx)
		if err != nil {
			return a.fail(req.MsgType, err)
		}
		return a.reportResponse(req.MsgType, report)

	case common.MsgTAdminRebalance:
		report, err := a.coord.Rebalance(ctx, req.Replicas)
		if err != nil {
			return a.fail(req.MsgType, err)
		}
		return a.reportResponse(req.MsgType, report)

	case common.MsgTAdminRegister:
		// Key carries the volume id, Checksum its address.
		client, err := a.dial(req.Checksum)
		if err != nil {
			return a.fail(req.MsgType, fmt.Errorf("cannot reach volume at %s: %w", req.Checksum, err))
		}
		if err := a.coord.RegisterVolume(ctx, req.Key, req.Checksum, client); err != nil {
			return a.fail(req.MsgType, err)
		}
		return common.NewAckResponse(req.MsgType, nil)

	default:
		return common.NewErrorResponse(fmt.Sprintf("unsupported message type: %s", req.MsgType))
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// fail builds an error response. Not-leader errors additionally carry the
// id of the node the client should redirect to.
func (a *coordinatorAdapter) fail(msgType common.MessageType, err error) *common.Message {
	msg := common.NewAckResponse(msgType, err)
	if errors.Is(err, raft.ErrNotLeader) {
		msg.LeaderID = a.coord.LeaderID()
	}
	return msg
}

func (a *coordinatorAdapter) reportResponse(msgType common.MessageType, report any) *common.Message {
	data, err := json.Marshal(report)
	if err != nil {
		return common.NewAckResponse(msgType, err)
	}
	return common.NewReportResponse(msgType, data, nil)
}
