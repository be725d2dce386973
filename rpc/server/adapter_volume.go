package server

import (
	"context"
	"fmt"
	"time"

	"github.com/quorumkv/qKV/lib/volume"
	"github.com/quorumkv/qKV/rpc/common"
)

// NewVolumeAdapter creates the adapter serving staged object storage
// operations on top of a volume backend.
func NewVolumeAdapter(vol volume.Client, timeout time.Duration) IRPCServerAdapter {
	return &volumeAdapter{vol: vol, timeout: timeout}
}

type volumeAdapter struct {
	vol     volume.Client
	timeout time.Duration
}

// --------------------------------------------------------------------------
// Interface Methods (docu see server.IRPCServerAdapter)
// --------------------------------------------------------------------------

func (a *volumeAdapter) Handle(req *common.Message) *common.Message {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	switch req.MsgType {

	case common.MsgTVolPing:
		return common.NewAckResponse(req.MsgType, a.vol.Ping(ctx))

	case common.MsgTVolPrepare:
		err := a.vol.Prepare(ctx, req.TxnID, req.Key, req.Value, req.Checksum)
		return common.NewAckResponse(req.MsgType, err)

	case common.MsgTVolCommit:
		return common.NewAckResponse(req.MsgType, a.vol.Commit(ctx, req.TxnID))

	case common.MsgTVolAbort:
		return common.NewAckResponse(req.MsgType, a.vol.Abort(ctx, req.TxnID))

	case common.MsgTVolGet:
		data, err := a.vol.Get(ctx, req.Key)
		if err != nil {
			return common.NewAckResponse(req.MsgType, err)
		}
		return &common.Message{MsgType: req.MsgType, Value: data, Ok: true}

	case common.MsgTVolStat:
		info, err := a.vol.Stat(ctx, req.Key)
		if err != nil {
			return common.NewAckResponse(req.MsgType, err)
		}
		return &common.Message{MsgType: req.MsgType, Size: info.Size, Checksum: info.Checksum, Ok: true}

	case common.MsgTVolDelete:
		return common.NewAckResponse(req.MsgType, a.vol.Delete(ctx, req.Key))

	default:
		return common.NewErrorResponse(fmt.Sprintf("unsupported message type: %s", req.MsgType))
	}
}
