package server

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/quorumkv/qKV/lib/raft"
	"github.com/quorumkv/qKV/rpc/common"
)

// NewConsensusAdapter creates the adapter carrying node to node consensus
// traffic into a raft node. Payloads are gob encoded in Message.Value.
func NewConsensusAdapter(node *raft.Node) IRPCServerAdapter {
	return &consensusAdapter{node: node}
}

type consensusAdapter struct {
	node *raft.Node
}

// --------------------------------------------------------------------------
// Interface Methods (docu see server.IRPCServerAdapter)
// --------------------------------------------------------------------------

func (a *consensusAdapter) Handle(req *common.Message) *common.Message {
	switch req.MsgType {

	case common.MsgTRaftVote:
		var args raft.RequestVoteArgs
		if err := decodePayload(req.Value, &args); err != nil {
			return common.NewAckResponse(req.MsgType, err)
		}
		return a.reply(req.MsgType, a.node.HandleRequestVote(&args))

	case common.MsgTRaftAppend:
		var args raft.AppendEntriesArgs
		if err := decodePayload(req.Value, &args); err != nil {
			return common.NewAckResponse(req.MsgType, err)
		}
		return a.reply(req.MsgType, a.node.HandleAppendEntries(&args))

	case common.MsgTRaftSnapshot:
		var args raft.InstallSnapshotArgs
		if err := decodePayload(req.Value, &args); err != nil {
			return common.NewAckResponse(req.MsgType, err)
		}
		return a.reply(req.MsgType, a.node.HandleInstallSnapshot(&args))

	default:
		return common.NewErrorResponse(fmt.Sprintf("unsupported message type: %s", req.MsgType))
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (a *consensusAdapter) reply(msgType common.MessageType, reply any) *common.Message {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(reply); err != nil {
		return common.NewAckResponse(msgType, err)
	}
	return common.NewConsensusResponse(msgType, buf.Bytes(), nil)
}

func decodePayload(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
