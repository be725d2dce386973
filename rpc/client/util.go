package client

import (
	"fmt"
	"strings"

	"github.com/quorumkv/qKV/lib/coordinator"
	"github.com/quorumkv/qKV/lib/raft"
	"github.com/quorumkv/qKV/lib/volume"
	"github.com/quorumkv/qKV/rpc/common"
	"github.com/quorumkv/qKV/rpc/serializer"
	"github.com/quorumkv/qKV/rpc/transport"
)

// NotLeaderError is returned when an operation reached a node that is not
// the consensus leader. LeaderID names the node to redirect to, -1 when no
// leader is known.
type NotLeaderError struct {
	LeaderID int
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("%v (leader is node %d)", raft.ErrNotLeader, e.LeaderID)
}

// rpcClientAdapter stores the shared plumbing of every RPC client
// implementation. Used by composition.
type rpcClientAdapter struct {
	serviceID  uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invokeRPCRequest is the helper all RPC clients use to send requests.
// It serializes the request, sends it to the given service, deserializes
// the response and converts error responses back into domain errors.
func invokeRPCRequest(serviceID uint64, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	// Send the request
	respBytes, err := transport.Send(serviceID, reqBytes)
	if err != nil {
		return nil, err
	}

	// Deserialize the response
	resp := &common.Message{}
	err = serializer.Deserialize(respBytes, resp)
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to deserialize response: %s", err)
	}

	// Check if the response is an error response
	if resp.MsgType == common.MsgTError || resp.Err != "" {
		return nil, domainError(resp)
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("rpc: unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}

	// Return the response
	return resp, nil
}

// domainError converts the error text of a response back into the matching
// sentinel so callers can test with errors.Is across the wire.
func domainError(resp *common.Message) error {
	switch {
	case strings.Contains(resp.Err, raft.ErrNotLeader.Error()):
		return &NotLeaderError{LeaderID: resp.LeaderID}
	case strings.Contains(resp.Err, coordinator.ErrKeyNotFound.Error()):
		return coordinator.ErrKeyNotFound
	case strings.Contains(resp.Err, coordinator.ErrWriteAborted.Error()):
		return fmt.Errorf("%w: %s", coordinator.ErrWriteAborted, resp.Err)
	case strings.Contains(resp.Err, coordinator.ErrCommitFailed.Error()):
		return coordinator.ErrCommitFailed
	case strings.Contains(resp.Err, coordinator.ErrAllReplicasFailed.Error()):
		return coordinator.ErrAllReplicasFailed
	case strings.Contains(resp.Err, volume.ErrNotFound.Error()):
		return volume.ErrNotFound
	case strings.Contains(resp.Err, volume.ErrUnknownTxn.Error()):
		return volume.ErrUnknownTxn
	case strings.Contains(resp.Err, volume.ErrChecksumMismatch.Error()):
		return volume.ErrChecksumMismatch
	default:
		return fmt.Errorf("rpc: %s", resp.Err)
	}
}
