package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key      string   `json:"key,omitempty"`      // Object key or volume ID
	Value    []byte   `json:"value,omitempty"`    // Object bytes, or encoded payload for consensus messages
	TxnID    uint64   `json:"txn_id,omitempty"`   // Transaction id for Prepare/Commit/Abort
	Nonce    uint64   `json:"nonce,omitempty"`    // Client retry token for Put/Delete
	Size     uint64   `json:"size,omitempty"`     // Object size (Stat responses)
	Checksum string   `json:"checksum,omitempty"` // Hex content hash
	Replicas []string `json:"replicas,omitempty"` // Volume IDs (Put/Stat responses, Rebalance requests)

	// Response only fields
	Ok       bool   `json:"ok,omitempty"`        // Generic success flag
	Degraded bool   `json:"degraded,omitempty"`  // Put response: committed on fewer replicas than targeted
	LeaderID int    `json:"leader_id,omitempty"` // Not-leader responses: where to retry
	Err      string `json:"err,omitempty"`       // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Encoded reports (Verify, Repair, Rebalance)
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewPutRequest creates a new Put request
func NewPutRequest(key string, nonce uint64, value []byte) *Message {
	return &Message{
		MsgType: MsgTKVPut,
		Key:     key,
		Nonce:   nonce,
		Value:   value,
	}
}

// NewPutResponse creates a new Put response
func NewPutResponse(replicas []string, degraded bool, checksum string, err error) *Message {
	msg := &Message{
		MsgType:  MsgTKVPut,
		Replicas: replicas,
		Degraded: degraded,
		Checksum: checksum,
		Ok:       err == nil,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewGetRequest creates a new Get request
func NewGetRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Key:     key,
	}
}

// NewGetResponse creates a new Get response
func NewGetResponse(value []byte, checksum string, err error) *Message {
	msg := &Message{
		MsgType:  MsgTKVGet,
		Value:    value,
		Checksum: checksum,
		Ok:       err == nil,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(key string, nonce uint64) *Message {
	return &Message{
		MsgType: MsgTKVDelete,
		Key:     key,
		Nonce:   nonce,
	}
}

// NewStatRequest creates a new Stat request
func NewStatRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVStat,
		Key:     key,
	}
}

// NewStatResponse creates a new Stat response
func NewStatResponse(size uint64, checksum string, replicas []string, degraded bool, err error) *Message {
	msg := &Message{
		MsgType:  MsgTKVStat,
		Size:     size,
		Checksum: checksum,
		Replicas: replicas,
		Degraded: degraded,
		Ok:       err == nil,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewVolumePingRequest creates a new volume Ping request
func NewVolumePingRequest() *Message {
	return &Message{MsgType: MsgTVolPing}
}

// NewVolumePrepareRequest creates a new volume Prepare request
func NewVolumePrepareRequest(txnID uint64, key string, value []byte, checksum string) *Message {
	return &Message{
		MsgType:  MsgTVolPrepare,
		TxnID:    txnID,
		Key:      key,
		Value:    value,
		Checksum: checksum,
	}
}

// NewVolumeCommitRequest creates a new volume Commit request
func NewVolumeCommitRequest(txnID uint64) *Message {
	return &Message{
		MsgType: MsgTVolCommit,
		TxnID:   txnID,
	}
}

// NewVolumeAbortRequest creates a new volume Abort request
func NewVolumeAbortRequest(txnID uint64) *Message {
	return &Message{
		MsgType: MsgTVolAbort,
		TxnID:   txnID,
	}
}

// NewAckResponse creates a response that carries only success or an error
func NewAckResponse(msgType MessageType, err error) *Message {
	msg := &Message{
		MsgType: msgType,
		Ok:      err == nil,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewConsensusRequest creates a request carrying an encoded consensus payload
func NewConsensusRequest(msgType MessageType, payload []byte) *Message {
	return &Message{
		MsgType: msgType,
		Value:   payload,
	}
}

// NewConsensusResponse creates a response carrying an encoded consensus payload
func NewConsensusResponse(msgType MessageType, payload []byte, err error) *Message {
	msg := &Message{
		MsgType: msgType,
		Value:   payload,
		Ok:      err == nil,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewReportResponse creates a response carrying an encoded admin report
func NewReportResponse(msgType MessageType, report []byte, err error) *Message {
	msg := &Message{
		MsgType: msgType,
		Meta:    report,
		Ok:      err == nil,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTKVPut:
		return "put"
	case MsgTKVGet:
		return "get"
	case MsgTKVDelete:
		return "delete"
	case MsgTKVStat:
		return "stat"
	case MsgTAdminVerify:
		return "verify"
	case MsgTAdminRepair:
		return "repair"
	case MsgTAdminRebalance:
		return "rebalance"
	case MsgTAdminRegister:
		return "register"
	case MsgTVolPing:
		return "ping"
	case MsgTVolPrepare:
		return "prepare"
	case MsgTVolCommit:
		return "commit"
	case MsgTVolAbort:
		return "abort"
	case MsgTVolGet:
		return "volGet"
	case MsgTVolStat:
		return "volStat"
	case MsgTVolDelete:
		return "volDelete"
	case MsgTRaftVote:
		return "requestVote"
	case MsgTRaftAppend:
		return "appendEntries"
	case MsgTRaftSnapshot:
		return "installSnapshot"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	switch s {
	case "put":
		*t = MsgTKVPut
	case "get":
		*t = MsgTKVGet
	case "delete":
		*t = MsgTKVDelete
	case "stat":
		*t = MsgTKVStat
	case "verify":
		*t = MsgTAdminVerify
	case "repair":
		*t = MsgTAdminRepair
	case "rebalance":
		*t = MsgTAdminRebalance
	case "register":
		*t = MsgTAdminRegister
	case "ping":
		*t = MsgTVolPing
	case "prepare":
		*t = MsgTVolPrepare
	case "commit":
		*t = MsgTVolCommit
	case "abort":
		*t = MsgTVolAbort
	case "volGet":
		*t = MsgTVolGet
	case "volStat":
		*t = MsgTVolStat
	case "volDelete":
		*t = MsgTVolDelete
	case "requestVote":
		*t = MsgTRaftVote
	case "appendEntries":
		*t = MsgTRaftAppend
	case "installSnapshot":
		*t = MsgTRaftSnapshot
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Coordinator KV operations

	MsgTKVPut    // Write an object
	MsgTKVGet    // Read an object
	MsgTKVDelete // Delete an object
	MsgTKVStat   // Read an object's metadata

	// Coordinator admin operations

	MsgTAdminVerify    // Run a consistency sweep
	MsgTAdminRepair    // Repair degraded entries
	MsgTAdminRebalance // Migrate to a new volume layout
	MsgTAdminRegister  // Register a volume

	// Volume operations

	MsgTVolPing    // Heartbeat
	MsgTVolPrepare // Stage a write
	MsgTVolCommit  // Publish a staged write
	MsgTVolAbort   // Discard a staged write
	MsgTVolGet     // Read object bytes
	MsgTVolStat    // Read object size and checksum
	MsgTVolDelete  // Remove an object

	// Consensus operations (payload encoded in Value)

	MsgTRaftVote     // RequestVote
	MsgTRaftAppend   // AppendEntries
	MsgTRaftSnapshot // InstallSnapshot
)
