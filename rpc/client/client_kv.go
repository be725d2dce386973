package client

import (
	"encoding/json"

	"github.com/quorumkv/qKV/lib/coordinator"
	"github.com/quorumkv/qKV/rpc/common"
	"github.com/quorumkv/qKV/rpc/serializer"
	"github.com/quorumkv/qKV/rpc/transport"
)

// StatResult is the client-side view of a stored object's metadata.
type StatResult struct {
	Size     uint64
	Checksum string
	Replicas []string
	Degraded bool
}

// NewKVClient creates the client for the coordinator's KV and admin
// operations. The function takes a config, a transport and a serializer as
// parameters; the transport is connected before the client is returned.
func NewKVClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*KVClient, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, err
	}

	return &KVClient{
		rpcClientAdapter{
			serviceID:  common.ServiceCoordinator,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

// KVClient talks to a coordinator node. Writes sent to a non-leader node
// fail with *NotLeaderError carrying the redirect target.
type KVClient struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// KV Operations
// --------------------------------------------------------------------------

// Put writes an object. The nonce is the retry token: repeating a Put with
// the same (key, nonce) pair is safe.
func (c *KVClient) Put(key string, nonce uint64, value []byte) (replicas []string, degraded bool, err error) {
	req := common.NewPutRequest(key, nonce, value)
	resp, err := invokeRPCRequest(c.serviceID, req, c.transport, c.serializer)
	if err != nil {
		return nil, false, err
	}
	return resp.Replicas, resp.Degraded, nil
}

// Get reads an object's bytes.
func (c *KVClient) Get(key string) ([]byte, error) {
	req := common.NewGetRequest(key)
	resp, err := invokeRPCRequest(c.serviceID, req, c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Delete removes a key. Idempotent on (key, nonce) like Put.
func (c *KVClient) Delete(key string, nonce uint64) error {
	req := common.NewDeleteRequest(key, nonce)
	_, err := invokeRPCRequest(c.serviceID, req, c.transport, c.serializer)
	return err
}

// Stat returns an object's metadata without reading its bytes.
func (c *KVClient) Stat(key string) (*StatResult, error) {
	req := common.NewStatRequest(key)
	resp, err := invokeRPCRequest(c.serviceID, req, c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	return &StatResult{
		Size:     resp.Size,
		Checksum: resp.Checksum,
		Replicas: resp.Replicas,
		Degraded: resp.Degraded,
	}, nil
}

// --------------------------------------------------------------------------
// Admin Operations
// --------------------------------------------------------------------------

// Verify runs a full consistency sweep on the coordinator.
func (c *KVClient) Verify() (*coordinator.VerifyReport, error) {
	req := &common.Message{MsgType: common.MsgTAdminVerify}
	resp, err := invokeRPCRequest(c.serviceID, req, c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	report := &coordinator.VerifyReport{}
	if err := json.Unmarshal(resp.Meta, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Repair restores a single key to its full replica count.
func (c *KVClient) Repair(key string) error {
	req := &common.Message{MsgType: common.MsgTAdminRepair, Key: key}
	_, err := invokeRPCRequest(c.serviceID, req, c.transport, c.serializer)
	return err
}

// RepairAll repairs every degraded entry.
func (c *KVClient) RepairAll() (*coordinator.RepairReport, error) {
	req := &common.Message{MsgType: common.MsgTAdminRepair}
	resp, err := invokeRPCRequest(c.serviceID, req, c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	report := &coordinator.RepairReport{}
	if err := json.Unmarshal(resp.Meta, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Rebalance migrates data onto the given target volume set.
func (c *KVClient) Rebalance(target []string) (*coordinator.RebalanceReport, error) {
	req := &common.Message{MsgType: common.MsgTAdminRebalance, Replicas: target}
	resp, err := invokeRPCRequest(c.serviceID, req, c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	report := &coordinator.RebalanceReport{}
	if err := json.Unmarshal(resp.Meta, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Register announces a volume to the coordinator. The id names the volume,
// addr is its RPC endpoint.
func (c *KVClient) Register(id, addr string) error {
	req := &common.Message{MsgType: common.MsgTAdminRegister, Key: id, Checksum: addr}
	_, err := invokeRPCRequest(c.serviceID, req, c.transport, c.serializer)
	return err
}

// Close tears down the underlying transport.
func (c *KVClient) Close() error {
	return c.transport.Close()
}
