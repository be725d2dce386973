package server

import (
	"github.com/quorumkv/qKV/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters.
// An adapter translates wire messages into calls on the service it wraps.
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response
	// If an error occurs, it is set in the response
	Handle(req *common.Message) (resp *common.Message)
}
