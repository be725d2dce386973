package server

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/quorumkv/qKV/rpc/common"
	"github.com/quorumkv/qKV/rpc/serializer"
	"github.com/quorumkv/qKV/rpc/transport"
)

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//	s.Register(common.ServiceVolume, server.NewVolumeAdapter(vol, timeout))
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	log.Infof("created RPC server")
	log.Infof(config.String())

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		services:   xsync.NewMapOf[uint64, IRPCServerAdapter](),
	}
}

// RPCServer hosts any combination of service adapters behind a single
// transport endpoint. Frames are routed to adapters by service id.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	services   *xsync.MapOf[uint64, IRPCServerAdapter]
}

// Register wires an adapter to a service id. Must be called before Serve.
func (s *RPCServer) Register(serviceID uint64, adapter IRPCServerAdapter) {
	s.services.Store(serviceID, adapter)
}

// Serve starts the RPC server. It blocks until Close is called.
func (s *RPCServer) Serve() error {
	s.registerTransportHandler()
	return s.transport.Listen(s.config)
}

// Addr returns the bound listen address once Serve is running.
func (s *RPCServer) Addr() string {
	return s.transport.Addr()
}

// Close stops the transport listener.
func (s *RPCServer) Close() error {
	return s.transport.Close()
}

func (s *RPCServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(serviceID uint64, req []byte) []byte {
		var msg common.Message
		var respMsg common.Message

		// Get the appropriate service adapter
		adapter, ok := s.services.Load(serviceID)

		// Case service does not exist -> error
		if !ok {
			respMsg = common.Message{
				MsgType: common.MsgTError,
				Err:     fmt.Sprintf("unknown service id %d", serviceID),
			}
		} else {
			// Decode the request
			err := s.serializer.Deserialize(req, &msg)

			if err != nil {
				respMsg = common.Message{
					MsgType: common.MsgTError,
					Err:     fmt.Sprintf("failed to deserialize request: %s", err),
				}
			} else {
				// Let the adapter handle the request
				respMsg = *adapter.Handle(&msg)
			}
		}

		// Return result
		val, err := s.serializer.Serialize(respMsg)
		if err != nil {
			log.Errorf("failed to serialize response: %v", err)
			val, _ = s.serializer.Serialize(common.Message{
				MsgType: common.MsgTError,
				Err:     fmt.Sprintf("failed to serialize response: %s", err),
			})
		}
		return val
	})
}
