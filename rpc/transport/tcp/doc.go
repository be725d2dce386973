// Package tcp implements TCP socket based transport for the RPC system.
// It provides concrete implementations of the base package's connector
// interfaces for TCP connections.
//
// This package builds on the base package's transport functionality,
// inheriting connection pooling, buffer reuse and request multiplexing. See
// the base package documentation for the underlying transport mechanisms.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
//
// The default server buffer size is 512 KB, which works well for typical
// object sizes.
package tcp
