// Package base implements the medium-independent core of the RPC transport
// layer. Concrete transports (tcp, unix) only provide small connector
// implementations; connection handling, framing and request multiplexing
// live here.
//
// Wire format: every frame carries a 20 byte header (service id, request id,
// payload length, all big endian) followed by the payload. The request id
// lets a single connection carry many concurrent requests; the client reader
// goroutine routes each response frame to the request that is waiting on its
// id.
//
// The server side limits concurrency with a counting semaphore per
// connection and reuses read buffers through a sync.Pool. The client side
// maintains a configurable number of connections per endpoint and spreads
// requests over them round robin, with exponential backoff retries across
// connections.
package base
