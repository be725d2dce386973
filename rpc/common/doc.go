// Package common provides the shared building blocks of the RPC system:
// the Message protocol spoken between clients and servers, the server and
// client configuration structures, the service id constants used to route
// frames, and logger initialization.
//
// The Message structure is deliberately a single flat struct used for both
// requests and responses of every operation. Which fields carry meaning
// depends on the MessageType; factory functions document the valid field
// combinations per operation.
package common
