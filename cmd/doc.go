// Package cmd implements the command-line interface for the qKV
// distributed object store. It provides a hierarchical command structure
// with operations for running servers and interacting with them as a
// client.
//
// The package is organized into several subpackages:
//
//   - serve: Start a coordinator node (consensus, write coordination)
//   - volume: Start a volume server (staged object storage)
//   - kv: Client commands for object operations (put, get, delete, stat)
//   - admin: Client commands for cluster maintenance (verify, repair,
//     rebalance, register)
//   - util: Shared utilities for command-line processing and configuration
//
// See qkv -help for a list of all commands.
package cmd
