// Package volume defines the client interface to a data volume and two
// implementations: an in-memory one for tests and demos, and a disk
// backed one that stages and publishes objects as files.
//
// Volumes store object bytes, nothing else; all naming, placement and
// consistency state lives in the coordinator's metadata. Writes arrive
// in two phases: Prepare stages the bytes durably under a transaction
// id without making them visible, Commit atomically publishes them
// under their key. An aborted or never committed transaction leaves no
// trace.
//
// All operations are idempotent with respect to retries: a repeated
// Prepare restages, a repeated Commit of a known transaction succeeds,
// Abort and Delete of something absent are no-ops.
package volume
