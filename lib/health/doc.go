// Package health implements heartbeat based liveness tracking for the
// data volumes of the cluster.
//
// The Monitor probes every registered volume on a fixed interval. A
// volume transitions to down after a configurable number of consecutive
// probe failures (a single missed heartbeat is not a failure) and back
// to live on the first successful probe. State transitions fire the
// OnDown / OnUp callbacks exactly once per transition; the placement
// layer uses them to exclude dead volumes from new writes.
//
// Probe outcomes only affect placement of new writes and repair
// scheduling. Existing metadata is never mutated from here.
package health
