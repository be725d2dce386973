// Package placement computes where objects live.
//
// Keys are first mapped to one of 256 shards by hashing, then each
// shard is mapped to a replica set of volumes with highest random
// weight (HRW) hashing: every volume gets a deterministic pseudo random
// weight per shard and the top ranked volumes hold the shard. The
// mapping needs no central table, every coordinator computes the same
// answer from the same volume list, and adding or removing one volume
// only moves the shards whose top ranks change (about 1/n of the data
// for n volumes).
//
// All functions are pure. Liveness filtering happens in the caller: the
// volume list passed in is the set considered placeable.
package placement
