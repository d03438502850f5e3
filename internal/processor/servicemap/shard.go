package servicemap

import "github.com/cespare/xxhash/v2"

// shardOf returns the deterministic shard index for key under totalShards,
// per spec §4.5's `shard(processors_created, this_processor_id)`: the
// union of every worker's shard must exactly partition the windows'
// contents, so this is a pure function of the key bytes alone.
func shardOf(key []byte, totalShards int) int {
	if totalShards <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(totalShards))
}
