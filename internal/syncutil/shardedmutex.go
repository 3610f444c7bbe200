// Package syncutil holds small concurrency helpers shared across packages.
package syncutil

import "sync"

const shardCount = 128

// ShardedMutex is a bounded pool of mutexes keyed by string, used for
// per-service settlement locking. Memory stays fixed no matter how many
// keys show up; two keys landing in the same shard just serialize.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// shardIndex hashes key with FNV-1a. Inlined to avoid the hash.Hash
// allocation on every settlement.
func shardIndex(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h % shardCount
}
