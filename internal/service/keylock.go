package service

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyLocks serializes pipeline work per identity key via sharded mutexes.
// Two items with the same key always contend for the same shard, which is
// what keeps the detector's read-then-write free of lost updates; items
// with different keys rarely do.
type keyLocks struct {
	shards [lockShards]sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{}
}

// lock acquires the shard for key and returns its release function.
func (l *keyLocks) lock(key string) func() {
	m := &l.shards[shardFor(key)]
	m.Lock()
	return m.Unlock
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockShards
}
