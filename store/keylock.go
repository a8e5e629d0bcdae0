package store

import (
	"hash/fnv"
	"sync"
)

// keyLock serializes work on the same key while letting distinct keys proceed
// in parallel, up to shard collisions.
type keyLock struct {
	shards [32]sync.Mutex
}

func (l *keyLock) Lock(key string) {
	l.shards[l.shardFor(key)].Lock()
}

func (l *keyLock) Unlock(key string) {
	l.shards[l.shardFor(key)].Unlock()
}

func (l *keyLock) shardFor(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
