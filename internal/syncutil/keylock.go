// Package syncutil provides per-key serialization for read-modify-write
// cycles on shared storage keys.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 64

// KeyLock is a fixed pool of channel-based mutexes keyed by string. Callers
// waiting on a busy key can bail out when their context is cancelled, which
// a sync.Mutex cannot offer. Distinct keys may share a shard; that only costs
// throughput, never correctness.
type KeyLock struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyLock creates a ready-to-use key lock.
func NewKeyLock() *KeyLock {
	l := &KeyLock{}
	l.init()
	return l
}

func (l *KeyLock) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i] = make(chan struct{}, 1)
			l.shards[i] <- struct{}{} // start unlocked
		}
	})
}

// Lock acquires the lock for key. On success it returns the unlock function,
// which the caller MUST call. Extra calls are no-ops. On cancellation it
// returns the context error and nothing is held.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	l.init()
	shard := l.shards[shardIdx(key)]

	select {
	case <-shard:
		var released sync.Once
		return func() { released.Do(func() { shard <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs fn while holding the lock for key.
func (l *KeyLock) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
