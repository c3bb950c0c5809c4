// Package syncutil holds channel-based mutexes that give up when a context ends.
package syncutil

import (
	"context"
	"sync"
)

// Gate is a single lock whose waiters can bail out on context cancellation.
// The zero value is not usable; create one with NewGate.
type Gate struct {
	ch chan struct{}
}

// NewGate returns an unlocked gate.
func NewGate() *Gate {
	g := &Gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}

// Lock waits for the gate or for ctx to end. On success the caller
// must invoke the returned unlock function exactly once.
func (g *Gate) Lock(ctx context.Context) (func(), error) {
	select {
	case <-g.ch:
		var once sync.Once
		return func() { once.Do(func() { g.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

const shardCount = 64

// KeyedMutex serialises work per key over a fixed pool of gates.
// Distinct keys may share a gate.
type KeyedMutex struct {
	shards [shardCount]*Gate
}

// NewKeyedMutex creates a keyed mutex with all shards unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = NewGate()
	}
	return m
}

// Lock acquires the shard owning key.
func (m *KeyedMutex) Lock(ctx context.Context, key int64) (func(), error) {
	return m.shards[shardIdx(key)].Lock(ctx)
}

func shardIdx(key int64) uint64 {
	if key < 0 {
		key = -key
	}
	return uint64(key) % shardCount
}
