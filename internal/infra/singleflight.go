// Package infra holds small concurrency helpers shared by the storage and
// canvas layers.
package infra

import (
	"sync"
	"sync/atomic"
)

// Group suppresses duplicate work per key: while a call for a key is in
// flight, later callers for that key wait for it and share its result.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]

	hits   atomic.Uint64 // callers that joined a call in flight
	misses atomic.Uint64 // calls that ran fn
}

type call[V any] struct {
	done   chan struct{}
	val    V
	err    error
	shared bool
}

// Result is what DoChan delivers.
type Result[V any] struct {
	Val    V
	Err    error
	Shared bool
}

// Do runs fn for key unless a call is already in flight, in which case it
// waits for that call. shared reports whether the result went to more than
// one caller.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (v V, err error, shared bool) {
	c, leader := g.join(key)
	if leader {
		g.run(key, c, fn)
	} else {
		<-c.done
	}
	return c.val, c.err, c.shared
}

// DoChan is Do without blocking. The channel receives exactly one Result,
// so a caller may stop waiting on it without stopping fn; callers that
// leave early still let the others share the result.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	ch := make(chan Result[V], 1)
	c, leader := g.join(key)
	if leader {
		go g.run(key, c, fn)
	}
	go func() {
		<-c.done
		ch <- Result[V]{Val: c.val, Err: c.err, Shared: c.shared}
	}()
	return ch
}

func (g *Group[K, V]) join(key K) (*call[V], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		c.shared = true
		g.hits.Add(1)
		return c, false
	}
	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.misses.Add(1)
	return c, true
}

func (g *Group[K, V]) run(key K, c *call[V], fn func() (V, error)) {
	defer func() {
		g.mu.Lock()
		if g.calls[key] == c {
			delete(g.calls, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn()
}

// Forget makes the next call for key run fn even if one is in flight.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}

// Stats returns the group's counters.
func (g *Group[K, V]) Stats() GroupStats {
	return GroupStats{
		Hits:   g.hits.Load(),
		Misses: g.misses.Load(),
	}
}

// GroupStats counts shared and executed calls.
type GroupStats struct {
	Hits   uint64
	Misses uint64
}
