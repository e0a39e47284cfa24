// Package singleflight coalesces concurrent fetches for the same cache
// key so only one loader hits the upstream at a time.
package singleflight

import (
	"sync"
	"time"
)

// lingerPeriod keeps a finished fetch's result visible briefly so a
// burst of duplicate lookups lands on it instead of refetching.
const lingerPeriod = 100 * time.Millisecond

// Group deduplicates fetches by key. The zero value is not usable; call
// New.
type Group struct {
	mu     sync.Mutex
	flight map[string]*fetch
}

// fetch is one loader execution and its eventual result. done is closed
// once val and err are set.
type fetch struct {
	done chan struct{}
	val  interface{}
	err  error
}

// New creates an empty Group.
func New() *Group {
	return &Group{flight: make(map[string]*fetch)}
}

// Do executes fn, making sure only one execution is in-flight for key at
// a time. Duplicate callers wait for the original and receive the same
// value and error; calls arriving shortly after completion reuse the
// result without running fn again.
func (g *Group) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	g.mu.Lock()
	if f, ok := g.flight[key]; ok {
		g.mu.Unlock()
		<-f.done
		return f.val, f.err
	}
	f := g.beginLocked(key)
	g.mu.Unlock()

	return g.run(key, f, fn)
}

// TryDo executes fn only if no fetch for key is in progress, returning
// ErrInProgress (and ok=false) otherwise. Background prefetchers use this
// to yield to a caller-initiated fetch.
func (g *Group) TryDo(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	g.mu.Lock()
	if _, ok := g.flight[key]; ok {
		g.mu.Unlock()
		return nil, ErrInProgress, false
	}
	f := g.beginLocked(key)
	g.mu.Unlock()

	val, err := g.run(key, f, fn)
	return val, err, true
}

// Forget drops any record for key so the next Do starts fresh.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.flight, key)
	g.mu.Unlock()
}

func (g *Group) beginLocked(key string) *fetch {
	f := &fetch{done: make(chan struct{})}
	g.flight[key] = f
	return f
}

// run executes the loader, publishes the result and schedules removal of
// the entry after the linger period. The identity check tolerates a
// Forget followed by a fresh fetch under the same key.
func (g *Group) run(key string, f *fetch, fn func() (interface{}, error)) (interface{}, error) {
	f.val, f.err = fn()
	close(f.done)

	time.AfterFunc(lingerPeriod, func() {
		g.mu.Lock()
		if g.flight[key] == f {
			delete(g.flight, key)
		}
		g.mu.Unlock()
	})

	return f.val, f.err
}
