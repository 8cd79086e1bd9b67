package store

import (
	"context"
	"sync"
)

// registry tracks open connections per database name so deletes can wait
// for them, and holds new opens back while a delete is running.
type registry struct {
	mu       sync.Mutex
	open     map[string]int
	deleting map[string]bool
	changed  chan struct{}
}

func newRegistry() *registry {
	return &registry{
		open:     make(map[string]int),
		deleting: make(map[string]bool),
		changed:  make(chan struct{}),
	}
}

// signal wakes every waiter. Callers hold r.mu.
func (r *registry) signal() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// acquire registers a new connection, waiting out any delete in progress.
func (r *registry) acquire(ctx context.Context, name string) error {
	for {
		r.mu.Lock()
		if !r.deleting[name] {
			r.open[name]++
			r.mu.Unlock()
			return nil
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *registry) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open[name] <= 1 {
		delete(r.open, name)
	} else {
		r.open[name]--
	}
	r.signal()
}

// beginDelete waits until name has no open connections and marks it as
// being deleted. onBlocked is called once if the wait is needed. The
// returned func ends the delete.
func (r *registry) beginDelete(ctx context.Context, name string, onBlocked func()) (func(), error) {
	notified := false
	for {
		r.mu.Lock()
		if !r.deleting[name] && r.open[name] == 0 {
			r.deleting[name] = true
			r.mu.Unlock()
			return func() {
				r.mu.Lock()
				delete(r.deleting, name)
				r.signal()
				r.mu.Unlock()
			}, nil
		}
		blocked := r.open[name] > 0
		ch := r.changed
		r.mu.Unlock()

		if blocked && !notified {
			notified = true
			if onBlocked != nil {
				onBlocked()
			}
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
