// Package topiclock serialises state-mutating operations per topic while
// permitting full parallelism across topics, per §5 of the spec: respond,
// settle, update, delete, and inbound payload handling on the same topic
// never run concurrently.
package topiclock

import "sync"

type entry struct {
	mu       sync.Mutex
	waiters  int
}

// Registry hands out one *sync.Mutex per topic, reference-counted so an idle
// topic's lock is garbage collected once nobody holds or awaits it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Lock blocks until the caller holds the exclusive lock for topic, returning
// an unlock function the caller must invoke exactly once.
func (r *Registry) Lock(topic string) func() {
	r.mu.Lock()
	e, ok := r.entries[topic]
	if !ok {
		e = &entry{}
		r.entries[topic] = e
	}
	e.waiters++
	r.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		r.mu.Lock()
		e.waiters--
		if e.waiters == 0 {
			delete(r.entries, topic)
		}
		r.mu.Unlock()
	}
}

// TryLock attempts to acquire topic's lock without blocking, reporting
// ProposalAlreadyResponded-style races to the caller: returns (unlock, true)
// on success, (nil, false) if another caller already holds it.
func (r *Registry) TryLock(topic string) (func(), bool) {
	r.mu.Lock()
	e, ok := r.entries[topic]
	if !ok {
		e = &entry{}
		r.entries[topic] = e
	}
	locked := e.mu.TryLock()
	if !locked {
		r.mu.Unlock()
		return nil, false
	}
	e.waiters++
	r.mu.Unlock()

	return func() {
		e.mu.Unlock()
		r.mu.Lock()
		e.waiters--
		if e.waiters == 0 {
			delete(r.entries, topic)
		}
		r.mu.Unlock()
	}, true
}
