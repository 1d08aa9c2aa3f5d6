// Package presence tracks which users currently hold live connections to this
// process. State is transient: a restart means every user is offline until
// they reconnect.
package presence

import (
	"sync"
	"time"
)

// Transition is emitted when a user's connection count crosses zero.
type Transition struct {
	UserID   int64
	Online   bool
	LastSeen time.Time
}

// Notifier receives transitions on a single goroutine owned by the Registry,
// in the order the transitions happened. A slow notifier delays later
// notifications but never Register, Unregister or the lookups.
type Notifier func(Transition)

type Registry struct {
	mu       sync.Mutex
	changed  *sync.Cond
	conns    map[int64]map[string]struct{}
	lastSeen map[int64]time.Time
	notify   Notifier
	now      func() time.Time
	closed   bool

	// pending is appended under mu and drained by run.
	pending   []Transition
	queued    uint64
	delivered uint64
}

func NewRegistry(notify Notifier) *Registry {
	r := &Registry{
		conns:    make(map[int64]map[string]struct{}),
		lastSeen: make(map[int64]time.Time),
		notify:   notify,
		now:      time.Now,
	}
	r.changed = sync.NewCond(&r.mu)
	go r.run()
	return r
}

// Register adds handle to userID's connection set and reports whether the
// user just came online.
func (r *Registry) Register(userID int64, handle string) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	if _, exists := set[handle]; exists {
		r.mu.Unlock()
		return false
	}
	set[handle] = struct{}{}
	if len(set) > 1 {
		r.mu.Unlock()
		return false
	}
	r.enqueueLocked(Transition{UserID: userID, Online: true})
	r.mu.Unlock()
	return true
}

// Unregister removes handle from userID's connection set. Unknown handles are
// ignored, so calling it more than once for the same connection is safe.
func (r *Registry) Unregister(userID int64, handle string) (bool, time.Time) {
	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		r.mu.Unlock()
		return false, time.Time{}
	}
	if _, exists := set[handle]; !exists {
		r.mu.Unlock()
		return false, time.Time{}
	}
	delete(set, handle)
	if len(set) > 0 {
		r.mu.Unlock()
		return false, time.Time{}
	}
	delete(r.conns, userID)
	seen := r.now().UTC()
	r.lastSeen[userID] = seen
	r.enqueueLocked(Transition{UserID: userID, Online: false, LastSeen: seen})
	r.mu.Unlock()
	return true, seen
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID]) > 0
}

// ConnectionCount returns the number of live connections held by userID.
func (r *Registry) ConnectionCount(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID])
}

func (r *Registry) LastSeen(userID int64) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen, ok := r.lastSeen[userID]
	return seen, ok
}

func (r *Registry) OnlineUsers() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]int64, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	return users
}

// Flush blocks until every transition queued before the call has been handed
// to the notifier.
func (r *Registry) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := r.queued
	for r.delivered < target {
		r.changed.Wait()
	}
}

// Close drops all state without emitting offline transitions; the process is
// going away and clients will see their sockets close. Transitions already
// queued are still delivered.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.conns = make(map[int64]map[string]struct{})
	r.changed.Broadcast()
}

func (r *Registry) enqueueLocked(t Transition) {
	r.pending = append(r.pending, t)
	r.queued++
	r.changed.Broadcast()
}

func (r *Registry) run() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for len(r.pending) == 0 && !r.closed {
			r.changed.Wait()
		}
		if len(r.pending) == 0 {
			return
		}

		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		for _, t := range batch {
			if r.notify != nil {
				r.notify(t)
			}
		}
		r.mu.Lock()
		r.delivered += uint64(len(batch))
		r.changed.Broadcast()
	}
}
