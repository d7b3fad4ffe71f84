// Package timers keeps every timer a component starts in one place so that
// teardown can cancel all of them deterministically.
package timers

import (
	"sync"
	"time"
)

// Group owns a set of cancellable timers. After Stop or Close returns, the
// corresponding callbacks will not start.
type Group struct {
	mu     sync.Mutex
	next   uint64
	active map[uint64]*entry
	closed bool
}

type entry struct {
	timer *time.Timer
	stop  chan struct{}
}

// Handle identifies one timer in a Group. The zero Handle is valid and
// stopping it is a no-op.
type Handle struct {
	group *Group
	id    uint64
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{active: make(map[uint64]*entry)}
}

// AfterFunc runs fn once after d unless the handle is stopped or the group
// is closed first. A closed group returns the zero Handle and never runs fn.
func (g *Group) AfterFunc(d time.Duration, fn func()) Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return Handle{}
	}
	g.next++
	id := g.next
	e := &entry{}
	e.timer = time.AfterFunc(d, func() {
		if !g.claim(id) {
			return
		}
		fn()
	})
	g.active[id] = e
	return Handle{group: g, id: id}
}

// Every runs fn every d until the handle is stopped or the group is closed.
func (g *Group) Every(d time.Duration, fn func()) Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || d <= 0 {
		return Handle{}
	}
	g.next++
	id := g.next
	e := &entry{stop: make(chan struct{})}
	g.active[id] = e

	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				if !g.alive(id) {
					return
				}
				fn()
			}
		}
	}()
	return Handle{group: g, id: id}
}

// claim removes a one-shot timer that is about to fire. It returns false
// when the timer was already stopped.
func (g *Group) claim(id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if _, ok := g.active[id]; !ok {
		return false
	}
	delete(g.active, id)
	return true
}

func (g *Group) alive(id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[id]
	return ok && !g.closed
}

// Len returns the number of pending timers.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Close stops every pending timer and rejects new ones.
func (g *Group) Close() {
	g.mu.Lock()
	entries := g.active
	g.active = make(map[uint64]*entry)
	g.closed = true
	g.mu.Unlock()

	for _, e := range entries {
		e.halt()
	}
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (h Handle) Stop() bool {
	if h.group == nil {
		return false
	}
	g := h.group
	g.mu.Lock()
	e, ok := g.active[h.id]
	if ok {
		delete(g.active, h.id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	e.halt()
	return true
}

// Pending reports whether the timer has neither fired nor been stopped.
func (h Handle) Pending() bool {
	if h.group == nil {
		return false
	}
	return h.group.alive(h.id)
}

func (e *entry) halt() {
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.stop != nil {
		close(e.stop)
	}
}
