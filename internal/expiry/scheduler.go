// Package expiry runs one-shot callbacks at credential expiry instants.
package expiry

import (
	"sort"
	"sync"
	"time"
)

// Timers arms one time.AfterFunc per key. A fired timer removes itself
// before invoking its callback.
type Timers struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	now     func() time.Time
	stopped bool
}

func NewTimers(now func() time.Time) *Timers {
	if now == nil {
		now = time.Now
	}
	return &Timers{
		timers: make(map[string]*time.Timer),
		now:    now,
	}
}

// Arm schedules fn at the given instant. Re-arming a key replaces the
// previous timer. Instants in the past fire immediately.
func (s *Timers) Arm(key string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(at.Sub(s.now()), func() {
		s.mu.Lock()
		if s.timers[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = t
}

func (s *Timers) Disarm(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Stop cancels every pending timer. Later Arm calls are ignored.
func (s *Timers) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.stopped = true
}

func (s *Timers) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Manual is a scheduler driven explicitly by tests.
type Manual struct {
	mu      sync.Mutex
	entries map[string]manualEntry
}

type manualEntry struct {
	at time.Time
	fn func()
}

func NewManual() *Manual {
	return &Manual{entries: make(map[string]manualEntry)}
}

func (m *Manual) Arm(key string, at time.Time, fn func()) {
	m.mu.Lock()
	m.entries[key] = manualEntry{at: at, fn: fn}
	m.mu.Unlock()
}

func (m *Manual) Disarm(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *Manual) Stop() {
	m.mu.Lock()
	m.entries = make(map[string]manualEntry)
	m.mu.Unlock()
}

func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Fire runs the callback for key, if armed.
func (m *Manual) Fire(key string) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()

	if ok {
		e.fn()
	}
	return ok
}

// FireDue runs every callback whose instant is at or before now, earliest first.
func (m *Manual) FireDue(now time.Time) int {
	m.mu.Lock()
	type due struct {
		key string
		manualEntry
	}
	var ready []due
	for key, e := range m.entries {
		if !e.at.After(now) {
			ready = append(ready, due{key, e})
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].at.Before(ready[j].at) })
	for _, d := range ready {
		d.fn()
	}
	return len(ready)
}
