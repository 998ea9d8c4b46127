package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by Advance. Callbacks run synchronously on
// the goroutine calling Advance, in due-time order. It exists for tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	nextID  int
	entries map[int]*manualEntry
}

type manualEntry struct {
	id       int
	due      time.Duration
	interval time.Duration
	start    time.Duration
	tick     int
	once     func()
	every    TickFunc
}

func NewManual() *Manual {
	return &Manual{entries: make(map[int]*manualEntry)}
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Handle {
	return m.add(&manualEntry{due: d, once: f})
}

func (m *Manual) Every(d time.Duration, f TickFunc) Handle {
	return m.add(&manualEntry{due: d, interval: d, every: f})
}

func (m *Manual) add(e *manualEntry) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.id = m.nextID
	e.start = m.now
	e.due += m.now
	m.entries[e.id] = e
	return &manualHandle{m: m, id: e.id}
}

// Pending reports how many callbacks are still scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Advance moves the clock forward by d, firing every callback that comes due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		e := m.nextDue(target)
		if e == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = e.due
		var run func()
		if e.every != nil {
			e.tick++
			tick, elapsed, f := e.tick, m.now-e.start, e.every
			e.due += e.interval
			run = func() { f(tick, elapsed) }
		} else {
			delete(m.entries, e.id)
			run = e.once
		}
		m.mu.Unlock()
		run()
	}
}

func (m *Manual) nextDue(target time.Duration) *manualEntry {
	var due []*manualEntry
	for _, e := range m.entries {
		if e.due <= target {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due == due[j].due {
			return due[i].id < due[j].id
		}
		return due[i].due < due[j].due
	})
	return due[0]
}

type manualHandle struct {
	m  *Manual
	id int
}

func (h *manualHandle) Stop() {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	delete(h.m.entries, h.id)
}
