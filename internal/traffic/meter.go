// Package traffic meters relay throughput: cumulative byte totals per
// direction plus per-second buckets over a bounded trailing window, used by
// the /data diagnostic command.
package traffic

import (
	"sync"
	"time"
)

// Direction labels which way bytes crossed the relay.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// MinWindowSeconds is the floor for the bucket retention window.
const MinWindowSeconds = 60

// DefaultWindowSeconds is the bucket retention window when not configured.
const DefaultWindowSeconds = 900

type bucket struct {
	in  uint64
	out uint64
}

// Meter accumulates byte counters. Safe for concurrent use.
type Meter struct {
	mu            sync.Mutex
	windowSeconds int64
	totalIn       uint64
	totalOut      uint64
	buckets       map[int64]*bucket
	now           func() time.Time
}

// Summary is the answer to a window query.
type Summary struct {
	TotalIn  uint64
	TotalOut uint64
	// Window fields are populated only when a window was requested.
	WindowSeconds int
	WindowIn      uint64
	WindowOut     uint64
}

// NewMeter creates a meter retaining up to windowSeconds of per-second
// buckets. Values below the floor are raised to it.
func NewMeter(windowSeconds int) *Meter {
	if windowSeconds < MinWindowSeconds {
		windowSeconds = MinWindowSeconds
	}
	return &Meter{
		windowSeconds: int64(windowSeconds),
		buckets:       make(map[int64]*bucket),
		now:           time.Now,
	}
}

// Record charges n bytes to the given direction and prunes buckets that fell
// out of the retention window.
func (m *Meter) Record(dir Direction, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sec := m.now().Unix()
	b, ok := m.buckets[sec]
	if !ok {
		b = &bucket{}
		m.buckets[sec] = b
	}
	switch dir {
	case In:
		m.totalIn += uint64(n)
		b.in += uint64(n)
	case Out:
		m.totalOut += uint64(n)
		b.out += uint64(n)
	}

	cutoff := sec - m.windowSeconds
	for k := range m.buckets {
		if k < cutoff {
			delete(m.buckets, k)
		}
	}
}

// Summarize answers a window query. windowSeconds <= 0 returns cumulative
// totals only; positive windows are capped at the retention window.
func (m *Meter) Summarize(windowSeconds int) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{TotalIn: m.totalIn, TotalOut: m.totalOut}
	if windowSeconds <= 0 {
		return s
	}

	w := int64(windowSeconds)
	if w > m.windowSeconds {
		w = m.windowSeconds
	}
	s.WindowSeconds = int(w)

	cutoff := m.now().Unix() - w
	for sec, b := range m.buckets {
		if sec >= cutoff {
			s.WindowIn += b.in
			s.WindowOut += b.out
		}
	}
	return s
}
