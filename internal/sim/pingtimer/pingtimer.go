// Package pingtimer measures round trips to match clients and decides when
// every client has produced a full window of samples.
package pingtimer

import (
	"time"

	"github.com/google/uuid"
)

// RTT is the answer to one pong: the mean round trip of the client that
// answered and the largest mean across all tracked clients.
type RTT struct {
	RTT    time.Duration
	RTTMax time.Duration
}

type pingInfo struct {
	pingTime    time.Duration
	intervals   []time.Duration
	index       int
	initialized bool
}

func (p *pingInfo) mean() time.Duration {
	var sum time.Duration
	for _, v := range p.intervals {
		sum += v
	}
	return sum / time.Duration(len(p.intervals))
}

// Timer is not safe for concurrent use; it lives on the match loop.
type Timer struct {
	now         time.Duration
	size        int
	infos       map[uuid.UUID]*pingInfo
	initialized bool
}

// New tracks ids with a sample window of the given size.
func New(ids []uuid.UUID, size int) *Timer {
	if size <= 0 {
		size = 1
	}
	t := &Timer{size: size, infos: make(map[uuid.UUID]*pingInfo, len(ids))}
	for _, id := range ids {
		t.Add(id)
	}
	return t
}

// Add starts tracking id. Known ids are left alone.
func (t *Timer) Add(id uuid.UUID) {
	if _, ok := t.infos[id]; ok {
		return
	}
	t.infos[id] = &pingInfo{intervals: make([]time.Duration, t.size)}
}

func (t *Timer) Tracks(id uuid.UUID) bool {
	_, ok := t.infos[id]
	return ok
}

func (t *Timer) Len() int { return len(t.infos) }

// Initialized reports whether readiness has been declared.
func (t *Timer) Initialized() bool { return t.initialized }

// Update sets the clock used to stamp pings and pongs.
func (t *Timer) Update(now time.Duration) { t.now = now }

// PingAll stamps a ping to every tracked client.
func (t *Timer) PingAll() {
	for _, p := range t.infos {
		p.pingTime = t.now
	}
}

// Ping stamps a ping to id if it is tracked.
func (t *Timer) Ping(id uuid.UUID) {
	if p, ok := t.infos[id]; ok {
		p.pingTime = t.now
	}
}

// Pong stores the round trip since the last ping to id. When id completes
// a full window and every other client already has, onReady runs; it runs
// at most once per Timer.
func (t *Timer) Pong(id uuid.UUID, onReady func()) (RTT, bool) {
	p, ok := t.infos[id]
	if !ok {
		return RTT{}, false
	}
	p.intervals[p.index] = t.now - p.pingTime
	p.index = (p.index + 1) % len(p.intervals)
	if p.index == 0 && !p.initialized {
		p.initialized = true
		if t.allInitialized() {
			t.fire(onReady)
		}
	}

	rtt := RTT{RTT: p.mean()}
	for _, other := range t.infos {
		if m := other.mean(); m > rtt.RTTMax {
			rtt.RTTMax = m
		}
	}
	return rtt, true
}

// Remove stops tracking id without checking readiness.
func (t *Timer) Remove(id uuid.UUID) {
	delete(t.infos, id)
}

// Disconnected stops tracking id and fires onReady if every remaining
// client has already completed its window.
func (t *Timer) Disconnected(id uuid.UUID, onReady func()) {
	delete(t.infos, id)
	if t.allInitialized() {
		t.fire(onReady)
	}
}

func (t *Timer) allInitialized() bool {
	for _, p := range t.infos {
		if !p.initialized {
			return false
		}
	}
	return true
}

func (t *Timer) fire(onReady func()) {
	if t.initialized {
		return
	}
	t.initialized = true
	if onReady != nil {
		onReady()
	}
}
