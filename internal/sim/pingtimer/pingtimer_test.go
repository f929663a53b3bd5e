package pingtimer

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTimer_ReadyOnceAfterEveryWindow(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	tm := New([]uuid.UUID{a, b}, 3)
	fired := 0
	onReady := func() { fired++ }

	now := time.Duration(0)
	tm.Update(now)
	tm.PingAll()
	for i := 0; i < 3; i++ {
		for _, id := range []uuid.UUID{a, b} {
			now += 10 * time.Millisecond
			tm.Update(now)
			if _, ok := tm.Pong(id, onReady); !ok {
				t.Fatalf("pong %v not tracked", id)
			}
			tm.Ping(id)
			if i < 2 && fired != 0 {
				t.Fatalf("fired before every window completed")
			}
		}
	}
	if fired != 1 {
		t.Fatalf("fired=%d want 1", fired)
	}
	for i := 0; i < 6; i++ {
		tm.Pong(a, onReady)
	}
	if fired != 1 || !tm.Initialized() {
		t.Fatalf("fired again: %d", fired)
	}
}

func TestTimer_SequentialClientsStillReady(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	tm := New([]uuid.UUID{a, b}, 3)
	fired := 0
	for i := 0; i < 3; i++ {
		tm.Pong(a, func() { fired++ })
	}
	if fired != 0 {
		t.Fatalf("fired with b incomplete")
	}
	for i := 0; i < 3; i++ {
		tm.Pong(b, func() { fired++ })
	}
	if fired != 1 {
		t.Fatalf("fired=%d want 1", fired)
	}
}

func TestTimer_DisconnectUnblocksReadiness(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	tm := New([]uuid.UUID{a, b}, 2)
	fired := 0
	onReady := func() { fired++ }
	tm.Pong(a, onReady)
	tm.Pong(a, onReady)
	if fired != 0 {
		t.Fatalf("fired early")
	}
	tm.Disconnected(b, onReady)
	if fired != 1 {
		t.Fatalf("fired=%d want 1 after disconnect", fired)
	}
	if tm.Tracks(b) {
		t.Fatalf("b still tracked")
	}
}

func TestTimer_RTTMeanAndMax(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	tm := New([]uuid.UUID{a, b}, 2)
	tm.Update(0)
	tm.PingAll()

	tm.Update(40 * time.Millisecond)
	tm.Pong(b, nil)

	tm.Update(100 * time.Millisecond)
	rtt, ok := tm.Pong(a, nil)
	if !ok {
		t.Fatalf("a not tracked")
	}
	if rtt.RTT != 50*time.Millisecond {
		t.Fatalf("rtt=%v want 50ms", rtt.RTT)
	}
	if rtt.RTTMax != 50*time.Millisecond {
		t.Fatalf("rtt max=%v want 50ms", rtt.RTTMax)
	}
	if _, ok := tm.Pong(uuid.New(), nil); ok {
		t.Fatalf("unknown id accepted")
	}
}
