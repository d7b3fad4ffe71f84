package timers

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFuncFires(t *testing.T) {
	g := NewGroup()
	defer g.Close()

	fired := make(chan struct{})
	h := g.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if h.Pending() {
		t.Error("fired timer should not be pending")
	}
	if g.Len() != 0 {
		t.Errorf("Len() = %d, want 0", g.Len())
	}
}

func TestStopPreventsCallback(t *testing.T) {
	g := NewGroup()
	defer g.Close()

	var calls atomic.Int32
	h := g.AfterFunc(20*time.Millisecond, func() { calls.Add(1) })
	if !h.Stop() {
		t.Fatal("Stop() = false for pending timer")
	}
	if h.Stop() {
		t.Error("second Stop() should report false")
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("callback ran %d times after Stop", calls.Load())
	}
}

func TestCloseCancelsEverything(t *testing.T) {
	g := NewGroup()

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		g.AfterFunc(20*time.Millisecond, func() { calls.Add(1) })
	}
	g.Every(5*time.Millisecond, func() { calls.Add(1) })
	if g.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", g.Len())
	}

	g.Close()
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("callbacks ran %d times after Close", calls.Load())
	}

	h := g.AfterFunc(time.Millisecond, func() { calls.Add(1) })
	if h.Pending() {
		t.Error("closed group should not accept timers")
	}
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("closed group ran a new timer")
	}
}

func TestEveryRepeatsUntilStopped(t *testing.T) {
	g := NewGroup()
	defer g.Close()

	var calls atomic.Int32
	h := g.Every(2*time.Millisecond, func() { calls.Add(1) })

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("Every() fired %d times, want >= 3", calls.Load())
	}
	h.Stop()
	time.Sleep(5 * time.Millisecond)
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Errorf("Every() kept firing after Stop: %d -> %d", after, calls.Load())
	}
}

func TestZeroHandle(t *testing.T) {
	var h Handle
	if h.Stop() {
		t.Error("zero handle Stop() should be false")
	}
	if h.Pending() {
		t.Error("zero handle should not be pending")
	}
}
