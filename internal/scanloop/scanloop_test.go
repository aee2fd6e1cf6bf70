package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRunFiresRepeatedlyUntilStopped(t *testing.T) {
	stopCh := make(chan struct{})
	var count atomic.Int64

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(stopCh, time.Millisecond, 0, func() {
			count.Add(1)
		})
	}()

	deadline := time.After(time.Second)
	for count.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d ticks before deadline", count.Load())
		case <-time.After(time.Millisecond):
		}
	}

	close(stopCh)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop")
	}
}

func TestRunStopsBeforeFirstTick(t *testing.T) {
	stopCh := make(chan struct{})
	close(stopCh)

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(stopCh, time.Hour, 0, func() {
			t.Error("fn fired despite closed stop channel")
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunToleratesDegenerateIntervals(t *testing.T) {
	stopCh := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Non-positive values fall back to safe defaults instead of spinning.
		Run(stopCh, -1, -1, func() {})
	}()

	time.Sleep(10 * time.Millisecond)
	close(stopCh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return with degenerate intervals")
	}
}
