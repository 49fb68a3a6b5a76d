package support

import (
	"testing"
	"time"
)

func TestSchedulerOneShotFires(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule(func() { close(done) }, 30*time.Millisecond, 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never fired")
	}
}

func TestSchedulerPeriodicRepeats(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	counts := make(chan struct{}, 10)
	s.Schedule(func() {
		select {
		case counts <- struct{}{}:
		default:
		}
	}, 10*time.Millisecond, 20*time.Millisecond)

	seen := 0
	timeout := time.After(2 * time.Second)
	for seen < 3 {
		select {
		case <-counts:
			seen++
		case <-timeout:
			t.Fatalf("expected at least 3 firings, saw %d", seen)
		}
	}
}

func TestSchedulerStopPreventsFurtherWork(t *testing.T) {
	s := NewScheduler()
	s.Start()

	fired := make(chan struct{}, 1)
	s.Schedule(func() { fired <- struct{}{} }, 5*time.Millisecond, 0)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("initial task never fired")
	}

	s.Stop()
	s.Stop() // idempotent
}
