package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobRunsPeriodically(t *testing.T) {
	s := New(2)
	var runs atomic.Int32
	s.Register("counter", 20*time.Millisecond, func(ctx context.Context) {
		runs.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if got := runs.Load(); got < 3 {
		t.Errorf("job ran %d times in 200ms at 20ms interval, want >= 3", got)
	}
}

func TestSlowJobIsSkippedNotStacked(t *testing.T) {
	s := New(2)
	release := make(chan struct{})
	var starts atomic.Int32
	s.Register("slow", 20*time.Millisecond, func(ctx context.Context) {
		starts.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	close(release)
	cancel()
	<-done

	if got := starts.Load(); got != 1 {
		t.Errorf("slow job started %d times while blocked, want 1", got)
	}
	if stats := s.Stats()["slow"]; stats.Skips == 0 {
		t.Errorf("no skips recorded for a blocked job")
	}
}

func TestSlowJobDoesNotBlockOthers(t *testing.T) {
	s := New(2)
	release := make(chan struct{})
	s.Register("slow", 20*time.Millisecond, func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	var fastRuns atomic.Int32
	s.Register("fast", 20*time.Millisecond, func(ctx context.Context) {
		fastRuns.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	close(release)
	cancel()
	<-done

	if got := fastRuns.Load(); got < 3 {
		t.Errorf("fast job ran %d times beside a blocked job, want >= 3", got)
	}
}

func TestRunDrainsInFlightJobsOnCancel(t *testing.T) {
	s := New(1)
	var finished atomic.Bool
	started := make(chan struct{})
	s.Register("job", 10*time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if !finished.Load() {
		t.Errorf("in-flight job was not allowed to finish")
	}
}
