// Package schedule runs the periodic background jobs. A single tick loop
// checks due times and dispatches jobs onto a fixed worker pool, so one slow
// job can delay neither the tick nor unrelated jobs. A job whose previous
// run is still in flight is skipped for that tick and logged.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rewired-gh/marketledger/internal/logger"
)

// JobStats counts outcomes for one registered job.
type JobStats struct {
	Runs  uint64
	Skips uint64
}

type job struct {
	name     string
	interval time.Duration
	fn       func(context.Context)

	nextRun  time.Time
	inFlight bool
	stats    JobStats
}

// Scheduler dispatches registered jobs at their intervals. Register all jobs
// before calling Run.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	workers int
	work    chan *job
}

// New creates a scheduler with the given worker pool size.
func New(workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		workers: workers,
		work:    make(chan *job, workers),
	}
}

// Register adds a periodic job. The first run is due immediately.
func (s *Scheduler) Register(name string, interval time.Duration, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, interval: interval, fn: fn})
}

// Stats returns per-job run and skip counts.
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.jobs))
	for _, j := range s.jobs {
		out[j.name] = j.stats
	}
	return out
}

// Run starts the workers and the tick loop and blocks until the context is
// cancelled. Jobs already running are allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range s.work {
				j.fn(ctx)
				s.mu.Lock()
				j.inFlight = false
				s.mu.Unlock()
			}
		}()
	}

	ticker := time.NewTicker(s.tickResolution())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(s.work)
			wg.Wait()
			return
		case now := <-ticker.C:
			s.dispatchDue(ctx, now)
		}
	}
}

// dispatchDue hands every due job to a worker. Dispatch itself must not
// block the tick: when all workers are busy the job stays due and is picked
// up on a later tick.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}
		if j.inFlight {
			j.stats.Skips++
			j.nextRun = now.Add(j.interval)
			logger.Warn("job %s still running, skipping this tick", j.name)
			continue
		}
		j.inFlight = true
		j.nextRun = now.Add(j.interval)
		j.stats.Runs++
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		select {
		case s.work <- j:
		default:
			// Pool saturated; the job stays due for the next tick.
			s.mu.Lock()
			j.inFlight = false
			j.stats.Runs--
			j.nextRun = now
			s.mu.Unlock()
		}
	}
}

// tickResolution derives the tick from the shortest registered interval so
// short test intervals still fire promptly.
func (s *Scheduler) tickResolution() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolution := time.Second
	for _, j := range s.jobs {
		if quarter := j.interval / 4; quarter < resolution {
			resolution = quarter
		}
	}
	if resolution < 5*time.Millisecond {
		resolution = 5 * time.Millisecond
	}
	return resolution
}
