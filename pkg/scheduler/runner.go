// Package scheduler runs the periodic tasks that advance sandboxes between
// lifecycle states, reap stuck ones, reconcile against the host daemon, and
// trim old history. Every task is idempotent: re-scanning the same records
// on the next tick produces the same effect, so a crash mid-task is
// recovered by the next tick rather than by any special resume logic.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/rs/zerolog"
)

// Task is one independently-ticking scheduler responsibility.
type Task struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
}

// Runner owns N independently-ticking tasks, each with its own cadence —
// the single-tick Start/run/stopCh shape repeated per task instead of one
// shared loop.
type Runner struct {
	tasks  []Task
	logger zerolog.Logger
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewRunner creates a Runner over tasks. Each task fires on its own ticker;
// its first tick comes one full interval after Start.
func NewRunner(tasks []Task) *Runner {
	return &Runner{
		tasks:  tasks,
		logger: log.WithComponent("scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins every task's loop in its own goroutine.
func (r *Runner) Start() {
	for _, t := range r.tasks {
		r.wg.Add(1)
		go r.runTask(t)
	}
}

// Stop signals every task loop to exit and waits for them to return.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// TriggerNow runs the named task once, synchronously, outside its regular
// ticker cadence — used by the admin API to force an immediate pass
// without waiting out the interval.
func (r *Runner) TriggerNow(name string) error {
	for _, t := range r.tasks {
		if t.Name == name {
			r.tick(t)
			return nil
		}
	}
	return fmt.Errorf("unknown scheduler task: %s", name)
}

func (r *Runner) runTask(t Task) {
	defer r.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick(t)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) tick(t Task) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SchedulerTickDuration, t.Name)

	ctx, cancel := context.WithTimeout(context.Background(), t.Interval)
	defer cancel()

	if err := t.Fn(ctx); err != nil {
		r.logger.Error().Err(err).Str("task", t.Name).Msg("scheduler task failed")
		return
	}
	metrics.SchedulerTicksTotal.WithLabelValues(t.Name).Inc()
}
