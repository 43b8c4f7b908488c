package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// TaskFunc is one tick of a periodic task. A returned error is logged and
// the task keeps running.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
}

// Scheduler runs periodic tasks, each on its own ticker. A task's ticks
// never overlap: a tick that runs long delays the next one instead of
// running concurrently with it.
type Scheduler struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  *slog.Logger
	tasks   []task
	running bool
}

// NewScheduler creates a scheduler. A nil clock uses the wall clock.
func NewScheduler(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger.With("component", "scheduler"),
	}
}

// Add registers a task. Tasks must be added before Run.
func (s *Scheduler) Add(name string, interval time.Duration, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("adding task %s: scheduler already running", name)
	}
	if interval <= 0 {
		return fmt.Errorf("adding task %s: interval must be positive", name)
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
	return nil
}

// Run drives every task until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	ticker := s.clock.Ticker(t.interval)
	defer ticker.Stop()

	s.logger.Debug("task started", "task", t.name, "interval", t.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("task stopped", "task", t.name)
			return
		case <-ticker.C:
			start := s.clock.Now()
			if err := t.fn(ctx); err != nil {
				s.logger.Warn("task tick failed", "task", t.name, "error", err)
			}
			if took := s.clock.Since(start); took > t.interval {
				s.logger.Warn("task tick overran its interval", "task", t.name, "took", took)
			}
		}
	}
}
