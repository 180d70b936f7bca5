// Package scheduler runs named periodic maintenance tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownTask is returned by RunNow for a name that is not registered.
var ErrUnknownTask = errors.New("scheduler: unknown task")

// Task is one unit of periodic work. The context is cancelled when the
// scheduler stops or the task is removed.
type Task func(ctx context.Context) error

// Status is a snapshot of one task's run history.
type Status struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Scheduler manages periodic tasks. Runs of the same task never overlap.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*entry
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

type entry struct {
	name     string
	interval time.Duration
	fn       Task
	cancel   context.CancelFunc
	ctx      context.Context

	run sync.Mutex // serialises ticks with RunNow

	mu     sync.Mutex
	status Status
}

// New creates a Scheduler.
func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*entry),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddTicker registers fn to run every interval. A task with the same name is
// replaced.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tasks[name]; ok {
		old.cancel()
		delete(s.tasks, name)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	e := &entry{
		name:     name,
		interval: interval,
		fn:       fn,
		ctx:      ctx,
		cancel:   cancel,
		status:   Status{Name: name, Interval: interval},
	}
	s.tasks[name] = e

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = s.execute(e)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

// RunNow runs the named task immediately, waiting for any in-flight tick to
// finish first, and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.execute(e)
}

func (s *Scheduler) execute(e *entry) (err error) {
	e.run.Lock()
	defer e.run.Unlock()
	if e.ctx.Err() != nil {
		return e.ctx.Err()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler task panicked",
				zap.String("task", e.name),
				zap.Any("recover", r),
				zap.Stack("stack"))
			err = fmt.Errorf("scheduler: task %s panicked: %v", e.name, r)
		}
		e.mu.Lock()
		e.status.Runs++
		e.status.LastRun = &start
		e.status.LastError = ""
		if err != nil {
			e.status.Failures++
			e.status.LastError = err.Error()
		}
		e.mu.Unlock()
	}()

	err = e.fn(e.ctx)
	if err != nil {
		s.logger.Warn("scheduler task failed", zap.String("task", e.name), zap.Error(err))
	}
	return err
}

// Remove stops and removes a task by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tasks[name]; ok {
		e.cancel()
		delete(s.tasks, name)
	}
}

// Stop stops all tasks. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.cancel()
}

// Statuses returns a snapshot of every registered task, ordered by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.status)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
