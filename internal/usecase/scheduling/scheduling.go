// Package scheduling runs maintenance jobs such as idle-session eviction on
// cron schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"squadron/internal/infra/logger"
)

// Action identifies a kind of scheduled job.
type Action string

const (
	ActionEvictIdle  Action = "evict_idle"
	ActionPurgeStore Action = "purge_store"
)

const jobTimeout = time.Minute

// Task binds a schedule to a registered action.
type Task struct {
	Name string
	// Schedule is a cron expression ("*/5 * * * *", "@every 5m") or a Go
	// duration ("30s").
	Schedule string
	Action   Action
}

// Scheduler runs registered actions on their schedules. A job that is
// still running when its next tick arrives is skipped.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	actions map[Action]func(ctx context.Context) error
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(l *slog.Logger) *Scheduler {
	l = logger.OrDiscard(l)
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		actions: make(map[Action]func(ctx context.Context) error),
		logger:  l.With("component", "scheduler"),
	}
}

// RegisterAction registers the handler for an action.
func (s *Scheduler) RegisterAction(action Action, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask schedules task. The action must be registered first.
func (s *Scheduler) AddTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	schedule, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: task %q: %w", task.Name, err)
	}

	s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(task.Name, fn) }))
	s.logger.Info("task scheduled", "task", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Warn("scheduled task failed", "task", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled task completed", "task", name, "duration", time.Since(start))
}

// Start begins running tasks until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// ParseSchedule accepts a cron expression (with descriptors such as
// "@every 5m") or a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(d), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// Evictor drops idle sessions from memory.
type Evictor interface {
	EvictIdle(olderThan time.Duration) int
}

// EvictIdleJob returns the action that evicts sessions idle for idleTTL.
func EvictIdleJob(e Evictor, idleTTL time.Duration, l *slog.Logger) func(ctx context.Context) error {
	l = logger.OrDiscard(l)
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n := e.EvictIdle(idleTTL); n > 0 {
			l.Info("retention pass evicted sessions", "evicted", n, "idle_ttl", idleTTL)
		}
		return nil
	}
}

// Purger deletes persisted sessions last updated before cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgeStoreJob returns the action that deletes persisted sessions older
// than ttl.
func PurgeStoreJob(p Purger, ttl time.Duration, now func() time.Time, l *slog.Logger) func(ctx context.Context) error {
	l = logger.OrDiscard(l)
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		n, err := p.PurgeBefore(ctx, now().Add(-ttl))
		if err != nil {
			return err
		}
		if n > 0 {
			l.Info("retention pass purged stored sessions", "purged", n, "ttl", ttl)
		}
		return nil
	}
}
