// ABOUTME: Delayed single-shot task scheduler with replace-on-plan semantics
// ABOUTME: A background loop claims due tasks, drops misfires and runs handlers safely

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/2389/stagehand/internal/transport"
)

var tracer = otel.Tracer("github.com/2389/stagehand/internal/scheduler")

// OutputResolver builds a user's outbound channel at execution time.
type OutputResolver interface {
	OutputFor(ctx context.Context, userID string) (*transport.Output, error)
}

// Config tunes the scheduler loop.
type Config struct {
	// PollInterval is how often the loop looks for due tasks. Defaults to 1s.
	PollInterval time.Duration
	// MisfireGrace applies to newly planned tasks. Defaults to DefaultMisfireGrace.
	MisfireGrace time.Duration
	// BatchSize caps how many due tasks one pass handles. Defaults to 100.
	BatchSize int
	Now       func() time.Time
	Logger    *slog.Logger
}

// Scheduler registers, replaces and executes delayed tasks.
type Scheduler struct {
	tasks    TaskStore
	registry *Registry
	outputs  OutputResolver
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	// nextWake is when the loop will next look for due tasks.
	nextWake time.Time
	wake     chan struct{}
}

// New creates a scheduler. It does not start the loop.
func New(tasks TaskStore, registry *Registry, outputs OutputResolver, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		tasks:    tasks,
		registry: registry,
		outputs:  outputs,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "scheduler"),
		wake:     make(chan struct{}, 1),
	}
}

// Plan schedules ref for userID after delay, replacing any pending task with
// the same identity. Non-positive delays are a no-op.
func (s *Scheduler) Plan(ctx context.Context, userID, ref string, delay time.Duration) error {
	now := s.cfg.Now()
	runAt := now.Add(delay)
	if !runAt.After(now) {
		return nil
	}
	if _, err := s.registry.Lookup(ref); err != nil {
		return err
	}

	task := Task{
		ID:           TaskID(userID, ref),
		UserID:       userID,
		Ref:          ref,
		RunAt:        runAt.UTC(),
		MisfireGrace: s.cfg.MisfireGrace,
	}
	if err := s.tasks.Replace(ctx, task); err != nil {
		return fmt.Errorf("planning %s: %w", task.ID, err)
	}

	s.logger.Info("scheduled task", "job_id", task.ID, "in", delay.Round(time.Second), "run_at", task.RunAt)
	s.wakeFor(task.RunAt)
	return nil
}

// wakeFor nudges the loop when runAt comes before its next pass.
func (s *Scheduler) wakeFor(runAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || !runAt.Before(s.nextWake) {
		return
	}
	s.nextWake = runAt
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending lists every pending task, earliest first.
func (s *Scheduler) Pending(ctx context.Context) ([]Task, error) {
	return s.tasks.List(ctx)
}

// CancelUser removes every pending task of a user.
func (s *Scheduler) CancelUser(ctx context.Context, userID string) (int, error) {
	n, err := s.tasks.RemoveUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("cancelling tasks for %s: %w", userID, err)
	}
	if n > 0 {
		s.logger.Info("cancelled tasks", "user_id", userID, "count", n)
	}
	return n, nil
}

// Start launches the background loop. Calling it while running is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.nextWake = s.cfg.Now()

	go s.loop(ctx, s.done)
	s.logger.Info("scheduler started", "poll_interval", s.cfg.PollInterval)
}

// Stop halts the loop and waits for an in-flight pass to finish.
// Calling it when stopped is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.mu.Lock()
			next := s.nextWake
			s.mu.Unlock()
			timer.Reset(max(next.Sub(s.cfg.Now()), 0))
		case <-timer.C:
			// Tasks planned during the pass may pull the next wake forward
			s.mu.Lock()
			s.nextWake = s.cfg.Now().Add(s.cfg.PollInterval)
			s.mu.Unlock()
			s.RunDue(ctx)
			timer.Reset(s.cfg.PollInterval)
		}
	}
}

// RunDue performs one pass: claims due tasks in run_at order, drops misfires
// and executes the rest. It returns how many tasks were executed.
func (s *Scheduler) RunDue(ctx context.Context) int {
	executed := 0
	for {
		now := s.cfg.Now()
		due, err := s.tasks.Due(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("failed to load due tasks", "error", err)
			return executed
		}
		if len(due) == 0 {
			return executed
		}

		progressed := false
		for _, task := range due {
			if ctx.Err() != nil {
				return executed
			}
			claimed, err := s.tasks.Claim(ctx, task)
			if err != nil {
				s.logger.Error("failed to claim task", "job_id", task.ID, "error", err)
				continue
			}
			if !claimed {
				continue
			}
			progressed = true
			if late := now.Sub(task.RunAt); late > task.MisfireGrace {
				s.logger.Warn("dropping misfired task",
					"job_id", task.ID,
					"late_by", late.Round(time.Second),
					"misfire_grace", task.MisfireGrace,
				)
				continue
			}
			_ = s.Execute(ctx, task.UserID, task.Ref)
			executed++
		}

		if len(due) < s.cfg.BatchSize || !progressed {
			return executed
		}
	}
}

// Execute resolves ref and runs it for userID with a freshly resolved output.
// Errors and panics are logged and returned, never propagated as panics.
func (s *Scheduler) Execute(ctx context.Context, userID, ref string) (err error) {
	ctx, span := tracer.Start(ctx, "scheduler.execute")
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("task_reference", ref))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := s.logger.With("user_id", userID, "task_reference", ref)

	handler, err := s.registry.Lookup(ref)
	if err != nil {
		logger.Error("cannot resolve task", "error", err)
		return err
	}

	out, err := s.outputs.OutputFor(ctx, userID)
	if err != nil {
		logger.Error("cannot resolve output", "error", err)
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			logger.Error("task panicked", "panic", r)
		}
	}()

	logger.Info("executing task")
	if err := handler(ctx, userID, out); err != nil {
		logger.Error("task failed", "error", err)
		return err
	}
	return nil
}
