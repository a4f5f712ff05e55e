// ABOUTME: Chat commands for operators: #reset and #jobs
// ABOUTME: Intercepts allow-listed commands before the event reaches the stage machine

package admin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/stagehand/internal/intake"
	"github.com/2389/stagehand/internal/scheduler"
	"github.com/2389/stagehand/internal/store"
	"github.com/2389/stagehand/internal/transport"
)

const (
	CommandReset = "#reset"
	CommandJobs  = "#jobs"

	ResetReply       = "State cleared."
	UnavailableReply = "Command unavailable."
	NoJobsReply      = "no pending jobs"
)

// Locker serializes work for one user.
type Locker interface {
	Exclusive(ctx context.Context, userID string, fn func(ctx context.Context) error) error
}

// TaskQueue is the part of the scheduler the commands need.
type TaskQueue interface {
	Pending(ctx context.Context) ([]scheduler.Task, error)
	CancelUser(ctx context.Context, userID string) (int, error)
}

// Forgetter drops remembered message IDs for a user.
type Forgetter interface {
	Forget(userID string)
}

// Replier builds an output for an arbitrary address.
type Replier interface {
	Fixed(to string) *transport.Output
}

// Config wires the commands to the rest of the system.
type Config struct {
	// Allow lists the user IDs permitted to run commands.
	Allow   []string
	Locker  Locker
	Store   store.Store
	// Journal is optional; records shown over HTTP include it when set.
	Journal store.Journal
	Tasks   TaskQueue
	Gate    Forgetter
	Reply   Replier
	Logger  *slog.Logger
}

// Commands handles operator commands.
type Commands struct {
	allow   map[string]bool
	locker  Locker
	store   store.Store
	journal store.Journal
	tasks   TaskQueue
	gate    Forgetter
	reply   Replier
	logger  *slog.Logger
}

// New creates the command handler.
func New(cfg Config) *Commands {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	allow := make(map[string]bool, len(cfg.Allow))
	for _, id := range cfg.Allow {
		if id = strings.TrimSpace(id); id != "" {
			allow[id] = true
		}
	}
	return &Commands{
		allow:   allow,
		locker:  cfg.Locker,
		store:   cfg.Store,
		journal: cfg.Journal,
		tasks:   cfg.Tasks,
		gate:    cfg.Gate,
		reply:   cfg.Reply,
		logger:  cfg.Logger.With("component", "admin"),
	}
}

// Allowed reports whether userID may run commands.
func (c *Commands) Allowed(userID string) bool {
	return c.allow[userID]
}

// Handle runs ev as a command if it is one. When handled is false the
// event must be dispatched normally.
func (c *Commands) Handle(ctx context.Context, ev intake.Event) (handled bool, err error) {
	if ev.Forced() {
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(ev.Text)) {
	case CommandReset:
		if !c.Allowed(ev.UserID) {
			c.logger.Warn("reset refused", "user_id", ev.UserID)
			return true, c.send(ctx, ev, UnavailableReply)
		}
		if err := c.Reset(ctx, ev.UserID); err != nil {
			return true, err
		}
		return true, c.send(ctx, ev, ResetReply)

	case CommandJobs:
		if !c.Allowed(ev.UserID) {
			return false, nil
		}
		ids, err := c.Jobs(ctx)
		if err != nil {
			return true, err
		}
		if len(ids) == 0 {
			return true, c.send(ctx, ev, NoJobsReply)
		}
		return true, c.send(ctx, ev, strings.Join(ids, "\n"))
	}
	return false, nil
}

// Reset clears all state held for userID.
func (c *Commands) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return store.ErrEmptyUserID
	}
	return c.locker.Exclusive(ctx, userID, func(ctx context.Context) error {
		cancelled, err := c.tasks.CancelUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("cancelling tasks: %w", err)
		}
		if err := c.store.Delete(ctx, userID); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
		if c.gate != nil {
			c.gate.Forget(userID)
		}
		c.logger.Info("user state reset", "user_id", userID, "cancelled_tasks", cancelled)
		return nil
	})
}

// Jobs returns the IDs of all pending tasks, soonest first.
func (c *Commands) Jobs(ctx context.Context) ([]string, error) {
	tasks, err := c.tasks.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (c *Commands) send(ctx context.Context, ev intake.Event, text string) error {
	to := ev.Address
	if to == "" {
		to = ev.UserID
	}
	return c.reply.Fixed(to).Text(ctx, text)
}
