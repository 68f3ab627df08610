// Package scheduler turns cron expressions into published tasks: each
// ScheduledTask names a cron expression and a task to publish when it
// fires, and Scheduler runs a timer per task that always sleeps until
// the cron evaluator's next computed occurrence rather than polling.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskqueue/taskqueue/internal/broker"
	"github.com/taskqueue/taskqueue/internal/cron"
	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

// ScheduledTask binds a cron expression to the task it publishes when due.
type ScheduledTask struct {
	Name        string
	CronExpr    string
	TaskName    string
	Queue       string
	Args        json.RawMessage
	ContentType string
	MaxRetries  int
}

// Scheduler runs one goroutine per ScheduledTask, each sleeping until
// its expression's next occurrence and then publishing to Broker.
type Scheduler struct {
	broker broker.Broker
	loc    *time.Location
	log    zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Scheduler. loc is the time zone every expression is
// evaluated in; nil means UTC.
func New(b broker.Broker, loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		broker: b,
		loc:    loc,
		log:    log.With().Str("component", "scheduler").Logger(),
		stop:   make(chan struct{}),
	}
}

// Start parses every task's expression and launches its timer loop.
// A task with a malformed expression is logged and skipped rather than
// failing the whole scheduler.
func (s *Scheduler) Start(ctx context.Context, tasks []ScheduledTask) {
	for _, t := range tasks {
		expr, err := cron.ParseInLocation(t.CronExpr, s.loc)
		if err != nil {
			s.log.Error().Err(err).Str("task", t.Name).Str("cron", t.CronExpr).Msg("invalid cron expression, skipping")
			continue
		}
		s.wg.Add(1)
		go s.runTask(ctx, t, expr)
	}
}

// Stop signals every task loop to exit and waits for them. A later
// call finds the loops already signalled and only waits.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t ScheduledTask, expr *cron.Expression) {
	defer s.wg.Done()

	next, ok := expr.Next(time.Now().In(s.loc))
	for ok {
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.publish(ctx, t)
		}
		next, ok = expr.Next(next)
	}
	s.log.Warn().Str("task", t.Name).Msg("cron expression has no further occurrences within horizon, stopping")
}

func (s *Scheduler) publish(ctx context.Context, t ScheduledTask) {
	contentType := t.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	queue := t.Queue
	if queue == "" {
		queue = "default"
	}
	msg := taskmsg.NewTaskMessage(t.TaskName, queue, t.Args, contentType, taskmsg.PriorityDefault, t.MaxRetries)
	if err := s.broker.Publish(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("task", t.Name).Str("task_id", msg.ID).Msg("failed to publish scheduled task")
		return
	}
	s.log.Info().Str("task", t.Name).Str("task_id", msg.ID).Str("task_name", t.TaskName).Msg("scheduled task published")
}
