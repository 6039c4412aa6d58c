// Package schedule materializes due tasks into agent invocations. The
// loop recomputes and persists next_run before dispatching, so a crash
// between the two can delay a fire but never double it.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

const tickInterval = 10 * time.Second

// Invoker runs one task invocation end to end (prompt assembly, runner
// call, reply delivery). The supervisor provides it.
type Invoker interface {
	RunTask(ctx context.Context, task store.Task) error
}

// Scheduler is the polling loop over the tasks table.
type Scheduler struct {
	store   store.Store
	queue   *queue.Queue
	invoker Invoker
	loc     *time.Location
}

func New(st store.Store, q *queue.Queue, inv Invoker, loc *time.Location) *Scheduler {
	return &Scheduler{store: st, queue: q, invoker: inv, loc: loc}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.DueTasks(ctx, store.NowTimestamp())
	if err != nil {
		slog.Error("schedule.query_failed", "error", err)
		return
	}
	for _, task := range due {
		s.dispatch(ctx, task)
	}
}

// dispatch advances a task's schedule, then enqueues its invocation.
// Persisting next_run (or claiming the once-task) happens FIRST: the
// store row, not this process's memory, is what prevents a re-fire
// after a crash.
func (s *Scheduler) dispatch(ctx context.Context, task store.Task) {
	tracer := otel.Tracer("nanoclaw/schedule")
	ctx, span := tracer.Start(ctx, "schedule.dispatch")
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("task.type", task.ScheduleType))
	defer span.End()

	switch task.ScheduleType {
	case store.ScheduleOnce:
		won, err := s.store.ClaimOnceTask(ctx, task.ID)
		if err != nil {
			slog.Error("schedule.claim_failed", "task_id", task.ID, "error", err)
			return
		}
		if !won {
			return
		}
	default:
		next, err := NextRun(task.ScheduleType, task.ScheduleValue, time.Now(), s.loc)
		if err != nil {
			// The value went bad after creation (e.g. edited row). Pause
			// instead of spinning on it every tick.
			slog.Error("schedule.next_run_failed", "task_id", task.ID, "error", err)
			if err := s.store.SetTaskStatus(ctx, task.ID, store.TaskPaused); err != nil {
				slog.Error("schedule.pause_failed", "task_id", task.ID, "error", err)
			}
			return
		}
		if err := s.store.UpdateTaskNextRun(ctx, task.ID, next); err != nil {
			slog.Error("schedule.persist_failed", "task_id", task.ID, "error", err)
			return
		}
	}

	slog.Info("schedule.fire", "task_id", task.ID, "channel_id", task.ChannelID, "type", task.ScheduleType)
	t := task
	s.queue.EnqueueTask(task.ChannelID, task.ID, func(ctx context.Context) error {
		return s.invoker.RunTask(ctx, t)
	})
}

// NextRun computes the next fire time for a schedule, rendered in the
// canonical store timestamp format.
//   - cron: next occurrence strictly after now, evaluated in loc.
//   - interval: now + value milliseconds.
//   - once: the value itself, parsed as RFC 3339 or store format.
func NextRun(scheduleType, value string, now time.Time, loc *time.Location) (string, error) {
	switch scheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(value, now.In(loc), false)
		if err != nil {
			return "", fmt.Errorf("invalid cron %q: %w", value, err)
		}
		return store.FormatTimestamp(next), nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return "", fmt.Errorf("invalid interval %q: want positive milliseconds", value)
		}
		return store.FormatTimestamp(now.Add(time.Duration(ms) * time.Millisecond)), nil
	case store.ScheduleOnce:
		t, err := parseWhen(value)
		if err != nil {
			return "", fmt.Errorf("invalid timestamp %q: %w", value, err)
		}
		return store.FormatTimestamp(t), nil
	default:
		return "", fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// Validate rejects a schedule at creation time with a caller-facing
// reason. Cron expressions are checked for syntax; once-timestamps must
// be in the future.
func Validate(scheduleType, value string, now time.Time) error {
	switch scheduleType {
	case store.ScheduleCron:
		if !gronx.New().IsValid(value) {
			return fmt.Errorf("invalid cron expression %q", value)
		}
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval must be a positive millisecond count, got %q", value)
		}
	case store.ScheduleOnce:
		t, err := parseWhen(value)
		if err != nil {
			return fmt.Errorf("timestamp %q is not ISO-8601", value)
		}
		if !t.After(now) {
			return fmt.Errorf("timestamp %q is in the past", value)
		}
	default:
		return fmt.Errorf("schedule type must be cron, interval or once, got %q", scheduleType)
	}
	return nil
}

func parseWhen(value string) (time.Time, error) {
	if t, err := store.ParseTimestamp(value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

// TaskBanner prefixes a scheduled prompt so the model knows no human
// just spoke.
func TaskBanner(prompt string) string {
	return "[SCHEDULED TASK: this is an automated invocation, not a message from a user]\n\n" + prompt
}
