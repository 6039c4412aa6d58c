// Package queue serializes agent work per channel under a global
// concurrency cap. Each channel runs at most one agent subprocess at a
// time; message checks coalesce while a run is active, scheduled tasks
// line up FIFO behind it, and channels beyond the cap wait their turn.
package queue

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"syscall"
	"time"
)

var containerNameRe = regexp.MustCompile(`[^A-Za-z0-9-]`)

// SanitizeContainerName strips everything outside [A-Za-z0-9-]. Names
// cross a process boundary into the runtime CLI, so the queue cleans
// them again at the point of use regardless of who produced them.
func SanitizeContainerName(name string) string {
	return containerNameRe.ReplaceAllString(name, "-")
}

// ProcessHandle is the queue's view of a live agent subprocess. The
// runner registers one per launch so shutdown can reach the child.
type ProcessHandle interface {
	Signal(sig os.Signal) error
	Exited() bool
}

// ProcessorFunc runs the message check for one channel. A nil error
// means the channel's backlog was handled (possibly by doing nothing).
type ProcessorFunc func(ctx context.Context, channelID string) error

// TaskFunc runs one scheduled task invocation.
type TaskFunc func(ctx context.Context) error

// Options configures a Queue.
type Options struct {
	MaxConcurrent int           // global cap on simultaneous runs (default 5)
	MaxRetries    int           // message-check retry budget per channel (default 5)
	BaseRetry     time.Duration // first backoff step (default 5s)
	// StopByName asks the container runtime to stop a named container.
	// Must not block; the queue polls for exit itself.
	StopByName func(name string)
}

type pendingTask struct {
	id string
	fn TaskFunc
}

// channelState carries everything the queue knows about one channel.
// All access happens with Queue.mu held.
type channelState struct {
	active        bool
	pendingMsg    bool
	pendingTasks  []pendingTask
	process       ProcessHandle
	containerName string
	retryCount    int
	retryTimer    *time.Timer
}

// Queue is the per-channel serializer. Construct with New, inject the
// processor with SetMessageProcessor before first use.
type Queue struct {
	mu       sync.Mutex
	channels map[string]*channelState
	waiting  []string // channel ids beyond the cap, FIFO, no duplicates

	activeCount   int
	maxConcurrent int
	maxRetries    int
	baseRetry     time.Duration
	shuttingDown  bool

	processor  ProcessorFunc
	stopByName func(name string)
	wg         sync.WaitGroup
}

func New(opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseRetry <= 0 {
		opts.BaseRetry = 5 * time.Second
	}
	return &Queue{
		channels:      make(map[string]*channelState),
		maxConcurrent: opts.MaxConcurrent,
		maxRetries:    opts.MaxRetries,
		baseRetry:     opts.BaseRetry,
		stopByName:    opts.StopByName,
	}
}

// SetMessageProcessor injects the supervisor's per-channel processor.
// Constructor injection here breaks the queue/supervisor dependency
// cycle; it must be called before any enqueue.
func (q *Queue) SetMessageProcessor(fn ProcessorFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = fn
}

// EnqueueMessageCheck requests a backlog check for a channel. Calls
// coalesce: any number of requests while the channel is busy or waiting
// collapse into a single pending check.
func (q *Queue) EnqueueMessageCheck(channelID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}

	st := q.stateLocked(channelID)
	if st.pendingMsg {
		return
	}
	st.pendingMsg = true

	if st.active {
		// Coalesced; the wrapper will drain it when the run ends.
		return
	}
	if q.activeCount >= q.maxConcurrent {
		q.addWaiterLocked(channelID)
		return
	}
	q.startProcessingLocked(channelID)
}

// EnqueueTask queues a scheduled-task invocation behind the channel's
// current work. Duplicate task ids already pending are dropped.
func (q *Queue) EnqueueTask(channelID, taskID string, fn TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}

	st := q.stateLocked(channelID)
	for _, p := range st.pendingTasks {
		if p.id == taskID {
			return
		}
	}

	if st.active {
		st.pendingTasks = append(st.pendingTasks, pendingTask{id: taskID, fn: fn})
		return
	}
	if q.activeCount >= q.maxConcurrent {
		st.pendingTasks = append(st.pendingTasks, pendingTask{id: taskID, fn: fn})
		q.addWaiterLocked(channelID)
		return
	}
	q.startTaskNowLocked(channelID, pendingTask{id: taskID, fn: fn})
}

// RegisterProcess attaches a live subprocess to its channel so Shutdown
// can terminate it. Called from the runner's onSpawn hook.
func (q *Queue) RegisterProcess(channelID string, proc ProcessHandle, containerName string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stateLocked(channelID)
	st.process = proc
	st.containerName = containerName
}

// ActiveCount reports how many runs hold a slot right now.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// WaitingCount reports how many channels are parked behind the cap.
func (q *Queue) WaitingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// stateLocked returns (creating if needed) a channel's state.
// Must be called with q.mu held.
func (q *Queue) stateLocked(channelID string) *channelState {
	st, ok := q.channels[channelID]
	if !ok {
		st = &channelState{}
		q.channels[channelID] = st
	}
	return st
}

// addWaiterLocked parks a channel behind the cap, keeping the FIFO free
// of duplicates. Must be called with q.mu held.
func (q *Queue) addWaiterLocked(channelID string) {
	for _, w := range q.waiting {
		if w == channelID {
			return
		}
	}
	q.waiting = append(q.waiting, channelID)
}

// removeWaiterLocked drops a channel from the waiting FIFO if present.
// Must be called with q.mu held.
func (q *Queue) removeWaiterLocked(channelID string) {
	for i, w := range q.waiting {
		if w == channelID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

// startProcessingLocked consumes the pending message check and starts a
// run. Must be called with q.mu held and capacity available.
func (q *Queue) startProcessingLocked(channelID string) {
	st := q.stateLocked(channelID)
	st.pendingMsg = false
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
	st.active = true
	q.activeCount++
	q.removeWaiterLocked(channelID)

	q.wg.Add(1)
	go q.runProcessor(channelID)
}

// startTaskNowLocked starts a task without queueing it first.
// Must be called with q.mu held and capacity available.
func (q *Queue) startTaskNowLocked(channelID string, t pendingTask) {
	st := q.stateLocked(channelID)
	st.active = true
	q.activeCount++
	q.removeWaiterLocked(channelID)

	q.wg.Add(1)
	go q.runTask(channelID, t)
}

// startNextTaskLocked pops the channel's task FIFO and starts it.
// Must be called with q.mu held and capacity available.
func (q *Queue) startNextTaskLocked(channelID string) {
	st := q.stateLocked(channelID)
	t := st.pendingTasks[0]
	st.pendingTasks = st.pendingTasks[1:]
	q.startTaskNowLocked(channelID, t)
}

func (q *Queue) runProcessor(channelID string) {
	defer q.wg.Done()

	processor := q.processor
	var err error
	if processor == nil {
		slog.Error("queue.no_processor", "channel_id", channelID)
	} else {
		err = processor(context.Background(), channelID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.stateLocked(channelID)
	if err != nil {
		slog.Warn("queue.process_failed", "channel_id", channelID, "retry_count", st.retryCount, "error", err)
		q.scheduleRetryLocked(channelID)
	} else {
		st.retryCount = 0
	}
	q.finishRunLocked(channelID)
}

func (q *Queue) runTask(channelID string, t pendingTask) {
	defer q.wg.Done()

	if err := t.fn(context.Background()); err != nil {
		// Tasks do not retry: the schedule fires again, and the prompt
		// would otherwise run twice.
		slog.Error("queue.task_failed", "channel_id", channelID, "task_id", t.id, "error", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.finishRunLocked(channelID)
}

// finishRunLocked releases the channel's slot and drains follow-up work.
// Must be called with q.mu held.
func (q *Queue) finishRunLocked(channelID string) {
	st := q.stateLocked(channelID)
	st.active = false
	st.process = nil
	st.containerName = ""
	q.activeCount--
	q.drainLocked(channelID)
}

// drainLocked gives the freed slot away: first to this channel's queued
// tasks, then to its coalesced message check, then to waiting channels.
// Must be called with q.mu held.
func (q *Queue) drainLocked(channelID string) {
	if q.shuttingDown {
		return
	}
	st := q.stateLocked(channelID)
	if len(st.pendingTasks) > 0 && q.activeCount < q.maxConcurrent {
		q.startNextTaskLocked(channelID)
		return
	}
	if st.pendingMsg && q.activeCount < q.maxConcurrent {
		q.startProcessingLocked(channelID)
		return
	}
	q.drainWaitersLocked()
}

// drainWaitersLocked starts parked channels while capacity remains.
// Must be called with q.mu held.
func (q *Queue) drainWaitersLocked() {
	for q.activeCount < q.maxConcurrent && len(q.waiting) > 0 {
		channelID := q.waiting[0]
		q.waiting = q.waiting[1:]

		st := q.stateLocked(channelID)
		switch {
		case st.active:
			// Stale entry; the channel found a slot another way.
		case len(st.pendingTasks) > 0:
			q.startNextTaskLocked(channelID)
		case st.pendingMsg:
			q.startProcessingLocked(channelID)
		}
	}
}

// scheduleRetryLocked arms the exponential backoff for a failed message
// check: 5s, 10s, 20s, 40s, 80s, then the batch is dropped until new
// traffic re-arms the channel. Must be called with q.mu held.
func (q *Queue) scheduleRetryLocked(channelID string) {
	if q.shuttingDown {
		return
	}
	st := q.stateLocked(channelID)
	st.retryCount++
	if st.retryCount > q.maxRetries {
		slog.Error("queue.retries_exhausted", "channel_id", channelID, "retries", q.maxRetries)
		st.retryCount = 0
		return
	}

	delay := q.baseRetry * (1 << (st.retryCount - 1))
	slog.Info("queue.retry_scheduled", "channel_id", channelID, "attempt", st.retryCount, "delay", delay)

	st.retryTimer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.shuttingDown {
			return
		}
		st := q.stateLocked(channelID)
		st.retryTimer = nil
		st.pendingMsg = true
		if st.active {
			return
		}
		if q.activeCount >= q.maxConcurrent {
			q.addWaiterLocked(channelID)
			return
		}
		q.startProcessingLocked(channelID)
	})
}

// Shutdown stops intake, asks every live subprocess to exit (stop by
// container name when known, SIGTERM otherwise), polls for exit every
// 500ms, and SIGKILLs whatever survives the grace period. Returns as
// soon as nothing is running.
func (q *Queue) Shutdown(ctx context.Context, grace time.Duration) error {
	q.mu.Lock()
	q.shuttingDown = true
	for _, st := range q.channels {
		if st.retryTimer != nil {
			st.retryTimer.Stop()
			st.retryTimer = nil
		}
	}
	if q.activeCount == 0 {
		q.mu.Unlock()
		return nil
	}

	type victim struct {
		channelID string
		proc      ProcessHandle
		name      string
	}
	var victims []victim
	for id, st := range q.channels {
		if st.active {
			victims = append(victims, victim{channelID: id, proc: st.process, name: st.containerName})
		}
	}
	q.mu.Unlock()

	for _, v := range victims {
		switch {
		case v.name != "" && q.stopByName != nil:
			// Sanitize again right before the name reaches a shell.
			q.stopByName(SanitizeContainerName(v.name))
		case v.proc != nil:
			if err := v.proc.Signal(syscall.SIGTERM); err != nil {
				slog.Debug("queue.sigterm_failed", "channel_id", v.channelID, "error", err)
			}
		}
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.ActiveCount() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	// Grace expired: force-kill what still holds a slot.
	q.mu.Lock()
	var survivors []ProcessHandle
	for _, st := range q.channels {
		if st.active && st.process != nil && !st.process.Exited() {
			survivors = append(survivors, st.process)
		}
	}
	q.mu.Unlock()

	for _, p := range survivors {
		if err := p.Signal(syscall.SIGKILL); err != nil {
			slog.Debug("queue.sigkill_failed", "error", err)
		}
	}
	slog.Warn("queue.shutdown_forced", "killed", len(survivors))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
