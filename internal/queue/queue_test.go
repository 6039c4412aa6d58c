package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gateProcessor blocks each run until released, recording invocations.
type gateProcessor struct {
	mu      sync.Mutex
	entered chan string   // receives channelID on run start
	release chan struct{} // one receive per run to finish
	calls   map[string]int
	err     error
}

func newGateProcessor() *gateProcessor {
	return &gateProcessor{
		entered: make(chan string, 64),
		release: make(chan struct{}, 64),
		calls:   make(map[string]int),
	}
}

func (g *gateProcessor) fn(_ context.Context, channelID string) error {
	g.mu.Lock()
	g.calls[channelID]++
	g.mu.Unlock()
	g.entered <- channelID
	<-g.release
	return g.err
}

func (g *gateProcessor) count(channelID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[channelID]
}

func (g *gateProcessor) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestCoalescesWhileActive verifies that any number of message checks
// arriving during a run collapse into exactly one follow-up run.
func TestCoalescesWhileActive(t *testing.T) {
	g := newGateProcessor()
	q := New(Options{MaxConcurrent: 5})
	q.SetMessageProcessor(g.fn)

	q.EnqueueMessageCheck("ch1")
	<-g.entered // run 1 started

	for i := 0; i < 4; i++ {
		q.EnqueueMessageCheck("ch1")
	}

	g.release <- struct{}{} // finish run 1
	<-g.entered             // coalesced follow-up starts
	g.release <- struct{}{}

	waitFor(t, "queue to go idle", func() bool { return q.ActiveCount() == 0 })
	if got := g.count("ch1"); got != 2 {
		t.Errorf("processor ran %d times, want 2 (initial + one coalesced)", got)
	}
}

// TestGlobalCapAndWaiterHandoff verifies the cap holds and a freed slot
// goes to the first waiting channel.
func TestGlobalCapAndWaiterHandoff(t *testing.T) {
	g := newGateProcessor()
	q := New(Options{MaxConcurrent: 2})
	q.SetMessageProcessor(g.fn)

	q.EnqueueMessageCheck("A")
	q.EnqueueMessageCheck("B")
	<-g.entered
	<-g.entered

	q.EnqueueMessageCheck("C")
	if got := q.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2 while C waits", got)
	}
	if got := q.WaitingCount(); got != 1 {
		t.Errorf("WaitingCount() = %d, want 1", got)
	}

	// Re-enqueueing the waiter must not duplicate it.
	q.EnqueueMessageCheck("C")
	if got := q.WaitingCount(); got != 1 {
		t.Errorf("WaitingCount() after duplicate enqueue = %d, want 1", got)
	}

	g.release <- struct{}{} // one of A/B finishes
	ch := <-g.entered       // C starts
	if ch != "C" {
		t.Errorf("next run = %q, want C", ch)
	}

	g.release <- struct{}{}
	g.release <- struct{}{}
	waitFor(t, "queue to go idle", func() bool { return q.ActiveCount() == 0 })

	if got := g.count("C"); got != 1 {
		t.Errorf("C ran %d times, want 1", got)
	}
}

// TestSerializedPerChannel verifies a channel never runs twice at once
// even under interleaved checks and tasks.
func TestSerializedPerChannel(t *testing.T) {
	var concurrent, peak int32
	q := New(Options{MaxConcurrent: 5})
	q.SetMessageProcessor(func(_ context.Context, _ string) error {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil
	})

	for i := 0; i < 10; i++ {
		q.EnqueueMessageCheck("ch1")
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, "queue to go idle", func() bool { return q.ActiveCount() == 0 })
	if atomic.LoadInt32(&peak) > 1 {
		t.Errorf("peak concurrency for one channel = %d, want 1", peak)
	}
}

// TestRetryBackoffThenDrop verifies the failure path: five retries with
// doubling delays, then the batch is dropped and the counter reset.
func TestRetryBackoffThenDrop(t *testing.T) {
	var calls int32
	q := New(Options{MaxConcurrent: 5, MaxRetries: 5, BaseRetry: 10 * time.Millisecond})
	q.SetMessageProcessor(func(_ context.Context, _ string) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("container exploded")
	})

	q.EnqueueMessageCheck("ch1")

	// 1 initial + 5 retries at 10,20,40,80,160ms = 310ms total.
	waitFor(t, "six failed attempts", func() bool { return atomic.LoadInt32(&calls) == 6 })

	time.Sleep(400 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 6 {
		t.Errorf("attempts after drop = %d, want 6 (no further retries)", got)
	}

	// New traffic re-arms the channel from a clean retry counter.
	q.EnqueueMessageCheck("ch1")
	waitFor(t, "re-armed attempt", func() bool { return atomic.LoadInt32(&calls) >= 7 })
}

// TestSuccessResetsRetryCount verifies an eventual success clears the
// backoff state so the next failure starts at the base delay.
func TestSuccessResetsRetryCount(t *testing.T) {
	var calls int32
	q := New(Options{MaxConcurrent: 5, MaxRetries: 5, BaseRetry: 10 * time.Millisecond})
	q.SetMessageProcessor(func(_ context.Context, _ string) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return errors.New("transient")
		}
		return nil
	})

	q.EnqueueMessageCheck("ch1")
	waitFor(t, "retry success", func() bool { return atomic.LoadInt32(&calls) == 2 })
	waitFor(t, "queue to go idle", func() bool { return q.ActiveCount() == 0 })

	q.mu.Lock()
	rc := q.channels["ch1"].retryCount
	q.mu.Unlock()
	if rc != 0 {
		t.Errorf("retryCount after success = %d, want 0", rc)
	}
}

// TestDrainPrefersTasksOverMessages verifies the freed slot services the
// channel's queued task before its coalesced message check.
func TestDrainPrefersTasksOverMessages(t *testing.T) {
	g := newGateProcessor()
	q := New(Options{MaxConcurrent: 5})
	q.SetMessageProcessor(g.fn)

	var order []string
	var orderMu sync.Mutex
	record := func(what string) {
		orderMu.Lock()
		order = append(order, what)
		orderMu.Unlock()
	}

	q.EnqueueMessageCheck("ch1")
	<-g.entered

	taskDone := make(chan struct{})
	q.EnqueueTask("ch1", "task-1", func(_ context.Context) error {
		record("task")
		close(taskDone)
		return nil
	})
	q.EnqueueMessageCheck("ch1") // coalesces

	g.release <- struct{}{} // finish initial run
	<-taskDone
	<-g.entered // message check after the task
	record("message")
	g.release <- struct{}{}

	waitFor(t, "queue to go idle", func() bool { return q.ActiveCount() == 0 })

	orderMu.Lock()
	defer orderMu.Unlock()
	if len(order) != 2 || order[0] != "task" || order[1] != "message" {
		t.Errorf("drain order = %v, want [task message]", order)
	}
}

// TestTaskDedup verifies a pending task id queues at most once.
func TestTaskDedup(t *testing.T) {
	g := newGateProcessor()
	q := New(Options{MaxConcurrent: 5})
	q.SetMessageProcessor(g.fn)

	q.EnqueueMessageCheck("ch1")
	<-g.entered

	var taskRuns int32
	fn := func(_ context.Context) error {
		atomic.AddInt32(&taskRuns, 1)
		return nil
	}
	q.EnqueueTask("ch1", "dup", fn)
	q.EnqueueTask("ch1", "dup", fn)
	q.EnqueueTask("ch1", "dup", fn)

	g.release <- struct{}{}
	waitFor(t, "queue to go idle", func() bool { return q.ActiveCount() == 0 })

	if got := atomic.LoadInt32(&taskRuns); got != 1 {
		t.Errorf("task ran %d times, want 1", got)
	}
}

// fakeProc is a controllable ProcessHandle.
type fakeProc struct {
	mu      sync.Mutex
	signals []os.Signal
	exited  bool
}

func (f *fakeProc) Signal(sig os.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeProc) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

// TestShutdownIdleReturnsImmediately verifies the no-work fast path.
func TestShutdownIdleReturnsImmediately(t *testing.T) {
	q := New(Options{MaxConcurrent: 5})
	q.SetMessageProcessor(func(_ context.Context, _ string) error { return nil })

	start := time.Now()
	if err := q.Shutdown(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("idle Shutdown took %v, want immediate return", elapsed)
	}
}

// TestShutdownStopsNamedContainer verifies named containers are stopped
// through the runtime callback with a sanitized name, and the call is
// not duplicated with a signal.
func TestShutdownStopsNamedContainer(t *testing.T) {
	var stopped []string
	var stopMu sync.Mutex

	running := make(chan struct{})
	finish := make(chan struct{})

	q := New(Options{
		MaxConcurrent: 5,
		StopByName: func(name string) {
			stopMu.Lock()
			stopped = append(stopped, name)
			stopMu.Unlock()
			close(finish) // pretend the runtime stopped the container
		},
	})
	proc := &fakeProc{}
	q.SetMessageProcessor(func(_ context.Context, channelID string) error {
		q.RegisterProcess(channelID, proc, "nanoclaw-main-abc123")
		close(running)
		<-finish
		return nil
	})

	q.EnqueueMessageCheck("ch1")
	<-running

	if err := q.Shutdown(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	stopMu.Lock()
	defer stopMu.Unlock()
	if len(stopped) != 1 || stopped[0] != "nanoclaw-main-abc123" {
		t.Errorf("stopped = %v, want [nanoclaw-main-abc123]", stopped)
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.signals) != 0 {
		t.Errorf("signals sent to named container = %v, want none", proc.signals)
	}
}

// TestEnqueueIgnoredDuringShutdown verifies intake stops once shutdown
// begins.
func TestEnqueueIgnoredDuringShutdown(t *testing.T) {
	var calls int32
	q := New(Options{MaxConcurrent: 5})
	q.SetMessageProcessor(func(_ context.Context, _ string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if err := q.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	q.EnqueueMessageCheck("ch1")
	q.EnqueueTask("ch1", "t1", func(_ context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("work ran %d times after shutdown, want 0", got)
	}
}

// TestSanitizeContainerName covers the charset rule.
func TestSanitizeContainerName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"nanoclaw-main-abc123", "nanoclaw-main-abc123"},
		{"nanoclaw-g1; rm -rf /", "nanoclaw-g1--rm--rf--"},
		{"weird$(name)", "weird--name-"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeContainerName(tt.in); got != tt.want {
			t.Errorf("SanitizeContainerName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
