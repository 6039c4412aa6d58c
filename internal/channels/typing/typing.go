// Package typing keeps a platform typing indicator alive for the
// duration of an agent run. Indicators expire after roughly ten
// seconds, so the controller refreshes every nine.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const refreshInterval = 9 * time.Second

// Controller refreshes one channel's indicator until stopped.
type Controller struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start fires refresh immediately, then every nine seconds. Stop the
// returned controller when the run ends.
func Start(ctx context.Context, refresh func(ctx context.Context) error) *Controller {
	ctx, cancel := context.WithCancel(ctx)
	c := &Controller{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			if err := refresh(ctx); err != nil {
				slog.Debug("typing.refresh_failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return c
}

// Stop ends the refresh loop and waits for it to exit.
func (c *Controller) Stop() {
	c.once.Do(func() {
		c.cancel()
		<-c.done
	})
}
