// Package lifecycle runs an engine's background loops: start once, cancel
// together, and wait for them with a bounded timeout.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyStarted is returned by Start on a running group.
	ErrAlreadyStarted = errors.New("already started")
	// ErrNotStarted is returned by Stop on a group that is not running.
	ErrNotStarted = errors.New("not started")
	// ErrStopTimeout is returned when loops do not exit within the timeout.
	ErrStopTimeout = errors.New("timed out waiting for background loops")
)

// DefaultStopTimeout bounds how long Stop waits for loops to exit.
const DefaultStopTimeout = 5 * time.Second

// Group owns a set of goroutines sharing one cancellable context.
type Group struct {
	name    string
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewGroup creates a Group; name is used in error messages.
func NewGroup(name string) *Group {
	return &Group{name: name, timeout: DefaultStopTimeout}
}

// Start derives the group context from parent and launches loops.
func (g *Group) Start(parent context.Context, loops ...func(context.Context)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return fmt.Errorf("%s: %w", g.name, ErrAlreadyStarted)
	}
	g.ctx, g.cancel = context.WithCancel(parent)
	g.running = true
	for _, loop := range loops {
		g.goLocked(loop)
	}
	return nil
}

// Go launches fn under the group context. It reports false when the group is
// not running.
func (g *Group) Go(fn func(context.Context)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return false
	}
	g.goLocked(fn)
	return true
}

func (g *Group) goLocked(fn func(context.Context)) {
	ctx := g.ctx
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(ctx)
	}()
}

// Running reports whether Start has been called without a matching Stop.
func (g *Group) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Context returns the group context, or nil when not running.
func (g *Group) Context() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return nil
	}
	return g.ctx
}

// Stop cancels every loop and waits up to the stop timeout for them to exit.
func (g *Group) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return fmt.Errorf("%s: %w", g.name, ErrNotStarted)
	}
	g.running = false
	g.cancel()
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(g.timeout):
		return fmt.Errorf("%s: %w", g.name, ErrStopTimeout)
	}
}

// Every calls fn every interval until ctx is cancelled. A panic inside fn is
// logged and the loop continues.
func Every(ctx context.Context, interval time.Duration, logger *zap.Logger, name string, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			SafeCall(logger, name, func() { fn(ctx) })
		}
	}
}

// SafeCall runs fn, converting a panic into a logged error. It reports
// whether fn panicked.
func SafeCall(logger *zap.Logger, what string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			if logger != nil {
				logger.Error("recovered from panic", zap.String("in", what), zap.Any("panic", r))
			}
		}
	}()
	fn()
	return false
}
