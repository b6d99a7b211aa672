package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const enumerateKey = "\x00enumerate"

// Guard wraps a Backend and bounds every vendor call with a timeout. A call
// that exceeds the deadline is abandoned and reported as a failure; the
// handle stays marked busy until the abandoned call returns so a hanging
// device never accumulates goroutines.
type Guard struct {
	inner   Backend
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	busy map[string]struct{}
}

var _ Backend = (*Guard)(nil)

// NewGuard wraps inner. A non-positive timeout disables the deadline but
// keeps the busy-handle tracking.
func NewGuard(inner Backend, timeout time.Duration, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Guard{
		inner:   inner,
		timeout: timeout,
		logger:  logger,
		busy:    make(map[string]struct{}),
	}
}

// Unwrap returns the wrapped backend.
func (g *Guard) Unwrap() Backend {
	return g.inner
}

func (g *Guard) Name() string {
	return g.inner.Name()
}

func (g *Guard) Capabilities() Capabilities {
	return g.inner.Capabilities()
}

func (g *Guard) Init(ctx context.Context) Status {
	status, err := guardedCall(g, ctx, enumerateKey, g.inner.Init)
	if err != nil {
		g.logger.Warn("backend init did not complete", "backend", g.inner.Name(), "err", err)
		return StatusUnavailable
	}
	return status
}

func (g *Guard) Enumerate(ctx context.Context) ([]Identity, error) {
	type listing struct {
		ids []Identity
		err error
	}
	res, err := guardedCall(g, ctx, enumerateKey, func(ctx context.Context) listing {
		ids, err := g.inner.Enumerate(ctx)
		return listing{ids: ids, err: err}
	})
	if err != nil {
		g.logger.Warn("backend enumeration did not complete", "backend", g.inner.Name(), "err", err)
		return nil, err
	}
	return res.ids, res.err
}

func (g *Guard) Read(ctx context.Context, handle string) PartialSample {
	sample, err := guardedCall(g, ctx, "read:"+handle, func(ctx context.Context) PartialSample {
		return g.inner.Read(ctx, handle)
	})
	if err != nil {
		g.logger.Debug("backend read did not complete", "handle", handle, "err", err)
		return AllFailed()
	}
	return sample
}

func (g *Guard) Write(ctx context.Context, handle string, req WriteRequest) WriteResult {
	result, err := guardedCall(g, ctx, "write:"+handle, func(ctx context.Context) WriteResult {
		return g.inner.Write(ctx, handle, req)
	})
	if err != nil {
		g.logger.Warn("backend write did not complete", "handle", handle, "err", err)
		return FailedWrites(err)
	}
	return result
}

func (g *Guard) Close() error {
	return g.inner.Close()
}

func (g *Guard) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.busy[key]; ok {
		return false
	}
	g.busy[key] = struct{}{}
	return true
}

func (g *Guard) release(key string) {
	g.mu.Lock()
	delete(g.busy, key)
	g.mu.Unlock()
}

func guardedCall[T any](g *Guard, ctx context.Context, key string, fn func(context.Context) T) (T, error) {
	var zero T
	if !g.acquire(key) {
		return zero, fmt.Errorf("%w: previous call for %q still pending", ErrTimeout, key)
	}

	callCtx := ctx
	cancel := func() {}
	if g.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	defer cancel()

	done := make(chan T, 1)
	go func() {
		defer g.release(key)
		done <- fn(callCtx)
	}()

	select {
	case value := <-done:
		return value, nil
	case <-callCtx.Done():
		return zero, fmt.Errorf("%w: %w", ErrTimeout, callCtx.Err())
	}
}
