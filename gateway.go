package livesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Remote Gateway
// ============================================================================

// Per-call deadlines.
const (
	TimeoutGate  = 4 * time.Second
	TimeoutFetch = 12 * time.Second
	TimeoutWrite = 10 * time.Second
)

// CallResult is the uniform outcome of a remote call. Err is a *Error when
// set. IsFromFallback is true when the caller should keep showing local data.
type CallResult[T any] struct {
	Data           T
	Err            error
	IsFromFallback bool
}

// Gateway wraps every remote call: it bounds latency, classifies failures,
// feeds the health monitor, and hands token failures to the session.
type Gateway struct {
	health *HealthMonitor
	logger *slog.Logger

	mu            sync.RWMutex
	onAuthFailure func(err error)
}

// NewGateway creates a gateway. health may be nil.
func NewGateway(health *HealthMonitor, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{health: health, logger: logger.With(slog.String("component", "gateway"))}
}

// OnAuthFailure registers the handler invoked for KindAuthToken failures.
func (g *Gateway) OnAuthFailure(fn func(err error)) {
	g.mu.Lock()
	g.onAuthFailure = fn
	g.mu.Unlock()
}

// Call runs fn with a deadline of timeout. It never panics and never waits
// past the deadline, even if fn ignores its context.
func Call[T any](ctx context.Context, g *Gateway, op string, timeout time.Duration, fn func(ctx context.Context) (T, error)) CallResult[T] {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var data T
	err := raceContext(callCtx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			data = v
		}
		return err
	})
	gatewayCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err == nil {
		gatewayCallsTotal.WithLabelValues(op, "ok").Inc()
		if g.health != nil {
			g.health.RecordSuccess()
		}
		return CallResult[T]{Data: data}
	}

	e := Classify(op, err)
	gatewayCallsTotal.WithLabelValues(op, e.Kind.String()).Inc()

	res := CallResult[T]{Err: e}
	switch e.Kind {
	case KindNetwork, KindTimeout:
		res.IsFromFallback = true
		if g.health != nil {
			g.health.RecordFailure()
		}
		g.logger.Debug("remote call unavailable", slog.String("op", op), slog.Any("error", err))
	case KindAuthToken:
		res.IsFromFallback = true
		g.logger.Warn("remote call rejected token", slog.String("op", op), slog.Any("error", err))
		g.authFailed(e)
	case KindCanceled:
		res.IsFromFallback = true
	default:
		// The backend answered, so it is reachable.
		if g.health != nil {
			g.health.RecordSuccess()
		}
		g.logger.Debug("remote call failed", slog.String("op", op), slog.String("kind", e.Kind.String()), slog.Any("error", err))
	}
	return res
}

func (g *Gateway) authFailed(err error) {
	g.mu.RLock()
	fn := g.onAuthFailure
	g.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// raceContext runs fn and returns its error, or ctx.Err() as soon as ctx is
// done. A panic in fn is returned as an error.
func raceContext(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
