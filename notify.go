package livesync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Notifier
// ============================================================================

// Notifier event names.
const (
	EventCacheUpdated     = "cache.updated"
	EventWriteConfirmed   = "write.confirmed"
	EventWriteRolledBack  = "write.rolled_back"
	EventWriteFailed      = "write.failed"
	EventSessionChanged   = "session.changed"
	EventSessionExpired   = "session.expired"
	EventHealthChanged    = "health.changed"
	EventRemoteChange     = "remote.change"
	EventRefreshAbandoned = "refresh.abandoned"
)

// Handler receives notifier events.
type Handler func(event string, payload any)

type subscription struct {
	id int
	h  Handler
}

// Notifier is a small synchronous pub/sub. Panics in handlers are recovered
// and logged.
type Notifier struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[string][]subscription
	logger    *slog.Logger
}

func newNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{listeners: make(map[string][]subscription), logger: logger}
}

// On registers h for event and returns a function that removes it.
func (n *Notifier) On(event string, h Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.listeners[event] = append(n.listeners[event], subscription{id: id, h: h})
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.listeners[event]
		for i, s := range subs {
			if s.id == id {
				n.listeners[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (n *Notifier) emit(event string, payload any) {
	n.mu.RLock()
	subs := append([]subscription(nil), n.listeners[event]...)
	n.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("notifier handler panicked", slog.String("event", event), slog.Any("panic", r))
				}
			}()
			s.h(event, payload)
		}()
	}
}

func (n *Notifier) removeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = make(map[string][]subscription)
}

// ============================================================================
// Background tasks
// ============================================================================

// taskGroup runs background continuations bound to an owner's lifetime.
// After stop, go refuses new work and every running task sees a cancelled
// context.
type taskGroup struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func newTaskGroup() *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{ctx: ctx, cancel: cancel}
}

func (t *taskGroup) goTask(fn func(ctx context.Context)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(t.ctx)
	}()
	return true
}

func (t *taskGroup) context() context.Context {
	return t.ctx
}

func (t *taskGroup) stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()
}

// abandon cancels the group without joining its tasks. Safe to call from one
// of the group's own tasks.
func (t *taskGroup) abandon() {
	t.mu.Lock()
	t.stopped = true
	t.cancel()
	t.mu.Unlock()
}

// wait joins running tasks without stopping the group.
func (t *taskGroup) wait() {
	t.wg.Wait()
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time
