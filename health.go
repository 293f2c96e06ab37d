package livesync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Health Monitor
// ============================================================================

const (
	DefaultHealthLongTTL  = 15 * time.Minute
	DefaultHealthShortTTL = 30 * time.Second
	DefaultProbeTimeout   = 3 * time.Second
	healthPersistThrottle = time.Minute
	keyHealth             = "health"
	probeFlightKey        = "probe"
)

// Prober issues one lightweight request against the backend.
type Prober interface {
	Ping(ctx context.Context) error
}

// HealthStatus is the outcome of CheckHealth.
type HealthStatus struct {
	Healthy   bool
	CheckedAt time.Time
	// Cached is true when no probe was issued.
	Cached bool
}

type healthRecord struct {
	Healthy     bool      `json:"healthy"`
	LastSuccess time.Time `json:"last_success"`
	LastCheck   time.Time `json:"last_check"`
}

// HealthOptions configures a HealthMonitor. Zero values take the defaults.
type HealthOptions struct {
	LongTTL      time.Duration
	ShortTTL     time.Duration
	ProbeTimeout time.Duration
	Clock        Clock
	Logger       *slog.Logger
}

// HealthMonitor keeps the process-wide reachability verdict for the backend.
// A verified success is trusted for LongTTL; a stale or failed verdict is
// reused for ShortTTL before another probe is allowed.
type HealthMonitor struct {
	prober       Prober
	store        *KeyValueStore
	now          Clock
	longTTL      time.Duration
	shortTTL     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
	notifier     *Notifier

	mu          sync.Mutex
	rec         healthRecord
	persistedAt time.Time

	flight     singleflight.Group
	refreshing atomic.Bool
	tasks      *taskGroup
}

// NewHealthMonitor restores the last persisted verdict from store.
func NewHealthMonitor(prober Prober, store *KeyValueStore, opts HealthOptions) *HealthMonitor {
	h := &HealthMonitor{
		prober:       prober,
		store:        store,
		now:          opts.Clock,
		longTTL:      opts.LongTTL,
		shortTTL:     opts.ShortTTL,
		probeTimeout: opts.ProbeTimeout,
		logger:       opts.Logger,
		rec:          healthRecord{Healthy: true},
		tasks:        newTaskGroup(),
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.longTTL <= 0 {
		h.longTTL = DefaultHealthLongTTL
	}
	if h.shortTTL <= 0 {
		h.shortTTL = DefaultHealthShortTTL
	}
	if h.probeTimeout <= 0 {
		h.probeTimeout = DefaultProbeTimeout
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With(slog.String("component", "health"))

	var rec healthRecord
	if store != nil && store.GetGlobal(keyHealth, &rec) {
		h.rec = rec
	}
	healthyGauge.Set(boolGauge(h.rec.Healthy))
	return h
}

// CheckHealth returns the verdict, probing the backend only when neither TTL
// covers the last result. It never returns an error.
func (h *HealthMonitor) CheckHealth(ctx context.Context) HealthStatus {
	now := h.now()

	h.mu.Lock()
	rec := h.rec
	h.mu.Unlock()

	if h.successFresh(rec, now) {
		return HealthStatus{Healthy: true, CheckedAt: rec.LastCheck, Cached: true}
	}
	if !rec.Healthy && !rec.LastCheck.IsZero() && now.Sub(rec.LastCheck) < h.shortTTL {
		return HealthStatus{Healthy: false, CheckedAt: rec.LastCheck, Cached: true}
	}

	ch := h.flight.DoChan(probeFlightKey, func() (any, error) {
		return h.probe(), nil
	})
	select {
	case res := <-ch:
		return res.Val.(HealthStatus)
	case <-ctx.Done():
		return HealthStatus{Healthy: false, CheckedAt: now, Cached: true}
	}
}

// CachedStatus returns the last verdict without blocking. When the short TTL
// has elapsed it starts a background CheckHealth.
func (h *HealthMonitor) CachedStatus() bool {
	now := h.now()

	h.mu.Lock()
	rec := h.rec
	h.mu.Unlock()

	if h.successFresh(rec, now) {
		return true
	}
	if rec.LastCheck.IsZero() || now.Sub(rec.LastCheck) >= h.shortTTL {
		if h.refreshing.CompareAndSwap(false, true) {
			started := h.tasks.goTask(func(ctx context.Context) {
				defer h.refreshing.Store(false)
				h.CheckHealth(ctx)
			})
			if !started {
				h.refreshing.Store(false)
			}
		}
	}
	return rec.Healthy
}

// RecordSuccess notes a successful remote call.
func (h *HealthMonitor) RecordSuccess() {
	now := h.now()
	h.update(func(rec *healthRecord) {
		rec.Healthy = true
		rec.LastSuccess = now
		rec.LastCheck = now
	})
}

// RecordFailure notes a network-level failure. It also voids the long-TTL
// trust of an earlier success.
func (h *HealthMonitor) RecordFailure() {
	now := h.now()
	h.update(func(rec *healthRecord) {
		rec.Healthy = false
		rec.LastSuccess = time.Time{}
		rec.LastCheck = now
	})
}

// Reset forgets the verdict.
func (h *HealthMonitor) Reset() {
	h.mu.Lock()
	h.rec = healthRecord{Healthy: true}
	h.persistedAt = time.Time{}
	h.mu.Unlock()
	if h.store != nil {
		h.store.RemoveGlobal(keyHealth)
	}
	healthyGauge.Set(1)
}

// Close stops background checks.
func (h *HealthMonitor) Close() {
	h.tasks.stop()
}

func (h *HealthMonitor) successFresh(rec healthRecord, now time.Time) bool {
	return rec.Healthy && !rec.LastSuccess.IsZero() && now.Sub(rec.LastSuccess) < h.longTTL
}

func (h *HealthMonitor) probe() HealthStatus {
	if h.prober == nil {
		return HealthStatus{Healthy: false, CheckedAt: h.now()}
	}
	ctx, cancel := context.WithTimeout(h.tasks.context(), h.probeTimeout)
	defer cancel()

	err := raceContext(ctx, h.prober.Ping)
	now := h.now()
	healthy := err == nil

	healthProbesTotal.WithLabelValues(boolLabel(healthy, "healthy", "unhealthy")).Inc()
	if !healthy {
		h.logger.Debug("health probe failed", slog.Any("error", err))
	}

	h.update(func(rec *healthRecord) {
		rec.Healthy = healthy
		rec.LastCheck = now
		if healthy {
			rec.LastSuccess = now
		}
	})
	return HealthStatus{Healthy: healthy, CheckedAt: now}
}

func (h *HealthMonitor) update(fn func(rec *healthRecord)) {
	h.mu.Lock()
	before := h.rec
	fn(&h.rec)
	rec := h.rec
	changed := before.Healthy != rec.Healthy
	persist := changed || rec.LastCheck.Sub(h.persistedAt) >= healthPersistThrottle
	if persist {
		h.persistedAt = rec.LastCheck
	}
	notifier := h.notifier
	h.mu.Unlock()

	if persist && h.store != nil {
		h.store.SetGlobal(keyHealth, rec)
	}
	if changed {
		healthyGauge.Set(boolGauge(rec.Healthy))
		h.logger.Info("backend health changed", slog.Bool("healthy", rec.Healthy))
		if notifier != nil {
			notifier.emit(EventHealthChanged, rec.Healthy)
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
