// Package livesync is the client-side data layer of the live-attendance app.
//
// It serves event lists instantly from a local store, reconciles them with
// the remote backend in the background, deduplicates concurrently created
// lives by artist, date and venue, applies writes optimistically with
// rollback, and tears the session down cleanly when the token goes bad.
//
// Example:
//
//	backend := livesync.NewRESTBackend(url, anonKey, livesync.WithAccessToken(token))
//	s := livesync.New(backend, livesync.NewMemoryStorage())
//	defer s.Close()
//
//	s.Start(ctx)
//	s.Session().SignIn(ctx, &livesync.User{ID: uid, Name: "Mio"})
//
//	snap := s.Events(livesync.CollectionMine).Snapshot()
//	res := s.Events(livesync.CollectionAll).Create(ctx, livesync.EventFields{
//		Artist: "Aimyon", Date: "2024-05-01", Venue: "Budokan",
//	})
package livesync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Options
// ============================================================================

type Option func(*Syncer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) { s.logger = logger }
}

// WithClock replaces time.Now for TTL and timestamp bookkeeping.
func WithClock(clock Clock) Option {
	return func(s *Syncer) { s.clock = clock }
}

func WithHealthTTL(long, short time.Duration) Option {
	return func(s *Syncer) {
		s.healthOpts.LongTTL = long
		s.healthOpts.ShortTTL = short
	}
}

func WithProbeTimeout(timeout time.Duration) Option {
	return func(s *Syncer) { s.healthOpts.ProbeTimeout = timeout }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Syncer) { s.retry = p }
}

func WithSettleDelay(d time.Duration) Option {
	return func(s *Syncer) { s.settleDelay = d }
}

// WithRevalidation sets the delay before the first session check and the
// interval between checks.
func WithRevalidation(initial, every time.Duration) Option {
	return func(s *Syncer) {
		s.sessionOpts.RevalidateDelay = initial
		s.sessionOpts.RevalidateInterval = every
	}
}

// WithReloadHook registers the host callback used to reload after a token
// failure.
func WithReloadHook(fn func()) Option {
	return func(s *Syncer) { s.sessionOpts.ReloadHook = fn }
}

func WithAuthenticator(a Authenticator) Option {
	return func(s *Syncer) { s.sessionOpts.Authenticator = a }
}

// ============================================================================
// Syncer
// ============================================================================

var errNotOwner = errors.New("profiles can only be edited by their owner")

// Syncer builds every component once and owns their lifetime.
type Syncer struct {
	backend  Backend
	store    *KeyValueStore
	notifier *Notifier
	health   *HealthMonitor
	gateway  *Gateway
	caches   map[Collection]*EventCache
	writes   *WriteCoordinator
	session  *SessionGuard

	logger      *slog.Logger
	clock       Clock
	healthOpts  HealthOptions
	sessionOpts SessionOptions
	retry       RetryPolicy
	settleDelay time.Duration

	unsubscribe func()
}

// New wires a Syncer over backend, keeping local state in driver.
func New(backend Backend, driver Driver, opts ...Option) *Syncer {
	s := &Syncer{
		backend: backend,
		logger:  slog.Default(),
		clock:   time.Now,
		retry:   DefaultRetryPolicy,
		caches:  make(map[Collection]*EventCache, len(Collections)),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.notifier = newNotifier(s.logger)
	s.store = NewKeyValueStore(driver, s.logger)

	s.healthOpts.Clock = s.clock
	s.healthOpts.Logger = s.logger
	s.health = NewHealthMonitor(backend, s.store, s.healthOpts)
	s.health.notifier = s.notifier

	s.gateway = NewGateway(s.health, s.logger)

	caches := make([]*EventCache, 0, len(Collections))
	resets := make([]Resettable, 0, len(Collections))
	for _, c := range Collections {
		cache := NewEventCache(c, backend, s.gateway, s.store, CacheOptions{
			Retry:    s.retry,
			Clock:    s.clock,
			Logger:   s.logger,
			Notifier: s.notifier,
		})
		s.caches[c] = cache
		caches = append(caches, cache)
		resets = append(resets, cache)
	}

	s.sessionOpts.Notifier = s.notifier
	s.sessionOpts.Clock = s.clock
	s.sessionOpts.Logger = s.logger
	s.session = NewSessionGuard(s.store, backend, s.gateway, s.health, resets, s.sessionOpts)

	s.writes = NewWriteCoordinator(backend, s.gateway, caches, WriteOptions{
		SettleDelay: s.settleDelay,
		Profile:     s.session.Current,
		Notifier:    s.notifier,
		Logger:      s.logger,
	})

	s.unsubscribe = s.session.Subscribe(s.onSession)
	return s
}

func (s *Syncer) onSession(u *User) {
	if u == nil {
		return
	}
	for _, c := range Collections {
		cache := s.caches[c]
		if cache.Scope() != u.ID {
			cache.Mount(u.ID)
		}
	}
}

// Start restores the previous session, mounting its collections, and starts
// revalidation.
func (s *Syncer) Start(ctx context.Context) {
	s.session.Start(ctx)
}

// Close stops every background task and waits for it.
func (s *Syncer) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.session.Close()
	s.writes.Close()
	for _, c := range Collections {
		s.caches[c].Close()
	}
	s.health.Close()
	s.notifier.removeAll()
}

// Wait blocks until background refreshes and write confirmations started so
// far have finished.
func (s *Syncer) Wait() {
	s.writes.Wait()
	for _, c := range Collections {
		s.caches[c].Wait()
	}
}

func (s *Syncer) Health() *HealthMonitor { return s.health }

func (s *Syncer) Session() *SessionGuard { return s.session }

func (s *Syncer) Store() *KeyValueStore { return s.store }

func (s *Syncer) Writes() *WriteCoordinator { return s.writes }

// On subscribes to notifier events.
func (s *Syncer) On(event string, h Handler) func() {
	return s.notifier.On(event, h)
}

// Events returns the handle for collection c.
func (s *Syncer) Events(c Collection) *EventsHandle {
	cache, ok := s.caches[c]
	if !ok {
		cache = s.caches[CollectionAll]
	}
	return &EventsHandle{s: s, cache: cache}
}

// RefreshAll refreshes every mounted collection concurrently and returns the
// first failure.
func (s *Syncer) RefreshAll(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range Collections {
		cache := s.caches[c]
		if cache.Scope() == "" {
			continue
		}
		g.Go(func() error { return cache.Refresh(ctx) })
	}
	return g.Wait()
}

// UpdateProfile writes the signed-in user's profile.
func (s *Syncer) UpdateProfile(ctx context.Context, u *User) error {
	const op = "update profile"
	cur := s.session.Current()
	if cur == nil {
		return newError(KindAuthToken, op, errNotSignedIn)
	}
	if u == nil || u.ID != cur.ID {
		return newError(KindPermission, op, errNotOwner)
	}
	if err := u.Validate(); err != nil {
		return newError(KindRejected, op, err)
	}

	res := Call(ctx, s.gateway, "upsert user", TimeoutWrite, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.UpsertUser(ctx, u)
	})
	if res.Err != nil {
		return res.Err
	}
	s.session.setProfile(u)
	for _, c := range Collections {
		s.caches[c].RefreshAsync()
	}
	s.logger.Info("profile updated", slog.String("user_id", u.ID))
	return nil
}

// ============================================================================
// Change feed
// ============================================================================

// HandleChange refreshes the collections a remote row change may affect.
func (s *Syncer) HandleChange(ch Change) {
	user := s.session.Current()
	if user == nil {
		return
	}
	s.notifier.emit(EventRemoteChange, ch)
	if ch.Table != TableLives && ch.Table != TableAttendees {
		return
	}

	eventID := ch.EventID()
	for _, c := range Collections {
		cache := s.caches[c]
		affected := c == CollectionAll ||
			(eventID != "" && cache.holds(user.ID, eventID)) ||
			(c == CollectionMine && ch.UserID() == user.ID)
		if affected {
			cache.RefreshAsync()
		}
	}
}

// WebhookHandler returns an http.Handler that applies signed database
// webhooks.
func (s *Syncer) WebhookHandler(secret string) (*WebhookHandler, error) {
	return NewWebhookHandler(secret, s.HandleChange)
}

// RunFeed follows the realtime change feed until ctx ends.
func (s *Syncer) RunFeed(ctx context.Context, config FeedConfig) error {
	if config.Logger == nil {
		config.Logger = s.logger
	}
	return NewRealtimeFeed(config, s.HandleChange).Run(ctx)
}

// ============================================================================
// EventsHandle
// ============================================================================

// EventsHandle is the host-facing view of one collection.
type EventsHandle struct {
	s     *Syncer
	cache *EventCache
}

func (h *EventsHandle) Collection() Collection { return h.cache.Collection() }

func (h *EventsHandle) Snapshot() Snapshot { return h.cache.Snapshot() }

// Refresh reconciles the collection and waits for the result.
func (h *EventsHandle) Refresh(ctx context.Context) error { return h.cache.Refresh(ctx) }

func (h *EventsHandle) RefreshAsync() { h.cache.RefreshAsync() }

// SetQuery sets the search term of the search collection.
func (h *EventsHandle) SetQuery(q string) { h.cache.SetQuery(q) }

func (h *EventsHandle) Subscribe(fn func(Snapshot)) func() { return h.cache.Subscribe(fn) }

func (h *EventsHandle) Create(ctx context.Context, fields EventFields) Result {
	return h.s.writes.CreateEvent(ctx, fields, h.userID())
}

func (h *EventsHandle) Join(ctx context.Context, eventID string) Result {
	return h.s.writes.JoinEvent(ctx, eventID, h.userID())
}

func (h *EventsHandle) Delete(ctx context.Context, eventID string) Result {
	return h.s.writes.DeleteEvent(ctx, eventID, h.userID())
}

func (h *EventsHandle) userID() string {
	if u := h.s.session.Current(); u != nil {
		return u.ID
	}
	return ""
}
