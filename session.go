package livesync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Session Guard
// ============================================================================

const (
	DefaultExpiredFlagTTL     = 2 * time.Minute
	DefaultReloadInterval     = 60 * time.Second
	DefaultRevalidateDelay    = 3 * time.Second
	DefaultRevalidateInterval = 10 * time.Minute

	keyCurrentUser       = "current_user"
	keySessionExpired    = "session_expired"
	keySessionLastReload = "session_last_reload"
)

// Teardown reasons, also used as metric labels.
const (
	reasonSignOut    = "sign_out"
	reasonToken      = "token_invalid"
	reasonSwitchUser = "switch_user"
	reasonMismatch   = "user_mismatch"
)

// SessionExpiredMessage is published once per token-failure teardown.
const SessionExpiredMessage = "Your session has expired. Please sign in again."

type expiredFlag struct {
	At time.Time `json:"at"`
}

// Resettable is anything holding per-session state the guard must clear.
type Resettable interface {
	Reset()
}

// SessionOptions configures a SessionGuard. Zero values take the defaults.
type SessionOptions struct {
	Authenticator      Authenticator
	ExpiredFlagTTL     time.Duration
	ReloadInterval     time.Duration
	RevalidateDelay    time.Duration
	RevalidateInterval time.Duration
	// ReloadHook asks the host to reload after a token failure.
	ReloadHook func()
	Notifier   *Notifier
	Clock      Clock
	Logger     *slog.Logger
}

// SessionGuard owns the signed-in user and every transition out of it.
type SessionGuard struct {
	store   *KeyValueStore
	backend Backend
	gateway *Gateway
	auth    Authenticator
	health  *HealthMonitor
	resets  []Resettable

	expiredTTL     time.Duration
	reloadInterval time.Duration
	revalDelay     time.Duration
	revalEvery     time.Duration
	reloadHook     func()
	notifier       *Notifier
	now            Clock
	logger         *slog.Logger

	mu      sync.Mutex
	user    *User
	subs    map[int]func(*User)
	nextSub int

	teardownMu sync.Mutex
	tasks      *taskGroup
}

// NewSessionGuard wires the guard. resets are cleared on every teardown.
func NewSessionGuard(store *KeyValueStore, backend Backend, gateway *Gateway, health *HealthMonitor, resets []Resettable, opts SessionOptions) *SessionGuard {
	s := &SessionGuard{
		store:          store,
		backend:        backend,
		gateway:        gateway,
		auth:           opts.Authenticator,
		health:         health,
		resets:         resets,
		expiredTTL:     opts.ExpiredFlagTTL,
		reloadInterval: opts.ReloadInterval,
		revalDelay:     opts.RevalidateDelay,
		revalEvery:     opts.RevalidateInterval,
		reloadHook:     opts.ReloadHook,
		notifier:       opts.Notifier,
		now:            opts.Clock,
		logger:         opts.Logger,
		subs:           make(map[int]func(*User)),
		tasks:          newTaskGroup(),
	}
	if s.expiredTTL <= 0 {
		s.expiredTTL = DefaultExpiredFlagTTL
	}
	if s.reloadInterval <= 0 {
		s.reloadInterval = DefaultReloadInterval
	}
	if s.revalDelay <= 0 {
		s.revalDelay = DefaultRevalidateDelay
	}
	if s.revalEvery <= 0 {
		s.revalEvery = DefaultRevalidateInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "session"))
	if gateway != nil {
		gateway.OnAuthFailure(s.Invalidate)
	}
	return s
}

// Start restores the persisted user and begins periodic revalidation. A
// recent token-failure teardown suppresses both the restore and the first
// revalidation.
func (s *SessionGuard) Start(ctx context.Context) {
	if s.expiredRecently() {
		s.logger.Info("session recently expired, not restoring")
	} else {
		var u User
		if s.store.GetGlobal(keyCurrentUser, &u) && ValidScope(u.ID) {
			s.setUser(&u)
			s.logger.Info("session restored", slog.String("user_id", u.ID))
			s.notify(&u)
		}
	}

	if s.auth == nil {
		return
	}
	s.tasks.goTask(func(tctx context.Context) {
		if !sleepCtx(tctx, s.revalDelay) {
			return
		}
		for {
			s.Revalidate(tctx)
			if !sleepCtx(tctx, s.revalEvery) {
				return
			}
		}
	})
}

// Close stops revalidation.
func (s *SessionGuard) Close() {
	s.tasks.stop()
}

// Current returns a copy of the signed-in user, or nil.
func (s *SessionGuard) Current() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	u.Images = append([]string(nil), s.user.Images...)
	return &u
}

// Subscribe calls fn after every session change with the new user, or nil on
// teardown.
func (s *SessionGuard) Subscribe(fn func(*User)) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// SignIn makes u the current user. The users row is upserted in the
// background.
func (s *SessionGuard) SignIn(ctx context.Context, u *User) error {
	if u == nil || !ValidScope(u.ID) {
		return newError(KindRejected, "sign in", errNotSignedIn)
	}
	if err := u.Validate(); err != nil {
		return newError(KindRejected, "sign in", err)
	}
	if cur := s.Current(); cur != nil && cur.ID != u.ID {
		s.teardown(reasonSwitchUser, false)
	}

	user := *u
	s.setUser(&user)
	s.store.SetGlobal(keyCurrentUser, &user)
	s.store.RemoveGlobal(keySessionExpired)
	s.logger.Info("signed in", slog.String("user_id", user.ID))
	s.notify(s.Current())

	s.tasks.goTask(func(tctx context.Context) {
		res := Call(tctx, s.gateway, "upsert user", TimeoutWrite, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.backend.UpsertUser(ctx, &user)
		})
		if res.Err != nil {
			s.logger.Warn("user upsert failed", slog.String("user_id", user.ID), slog.Any("error", res.Err))
		}
	})
	return nil
}

// SignOut tears the session down.
func (s *SessionGuard) SignOut() {
	s.teardown(reasonSignOut, false)
}

// Invalidate tears the session down after a token failure. Repeated calls
// within the expired-flag window are no-ops.
func (s *SessionGuard) Invalidate(err error) {
	if s.Current() == nil && s.expiredRecently() {
		return
	}
	s.logger.Warn("session token rejected", slog.Any("error", err))
	s.teardown(reasonToken, true)
}

// Revalidate checks the credentials once. Network failures keep the session.
func (s *SessionGuard) Revalidate(ctx context.Context) {
	user := s.Current()
	if user == nil || s.auth == nil || s.expiredRecently() {
		return
	}
	res := Call(ctx, s.gateway, "validate session", TimeoutGate, s.auth.Validate)
	if res.Err != nil {
		// Token failures already reached Invalidate through the gateway.
		if KindOf(res.Err) != KindAuthToken {
			s.logger.Debug("revalidation inconclusive", slog.Any("error", res.Err))
		}
		return
	}
	if res.Data != nil && res.Data.UserID != "" && res.Data.UserID != user.ID {
		s.logger.Warn("session belongs to another user",
			slog.String("user_id", user.ID),
			slog.String("token_user_id", res.Data.UserID),
		)
		s.teardown(reasonMismatch, true)
	}
}

// setProfile replaces the current user's record after a profile update.
func (s *SessionGuard) setProfile(u *User) {
	cur := s.Current()
	if cur == nil || cur.ID != u.ID {
		return
	}
	user := *u
	s.setUser(&user)
	s.store.SetGlobal(keyCurrentUser, &user)
	s.notify(s.Current())
}

func (s *SessionGuard) setUser(u *User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

func (s *SessionGuard) notify(u *User) {
	s.mu.Lock()
	subs := make([]func(*User), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("session subscriber panicked", slog.Any("panic", r))
				}
			}()
			fn(u)
		}()
	}
	if s.notifier != nil {
		s.notifier.emit(EventSessionChanged, u)
	}
}

// ============================================================================
// Teardown
// ============================================================================

func (s *SessionGuard) teardown(reason string, expired bool) {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()

	s.mu.Lock()
	user := s.user
	s.user = nil
	s.mu.Unlock()

	alreadyExpired := s.expiredRecently()
	if user == nil && expired && alreadyExpired {
		return
	}

	// Caches drop their scope first so no in-flight refresh or write can
	// persist under the departed user once the scope is removed.
	for _, r := range s.resets {
		r.Reset()
	}
	if s.health != nil {
		s.health.Reset()
	}
	if user != nil {
		s.store.RemoveAllForScope(user.ID)
	}
	s.store.RemoveGlobal(keyCurrentUser)
	sessionTeardownsTotal.WithLabelValues(reason).Inc()

	attrs := []any{slog.String("reason", reason)}
	if user != nil {
		attrs = append(attrs, slog.String("user_id", user.ID))
	}
	s.logger.Info("session torn down", attrs...)

	if expired {
		s.store.SetGlobal(keySessionExpired, expiredFlag{At: s.now()})
		if !alreadyExpired && s.notifier != nil {
			s.notifier.emit(EventSessionExpired, SessionExpiredMessage)
		}
		s.requestReload()
	}
	s.notify(nil)
}

func (s *SessionGuard) expiredRecently() bool {
	var flag expiredFlag
	if !s.store.GetGlobal(keySessionExpired, &flag) {
		return false
	}
	return s.now().Sub(flag.At) < s.expiredTTL
}

// requestReload calls the reload hook at most once per reload interval,
// across process restarts.
func (s *SessionGuard) requestReload() {
	if s.reloadHook == nil {
		return
	}
	now := s.now()
	var last time.Time
	if s.store.GetGlobal(keySessionLastReload, &last) && now.Sub(last) < s.reloadInterval {
		s.logger.Debug("reload suppressed", slog.Time("last_reload", last))
		return
	}
	s.store.SetGlobal(keySessionLastReload, now)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reload hook panicked", slog.Any("panic", r))
		}
	}()
	s.reloadHook()
}
