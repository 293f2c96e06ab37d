package livesync

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Collections and states
// ============================================================================

// Collection names one cached event list.
type Collection string

const (
	CollectionMine   Collection = "mine"
	CollectionAll    Collection = "all"
	CollectionSearch Collection = "search"
)

// Collections lists every collection in mount order.
var Collections = []Collection{CollectionMine, CollectionAll, CollectionSearch}

func (c Collection) persisted() bool {
	return c != CollectionSearch
}

func (c Collection) storeKey() string {
	return "events:" + string(c)
}

// CacheState is where a collection is in its reconcile cycle.
type CacheState int

const (
	StateSeeded CacheState = iota
	StateRefreshing
	StateSynced
	StateDegraded
)

func (s CacheState) String() string {
	switch s {
	case StateSeeded:
		return "seeded"
	case StateRefreshing:
		return "refreshing"
	case StateSynced:
		return "synced"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// RetryPolicy bounds refresh retries on transient failures.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy is three attempts two seconds apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 2 * time.Second}

// Snapshot is an immutable view of a collection.
type Snapshot struct {
	Collection Collection
	Items      []Event
	Loading    bool
	Refreshing bool
	// Error is set only for failures the user should see.
	Error           error
	IsUsingFallback bool
	State           CacheState
	SyncedAt        time.Time
	Query           string
}

type cacheEntry struct {
	Events   []Event   `json:"events"`
	SyncedAt time.Time `json:"synced_at"`
}

// ============================================================================
// EventCache
// ============================================================================

// EventCache serves one collection from local storage at once and reconciles
// it with the backend in the background. Only the most recently issued
// refresh may update the list.
type EventCache struct {
	collection Collection
	backend    Backend
	gateway    *Gateway
	store      *KeyValueStore
	notifier   *Notifier
	retry      RetryPolicy
	now        Clock
	logger     *slog.Logger

	mu         sync.Mutex
	scope      string
	query      string
	items      []Event
	state      CacheState
	loading    bool
	refreshing bool
	err        error
	fallback   bool
	syncedAt   time.Time
	gen        uint64
	tasks      *taskGroup
	subs       map[int]func(Snapshot)
	nextSub    int
}

// CacheOptions configures an EventCache.
type CacheOptions struct {
	Retry    RetryPolicy
	Clock    Clock
	Logger   *slog.Logger
	Notifier *Notifier
}

func NewEventCache(c Collection, backend Backend, gateway *Gateway, store *KeyValueStore, opts CacheOptions) *EventCache {
	ec := &EventCache{
		collection: c,
		backend:    backend,
		gateway:    gateway,
		store:      store,
		notifier:   opts.Notifier,
		retry:      opts.Retry,
		now:        opts.Clock,
		logger:     opts.Logger,
		items:      []Event{},
		loading:    true,
		fallback:   true,
		tasks:      newTaskGroup(),
		subs:       make(map[int]func(Snapshot)),
	}
	if ec.retry.Attempts <= 0 {
		ec.retry = DefaultRetryPolicy
	}
	if ec.now == nil {
		ec.now = time.Now
	}
	if ec.logger == nil {
		ec.logger = slog.Default()
	}
	ec.logger = ec.logger.With(slog.String("component", "cache"), slog.String("collection", string(c)))
	return ec
}

// Collection returns the collection this cache holds.
func (c *EventCache) Collection() Collection { return c.collection }

// Mount switches the cache to scope, seeds it synchronously from the store
// and starts a background refresh.
func (c *EventCache) Mount(scope string) {
	c.mu.Lock()
	c.resetLocked()
	c.scope = scope
	c.loading = false
	if c.collection.persisted() {
		var entry cacheEntry
		if c.store.Get(scope, c.collection.storeKey(), &entry) && entry.Events != nil {
			c.items = entry.Events
			c.syncedAt = entry.SyncedAt
		}
	}
	c.mu.Unlock()

	c.publish()
	c.RefreshAsync()
}

// Reset drops the in-memory list and abandons pending refreshes. Persisted
// entries are left to the caller.
func (c *EventCache) Reset() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.publish()
}

func (c *EventCache) resetLocked() {
	c.gen++
	c.tasks.abandon()
	c.tasks = newTaskGroup()
	c.scope = ""
	c.query = ""
	c.items = []Event{}
	c.state = StateSeeded
	c.loading = true
	c.refreshing = false
	c.err = nil
	c.fallback = true
	c.syncedAt = time.Time{}
}

// Close stops background work and waits for it.
func (c *EventCache) Close() {
	c.mu.Lock()
	c.gen++
	tasks := c.tasks
	c.mu.Unlock()
	tasks.stop()
}

// Wait blocks until the background refreshes started so far have finished.
func (c *EventCache) Wait() {
	c.mu.Lock()
	tasks := c.tasks
	c.mu.Unlock()
	tasks.wait()
}

// Scope returns the mounted user id, or "".
func (c *EventCache) Scope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// SetQuery changes the search term and refreshes. Only meaningful for the
// search collection.
func (c *EventCache) SetQuery(q string) {
	q = strings.TrimSpace(q)
	c.mu.Lock()
	if q == c.query {
		c.mu.Unlock()
		return
	}
	c.query = q
	c.items = []Event{}
	c.mu.Unlock()
	c.publish()
	c.RefreshAsync()
}

// Snapshot returns a deep copy of the current state.
func (c *EventCache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *EventCache) snapshotLocked() Snapshot {
	return Snapshot{
		Collection:      c.collection,
		Items:           cloneEvents(c.items),
		Loading:         c.loading,
		Refreshing:      c.refreshing,
		Error:           c.err,
		IsUsingFallback: c.fallback,
		State:           c.state,
		SyncedAt:        c.syncedAt,
		Query:           c.query,
	}
}

// Subscribe calls fn with a snapshot after every change.
func (c *EventCache) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *EventCache) publish() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("snapshot subscriber panicked", slog.Any("panic", r))
				}
			}()
			fn(snap)
		}()
	}
	if c.notifier != nil {
		c.notifier.emit(EventCacheUpdated, snap)
	}
}

// ============================================================================
// Refresh
// ============================================================================

// RefreshAsync starts a refresh owned by the cache lifetime.
func (c *EventCache) RefreshAsync() {
	c.mu.Lock()
	tasks := c.tasks
	c.mu.Unlock()
	tasks.goTask(func(ctx context.Context) {
		_ = c.Refresh(ctx)
	})
}

// Refresh reconciles the collection with the backend, retrying transient
// failures. It returns the final classified error, or nil when the refresh
// succeeded or was superseded by a newer one.
func (c *EventCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if !ValidScope(c.scope) {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	scope, query := c.scope, c.query
	c.state = StateRefreshing
	c.refreshing = true
	lifetime := c.tasks.context()
	c.mu.Unlock()
	c.publish()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(lifetime, cancel)
	defer stop()

	for attempt := 1; ; attempt++ {
		events, err := c.fetch(ctx, scope, query)
		if !c.current(gen) {
			refreshTotal.WithLabelValues(string(c.collection), "superseded").Inc()
			return nil
		}
		if err == nil {
			c.apply(gen, scope, events)
			refreshTotal.WithLabelValues(string(c.collection), "ok").Inc()
			return nil
		}

		kind := KindOf(err)
		if !kind.Transient() || attempt >= c.retry.Attempts {
			c.degrade(gen, err)
			if kind.Transient() && c.notifier != nil {
				c.notifier.emit(EventRefreshAbandoned, c.collection)
			}
			refreshTotal.WithLabelValues(string(c.collection), kind.String()).Inc()
			return err
		}

		refreshTotal.WithLabelValues(string(c.collection), "retry").Inc()
		c.logger.Debug("refresh failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", c.retry.Backoff),
			slog.Any("error", err),
		)
		if !sleepCtx(ctx, c.retry.Backoff) {
			if !c.current(gen) {
				return nil
			}
			cerr := Classify("refresh", ctx.Err())
			c.degrade(gen, cerr)
			return cerr
		}
	}
}

func (c *EventCache) fetch(ctx context.Context, scope, query string) ([]Event, error) {
	q := EventQuery{Limit: DefaultListLimit}
	switch c.collection {
	case CollectionMine:
		q.AttendeeID = scope
	case CollectionSearch:
		if query == "" {
			return []Event{}, nil
		}
		q.Search = query
	}

	rows := Call(ctx, c.gateway, "list events", TimeoutFetch, func(ctx context.Context) ([]EventRow, error) {
		return c.backend.ListEvents(ctx, q)
	})
	if rows.Err != nil {
		return nil, rows.Err
	}
	if len(rows.Data) == 0 {
		return []Event{}, nil
	}
	att := Call(ctx, c.gateway, "list attendees", TimeoutFetch, func(ctx context.Context) ([]AttendeeRow, error) {
		return c.backend.ListAttendees(ctx, eventIDs(rows.Data))
	})
	if att.Err != nil {
		return nil, att.Err
	}
	return joinAttendees(rows.Data, att.Data), nil
}

func (c *EventCache) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *EventCache) apply(gen uint64, scope string, events []Event) {
	c.mu.Lock()
	if c.gen != gen || c.scope != scope {
		c.mu.Unlock()
		return
	}
	c.items = events
	c.state = StateSynced
	c.refreshing = false
	c.fallback = false
	c.err = nil
	c.syncedAt = c.now()
	c.persistLocked()
	c.mu.Unlock()
	c.publish()
}

func (c *EventCache) degrade(gen uint64, err error) {
	kind := KindOf(err)
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateDegraded
	c.refreshing = false
	c.fallback = true
	c.err = nil
	if kind == KindSchemaMissing || kind == KindPermission {
		c.err = err
	}
	c.mu.Unlock()

	switch kind {
	case KindNetwork, KindTimeout, KindCanceled, KindAuthToken:
		c.logger.Debug("refresh degraded to cached data", slog.String("kind", kind.String()))
	default:
		c.logger.Warn("refresh failed", slog.Any("error", err))
	}
	c.publish()
}

func (c *EventCache) persistLocked() {
	if !c.collection.persisted() || !ValidScope(c.scope) {
		return
	}
	c.store.Set(c.scope, c.collection.storeKey(), cacheEntry{Events: c.items, SyncedAt: c.syncedAt})
}

// ============================================================================
// Local mutations
// ============================================================================

// mutate runs fn against the list when scope is still mounted, persisting and
// publishing when fn reports a change.
func (c *EventCache) mutate(scope string, fn func() bool) bool {
	c.mu.Lock()
	if scope == "" || c.scope != scope {
		c.mu.Unlock()
		return false
	}
	changed := fn()
	if changed {
		c.persistLocked()
	}
	c.mu.Unlock()
	if changed {
		c.publish()
	}
	return changed
}

func (c *EventCache) indexLocked(id string) int {
	for i := range c.items {
		if c.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Lookup returns a copy of the cached event with id.
func (c *EventCache) Lookup(id string) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.items[i].Clone(), true
	}
	return Event{}, false
}

// FindByKey returns a copy of the first cached event with key.
func (c *EventCache) FindByKey(key NaturalKey) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.items {
		if e.Key() == key {
			return e.Clone(), true
		}
	}
	return Event{}, false
}

func (c *EventCache) holds(scope, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope == scope && c.indexLocked(id) >= 0
}

// addEvent prepends ev unless an event with its id is already cached.
func (c *EventCache) addEvent(scope string, ev Event) bool {
	return c.mutate(scope, func() bool {
		if c.indexLocked(ev.ID) >= 0 {
			return false
		}
		c.items = append([]Event{ev.Clone()}, c.items...)
		return true
	})
}

// replaceEvent swaps in ev where an event with its id is cached.
func (c *EventCache) replaceEvent(scope string, ev Event) bool {
	return c.mutate(scope, func() bool {
		i := c.indexLocked(ev.ID)
		if i < 0 {
			return false
		}
		c.items[i] = ev.Clone()
		return true
	})
}

func (c *EventCache) removeEvent(scope, id string) bool {
	return c.mutate(scope, func() bool {
		i := c.indexLocked(id)
		if i < 0 {
			return false
		}
		c.items = append(c.items[:i:i], c.items[i+1:]...)
		return true
	})
}

func (c *EventCache) addAttendee(scope, eventID string, a Attendee) bool {
	return c.mutate(scope, func() bool {
		i := c.indexLocked(eventID)
		if i < 0 || c.items[i].HasAttendee(a.ID) {
			return false
		}
		ev := c.items[i].Clone()
		ev.Attendees = append(ev.Attendees, a)
		c.items[i] = ev
		return true
	})
}

func (c *EventCache) removeAttendee(scope, eventID, userID string) bool {
	return c.mutate(scope, func() bool {
		i := c.indexLocked(eventID)
		if i < 0 {
			return false
		}
		ev := c.items[i].Clone()
		kept := ev.Attendees[:0]
		for _, a := range ev.Attendees {
			if a.ID != userID {
				kept = append(kept, a)
			}
		}
		if len(kept) == len(ev.Attendees) {
			return false
		}
		ev.Attendees = kept
		c.items[i] = ev
		return true
	})
}
