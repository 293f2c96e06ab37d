package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Write state machine
// ============================================================================

// WriteState is the lifecycle of one optimistic write.
type WriteState int

const (
	WritePending WriteState = iota
	WriteConfirmed
	WriteRolledBack
	WriteFailed
)

func (s WriteState) String() string {
	switch s {
	case WritePending:
		return "pending"
	case WriteConfirmed:
		return "confirmed"
	case WriteRolledBack:
		return "rolled_back"
	case WriteFailed:
		return "failed"
	}
	return "unknown"
}

// WriteOp names the user action behind a write.
type WriteOp string

const (
	OpCreate WriteOp = "create"
	OpJoin   WriteOp = "join"
	OpDelete WriteOp = "delete"
)

// Write tracks one user action from its optimistic local effect to its
// remote outcome. It leaves WritePending exactly once.
type Write struct {
	ID     string
	Op     WriteOp
	UserID string

	mu      sync.Mutex
	eventID string
	state   WriteState
	err     error
	done    chan struct{}
}

func newWrite(op WriteOp, eventID, userID string) *Write {
	return &Write{
		ID:      uuid.NewString(),
		Op:      op,
		UserID:  userID,
		eventID: eventID,
		done:    make(chan struct{}),
	}
}

// EventID is the event the write targets. For creates it is known once the
// row exists.
func (w *Write) EventID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eventID
}

func (w *Write) setEventID(id string) {
	w.mu.Lock()
	w.eventID = id
	w.mu.Unlock()
}

func (w *Write) State() WriteState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err is the failure behind WriteRolledBack or WriteFailed.
func (w *Write) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed when the write leaves WritePending.
func (w *Write) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the write settles or ctx ends.
func (w *Write) Wait(ctx context.Context) (WriteState, error) {
	select {
	case <-w.done:
		return w.State(), w.Err()
	case <-ctx.Done():
		return WritePending, ctx.Err()
	}
}

func (w *Write) settle(state WriteState, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WritePending {
		return false
	}
	w.state = state
	w.err = err
	close(w.done)
	writesTotal.WithLabelValues(string(w.Op), state.String()).Inc()
	return true
}

// WriteNotice is the payload of write.* notifier events.
type WriteNotice struct {
	Write *Write
	Err   error
	// Message is the text to show the user, if any.
	Message string
}

// ============================================================================
// Change sets
// ============================================================================

type changeKind int

const (
	changeAddedEvent changeKind = iota
	changeAddedAttendee
)

type cacheChange struct {
	cache   *EventCache
	kind    changeKind
	eventID string
	userID  string
}

// changeSet records optimistic edits so exactly those can be undone.
type changeSet []cacheChange

func (cs changeSet) undo(scope string) {
	for i := len(cs) - 1; i >= 0; i-- {
		ch := cs[i]
		switch ch.kind {
		case changeAddedEvent:
			ch.cache.removeEvent(scope, ch.eventID)
		case changeAddedAttendee:
			ch.cache.removeAttendee(scope, ch.eventID, ch.userID)
		}
	}
}

// ============================================================================
// WriteCoordinator
// ============================================================================

// DefaultSettleDelay is how long after a write the event is re-read to pick
// up server-side effects.
const DefaultSettleDelay = 1500 * time.Millisecond

var (
	errNotCreator   = errors.New("only the creator can delete this live")
	errNotSignedIn  = errors.New("not signed in")
	errShuttingDown = errors.New("sync layer is shutting down")
)

// WriteCoordinator applies user writes optimistically to the caches and
// confirms or undoes them against the backend.
type WriteCoordinator struct {
	backend     Backend
	gateway     *Gateway
	caches      map[Collection]*EventCache
	notifier    *Notifier
	profile     func() *User
	settleDelay time.Duration
	logger      *slog.Logger
	tasks       *taskGroup
}

// WriteOptions configures a WriteCoordinator.
type WriteOptions struct {
	SettleDelay time.Duration
	// Profile returns the signed-in user, used for optimistic attendee rows.
	Profile  func() *User
	Notifier *Notifier
	Logger   *slog.Logger
}

func NewWriteCoordinator(backend Backend, gateway *Gateway, caches []*EventCache, opts WriteOptions) *WriteCoordinator {
	w := &WriteCoordinator{
		backend:     backend,
		gateway:     gateway,
		caches:      make(map[Collection]*EventCache, len(caches)),
		notifier:    opts.Notifier,
		profile:     opts.Profile,
		settleDelay: opts.SettleDelay,
		logger:      opts.Logger,
		tasks:       newTaskGroup(),
	}
	for _, c := range caches {
		w.caches[c.Collection()] = c
	}
	if w.settleDelay <= 0 {
		w.settleDelay = DefaultSettleDelay
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(slog.String("component", "writes"))
	return w
}

// Close waits for background confirmations after cancelling them.
func (w *WriteCoordinator) Close() {
	w.tasks.stop()
}

// Wait blocks until background work started so far has finished.
func (w *WriteCoordinator) Wait() {
	w.tasks.wait()
}

func (w *WriteCoordinator) attendee(userID string) Attendee {
	if w.profile != nil {
		if u := w.profile(); u != nil && u.ID == userID {
			return u.Attendee()
		}
	}
	return Attendee{ID: userID}
}

func (w *WriteCoordinator) orderedCaches() []*EventCache {
	out := make([]*EventCache, 0, len(w.caches))
	for _, c := range Collections {
		if cache, ok := w.caches[c]; ok {
			out = append(out, cache)
		}
	}
	return out
}

// lookup finds an event in any cache mounted for scope.
func (w *WriteCoordinator) lookup(scope, id string) (Event, bool) {
	for _, c := range w.orderedCaches() {
		if c.Scope() != scope {
			continue
		}
		if ev, ok := c.Lookup(id); ok {
			return ev, true
		}
	}
	return Event{}, false
}

// applyJoin adds a to ev in every cache that holds it and inserts ev into the
// listed collections where absent.
func (w *WriteCoordinator) applyJoin(scope string, ev Event, a Attendee, insertInto ...Collection) changeSet {
	var cs changeSet
	insert := make(map[Collection]bool, len(insertInto))
	for _, c := range insertInto {
		insert[c] = true
	}
	for _, c := range w.orderedCaches() {
		if c.holds(scope, ev.ID) {
			if c.addAttendee(scope, ev.ID, a) {
				cs = append(cs, cacheChange{cache: c, kind: changeAddedAttendee, eventID: ev.ID, userID: a.ID})
			}
			continue
		}
		if insert[c.Collection()] {
			withUser := ev.Clone()
			if !withUser.HasAttendee(a.ID) {
				withUser.Attendees = append(withUser.Attendees, a)
			}
			if c.addEvent(scope, withUser) {
				cs = append(cs, cacheChange{cache: c, kind: changeAddedEvent, eventID: ev.ID})
			}
		}
	}
	return cs
}

func (w *WriteCoordinator) replaceEverywhere(scope string, ev Event) {
	for _, c := range w.orderedCaches() {
		c.replaceEvent(scope, ev)
	}
}

func (w *WriteCoordinator) emit(event string, n WriteNotice) {
	if w.notifier != nil {
		w.notifier.emit(event, n)
	}
}

// ============================================================================
// Create
// ============================================================================

// CreateEvent creates the event or, if one with the same artist, date and
// venue exists, joins it.
func (w *WriteCoordinator) CreateEvent(ctx context.Context, fields EventFields, userID string) Result {
	const op = "create event"
	if !ValidScope(userID) {
		return failed(newError(KindAuthToken, op, errNotSignedIn))
	}
	fields = fields.Normalize()
	if err := validate.Struct(fields); err != nil {
		return failed(newError(KindRejected, op, err))
	}

	wr := newWrite(OpCreate, "", userID)
	key := fields.Key()

	found := Call(ctx, w.gateway, "find event", TimeoutGate, func(ctx context.Context) (*EventRow, error) {
		return w.backend.FindEventByKey(ctx, key)
	})
	if found.Err != nil {
		return w.fail(wr, found.Err)
	}
	if found.Data != nil {
		w.logger.Info("live already exists, joining", slog.String("event_id", found.Data.ID), slog.String("key", key.String()))
		return w.joinExisting(ctx, wr, *found.Data)
	}

	inserted := Call(ctx, w.gateway, "insert event", TimeoutWrite, func(ctx context.Context) (*EventRow, error) {
		return w.backend.InsertEvent(ctx, fields, userID)
	})
	if inserted.Err != nil {
		if !errors.Is(inserted.Err, ErrDuplicate) {
			return w.fail(wr, inserted.Err)
		}
		// Another client created the same live first.
		again := Call(ctx, w.gateway, "find event", TimeoutGate, func(ctx context.Context) (*EventRow, error) {
			return w.backend.FindEventByKey(ctx, key)
		})
		if again.Err != nil {
			return w.fail(wr, again.Err)
		}
		if again.Data == nil {
			return w.fail(wr, inserted.Err)
		}
		w.logger.Info("lost create race, joining", slog.String("event_id", again.Data.ID))
		return w.joinExisting(ctx, wr, *again.Data)
	}

	row := *inserted.Data
	wr.setEventID(row.ID)

	att := Call(ctx, w.gateway, "insert attendee", TimeoutWrite, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.backend.InsertAttendee(ctx, row.ID, userID)
	})
	if att.Err != nil && !errors.Is(att.Err, ErrDuplicate) {
		del := Call(ctx, w.gateway, "delete event", TimeoutWrite, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.backend.DeleteEvent(ctx, row.ID)
		})
		if del.Err != nil {
			w.logger.Error("compensating delete failed", slog.String("event_id", row.ID), slog.Any("error", del.Err))
		}
		return w.fail(wr, att.Err)
	}

	ev := Event{EventRow: row, Attendees: []Attendee{}}
	w.applyJoin(userID, ev, w.attendee(userID), CollectionMine, CollectionAll)
	ev.Attendees = append(ev.Attendees, w.attendee(userID))

	if !w.scheduleSettle(wr, row.ID, userID) {
		wr.settle(WriteConfirmed, nil)
	}
	return Result{Success: true, Event: &ev, Write: wr}
}

// joinExisting merges the user into an event found by natural key and
// records the attendance synchronously.
func (w *WriteCoordinator) joinExisting(ctx context.Context, wr *Write, row EventRow) Result {
	userID := wr.UserID
	wr.setEventID(row.ID)

	att := Call(ctx, w.gateway, "list attendees", TimeoutGate, func(ctx context.Context) ([]AttendeeRow, error) {
		return w.backend.ListAttendees(ctx, []string{row.ID})
	})
	var ev Event
	if att.Err == nil {
		ev = joinAttendees([]EventRow{row}, att.Data)[0]
	} else if cached, ok := w.lookup(userID, row.ID); ok {
		w.logger.Warn("attendee list unavailable, using cached copy", slog.String("event_id", row.ID), slog.Any("error", att.Err))
		cached.EventRow = row
		ev = cached
	} else {
		return w.fail(wr, att.Err)
	}

	if ev.HasAttendee(userID) {
		w.replaceEverywhere(userID, ev)
		for _, c := range []Collection{CollectionMine, CollectionAll} {
			if cache, ok := w.caches[c]; ok {
				cache.addEvent(userID, ev)
			}
		}
		wr.settle(WriteConfirmed, nil)
		w.emit(EventWriteConfirmed, WriteNotice{Write: wr})
		return Result{Success: true, Event: &ev, Write: wr}
	}

	a := w.attendee(userID)
	changes := w.applyJoin(userID, ev, a, CollectionMine, CollectionAll)

	ins := Call(ctx, w.gateway, "insert attendee", TimeoutWrite, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.backend.InsertAttendee(ctx, row.ID, userID)
	})
	if ins.Err != nil && !errors.Is(ins.Err, ErrDuplicate) {
		changes.undo(userID)
		wr.settle(WriteRolledBack, ins.Err)
		w.emit(EventWriteRolledBack, WriteNotice{Write: wr, Err: ins.Err, Message: UserMessage(ins.Err)})
		return Result{Success: false, Err: ins.Err, Write: wr}
	}

	ev.Attendees = append(ev.Attendees, a)
	if !w.scheduleSettle(wr, row.ID, userID) {
		wr.settle(WriteConfirmed, nil)
	}
	return Result{Success: true, Event: &ev, Write: wr}
}

// ============================================================================
// Join
// ============================================================================

// JoinEvent adds the user to an event. The local effect is immediate; the
// attendance row is written in the background and undone on failure.
func (w *WriteCoordinator) JoinEvent(ctx context.Context, eventID, userID string) Result {
	const op = "join event"
	if !ValidScope(userID) {
		return failed(newError(KindAuthToken, op, errNotSignedIn))
	}
	wr := newWrite(OpJoin, eventID, userID)

	ev, ok := w.lookup(userID, eventID)
	if !ok {
		fetched, err := fetchEvent(ctx, w.gateway, w.backend, eventID)
		if err != nil {
			return w.fail(wr, err)
		}
		ev = fetched
	}
	if ev.HasAttendee(userID) {
		if cache, ok := w.caches[CollectionMine]; ok {
			cache.addEvent(userID, ev)
		}
		wr.settle(WriteConfirmed, nil)
		return Result{Success: true, Event: &ev, Write: wr}
	}

	a := w.attendee(userID)
	changes := w.applyJoin(userID, ev, a, CollectionMine)
	ev.Attendees = append(ev.Attendees, a)

	started := w.tasks.goTask(func(ctx context.Context) {
		res := Call(ctx, w.gateway, "insert attendee", TimeoutWrite, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.backend.InsertAttendee(ctx, eventID, userID)
		})
		if res.Err != nil && !errors.Is(res.Err, ErrDuplicate) {
			changes.undo(userID)
			wr.settle(WriteRolledBack, res.Err)
			msg := UserMessage(res.Err)
			if msg == "" {
				msg = fmt.Sprintf("Couldn't join %s. Please try again.", ev.Artist)
			}
			w.logger.Warn("join rolled back", slog.String("event_id", eventID), slog.Any("error", res.Err))
			w.emit(EventWriteRolledBack, WriteNotice{Write: wr, Err: res.Err, Message: msg})
			return
		}
		wr.settle(WriteConfirmed, nil)
		w.emit(EventWriteConfirmed, WriteNotice{Write: wr})
		w.settleLater(ctx, eventID, userID)
	})
	if !started {
		changes.undo(userID)
		err := newError(KindCanceled, op, errShuttingDown)
		wr.settle(WriteRolledBack, err)
		return Result{Success: false, Err: err, Write: wr}
	}
	return Result{Success: true, Event: &ev, Write: wr}
}

// ============================================================================
// Delete
// ============================================================================

// DeleteEvent removes an event the user created. The local removal is not
// undone if the remote delete fails.
func (w *WriteCoordinator) DeleteEvent(ctx context.Context, eventID, userID string) Result {
	const op = "delete event"
	if !ValidScope(userID) {
		return failed(newError(KindAuthToken, op, errNotSignedIn))
	}
	ev, ok := w.lookup(userID, eventID)
	if !ok || ev.CreatedBy != userID {
		return failed(newError(KindPermission, op, errNotCreator))
	}

	wr := newWrite(OpDelete, eventID, userID)
	for _, c := range w.orderedCaches() {
		c.removeEvent(userID, eventID)
	}

	started := w.tasks.goTask(func(ctx context.Context) {
		res := Call(ctx, w.gateway, "delete event", TimeoutWrite, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.backend.DeleteEvent(ctx, eventID)
		})
		if res.Err != nil {
			w.logger.Error("remote delete failed, local removal kept",
				slog.String("event_id", eventID),
				slog.Any("error", res.Err),
			)
			wr.settle(WriteFailed, res.Err)
			w.emit(EventWriteFailed, WriteNotice{Write: wr, Err: res.Err, Message: UserMessage(res.Err)})
			return
		}
		wr.settle(WriteConfirmed, nil)
		w.emit(EventWriteConfirmed, WriteNotice{Write: wr})
	})
	if !started {
		err := newError(KindCanceled, op, errShuttingDown)
		wr.settle(WriteFailed, err)
		return Result{Success: false, Event: &ev, Err: err, Write: wr}
	}
	return Result{Success: true, Event: &ev, Write: wr}
}

// ============================================================================
// Settle
// ============================================================================

func (w *WriteCoordinator) fail(wr *Write, err error) Result {
	e := Classify(string(wr.Op), err)
	wr.settle(WriteFailed, e)
	return Result{Success: false, Err: e, Write: wr}
}

// scheduleSettle confirms wr after re-reading the event in the background.
func (w *WriteCoordinator) scheduleSettle(wr *Write, eventID, userID string) bool {
	return w.tasks.goTask(func(ctx context.Context) {
		w.settleLater(ctx, eventID, userID)
		// The backend acknowledged the write; the re-read only repairs.
		if wr.settle(WriteConfirmed, nil) {
			w.emit(EventWriteConfirmed, WriteNotice{Write: wr})
		}
	})
}

// settleLater waits for the settle delay, re-reads the event, restores a
// missing creator attendance and replaces the cached copies.
func (w *WriteCoordinator) settleLater(ctx context.Context, eventID, userID string) {
	if !sleepCtx(ctx, w.settleDelay) {
		return
	}
	ev, err := fetchEvent(ctx, w.gateway, w.backend, eventID)
	if err != nil {
		w.logger.Debug("settle re-read failed", slog.String("event_id", eventID), slog.Any("error", err))
		return
	}

	if ev.CreatedBy != "" && !ev.HasAttendee(ev.CreatedBy) {
		w.logger.Warn("creator missing from attendees, repairing",
			slog.String("event_id", eventID),
			slog.String("creator", ev.CreatedBy),
		)
		creator := ev.CreatedBy
		res := Call(ctx, w.gateway, "insert attendee", TimeoutWrite, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.backend.InsertAttendee(ctx, eventID, creator)
		})
		if res.Err != nil && !errors.Is(res.Err, ErrDuplicate) {
			w.logger.Error("creator attendance repair failed", slog.String("event_id", eventID), slog.Any("error", res.Err))
		} else {
			ev.Attendees = append(ev.Attendees, w.attendee(creator))
		}
	}

	w.replaceEverywhere(userID, ev)
}
