package livesync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ============================================================================
// Test Helpers
// ============================================================================

// Operation names used for failure injection and call counting.
const (
	opPing           = "ping"
	opListEvents     = "list_events"
	opListAttendees  = "list_attendees"
	opFindByKey      = "find_by_key"
	opGetEvent       = "get_event"
	opInsertEvent    = "insert_event"
	opDeleteEvent    = "delete_event"
	opInsertAttendee = "insert_attendee"
	opGetUser        = "get_user"
	opUpsertUser     = "upsert_user"
)

var (
	errConnRefused = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	errUniqueKey   = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	errNoTable     = &pgconn.PgError{Code: "42P01", Message: `relation "lives" does not exist`}
	errJWTExpired  = &APIError{Status: 401, Code: "PGRST301", Message: "JWT expired"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore() *KeyValueStore {
	return NewKeyValueStore(NewMemoryStorage(), discardLogger())
}

// fakeClock is a settable Clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

// ============================================================================
// fakeBackend
// ============================================================================

// fakeBackend is an in-memory Backend with a unique natural key on lives and
// a unique (live_id, user_id) pair on live_attendees, like the real schema.
type fakeBackend struct {
	mu        sync.Mutex
	seq       int
	events    []EventRow
	attendees []AttendeeRow
	users     map[string]*User
	now       func() time.Time

	calls  map[string]int
	errs   map[string][]error
	always map[string]error
	gates  map[string]chan struct{}
	once   map[string]bool

	// beforeInsert runs inside InsertEvent before the uniqueness check.
	beforeInsert func()
	// dropAttendance silently ignores the next attendance insert per user.
	dropAttendance map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		users:          make(map[string]*User),
		now:            func() time.Time { return time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC) },
		calls:          make(map[string]int),
		errs:           make(map[string][]error),
		always:         make(map[string]error),
		gates:          make(map[string]chan struct{}),
		once:           make(map[string]bool),
		dropAttendance: make(map[string]bool),
	}
}

// failNext queues errs for the next calls of op.
func (f *fakeBackend) failNext(op string, errs ...error) {
	f.mu.Lock()
	f.errs[op] = append(f.errs[op], errs...)
	f.mu.Unlock()
}

// failAlways makes every call of op fail with err; nil clears it.
func (f *fakeBackend) failAlways(op string, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.always, op)
	} else {
		f.always[op] = err
	}
	f.mu.Unlock()
}

// block makes calls of op wait until the returned function is called.
func (f *fakeBackend) block(op string) (release func()) {
	return f.gate(op, false)
}

// blockNext holds only the next call of op.
func (f *fakeBackend) blockNext(op string) (release func()) {
	return f.gate(op, true)
}

func (f *fakeBackend) gate(op string, single bool) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[op] = ch
	f.once[op] = single
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gates[op] == ch {
				delete(f.gates, op)
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	gate := f.gates[op]
	if f.once[op] {
		delete(f.gates, op)
		delete(f.once, op)
	}
	var err error
	if q := f.errs[op]; len(q) > 0 {
		err, f.errs[op] = q[0], q[1:]
	} else {
		err = f.always[op]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// seed inserts a live with its attendees directly.
func (f *fakeBackend) seed(artist, date, venue, createdBy string, attendees ...string) EventRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.insertLocked(EventFields{Artist: artist, Date: date, Venue: venue}, createdBy)
	for _, uid := range attendees {
		f.attendees = append(f.attendees, AttendeeRow{EventID: row.ID, UserID: uid, JoinedAt: f.now()})
	}
	return row
}

func (f *fakeBackend) insertLocked(fields EventFields, createdBy string) EventRow {
	f.seq++
	now := f.now().Add(time.Duration(f.seq) * time.Minute)
	row := EventRow{
		ID:          fmt.Sprintf("live-%03d", f.seq),
		Artist:      fields.Artist,
		Date:        fields.Date,
		Venue:       fields.Venue,
		Description: fields.Description,
		ImageURL:    fields.ImageURL,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.events = append(f.events, row)
	return row
}

func (f *fakeBackend) attendeesOf(eventID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, a := range f.attendees {
		if a.EventID == eventID {
			ids = append(ids, a.UserID)
		}
	}
	return ids
}

func (f *fakeBackend) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	return f.enter(ctx, opPing)
}

func (f *fakeBackend) ListEvents(ctx context.Context, q EventQuery) ([]EventRow, error) {
	if err := f.enter(ctx, opListEvents); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	attending := make(map[string]bool)
	if q.AttendeeID != "" {
		for _, a := range f.attendees {
			if a.UserID == q.AttendeeID {
				attending[a.EventID] = true
			}
		}
	}
	term := strings.ToLower(q.Search)

	var out []EventRow
	for _, e := range f.events {
		if q.AttendeeID != "" && !attending[e.ID] {
			continue
		}
		if q.CreatedBy != "" && e.CreatedBy != q.CreatedBy {
			continue
		}
		if term != "" && !strings.Contains(strings.ToLower(e.Artist), term) &&
			!strings.Contains(strings.ToLower(e.Venue), term) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeBackend) ListAttendees(ctx context.Context, eventIDs []string) ([]AttendeeRow, error) {
	if err := f.enter(ctx, opListAttendees); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		want[id] = true
	}
	var out []AttendeeRow
	for _, a := range f.attendees {
		if !want[a.EventID] {
			continue
		}
		row := a
		if u, ok := f.users[a.UserID]; ok {
			att := u.Attendee()
			row.User = &att
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeBackend) FindEventByKey(ctx context.Context, key NaturalKey) (*EventRow, error) {
	if err := f.enter(ctx, opFindByKey); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Key() == key {
			row := e
			return &row, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) GetEvent(ctx context.Context, id string) (*EventRow, error) {
	if err := f.enter(ctx, opGetEvent); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.ID == id {
			row := e
			return &row, nil
		}
	}
	return nil, notFound("get event", "live %s not found", id)
}

func (f *fakeBackend) InsertEvent(ctx context.Context, fields EventFields, createdBy string) (*EventRow, error) {
	if err := f.enter(ctx, opInsertEvent); err != nil {
		return nil, err
	}
	if f.beforeInsert != nil {
		f.beforeInsert()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Key() == fields.Key() {
			return nil, errUniqueKey
		}
	}
	row := f.insertLocked(fields, createdBy)
	return &row, nil
}

func (f *fakeBackend) DeleteEvent(ctx context.Context, id string) error {
	if err := f.enter(ctx, opDeleteEvent); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.events {
		if e.ID == id {
			f.events = append(f.events[:i], f.events[i+1:]...)
			kept := f.attendees[:0]
			for _, a := range f.attendees {
				if a.EventID != id {
					kept = append(kept, a)
				}
			}
			f.attendees = kept
			return nil
		}
	}
	return notFound("delete event", "live %s not found", id)
}

func (f *fakeBackend) InsertAttendee(ctx context.Context, eventID, userID string) error {
	if err := f.enter(ctx, opInsertAttendee); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropAttendance[userID] {
		delete(f.dropAttendance, userID)
		return nil
	}
	for _, a := range f.attendees {
		if a.EventID == eventID && a.UserID == userID {
			return errUniqueKey
		}
	}
	f.attendees = append(f.attendees, AttendeeRow{EventID: eventID, UserID: userID, JoinedAt: f.now()})
	return nil
}

func (f *fakeBackend) GetUser(ctx context.Context, id string) (*User, error) {
	if err := f.enter(ctx, opGetUser); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, notFound("get user", "user %s not found", id)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeBackend) UpsertUser(ctx context.Context, u *User) error {
	if err := f.enter(ctx, opUpsertUser); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

// addUser registers a profile without counting a call.
func (f *fakeBackend) addUser(id, name string) *User {
	u := &User{ID: id, Name: name}
	f.mu.Lock()
	f.users[id] = u
	f.mu.Unlock()
	return u
}

// fakeAuth is an Authenticator returning a fixed outcome.
type fakeAuth struct {
	mu      sync.Mutex
	session *Session
	err     error
	calls   int
}

func (a *fakeAuth) Validate(ctx context.Context) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.session, a.err
}

func (a *fakeAuth) set(s *Session, err error) {
	a.mu.Lock()
	a.session, a.err = s, err
	a.mu.Unlock()
}
