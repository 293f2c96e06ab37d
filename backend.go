package livesync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ============================================================================
// Backend contract
// ============================================================================

// DefaultListLimit caps collection fetches.
const DefaultListLimit = 200

// EventQuery selects rows from the lives table. Zero fields do not filter.
type EventQuery struct {
	// AttendeeID restricts to events the user attends.
	AttendeeID string
	CreatedBy  string
	// Search matches artist or venue, case-insensitively.
	Search string
	Limit  int
}

// Backend is the remote relational store holding users, lives and
// live_attendees. Implementations return driver and transport errors
// unclassified for the Gateway to map. A missing row in GetEvent, DeleteEvent
// or GetUser is the one exception: it is reported as a KindNotFound *Error,
// which Classify keeps as it is.
type Backend interface {
	Prober

	ListEvents(ctx context.Context, q EventQuery) ([]EventRow, error)
	ListAttendees(ctx context.Context, eventIDs []string) ([]AttendeeRow, error)
	// FindEventByKey returns nil, nil when no event has the natural key.
	FindEventByKey(ctx context.Context, key NaturalKey) (*EventRow, error)
	GetEvent(ctx context.Context, id string) (*EventRow, error)
	InsertEvent(ctx context.Context, fields EventFields, createdBy string) (*EventRow, error)
	DeleteEvent(ctx context.Context, id string) error
	InsertAttendee(ctx context.Context, eventID, userID string) error

	GetUser(ctx context.Context, id string) (*User, error)
	UpsertUser(ctx context.Context, u *User) error
}

// Session is what an Authenticator knows about the signed-in principal.
type Session struct {
	UserID    string
	ExpiresAt time.Time
}

// Authenticator revalidates the current credentials.
type Authenticator interface {
	Validate(ctx context.Context) (*Session, error)
}

func notFound(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, fmt.Errorf(format, args...))
}

// ============================================================================
// Join
// ============================================================================

// joinAttendees attaches attendee rows to their events. Rows for unknown
// events are dropped and repeated user ids keep their first occurrence.
func joinAttendees(rows []EventRow, attendees []AttendeeRow) []Event {
	byEvent := make(map[string][]Attendee, len(rows))
	seen := make(map[string]map[string]bool, len(rows))
	for _, r := range rows {
		seen[r.ID] = make(map[string]bool)
	}
	for _, a := range attendees {
		users, ok := seen[a.EventID]
		if !ok || users[a.UserID] {
			continue
		}
		users[a.UserID] = true
		att := Attendee{ID: a.UserID}
		if a.User != nil {
			att = *a.User
			att.ID = a.UserID
		}
		byEvent[a.EventID] = append(byEvent[a.EventID], att)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		att := byEvent[r.ID]
		if att == nil {
			att = []Attendee{}
		}
		events = append(events, Event{EventRow: r, Attendees: att})
	}
	return events
}

func eventIDs(rows []EventRow) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

// fetchEvent loads one event with its attendees through the gateway.
func fetchEvent(ctx context.Context, g *Gateway, b Backend, id string) (Event, error) {
	row := Call(ctx, g, "get event", TimeoutGate, func(ctx context.Context) (*EventRow, error) {
		return b.GetEvent(ctx, id)
	})
	if row.Err != nil {
		return Event{}, row.Err
	}
	att := Call(ctx, g, "list attendees", TimeoutGate, func(ctx context.Context) ([]AttendeeRow, error) {
		return b.ListAttendees(ctx, []string{id})
	})
	if att.Err != nil {
		return Event{}, att.Err
	}
	return joinAttendees([]EventRow{*row.Data}, att.Data)[0], nil
}

// ============================================================================
// TokenAuthenticator
// ============================================================================

// TokenAuthenticator validates a bearer JWT locally by its claims. It is used
// with backends that have no auth endpoint of their own.
type TokenAuthenticator struct {
	Token string
	Now   Clock
}

// Validate fails with jwt.ErrTokenExpired once the exp claim has passed.
func (a *TokenAuthenticator) Validate(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token := strings.TrimSpace(strings.TrimPrefix(a.Token, "Bearer "))
	if token == "" {
		return nil, fmt.Errorf("no session token: %w", jwt.ErrTokenMalformed)
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	session := &Session{UserID: claims.Subject}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
		if !now().Before(session.ExpiresAt) {
			return nil, fmt.Errorf("session token: %w", jwt.ErrTokenExpired)
		}
	}
	return session, nil
}
