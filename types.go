package livesync

import (
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ============================================================================
// Shared Types
// ============================================================================

// DateLayout is the calendar-date format used for Event.Date.
const DateLayout = "2006-01-02"

// MaxGalleryImages bounds User.Images.
const MaxGalleryImages = 6

var validate = validator.New(validator.WithRequiredStructEnabled())

// SocialLinks holds the user's handles on the supported platforms.
type SocialLinks struct {
	Instagram string `json:"instagram,omitempty" validate:"omitempty,max=64"`
	X         string `json:"x,omitempty" validate:"omitempty,max=64"`
	TikTok    string `json:"tiktok,omitempty" validate:"omitempty,max=64"`
}

// User is a row of the users table.
type User struct {
	ID          string      `json:"id" validate:"required"`
	Name        string      `json:"name" validate:"required,max=100"`
	Avatar      string      `json:"avatar,omitempty"`
	Bio         string      `json:"bio,omitempty" validate:"omitempty,max=500"`
	Handle      string      `json:"user_id,omitempty" validate:"omitempty,max=32"`
	Images      []string    `json:"images,omitempty" validate:"max=6"`
	SocialLinks SocialLinks `json:"social_links"`
	CreatedAt   time.Time   `json:"created_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at,omitempty"`
}

// Attendee is the public projection of a User shown on an event.
func (u *User) Attendee() Attendee {
	return Attendee{ID: u.ID, Name: u.Name, Avatar: u.Avatar, Handle: u.Handle}
}

// Validate checks the profile constraints enforced before any write.
func (u *User) Validate() error {
	return validate.Struct(u)
}

// Attendee is the minimal public User projection attached to an Event.
type Attendee struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Handle string `json:"user_id,omitempty"`
}

// ============================================================================
// Events ("lives")
// ============================================================================

// NaturalKey identifies semantically equal events.
type NaturalKey struct {
	Artist string
	Date   string
	Venue  string
}

func (k NaturalKey) String() string {
	return k.Artist + "|" + k.Date + "|" + k.Venue
}

// EventRow is a row of the lives table, without attendees.
type EventRow struct {
	ID          string    `json:"id"`
	Artist      string    `json:"artist"`
	Date        string    `json:"date"`
	Venue       string    `json:"venue"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

func (r *EventRow) Key() NaturalKey {
	return NaturalKey{Artist: r.Artist, Date: r.Date, Venue: r.Venue}
}

// AttendeeRow is a row of live_attendees joined with the user projection.
type AttendeeRow struct {
	EventID  string    `json:"live_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
	User     *Attendee `json:"users,omitempty"`
}

// Event is a live together with its attendee set.
type Event struct {
	EventRow
	Attendees []Attendee `json:"attendees"`
}

// HasAttendee reports whether userID is in the attendee set.
func (e *Event) HasAttendee(userID string) bool {
	for _, a := range e.Attendees {
		if a.ID == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	e.Attendees = append([]Attendee(nil), e.Attendees...)
	return e
}

// SortedAttendees returns the attendee set with viewerID first and the rest
// ordered by name.
func (e *Event) SortedAttendees(viewerID string) []Attendee {
	out := append([]Attendee(nil), e.Attendees...)
	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].ID == viewerID) != (out[j].ID == viewerID) {
			return out[i].ID == viewerID
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

func cloneEvents(events []Event) []Event {
	if events == nil {
		return []Event{}
	}
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

// EventFields is the user-submitted part of a new event.
type EventFields struct {
	Artist      string `json:"artist" validate:"required,max=200"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Venue       string `json:"venue" validate:"required,max=200"`
	Description string `json:"description,omitempty" validate:"omitempty,max=2000"`
	ImageURL    string `json:"image_url,omitempty" validate:"omitempty,url"`
}

// Normalize trims whitespace so equal submissions share a natural key.
func (f EventFields) Normalize() EventFields {
	f.Artist = strings.TrimSpace(f.Artist)
	f.Date = strings.TrimSpace(f.Date)
	f.Venue = strings.TrimSpace(f.Venue)
	f.Description = strings.TrimSpace(f.Description)
	f.ImageURL = strings.TrimSpace(f.ImageURL)
	return f
}

func (f EventFields) Key() NaturalKey {
	return NaturalKey{Artist: f.Artist, Date: f.Date, Venue: f.Venue}
}

// ============================================================================
// Results
// ============================================================================

// Result is what every write operation resolves to. Err is always an *Error
// when set.
type Result struct {
	Success bool
	Event   *Event
	Err     error
	Write   *Write
}

func failed(err error) Result {
	return Result{Success: false, Err: err}
}
