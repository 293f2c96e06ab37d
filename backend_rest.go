package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// REST backend
// ============================================================================

const (
	DefaultRESTTimeout = 30 * time.Second

	restPrefix      = "/rest/v1/"
	authUserPath    = "/auth/v1/user"
	eventColumns    = "id,artist,date,venue,description,image_url,created_by,created_at,updated_at"
	attendeeColumns = "live_id,user_id,joined_at,users(id,name,avatar,user_id)"
	userColumns     = "id,name,avatar,bio,user_id,images,social_links,created_at,updated_at"
)

// RESTBackend talks to a PostgREST-style HTTP API exposing the users, lives
// and live_attendees tables, plus a GoTrue-style auth endpoint.
type RESTBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type RESTOption func(*RESTBackend)

func WithHTTPClient(client *http.Client) RESTOption {
	return func(b *RESTBackend) { b.httpClient = client }
}

func WithRequestTimeout(timeout time.Duration) RESTOption {
	return func(b *RESTBackend) { b.httpClient.Timeout = timeout }
}

// WithAccessToken sets the user's bearer token. Without one requests are made
// with the anon key only.
func WithAccessToken(token string) RESTOption {
	return func(b *RESTBackend) { b.token = token }
}

// NewRESTBackend creates a backend for the project at baseURL.
func NewRESTBackend(baseURL, apiKey string, opts ...RESTOption) *RESTBackend {
	b := &RESTBackend{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultRESTTimeout},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetToken replaces the bearer token, e.g. after a sign-in.
func (b *RESTBackend) SetToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

// ============================================================================
// Internal request helper
// ============================================================================

type restRequest struct {
	method string
	path   string
	query  url.Values
	body   interface{}
	prefer string
}

func (b *RESTBackend) doRequest(ctx context.Context, r restRequest) ([]byte, error) {
	u := b.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}
	if b.apiKey != "" {
		req.Header.Set("apikey", b.apiKey)
	}
	b.mu.RLock()
	token := b.token
	b.mu.RUnlock()
	if token == "" {
		token = b.apiKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if len(data) > 0 {
			// Non-JSON bodies still carry the status.
			_ = json.Unmarshal(data, apiErr)
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (T, error) {
	var result T
	if len(bytes.TrimSpace(data)) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// inList renders a PostgREST in.(...) filter with quoted values.
func inList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}

// likePattern escapes PostgREST reserved characters in a search term.
func likePattern(term string) string {
	r := strings.NewReplacer(",", " ", "(", " ", ")", " ", "*", " ", "%", " ")
	return "*" + strings.TrimSpace(r.Replace(term)) + "*"
}

// ============================================================================
// Backend methods
// ============================================================================

func (b *RESTBackend) Ping(ctx context.Context) error {
	q := url.Values{"select": {"id"}, "limit": {"1"}}
	_, err := b.doRequest(ctx, restRequest{method: http.MethodGet, path: restPrefix + "lives", query: q})
	return err
}

func (b *RESTBackend) ListEvents(ctx context.Context, eq EventQuery) ([]EventRow, error) {
	q := url.Values{
		"select": {eventColumns},
		"order":  {"date.desc,created_at.desc"},
	}
	limit := eq.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q.Set("limit", strconv.Itoa(limit))

	if eq.AttendeeID != "" {
		ids, err := b.attendedEventIDs(ctx, eq.AttendeeID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return []EventRow{}, nil
		}
		q.Set("id", inList(ids))
	}
	if eq.CreatedBy != "" {
		q.Set("created_by", "eq."+eq.CreatedBy)
	}
	if term := strings.TrimSpace(eq.Search); term != "" {
		p := likePattern(term)
		q.Set("or", "(artist.ilike."+p+",venue.ilike."+p+")")
	}

	data, err := b.doRequest(ctx, restRequest{method: http.MethodGet, path: restPrefix + "lives", query: q})
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]EventRow](data)
}

func (b *RESTBackend) attendedEventIDs(ctx context.Context, userID string) ([]string, error) {
	q := url.Values{"select": {"live_id"}, "user_id": {"eq." + userID}}
	data, err := b.doRequest(ctx, restRequest{method: http.MethodGet, path: restPrefix + "live_attendees", query: q})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]AttendeeRow](data)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.EventID)
	}
	return ids, nil
}

func (b *RESTBackend) ListAttendees(ctx context.Context, eventIDs []string) ([]AttendeeRow, error) {
	if len(eventIDs) == 0 {
		return []AttendeeRow{}, nil
	}
	q := url.Values{
		"select":  {attendeeColumns},
		"live_id": {inList(eventIDs)},
		"order":   {"joined_at.asc"},
	}
	data, err := b.doRequest(ctx, restRequest{method: http.MethodGet, path: restPrefix + "live_attendees", query: q})
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]AttendeeRow](data)
}

func (b *RESTBackend) FindEventByKey(ctx context.Context, key NaturalKey) (*EventRow, error) {
	q := url.Values{
		"select": {eventColumns},
		"artist": {"eq." + key.Artist},
		"date":   {"eq." + key.Date},
		"venue":  {"eq." + key.Venue},
		"order":  {"created_at.asc"},
		"limit":  {"1"},
	}
	rows, err := b.listEventRows(ctx, q)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (b *RESTBackend) GetEvent(ctx context.Context, id string) (*EventRow, error) {
	q := url.Values{"select": {eventColumns}, "id": {"eq." + id}, "limit": {"1"}}
	rows, err := b.listEventRows(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, notFound("get event", "event %s", id)
	}
	return &rows[0], nil
}

func (b *RESTBackend) listEventRows(ctx context.Context, q url.Values) ([]EventRow, error) {
	data, err := b.doRequest(ctx, restRequest{method: http.MethodGet, path: restPrefix + "lives", query: q})
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]EventRow](data)
}

type eventInsert struct {
	Artist      string `json:"artist"`
	Date        string `json:"date"`
	Venue       string `json:"venue"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	CreatedBy   string `json:"created_by"`
}

func (b *RESTBackend) InsertEvent(ctx context.Context, fields EventFields, createdBy string) (*EventRow, error) {
	body := eventInsert{
		Artist:      fields.Artist,
		Date:        fields.Date,
		Venue:       fields.Venue,
		Description: fields.Description,
		ImageURL:    fields.ImageURL,
		CreatedBy:   createdBy,
	}
	data, err := b.doRequest(ctx, restRequest{
		method: http.MethodPost,
		path:   restPrefix + "lives",
		query:  url.Values{"select": {eventColumns}},
		body:   body,
		prefer: "return=representation",
	})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]EventRow](data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert event: empty representation")
	}
	return &rows[0], nil
}

func (b *RESTBackend) DeleteEvent(ctx context.Context, id string) error {
	data, err := b.doRequest(ctx, restRequest{
		method: http.MethodDelete,
		path:   restPrefix + "lives",
		query:  url.Values{"id": {"eq." + id}, "select": {"id"}},
		prefer: "return=representation",
	})
	if err != nil {
		return err
	}
	rows, err := decodeJSON[[]EventRow](data)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		// Row-level security hides rows the caller may not delete.
		return notFound("delete event", "event %s", id)
	}
	return nil
}

func (b *RESTBackend) InsertAttendee(ctx context.Context, eventID, userID string) error {
	_, err := b.doRequest(ctx, restRequest{
		method: http.MethodPost,
		path:   restPrefix + "live_attendees",
		body:   map[string]string{"live_id": eventID, "user_id": userID},
		prefer: "return=minimal",
	})
	return err
}

func (b *RESTBackend) GetUser(ctx context.Context, id string) (*User, error) {
	q := url.Values{"select": {userColumns}, "id": {"eq." + id}, "limit": {"1"}}
	data, err := b.doRequest(ctx, restRequest{method: http.MethodGet, path: restPrefix + "users", query: q})
	if err != nil {
		return nil, err
	}
	users, err := decodeJSON[[]User](data)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, notFound("get user", "user %s", id)
	}
	return &users[0], nil
}

type userUpsert struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Avatar      string      `json:"avatar,omitempty"`
	Bio         string      `json:"bio,omitempty"`
	Handle      *string     `json:"user_id"`
	Images      []string    `json:"images"`
	SocialLinks SocialLinks `json:"social_links"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func newUserUpsert(u *User) userUpsert {
	up := userUpsert{
		ID:          u.ID,
		Name:        u.Name,
		Avatar:      u.Avatar,
		Bio:         u.Bio,
		Images:      u.Images,
		SocialLinks: u.SocialLinks,
		UpdatedAt:   time.Now().UTC(),
	}
	if up.Images == nil {
		up.Images = []string{}
	}
	if u.Handle != "" {
		h := u.Handle
		up.Handle = &h
	}
	return up
}

func (b *RESTBackend) UpsertUser(ctx context.Context, u *User) error {
	_, err := b.doRequest(ctx, restRequest{
		method: http.MethodPost,
		path:   restPrefix + "users",
		query:  url.Values{"on_conflict": {"id"}},
		body:   newUserUpsert(u),
		prefer: "resolution=merge-duplicates,return=minimal",
	})
	return err
}

// ============================================================================
// Authenticator
// ============================================================================

type authUser struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Validate asks the auth endpoint who the bearer token belongs to.
func (b *RESTBackend) Validate(ctx context.Context) (*Session, error) {
	data, err := b.doRequest(ctx, restRequest{method: http.MethodGet, path: authUserPath})
	if err != nil {
		return nil, err
	}
	u, err := decodeJSON[authUser](data)
	if err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, &APIError{Status: http.StatusUnauthorized, AuthError: "session_not_found"}
	}
	return &Session{UserID: u.ID}, nil
}
