package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Change
// ============================================================================

// Change types.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// Watched tables.
const (
	TableLives     = "lives"
	TableAttendees = "live_attendees"
	TableUsers     = "users"
)

// Change is one row change on a watched table, as delivered by the realtime
// feed or a database webhook.
type Change struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Schema    string          `json:"schema,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

type changeKeys struct {
	ID     string `json:"id"`
	LiveID string `json:"live_id"`
	UserID string `json:"user_id"`
}

func (c Change) keys() changeKeys {
	var k changeKeys
	if len(c.Record) > 0 && string(c.Record) != "null" {
		_ = json.Unmarshal(c.Record, &k)
	}
	if k.ID == "" && k.LiveID == "" && len(c.OldRecord) > 0 {
		_ = json.Unmarshal(c.OldRecord, &k)
	}
	return k
}

// EventID is the live the change concerns, if any.
func (c Change) EventID() string {
	k := c.keys()
	switch c.Table {
	case TableLives:
		return k.ID
	case TableAttendees:
		return k.LiveID
	}
	return ""
}

// UserID is the user an attendance change concerns, if any.
func (c Change) UserID() string {
	if c.Table == TableAttendees {
		return c.keys().UserID
	}
	return ""
}

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures a RealtimeFeed.
type FeedConfig struct {
	// URL is the project base URL; the websocket endpoint is derived from it.
	URL                  string
	APIKey               string
	Token                string
	Tables               []string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *slog.Logger
}

func (c *FeedConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if len(c.Tables) == 0 {
		c.Tables = []string{TableLives, TableAttendees}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// FeedState is the connection state of a RealtimeFeed.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// ============================================================================
// Wire format
// ============================================================================

const (
	feedTopic       = "realtime:public"
	phoenixTopic    = "phoenix"
	eventJoin       = "phx_join"
	eventReply      = "phx_reply"
	eventHeartbeat  = "heartbeat"
	eventChanges    = "postgres_changes"
	eventFeedError  = "phx_error"
	replyStatusOK   = "ok"
	feedWSPath      = "/realtime/v1/websocket"
	feedJoinTimeout = 10 * time.Second
)

// feedMessage is the envelope of every frame in both directions.
type feedMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type feedReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type feedChangePayload struct {
	Data Change `json:"data"`
}

type tableFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *FeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter. A connection that lived for a minute
// resets the attempt count.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeFeed
// ============================================================================

// RealtimeFeed subscribes to row changes over a websocket and hands each one
// to onChange.
type RealtimeFeed struct {
	config   FeedConfig
	onChange func(Change)
	logger   *slog.Logger
	recon    *reconnector
	ref      atomic.Int64

	mu    sync.Mutex
	state FeedState
}

func NewRealtimeFeed(config FeedConfig, onChange func(Change)) *RealtimeFeed {
	config.defaults()
	return &RealtimeFeed{
		config:   config,
		onChange: onChange,
		logger:   config.Logger.With(slog.String("component", "realtime")),
		recon:    newReconnector(&config),
		state:    FeedDisconnected,
	}
}

// State returns the current connection state.
func (f *RealtimeFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *RealtimeFeed) setState(s FeedState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Run connects and delivers changes until ctx ends. With AutoReconnect it
// redials after failures until the attempt budget is spent.
func (f *RealtimeFeed) Run(ctx context.Context) error {
	for {
		f.setState(FeedConnecting)
		err := f.session(ctx)
		if ctx.Err() != nil {
			f.setState(FeedDisconnected)
			return nil
		}
		if !f.config.AutoReconnect || !f.recon.shouldReconnect() {
			f.setState(FeedDisconnected)
			return err
		}

		delay := f.recon.nextDelay()
		f.setState(FeedReconnecting)
		f.logger.Info("realtime feed reconnecting",
			slog.Int("attempt", f.recon.attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if !sleepCtx(ctx, delay) {
			f.setState(FeedDisconnected)
			return nil
		}
	}
}

func (f *RealtimeFeed) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(f.config.URL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += feedWSPath
	q := u.Query()
	if f.config.APIKey != "" {
		q.Set("apikey", f.config.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *RealtimeFeed) nextRef() string {
	return strconv.FormatInt(f.ref.Add(1), 10)
}

func (f *RealtimeFeed) send(ctx context.Context, conn *websocket.Conn, topic, event string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	ref := f.nextRef()
	data, err := json.Marshal(feedMessage{Topic: topic, Event: event, Payload: raw, Ref: ref})
	if err != nil {
		return "", err
	}
	return ref, conn.Write(ctx, websocket.MessageText, data)
}

// session runs one connection until it fails or ctx ends.
func (f *RealtimeFeed) session(ctx context.Context) error {
	endpoint, err := f.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := f.join(ctx, conn); err != nil {
		return err
	}
	f.setState(FeedConnected)
	f.recon.markConnected()
	f.logger.Info("realtime feed connected", slog.Any("tables", f.config.Tables))

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		f.dispatch(data)
	}
}

func (f *RealtimeFeed) join(ctx context.Context, conn *websocket.Conn) error {
	filters := make([]tableFilter, len(f.config.Tables))
	for i, t := range f.config.Tables {
		filters[i] = tableFilter{Event: "*", Schema: "public", Table: t}
	}
	payload := map[string]any{
		"config": map[string]any{"postgres_changes": filters},
	}
	if f.config.Token != "" {
		payload["access_token"] = f.config.Token
	}

	joinCtx, cancel := context.WithTimeout(ctx, feedJoinTimeout)
	defer cancel()

	ref, err := f.send(joinCtx, conn, feedTopic, eventJoin, payload)
	if err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	for {
		_, data, err := conn.Read(joinCtx)
		if err != nil {
			return fmt.Errorf("read join reply: %w", err)
		}
		var msg feedMessage
		if json.Unmarshal(data, &msg) != nil || msg.Event != eventReply || msg.Ref != ref {
			continue
		}
		var reply feedReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("decode join reply: %w", err)
		}
		if reply.Status != replyStatusOK {
			return fmt.Errorf("join rejected: %s %s", reply.Status, string(reply.Response))
		}
		return nil
	}
}

func (f *RealtimeFeed) dispatch(data []byte) {
	var msg feedMessage
	if json.Unmarshal(data, &msg) != nil {
		return
	}
	switch msg.Event {
	case eventChanges:
		var p feedChangePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			f.logger.Debug("undecodable change", slog.Any("error", err))
			return
		}
		if f.onChange != nil {
			f.onChange(p.Data)
		}
	case eventFeedError:
		f.logger.Warn("realtime channel error", slog.String("payload", string(msg.Payload)))
	}
}

func (f *RealtimeFeed) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.send(ctx, conn, phoenixTopic, eventHeartbeat, struct{}{}); err != nil {
				// Heartbeat failed, force the read loop out.
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}
