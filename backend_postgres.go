package livesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ============================================================================
// Postgres backend
// ============================================================================

const (
	selectEventColumns = `
		SELECT l.id, l.artist, l.date::text, l.venue, COALESCE(l.description, ''), COALESCE(l.image_url, ''),
			l.created_by, l.created_at, l.updated_at
		FROM lives l`

	listAttendeesQuery = `
		SELECT a.live_id, a.user_id, a.joined_at, u.id, COALESCE(u.name, ''), COALESCE(u.avatar, ''), COALESCE(u.user_id, '')
		FROM live_attendees a
		LEFT JOIN users u ON u.id = a.user_id
		WHERE a.live_id::text = ANY(string_to_array($1, ','))
		ORDER BY a.joined_at`

	findEventByKeyQuery = selectEventColumns + `
		WHERE l.artist = $1 AND l.date = $2::date AND l.venue = $3
		ORDER BY l.created_at
		LIMIT 1`

	getEventQuery = selectEventColumns + `
		WHERE l.id = $1`

	insertEventQuery = `
		INSERT INTO lives (id, artist, date, venue, description, image_url, created_by)
		VALUES ($1, $2, $3::date, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		RETURNING created_at, updated_at`

	deleteEventQuery = `DELETE FROM lives WHERE id = $1`

	insertAttendeeQuery = `
		INSERT INTO live_attendees (live_id, user_id, joined_at)
		VALUES ($1, $2, now())`

	getUserQuery = `
		SELECT id, name, COALESCE(avatar, ''), COALESCE(bio, ''), COALESCE(user_id, ''),
			COALESCE(array_to_json(images), '[]')::text, COALESCE(social_links, '{}')::text,
			created_at, updated_at
		FROM users
		WHERE id = $1`

	upsertUserQuery = `
		INSERT INTO users (id, name, avatar, bio, user_id, images, social_links, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''),
			ARRAY(SELECT json_array_elements_text($6::json)), $7::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			avatar = EXCLUDED.avatar,
			bio = EXCLUDED.bio,
			user_id = EXCLUDED.user_id,
			images = EXCLUDED.images,
			social_links = EXCLUDED.social_links,
			updated_at = EXCLUDED.updated_at`
)

// PostgresBackend reads and writes the tables directly over database/sql.
type PostgresBackend struct {
	db *sql.DB
}

// OpenPostgres opens a pgx-backed pool for dsn and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresBackend(db), nil
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresBackend) ListEvents(ctx context.Context, q EventQuery) ([]EventRow, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.AttendeeID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM live_attendees a WHERE a.live_id = l.id AND a.user_id = "+arg(q.AttendeeID)+")")
	}
	if q.CreatedBy != "" {
		where = append(where, "l.created_by = "+arg(q.CreatedBy))
	}
	if term := strings.TrimSpace(q.Search); term != "" {
		n := arg("%" + escapeLike(term) + "%")
		where = append(where, "(l.artist ILIKE "+n+" OR l.venue ILIKE "+n+")")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := selectEventColumns
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY l.date DESC, l.created_at DESC\n\t\tLIMIT " + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]EventRow, 0)
	for rows.Next() {
		r, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRow(s rowScanner) (EventRow, error) {
	var r EventRow
	err := s.Scan(&r.ID, &r.Artist, &r.Date, &r.Venue, &r.Description, &r.ImageURL, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (p *PostgresBackend) ListAttendees(ctx context.Context, eventIDs []string) ([]AttendeeRow, error) {
	if len(eventIDs) == 0 {
		return []AttendeeRow{}, nil
	}
	rows, err := p.db.QueryContext(ctx, listAttendeesQuery, strings.Join(eventIDs, ","))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AttendeeRow, 0)
	for rows.Next() {
		var (
			a      AttendeeRow
			userID sql.NullString
			user   Attendee
		)
		if err := rows.Scan(&a.EventID, &a.UserID, &a.JoinedAt, &userID, &user.Name, &user.Avatar, &user.Handle); err != nil {
			return nil, err
		}
		if userID.Valid {
			user.ID = userID.String
			a.User = &user
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) FindEventByKey(ctx context.Context, key NaturalKey) (*EventRow, error) {
	r, err := scanEventRow(p.db.QueryRowContext(ctx, findEventByKeyQuery, key.Artist, key.Date, key.Venue))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresBackend) GetEvent(ctx context.Context, id string) (*EventRow, error) {
	r, err := scanEventRow(p.db.QueryRowContext(ctx, getEventQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get event", "event %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresBackend) InsertEvent(ctx context.Context, fields EventFields, createdBy string) (*EventRow, error) {
	r := EventRow{
		ID:          uuid.NewString(),
		Artist:      fields.Artist,
		Date:        fields.Date,
		Venue:       fields.Venue,
		Description: fields.Description,
		ImageURL:    fields.ImageURL,
		CreatedBy:   createdBy,
	}
	err := p.db.QueryRowContext(ctx, insertEventQuery,
		r.ID, r.Artist, r.Date, r.Venue, r.Description, r.ImageURL, r.CreatedBy,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresBackend) DeleteEvent(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, deleteEventQuery, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("delete event", "event %s", id)
	}
	return nil
}

func (p *PostgresBackend) InsertAttendee(ctx context.Context, eventID, userID string) error {
	_, err := p.db.ExecContext(ctx, insertAttendeeQuery, eventID, userID)
	return err
}

func (p *PostgresBackend) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		u      User
		images string
		social string
	)
	err := p.db.QueryRowContext(ctx, getUserQuery, id).Scan(
		&u.ID, &u.Name, &u.Avatar, &u.Bio, &u.Handle, &images, &social, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get user", "user %s", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(images), &u.Images); err != nil {
		return nil, fmt.Errorf("decode images: %w", err)
	}
	if err := json.Unmarshal([]byte(social), &u.SocialLinks); err != nil {
		return nil, fmt.Errorf("decode social links: %w", err)
	}
	return &u, nil
}

func (p *PostgresBackend) UpsertUser(ctx context.Context, u *User) error {
	images := u.Images
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}
	socialJSON, err := json.Marshal(u.SocialLinks)
	if err != nil {
		return fmt.Errorf("encode social links: %w", err)
	}
	_, err = p.db.ExecContext(ctx, upsertUserQuery,
		u.ID, u.Name, u.Avatar, u.Bio, u.Handle, string(imagesJSON), string(socialJSON),
	)
	return err
}
