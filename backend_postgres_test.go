package livesync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventColumnNames = []string{"id", "artist", "date", "venue", "description", "image_url", "created_by", "created_at", "updated_at"}

func newMockPostgres(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return NewPostgresBackend(db), mock
}

func TestPostgresPing(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectPing()
	require.NoError(t, p.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListEvents(t *testing.T) {
	p, mock := newMockPostgres(t)
	created := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM lives l\s+WHERE EXISTS \(SELECT 1 FROM live_attendees a WHERE a.live_id = l.id AND a.user_id = \$1\) AND \(l.artist ILIKE \$2 OR l.venue ILIKE \$2\)\s+ORDER BY l.date DESC, l.created_at DESC\s+LIMIT \$3`).
		WithArgs("user-001", `%50\%%`, 20).
		WillReturnRows(sqlmock.NewRows(eventColumnNames).
			AddRow("live-001", "Aimyon", "2024-05-01", "Budokan", "", "", "user-001", created, created))

	rows, err := p.ListEvents(context.Background(), EventQuery{AttendeeID: "user-001", Search: " 50% ", Limit: 20})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Budokan", rows[0].Venue)
	assert.Equal(t, created, rows[0].CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListEventsDefaultLimit(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`FROM lives l\s+ORDER BY`).
		WithArgs(DefaultListLimit).
		WillReturnRows(sqlmock.NewRows(eventColumnNames))

	rows, err := p.ListEvents(context.Background(), EventQuery{})
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListAttendees(t *testing.T) {
	p, mock := newMockPostgres(t)
	joined := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM live_attendees a`).
		WithArgs("live-001,live-002").
		WillReturnRows(sqlmock.NewRows([]string{"live_id", "user_id", "joined_at", "id", "name", "avatar", "handle"}).
			AddRow("live-001", "user-001", joined, "user-001", "Alice", "", "alice").
			AddRow("live-002", "user-002", joined, nil, "", "", ""))

	rows, err := p.ListAttendees(context.Background(), []string{"live-001", "live-002"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].User)
	assert.Equal(t, "Alice", rows[0].User.Name)
	assert.Nil(t, rows[1].User, "attendee without a users row")
	require.NoError(t, mock.ExpectationsWereMet())

	empty, err := p.ListAttendees(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPostgresFindEventByKey(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`WHERE l.artist = \$1 AND l.date = \$2::date AND l.venue = \$3`).
		WithArgs("Aimyon", "2024-05-01", "Budokan").
		WillReturnRows(sqlmock.NewRows(eventColumnNames))

	row, err := p.FindEventByKey(context.Background(), NaturalKey{Artist: "Aimyon", Date: "2024-05-01", Venue: "Budokan"})
	require.NoError(t, err)
	assert.Nil(t, row)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetEventNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`WHERE l.id = \$1`).
		WithArgs("live-404").
		WillReturnError(sql.ErrNoRows)

	_, err := p.GetEvent(context.Background(), "live-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresInsertEvent(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO lives`).
		WithArgs(sqlmock.AnyArg(), "Aimyon", "2024-05-01", "Budokan", "", "", "user-001").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	row, err := p.InsertEvent(context.Background(), EventFields{Artist: "Aimyon", Date: "2024-05-01", Venue: "Budokan"}, "user-001")
	require.NoError(t, err)
	assert.NotEmpty(t, row.ID)
	assert.Equal(t, now, row.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertEventDuplicate(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`INSERT INTO lives`).WillReturnError(errUniqueKey)

	_, err := p.InsertEvent(context.Background(), EventFields{Artist: "Aimyon", Date: "2024-05-01", Venue: "Budokan"}, "user-001")
	assert.Equal(t, KindDuplicate, Classify("insert event", err).Kind)
}

func TestPostgresDeleteEvent(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(`DELETE FROM lives WHERE id = \$1`).
		WithArgs("live-001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM lives WHERE id = \$1`).
		WithArgs("live-404").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.DeleteEvent(context.Background(), "live-001"))
	assert.ErrorIs(t, p.DeleteEvent(context.Background(), "live-404"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertAttendeeSchemaMissing(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(`INSERT INTO live_attendees`).
		WithArgs("live-001", "user-001").
		WillReturnError(errNoTable)

	err := p.InsertAttendee(context.Background(), "live-001", "user-001")
	assert.Equal(t, KindSchemaMissing, Classify("join", err).Kind)
}

func TestPostgresUsers(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM users\s+WHERE id = \$1`).
		WithArgs("user-001").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "avatar", "bio", "user_id", "images", "social_links", "created_at", "updated_at"}).
			AddRow("user-001", "Alice", "", "hi", "alice", `["a.png"]`, `{"instagram":"alice"}`, now, now))
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("user-001", "Alice", "", "hi", "alice", `["a.png"]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u, err := p.GetUser(context.Background(), "user-001")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png"}, u.Images)
	assert.Equal(t, "alice", u.SocialLinks.Instagram)

	require.NoError(t, p.UpsertUser(context.Background(), u))
	require.NoError(t, mock.ExpectationsWereMet())
}
