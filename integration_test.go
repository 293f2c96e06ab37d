//go:build integration

package livesync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/livelog-app/livesync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helpers ---------------------------------------------------------------

func databaseURL(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LIVESYNC_DATABASE_URL_TEST")
	if dsn == "" {
		t.Fatal("LIVESYNC_DATABASE_URL_TEST environment variable is required")
	}
	return dsn
}

func redisAddr() string {
	if v := os.Getenv("LIVESYNC_REDIS_ADDR_TEST"); v != "" {
		return v
	}
	return "localhost:6379"
}

func openBackend(t *testing.T) *livesync.PostgresBackend {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := livesync.OpenPostgres(ctx, databaseURL(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func newSyncer(t *testing.T, b livesync.Backend, driver livesync.Driver) *livesync.Syncer {
	t.Helper()
	s := livesync.New(b, driver,
		livesync.WithSettleDelay(200*time.Millisecond),
		livesync.WithRevalidation(time.Hour, time.Hour),
	)
	t.Cleanup(s.Close)
	return s
}

// signIn waits for the users row so attendance inserts satisfy the foreign key.
func signIn(t *testing.T, s *livesync.Syncer, b livesync.Backend, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Session().SignIn(ctx, &livesync.User{ID: id, Name: id}))
	require.Eventually(t, func() bool {
		_, err := b.GetUser(ctx, id)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	s.Wait()
}

// =======================================================================
// Group 1: Backend
// =======================================================================

func TestIntegrationBackend(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()
	user := uniqueName("user")

	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.UpsertUser(ctx, &livesync.User{ID: user, Name: "Integration"}))

	fields := livesync.EventFields{Artist: uniqueName("artist"), Date: "2030-01-01", Venue: "Test Hall"}
	row, err := b.InsertEvent(ctx, fields, user)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.DeleteEvent(context.Background(), row.ID) })

	_, err = b.InsertEvent(ctx, fields, user)
	assert.Equal(t, livesync.KindDuplicate, livesync.KindOf(livesync.Classify("insert", err)))

	found, err := b.FindEventByKey(ctx, fields.Key())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, row.ID, found.ID)

	require.NoError(t, b.InsertAttendee(ctx, row.ID, user))
	err = b.InsertAttendee(ctx, row.ID, user)
	assert.Equal(t, livesync.KindDuplicate, livesync.KindOf(livesync.Classify("join", err)))

	attendees, err := b.ListAttendees(ctx, []string{row.ID})
	require.NoError(t, err)
	require.Len(t, attendees, 1)
	require.NotNil(t, attendees[0].User)
	assert.Equal(t, "Integration", attendees[0].User.Name)

	mine, err := b.ListEvents(ctx, livesync.EventQuery{AttendeeID: user})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, row.ID, mine[0].ID)
}

// =======================================================================
// Group 2: Sync layer over Postgres and Redis
// =======================================================================

func TestIntegrationConcurrentCreate(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	alice := newSyncer(t, b, livesync.NewMemoryStorage())
	bob := newSyncer(t, b, livesync.NewMemoryStorage())
	aliceID, bobID := uniqueName("alice"), uniqueName("bob")
	signIn(t, alice, b, aliceID)
	signIn(t, bob, b, bobID)

	fields := livesync.EventFields{Artist: uniqueName("artist"), Date: "2030-02-01", Venue: "Race Arena"}
	results := make(chan livesync.Result, 2)
	for _, s := range []*livesync.Syncer{alice, bob} {
		go func(s *livesync.Syncer) {
			results <- s.Events(livesync.CollectionAll).Create(ctx, fields)
		}(s)
	}
	a, c := <-results, <-results
	require.True(t, a.Success, "%v", a.Err)
	require.True(t, c.Success, "%v", c.Err)
	assert.Equal(t, a.Event.ID, c.Event.ID)
	t.Cleanup(func() { _ = b.DeleteEvent(context.Background(), a.Event.ID) })

	alice.Wait()
	bob.Wait()
	attendees, err := b.ListAttendees(ctx, []string{a.Event.ID})
	require.NoError(t, err)
	ids := []string{}
	for _, row := range attendees {
		ids = append(ids, row.UserID)
	}
	assert.ElementsMatch(t, []string{aliceID, bobID}, ids)
}

func TestIntegrationRedisStore(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	prefix := uniqueName("livesync_test")
	driver, err := livesync.NewRedisStorage(ctx, livesync.RedisOptions{Addr: redisAddr(), Prefix: prefix, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })

	user := uniqueName("user")
	s := newSyncer(t, b, driver)
	signIn(t, s, b, user)

	res := s.Events(livesync.CollectionAll).Create(ctx, livesync.EventFields{
		Artist: uniqueName("artist"), Date: "2030-03-01", Venue: "Cache Club",
	})
	require.True(t, res.Success, "%v", res.Err)
	t.Cleanup(func() { _ = b.DeleteEvent(context.Background(), res.Event.ID) })
	s.Wait()
	require.NoError(t, s.Events(livesync.CollectionMine).Refresh(ctx))
	s.Close()

	// A second process over the same Redis sees the session and the list.
	next := newSyncer(t, b, driver)
	next.Start(ctx)
	require.NotNil(t, next.Session().Current())
	assert.Equal(t, user, next.Session().Current().ID)
	snap := next.Events(livesync.CollectionMine).Snapshot()
	require.NotEmpty(t, snap.Items)
	assert.Equal(t, res.Event.ID, snap.Items[0].ID)

	next.Session().SignOut()
	var u livesync.User
	assert.False(t, next.Store().GetGlobal("current_user", &u))
}
