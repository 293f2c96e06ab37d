package livesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHealth(t *testing.T, b *fakeBackend, store *KeyValueStore, clock *fakeClock) *HealthMonitor {
	t.Helper()
	h := NewHealthMonitor(b, store, HealthOptions{
		LongTTL:      15 * time.Minute,
		ShortTTL:     30 * time.Second,
		ProbeTimeout: 200 * time.Millisecond,
		Clock:        clock.Now,
		Logger:       discardLogger(),
	})
	t.Cleanup(h.Close)
	return h
}

func TestHealthCheckUsesTTLs(t *testing.T) {
	b := newFakeBackend()
	clock := newFakeClock()
	h := newTestHealth(t, b, newTestStore(), clock)
	ctx := context.Background()

	st := h.CheckHealth(ctx)
	assert.True(t, st.Healthy)
	assert.False(t, st.Cached)
	assert.Equal(t, 1, b.count(opPing))

	// A verified success is trusted for the long TTL.
	clock.Advance(10 * time.Minute)
	st = h.CheckHealth(ctx)
	assert.True(t, st.Healthy)
	assert.True(t, st.Cached)
	assert.Equal(t, 1, b.count(opPing))

	// Past the long TTL a new probe runs; this one fails.
	clock.Advance(6 * time.Minute)
	b.failAlways(opPing, errConnRefused)
	st = h.CheckHealth(ctx)
	assert.False(t, st.Healthy)
	assert.Equal(t, 2, b.count(opPing))

	// A failure is reused for the short TTL.
	clock.Advance(10 * time.Second)
	st = h.CheckHealth(ctx)
	assert.False(t, st.Healthy)
	assert.True(t, st.Cached)
	assert.Equal(t, 2, b.count(opPing))

	clock.Advance(25 * time.Second)
	b.failAlways(opPing, nil)
	st = h.CheckHealth(ctx)
	assert.True(t, st.Healthy)
	assert.Equal(t, 3, b.count(opPing))
}

func TestHealthProbeTimeout(t *testing.T) {
	b := newFakeBackend()
	release := b.block(opPing)
	defer release()
	h := newTestHealth(t, b, newTestStore(), newFakeClock())

	start := time.Now()
	st := h.CheckHealth(context.Background())
	assert.False(t, st.Healthy)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHealthConcurrentChecksShareOneProbe(t *testing.T) {
	b := newFakeBackend()
	release := b.block(opPing)
	h := newTestHealth(t, b, newTestStore(), newFakeClock())

	var wg sync.WaitGroup
	results := make([]HealthStatus, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.CheckHealth(context.Background())
		}(i)
	}
	eventually(t, func() bool { return b.count(opPing) == 1 }, "probe started")
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, b.count(opPing))
	for _, r := range results {
		assert.True(t, r.Healthy)
	}
}

func TestHealthCachedStatusNeverBlocks(t *testing.T) {
	b := newFakeBackend()
	release := b.block(opPing)
	defer release()
	clock := newFakeClock()
	h := newTestHealth(t, b, newTestStore(), clock)

	h.RecordFailure()
	clock.Advance(time.Minute)

	start := time.Now()
	assert.False(t, h.CachedStatus())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	eventually(t, func() bool { return b.count(opPing) == 1 }, "background probe started")

	// A second call while the probe is in flight does not start another.
	assert.False(t, h.CachedStatus())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.count(opPing))
}

func TestHealthRecordAndPersist(t *testing.T) {
	b := newFakeBackend()
	store := newTestStore()
	clock := newFakeClock()
	h := newTestHealth(t, b, store, clock)

	var changes []bool
	n := newNotifier(discardLogger())
	n.On(EventHealthChanged, func(_ string, p any) { changes = append(changes, p.(bool)) })
	h.notifier = n

	h.RecordFailure()
	assert.False(t, h.CachedStatus())
	h.RecordSuccess()
	assert.True(t, h.CachedStatus())
	assert.Equal(t, []bool{false, true}, changes)

	// The verdict survives a restart through the global store.
	var rec healthRecord
	require.True(t, store.GetGlobal(keyHealth, &rec))
	assert.True(t, rec.Healthy)

	h2 := newTestHealth(t, b, store, clock)
	st := h2.CheckHealth(context.Background())
	assert.True(t, st.Cached)
	assert.Equal(t, 0, b.count(opPing))

	h2.Reset()
	assert.False(t, store.GetGlobal(keyHealth, &rec))
}

func TestHealthFailureVoidsLongTTL(t *testing.T) {
	b := newFakeBackend()
	clock := newFakeClock()
	h := newTestHealth(t, b, newTestStore(), clock)

	h.RecordSuccess()
	h.RecordFailure()
	clock.Advance(time.Minute)

	b.failAlways(opPing, errConnRefused)
	st := h.CheckHealth(context.Background())
	assert.False(t, st.Healthy)
	assert.False(t, st.Cached)
	assert.Equal(t, 1, b.count(opPing))
}
