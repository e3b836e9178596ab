package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisStore(t *testing.T, clock *fakeClock) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(clock.Now())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test")
}

func stores(t *testing.T, clock *fakeClock) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t, clock),
	}
}

func TestBounds(t *testing.T) {
	now := time.Date(2024, 2, 29, 13, 45, 30, 0, time.UTC)
	cases := []struct {
		res        Resolution
		start, end time.Time
	}{
		{Minute, time.Date(2024, 2, 29, 13, 45, 0, 0, time.UTC), time.Date(2024, 2, 29, 13, 46, 0, 0, time.UTC)},
		{Hour, time.Date(2024, 2, 29, 13, 0, 0, 0, time.UTC), time.Date(2024, 2, 29, 14, 0, 0, 0, time.UTC)},
		{Day, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{Month, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		start, end := tc.res.Bounds(now)
		assert.Equal(t, tc.start, start, string(tc.res))
		assert.Equal(t, tc.end, end, string(tc.res))
	}
}

func TestUsageIsMonotonicUntilBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Hour).Add(10 * time.Minute)}
	for name, store := range stores(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := NewLimiter(store, Options{Scope: "quota", Now: clock.Now})
			limits := []Limit{{Resolution: Hour, Max: 100}}

			for i := 1; i <= 5; i++ {
				require.NoError(t, l.Consume(ctx, "tenant-"+name, limits, 3))
				dec, err := l.Check(ctx, "tenant-"+name, limits, 0)
				require.NoError(t, err)
				assert.Equal(t, int64(i*3), dec.Windows[0].Used)
			}
		})
	}
}

func TestLazyResetAtWindowBoundary(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 59, 0, 0, time.UTC)}
	store := NewMemoryStore()
	l := NewLimiter(store, Options{Scope: "quota", DenyKind: apperr.KindQuotaExceeded, Now: clock.Now})
	limits := []Limit{{Resolution: Hour, Max: 2}}

	require.NoError(t, l.Consume(ctx, "t", limits, 2))
	err := l.Consume(ctx, "t", limits, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))
	assert.Equal(t, time.Minute, apperr.RetryAfterOf(err))

	clock.Advance(time.Minute)
	dec, err := l.Check(ctx, "t", limits, 1)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(0), dec.Windows[0].Used)
	require.NoError(t, l.Consume(ctx, "t", limits, 1))
	dec, err = l.Usage(ctx, "t", limits)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dec.Windows[0].Used)
}

func TestCheckDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryStore(), Options{})
	limits := []Limit{{Resolution: Minute, Max: 1}}
	for i := 0; i < 10; i++ {
		dec, err := l.Check(ctx, "k", limits, 1)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}
}

func TestCheckDeniesWithRetryAfter(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 45, 0, time.UTC)}
	l := NewLimiter(NewMemoryStore(), Options{Now: clock.Now})
	limits := []Limit{{Resolution: Minute, Max: 1}, {Resolution: Day, Max: 100}}

	require.NoError(t, l.Consume(ctx, "k", limits, 1))
	dec, err := l.Check(ctx, "k", limits, 1)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, Minute, dec.DeniedBy)
	assert.Equal(t, 15*time.Second, dec.RetryAfter)
}

func TestWarningsAreAdvisory(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryStore(), Options{})
	limits := []Limit{{Resolution: Day, Max: 10}}

	require.NoError(t, l.Consume(ctx, "k", limits, 7))
	dec, err := l.Check(ctx, "k", limits, 1)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	require.Len(t, dec.Warnings, 1)
	assert.Equal(t, WarnApproaching, dec.Warnings[0].Level)

	dec, err = l.Check(ctx, "k", limits, 2)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	require.Len(t, dec.Warnings, 1)
	assert.Equal(t, WarnNear, dec.Warnings[0].Level)

	dec, err = l.Check(ctx, "k", limits, 0)
	require.NoError(t, err)
	assert.Empty(t, dec.Warnings)
}

func TestUnlimitedBypassesStore(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryStore(), Options{})
	limits := []Limit{{Resolution: Hour, Max: 0}}
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Consume(ctx, "k", limits, 1))
	}
	dec, err := l.Usage(ctx, "k", limits)
	require.NoError(t, err)
	assert.True(t, dec.Windows[0].Unlimited)
	assert.Equal(t, int64(0), dec.Windows[0].Used)
}

func TestDeniedConsumeRollsBackEarlierWindows(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryStore(), Options{})
	limits := []Limit{{Resolution: Minute, Max: 100}, {Resolution: Hour, Max: 1}}

	require.NoError(t, l.Consume(ctx, "k", limits, 1))
	require.Error(t, l.Consume(ctx, "k", limits, 1))

	dec, err := l.Usage(ctx, "k", limits)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dec.Windows[0].Used)
	assert.Equal(t, int64(1), dec.Windows[1].Used)
}

func TestConcurrentCheckAndConsumeStaysWithinSlop(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	for name, store := range stores(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := NewLimiter(store, Options{Scope: "quota", DenyKind: apperr.KindQuotaExceeded, Now: clock.Now})
			limits := []Limit{{Resolution: Day, Max: 50}}

			var wg sync.WaitGroup
			var admitted int64
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					dec, err := l.Check(ctx, "tenant", limits, 1)
					if err != nil || !dec.Allowed {
						return
					}
					if l.Consume(ctx, "tenant", limits, 1) == nil {
						atomic.AddInt64(&admitted, 1)
					}
				}()
			}
			wg.Wait()

			dec, err := l.Usage(ctx, "tenant", limits)
			require.NoError(t, err)
			assert.LessOrEqual(t, dec.Windows[0].Used, int64(50)+l.Slop())
			assert.Equal(t, admitted, dec.Windows[0].Used)
		})
	}
}

func TestSlopAllowsBoundedOverAdmission(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryStore(), Options{Slop: 2})
	limits := []Limit{{Resolution: Day, Max: 5}}
	ok := 0
	for i := 0; i < 20; i++ {
		if l.Consume(ctx, "k", limits, 1) == nil {
			ok++
		}
	}
	assert.Equal(t, 7, ok)
}

func TestSweepDropsExpiredCounters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	_, _, err := store.IncrBy(ctx, SlotFor("a", Minute, now), 1, -1)
	require.NoError(t, err)
	_, _, err = store.IncrBy(ctx, SlotFor("b", Day, now), 1, -1)
	require.NoError(t, err)

	assert.Equal(t, 1, store.Sweep(now.Add(2*time.Minute)))
	used, err := store.Get(ctx, SlotFor("b", Day, now))
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)
}

func TestLateWriteForClosedWindowKeepsLiveCount(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)}
	for name, store := range stores(t, clock) {
		t.Run(name, func(t *testing.T) {
			closed := SlotFor("late", Minute, clock.Now())
			live := SlotFor("late", Minute, clock.Now().Add(time.Minute))

			_, _, err := store.IncrBy(ctx, closed, 2, -1)
			require.NoError(t, err)
			_, _, err = store.IncrBy(ctx, live, 3, -1)
			require.NoError(t, err)

			_, _, err = store.IncrBy(ctx, closed, -1, -1)
			require.NoError(t, err)
			_, ok, err := store.IncrBy(ctx, closed, 1, 10)
			require.NoError(t, err)
			assert.True(t, ok)

			used, err := store.Get(ctx, live)
			require.NoError(t, err)
			assert.Equal(t, int64(3), used)
		})
	}
}

func TestRefundTargetsAdmittedWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 59, 45, 0, time.UTC)}
	for name, store := range stores(t, clock) {
		t.Run(name, func(t *testing.T) {
			l := NewLimiter(store, Options{Scope: "quota", DenyKind: apperr.KindQuotaExceeded, Now: clock.Now})
			limits := []Limit{{Resolution: Hour, Max: 5}, {Resolution: Day, Max: 50}, {Resolution: Month}}
			key := "refund-" + name

			dec, err := l.Admit(ctx, key, limits, 1)
			require.NoError(t, err)
			assert.Equal(t, clock.Now(), dec.At)

			clock.Advance(time.Minute)
			require.NoError(t, l.Consume(ctx, key, limits, 2))
			require.NoError(t, l.Refund(ctx, key, limits, 1, dec.At))

			usage, err := l.Usage(ctx, key, limits)
			require.NoError(t, err)
			assert.Equal(t, int64(2), usage.Windows[0].Used)
			assert.Equal(t, int64(2), usage.Windows[1].Used)
		})
	}
}
