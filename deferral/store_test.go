package deferral

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*FileStore, *fakeClock) {
	log := zerolog.Nop()
	store := NewFileStore(filepath.Join(t.TempDir(), "updates", DefaultFileName), time.Hour*24, &log)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.Now = clock.Now
	return store, clock
}

func TestDeferUpToLimit(t *testing.T) {
	ctx := context.Background()
	for _, max := range []int{1, 3, 5} {
		store, _ := newTestStore(t)
		limits := Limits{MaxDeferrals: max, ForcedAfter: NoForcedDeadline}

		for i := 1; i <= max; i++ {
			ok, err := store.Defer(ctx, "2.0.0", limits)
			require.NoError(t, err)
			require.True(t, ok, "deferral %d of %d", i, max)
			require.Equal(t, i, store.State(ctx, "2.0.0").DeferralCount)
		}

		before := store.State(ctx, "2.0.0")
		ok, err := store.Defer(ctx, "2.0.0", limits)
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, before, store.State(ctx, "2.0.0"))
	}
}

func TestDeferStampsTimes(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	start := clock.now

	ok, err := store.Defer(ctx, "2.0.0", Limits{MaxDeferrals: 3, ForcedAfter: NoForcedDeadline})
	require.NoError(t, err)
	require.True(t, ok)

	clock.advance(time.Hour)
	ok, err = store.Defer(ctx, "2.0.0", Limits{MaxDeferrals: 3, ForcedAfter: NoForcedDeadline})
	require.NoError(t, err)
	require.True(t, ok)

	state := store.State(ctx, "2.0.0")
	require.NotNil(t, state)
	assert.Equal(t, "2.0.0", state.Version)
	assert.Equal(t, 2, state.DeferralCount)
	assert.True(t, start.Equal(state.FirstPromptTime))
	require.NotNil(t, state.LastDeferralTime)
	assert.True(t, clock.now.Equal(*state.LastDeferralTime))
	require.NotNil(t, state.DeferUntil)
	assert.True(t, clock.now.Add(time.Hour*24).Equal(*state.DeferUntil))
	assert.True(t, state.Deferred(clock.now))
	assert.False(t, state.Deferred(clock.now.Add(time.Hour*24)))
}

func TestDeferClampedToForcedDeadline(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	limits := Limits{MaxDeferrals: 3, ForcedAfter: time.Hour * 2}

	ok, err := store.Defer(ctx, "2.0.0", limits)
	require.NoError(t, err)
	require.True(t, ok)

	state := store.State(ctx, "2.0.0")
	require.NotNil(t, state.DeferUntil)
	assert.True(t, clock.now.Add(time.Hour*2).Equal(*state.DeferUntil))
}

func TestNoDeferralWithZeroForcedWindow(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	limits := LimitsFromMinutes(3, 0)

	assert.False(t, store.CanDefer(ctx, "2.0.0", limits))
	ok, err := store.Defer(ctx, "2.0.0", limits)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, store.State(ctx, "2.0.0"))
	_, err = os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestDeferRefusedPastForcedDeadline(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	limits := LimitsFromMinutes(3, 60)

	ok, err := store.Defer(ctx, "2.0.0", limits)
	require.NoError(t, err)
	require.True(t, ok)

	clock.advance(time.Minute * 61)
	ok, err = store.Defer(ctx, "2.0.0", limits)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, store.State(ctx, "2.0.0").DeferralCount)
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	limits := Limits{MaxDeferrals: 3, ForcedAfter: NoForcedDeadline}

	require.NoError(t, store.Expire(ctx, "2.0.0"))
	assert.Nil(t, store.State(ctx, "2.0.0"))

	ok, err := store.Defer(ctx, "2.0.0", limits)
	require.NoError(t, err)
	require.True(t, ok)
	first := store.State(ctx, "2.0.0")

	clock.advance(time.Hour * 25)
	require.NoError(t, store.Expire(ctx, "2.0.0"))

	state := store.State(ctx, "2.0.0")
	require.NotNil(t, state)
	assert.Nil(t, state.DeferUntil)
	assert.Equal(t, 1, state.DeferralCount)
	assert.True(t, first.FirstPromptTime.Equal(state.FirstPromptTime))
	assert.False(t, state.Deferred(clock.now))

	reopened := NewFileStore(store.Path(), time.Hour*24, store.log)
	persisted := reopened.State(ctx, "2.0.0")
	require.NotNil(t, persisted)
	assert.Nil(t, persisted.DeferUntil)
	assert.Equal(t, 1, persisted.DeferralCount)
}

func TestCanDefer(t *testing.T) {
	ctx := context.Background()
	limits := LimitsFromMinutes(3, 60)

	t.Run("count limit", func(t *testing.T) {
		store, clock := newTestStore(t)
		require.True(t, store.CanDefer(ctx, "2.0.0", limits))

		for i := 0; i < 3; i++ {
			ok, err := store.Defer(ctx, "2.0.0", limits)
			require.NoError(t, err)
			require.True(t, ok)
			clock.advance(time.Minute)
			if i < 2 {
				require.True(t, store.CanDefer(ctx, "2.0.0", limits), "after %d deferrals", i+1)
			}
		}
		require.False(t, store.CanDefer(ctx, "2.0.0", limits))
	})

	t.Run("time limit", func(t *testing.T) {
		store, clock := newTestStore(t)
		ok, err := store.Defer(ctx, "2.0.0", limits)
		require.NoError(t, err)
		require.True(t, ok)

		clock.advance(time.Minute * 59)
		require.True(t, store.CanDefer(ctx, "2.0.0", limits))

		clock.advance(time.Minute)
		require.False(t, store.CanDefer(ctx, "2.0.0", limits))
	})

	t.Run("other version", func(t *testing.T) {
		store, _ := newTestStore(t)
		for i := 0; i < 3; i++ {
			_, err := store.Defer(ctx, "2.0.0", limits)
			require.NoError(t, err)
		}
		require.False(t, store.CanDefer(ctx, "2.0.0", limits))
		require.True(t, store.CanDefer(ctx, "2.1.0", limits))
	})
}

func TestStateIgnoresOtherVersion(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Defer(ctx, "2.0.0", Limits{MaxDeferrals: 3, ForcedAfter: NoForcedDeadline})
	require.NoError(t, err)

	assert.NotNil(t, store.State(ctx, "2.0.0"))
	assert.Nil(t, store.State(ctx, "2.1.0"))

	// a new candidate replaces the record of the previous one
	_, err = store.Defer(ctx, "2.1.0", Limits{MaxDeferrals: 3, ForcedAfter: NoForcedDeadline})
	require.NoError(t, err)
	assert.Nil(t, store.State(ctx, "2.0.0"))
	assert.Equal(t, 1, store.State(ctx, "2.1.0").DeferralCount)
}

func TestStatePersistsAcrossStores(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	_, err := store.Defer(ctx, "2.0.0", Limits{MaxDeferrals: 3, ForcedAfter: NoForcedDeadline})
	require.NoError(t, err)

	log := zerolog.Nop()
	reopened := NewFileStore(store.Path(), 0, &log)
	reopened.Now = clock.Now
	state := reopened.State(ctx, "2.0.0")
	require.NotNil(t, state)
	assert.Equal(t, 1, state.DeferralCount)

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestCorruptStateReadsAsEmpty(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0700))
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"version": "2.0.0", "deferralCount":`), 0600))

	assert.Nil(t, store.State(ctx, "2.0.0"))
	assert.True(t, store.CanDefer(ctx, "2.0.0", LimitsFromMinutes(3, 60)))

	ok, err := store.Defer(ctx, "2.0.0", LimitsFromMinutes(3, 60))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, store.State(ctx, "2.0.0").DeferralCount)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Clear(ctx, "2.0.0"), "clearing without a file is not an error")

	_, err := store.Defer(ctx, "2.0.0", Limits{MaxDeferrals: 3, ForcedAfter: NoForcedDeadline})
	require.NoError(t, err)

	require.NoError(t, store.Clear(ctx, "2.1.0"))
	assert.NotNil(t, store.State(ctx, "2.0.0"), "clearing another version keeps the record")

	require.NoError(t, store.Clear(ctx, "2.0.0"))
	assert.Nil(t, store.State(ctx, "2.0.0"))
	_, err = os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestStateReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Defer(ctx, "2.0.0", Limits{MaxDeferrals: 3, ForcedAfter: NoForcedDeadline})
	require.NoError(t, err)

	state := store.State(ctx, "2.0.0")
	state.DeferralCount = 42
	assert.Equal(t, 1, store.State(ctx, "2.0.0").DeferralCount)
}

func TestDeferWriteFailure(t *testing.T) {
	ctx := context.Background()
	log := zerolog.Nop()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	// the parent of the state file is a regular file, so the directory cannot be created
	store := NewFileStore(filepath.Join(blocker, DefaultFileName), 0, &log)
	ok, err := store.Defer(ctx, "2.0.0", LimitsFromMinutes(3, 60))
	require.Error(t, err)
	require.False(t, ok)
	assert.Nil(t, store.State(ctx, "2.0.0"))
}
