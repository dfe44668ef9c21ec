package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type brokenRepo struct {
	kv.Repository
	Err error
}

func (b *brokenRepo) Get(context.Context, string) ([]byte, error) { return nil, b.Err }
func (b *brokenRepo) Set(context.Context, string, []byte) error   { return b.Err }

func newTestLimiter(repo kv.Repository) (*Limiter, *clock) {
	c := &clock{now: t0}
	l := New(repo, nil, logging.Discard(), nil)
	l.now = c.Now
	return l, c
}

func TestLimiter_SixthLoginIsRejected(t *testing.T) {
	ctx := context.Background()
	l, c := newTestLimiter(kv.NewMemoryRepository())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(ctx, ActionLogin, "ada@example.com"))
		c.Advance(time.Second)
	}

	err := l.Check(ctx, ActionLogin, "ada@example.com")
	var tm *autherr.TooManyRequestsError
	require.ErrorAs(t, err, &tm)
	assert.ErrorIs(t, err, autherr.ErrTooManyRequests)
	assert.Equal(t, ActionLogin, tm.Action)
	assert.Equal(t, 5, tm.MaxAttempts)
	assert.WithinDuration(t, t0.Add(15*time.Minute), tm.ResetTime, 0)
	assert.Equal(t, 15*time.Minute-5*time.Second, tm.Remaining)

	// Rejections are not counted.
	st, err := l.Remaining(ctx, ActionLogin, "ada@example.com")
	require.NoError(t, err)
	assert.Zero(t, st.Remaining)
}

func TestLimiter_WindowResets(t *testing.T) {
	ctx := context.Background()
	l, c := newTestLimiter(kv.NewMemoryRepository())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(ctx, ActionLogin, "ada"))
	}
	require.Error(t, l.Check(ctx, ActionLogin, "ada"))

	c.Advance(15 * time.Minute)
	require.Error(t, l.Check(ctx, ActionLogin, "ada"), "window is inclusive of its last millisecond")

	c.Advance(time.Millisecond)
	require.NoError(t, l.Check(ctx, ActionLogin, "ada"))

	st, err := l.Remaining(ctx, ActionLogin, "ada")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Remaining)
	assert.WithinDuration(t, c.Now().Add(15*time.Minute), st.ResetTime, 0)
}

func TestLimiter_IdentifiersAreNormalizedAndIsolated(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(kv.NewMemoryRepository())

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, ActionSignup, " Ada@Example.com "))
	}
	require.Error(t, l.Check(ctx, ActionSignup, "ada@example.com"))
	require.NoError(t, l.Check(ctx, ActionSignup, "grace@example.com"))
	require.NoError(t, l.Check(ctx, ActionLogin, "ada@example.com"))
}

func TestLimiter_Policies(t *testing.T) {
	ctx := context.Background()

	for action, p := range DefaultPolicies() {
		t.Run(action, func(t *testing.T) {
			l, c := newTestLimiter(kv.NewMemoryRepository())
			for i := 0; i < p.MaxAttempts; i++ {
				require.NoError(t, l.Check(ctx, action, "id"))
			}
			require.Error(t, l.Check(ctx, action, "id"))
			c.Advance(p.Window + time.Millisecond)
			require.NoError(t, l.Check(ctx, action, "id"))
		})
	}
}

func TestLimiter_UnknownActionFailsOpen(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(kv.NewMemoryRepository())

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Check(ctx, "teleport", "ada"))
	}

	_, err := l.Remaining(ctx, "teleport", "ada")
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestLimiter_StorageFailureFailsOpen(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("storage offline")
	l, _ := newTestLimiter(&brokenRepo{Repository: kv.NewMemoryRepository(), Err: boom})

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Check(ctx, ActionLogin, "ada"))
	}

	_, err := l.Remaining(ctx, ActionLogin, "ada")
	require.ErrorIs(t, err, boom)
}

func TestLimiter_CorruptEntryStartsFresh(t *testing.T) {
	ctx := context.Background()
	repo := kv.NewMemoryRepository()
	l, _ := newTestLimiter(repo)

	require.NoError(t, repo.Set(ctx, "rate_limit:login:ada", []byte("garbage")))
	require.NoError(t, l.Check(ctx, ActionLogin, "ada"))

	st, err := l.Remaining(ctx, ActionLogin, "ada")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Remaining)
}

func TestLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(kv.NewMemoryRepository())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(ctx, ActionLogin, "ada"))
	}
	require.NoError(t, l.Reset(ctx, ActionLogin, "ADA"))
	require.NoError(t, l.Check(ctx, ActionLogin, "ada"))
}

func TestLimiter_RemainingWithoutEntry(t *testing.T) {
	l, _ := newTestLimiter(kv.NewMemoryRepository())

	st, err := l.Remaining(context.Background(), ActionMFA, "ada")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Remaining)
	assert.WithinDuration(t, t0.Add(5*time.Minute), st.ResetTime, 0)
}

func TestLimiter_ResetTimesAreUTC(t *testing.T) {
	ctx := context.Background()
	l, c := newTestLimiter(kv.NewMemoryRepository())
	c.now = t0.In(time.FixedZone("UTC+3", 3*60*60))

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, ActionMFA, "ada"))
	}
	err := l.Check(ctx, ActionMFA, "ada")
	var tm *autherr.TooManyRequestsError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, t0.Add(5*time.Minute), tm.ResetTime)

	st, err := l.Remaining(ctx, ActionMFA, "ada")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Minute), st.ResetTime)

	st, err = l.Remaining(ctx, ActionLogin, "ada")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, st.ResetTime.Location())
}

func TestLimiter_Cleanup(t *testing.T) {
	ctx := context.Background()
	repo := kv.NewMemoryRepository()
	l, c := newTestLimiter(repo)

	require.NoError(t, l.Check(ctx, ActionMFA, "ada"))
	require.NoError(t, l.Check(ctx, ActionLogin, "ada"))
	require.NoError(t, repo.Set(ctx, "rate_limit:signup:broken", []byte("{")))
	require.NoError(t, repo.Set(ctx, "rate_limit:custom:x", []byte(`{"attempts":1}`)))
	require.NoError(t, repo.Set(ctx, "session", []byte(`{}`)))

	c.Advance(10 * time.Minute)
	n, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := repo.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"rate_limit:custom:x", "rate_limit:login:ada", "session"}, keys)
}

func TestLimiter_StartClose(t *testing.T) {
	l, _ := newTestLimiter(kv.NewMemoryRepository())
	l.Start(context.Background())
	l.Start(context.Background())
	l.Close()
	l.Close()
}
