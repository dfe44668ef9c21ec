package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runContract exercises the Repository semantics every backend must share.
func runContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("set then get", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		require.NoError(t, r.Set(ctx, "session", []byte{0x01, 0x02}))

		v, err := r.Get(ctx, "session")
		require.NoError(t, err)
		require.Equal(t, []byte{0x01, 0x02}, v)
	})

	t.Run("missing key returns nil nil", func(t *testing.T) {
		r := newRepo(t)

		v, err := r.Get(context.Background(), "absent")
		require.NoError(t, err)
		require.Nil(t, v)
	})

	t.Run("set overwrites", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		require.NoError(t, r.Set(ctx, "k", []byte("old")))
		require.NoError(t, r.Set(ctx, "k", []byte("new")))

		v, err := r.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, []byte("new"), v)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		require.NoError(t, r.Set(ctx, "x", []byte{0x01}))
		require.NoError(t, r.Delete(ctx, "x"))

		v, err := r.Get(ctx, "x")
		require.NoError(t, err)
		require.Nil(t, v)

		require.NoError(t, r.Delete(ctx, "x"))
	})

	t.Run("delete many removes only named keys", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		require.NoError(t, r.Set(ctx, "session", []byte("s")))
		require.NoError(t, r.Set(ctx, "session_metadata", []byte("m")))
		require.NoError(t, r.Set(ctx, "token_blacklist", []byte("b")))

		require.NoError(t, r.DeleteMany(ctx, "session", "session_metadata", "never_set"))
		require.NoError(t, r.DeleteMany(ctx))

		keys, err := r.Keys(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"token_blacklist"}, keys)
	})

	t.Run("keys filters by prefix and sorts", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		require.NoError(t, r.Set(ctx, "rate_limit:signup:b@x.io", []byte("1")))
		require.NoError(t, r.Set(ctx, "rate_limit:login:a@x.io", []byte("1")))
		require.NoError(t, r.Set(ctx, "session", []byte("1")))

		keys, err := r.Keys(ctx, "rate_limit:")
		require.NoError(t, err)
		assert.Equal(t, []string{"rate_limit:login:a@x.io", "rate_limit:signup:b@x.io"}, keys)

		none, err := r.Keys(ctx, "nothing:")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("clear removes everything", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		require.NoError(t, r.Set(ctx, "a", []byte{1}))
		require.NoError(t, r.Set(ctx, "b", []byte{2}))
		require.NoError(t, r.Clear(ctx))

		keys, err := r.Keys(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}
