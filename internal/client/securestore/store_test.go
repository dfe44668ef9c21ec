package securestore

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/kv"
	"github.com/stretchr/testify/require"
)

type failingRepo struct {
	kv.Repository
	getErr error
	setErr error
}

func (f *failingRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Repository.Get(ctx, key)
}

func (f *failingRepo) Set(ctx context.Context, key string, value []byte) error {
	if f.setErr != nil {
		return f.setErr
	}
	return f.Repository.Set(ctx, key, value)
}

func TestStore_RoundTripAndEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	repo := kv.NewMemoryRepository()

	s, err := New(ctx, repo, []byte("device-secret"))
	require.NoError(t, err)

	require.NoError(t, s.SetString(ctx, KeyRefreshToken, "r-123"))

	got, err := s.GetString(ctx, KeyRefreshToken)
	require.NoError(t, err)
	require.Equal(t, "r-123", got)

	raw, err := repo.Get(ctx, "secure:"+KeyRefreshToken)
	require.NoError(t, err)
	require.NotNil(t, raw)
	require.NotContains(t, string(raw), "r-123")
}

func TestStore_MissingKey(t *testing.T) {
	s, err := New(context.Background(), kv.NewMemoryRepository(), []byte("x"))
	require.NoError(t, err)

	v, err := s.Get(context.Background(), KeyAccessToken)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestStore_SaltPersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	repo := kv.NewMemoryRepository()

	s1, err := New(ctx, repo, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, s1.SetString(ctx, KeyAccessToken, "a-1"))

	s2, err := New(ctx, repo, []byte("secret"))
	require.NoError(t, err)
	got, err := s2.GetString(ctx, KeyAccessToken)
	require.NoError(t, err)
	require.Equal(t, "a-1", got)
}

func TestStore_WrongSecretCannotDecrypt(t *testing.T) {
	ctx := context.Background()
	repo := kv.NewMemoryRepository()

	s1, err := New(ctx, repo, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, s1.SetString(ctx, KeyAccessToken, "a-1"))

	s2, err := New(ctx, repo, []byte("other"))
	require.NoError(t, err)
	_, err = s2.Get(ctx, KeyAccessToken)
	require.Error(t, err)
	require.Contains(t, err.Error(), "decrypt")
}

func TestStore_DeleteMany(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, kv.NewMemoryRepository(), []byte("secret"))
	require.NoError(t, err)

	require.NoError(t, s.SetString(ctx, KeyAccessToken, "a"))
	require.NoError(t, s.SetString(ctx, KeyRefreshToken, "r"))
	require.NoError(t, s.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyGoogleIDToken))

	a, err := s.GetString(ctx, KeyAccessToken)
	require.NoError(t, err)
	require.Empty(t, a)
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, kv.NewMemoryRepository(), nil)
	require.ErrorIs(t, err, ErrEmptySecret)

	boom := errors.New("disk gone")
	_, err = New(ctx, &failingRepo{Repository: kv.NewMemoryRepository(), getErr: boom}, []byte("s"))
	require.ErrorIs(t, err, boom)

	_, err = New(ctx, &failingRepo{Repository: kv.NewMemoryRepository(), setErr: boom}, []byte("s"))
	require.ErrorIs(t, err, boom)
}

func TestStore_CloseWipesKey(t *testing.T) {
	s, err := New(context.Background(), kv.NewMemoryRepository(), []byte("s"))
	require.NoError(t, err)
	s.Close()
	for _, b := range s.key {
		require.Zero(t, b)
	}
}
