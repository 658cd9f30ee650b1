package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.Error(t, err)

	require.NoError(t, s.Set(ctx, "svc_account", `{"client_email":"a@b"}`))
	v, err := s.Get(ctx, "svc_account")
	require.NoError(t, err)
	assert.Equal(t, `{"client_email":"a@b"}`, v)

	names, err := s.List(ctx, "svc")
	require.NoError(t, err)
	assert.Contains(t, names, "svc_account")

	require.NoError(t, s.Delete(ctx, "svc_account"))
	_, err = s.Get(ctx, "svc_account")
	assert.Error(t, err)
}

func TestEnvStore(t *testing.T) {
	ctx := context.Background()
	s := NewEnvStore()
	t.Setenv("PBTEST_TOKEN", "tok-1")

	v, err := s.Get(ctx, "PBTEST_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", v)

	_, err = s.Get(ctx, "PBTEST_ABSENT")
	assert.Error(t, err)
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	s, err := NewStore(Config{})
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "k", "v"))
}
