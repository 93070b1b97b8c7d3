package authstate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/bissquit/chat-relay/internal/pkg/secretbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	key, err := secretbox.GenerateKey()
	require.NoError(t, err)
	box, err := secretbox.New(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "state", "auth.db")
	store, err := Open(path, box)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestStore_SaveLoadDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	state, err := store.Load(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, store.Save(ctx, 7, []byte(`{"noise_key":"a"}`)))
	require.NoError(t, store.Save(ctx, 7, []byte(`{"noise_key":"b"}`)))

	state, err = store.Load(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, `{"noise_key":"b"}`, string(state))

	require.NoError(t, store.Delete(ctx, 7))
	require.NoError(t, store.Delete(ctx, 7))

	state, err = store.Load(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStore_StateIsSealedOnDisk(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, 1, []byte("plaintext-secret")))

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var raw string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT state FROM auth_state WHERE channel_id = 1`).Scan(&raw))
	assert.NotContains(t, raw, "plaintext-secret")
}

func TestStore_LoadWithWrongKey(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, 1, []byte("state")))
	require.NoError(t, store.Close())

	otherKey, err := secretbox.GenerateKey()
	require.NoError(t, err)
	otherBox, err := secretbox.New(otherKey)
	require.NoError(t, err)

	reopened, err := Open(path, otherBox)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	_, err = reopened.Load(ctx, 1)
	assert.ErrorIs(t, err, secretbox.ErrDecrypt)
}
