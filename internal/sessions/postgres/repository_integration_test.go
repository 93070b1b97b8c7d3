//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/sessions"
	"github.com/bissquit/chat-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_SessionLifecycle(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	channel := testutil.InsertID(t, db, `INSERT INTO channels (display_name, address) VALUES ('Sales', '5511999990000') RETURNING id`)

	ch, err := repo.GetChannel(ctx, channel)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusPending, ch.Status)

	_, err = repo.GetChannel(ctx, 999999)
	assert.ErrorIs(t, err, sessions.ErrChannelNotFound)
	_, err = repo.GetSession(ctx, channel)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
	assert.ErrorIs(t, repo.RecordState(ctx, channel, true, now), sessions.ErrSessionNotFound)

	s := &domain.ChannelSession{ChannelID: channel, Kind: domain.SessionKindDeviceLinked, Credentials: "sealed", ProviderRef: "dev-1"}
	require.NoError(t, repo.SaveSession(ctx, s))
	assert.False(t, s.UpdatedAt.IsZero())

	require.NoError(t, repo.SavePairing(ctx, channel, "ABCD-1234", now.Add(time.Minute)))
	got, err := repo.GetSession(ctx, channel)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", got.PairingCode)
	assert.False(t, got.IsConnected)

	require.NoError(t, repo.RecordState(ctx, channel, true, now))
	got, err = repo.GetSession(ctx, channel)
	require.NoError(t, err)
	assert.True(t, got.IsConnected)
	assert.Empty(t, got.PairingCode)
	assert.Nil(t, got.PairingExpiresAt)
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, now.Equal(*got.LastSeenAt))

	ch, err = repo.GetChannel(ctx, channel)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusActive, ch.Status)

	connected, err := repo.ListConnected(ctx)
	require.NoError(t, err)
	require.Len(t, connected, 1)
	assert.Equal(t, "sealed", connected[0].Credentials)

	require.NoError(t, repo.Purge(ctx, channel, now))
	got, err = repo.GetSession(ctx, channel)
	require.NoError(t, err)
	assert.Empty(t, got.Credentials)
	assert.False(t, got.IsConnected)
	assert.Equal(t, domain.SessionKindDeviceLinked, got.Kind)

	ch, err = repo.GetChannel(ctx, channel)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelStatusDisconnected, ch.Status)

	connected, err = repo.ListConnected(ctx)
	require.NoError(t, err)
	assert.Empty(t, connected)
}

func TestRepository_ClearExpiredPairings(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	expired := testutil.InsertID(t, db, `INSERT INTO channels DEFAULT VALUES RETURNING id`)
	live := testutil.InsertID(t, db, `INSERT INTO channels DEFAULT VALUES RETURNING id`)
	for _, id := range []int64{expired, live} {
		require.NoError(t, repo.SaveSession(ctx, &domain.ChannelSession{ChannelID: id, Kind: domain.SessionKindDeviceLinked}))
	}
	require.NoError(t, repo.SavePairing(ctx, expired, "OLD", now.Add(-time.Minute)))
	require.NoError(t, repo.SavePairing(ctx, live, "NEW", now.Add(time.Minute)))

	n, err := repo.ClearExpiredPairings(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetSession(ctx, expired)
	require.NoError(t, err)
	assert.Empty(t, got.PairingCode)

	got, err = repo.GetSession(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, "NEW", got.PairingCode)
}
