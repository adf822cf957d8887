package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
)

func newMailboxFixture(t *testing.T) (*miniredis.Miniredis, ports.InviteMailbox) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisMailboxRepository(client, zap.NewNop().Sugar())
}

func testInvitation(callID domain.ChannelID, caller domain.UserID) *domain.Invitation {
	return &domain.Invitation{
		CallID:      callID,
		Mode:        domain.CallModeAudio,
		CallerID:    caller,
		CallerName:  "Caller",
		RecipientID: "bob",
		Status:      domain.InviteStatusRinging,
		UpdatedAt:   time.Now(),
	}
}

func TestRedisMailbox_WriteAndGet(t *testing.T) {
	_, repo := newMailboxFixture(t)
	ctx := context.Background()

	require.NoError(t, repo.Write(ctx, testInvitation("call1", "alice")))

	inv, err := repo.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("call1"), inv.CallID)
	assert.Equal(t, domain.InviteStatusRinging, inv.Status)
}

func TestRedisMailbox_GetMissing(t *testing.T) {
	_, repo := newMailboxFixture(t)

	_, err := repo.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrInvitationNotFound)
}

func TestRedisMailbox_LastWriteWins(t *testing.T) {
	_, repo := newMailboxFixture(t)
	ctx := context.Background()

	require.NoError(t, repo.Write(ctx, testInvitation("call1", "alice")))
	require.NoError(t, repo.Write(ctx, testInvitation("call2", "carol")))

	inv, err := repo.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("call2"), inv.CallID)
	assert.Equal(t, domain.UserID("carol"), inv.CallerID)
}

func TestRedisMailbox_SetStatus(t *testing.T) {
	_, repo := newMailboxFixture(t)
	ctx := context.Background()

	require.NoError(t, repo.Write(ctx, testInvitation("call1", "alice")))
	require.NoError(t, repo.SetStatus(ctx, "bob", domain.InviteStatusDeclined))

	inv, err := repo.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.InviteStatusDeclined, inv.Status)

	// Flipping the status on an empty slot is an error, not a create.
	err = repo.SetStatus(ctx, "nobody", domain.InviteStatusDeclined)
	assert.ErrorIs(t, err, domain.ErrInvitationNotFound)
}

func TestRedisMailbox_ObserveSnapshotAndOverwrites(t *testing.T) {
	_, repo := newMailboxFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.Write(ctx, testInvitation("call1", "alice")))

	var mu sync.Mutex
	var seen []domain.ChannelID
	cancel, err := repo.Observe(ctx, "bob", func(inv *domain.Invitation) {
		mu.Lock()
		seen = append(seen, inv.CallID)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	// Snapshot of the existing slot first, then the overwrite.
	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1 && seen[0] == "call1"
	}, "snapshot invitation")

	require.NoError(t, repo.Write(ctx, testInvitation("call2", "carol")))
	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[len(seen)-1] == "call2"
	}, "overwrite delivered")
}
