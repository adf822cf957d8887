package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
	"ringnet/internal/infrastructure/repositories/memory"
)

func ringingInvitation(callID domain.ChannelID, caller, recipient domain.UserID) *domain.Invitation {
	return &domain.Invitation{
		CallID:      callID,
		Mode:        domain.CallModeVideo,
		CallerID:    caller,
		CallerName:  "Caller " + string(caller),
		RecipientID: recipient,
		Status:      domain.InviteStatusRinging,
		UpdatedAt:   time.Now(),
	}
}

func startPresence(t *testing.T, mailbox ports.InviteMailbox, self domain.UserID) ports.PresenceService {
	t.Helper()
	svc := NewPresenceService(mailbox, self, zap.NewNop().Sugar())
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	return svc
}

func TestPresence_SurfacesIncomingCall(t *testing.T) {
	mailbox := memory.NewMemoryMailboxRepository()
	svc := startPresence(t, mailbox, "bob")

	got := make(chan *domain.Invitation, 8)
	cancel := svc.Subscribe(func(inv *domain.Invitation) { got <- inv })
	defer cancel()

	require.NoError(t, mailbox.Write(context.Background(), ringingInvitation("call1", "alice", "bob")))

	inv := waitFor(t, got, "incoming invitation")
	require.NotNil(t, inv)
	assert.Equal(t, domain.ChannelID("call1"), inv.CallID)

	current := svc.Current()
	require.NotNil(t, current)
	assert.Equal(t, domain.ChannelID("call1"), current.CallID)
}

func TestPresence_LastWriteWins(t *testing.T) {
	// A second caller's ring replaces the first with no queueing.
	mailbox := memory.NewMemoryMailboxRepository()
	svc := startPresence(t, mailbox, "bob")
	ctx := context.Background()

	require.NoError(t, mailbox.Write(ctx, ringingInvitation("call1", "alice", "bob")))
	require.NoError(t, mailbox.Write(ctx, ringingInvitation("call2", "carol", "bob")))

	eventually(t, func() bool {
		current := svc.Current()
		return current != nil && current.CallID == "call2"
	}, "second invitation replaces first")
	assert.Equal(t, domain.UserID("carol"), svc.Current().CallerID)
}

func TestPresence_SelfAuthoredSuppressed(t *testing.T) {
	// Same account on two devices: the caller's own device must not ring.
	mailbox := memory.NewMemoryMailboxRepository()
	svc := startPresence(t, mailbox, "bob")

	inv := ringingInvitation("call1", "bob", "bob")
	require.NoError(t, mailbox.Write(context.Background(), inv))

	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, svc.Current())
}

func TestPresence_NonRingingNotSurfaced(t *testing.T) {
	mailbox := memory.NewMemoryMailboxRepository()
	ctx := context.Background()

	stale := ringingInvitation("call1", "alice", "bob")
	stale.Status = domain.InviteStatusDeclined
	require.NoError(t, mailbox.Write(ctx, stale))

	svc := startPresence(t, mailbox, "bob")
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, svc.Current())
}

func TestPresence_DeclineDismissesAndFlipsStatus(t *testing.T) {
	mailbox := memory.NewMemoryMailboxRepository()
	svc := startPresence(t, mailbox, "bob")
	ctx := context.Background()

	require.NoError(t, mailbox.Write(ctx, ringingInvitation("call1", "alice", "bob")))
	eventually(t, func() bool { return svc.Current() != nil }, "invitation surfaced")

	inv := svc.Current()
	require.NoError(t, svc.Decline(ctx, inv))

	assert.Nil(t, svc.Current())
	stored, err := mailbox.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.InviteStatusDeclined, stored.Status)

	// A store echo of the old slot must not re-raise the banner.
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, svc.Current())
}

func TestPresence_AcceptDismisses(t *testing.T) {
	mailbox := memory.NewMemoryMailboxRepository()
	svc := startPresence(t, mailbox, "bob")
	ctx := context.Background()

	require.NoError(t, mailbox.Write(ctx, ringingInvitation("call1", "alice", "bob")))
	eventually(t, func() bool { return svc.Current() != nil }, "invitation surfaced")

	require.NoError(t, svc.Accept(ctx, svc.Current()))
	assert.Nil(t, svc.Current())

	stored, err := mailbox.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.InviteStatusAccepted, stored.Status)
}

// brokenMailbox fails all status writes.
type brokenMailbox struct {
	ports.InviteMailbox
}

func (b *brokenMailbox) SetStatus(ctx context.Context, recipient domain.UserID, status domain.InviteStatus) error {
	return fmt.Errorf("mailbox write refused")
}

func TestPresence_DeclineBestEffort(t *testing.T) {
	// The status flip is a courtesy: its failure must not block dismissal.
	mailbox := &brokenMailbox{InviteMailbox: memory.NewMemoryMailboxRepository()}
	svc := startPresence(t, mailbox, "bob")
	ctx := context.Background()

	require.NoError(t, mailbox.Write(ctx, ringingInvitation("call1", "alice", "bob")))
	eventually(t, func() bool { return svc.Current() != nil }, "invitation surfaced")

	require.NoError(t, svc.Decline(ctx, svc.Current()))
	assert.Nil(t, svc.Current())
}

func TestPresence_RingFailureIsFatal(t *testing.T) {
	mailbox := memory.NewMemoryMailboxRepository()
	svc := startPresence(t, mailbox, "alice")

	bad := ringingInvitation("call1", "alice", "")
	err := svc.Ring(context.Background(), bad)
	assert.Error(t, err)
}

func TestPresence_StopEndsWatch(t *testing.T) {
	mailbox := memory.NewMemoryMailboxRepository()
	svc := NewPresenceService(mailbox, "bob", zap.NewNop().Sugar())
	require.NoError(t, svc.Start(context.Background()))
	svc.Stop()

	require.NoError(t, mailbox.Write(context.Background(), ringingInvitation("call1", "alice", "bob")))
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, svc.Current())
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}
