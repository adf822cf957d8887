package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
)

func testSession(id domain.ChannelID) *domain.CallSession {
	return &domain.CallSession{
		ChannelID: id,
		Mode:      domain.CallModeVideo,
		CallerID:  "alice",
		PeerID:    "bob",
		Offer:     &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0 offer"},
		CreatedAt: time.Now(),
	}
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

func TestSignaling_CreateAndGet(t *testing.T) {
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	got, err := repo.GetSession(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("ch1"), got.ChannelID)
	assert.Equal(t, domain.UserID("alice"), got.CallerID)
	assert.Nil(t, got.Answer)

	_, err = repo.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSignaling_CreateRejectsMalformed(t *testing.T) {
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	s := testSession("ch1")
	s.Offer = nil
	err := repo.CreateSession(ctx, s)
	assert.ErrorIs(t, err, domain.ErrMalformedDocument)

	_, err = repo.GetSession(ctx, "ch1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSignaling_SetAnswer(t *testing.T) {
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	err := repo.SetAnswer(ctx, "nope", domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "a"})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))
	require.NoError(t, repo.SetAnswer(ctx, "ch1", domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}))

	got, err := repo.GetSession(ctx, "ch1")
	require.NoError(t, err)
	require.NotNil(t, got.Answer)
	assert.Equal(t, "v=0 answer", got.Answer.SDP)
}

func TestSignaling_ObserveSession_SnapshotThenUpdates(t *testing.T) {
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	updates := make(chan *domain.CallSession, 8)
	deleted := make(chan struct{}, 1)
	cancel, err := repo.ObserveSession(ctx, "ch1", ports.SessionHandler{
		OnUpdate:  func(s *domain.CallSession) { updates <- s },
		OnDeleted: func() { deleted <- struct{}{} },
	})
	require.NoError(t, err)
	defer cancel()

	snap := waitFor(t, updates, "initial snapshot")
	assert.Nil(t, snap.Answer)

	require.NoError(t, repo.SetAnswer(ctx, "ch1", domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}))
	upd := waitFor(t, updates, "answer update")
	require.NotNil(t, upd.Answer)
	assert.Equal(t, "v=0 answer", upd.Answer.SDP)

	require.NoError(t, repo.Teardown(ctx, "ch1"))
	waitFor(t, deleted, "deletion event")
}

func TestSignaling_ObserveSession_HandlerMayTearDown(t *testing.T) {
	// OnDeleted calling back into the store must not deadlock.
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	done := make(chan struct{}, 1)
	cancel, err := repo.ObserveSession(ctx, "ch1", ports.SessionHandler{
		OnDeleted: func() {
			assert.NoError(t, repo.Teardown(ctx, "ch1"))
			done <- struct{}{}
		},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, repo.Teardown(ctx, "ch1"))
	waitFor(t, done, "re-entrant teardown")
}

func TestSignaling_ObserveCandidates_BacklogThenLive(t *testing.T) {
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))
	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "c1"}))
	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "c2"}))

	got := make(chan domain.Candidate, 8)
	cancel, err := repo.ObserveCandidates(ctx, "ch1", domain.SideCaller, func(c domain.Candidate) {
		got <- c
	})
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, "c1", waitFor(t, got, "backlog candidate 1").Candidate)
	assert.Equal(t, "c2", waitFor(t, got, "backlog candidate 2").Candidate)

	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "c3"}))
	assert.Equal(t, "c3", waitFor(t, got, "live candidate").Candidate)
}

func TestSignaling_ObserveCandidates_SideIsolation(t *testing.T) {
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	callee := make(chan domain.Candidate, 8)
	cancel, err := repo.ObserveCandidates(ctx, "ch1", domain.SideCallee, func(c domain.Candidate) {
		callee <- c
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "caller-only"}))
	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCallee, domain.Candidate{Candidate: "callee-1"}))

	assert.Equal(t, "callee-1", waitFor(t, callee, "callee candidate").Candidate)
	select {
	case c := <-callee:
		t.Fatalf("unexpected cross-side candidate %q", c.Candidate)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSignaling_TeardownIdempotent(t *testing.T) {
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))
	require.NoError(t, repo.Teardown(ctx, "ch1"))
	require.NoError(t, repo.Teardown(ctx, "ch1"))
	require.NoError(t, repo.Teardown(ctx, "never-existed"))

	_, err := repo.GetSession(ctx, "ch1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSignaling_TeardownClearsCandidates(t *testing.T) {
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))
	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "stale"}))
	require.NoError(t, repo.Teardown(ctx, "ch1"))

	// A later call reusing the channel ID must not see stale candidates.
	got := make(chan domain.Candidate, 8)
	cancel, err := repo.ObserveCandidates(ctx, "ch1", domain.SideCaller, func(c domain.Candidate) {
		got <- c
	})
	require.NoError(t, err)
	defer cancel()

	select {
	case c := <-got:
		t.Fatalf("stale candidate %q survived teardown", c.Candidate)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSignaling_CancelStopsDelivery(t *testing.T) {
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	updates := make(chan *domain.CallSession, 8)
	cancel, err := repo.ObserveSession(ctx, "ch1", ports.SessionHandler{
		OnUpdate: func(s *domain.CallSession) { updates <- s },
	})
	require.NoError(t, err)

	waitFor(t, updates, "initial snapshot")
	cancel()
	cancel() // safe to call twice

	require.NoError(t, repo.SetAnswer(ctx, "ch1", domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "a"}))
	select {
	case <-updates:
		t.Fatal("update delivered after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSignaling_StoredCopyIsIsolated(t *testing.T) {
	repo := NewMemorySignalingRepository()
	ctx := context.Background()

	s := testSession("ch1")
	require.NoError(t, repo.CreateSession(ctx, s))
	s.Offer.SDP = "mutated by caller"

	got, err := repo.GetSession(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "v=0 offer", got.Offer.SDP)
}
