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

func newSignalingFixture(t *testing.T) (*miniredis.Miniredis, ports.SignalingChannel) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisSignalingRepository(client, zap.NewNop().Sugar())
}

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

func TestRedisSignaling_SessionRoundTrip(t *testing.T) {
	_, repo := newSignalingFixture(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	got, err := repo.GetSession(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), got.CallerID)
	assert.Equal(t, "v=0 offer", got.Offer.SDP)
	assert.Nil(t, got.Answer)
}

func TestRedisSignaling_GetSessionMissing(t *testing.T) {
	_, repo := newSignalingFixture(t)

	_, err := repo.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRedisSignaling_GetSessionMalformed(t *testing.T) {
	mr, repo := newSignalingFixture(t)
	mr.Set("ringnet:call:ch1", "{broken")

	_, err := repo.GetSession(context.Background(), "ch1")
	assert.ErrorIs(t, err, domain.ErrMalformedDocument)
}

func TestRedisSignaling_SetAnswer(t *testing.T) {
	mr, repo := newSignalingFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	answer := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}
	require.NoError(t, repo.SetAnswer(ctx, "ch1", answer))

	got, err := repo.GetSession(ctx, "ch1")
	require.NoError(t, err)
	require.NotNil(t, got.Answer)
	assert.Equal(t, "v=0 answer", got.Answer.SDP)

	// The write must not reset the document's expiry.
	assert.Greater(t, mr.TTL("ringnet:call:ch1"), time.Duration(0))
}

func TestRedisSignaling_SetAnswerAfterTeardown(t *testing.T) {
	mr, repo := newSignalingFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))
	require.NoError(t, repo.Teardown(ctx, "ch1"))

	answer := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}
	err := repo.SetAnswer(ctx, "ch1", answer)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = repo.GetSession(ctx, "ch1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.False(t, mr.Exists("ringnet:call:ch1"))
}

func TestRedisSignaling_AnswerWriteCannotResurrectSession(t *testing.T) {
	// The caller hangs up between the callee's read of the session and its
	// write of the answer. The write must fail loudly instead of recreating
	// the deleted document (which would also come back with no expiry).
	mr, repo := newSignalingFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	session, err := repo.GetSession(ctx, "ch1")
	require.NoError(t, err)
	require.NoError(t, repo.Teardown(ctx, "ch1"))

	answer := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}
	session.Answer = &answer
	err = repo.(*RedisSignalingRepository).writeAnswered(ctx, session)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = repo.GetSession(ctx, "ch1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.False(t, mr.Exists("ringnet:call:ch1"))
}

func TestRedisSignaling_TeardownClearsEverything(t *testing.T) {
	mr, repo := newSignalingFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))
	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "a=caller"}))
	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCallee, domain.Candidate{Candidate: "a=callee"}))

	require.NoError(t, repo.Teardown(ctx, "ch1"))

	assert.False(t, mr.Exists("ringnet:call:ch1"))
	assert.False(t, mr.Exists("ringnet:call:ch1:cand:caller"))
	assert.False(t, mr.Exists("ringnet:call:ch1:cand:callee"))

	// Idempotent: deleting an absent session is not an error.
	assert.NoError(t, repo.Teardown(ctx, "ch1"))
}

func TestRedisSignaling_ObserveSessionUpdateAndDelete(t *testing.T) {
	_, repo := newSignalingFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	var mu sync.Mutex
	var updates []*domain.CallSession
	deleted := make(chan struct{}, 1)

	cancel, err := repo.ObserveSession(ctx, "ch1", ports.SessionHandler{
		OnUpdate: func(session *domain.CallSession) {
			mu.Lock()
			updates = append(updates, session)
			mu.Unlock()
		},
		OnDeleted: func() { deleted <- struct{}{} },
	})
	require.NoError(t, err)
	defer cancel()

	// Snapshot of the existing document arrives first.
	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) >= 1
	}, "snapshot update")

	require.NoError(t, repo.SetAnswer(ctx, "ch1", domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}))
	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := updates[len(updates)-1]
		return last.Answer != nil && last.Answer.SDP == "v=0 answer"
	}, "answer update")

	require.NoError(t, repo.Teardown(ctx, "ch1"))
	select {
	case <-deleted:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delete event")
	}
}

func TestRedisSignaling_ObserveCandidatesBacklogAndStream(t *testing.T) {
	_, repo := newSignalingFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))
	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "a=one"}))
	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "a=two"}))

	var mu sync.Mutex
	seen := make(map[string]bool)
	cancel, err := repo.ObserveCandidates(ctx, "ch1", domain.SideCaller, func(cand domain.Candidate) {
		mu.Lock()
		seen[cand.Candidate] = true
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "a=three"}))

	// Backlog and live stream both arrive; duplicates between them are
	// allowed, losses are not.
	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["a=one"] && seen["a=two"] && seen["a=three"]
	}, "all candidates delivered")
}

func TestRedisSignaling_ObserveCandidatesSideIsolation(t *testing.T) {
	_, repo := newSignalingFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	var mu sync.Mutex
	var callerSide []string
	cancel, err := repo.ObserveCandidates(ctx, "ch1", domain.SideCaller, func(cand domain.Candidate) {
		mu.Lock()
		callerSide = append(callerSide, cand.Candidate)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCallee, domain.Candidate{Candidate: "a=callee"}))
	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "a=caller"}))

	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(callerSide) == 1 && callerSide[0] == "a=caller"
	}, "only caller-side candidates delivered")
}

func TestRedisSignaling_ObserveDropsMalformedEvents(t *testing.T) {
	mr, repo := newSignalingFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, testSession("ch1")))

	var mu sync.Mutex
	var seen []string
	cancel, err := repo.ObserveCandidates(ctx, "ch1", domain.SideCaller, func(cand domain.Candidate) {
		mu.Lock()
		seen = append(seen, cand.Candidate)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	mr.Publish("ringnet:call:ch1:cand:caller:events", "{broken")
	require.NoError(t, repo.AppendCandidate(ctx, "ch1", domain.SideCaller, domain.Candidate{Candidate: "a=good"}))

	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "a=good"
	}, "malformed candidate dropped")
}

func TestRedisSignaling_CreateSessionRejectsInvalid(t *testing.T) {
	_, repo := newSignalingFixture(t)

	bad := testSession("ch1")
	bad.Offer = nil
	err := repo.CreateSession(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrMalformedDocument)
}

func waitForCond(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}
