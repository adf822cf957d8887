package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
	"ringnet/internal/infrastructure/middleware"
	"ringnet/internal/infrastructure/repositories/memory"
)

type handlerFixture struct {
	router    *gin.Engine
	mailbox   ports.InviteMailbox
	signaling ports.SignalingChannel
}

func newFixture(t *testing.T, userID domain.UserID) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &handlerFixture{
		mailbox:   memory.NewMemoryMailboxRepository(),
		signaling: memory.NewMemorySignalingRepository(),
	}

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	// Stand-in for the auth middleware.
	router.Use(func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Set("user_name", "Tester")
		c.Next()
	})

	handler := NewCallHandler(f.mailbox, f.signaling)
	handler.SetupRoutes(router.Group("/api/v1"))
	f.router = router
	return f
}

func (f *handlerFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestRing_WritesMailboxSlot(t *testing.T) {
	f := newFixture(t, "alice")

	w := f.do(http.MethodPost, "/api/v1/calls/ring", gin.H{
		"recipient_id": "bob",
		"mode":         "video",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	inv, err := f.mailbox.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), inv.CallerID)
	assert.Equal(t, domain.InviteStatusRinging, inv.Status)
	assert.NotEmpty(t, inv.CallID)
}

func TestRing_RejectsSelfRing(t *testing.T) {
	f := newFixture(t, "alice")

	w := f.do(http.MethodPost, "/api/v1/calls/ring", gin.H{
		"recipient_id": "alice",
		"mode":         "audio",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRing_RejectsBadMode(t *testing.T) {
	f := newFixture(t, "alice")

	w := f.do(http.MethodPost, "/api/v1/calls/ring", gin.H{
		"recipient_id": "bob",
		"mode":         "hologram",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMailbox_GetAndDecline(t *testing.T) {
	f := newFixture(t, "bob")
	require.NoError(t, f.mailbox.Write(context.Background(), &domain.Invitation{
		CallID:      "call1",
		Mode:        domain.CallModeAudio,
		CallerID:    "alice",
		CallerName:  "Alice",
		RecipientID: "bob",
		Status:      domain.InviteStatusRinging,
		UpdatedAt:   time.Now(),
	}))

	w := f.do(http.MethodGet, "/api/v1/mailbox", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "call1")

	w = f.do(http.MethodPost, "/api/v1/mailbox/decline", nil)
	require.Equal(t, http.StatusOK, w.Code)

	inv, err := f.mailbox.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.InviteStatusDeclined, inv.Status)
}

func TestMailbox_EmptyIs404(t *testing.T) {
	f := newFixture(t, "bob")
	w := f.do(http.MethodGet, "/api/v1/mailbox", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func seedSession(t *testing.T, f *handlerFixture) {
	t.Helper()
	require.NoError(t, f.signaling.CreateSession(context.Background(), &domain.CallSession{
		ChannelID: "ch1",
		Mode:      domain.CallModeVideo,
		CallerID:  "alice",
		PeerID:    "bob",
		Offer:     &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0"},
		CreatedAt: time.Now(),
	}))
}

func TestGetSession_ParticipantOnly(t *testing.T) {
	f := newFixture(t, "bob")
	seedSession(t, f)

	w := f.do(http.MethodGet, "/api/v1/sessions/ch1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	outsider := newFixture(t, "mallory")
	seedSession(t, outsider)
	w = outsider.do(http.MethodGet, "/api/v1/sessions/ch1", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTeardownSession_Idempotent(t *testing.T) {
	f := newFixture(t, "alice")
	seedSession(t, f)

	w := f.do(http.MethodDelete, "/api/v1/sessions/ch1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Second delete of an absent session still succeeds.
	w = f.do(http.MethodDelete, "/api/v1/sessions/ch1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	_, err := f.signaling.GetSession(context.Background(), "ch1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
