package http

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
	"ringnet/pkg/errors"
	"ringnet/pkg/utils"
)

// CallHandler exposes the invitation mailbox and the signaling session over
// HTTP for devices that do not hold a socket.
type CallHandler struct {
	mailbox   ports.InviteMailbox
	signaling ports.SignalingChannel
}

func NewCallHandler(mailbox ports.InviteMailbox, signaling ports.SignalingChannel) *CallHandler {
	return &CallHandler{
		mailbox:   mailbox,
		signaling: signaling,
	}
}

func (h *CallHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/calls/ring", h.Ring)
	api.GET("/mailbox", h.GetMailbox)
	api.POST("/mailbox/accept", h.AcceptInvitation)
	api.POST("/mailbox/decline", h.DeclineInvitation)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.TeardownSession)
}

type RingRequest struct {
	RecipientID    domain.UserID   `json:"recipient_id" binding:"required"`
	Mode           domain.CallMode `json:"mode" binding:"required"`
	ConversationID string          `json:"conversation_id"`
	// CallID is optional: a caller that already created the session passes
	// its channel ID, otherwise one is generated here.
	CallID domain.ChannelID `json:"call_id"`
}

// Ring drops a ringing invitation into the recipient's mailbox slot,
// overwriting whatever was there.
func (h *CallHandler) Ring(c *gin.Context) {
	var req RingRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if !req.Mode.Valid() {
		c.Error(errors.NewInvalidInputError("mode must be audio or video"))
		return
	}

	callerID := currentUser(c)
	if callerID == "" {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}
	if callerID == req.RecipientID {
		c.Error(errors.NewInvalidInputError("cannot ring yourself"))
		return
	}

	callID := req.CallID
	if callID == "" {
		callID = domain.ChannelID(utils.GenerateChannelID())
	}

	inv := &domain.Invitation{
		CallID:         callID,
		Mode:           req.Mode,
		CallerID:       callerID,
		CallerName:     c.GetString("user_name"),
		CallerAvatar:   c.GetString("user_avatar"),
		ConversationID: req.ConversationID,
		RecipientID:    req.RecipientID,
		Status:         domain.InviteStatusRinging,
		UpdatedAt:      time.Now(),
	}

	if err := h.mailbox.Write(c.Request.Context(), inv); err != nil {
		c.Error(errors.FromDomain(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"invitation": inv})
}

// GetMailbox returns the caller's own mailbox slot.
func (h *CallHandler) GetMailbox(c *gin.Context) {
	userID := currentUser(c)
	if userID == "" {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	inv, err := h.mailbox.Get(c.Request.Context(), userID)
	if err != nil {
		c.Error(errors.FromDomain(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"invitation": inv})
}

func (h *CallHandler) AcceptInvitation(c *gin.Context) {
	h.setStatus(c, domain.InviteStatusAccepted)
}

func (h *CallHandler) DeclineInvitation(c *gin.Context) {
	h.setStatus(c, domain.InviteStatusDeclined)
}

func (h *CallHandler) setStatus(c *gin.Context, status domain.InviteStatus) {
	userID := currentUser(c)
	if userID == "" {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	if err := h.mailbox.SetStatus(c.Request.Context(), userID, status); err != nil {
		c.Error(errors.FromDomain(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status})
}

// GetSession reads the signaling document, for the callee fetching call
// parameters before answering.
func (h *CallHandler) GetSession(c *gin.Context) {
	channelID := domain.ChannelID(c.Param("id"))

	session, err := h.signaling.GetSession(c.Request.Context(), channelID)
	if err != nil {
		c.Error(errors.FromDomain(err))
		return
	}

	userID := currentUser(c)
	if userID != session.CallerID && userID != session.PeerID {
		c.Error(errors.NewUnauthorizedError("not a participant of this call"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": session})
}

// TeardownSession deletes the signaling document, which both parties treat as
// the authoritative hang-up.
func (h *CallHandler) TeardownSession(c *gin.Context) {
	channelID := domain.ChannelID(c.Param("id"))

	session, err := h.signaling.GetSession(c.Request.Context(), channelID)
	if err != nil {
		if stderrors.Is(err, domain.ErrSessionNotFound) {
			// Already gone; teardown is idempotent.
			c.JSON(http.StatusOK, gin.H{"deleted": true})
			return
		}
		c.Error(errors.FromDomain(err))
		return
	}

	userID := currentUser(c)
	if userID != session.CallerID && userID != session.PeerID {
		c.Error(errors.NewUnauthorizedError("not a participant of this call"))
		return
	}

	if err := h.signaling.Teardown(c.Request.Context(), channelID); err != nil {
		c.Error(errors.FromDomain(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func currentUser(c *gin.Context) domain.UserID {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(domain.UserID); ok {
			return id
		}
	}
	return ""
}
