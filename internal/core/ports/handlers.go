package ports

import (
	"context"

	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	Ring(c *gin.Context)
	GetMailbox(c *gin.Context)
	AcceptInvitation(c *gin.Context)
	DeclineInvitation(c *gin.Context)
	GetSession(c *gin.Context)
	TeardownSession(c *gin.Context)
}

type WebSocketHandler interface {
	HandleConnection(ctx context.Context, wsConn interface{}) error
	HandleDisconnect(ctx context.Context, userID string) error
}
