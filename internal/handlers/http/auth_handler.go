package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/services"
	"ringnet/pkg/errors"
	"ringnet/pkg/utils"
)

// AuthHandler issues tokens for development and testing. A production
// deployment delegates identity to the surrounding account system and only
// validates its tokens here.
type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	UserID    domain.UserID `json:"user_id" binding:"required,max=128"`
	Name      string        `json:"name" binding:"required,min=1,max=100"`
	AvatarURL string        `json:"avatar_url" binding:"max=512"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	name := utils.SanitizeString(strings.TrimSpace(req.Name))
	if utils.IsEmpty(name) {
		c.Error(errors.NewInvalidInputError("name must not be blank"))
		return
	}

	token, err := h.authService.GenerateToken(domain.Profile{
		ID:        req.UserID,
		Name:      name,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		c.Error(errors.NewInternalError("failed to issue token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"user_id": req.UserID,
	})
}
