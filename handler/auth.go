package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/middleware"
)

type AuthHandler struct {
	config *config.AuthConfig
}

func NewAuthHandler(cfg *config.AuthConfig) *AuthHandler {
	return &AuthHandler{config: cfg}
}

// Me reports who the caller's token was issued to. Kiosks use it to check
// their token before submitting.
func (h *AuthHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"subject":      middleware.GetSubject(c),
		"auth_enabled": h.config.Enabled(),
	})
}
