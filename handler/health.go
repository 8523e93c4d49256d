package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/pkg/logger"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/service"
)

const healthTimeout = 2 * time.Second

type HealthHandler struct {
	control service.ControlClient
}

func NewHealthHandler(control service.ControlClient) *HealthHandler {
	return &HealthHandler{control: control}
}

// Check answers 200 while the proxy loop serves its store, 503 otherwise.
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	now := time.Now().Format(time.RFC3339)
	meta, err := h.control.GetPending(ctx)
	if err != nil {
		logger.Warn(ctx, "Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unavailable",
			"error":     err.Error(),
			"timestamp": now,
		})
		return
	}

	// Public route: document details stay behind the control channel.
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"pending":   meta != nil,
		"timestamp": now,
	})
}
