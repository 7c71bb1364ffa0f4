package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetJourneyLimit handles GET /api/v1/usage/limit
// Returns the caller's plan and month-to-date journey usage.
func (h *UsageHandler) GetJourneyLimit(c *gin.Context) {
	userID := c.GetString(ContextUserID)

	quota, err := h.usage.GetQuota(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get quota",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get usage",
		})
		return
	}

	c.JSON(http.StatusOK, quota)
}
