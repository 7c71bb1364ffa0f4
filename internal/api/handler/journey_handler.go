package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/journiapp/journi-be/internal/api/dto"
	"github.com/journiapp/journi-be/internal/journey/domain"
	"github.com/journiapp/journi-be/internal/journey/storage"
)

// CreateJourney handles POST /api/v1/journeys
// Validates the form, checks the user's plan allowance, and starts the
// generation workflow in the background.
func (h *JourneyHandler) CreateJourney(c *gin.Context) {
	userID := c.GetString(ContextUserID)

	var req dto.CreateJourneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	allowed, quota, err := h.usage.CheckJourneyLimit(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Usage check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to check plan limit",
		})
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Monthly journey limit reached. Upgrade your plan to create more journeys.",
			"quota": quota,
		})
		return
	}

	job, err := h.manager.CreateJob(c.Request.Context(), req.FormData(), userID)
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJourneyResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	})
}

// GetJourneyStatus handles GET /api/v1/journeys/:job_id/status
// Returns the live status, progress snapshot, and bounded progress history.
func (h *JourneyHandler) GetJourneyStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	userID := c.GetString(ContextUserID)

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.manager.GetJob(jobID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, statusResponse(job))
}

// GetJourney handles GET /api/v1/journeys/:job_id
// Returns the full job record including the generated journey map once the
// workflow has completed.
func (h *JourneyHandler) GetJourney(c *gin.Context) {
	jobID := c.Param("job_id")
	userID := c.GetString(ContextUserID)

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.manager.GetJob(jobID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// CancelJourney handles POST /api/v1/journeys/:job_id/cancel
// Requests cooperative cancellation of a running workflow.
func (h *JourneyHandler) CancelJourney(c *gin.Context) {
	jobID := c.Param("job_id")
	userID := c.GetString(ContextUserID)

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if h.manager.CancelJob(jobID, userID) {
		c.JSON(http.StatusOK, dto.CancelJourneyResponse{
			JobID:     jobID,
			Cancelled: true,
			Message:   domain.MsgCancelled,
		})
		return
	}

	// Distinguish an unknown job from one that already finished.
	job, err := h.manager.GetJob(jobID, userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}

	c.JSON(http.StatusConflict, dto.CancelJourneyResponse{
		JobID:     jobID,
		Cancelled: false,
		Message:   "Job already " + job.Status,
	})
}

// ListJourneys handles GET /api/v1/journeys
// Lists the user's persisted journeys with cursor pagination.
func (h *JourneyHandler) ListJourneys(c *gin.Context) {
	userID := c.GetString(ContextUserID)

	var req dto.ListJourneysRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJourneyCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	records, err := h.journeyStore.ListJourneys(c.Request.Context(), storage.JourneyFilter{
		UserID:   userID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list journeys", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list journeys",
		})
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	var nextCursor string
	if hasMore {
		last := records[len(records)-1]
		nextCursor = EncodeJourneyCursor(&storage.JourneyCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJourneysResponse{
		Journeys:   records,
		NextCursor: nextCursor,
	})
}

func statusResponse(job *domain.Job) dto.JourneyStatusResponse {
	resp := dto.JourneyStatusResponse{
		JobID:           job.ID,
		Status:          job.Status,
		Progress:        job.Progress,
		ProgressHistory: job.ProgressHistory,
		Error:           job.ErrorMessage,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Status == domain.JobStatusCompleted {
		resp.Result = job.Result
	}
	return resp
}
