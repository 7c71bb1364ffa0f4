package dto

import (
	"github.com/journiapp/journi-be/internal/journey/domain"
	"github.com/journiapp/journi-be/internal/journey/storage"
)

// CreateJourneyRequest is the POST /api/v1/journeys body.
type CreateJourneyRequest struct {
	Title             string   `json:"title"`
	Industry          string   `json:"industry" binding:"required"`
	BusinessGoals     string   `json:"business_goals" binding:"required"`
	TargetPersonas    []string `json:"target_personas"`
	JourneyPhases     []string `json:"journey_phases" binding:"required"`
	AdditionalContext string   `json:"additional_context"`
	UploadedFiles     []string `json:"uploaded_files"`
}

// FormData converts the request into the immutable workflow snapshot.
func (r *CreateJourneyRequest) FormData() domain.FormData {
	return domain.FormData{
		Title:             r.Title,
		Industry:          r.Industry,
		BusinessGoals:     r.BusinessGoals,
		TargetPersonas:    r.TargetPersonas,
		JourneyPhases:     r.JourneyPhases,
		AdditionalContext: r.AdditionalContext,
		UploadedFiles:     r.UploadedFiles,
	}
}

// CreateJourneyResponse acknowledges an accepted generation job.
type CreateJourneyResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// JourneyStatusResponse is the polling payload for one job.
type JourneyStatusResponse struct {
	JobID           string             `json:"job_id"`
	Status          string             `json:"status"`
	Progress        *domain.Progress   `json:"progress,omitempty"`
	ProgressHistory []domain.Progress  `json:"progress_history,omitempty"`
	Result          *domain.JourneyMap `json:"result,omitempty"`
	Error           string             `json:"error,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
}

// CancelJourneyResponse reports the outcome of a cancel request.
type CancelJourneyResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message"`
}

// ListJourneysRequest carries the listing query parameters.
type ListJourneysRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListJourneysResponse is one page of persisted journeys.
type ListJourneysResponse struct {
	Journeys   []storage.JourneyRecord `json:"journeys"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}
