package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/journiapp/journi-be/internal/journey/domain"
)

// Storage persists journey bookkeeping rows. Every row carries the in-memory
// job id as a column, so terminal updates always match by id directly; there
// is no fallback heuristic.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a journey storage backed by db.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{db: db, logger: logger}
}

// InsertJourney records a newly created job. Called best-effort at creation
// time; the caller logs and swallows failures.
func (s *Storage) InsertJourney(ctx context.Context, job *domain.Job) error {
	formJSON, err := json.Marshal(job.FormData)
	if err != nil {
		return fmt.Errorf("failed to marshal form data: %w", err)
	}

	query := `
		INSERT INTO journeys (
			job_id, user_id, title, industry, status, form_data, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	title := job.FormData.Title
	if title == "" {
		title = "Untitled Journey"
	}

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.OwnerID,
		title,
		job.FormData.Industry,
		job.Status,
		formJSON,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert journey: %w", err)
	}

	s.logger.Debug("Journey record inserted",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.OwnerID),
	)
	return nil
}

// UpdateJourneyStatus persists a status transition, optionally with an error
// message for failed/cancelled jobs. The update matches by job_id only.
func (s *Storage) UpdateJourneyStatus(ctx context.Context, jobID, status, errorMessage string) error {
	query := `
		UPDATE journeys
		SET status = $1,
		    error_message = NULLIF($2, ''),
		    completed_at = CASE WHEN $1 IN ('completed', 'failed', 'cancelled') THEN NOW() END,
		    updated_at = NOW()
		WHERE job_id = $3
	`

	result, err := s.db.ExecContext(ctx, query, status, errorMessage, jobID)
	if err != nil {
		return fmt.Errorf("failed to update journey status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no journey row for job %s", jobID)
	}

	s.logger.Info("Journey status persisted",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	return nil
}

// UpdateJourneyCompletion persists the generated journey map alongside the
// completed status.
func (s *Storage) UpdateJourneyCompletion(ctx context.Context, jobID string, result *domain.JourneyMap) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE journeys
		SET status = 'completed',
		    result_data = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
	`

	res, err := s.db.ExecContext(ctx, query, resultJSON, jobID)
	if err != nil {
		return fmt.Errorf("failed to update journey completion: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no journey row for job %s", jobID)
	}

	s.logger.Info("Journey completion persisted", slog.String("job_id", jobID))
	return nil
}

// JourneyRecord is a persisted journey row. ResultData is raw JSON so list
// responses can return it without a decode/encode round trip.
type JourneyRecord struct {
	JobID        string          `db:"job_id" json:"job_id"`
	UserID       string          `db:"user_id" json:"user_id"`
	Title        string          `db:"title" json:"title"`
	Industry     string          `db:"industry" json:"industry"`
	Status       string          `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	ResultData   json.RawMessage `db:"result_data" json:"result_data,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	CompletedAt  *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// JourneyFilter narrows a journey listing.
type JourneyFilter struct {
	UserID   string
	Status   string
	PageSize int
	Cursor   *JourneyCursor
}

// JourneyCursor marks a position in the created_at DESC, job_id DESC order.
type JourneyCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJourneys returns up to PageSize+1 rows after the cursor; the extra row
// tells the caller whether more pages exist.
func (s *Storage) ListJourneys(ctx context.Context, filter JourneyFilter) ([]JourneyRecord, error) {
	query := `
		SELECT job_id, user_id, title, industry, status,
		       error_message, result_data, created_at, completed_at
		FROM journeys
		WHERE user_id = $1
	`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var records []JourneyRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list journeys: %w", err)
	}

	return records, nil
}
