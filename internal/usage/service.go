package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Plan identifiers and their monthly journey allowances. A negative limit
// means unlimited.
const (
	PlanFree = "free"
	PlanPro  = "pro"

	FreePlanJourneyLimit = 5
)

// Quota describes a user's current journey allowance.
type Quota struct {
	Plan      string `json:"plan"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
}

// Service answers plan-limit questions from the users and journeys tables.
type Service struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewService creates a usage service.
func NewService(db *sqlx.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// CheckJourneyLimit reports whether the user may start another journey.
// Storage failures degrade open: generation is never blocked by a usage
// bookkeeping outage, only by a positively confirmed exhausted quota.
func (s *Service) CheckJourneyLimit(ctx context.Context, userID string) (bool, *Quota, error) {
	quota, err := s.GetQuota(ctx, userID)
	if err != nil {
		s.logger.Warn("Usage check failed, allowing request",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return true, nil, nil
	}

	if quota.Unlimited {
		return true, quota, nil
	}

	return quota.Remaining > 0, quota, nil
}

// GetQuota returns the user's plan, limit, and month-to-date usage.
func (s *Service) GetQuota(ctx context.Context, userID string) (*Quota, error) {
	var plan string
	err := s.db.GetContext(ctx, &plan, `SELECT plan FROM users WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			plan = PlanFree
		} else {
			return nil, fmt.Errorf("failed to query user plan: %w", err)
		}
	}

	quota := &Quota{Plan: plan}
	if plan != PlanFree {
		quota.Limit = -1
		quota.Unlimited = true
		return quota, nil
	}

	var used int
	err = s.db.GetContext(ctx, &used, `
		SELECT COUNT(*)
		FROM journeys
		WHERE user_id = $1
		  AND created_at >= date_trunc('month', NOW())
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count journeys: %w", err)
	}

	quota.Limit = FreePlanJourneyLimit
	quota.Used = used
	quota.Remaining = FreePlanJourneyLimit - used
	if quota.Remaining < 0 {
		quota.Remaining = 0
	}

	return quota, nil
}
