package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/journiapp/journi-be/internal/payment"
)

// Storage persists payment transactions in PostgreSQL.
type Storage struct {
	db *sqlx.DB
}

// NewStorage creates a payment storage backed by db.
func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// FindReusable returns the most recent pending or processing transaction for
// email+plan created within lookback.
func (s *Storage) FindReusable(ctx context.Context, email, plan string, lookback time.Duration) (*payment.Transaction, error) {
	query := `
		SELECT reference, user_id, customer_email, amount, currency, status,
		       plan_type, access_code, authorization_url, processed,
		       webhook_received_count, verification_count, metadata,
		       gateway_response, paid_at, created_at, updated_at
		FROM payment_transactions
		WHERE customer_email = $1
		  AND plan_type = $2
		  AND status IN ($3, $4)
		  AND created_at > $5
		ORDER BY created_at DESC
		LIMIT 1
	`

	cutoff := time.Now().UTC().Add(-lookback)

	var tx payment.Transaction
	err := s.db.GetContext(ctx, &tx, query, email, plan, payment.StatusPending, payment.StatusProcessing, cutoff)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, payment.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to query reusable transaction: %w", err)
	}

	return &tx, nil
}

// Insert stores a new transaction. A duplicate reference is ignored so a
// concurrent initialize for the same gateway reference cannot fail.
func (s *Storage) Insert(ctx context.Context, tx *payment.Transaction) error {
	query := `
		INSERT INTO payment_transactions (
			reference, user_id, customer_email, amount, currency, status,
			plan_type, access_code, authorization_url, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (reference) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		tx.Reference,
		tx.UserID,
		tx.CustomerEmail,
		tx.Amount,
		tx.Currency,
		tx.Status,
		tx.PlanType,
		tx.AccessCode,
		tx.AuthorizationURL,
		tx.Metadata,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

// Get returns the transaction for reference.
func (s *Storage) Get(ctx context.Context, reference string) (*payment.Transaction, error) {
	query := `
		SELECT reference, user_id, customer_email, amount, currency, status,
		       plan_type, access_code, authorization_url, processed,
		       webhook_received_count, verification_count, metadata,
		       gateway_response, paid_at, created_at, updated_at
		FROM payment_transactions
		WHERE reference = $1
	`

	var tx payment.Transaction
	err := s.db.GetContext(ctx, &tx, query, reference)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, payment.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}

	return &tx, nil
}

// RecordVerification increments the verification counter for reference.
func (s *Storage) RecordVerification(ctx context.Context, reference string) error {
	query := `
		UPDATE payment_transactions
		SET verification_count = verification_count + 1,
		    updated_at = NOW()
		WHERE reference = $1
	`

	result, err := s.db.ExecContext(ctx, query, reference)
	if err != nil {
		return fmt.Errorf("failed to record verification: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return payment.ErrTransactionNotFound
	}

	return nil
}

// UpdateVerification persists the fields the gateway reported during verify.
// The processed latch is untouched here.
func (s *Storage) UpdateVerification(ctx context.Context, reference string, result *payment.GatewayVerifyResult) error {
	query := `
		UPDATE payment_transactions
		SET status = $2,
		    gateway_response = $3,
		    paid_at = CASE WHEN $4 = '' THEN paid_at ELSE $4::timestamptz END,
		    updated_at = NOW()
		WHERE reference = $1
	`

	res, err := s.db.ExecContext(ctx, query, reference, result.Status, result.GatewayResponse, result.PaidAt)
	if err != nil {
		return fmt.Errorf("failed to update verification result: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return payment.ErrTransactionNotFound
	}

	return nil
}

// RecordWebhook locks the transaction row, increments the webhook counter,
// and returns the row as it stood before this delivery was acted on.
func (s *Storage) RecordWebhook(ctx context.Context, reference string) (*payment.Transaction, error) {
	dbTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	query := `
		SELECT reference, user_id, customer_email, amount, currency, status,
		       plan_type, access_code, authorization_url, processed,
		       webhook_received_count, verification_count, metadata,
		       gateway_response, paid_at, created_at, updated_at
		FROM payment_transactions
		WHERE reference = $1
		FOR UPDATE
	`

	var tx payment.Transaction
	if err := dbTx.GetContext(ctx, &tx, query, reference); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, payment.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}

	update := `
		UPDATE payment_transactions
		SET webhook_received_count = webhook_received_count + 1,
		    updated_at = NOW()
		WHERE reference = $1
	`
	if _, err := dbTx.ExecContext(ctx, update, reference); err != nil {
		return nil, fmt.Errorf("failed to record webhook: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit webhook record: %w", err)
	}

	return &tx, nil
}

// ConditionalMarkProcessed flips the processed latch. The WHERE clause makes
// the transition one-way: only the first caller sees an affected row, every
// concurrent or later attempt reports false.
func (s *Storage) ConditionalMarkProcessed(ctx context.Context, reference string) (bool, error) {
	query := `
		UPDATE payment_transactions
		SET processed = TRUE,
		    processed_at = NOW(),
		    status = $2,
		    updated_at = NOW()
		WHERE reference = $1
		  AND processed = FALSE
	`

	result, err := s.db.ExecContext(ctx, query, reference, payment.StatusSuccess)
	if err != nil {
		return false, fmt.Errorf("failed to mark transaction processed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows == 1, nil
}

// UpdateUserPlan applies the purchased plan to the user account.
func (s *Storage) UpdateUserPlan(ctx context.Context, email, plan, reference string) error {
	query := `
		UPDATE users
		SET plan = $2,
		    plan_updated_at = NOW(),
		    last_payment_reference = $3
		WHERE email = $1
	`

	result, err := s.db.ExecContext(ctx, query, email, plan, reference)
	if err != nil {
		return fmt.Errorf("failed to update user plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no user found for email %s", email)
	}

	return nil
}
