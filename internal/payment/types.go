package payment

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Transaction status constants. A reference moves pending -> processing ->
// {success | failed}; processed is a one-way latch over success.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// EventChargeSuccess is the gateway event that triggers a plan upgrade.
const EventChargeSuccess = "charge.success"

var (
	// ErrTransactionNotFound is returned when a reference is unknown.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrGatewayUnavailable is a retryable failure: the payment gateway was
	// unreachable or returned a server error. Never treated as success.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrInvalidSignature rejects a webhook whose signature does not match
	// the raw body. This is the only webhook error the transport layer may
	// interpret as retry-worthy.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrNotConfigured is returned when the gateway secret key is missing.
	ErrNotConfigured = errors.New("payment gateway not configured")
)

// Metadata is the immutable key/value payload attached to a transaction at
// initialization (plan, user id). Stored as JSONB.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("cannot scan %T into Metadata", src)
}

// Transaction is the persisted payment record keyed by reference.
type Transaction struct {
	Reference            string     `db:"reference"`
	UserID               string     `db:"user_id"`
	CustomerEmail        string     `db:"customer_email"`
	Amount               int64      `db:"amount"`
	Currency             string     `db:"currency"`
	Status               string     `db:"status"`
	PlanType             string     `db:"plan_type"`
	AccessCode           string     `db:"access_code"`
	AuthorizationURL     string     `db:"authorization_url"`
	Processed            bool       `db:"processed"`
	WebhookReceivedCount int        `db:"webhook_received_count"`
	VerificationCount    int        `db:"verification_count"`
	Metadata             Metadata   `db:"metadata"`
	GatewayResponse      string     `db:"gateway_response"`
	PaidAt               *time.Time `db:"paid_at"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
}

// InitializeResult is returned by Controller.Initialize.
type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
	Reused           bool   `json:"reused"`
}

// VerifyResponse is returned by Controller.Verify.
type VerifyResponse struct {
	Status          string            `json:"status"`
	Reference       string            `json:"reference"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	CustomerEmail   string            `json:"customer_email"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	PaidAt          string            `json:"paid_at,omitempty"`
	GatewayResponse string            `json:"gateway_response,omitempty"`
	FromCache       bool              `json:"from_cache"`
}

// WebhookOutcome reports how a webhook delivery was handled. Soft failures
// (unknown reference, unhandled event) populate Reason instead of raising:
// the transport layer acknowledges them so the gateway stops redelivering.
type WebhookOutcome struct {
	ProcessedNow     bool   `json:"processed_now"`
	AlreadyProcessed bool   `json:"already_processed"`
	Event            string `json:"event,omitempty"`
	Reference        string `json:"reference,omitempty"`
	WebhookCount     int    `json:"webhook_count,omitempty"`
	Reason           string `json:"reason,omitempty"`
}
