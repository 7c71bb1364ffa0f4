package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Lookback and cache defaults.
const (
	// DefaultReuseLookback is how far back Initialize searches for a
	// pending transaction to reuse instead of contacting the gateway.
	DefaultReuseLookback = 30 * time.Minute

	// verificationCacheTTL bounds how long a verification result is served
	// from memory.
	verificationCacheTTL = 300 * time.Second

	// verificationCacheSize caps the cache; the LRU evicts beyond this.
	verificationCacheSize = 1024
)

// TransactionStore is the durable persistence contract for payment
// transactions. Implementations must make ConditionalMarkProcessed atomic
// (a conditional update under a row lock): it is the one-way latch that
// guarantees the plan upgrade runs at most once per reference.
type TransactionStore interface {
	// FindReusable returns the most recent pending/processing transaction
	// for email+plan created within lookback, or ErrTransactionNotFound.
	FindReusable(ctx context.Context, email, plan string, lookback time.Duration) (*Transaction, error)

	// Insert stores a new transaction. Insert-if-absent: a concurrent
	// attempt with the same reference must not error.
	Insert(ctx context.Context, tx *Transaction) error

	// Get returns the transaction for reference or ErrTransactionNotFound.
	Get(ctx context.Context, reference string) (*Transaction, error)

	// RecordVerification increments the verification counter.
	RecordVerification(ctx context.Context, reference string) error

	// UpdateVerification persists the gateway's verify result fields.
	UpdateVerification(ctx context.Context, reference string, result *GatewayVerifyResult) error

	// RecordWebhook locks the row, increments the webhook counter, and
	// returns the transaction as it was before any processing decision.
	RecordWebhook(ctx context.Context, reference string) (*Transaction, error)

	// ConditionalMarkProcessed flips the processed latch if and only if it
	// is still false, reporting whether this call won the race.
	ConditionalMarkProcessed(ctx context.Context, reference string) (bool, error)

	// UpdateUserPlan applies the plan upgrade to the account record.
	UpdateUserPlan(ctx context.Context, email, plan, reference string) error
}

// ControllerConfig holds controller dependencies.
type ControllerConfig struct {
	Store         TransactionStore
	Gateway       Gateway
	WebhookSecret string
	Currency      string
	ReuseLookback time.Duration
	Logger        *slog.Logger
}

// Controller implements idempotent payment initialization, verification with
// caching, and at-most-once webhook processing.
type Controller struct {
	store    TransactionStore
	gateway  Gateway
	secret   string
	currency string
	lookback time.Duration
	cache    *expirable.LRU[string, VerifyResponse]
	logger   *slog.Logger
}

// NewController creates a payment controller.
func NewController(cfg *ControllerConfig) *Controller {
	lookback := cfg.ReuseLookback
	if lookback <= 0 {
		lookback = DefaultReuseLookback
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "NGN"
	}
	return &Controller{
		store:    cfg.Store,
		gateway:  cfg.Gateway,
		secret:   cfg.WebhookSecret,
		currency: currency,
		lookback: lookback,
		cache:    expirable.NewLRU[string, VerifyResponse](verificationCacheSize, nil, verificationCacheTTL),
		logger:   cfg.Logger,
	}
}

// Initialize starts a payment for email/plan. A pending transaction for the
// same identity+plan inside the lookback window is returned unchanged
// (reused=true) without contacting the gateway, which absorbs double-clicks.
func (c *Controller) Initialize(ctx context.Context, email string, amount int64, plan, userID string) (*InitializeResult, error) {
	existing, err := c.store.FindReusable(ctx, email, plan, c.lookback)
	if err == nil {
		c.logger.Info("Reusing pending transaction",
			slog.String("email", email),
			slog.String("reference", existing.Reference),
		)
		return &InitializeResult{
			AuthorizationURL: existing.AuthorizationURL,
			AccessCode:       existing.AccessCode,
			Reference:        existing.Reference,
			Reused:           true,
		}, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, fmt.Errorf("failed to check pending transactions: %w", err)
	}

	metadata := map[string]string{"plan": plan}
	if userID != "" {
		metadata["user_id"] = userID
	}

	initResult, err := c.gateway.Initialize(ctx, &GatewayInitRequest{
		Email:    email,
		Amount:   amount,
		Currency: c.currency,
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tx := &Transaction{
		Reference:        initResult.Reference,
		UserID:           userID,
		CustomerEmail:    email,
		Amount:           amount,
		Currency:         c.currency,
		Status:           StatusPending,
		PlanType:         plan,
		AccessCode:       initResult.AccessCode,
		AuthorizationURL: initResult.AuthorizationURL,
		Metadata:         metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.store.Insert(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}

	return &InitializeResult{
		AuthorizationURL: initResult.AuthorizationURL,
		AccessCode:       initResult.AccessCode,
		Reference:        initResult.Reference,
		Reused:           false,
	}, nil
}

// Verify resolves the state of a reference. Check order: in-process cache
// (unless forceRefresh), processed row fast path, then the gateway. A
// gateway-reported success applies the plan upgrade through the same
// one-time latch as the webhook path.
func (c *Controller) Verify(ctx context.Context, reference string, forceRefresh bool) (*VerifyResponse, error) {
	if !forceRefresh {
		if cached, ok := c.cache.Get(reference); ok {
			cached.FromCache = true
			c.logger.Debug("Verification served from cache", slog.String("reference", reference))
			return &cached, nil
		}
	}

	tx, err := c.store.Get(ctx, reference)
	if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	// Processed fast path: synthesize from the stored row, skip the gateway
	// and the verification counter.
	if tx != nil && tx.Processed && tx.Status == StatusSuccess {
		resp := responseFromTransaction(tx)
		c.cache.Add(reference, *resp)
		return resp, nil
	}

	if tx != nil {
		if err := c.store.RecordVerification(ctx, reference); err != nil {
			c.logger.Warn("Failed to increment verification counter",
				slog.String("reference", reference),
				slog.String("error", err.Error()),
			)
		}
	}

	verified, err := c.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, err
	}

	if err := c.store.UpdateVerification(ctx, reference, verified); err != nil {
		c.logger.Warn("Failed to persist verification result",
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
	}

	resp := &VerifyResponse{
		Status:          verified.Status,
		Reference:       verified.Reference,
		Amount:          verified.Amount,
		Currency:        verified.Currency,
		CustomerEmail:   verified.CustomerEmail,
		Metadata:        verified.Metadata,
		PaidAt:          verified.PaidAt,
		GatewayResponse: verified.GatewayResponse,
	}

	if verified.Status == StatusSuccess {
		c.applyUpgrade(ctx, reference, verified.CustomerEmail, planFromMetadata(verified.Metadata))
		c.cache.Add(reference, *resp)
	}

	return resp, nil
}

// ProcessWebhook handles one webhook delivery. Only a signature failure is
// returned as an error; everything else resolves to a WebhookOutcome so the
// transport layer can acknowledge receipt and stop redelivery.
func (c *Controller) ProcessWebhook(ctx context.Context, body []byte, signature string) (*WebhookOutcome, error) {
	if !VerifySignature(body, signature, c.secret) {
		c.logger.Warn("Webhook signature verification failed")
		return nil, ErrInvalidSignature
	}

	var event struct {
		Event string `json:"event"`
		Data  struct {
			Reference string `json:"reference"`
			Amount    int64  `json:"amount"`
			Customer  struct {
				Email string `json:"email"`
			} `json:"customer"`
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("Malformed webhook body", slog.String("error", err.Error()))
		return &WebhookOutcome{Reason: "malformed event body"}, nil
	}

	reference := event.Data.Reference
	if reference == "" {
		c.logger.Warn("Webhook received without reference", slog.String("event", event.Event))
		return &WebhookOutcome{Event: event.Event, Reason: "no reference in webhook"}, nil
	}

	tx, err := c.store.RecordWebhook(ctx, reference)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.logger.Warn("Webhook for unknown transaction", slog.String("reference", reference))
			return &WebhookOutcome{Event: event.Event, Reference: reference, Reason: "transaction not found"}, nil
		}
		c.logger.Error("Failed to record webhook",
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
		return &WebhookOutcome{Event: event.Event, Reference: reference, Reason: "storage failure"}, nil
	}

	count := tx.WebhookReceivedCount + 1

	if tx.Processed {
		c.logger.Info("Webhook for already processed transaction",
			slog.String("reference", reference),
			slog.Int("webhook_count", count),
		)
		return &WebhookOutcome{
			AlreadyProcessed: true,
			Event:            event.Event,
			Reference:        reference,
			WebhookCount:     count,
		}, nil
	}

	if event.Event != EventChargeSuccess {
		c.logger.Info("Unhandled webhook event",
			slog.String("event", event.Event),
			slog.String("reference", reference),
		)
		return &WebhookOutcome{Event: event.Event, Reference: reference, WebhookCount: count}, nil
	}

	plan := planFromMetadata(event.Data.Metadata)
	email := event.Data.Customer.Email
	if email == "" {
		email = tx.CustomerEmail
	}

	won, err := c.store.ConditionalMarkProcessed(ctx, reference)
	if err != nil {
		c.logger.Error("Failed to mark transaction processed",
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
		return &WebhookOutcome{Event: event.Event, Reference: reference, Reason: "storage failure"}, nil
	}
	if !won {
		// Another caller (a concurrent verify or redelivery) applied the
		// upgrade first. Expected control flow, not an error.
		c.logger.Info("Transaction processed concurrently elsewhere", slog.String("reference", reference))
		return &WebhookOutcome{
			AlreadyProcessed: true,
			Event:            event.Event,
			Reference:        reference,
			WebhookCount:     count,
		}, nil
	}

	if err := c.store.UpdateUserPlan(ctx, email, plan, reference); err != nil {
		c.logger.Error("Failed to apply plan upgrade",
			slog.String("reference", reference),
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
	} else {
		c.logger.Info("Plan upgraded via webhook",
			slog.String("email", email),
			slog.String("plan", plan),
			slog.String("reference", reference),
		)
	}

	return &WebhookOutcome{
		ProcessedNow: true,
		Event:        event.Event,
		Reference:    reference,
		WebhookCount: count,
	}, nil
}

// applyUpgrade runs the one-time latch from the verify path. Losing the race
// is fine: the webhook already applied the upgrade.
func (c *Controller) applyUpgrade(ctx context.Context, reference, email, plan string) {
	won, err := c.store.ConditionalMarkProcessed(ctx, reference)
	if err != nil {
		c.logger.Error("Failed to mark transaction processed from verify",
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
		return
	}
	if !won {
		return
	}
	if err := c.store.UpdateUserPlan(ctx, email, plan, reference); err != nil {
		c.logger.Error("Failed to apply plan upgrade from verify",
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Info("Plan upgraded via verification",
		slog.String("email", email),
		slog.String("plan", plan),
		slog.String("reference", reference),
	)
}

func planFromMetadata(metadata map[string]string) string {
	if plan, ok := metadata["plan"]; ok && plan != "" {
		return plan
	}
	return "pro"
}

func responseFromTransaction(tx *Transaction) *VerifyResponse {
	resp := &VerifyResponse{
		Status:          tx.Status,
		Reference:       tx.Reference,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		CustomerEmail:   tx.CustomerEmail,
		Metadata:        tx.Metadata,
		GatewayResponse: tx.GatewayResponse,
		FromCache:       true,
	}
	if tx.PaidAt != nil {
		resp.PaidAt = tx.PaidAt.UTC().Format(time.RFC3339)
	}
	return resp
}
