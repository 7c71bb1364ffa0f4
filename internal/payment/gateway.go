package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Gateway is the payment provider contract the controller consumes. The
// production implementation talks to Paystack's REST API; tests substitute a
// fake.
type Gateway interface {
	Initialize(ctx context.Context, req *GatewayInitRequest) (*GatewayInitResult, error)
	Verify(ctx context.Context, reference string) (*GatewayVerifyResult, error)
}

// GatewayInitRequest is the transaction initialization payload.
type GatewayInitRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// GatewayInitResult carries the gateway-assigned redirect target and
// reference.
type GatewayInitResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// GatewayVerifyResult is the gateway's view of a transaction.
type GatewayVerifyResult struct {
	Status          string            `json:"status"`
	Reference       string            `json:"reference"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	CustomerEmail   string            `json:"customer_email"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	PaidAt          string            `json:"paid_at,omitempty"`
	GatewayResponse string            `json:"gateway_response,omitempty"`
}

// PaystackConfig holds Paystack client settings.
type PaystackConfig struct {
	SecretKey   string
	BaseURL     string
	CallbackURL string
	Timeout     time.Duration
}

// PaystackGateway implements Gateway against the Paystack REST API.
type PaystackGateway struct {
	secretKey   string
	baseURL     string
	callbackURL string
	client      *http.Client
	logger      *slog.Logger
}

// NewPaystackGateway creates a Paystack client. Gateway HTTP calls carry
// their own short timeout, independent of any workflow deadline.
func NewPaystackGateway(cfg *PaystackConfig, logger *slog.Logger) (*PaystackGateway, error) {
	if cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.paystack.co"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &PaystackGateway{
		secretKey:   cfg.SecretKey,
		baseURL:     baseURL,
		callbackURL: cfg.CallbackURL,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}, nil
}

// envelope is Paystack's standard response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initialize calls POST /transaction/initialize.
func (g *PaystackGateway) Initialize(ctx context.Context, req *GatewayInitRequest) (*GatewayInitResult, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = g.callbackURL
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := g.do(ctx, http.MethodPost, "/transaction/initialize", req, &data); err != nil {
		return nil, err
	}

	g.logger.Info("Payment initialized with gateway",
		slog.String("email", req.Email),
		slog.String("reference", data.Reference),
	)

	return &GatewayInitResult{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

// Verify calls GET /transaction/verify/{reference}.
func (g *PaystackGateway) Verify(ctx context.Context, reference string) (*GatewayVerifyResult, error) {
	var data struct {
		Status          string `json:"status"`
		Reference       string `json:"reference"`
		Amount          int64  `json:"amount"`
		Currency        string `json:"currency"`
		GatewayResponse string `json:"gateway_response"`
		PaidAt          string `json:"paid_at"`
		Customer        struct {
			Email string `json:"email"`
		} `json:"customer"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := g.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &data); err != nil {
		return nil, err
	}

	g.logger.Info("Payment verified with gateway",
		slog.String("reference", reference),
		slog.String("status", data.Status),
	)

	return &GatewayVerifyResult{
		Status:          data.Status,
		Reference:       data.Reference,
		Amount:          data.Amount,
		Currency:        data.Currency,
		CustomerEmail:   data.Customer.Email,
		Metadata:        data.Metadata,
		PaidAt:          data.PaidAt,
		GatewayResponse: data.GatewayResponse,
	}, nil
}

// do executes one gateway round-trip. Transport failures and 5xx responses
// surface as ErrGatewayUnavailable (retryable); other non-2xx responses are
// definitive gateway rejections.
func (g *PaystackGateway) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal gateway payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Error("Gateway request failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		g.logger.Error("Gateway server error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(raw)),
		)
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}

	if resp.StatusCode >= 400 || !env.Status {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("gateway returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("gateway rejected request: %s", msg)
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode gateway data: %w", err)
		}
	}
	return nil
}
