package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/journiapp/journi-be/internal/journey/domain"
)

// ClaudeConfig holds settings for the Anthropic-backed stage invoker.
// Timeout bounds a single stage call; zero leaves only the workflow-level
// deadline in effect.
type ClaudeConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// ClaudeInvoker runs pipeline stages as single Claude messages calls.
type ClaudeInvoker struct {
	client      anthropic.Client
	form        domain.FormData
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	logger      *slog.Logger
}

// NewClaudeInvoker creates an invoker bound to one job's form data.
func NewClaudeInvoker(cfg *ClaudeConfig, form domain.FormData, logger *slog.Logger) (*ClaudeInvoker, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &ClaudeInvoker{
		client:      anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		form:        form,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      logger,
	}, nil
}

// stageContext derives the per-call context. The stage timeout nests inside
// the caller's workflow deadline, so whichever expires first wins.
func stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// Invoke executes one stage call and returns its text output.
func (c *ClaudeInvoker) Invoke(ctx context.Context, stage Stage, accumulated string) (string, error) {
	start := time.Now()

	ctx, cancel := stageContext(ctx, c.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: stage.Instruction},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(stage, c.form, accumulated))),
		},
	}
	if c.temperature > 0 {
		params.Temperature = anthropic.Float(c.temperature)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		c.logger.Error("Stage call failed",
			slog.Int("step", stage.Number),
			slog.String("stage", stage.Name),
			slog.String("error", err.Error()),
		)
		return "", Classify(err)
	}

	out := textContent(resp.Content)
	if out == "" {
		return "", fmt.Errorf("stage %q returned no text output", stage.Name)
	}

	c.logger.Debug("Stage call completed",
		slog.Int("step", stage.Number),
		slog.String("stage", stage.Name),
		slog.Int("output_length", len(out)),
		slog.Duration("duration", time.Since(start)),
	)

	return out, nil
}

// textContent concatenates the text blocks of a response, skipping tool-use
// and any other non-text block types.
func textContent(blocks []anthropic.ContentBlockUnion) string {
	var out strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String()
}

// Classify maps a provider error onto the closed failure taxonomy. The
// original error stays attached for logging via %w.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %v", domain.ErrInvalidCredentials, err)
		case 429:
			return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
		case 402:
			return fmt.Errorf("%w: %v", domain.ErrQuotaExceeded, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return fmt.Errorf("%w: %v", domain.ErrQuotaExceeded, err)
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "api key") || strings.Contains(msg, "401"):
		return fmt.Errorf("%w: %v", domain.ErrInvalidCredentials, err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "no such host"):
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}

	return err
}
