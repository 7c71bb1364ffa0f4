package handler

import (
	"log/slog"

	"github.com/journiapp/journi-be/internal/journey"
	"github.com/journiapp/journi-be/internal/journey/storage"
	"github.com/journiapp/journi-be/internal/payment"
	"github.com/journiapp/journi-be/internal/usage"
	"github.com/journiapp/journi-be/shared/postgresql"
)

// Context keys set by the auth middleware and read by handlers.
const (
	ContextUserID    = "user_id"
	ContextUserEmail = "user_email"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Manager      *journey.Manager
	Progress     *journey.ProgressChannel
	JourneyStore *storage.Storage
	Payments     *payment.Controller
	Usage        *usage.Service
	DB           *postgresql.Client
}

// JourneyHandler handles journey generation HTTP requests
type JourneyHandler struct {
	logger       *slog.Logger
	manager      *journey.Manager
	journeyStore *storage.Storage
	usage        *usage.Service
}

// NewJourneyHandler creates a new JourneyHandler instance
func NewJourneyHandler(deps *Dependencies) *JourneyHandler {
	return &JourneyHandler{
		logger:       deps.Logger,
		manager:      deps.Manager,
		journeyStore: deps.JourneyStore,
		usage:        deps.Usage,
	}
}

// PaymentHandler handles payment HTTP requests
type PaymentHandler struct {
	logger   *slog.Logger
	payments *payment.Controller
}

// NewPaymentHandler creates a new PaymentHandler instance
func NewPaymentHandler(deps *Dependencies) *PaymentHandler {
	return &PaymentHandler{
		logger:   deps.Logger,
		payments: deps.Payments,
	}
}

// UsageHandler answers plan-limit queries
type UsageHandler struct {
	logger *slog.Logger
	usage  *usage.Service
}

// NewUsageHandler creates a new UsageHandler instance
func NewUsageHandler(deps *Dependencies) *UsageHandler {
	return &UsageHandler{
		logger: deps.Logger,
		usage:  deps.Usage,
	}
}
