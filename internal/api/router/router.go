package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/journiapp/journi-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, jwtSecret string) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.DB != nil {
			if err := deps.DB.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "journey-api-service",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "journey-api-service",
		})
	})

	journeyHandler := handler.NewJourneyHandler(deps)
	paymentHandler := handler.NewPaymentHandler(deps)
	usageHandler := handler.NewUsageHandler(deps)
	wsHandler := handler.NewWSHandler(deps)

	auth := AuthMiddleware(jwtSecret, deps.Logger)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		journeys := v1.Group("/journeys", auth)
		{
			// POST /api/v1/journeys - Start a journey map generation job
			journeys.POST("", journeyHandler.CreateJourney)

			// GET /api/v1/journeys - List the user's persisted journeys
			journeys.GET("", journeyHandler.ListJourneys)

			// GET /api/v1/journeys/:job_id - Get the full job record
			journeys.GET("/:job_id", journeyHandler.GetJourney)

			// GET /api/v1/journeys/:job_id/status - Poll status and progress
			journeys.GET("/:job_id/status", journeyHandler.GetJourneyStatus)

			// POST /api/v1/journeys/:job_id/cancel - Cancel a running job
			journeys.POST("/:job_id/cancel", journeyHandler.CancelJourney)

			// GET /api/v1/journeys/:job_id/ws - Stream progress events
			journeys.GET("/:job_id/ws", wsHandler.StreamProgress)
		}

		payments := v1.Group("/payments")
		{
			// POST /api/v1/payments/initialize - Start a payment
			payments.POST("/initialize", auth, paymentHandler.InitializePayment)

			// GET /api/v1/payments/verify/:reference - Verify a payment
			payments.GET("/verify/:reference", auth, paymentHandler.VerifyPayment)

			// POST /api/v1/payments/webhook - Gateway webhook, signature-authenticated
			payments.POST("/webhook", paymentHandler.Webhook)
		}

		// GET /api/v1/usage/limit - Plan and month-to-date usage
		v1.GET("/usage/limit", auth, usageHandler.GetJourneyLimit)
	}

	return r
}
