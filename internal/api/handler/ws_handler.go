package handler

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/journiapp/journi-be/internal/journey"
	"github.com/journiapp/journi-be/internal/journey/domain"
)

const wsWriteTimeout = 10 * time.Second

// WSHandler streams progress events for one job over a websocket.
type WSHandler struct {
	logger   *slog.Logger
	manager  *journey.Manager
	progress *journey.ProgressChannel
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler instance
func NewWSHandler(deps *Dependencies) *WSHandler {
	return &WSHandler{
		logger:   deps.Logger,
		manager:  deps.Manager,
		progress: deps.Progress,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// wsObserver delivers progress events to one websocket connection. Writes are
// serialized with a mutex because the broadcast goroutine and the snapshot
// write race otherwise.
type wsObserver struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Deliver implements journey.Observer. A write failure reports the error so
// the progress channel drops this observer.
func (o *wsObserver) Deliver(event journey.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return o.conn.WriteJSON(event)
}

// StreamProgress handles GET /api/v1/journeys/:job_id/ws
// Upgrades the connection, sends the current job snapshot, then forwards
// every progress event until the client disconnects.
func (h *WSHandler) StreamProgress(c *gin.Context) {
	jobID := c.Param("job_id")
	userID := c.GetString(ContextUserID)

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.manager.GetJob(jobID, userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	observer := &wsObserver{conn: conn}

	// Snapshot before subscribing: a client attaching mid-workflow (or after
	// a terminal state) sees the current state immediately, and every queued
	// event delivered afterwards is at least as new as the snapshot.
	if err := observer.Deliver(snapshotEvent(job)); err != nil {
		conn.Close()
		return
	}

	if !h.progress.Subscribe(jobID, observer) {
		conn.Close()
		return
	}

	h.logger.Info("Websocket subscribed",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)

	// Read loop exists only to detect disconnects; clients send nothing.
	go func() {
		defer func() {
			h.progress.Unsubscribe(jobID, observer)
			conn.Close()
			h.logger.Info("Websocket disconnected", slog.String("job_id", jobID))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// snapshotEvent builds a progress event from the stored job state.
func snapshotEvent(job *domain.Job) journey.Event {
	event := journey.Event{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Timestamp: time.Now().UTC(),
	}
	if job.Status == domain.JobStatusCompleted {
		event.Result = job.Result
	}
	if job.Status == domain.JobStatusCancelled {
		event.Cancelled = true
	}
	if job.ErrorMessage != "" && domain.IsTerminal(job.Status) {
		event.Error = job.ErrorMessage
	}
	return event
}
