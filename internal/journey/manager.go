package journey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/journiapp/journi-be/internal/journey/domain"
	"github.com/journiapp/journi-be/internal/journey/pipeline"
)

// DefaultWorkflowTimeout bounds the whole 8-stage workflow, not a single
// stage.
const DefaultWorkflowTimeout = 15 * time.Minute

// errCancelledByUser is the cancellation cause set by CancelJob, used to
// tell a user cancel apart from the workflow deadline.
var errCancelledByUser = errors.New("cancelled by user")

// Recorder persists journey bookkeeping to the durable store. Any call may
// fail; the manager logs and keeps the in-memory state authoritative.
type Recorder interface {
	InsertJourney(ctx context.Context, job *domain.Job) error
	UpdateJourneyStatus(ctx context.Context, jobID, status, errorMessage string) error
	UpdateJourneyCompletion(ctx context.Context, jobID string, result *domain.JourneyMap) error
}

// InvokerFactory builds the pipeline invoker for one job's form data.
type InvokerFactory func(form domain.FormData) (pipeline.Invoker, error)

// ManagerConfig holds lifecycle manager dependencies.
type ManagerConfig struct {
	Store           *Store
	Progress        *ProgressChannel
	Recorder        Recorder
	Invokers        InvokerFactory
	WorkflowTimeout time.Duration
	Logger          *slog.Logger
}

// Manager orchestrates job creation, drives the pipeline stage by stage,
// maintains progress, persists terminal state, and supports cooperative
// cancellation. Exactly one workflow goroutine runs per job.
type Manager struct {
	store    *Store
	progress *ProgressChannel
	recorder Recorder
	invokers InvokerFactory
	timeout  time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	cancels     map[string]context.CancelCauseFunc
	globalSinks []Observer
}

// NewManager creates a lifecycle manager.
func NewManager(cfg *ManagerConfig) *Manager {
	timeout := cfg.WorkflowTimeout
	if timeout <= 0 {
		timeout = DefaultWorkflowTimeout
	}
	return &Manager{
		store:    cfg.Store,
		progress: cfg.Progress,
		recorder: cfg.Recorder,
		invokers: cfg.Invokers,
		timeout:  timeout,
		logger:   cfg.Logger,
		cancels:  make(map[string]context.CancelCauseFunc),
	}
}

// AttachGlobalSink registers an observer that is subscribed to every job
// created from this point on. Call at startup, before serving requests.
func (m *Manager) AttachGlobalSink(sink Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalSinks = append(m.globalSinks, sink)
}

// ValidateForm rejects malformed creation requests before a job is
// allocated.
func ValidateForm(form domain.FormData) error {
	if form.Industry == "" {
		return fmt.Errorf("industry is required")
	}
	if form.BusinessGoals == "" {
		return fmt.Errorf("business goals are required")
	}
	if len(form.JourneyPhases) == 0 {
		return fmt.Errorf("at least one journey phase is required")
	}
	return nil
}

// CreateJob validates and stores the form, records creation bookkeeping
// best-effort, starts the workflow in the background, and returns
// immediately. The caller observes progress separately.
func (m *Manager) CreateJob(ctx context.Context, form domain.FormData, ownerID string) (*domain.Job, error) {
	if err := ValidateForm(form); err != nil {
		return nil, err
	}

	job := m.store.Create(form, ownerID)

	m.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("user_id", ownerID),
		slog.String("industry", form.Industry),
	)

	// Bookkeeping insert is best-effort: creation must not fail because the
	// durable store is down.
	if err := m.recorder.InsertJourney(ctx, job); err != nil {
		m.logger.Error("Failed to record journey creation",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	m.mu.Lock()
	sinks := append([]Observer(nil), m.globalSinks...)
	m.mu.Unlock()
	for _, sink := range sinks {
		m.progress.Subscribe(job.ID, sink)
	}

	go m.runWorkflow(job.ID)

	return job, nil
}

// GetJob is a pure read with ownership check.
func (m *Manager) GetJob(jobID, ownerID string) (*domain.Job, error) {
	return m.store.Get(jobID, ownerID)
}

// CancelJob requests cooperative cancellation of an in-flight workflow.
// Returns false if the job is unknown, not owned by ownerID, or already
// terminal.
func (m *Manager) CancelJob(jobID, ownerID string) bool {
	job, err := m.store.Get(jobID, ownerID)
	if err != nil {
		m.logger.Warn("Cancel requested for unknown job", slog.String("job_id", jobID))
		return false
	}
	if domain.IsTerminal(job.Status) {
		m.logger.Info("Job already terminal, cannot cancel", slog.String("job_id", jobID))
		return false
	}

	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	m.mu.Unlock()
	if ok {
		cancel(errCancelledByUser)
	}

	// The workflow observes the cancellation at its next suspension point;
	// the terminal transition happens here so callers see it immediately.
	m.transitionTerminal(jobID, domain.JobStatusCancelled, domain.MsgCancelled, nil)

	m.logger.Info("Job cancelled", slog.String("job_id", jobID), slog.String("user_id", ownerID))
	return true
}

// transitionTerminal applies a terminal state if the job is not terminal
// already. Returns true when this call performed the transition, preserving
// the no-exit-from-terminal invariant under the cancel/finalize race.
func (m *Manager) transitionTerminal(jobID, status, errorMessage string, result *domain.JourneyMap) bool {
	applied := false
	_ = m.store.Mutate(jobID, func(job *domain.Job) {
		if domain.IsTerminal(job.Status) {
			return
		}
		job.Status = status
		if errorMessage != "" {
			job.ErrorMessage = errorMessage
		}
		if result != nil {
			job.Result = result
		}
		applied = true
	})
	return applied
}

// runWorkflow drives the 8 pipeline stages for one job. It is the only
// goroutine that mutates the job after creation, apart from the terminal
// transition in CancelJob which serializes through the store lock.
func (m *Manager) runWorkflow(jobID string) {
	job, err := m.store.Get(jobID, "")
	if err != nil {
		m.logger.Error("Workflow started for unknown job", slog.String("job_id", jobID))
		return
	}

	wfCtx, cancel := context.WithCancelCause(context.Background())
	ctx, cancelTimeout := context.WithTimeout(wfCtx, m.timeout)
	defer cancelTimeout()
	defer cancel(nil)

	m.mu.Lock()
	m.cancels[jobID] = cancel
	m.mu.Unlock()

	var (
		result   *domain.JourneyMap
		finalErr error
	)

	defer func() {
		m.finalize(jobID, result, finalErr)
		m.mu.Lock()
		delete(m.cancels, jobID)
		m.mu.Unlock()
	}()

	// A cancel can land between job creation and this point; if it did, the
	// job is already terminal and no stage may run.
	alreadyTerminal := false
	m.store.Mutate(jobID, func(j *domain.Job) {
		if domain.IsTerminal(j.Status) {
			alreadyTerminal = true
			return
		}
		j.Status = domain.JobStatusProcessing
	})
	if alreadyTerminal {
		finalErr = errCancelledByUser
		return
	}

	m.publishProgress(jobID, 0, "Starting", "Initializing journey mapping process...")

	invoker, err := m.invokers(job.FormData)
	if err != nil {
		finalErr = pipeline.Classify(err)
		return
	}

	accumulated := ""
	for _, stage := range pipeline.Stages {
		if ctx.Err() != nil {
			finalErr = m.interruptionError(wfCtx, ctx)
			return
		}

		m.publishProgress(jobID, stage.Number, stage.Name, stage.Message)

		output, err := invoker.Invoke(ctx, stage, accumulated)
		if err != nil {
			if ctx.Err() != nil {
				finalErr = m.interruptionError(wfCtx, ctx)
			} else {
				finalErr = err
			}
			m.logger.Error("Stage failed",
				slog.String("job_id", jobID),
				slog.Int("step", stage.Number),
				slog.String("stage", stage.Name),
				slog.String("error", err.Error()),
			)
			return
		}

		accumulated = pipeline.Accumulate(accumulated, stage, output)
		m.publishProgress(jobID, stage.Number, stage.Name, fmt.Sprintf("%s completed", stage.Name))

		m.logger.Info("Stage completed",
			slog.String("job_id", jobID),
			slog.Int("step", stage.Number),
			slog.String("stage", stage.Name),
		)
	}

	result = pipeline.ParseResult(lastStageOutput(accumulated), job.FormData)
}

// interruptionError distinguishes a user cancel from the workflow deadline.
func (m *Manager) interruptionError(wfCtx, ctx context.Context) error {
	if errors.Is(context.Cause(wfCtx), errCancelledByUser) {
		return errCancelledByUser
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return ctx.Err()
}

// lastStageOutput extracts the final stage's section from the accumulated
// transcript; the QA stage's output is what gets parsed into the result.
func lastStageOutput(accumulated string) string {
	marker := fmt.Sprintf("## Step %d: %s\n", len(pipeline.Stages), pipeline.Stages[len(pipeline.Stages)-1].Name)
	if idx := strings.LastIndex(accumulated, marker); idx >= 0 {
		return accumulated[idx+len(marker):]
	}
	return accumulated
}

// finalize runs on every workflow exit path. It applies the terminal state,
// persists it (failures logged, never re-raised), publishes exactly one
// final progress event, and schedules observer cleanup.
func (m *Manager) finalize(jobID string, result *domain.JourneyMap, workflowErr error) {
	status := domain.JobStatusCompleted
	message := ""

	switch {
	case workflowErr == nil:
		// completed
	case errors.Is(workflowErr, errCancelledByUser), errors.Is(workflowErr, context.Canceled):
		status = domain.JobStatusCancelled
		message = domain.MsgCancelled
	case errors.Is(workflowErr, context.DeadlineExceeded):
		status = domain.JobStatusFailed
		message = domain.MsgTimeout
	default:
		status = domain.JobStatusFailed
		message = domain.FailureMessage(workflowErr)
	}

	m.transitionTerminal(jobID, status, message, result)

	// Re-read: the cancel path may have won the terminal transition.
	job, err := m.store.Get(jobID, "")
	if err != nil {
		return
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if job.Status == domain.JobStatusCompleted && job.Result != nil {
		if err := m.recorder.UpdateJourneyCompletion(persistCtx, jobID, job.Result); err != nil {
			m.logger.Error("Failed to persist journey completion",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	} else {
		if err := m.recorder.UpdateJourneyStatus(persistCtx, jobID, job.Status, job.ErrorMessage); err != nil {
			m.logger.Error("Failed to persist journey status",
				slog.String("job_id", jobID),
				slog.String("status", job.Status),
				slog.String("error", err.Error()),
			)
		}
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		m.publishProgress(jobID, domain.TotalSteps, "Completed", "Journey map generated successfully!")
	case domain.JobStatusCancelled:
		m.publishFinal(jobID, "Cancelled", domain.MsgCancelled)
	default:
		m.publishFinal(jobID, "Failed", job.ErrorMessage)
	}

	m.progress.ScheduleCleanup(jobID)

	m.logger.Info("Workflow finished",
		slog.String("job_id", jobID),
		slog.String("status", job.Status),
	)
}

// publishProgress overwrites the job's progress snapshot, appends it to the
// bounded history, and broadcasts the event.
func (m *Manager) publishProgress(jobID string, step int, stepName, message string) {
	percentage := float64(step) / float64(domain.TotalSteps) * 100
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}

	progress := domain.Progress{
		CurrentStep: step,
		TotalSteps:  domain.TotalSteps,
		StepName:    stepName,
		Message:     message,
		Percentage:  percentage,
	}

	var event Event
	err := m.store.Mutate(jobID, func(job *domain.Job) {
		job.Progress = &progress
		job.ProgressHistory = append(job.ProgressHistory, progress)
		if len(job.ProgressHistory) > domain.ProgressHistoryLimit {
			job.ProgressHistory = job.ProgressHistory[len(job.ProgressHistory)-domain.ProgressHistoryLimit:]
		}
		event = m.buildEvent(job, &progress)
	})
	if err != nil {
		m.logger.Error("Progress update for unknown job", slog.String("job_id", jobID))
		return
	}

	m.progress.Publish(jobID, event)
}

// publishFinal broadcasts the terminal event for failed/cancelled jobs
// without regressing the current step.
func (m *Manager) publishFinal(jobID, stepName, message string) {
	step := 0
	if job, err := m.store.Get(jobID, ""); err == nil && job.Progress != nil {
		step = job.Progress.CurrentStep
	}
	m.publishProgress(jobID, step, stepName, message)
}

// buildEvent assembles the broadcast payload from the live record. Called
// under the store lock.
func (m *Manager) buildEvent(job *domain.Job, progress *domain.Progress) Event {
	event := Event{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	}
	if job.Status == domain.JobStatusCompleted && job.Result != nil {
		result := *job.Result
		event.Result = &result
	}
	if job.Status == domain.JobStatusCancelled {
		event.Cancelled = true
	}
	if (job.Status == domain.JobStatusFailed || job.Status == domain.JobStatusCancelled) && job.ErrorMessage != "" {
		event.Error = job.ErrorMessage
	}
	return event
}
