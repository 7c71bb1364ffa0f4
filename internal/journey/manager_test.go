package journey

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journiapp/journi-be/internal/journey/domain"
	"github.com/journiapp/journi-be/internal/journey/pipeline"
)

const qaStageJSON = `{
	"title": "Retail Customer Journey",
	"industry": "Retail",
	"personas": [
		{"id": "p1", "name": "Ada", "age": "25-34", "occupation": "Designer",
		 "goals": ["find products fast"], "pain_points": ["slow checkout"],
		 "quote": "I just want it to work."}
	],
	"phases": [
		{"id": "ph1", "name": "Awareness", "actions": ["sees ad"], "touchpoints": ["instagram"], "emotions": "curious"},
		{"id": "ph2", "name": "Purchase", "actions": ["adds to cart"], "touchpoints": ["webshop"], "emotions": "confident"}
	],
	"insights": {"key_findings": "checkout friction dominates"}
}`

// fakeInvoker scripts stage outcomes: a stage can succeed with canned output,
// fail with a given error, or block until the context is cancelled.
type fakeInvoker struct {
	mu        sync.Mutex
	calls     []int
	failAt    int
	failWith  error
	blockAt   int
	entered   chan struct{}
	startGate chan struct{}
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{entered: make(chan struct{})}
}

func (f *fakeInvoker) Invoke(ctx context.Context, stage pipeline.Stage, accumulated string) (string, error) {
	if f.startGate != nil && stage.Number == 1 {
		<-f.startGate
	}

	f.mu.Lock()
	f.calls = append(f.calls, stage.Number)
	f.mu.Unlock()

	if f.blockAt != 0 && stage.Number == f.blockAt {
		close(f.entered)
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.failAt != 0 && stage.Number == f.failAt {
		return "", f.failWith
	}
	if stage.Number == domain.TotalSteps {
		return qaStageJSON, nil
	}
	return fmt.Sprintf("analysis for step %d", stage.Number), nil
}

func (f *fakeInvoker) callNumbers() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type recordedStatus struct {
	jobID   string
	status  string
	message string
}

// fakeRecorder captures persistence calls without a database.
type fakeRecorder struct {
	mu          sync.Mutex
	insertErr   error
	inserted    []string
	statuses    []recordedStatus
	completions []string
}

func (r *fakeRecorder) InsertJourney(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.inserted = append(r.inserted, job.ID)
	return nil
}

func (r *fakeRecorder) UpdateJourneyStatus(ctx context.Context, jobID, status, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, recordedStatus{jobID, status, errorMessage})
	return nil
}

func (r *fakeRecorder) UpdateJourneyCompletion(ctx context.Context, jobID string, result *domain.JourneyMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, jobID)
	return nil
}

// collectingObserver records every delivered event.
type collectingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *collectingObserver) Deliver(event Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *collectingObserver) snapshot() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Event(nil), o.events...)
}

func newTestManager(t *testing.T, invoker pipeline.Invoker, timeout time.Duration) (*Manager, *Store, *ProgressChannel, *fakeRecorder) {
	t.Helper()

	store := NewStore()
	logger := slog.New(slog.DiscardHandler)
	progress := NewProgressChannel(store, logger)
	recorder := &fakeRecorder{}

	manager := NewManager(&ManagerConfig{
		Store:    store,
		Progress: progress,
		Recorder: recorder,
		Invokers: func(form domain.FormData) (pipeline.Invoker, error) {
			return invoker, nil
		},
		WorkflowTimeout: timeout,
		Logger:          logger,
	})

	return manager, store, progress, recorder
}

func retailForm() domain.FormData {
	return domain.FormData{
		Industry:       "Retail",
		BusinessGoals:  "Increase repeat purchases",
		TargetPersonas: []string{"Young professionals"},
		JourneyPhases:  []string{"Awareness", "Purchase"},
	}
}

func waitForTerminal(t *testing.T, store *Store, jobID string) *domain.Job {
	t.Helper()

	var job *domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.Get(jobID, "")
		return err == nil && domain.IsTerminal(job.Status)
	}, 5*time.Second, 5*time.Millisecond, "job never reached a terminal state")
	return job
}

func TestManager_WorkflowCompletes(t *testing.T) {
	invoker := newFakeInvoker()
	manager, store, progress, recorder := newTestManager(t, invoker, 0)

	observer := &collectingObserver{}

	job, err := manager.CreateJob(context.Background(), retailForm(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	require.True(t, progress.Subscribe(job.ID, observer))

	final := waitForTerminal(t, store, job.ID)

	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Empty(t, final.ErrorMessage)
	require.NotNil(t, final.Result)
	assert.Equal(t, "Retail", final.Result.Industry)
	assert.Len(t, final.Result.Phases, 2)
	assert.Len(t, final.Result.Personas, 1)

	require.NotNil(t, final.Progress)
	assert.Equal(t, domain.TotalSteps, final.Progress.CurrentStep)
	assert.Equal(t, float64(100), final.Progress.Percentage)

	// All 8 stages ran, in order.
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, invoker.callNumbers())

	// Persistence happens after the terminal transition becomes visible.
	require.Eventually(t, func() bool {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		return len(recorder.completions) == 1
	}, 5*time.Second, 5*time.Millisecond)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, []string{job.ID}, recorder.inserted)
	assert.Equal(t, []string{job.ID}, recorder.completions)
	assert.Empty(t, recorder.statuses)
}

func TestManager_StageFailureStopsPipeline(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.failAt = 3
	invoker.failWith = fmt.Errorf("call failed: %w", domain.ErrRateLimited)

	manager, store, _, recorder := newTestManager(t, invoker, 0)

	job, err := manager.CreateJob(context.Background(), retailForm(), "user-1")
	require.NoError(t, err)

	final := waitForTerminal(t, store, job.ID)

	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, domain.MsgRateLimited, final.ErrorMessage)
	assert.Nil(t, final.Result)

	// Stages after the failure never run.
	assert.Equal(t, []int{1, 2, 3}, invoker.callNumbers())

	require.Eventually(t, func() bool {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		return len(recorder.statuses) == 1
	}, 5*time.Second, 5*time.Millisecond)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, domain.JobStatusFailed, recorder.statuses[0].status)
	assert.Equal(t, domain.MsgRateLimited, recorder.statuses[0].message)
	assert.Empty(t, recorder.completions)
}

func TestManager_CancelRunningJob(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.blockAt = 2

	manager, store, _, _ := newTestManager(t, invoker, 0)

	job, err := manager.CreateJob(context.Background(), retailForm(), "user-1")
	require.NoError(t, err)

	// Wait until the workflow is inside stage 2.
	select {
	case <-invoker.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow never reached the blocking stage")
	}

	require.True(t, manager.CancelJob(job.ID, "user-1"))

	final := waitForTerminal(t, store, job.ID)
	assert.Equal(t, domain.JobStatusCancelled, final.Status)
	assert.Equal(t, domain.MsgCancelled, final.ErrorMessage)
	assert.Nil(t, final.Result)

	// A second cancel is a no-op on a terminal job.
	assert.False(t, manager.CancelJob(job.ID, "user-1"))
}

func TestManager_CancelUnknownJob(t *testing.T) {
	manager, _, _, _ := newTestManager(t, newFakeInvoker(), 0)
	assert.False(t, manager.CancelJob("no-such-job", "user-1"))
}

func TestManager_CancelNotOwnedJob(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.blockAt = 1

	manager, store, _, _ := newTestManager(t, invoker, 0)

	job, err := manager.CreateJob(context.Background(), retailForm(), "user-1")
	require.NoError(t, err)
	<-invoker.entered

	assert.False(t, manager.CancelJob(job.ID, "someone-else"))

	// The job keeps running for its owner.
	current, err := store.Get(job.ID, "user-1")
	require.NoError(t, err)
	assert.False(t, domain.IsTerminal(current.Status))

	require.True(t, manager.CancelJob(job.ID, "user-1"))
	waitForTerminal(t, store, job.ID)
}

func TestManager_WorkflowTimeout(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.blockAt = 1

	manager, store, _, _ := newTestManager(t, invoker, 50*time.Millisecond)

	job, err := manager.CreateJob(context.Background(), retailForm(), "user-1")
	require.NoError(t, err)

	final := waitForTerminal(t, store, job.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, domain.MsgTimeout, final.ErrorMessage)
}

func TestManager_ProgressNeverRegresses(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.startGate = make(chan struct{})
	manager, store, progress, _ := newTestManager(t, invoker, 0)

	observer := &collectingObserver{}

	job, err := manager.CreateJob(context.Background(), retailForm(), "user-1")
	require.NoError(t, err)
	require.True(t, progress.Subscribe(job.ID, observer))
	close(invoker.startGate)

	waitForTerminal(t, store, job.ID)

	// Let the final event land before inspecting.
	require.Eventually(t, func() bool {
		events := observer.snapshot()
		return len(events) > 0 && domain.IsTerminal(events[len(events)-1].Status)
	}, 5*time.Second, 5*time.Millisecond)

	events := observer.snapshot()
	lastStep := -1
	for _, e := range events {
		require.NotNil(t, e.Progress)
		assert.GreaterOrEqual(t, e.Progress.CurrentStep, lastStep)
		assert.GreaterOrEqual(t, e.Progress.Percentage, float64(0))
		assert.LessOrEqual(t, e.Progress.Percentage, float64(100))
		lastStep = e.Progress.CurrentStep
	}

	last := events[len(events)-1]
	assert.Equal(t, domain.JobStatusCompleted, last.Status)
	assert.Equal(t, domain.TotalSteps, last.Progress.CurrentStep)
	require.NotNil(t, last.Result)
}

func TestManager_ProgressHistoryBounded(t *testing.T) {
	invoker := newFakeInvoker()
	manager, store, _, _ := newTestManager(t, invoker, 0)

	job, err := manager.CreateJob(context.Background(), retailForm(), "user-1")
	require.NoError(t, err)

	final := waitForTerminal(t, store, job.ID)
	assert.LessOrEqual(t, len(final.ProgressHistory), domain.ProgressHistoryLimit)
	assert.NotEmpty(t, final.ProgressHistory)
}

func TestManager_RecorderFailureDoesNotBlockCreation(t *testing.T) {
	invoker := newFakeInvoker()
	manager, store, _, recorder := newTestManager(t, invoker, 0)

	recorder.mu.Lock()
	recorder.insertErr = fmt.Errorf("database down")
	recorder.mu.Unlock()

	job, err := manager.CreateJob(context.Background(), retailForm(), "user-1")
	require.NoError(t, err)

	final := waitForTerminal(t, store, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
}

func TestManager_GetJobOwnership(t *testing.T) {
	invoker := newFakeInvoker()
	manager, store, _, _ := newTestManager(t, invoker, 0)

	job, err := manager.CreateJob(context.Background(), retailForm(), "user-1")
	require.NoError(t, err)
	waitForTerminal(t, store, job.ID)

	_, err = manager.GetJob(job.ID, "user-1")
	require.NoError(t, err)

	_, err = manager.GetJob(job.ID, "intruder")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestValidateForm(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*domain.FormData)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid form",
			mutate:  func(f *domain.FormData) {},
			wantErr: false,
		},
		{
			name:      "missing industry",
			mutate:    func(f *domain.FormData) { f.Industry = "" },
			wantErr:   true,
			errString: "industry is required",
		},
		{
			name:      "missing business goals",
			mutate:    func(f *domain.FormData) { f.BusinessGoals = "" },
			wantErr:   true,
			errString: "business goals are required",
		},
		{
			name:      "no journey phases",
			mutate:    func(f *domain.FormData) { f.JourneyPhases = nil },
			wantErr:   true,
			errString: "at least one journey phase",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := retailForm()
			tt.mutate(&form)

			err := ValidateForm(form)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
