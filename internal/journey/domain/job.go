package domain

import "time"

// Job status constants. A job moves queued -> processing -> terminal; the
// three terminal states are absorbing.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// TotalSteps is the number of pipeline stages a workflow runs.
const TotalSteps = 8

// ProgressHistoryLimit bounds the per-job progress log kept for pollers.
const ProgressHistoryLimit = 10

// IsTerminal reports whether status is one of the absorbing states.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// FormData is the immutable snapshot of a journey creation request.
type FormData struct {
	Title             string   `json:"title"`
	Industry          string   `json:"industry"`
	BusinessGoals     string   `json:"business_goals"`
	TargetPersonas    []string `json:"target_personas"`
	JourneyPhases     []string `json:"journey_phases"`
	AdditionalContext string   `json:"additional_context,omitempty"`
	UploadedFiles     []string `json:"uploaded_files,omitempty"`
}

// Progress is the current-stage snapshot, overwritten on each stage
// transition. Percentage is CurrentStep/TotalSteps clamped to [0,100].
type Progress struct {
	CurrentStep int     `json:"current_step"`
	TotalSteps  int     `json:"total_steps"`
	StepName    string  `json:"step_name"`
	Message     string  `json:"message"`
	Percentage  float64 `json:"percentage"`
}

// Job is one end-to-end journey map generation request.
type Job struct {
	ID              string      `json:"id"`
	Status          string      `json:"status"`
	OwnerID         string      `json:"owner_id"`
	FormData        FormData    `json:"form_data"`
	Progress        *Progress   `json:"progress,omitempty"`
	ProgressHistory []Progress  `json:"progress_history,omitempty"`
	Result          *JourneyMap `json:"result,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Clone returns a deep enough copy for handing to readers outside the
// workflow goroutine. Slices and nested pointers are copied so a concurrent
// poller never observes a partially mutated record.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Progress != nil {
		p := *j.Progress
		cp.Progress = &p
	}
	if len(j.ProgressHistory) > 0 {
		cp.ProgressHistory = append([]Progress(nil), j.ProgressHistory...)
	}
	if j.Result != nil {
		r := *j.Result
		r.Personas = append([]Persona(nil), j.Result.Personas...)
		r.Phases = append([]Phase(nil), j.Result.Phases...)
		cp.Result = &r
	}
	return &cp
}
