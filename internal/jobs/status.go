package jobs

import "time"

// Status is the read-only projection a client polls.
type Status struct {
	JobID         string    `json:"job_id"`
	WorkflowState State     `json:"workflow_state"`
	Progress      int       `json:"progress"`
	StepProgress  int       `json:"current_step_progress"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Display bands for whole-pipeline progress. Stage-local progress is scaled
// into its band so the number a client sees never goes backwards.
var bands = map[State][2]int{
	StateUploaded:     {0, 0},
	StateTranscribing: {0, 30},
	StateTranscribed:  {30, 30},
	StateDiarizing:    {30, 90},
	StateDiarized:     {90, 90},
	StateAligning:     {90, 100},
	StateCompleted:    {100, 100},
}

// StatusOf projects a job onto the poll contract.
func StatusOf(j *Job) Status {
	return Status{
		JobID:         j.ID,
		WorkflowState: j.State,
		Progress:      OverallProgress(j.State, j.FailedState, j.StepProgress),
		StepProgress:  j.StepProgress,
		ErrorMessage:  j.ErrorMessage,
		UpdatedAt:     j.UpdatedAt,
	}
}

// OverallProgress maps a state and its stage-local progress onto 0–100.
// A failed job reports where it stopped.
func OverallProgress(state, failed State, step int) int {
	if state == StateError {
		if failed == "" {
			return 0
		}
		state = failed
	}
	b, ok := bands[state]
	if !ok {
		return 0
	}
	return b[0] + (b[1]-b[0])*ClampProgress(step)/100
}
