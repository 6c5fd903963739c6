package jobs

import "fmt"

// State is a job's position in the processing workflow.
type State string

const (
	StateUploaded     State = "uploaded"
	StateTranscribing State = "transcribing"
	StateTranscribed  State = "transcribed"
	StateDiarizing    State = "diarizing"
	StateDiarized     State = "diarized"
	StateAligning     State = "aligning"
	StateCompleted    State = "completed"
	StateError        State = "error"
)

// Stage is a unit of pipeline work that moves a job between resting states.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageDiarize    Stage = "diarize"
	StageAlign      Stage = "align"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageTranscribe, StageDiarize, StageAlign}

// StageStates describes the three states a stage touches.
type StageStates struct {
	From    State // resting state the stage starts from
	Running State // in-progress state held while the engine runs
	Done    State // resting state written on success
}

// States returns the state triple for s.
func (s Stage) States() (StageStates, bool) {
	switch s {
	case StageTranscribe:
		return StageStates{StateUploaded, StateTranscribing, StateTranscribed}, true
	case StageDiarize:
		return StageStates{StateTranscribed, StateDiarizing, StateDiarized}, true
	case StageAlign:
		return StageStates{StateDiarized, StateAligning, StateCompleted}, true
	}
	return StageStates{}, false
}

// ParseStage accepts a stage name or its 1-based position.
func ParseStage(v string) (Stage, error) {
	switch v {
	case "transcribe", "1":
		return StageTranscribe, nil
	case "diarize", "2":
		return StageDiarize, nil
	case "align", "3":
		return StageAlign, nil
	}
	return "", fmt.Errorf("unknown stage %q", v)
}

// ParseState validates a state name.
func ParseState(v string) (State, error) {
	s := State(v)
	switch s {
	case StateUploaded, StateTranscribing, StateTranscribed, StateDiarizing,
		StateDiarized, StateAligning, StateCompleted, StateError:
		return s, nil
	}
	return "", fmt.Errorf("unknown workflow state %q", v)
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// InProgress reports whether an engine is (or was) running for the job.
func (s State) InProgress() bool {
	return s == StateTranscribing || s == StateDiarizing || s == StateAligning
}

// NextStage returns the stage that starts from a resting state.
func (s State) NextStage() (Stage, bool) {
	switch s {
	case StateUploaded:
		return StageTranscribe, true
	case StateTranscribed:
		return StageDiarize, true
	case StateDiarized:
		return StageAlign, true
	}
	return "", false
}

// CanTransition enforces the workflow graph. States only move forward; any
// in-progress state may fail to error.
func CanTransition(from, to State) bool {
	switch from {
	case StateUploaded:
		return to == StateTranscribing
	case StateTranscribing:
		return to == StateTranscribed || to == StateError
	case StateTranscribed:
		return to == StateDiarizing
	case StateDiarizing:
		return to == StateDiarized || to == StateError
	case StateDiarized:
		return to == StateAligning
	case StateAligning:
		return to == StateCompleted || to == StateError
	}
	return false
}

// Rank orders states along the happy path. Error has no rank.
func (s State) Rank() int {
	switch s {
	case StateUploaded:
		return 0
	case StateTranscribing:
		return 1
	case StateTranscribed:
		return 2
	case StateDiarizing:
		return 3
	case StateDiarized:
		return 4
	case StateAligning:
		return 5
	case StateCompleted:
		return 6
	}
	return -1
}
