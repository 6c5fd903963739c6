// Package jobs holds the job record, its workflow graph and the store
// contract the orchestrator and API build on.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/snarg/transcript-engine/internal/align"
)

// Job is one submitted recording and everything derived from it.
type Job struct {
	ID           string                 `json:"id"`
	Fingerprint  string                 `json:"content_fingerprint"`
	Filename     string                 `json:"filename,omitempty"`
	AudioKey     string                 `json:"audio_key,omitempty"`
	Model        string                 `json:"model,omitempty"`
	SizeBytes    int64                  `json:"size_bytes"`
	State        State                  `json:"workflow_state"`
	StepProgress int                    `json:"current_step_progress"`
	FailedState  State                  `json:"failed_state,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	TextSegments []align.TextSegment    `json:"raw_text_segments,omitempty"`
	SpeakerTurns []align.SpeakerTurn    `json:"speaker_turns,omitempty"`
	Transcript   []align.AlignedSegment `json:"aligned_transcript,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Metadata is supplied by the uploader when a job is created.
type Metadata struct {
	Filename  string
	AudioKey  string
	Model     string
	SizeBytes int64
}

// Patch carries the payload written together with a state transition.
// Nil slices leave the stored value alone; a payload that is already set is
// never overwritten.
type Patch struct {
	TextSegments []align.TextSegment
	SpeakerTurns []align.SpeakerTurn
	Transcript   []align.AlignedSegment
	ErrorMessage string
}

// ListFilter narrows List results.
type ListFilter struct {
	State  State
	Limit  int
	Offset int
}

// TranscriptEdit rewrites a completed transcript. It receives a copy and
// returns the replacement.
type TranscriptEdit func([]align.AlignedSegment) ([]align.AlignedSegment, error)

// Store persists jobs. Every method is atomic: a call either fully applies,
// payload included, or leaves the record untouched.
type Store interface {
	// Create inserts a job in state uploaded, or returns the job already
	// holding fingerprint with existing=true.
	Create(ctx context.Context, fingerprint string, meta Metadata) (job *Job, existing bool, err error)
	Get(ctx context.Context, id string) (*Job, error)
	// GetByFingerprint returns the job holding fingerprint, or ErrNotFound.
	GetByFingerprint(ctx context.Context, fingerprint string) (*Job, error)
	List(ctx context.Context, f ListFilter) ([]Job, int, error)
	// UpdateState moves the job from expected to next. It fails with a
	// *ConflictError if the job is not in expected.
	UpdateState(ctx context.Context, id string, expected, next State, p Patch) (*Job, error)
	// SetProgress records stage-local progress while the job is in state.
	SetProgress(ctx context.Context, id string, state State, pct int) error
	EditTranscript(ctx context.Context, id string, fn TranscriptEdit) (*Job, error)
	Delete(ctx context.Context, id string) error
	// DeleteOlderThan removes jobs created before cutoff and returns them
	// without payloads.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]Job, error)
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrStateConflict     = errors.New("job state conflict")
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrNotCompleted      = errors.New("job not completed")
	ErrInvalidEdit       = errors.New("invalid transcript edit")
)

// ConflictError reports a conditional update that lost to another writer.
type ConflictError struct {
	ID       string
	Expected State
	Actual   State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: expected state %s, found %s", e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrStateConflict }

// Fingerprint hashes the audio content used for deduplication.
func Fingerprint(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ApplyTransition validates a transition and mutates j in place the way
// every Store implementation must.
func ApplyTransition(j *Job, expected, next State, p Patch, now time.Time) error {
	if j.State != expected {
		return &ConflictError{ID: j.ID, Expected: expected, Actual: j.State}
	}
	if !CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	switch {
	case next == StateError:
		j.FailedState = expected
		j.ErrorMessage = p.ErrorMessage
	case next.InProgress():
		j.StepProgress = 0
	default:
		j.StepProgress = 100
	}

	if p.TextSegments != nil && j.TextSegments == nil {
		j.TextSegments = p.TextSegments
	}
	if p.SpeakerTurns != nil && j.SpeakerTurns == nil {
		j.SpeakerTurns = p.SpeakerTurns
	}
	if p.Transcript != nil && j.Transcript == nil {
		j.Transcript = p.Transcript
	}
	j.State = next
	j.UpdatedAt = now
	return nil
}

// ClampProgress bounds a percentage to 0–100.
func ClampProgress(pct int) int {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
