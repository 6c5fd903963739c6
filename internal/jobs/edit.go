package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/transcript-engine/internal/align"
)

// Invalidator drops derived data (summaries) for a job.
type Invalidator interface {
	Invalidate(ctx context.Context, jobID string) error
}

// Editor applies user corrections to completed transcripts and keeps
// derived data consistent.
type Editor struct {
	store Store
	inv   Invalidator
	log   zerolog.Logger
}

// NewEditor creates an editor. inv may be nil when nothing is cached.
func NewEditor(store Store, inv Invalidator, log zerolog.Logger) *Editor {
	return &Editor{store: store, inv: inv, log: log}
}

// RenameSpeaker relabels every segment spoken by oldLabel and returns the
// number of segments changed.
func (e *Editor) RenameSpeaker(ctx context.Context, id, oldLabel, newLabel string) (*Job, int, error) {
	newLabel = strings.TrimSpace(newLabel)
	if newLabel == "" {
		return nil, 0, fmt.Errorf("%w: new speaker label is empty", ErrInvalidEdit)
	}

	changed := 0
	j, err := e.store.EditTranscript(ctx, id, func(segs []align.AlignedSegment) ([]align.AlignedSegment, error) {
		for i := range segs {
			if segs[i].Speaker == oldLabel {
				segs[i].Speaker = newLabel
				changed++
			}
		}
		if changed == 0 {
			return nil, fmt.Errorf("%w: speaker %q not in transcript", ErrInvalidEdit, oldLabel)
		}
		return segs, nil
	})
	if err != nil {
		return nil, 0, err
	}
	e.invalidate(ctx, id)
	return j, changed, nil
}

// EditSegmentText replaces the text of one segment.
func (e *Editor) EditSegmentText(ctx context.Context, id string, index int, text string) (*Job, error) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil, fmt.Errorf("%w: segment text is empty", ErrInvalidEdit)
	}

	j, err := e.store.EditTranscript(ctx, id, func(segs []align.AlignedSegment) ([]align.AlignedSegment, error) {
		if index < 0 || index >= len(segs) {
			return nil, fmt.Errorf("%w: segment index %d out of range [0,%d)", ErrInvalidEdit, index, len(segs))
		}
		segs[index].Text = text
		return segs, nil
	})
	if err != nil {
		return nil, err
	}
	e.invalidate(ctx, id)
	return j, nil
}

// The edit has already landed, so a cache failure is logged rather than
// returned. Cached summaries also carry the transcript version they were
// built from and are never served against a different one.
func (e *Editor) invalidate(ctx context.Context, id string) {
	if e.inv == nil {
		return
	}
	if err := e.inv.Invalidate(ctx, id); err != nil {
		e.log.Warn().Err(err).Str("job_id", id).Msg("summary invalidation failed")
	}
}
