package summarize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/metrics"
	"github.com/snarg/transcript-engine/internal/retry"
)

// JobGetter is the part of jobs.Store the service reads.
type JobGetter interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
}

// Prompt is the caller-controlled input to a summary.
type Prompt struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt"`
}

// Service serves summaries from the cache while they still match the
// transcript they were generated from, and regenerates them otherwise.
type Service struct {
	jobs   JobGetter
	sum    Summarizer
	cache  Cache
	policy retry.Policy
	log    zerolog.Logger
	now    func() time.Time
}

// NewService wires a summary service.
func NewService(jobs JobGetter, sum Summarizer, cache Cache, policy retry.Policy, log zerolog.Logger) *Service {
	return &Service{
		jobs:   jobs,
		sum:    sum,
		cache:  cache,
		policy: policy,
		log:    log,
		now:    time.Now,
	}
}

// GetOrGenerate returns the summary of a completed job. cached reports
// whether it came from the cache. A failed generation leaves any existing
// entry in place.
func (s *Service) GetOrGenerate(ctx context.Context, jobID string, p Prompt) (sum *Summary, cached bool, err error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job.State != jobs.StateCompleted {
		return nil, false, fmt.Errorf("%w: job is %s", jobs.ErrNotCompleted, job.State)
	}
	version := TranscriptVersion(job.Transcript)

	prev, err := s.cache.Get(ctx, jobID)
	switch {
	case err == nil:
		if prev.TranscriptVersion == version && prev.Prompt == p.Prompt && prev.SystemPrompt == p.SystemPrompt {
			metrics.SummaryRequestsTotal.WithLabelValues("hit").Inc()
			return prev, true, nil
		}
	case !errors.Is(err, ErrCacheMiss):
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("summary cache read failed, regenerating")
	}

	text := TranscriptText(job.Transcript)
	var out string
	err = retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		var err error
		out, err = s.sum.Summarize(ctx, text, p.Prompt, p.SystemPrompt)
		return err
	}, func(attempt int, delay time.Duration, err error) {
		s.log.Warn().Err(err).Str("job_id", jobID).Int("attempt", attempt).Dur("backoff", delay).Msg("summarizer call failed, retrying")
	})
	if err != nil {
		metrics.SummaryRequestsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("summarize: %w", err)
	}
	metrics.SummaryRequestsTotal.WithLabelValues("miss").Inc()

	sum = &Summary{
		JobID:             jobID,
		Text:              out,
		Prompt:            p.Prompt,
		SystemPrompt:      p.SystemPrompt,
		TranscriptVersion: version,
		Model:             s.sum.Model(),
		CreatedAt:         s.now().UTC(),
	}
	if err := s.cache.Put(ctx, sum); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("summary cache write failed")
		return sum, false, nil
	}

	// The job may have been deleted while the summarizer ran.
	if _, err := s.jobs.Get(ctx, jobID); errors.Is(err, jobs.ErrNotFound) {
		_ = s.cache.Delete(ctx, jobID)
	}
	return sum, false, nil
}

// Current returns the cached summary if it still matches job's transcript,
// or nil.
func (s *Service) Current(ctx context.Context, job *jobs.Job) *Summary {
	sum, err := s.cache.Get(ctx, job.ID)
	if err != nil || sum.TranscriptVersion != TranscriptVersion(job.Transcript) {
		return nil
	}
	return sum
}

// Invalidate drops the job's summary.
func (s *Service) Invalidate(ctx context.Context, jobID string) error {
	if err := s.cache.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("invalidate summary %s: %w", jobID, err)
	}
	return nil
}

// TranscriptVersion hashes the aligned transcript. Any rename or text edit
// changes it.
func TranscriptVersion(segs []align.AlignedSegment) string {
	raw, _ := json.Marshal(segs)
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}

// TranscriptText renders the transcript as "[HH:MM:SS] speaker: text" lines.
func TranscriptText(segs []align.AlignedSegment) string {
	var b strings.Builder
	for _, seg := range segs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", align.FormatClock(seg.Start), seg.Speaker, seg.Text)
	}
	return b.String()
}
