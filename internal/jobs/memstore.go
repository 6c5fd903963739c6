package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/snarg/transcript-engine/internal/align"
)

// MemStore is an in-process Store. A single mutex serializes every
// operation, which gives the same compare-and-set guarantees as the
// Postgres store. Used when no DATABASE_URL is configured and in tests.
type MemStore struct {
	mu            sync.Mutex
	jobs          map[string]*Job
	byFingerprint map[string]string
	now           func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:          make(map[string]*Job),
		byFingerprint: make(map[string]string),
		now:           time.Now,
	}
}

func (s *MemStore) Create(ctx context.Context, fingerprint string, meta Metadata) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byFingerprint[fingerprint]; ok {
		return cloneJob(s.jobs[id]), true, nil
	}

	now := s.now().UTC()
	j := &Job{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Filename:    meta.Filename,
		AudioKey:    meta.AudioKey,
		Model:       meta.Model,
		SizeBytes:   meta.SizeBytes,
		State:       StateUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	s.byFingerprint[fingerprint] = j.ID
	return cloneJob(j), false, nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemStore) GetByFingerprint(ctx context.Context, fingerprint string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byFingerprint[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(s.jobs[id]), nil
}

func (s *MemStore) List(ctx context.Context, f ListFilter) ([]Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.State == "" || j.State == f.State {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID < matched[b].ID
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]Job, 0, len(matched))
	for _, j := range matched {
		out = append(out, *stripPayload(j))
	}
	return out, total, nil
}

func (s *MemStore) UpdateState(ctx context.Context, id string, expected, next State, p Patch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Apply to a copy so a failed transition leaves the record untouched.
	c := cloneJob(j)
	if err := ApplyTransition(c, expected, next, clonePatch(p), s.now().UTC()); err != nil {
		return nil, err
	}
	s.jobs[id] = c
	return cloneJob(c), nil
}

func (s *MemStore) SetProgress(ctx context.Context, id string, state State, pct int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != state {
		return &ConflictError{ID: id, Expected: state, Actual: j.State}
	}
	j.StepProgress = ClampProgress(pct)
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemStore) EditTranscript(ctx context.Context, id string, fn TranscriptEdit) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State != StateCompleted {
		return nil, ErrNotCompleted
	}
	edited, err := fn(append([]align.AlignedSegment(nil), j.Transcript...))
	if err != nil {
		return nil, err
	}
	if edited == nil {
		edited = []align.AlignedSegment{}
	}
	j.Transcript = edited
	j.UpdatedAt = s.now().UTC()
	return cloneJob(j), nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byFingerprint, j.Fingerprint)
	delete(s.jobs, id)
	return nil
}

func (s *MemStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, j := range s.jobs {
		if j.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	removed := make([]Job, 0, len(ids))
	for _, id := range ids {
		j := s.jobs[id]
		removed = append(removed, *stripPayload(j))
		delete(s.byFingerprint, j.Fingerprint)
		delete(s.jobs, id)
	}
	return removed, nil
}

// stripPayload copies the job without its segment arrays, for listings.
func stripPayload(j *Job) *Job {
	c := *j
	c.TextSegments, c.SpeakerTurns, c.Transcript = nil, nil, nil
	return &c
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.TextSegments != nil {
		c.TextSegments = append([]align.TextSegment{}, j.TextSegments...)
	}
	if j.SpeakerTurns != nil {
		c.SpeakerTurns = append([]align.SpeakerTurn{}, j.SpeakerTurns...)
	}
	if j.Transcript != nil {
		c.Transcript = append([]align.AlignedSegment{}, j.Transcript...)
	}
	return &c
}

func clonePatch(p Patch) Patch {
	if p.TextSegments != nil {
		p.TextSegments = append([]align.TextSegment{}, p.TextSegments...)
	}
	if p.SpeakerTurns != nil {
		p.SpeakerTurns = append([]align.SpeakerTurn{}, p.SpeakerTurns...)
	}
	if p.Transcript != nil {
		p.Transcript = append([]align.AlignedSegment{}, p.Transcript...)
	}
	return p
}
