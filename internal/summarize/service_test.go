package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSummarizer struct {
	calls    int
	failures int // leading calls that fail with 503
	err      error
}

func (s *stubSummarizer) Model() string { return "stub" }

func (s *stubSummarizer) Summarize(ctx context.Context, transcript, prompt, systemPrompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.calls <= s.failures {
		return "", &retry.StatusError{Service: "llm", Code: 503}
	}
	return fmt.Sprintf("summary #%d of %d bytes", s.calls, len(transcript)), nil
}

var fastPolicy = retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func completedStore(t *testing.T) (*jobs.MemStore, string) {
	t.Helper()
	ctx := context.Background()
	s := jobs.NewMemStore()
	j, _, err := s.Create(ctx, "fp", jobs.Metadata{})
	require.NoError(t, err)
	for _, st := range []struct {
		from, to jobs.State
		p        jobs.Patch
	}{
		{jobs.StateUploaded, jobs.StateTranscribing, jobs.Patch{}},
		{jobs.StateTranscribing, jobs.StateTranscribed, jobs.Patch{}},
		{jobs.StateTranscribed, jobs.StateDiarizing, jobs.Patch{}},
		{jobs.StateDiarizing, jobs.StateDiarized, jobs.Patch{}},
		{jobs.StateDiarized, jobs.StateAligning, jobs.Patch{}},
		{jobs.StateAligning, jobs.StateCompleted, jobs.Patch{Transcript: []align.AlignedSegment{
			{Start: 0, End: 3, Speaker: "SPEAKER_00", Text: "We ship on Friday."},
			{Start: 3, End: 5, Speaker: "SPEAKER_01", Text: "Agreed."},
		}}},
	} {
		_, err := s.UpdateState(ctx, j.ID, st.from, st.to, st.p)
		require.NoError(t, err)
	}
	return s, j.ID
}

func TestGetOrGenerate_RetriesTransientThenCaches(t *testing.T) {
	store, id := completedStore(t)
	sum := &stubSummarizer{failures: 3}
	cache := NewMemCache()
	svc := NewService(store, sum, cache, fastPolicy, zerolog.Nop())

	got, cached, err := svc.GetOrGenerate(context.Background(), id, Prompt{})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 4, sum.calls)
	assert.Contains(t, got.Text, "summary #4")

	again, cached, err := svc.GetOrGenerate(context.Background(), id, Prompt{})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, got.Text, again.Text)
	assert.Equal(t, 4, sum.calls, "cache hit must not call the summarizer")
}

func TestGetOrGenerate_PromptChangeRegenerates(t *testing.T) {
	store, id := completedStore(t)
	sum := &stubSummarizer{}
	svc := NewService(store, sum, NewMemCache(), fastPolicy, zerolog.Nop())

	_, _, err := svc.GetOrGenerate(context.Background(), id, Prompt{Prompt: "bullet points"})
	require.NoError(t, err)
	_, cached, err := svc.GetOrGenerate(context.Background(), id, Prompt{Prompt: "one sentence"})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, sum.calls)
}

func TestGetOrGenerate_FailureKeepsCache(t *testing.T) {
	store, id := completedStore(t)
	cache := NewMemCache()
	ok := &stubSummarizer{}
	_, _, err := NewService(store, ok, cache, fastPolicy, zerolog.Nop()).GetOrGenerate(context.Background(), id, Prompt{Prompt: "a"})
	require.NoError(t, err)

	bad := &stubSummarizer{err: &retry.StatusError{Service: "llm", Code: 400, Body: "context too long"}}
	_, _, err = NewService(store, bad, cache, fastPolicy, zerolog.Nop()).GetOrGenerate(context.Background(), id, Prompt{Prompt: "b"})
	require.Error(t, err)
	assert.Equal(t, 1, bad.calls, "4xx is permanent")

	prev, err := cache.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "a", prev.Prompt)
}

func TestGetOrGenerate_EditInvalidates(t *testing.T) {
	store, id := completedStore(t)
	sum := &stubSummarizer{}
	svc := NewService(store, sum, NewMemCache(), fastPolicy, zerolog.Nop())
	ed := jobs.NewEditor(store, svc, zerolog.Nop())

	_, _, err := svc.GetOrGenerate(context.Background(), id, Prompt{})
	require.NoError(t, err)

	_, _, err = ed.RenameSpeaker(context.Background(), id, "SPEAKER_00", "Dana")
	require.NoError(t, err)
	_, err = svc.cache.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrCacheMiss)

	_, cached, err := svc.GetOrGenerate(context.Background(), id, Prompt{})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, sum.calls)
}

func TestGetOrGenerate_StaleVersionIgnored(t *testing.T) {
	store, id := completedStore(t)
	cache := NewMemCache()
	require.NoError(t, cache.Put(context.Background(), &Summary{JobID: id, Text: "old", TranscriptVersion: "stale"}))
	sum := &stubSummarizer{}
	svc := NewService(store, sum, cache, fastPolicy, zerolog.Nop())

	got, cached, err := svc.GetOrGenerate(context.Background(), id, Prompt{})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.NotEqual(t, "old", got.Text)

	j, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, svc.Current(context.Background(), j))
}

func TestGetOrGenerate_RequiresCompleted(t *testing.T) {
	store := jobs.NewMemStore()
	j, _, err := store.Create(context.Background(), "fp", jobs.Metadata{})
	require.NoError(t, err)
	svc := NewService(store, &stubSummarizer{}, NewMemCache(), fastPolicy, zerolog.Nop())

	_, _, err = svc.GetOrGenerate(context.Background(), j.ID, Prompt{})
	assert.ErrorIs(t, err, jobs.ErrNotCompleted)

	_, _, err = svc.GetOrGenerate(context.Background(), "missing", Prompt{})
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestChatClient_Summarize(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.URL.Path != "/chat/completions" || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected request %s %+v", r.URL.Path, req)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"  Ship Friday.  "}}]}`)
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL+"/", "", "gpt", 5*time.Second)
	var out string
	err := retry.Do(context.Background(), fastPolicy, func(ctx context.Context, _ int) error {
		var err error
		out, err = c.Summarize(ctx, "[00:00:00] A: hi\n", "", "")
		return err
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Ship Friday.", out)
	assert.EqualValues(t, 4, calls.Load())
}

func TestChatClient_NoChoicesIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewChatClient(srv.URL, "k", "m", time.Second).Summarize(context.Background(), "x", "", "")
	require.Error(t, err)
	assert.False(t, retry.IsTransient(err))
}

func TestTranscriptText(t *testing.T) {
	got := TranscriptText([]align.AlignedSegment{
		{Start: 61, End: 64, Speaker: "Alice", Text: "Hello."},
	})
	assert.Equal(t, "[00:01:01] Alice: Hello.\n", got)
	assert.NotEqual(t,
		TranscriptVersion([]align.AlignedSegment{{Speaker: "A", Text: "x"}}),
		TranscriptVersion([]align.AlignedSegment{{Speaker: "B", Text: "x"}}))
}

func TestMemCache_Miss(t *testing.T) {
	_, err := NewMemCache().Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}
