package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snarg/transcript-engine/internal/events"
	"github.com/snarg/transcript-engine/internal/jobs"
)

func TestStreamEvents(t *testing.T) {
	h := newAPIHarness(t, nil)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?job_id=j1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.bus.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	h.bus.PublishStatus(ctx, jobs.Status{JobID: "other", WorkflowState: jobs.StateUploaded})
	h.bus.PublishStatus(ctx, jobs.Status{JobID: "j1", WorkflowState: jobs.StateTranscribing})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
	}
	block := strings.Join(lines, "\n")
	require.Contains(t, block, "event: job_status")
	require.Contains(t, block, `"job_id":"j1"`)
	require.NotContains(t, block, `"other"`)
}

func TestStreamEvents_ReplaysAfterLastEventID(t *testing.T) {
	h := newAPIHarness(t, nil)
	ctx := context.Background()
	h.bus.PublishStatus(ctx, jobs.Status{JobID: "a", WorkflowState: jobs.StateUploaded})
	h.bus.PublishStatus(ctx, jobs.Status{JobID: "b", WorkflowState: jobs.StateUploaded})
	first := h.bus.ReplaySince("", events.Filter{})[0]

	reqCtx, cancel := context.WithCancel(ctx)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(reqCtx)
	req.Header.Set("Last-Event-ID", first.ID)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.handler.ServeHTTP(rec, req)
		close(done)
	}()
	require.Eventually(t, func() bool { return h.bus.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	require.Contains(t, body, `"job_id":"b"`)
	require.NotContains(t, body, `"job_id":"a"`)
}
