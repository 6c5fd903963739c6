// Package client talks to a transcript-engine server: it submits audio,
// drives stages and polls a job until it finishes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/retry"
)

// Job is the metadata view the server returns for a job.
type Job struct {
	ID           string     `json:"id"`
	Fingerprint  string     `json:"content_fingerprint"`
	Filename     string     `json:"filename"`
	Model        string     `json:"model"`
	SizeBytes    int64      `json:"size_bytes"`
	State        jobs.State `json:"workflow_state"`
	StepProgress int        `json:"current_step_progress"`
	Progress     int        `json:"progress"`
	ErrorMessage string     `json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Transcript is a completed job's aligned transcript.
type Transcript struct {
	JobID    string                 `json:"job_id"`
	Speakers []string               `json:"speakers"`
	Segments []align.AlignedSegment `json:"segments"`
}

// JobFailedError is returned by Wait when the job lands in the error state.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	// PollInterval is the wait between successful status polls.
	PollInterval time.Duration
	// MaxRetries bounds consecutive failed polls before Wait gives up.
	MaxRetries int
	backoff    retry.Policy
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a client for the server at baseURL (e.g. "http://localhost:8080").
// token may be empty.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		PollInterval: 2 * time.Second,
		MaxRetries:   5,
		backoff:      retry.Policy{BaseDelay: time.Second, MaxDelay: 8 * time.Second},
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submit uploads audio. existing reports that identical audio was already
// submitted and the returned job is that earlier one.
func (c *Client) Submit(ctx context.Context, filename string, audio io.Reader, model string) (job *Job, existing bool, err error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, false, err
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return nil, false, fmt.Errorf("read audio: %w", err)
	}
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return nil, false, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, false, err
	}

	var out struct {
		Job      Job  `json:"job"`
		Existing bool `json:"existing"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", mw.FormDataContentType(), &body, &out); err != nil {
		return nil, false, err
	}
	return &out.Job, out.Existing, nil
}

// StartStage asks the server to run stage on job id.
func (c *Client) StartStage(ctx context.Context, id string, stage jobs.Stage) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/stages/"+string(stage), "", nil, nil)
}

func (c *Client) Status(ctx context.Context, id string) (*jobs.Status, error) {
	var st jobs.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/status", "", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Transcript(ctx context.Context, id string) (*Transcript, error) {
	var tr Transcript
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/transcript", "", nil, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// ExportMarkdown downloads the Markdown rendering of a completed job.
func (c *Client) ExportMarkdown(ctx context.Context, id string) (string, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/export.md", "", nil, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Wait polls the job's status until it completes or fails, calling
// onProgress after every successful poll. Transient poll failures (network
// errors, 5xx, 429) are retried with backoff starting at 1s and capped at
// 8s; MaxRetries consecutive failures end the wait. A job in the error
// state is returned immediately as a *JobFailedError.
func (c *Client) Wait(ctx context.Context, id string, onProgress func(jobs.Status)) (*jobs.Status, error) {
	failures := 0
	for {
		st, err := c.Status(ctx, id)
		var delay time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !retry.IsTransient(err) || failures >= c.MaxRetries {
				return nil, fmt.Errorf("poll job %s: %w", id, err)
			}
			failures++
			delay = c.backoff.Delay(failures)
		} else {
			failures = 0
			if onProgress != nil {
				onProgress(*st)
			}
			switch st.WorkflowState {
			case jobs.StateCompleted:
				return st, nil
			case jobs.StateError:
				return st, &JobFailedError{JobID: id, Message: st.ErrorMessage}
			}
			delay = c.PollInterval
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// do sends a request and decodes a JSON answer into out, or copies the raw
// body when out is an io.Writer. Non-2xx answers become *retry.StatusError
// carrying the server's error message.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var e struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
			if e.Detail != "" {
				msg += ": " + e.Detail
			}
		}
		return &retry.StatusError{Service: "transcript-engine", Code: resp.StatusCode, Body: msg}
	}

	switch o := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(o, resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
		return nil
	}
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *retry.StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
