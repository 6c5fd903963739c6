// Package diarize holds the speaker diarization engine clients.
package diarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/retry"
)

// Provider turns audio into speaker turns.
type Provider interface {
	Diarize(ctx context.Context, req Request) ([]align.SpeakerTurn, error)
	Name() string
}

// Request is one diarization call.
type Request struct {
	Audio       []byte
	Filename    string
	NumSpeakers int // 0 lets the engine decide

	// Progress receives stage-local percentages. May be nil.
	Progress func(pct int)
}

// HTTPClient talks to a pyannote-style diarization service:
// POST {url}/diarize with the audio as multipart "file", answered with
// {"turns":[{"start","end","speaker"}]}.
type HTTPClient struct {
	url    string
	apiKey string
	client *http.Client
}

type diarizeResponse struct {
	Turns []align.SpeakerTurn `json:"turns"`
}

// NewHTTPClient creates a client for the diarization service at url.
func NewHTTPClient(url, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Name() string { return "http" }

// Diarize uploads the audio and returns the service's turns unmodified.
func (c *HTTPClient) Diarize(ctx context.Context, req Request) ([]align.SpeakerTurn, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	name := req.Filename
	if name == "" {
		name = "audio"
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create form file: %w", err))
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, retry.Permanent(fmt.Errorf("copy audio data: %w", err))
	}
	if req.NumSpeakers > 0 {
		w.WriteField("num_speakers", fmt.Sprint(req.NumSpeakers))
	}
	w.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/diarize", &buf)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("diarize request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{Service: "diarize", Code: resp.StatusCode, Body: string(body)}
	}

	var result diarizeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	if result.Turns == nil {
		return []align.SpeakerTurn{}, nil
	}
	return result.Turns, nil
}
