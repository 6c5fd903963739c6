package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/retry"
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint.
type WhisperClient struct {
	url    string
	model  string
	opts   WhisperOptions
	client *http.Client
}

// WhisperOptions are sent with every request. Zero values are omitted so
// servers that reject unknown form fields keep working.
type WhisperOptions struct {
	Language    string
	Temperature float64
	Prompt      string // initial_prompt / domain vocabulary
	APIKey      string
}

// whisperResponse is the verbose_json response body.
type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// NewWhisperClient creates a new Whisper HTTP client.
func NewWhisperClient(url, model string, timeout time.Duration, opts WhisperOptions) *WhisperClient {
	return &WhisperClient{
		url:    url,
		model:  model,
		opts:   opts,
		client: &http.Client{Timeout: timeout},
	}
}

func (wc *WhisperClient) Name() string  { return "whisper" }
func (wc *WhisperClient) Model() string { return wc.model }

// Transcribe uploads the audio and returns segment-level timestamps.
func (wc *WhisperClient) Transcribe(ctx context.Context, req Request) ([]align.TextSegment, error) {
	temp := ""
	if wc.opts.Temperature > 0 {
		temp = fmt.Sprintf("%.2f", wc.opts.Temperature)
	}
	body, contentType, err := audioForm("file", req, [][2]string{
		{"model", req.modelOr(wc.model)},
		{"language", wc.opts.Language},
		{"temperature", temp},
		{"prompt", wc.opts.Prompt},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
	})
	if err != nil {
		return nil, retry.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	if wc.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+wc.opts.APIKey)
	}

	resp, err := wc.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{Service: "whisper", Code: resp.StatusCode, Body: string(raw)}
	}

	var result whisperResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}

	segs := make([]align.TextSegment, 0, len(result.Segments))
	for _, s := range result.Segments {
		segs = append(segs, align.TextSegment{Start: s.Start, End: s.End, Text: s.Text})
	}
	if len(segs) == 0 && result.Text != "" && result.Duration > 0 {
		// Servers without segment support still return the full text.
		segs = append(segs, align.TextSegment{Start: 0, End: result.Duration, Text: result.Text})
	}
	return segs, nil
}
