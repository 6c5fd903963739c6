package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/retry"
)

const deepInfraBaseURL = "https://api.deepinfra.com/v1/inference/"

// wordGap is the silence that starts a new segment when segments have to be
// rebuilt from word timestamps.
const wordGap = 1.0

// DeepInfraClient calls DeepInfra's native inference API for Whisper models.
type DeepInfraClient struct {
	apiKey  string
	model   string // e.g. "openai/whisper-large-v3-turbo"
	baseURL string
	client  *http.Client
}

type deepInfraResponse struct {
	Text     string             `json:"text"`
	Language string             `json:"language"`
	Duration float64            `json:"duration"`
	Words    []deepInfraWord    `json:"words"`
	Segments []deepInfraSegment `json:"segments"`
}

// deepInfraWord uses "text" for the word, not "word" like OpenAI.
type deepInfraWord struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type deepInfraSegment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// NewDeepInfraClient creates a new DeepInfra inference client.
func NewDeepInfraClient(apiKey, model string, timeout time.Duration) *DeepInfraClient {
	return &DeepInfraClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: deepInfraBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (di *DeepInfraClient) Name() string  { return "deepinfra" }
func (di *DeepInfraClient) Model() string { return di.model }

// Transcribe posts the audio under the "audio" field (DeepInfra's convention)
// to {baseURL}{model}.
func (di *DeepInfraClient) Transcribe(ctx context.Context, req Request) ([]align.TextSegment, error) {
	body, contentType, err := audioForm("audio", req, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, di.baseURL+req.modelOr(di.model), body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+di.apiKey)

	resp, err := di.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deepinfra request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{Service: "deepinfra", Code: resp.StatusCode, Body: string(raw)}
	}

	var result deepInfraResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}

	if len(result.Segments) > 0 {
		segs := make([]align.TextSegment, 0, len(result.Segments))
		for _, s := range result.Segments {
			segs = append(segs, align.TextSegment{Start: s.Start, End: s.End, Text: s.Text})
		}
		return segs, nil
	}
	return segmentsFromWords(result.Words), nil
}

// segmentsFromWords groups word timestamps into segments, breaking on a
// silence longer than wordGap or after sentence-ending punctuation.
func segmentsFromWords(words []deepInfraWord) []align.TextSegment {
	var (
		segs []align.TextSegment
		cur  *align.TextSegment
		b    strings.Builder
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = b.String()
		segs = append(segs, *cur)
		cur = nil
		b.Reset()
	}

	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		if cur != nil && w.Start-cur.End > wordGap {
			flush()
		}
		if cur == nil {
			cur = &align.TextSegment{Start: w.Start}
		} else {
			b.WriteByte(' ')
		}
		b.WriteString(text)
		cur.End = w.End
		if strings.ContainsAny(text[len(text)-1:], ".?!") {
			flush()
		}
	}
	flush()
	return segs
}
