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

const elevenLabsSTTEndpoint = "https://api.elevenlabs.io/v1/speech-to-text"

// ElevenLabsClient uses the ElevenLabs Speech-to-Text API with diarize=true
// and keeps only the speaker timeline.
type ElevenLabsClient struct {
	apiKey   string
	model    string // "scribe_v1" or "scribe_v2"
	endpoint string
	client   *http.Client
}

type elevenlabsResponse struct {
	LanguageCode string           `json:"language_code"`
	Text         string           `json:"text"`
	Words        []elevenlabsWord `json:"words"`
}

// elevenlabsWord is a word, spacing or audio_event entry. Times are seconds.
type elevenlabsWord struct {
	Text      string  `json:"text"`
	Type      string  `json:"type"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	SpeakerID string  `json:"speaker_id"`
}

// NewElevenLabsClient creates a new ElevenLabs diarization client.
func NewElevenLabsClient(apiKey, model string, timeout time.Duration) *ElevenLabsClient {
	if model == "" {
		model = "scribe_v1"
	}
	return &ElevenLabsClient{
		apiKey:   apiKey,
		model:    model,
		endpoint: elevenLabsSTTEndpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (el *ElevenLabsClient) Name() string { return "elevenlabs" }

// Diarize sends the audio and folds consecutive same-speaker words into turns.
func (el *ElevenLabsClient) Diarize(ctx context.Context, req Request) ([]align.SpeakerTurn, error) {
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
	w.WriteField("model_id", el.model)
	w.WriteField("diarize", "true")
	w.WriteField("timestamps_granularity", "word")
	if req.NumSpeakers > 0 {
		w.WriteField("num_speakers", fmt.Sprint(req.NumSpeakers))
	}
	w.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, el.endpoint, &buf)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("xi-api-key", el.apiKey)

	resp, err := el.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{Service: "elevenlabs", Code: resp.StatusCode, Body: string(body)}
	}

	var result elevenlabsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return turnsFromWords(result.Words), nil
}

// turnsFromWords collapses runs of words with the same speaker_id into one
// turn. Spacing entries and words without a speaker are skipped.
func turnsFromWords(words []elevenlabsWord) []align.SpeakerTurn {
	turns := []align.SpeakerTurn{}
	for _, ew := range words {
		if ew.Type != "word" || ew.SpeakerID == "" {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Speaker == ew.SpeakerID {
			if ew.End > turns[n-1].End {
				turns[n-1].End = ew.End
			}
			continue
		}
		turns = append(turns, align.SpeakerTurn{Start: ew.Start, End: ew.End, Speaker: ew.SpeakerID})
	}
	return turns
}
