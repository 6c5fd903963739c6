// Package transcribe holds the speech-to-text engine clients.
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"

	"github.com/snarg/transcript-engine/internal/align"
)

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, req Request) ([]align.TextSegment, error)
	Name() string  // "whisper", "deepinfra"
	Model() string // default model identifier for DB/logs
}

// Request is one transcription call.
type Request struct {
	Audio    []byte
	Filename string
	Model    string // overrides the provider default when set

	// Progress receives stage-local percentages from engines that report
	// them. May be nil.
	Progress func(pct int)
}

func (r Request) modelOr(def string) string {
	if r.Model != "" {
		return r.Model
	}
	return def
}

// audioForm builds a multipart body with the audio under fileField. fields
// with empty values are omitted.
func audioForm(fileField string, req Request, fields [][2]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := req.Filename
	if name == "" {
		name = "audio"
	}
	part, err := w.CreateFormFile(fileField, name)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, "", fmt.Errorf("copy audio data: %w", err)
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
