package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcript-engine/internal/config"
)

// ErrNotFound is returned by Open when no backend holds the key.
var ErrNotFound = errors.New("audio not found")

// AudioStore abstracts audio file storage backends.
type AudioStore interface {
	// Save stores audio data. key format: audio/{fp[:2]}/{fp}{ext}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for the audio file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an audio file exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Delete removes the file. Missing files are not an error.
	Delete(ctx context.Context, key string) error

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// Key derives the storage key for audio with the given content fingerprint.
// Fanning out on the first two hex characters keeps directories small.
func Key(fingerprint, ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	prefix := fingerprint
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return path.Join("audio", prefix, fingerprint+ext)
}

// ReadAll loads a stored file into memory.
func ReadAll(ctx context.Context, s AudioStore, key string) ([]byte, error) {
	r, err := s.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ContentType returns the MIME type for an audio file extension.
func ContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".webm":
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}

// New creates an AudioStore based on config. Returns the store and optional
// background services (pruner, reconciler, uploader) that the caller must
// Start/Stop. Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, audioDir string, log zerolog.Logger) (AudioStore, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewLocalStore(audioDir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	// Tiered mode: local primary + S3 backup
	local := NewLocalStore(audioDir)
	uploader := NewAsyncUploader(s3store, 64, cfg.UploadWorkers, log)
	tiered := NewTieredStore(s3store, local, uploader, log)

	services := []BackgroundService{uploader}
	if cfg.CacheRetention > 0 || cfg.CacheMaxGB > 0 {
		services = append(services, NewCachePruner(audioDir, cfg.CacheRetention, cfg.CacheMaxGB, s3store, log))
	}
	services = append(services, NewUploadReconciler(audioDir, s3store, log))

	return tiered, services, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}
