package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
)

// TieredStore combines local disk (source of truth) with a remote backup.
// Write path: save locally first (never block on the remote), then queue the
// remote upload. Read path: local first, remote fallback with cache-on-read.
type TieredStore struct {
	remote   AudioStore
	local    *LocalStore
	uploader *AsyncUploader
	log      zerolog.Logger
}

// NewTieredStore creates a tiered local-primary + remote-backup store.
// uploader may be nil, in which case uploads happen inline.
func NewTieredStore(remote AudioStore, local *LocalStore, uploader *AsyncUploader, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		remote:   remote,
		local:    local,
		uploader: uploader,
		log:      log.With().Str("component", "tiered-store").Logger(),
	}
}

// Save writes to local disk first (fatal on failure), then the remote
// (warning on failure; the upload reconciler catches up).
func (s *TieredStore) Save(ctx context.Context, key string, data []byte, ct string) error {
	if err := s.local.Save(ctx, key, data, ct); err != nil {
		return err
	}
	if s.uploader != nil {
		s.uploader.Enqueue(key, data, ct)
		return nil
	}
	if err := s.remote.Save(ctx, key, data, ct); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("remote backup write failed, reconciler will retry")
	}
	return nil
}

// Open checks local disk first, then falls back to the remote. On a remote
// hit, the file is cached locally for future reads.
func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if r, err := s.local.Open(ctx, key); err == nil {
		return r, nil
	}
	r, err := s.remote.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}
	if cacheErr := s.local.Save(ctx, key, data, ""); cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("key", key).Msg("failed to cache remote file locally")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	if s.local.Exists(ctx, key) {
		return true
	}
	return s.remote.Exists(ctx, key)
}

// Delete removes both copies; the remote error wins if both fail.
func (s *TieredStore) Delete(ctx context.Context, key string) error {
	localErr := s.local.Delete(ctx, key)
	if err := s.remote.Delete(ctx, key); err != nil {
		return err
	}
	return localErr
}

func (s *TieredStore) Type() string { return "tiered" }
