package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AsyncUploader pushes locally saved audio to the remote store without
// blocking job creation. Files are already on local disk when enqueued.
type AsyncUploader struct {
	remote   AudioStore
	ch       chan uploadJob
	workers  int
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
	mu       sync.RWMutex
}

type uploadJob struct {
	key         string
	data        []byte
	contentType string
}

// NewAsyncUploader creates an async uploader with the given buffer size.
func NewAsyncUploader(remote AudioStore, bufferSize, workers int, log zerolog.Logger) *AsyncUploader {
	if workers < 1 {
		workers = 1
	}
	return &AsyncUploader{
		remote:  remote,
		ch:      make(chan uploadJob, bufferSize),
		workers: workers,
		log:     log.With().Str("component", "async-uploader").Logger(),
	}
}

// Enqueue adds an upload. Non-blocking: drops with a warning if full or
// stopped; the reconciler picks dropped files up later.
func (u *AsyncUploader) Enqueue(key string, data []byte, contentType string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.stopped.Load() {
		return false
	}
	select {
	case u.ch <- uploadJob{key: key, data: data, contentType: contentType}:
		return true
	default:
		u.log.Warn().Str("key", key).Msg("async upload queue full, skipping (file safe on disk)")
		return false
	}
}

// Start launches worker goroutines.
func (u *AsyncUploader) Start() {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	u.log.Info().Int("workers", u.workers).Int("buffer", cap(u.ch)).Msg("async uploader started")
}

// Stop drains queued uploads and waits for the workers.
func (u *AsyncUploader) Stop() {
	u.stopOnce.Do(func() {
		u.mu.Lock()
		u.stopped.Store(true)
		close(u.ch)
		u.mu.Unlock()
	})
	u.wg.Wait()
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for job := range u.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := u.remote.Save(ctx, job.key, job.data, job.contentType); err != nil {
			u.log.Error().Err(err).Str("key", job.key).Msg("async upload failed (file safe on disk)")
		}
		cancel()
	}
}
