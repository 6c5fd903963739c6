package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UploadReconciler scans the local cache for files missing from the remote
// store and re-uploads them. Covers dropped async uploads and crashes.
type UploadReconciler struct {
	cacheDir string
	remote   AudioStore
	interval time.Duration
	window   time.Duration
	delay    time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewUploadReconciler creates a reconciler that checks for missing uploads.
func NewUploadReconciler(cacheDir string, remote AudioStore, log zerolog.Logger) *UploadReconciler {
	return &UploadReconciler{
		cacheDir: cacheDir,
		remote:   remote,
		interval: 5 * time.Minute,
		window:   24 * time.Hour,
		delay:    2 * time.Minute,
		log:      log.With().Str("component", "upload-reconciler").Logger(),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

func (r *UploadReconciler) Start() { go r.loop() }

func (r *UploadReconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *UploadReconciler) loop() {
	// Delay first run to let startup uploads settle
	select {
	case <-time.After(r.delay):
	case <-r.stop:
		return
	}

	r.reconcile()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stop:
			return
		}
	}
}

// reconcile returns the number of files uploaded.
func (r *UploadReconciler) reconcile() int {
	var uploaded, failed, checked int
	cutoff := r.now().Add(-r.window)

	files, _ := walkAudio(r.cacheDir)
	for _, f := range files {
		if f.modTime.Before(cutoff) {
			continue
		}
		checked++

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		exists := r.remote.Exists(ctx, f.key)
		cancel()
		if exists {
			continue
		}

		data, err := os.ReadFile(f.path)
		if err != nil {
			continue
		}
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		if err := r.remote.Save(ctx, f.key, data, ContentType(filepath.Ext(f.path))); err != nil {
			r.log.Warn().Err(err).Str("key", f.key).Msg("reconcile upload failed")
			failed++
		} else {
			uploaded++
		}
		cancel()
	}

	if uploaded > 0 || failed > 0 {
		r.log.Info().
			Int("uploaded", uploaded).
			Int("failed", failed).
			Int("checked", checked).
			Msg("reconcile complete")
	}
	return uploaded
}
