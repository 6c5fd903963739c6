// Package ingest creates jobs from audio files dropped into an inbox
// directory.
package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/pipeline"
)

// ingestedDir receives files once their job exists. Hidden so the watcher
// ignores it.
const ingestedDir = ".ingested"

var audioExts = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".flac": true,
	".ogg": true, ".opus": true, ".webm": true, ".aac": true, ".mp4": true,
}

// Submitter creates a job for uploaded audio.
type Submitter interface {
	Submit(ctx context.Context, up pipeline.Upload) (*jobs.Job, bool, error)
}

// WatcherStatus is reported by the health endpoint.
type WatcherStatus struct {
	Status         string `json:"status"` // starting, backfilling, watching, stopped
	WatchDir       string `json:"watch_dir"`
	FilesProcessed int64  `json:"files_processed"`
	FilesSkipped   int64  `json:"files_skipped"`
}

// FileWatcher submits audio files that appear under watchDir. Files present
// at startup are backfilled oldest first.
type FileWatcher struct {
	submit   Submitter
	watchDir string
	maxBytes int64
	debounce time.Duration
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
	status         atomic.Value // string
}

// NewFileWatcher creates a watcher. maxBytes <= 0 disables the size limit.
func NewFileWatcher(submit Submitter, watchDir string, maxBytes int64, log zerolog.Logger) *FileWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	fw := &FileWatcher{
		submit:         submit,
		watchDir:       watchDir,
		maxBytes:       maxBytes,
		debounce:       500 * time.Millisecond,
		log:            log.With().Str("component", "watcher").Logger(),
		ctx:            ctx,
		cancel:         cancel,
		debounceTimers: make(map[string]*time.Timer),
	}
	fw.status.Store("starting")
	return fw
}

// Start watches every directory under watchDir and launches the backfill.
func (fw *FileWatcher) Start() error {
	if err := os.MkdirAll(fw.watchDir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w

	dirCount := 0
	err = filepath.WalkDir(fw.watchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fw.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != fw.watchDir && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if addErr := w.Add(path); addErr != nil {
			fw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
		} else {
			dirCount++
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}

	fw.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", fw.watchDir).
		Msg("file watcher initialized")

	fw.wg.Add(2)
	go fw.watchLoop()
	go fw.backfill()
	return nil
}

// Stop closes the watcher and waits for in-flight submissions.
func (fw *FileWatcher) Stop() {
	fw.status.Store("stopped")
	fw.cancel()
	if fw.watcher != nil {
		fw.watcher.Close()
	}
	fw.debounceMu.Lock()
	for path, t := range fw.debounceTimers {
		t.Stop()
		delete(fw.debounceTimers, path)
	}
	fw.debounceMu.Unlock()
	fw.wg.Wait()
	fw.log.Info().
		Int64("files_processed", fw.filesProcessed.Load()).
		Int64("files_skipped", fw.filesSkipped.Load()).
		Msg("file watcher stopped")
}

func (fw *FileWatcher) Status() WatcherStatus {
	s, _ := fw.status.Load().(string)
	return WatcherStatus{
		Status:         s,
		WatchDir:       fw.watchDir,
		FilesProcessed: fw.filesProcessed.Load(),
		FilesSkipped:   fw.filesSkipped.Load(),
	}
}

func (fw *FileWatcher) watchLoop() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if fw.hiddenPath(event.Name) {
				continue
			}

			// New subdirectory: watch it too.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := fw.watcher.Add(event.Name); err != nil {
					fw.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				}
				continue
			}

			if !isAudio(event.Name) {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess waits for the file to go quiet before reading it, so a
// file still being copied is not submitted half written.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Reset(fw.debounce)
		return
	}

	fw.debounceTimers[path] = time.AfterFunc(fw.debounce, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		if fw.ctx.Err() != nil {
			fw.debounceMu.Unlock()
			return
		}
		fw.wg.Add(1)
		fw.debounceMu.Unlock()

		defer fw.wg.Done()
		fw.processFile(path)
	})
}

// processFile submits one file and moves it under .ingested on success.
func (fw *FileWatcher) processFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Already moved by a concurrent run.
		return
	}
	if info.Size() == 0 || (fw.maxBytes > 0 && info.Size() > fw.maxBytes) {
		fw.filesSkipped.Add(1)
		fw.log.Warn().Str("path", path).Int64("size", info.Size()).Msg("skipping file: empty or too large")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fw.log.Warn().Err(err).Str("path", path).Msg("failed to read audio file")
		return
	}

	job, existing, err := fw.submit.Submit(fw.ctx, pipeline.Upload{
		Filename: filepath.Base(path),
		Data:     data,
	})
	if err != nil {
		fw.log.Warn().Err(err).Str("path", path).Msg("failed to submit watched file")
		return
	}

	fw.filesProcessed.Add(1)
	fw.log.Info().
		Str("path", path).
		Str("job_id", job.ID).
		Bool("existing", existing).
		Msg("watched file submitted")

	if err := fw.markIngested(path); err != nil {
		fw.log.Warn().Err(err).Str("path", path).Msg("failed to move ingested file")
	}
}

func (fw *FileWatcher) markIngested(path string) error {
	rel, err := filepath.Rel(fw.watchDir, path)
	if err != nil {
		return err
	}
	dst := filepath.Join(fw.watchDir, ingestedDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(path, dst)
}

// backfill submits audio already sitting in the inbox, oldest first.
func (fw *FileWatcher) backfill() {
	defer fw.wg.Done()
	fw.status.Store("backfilling")
	start := time.Now()

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry
	_ = filepath.WalkDir(fw.watchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != fw.watchDir && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isAudio(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		if fw.ctx.Err() != nil {
			fw.log.Info().Msg("backfill interrupted by shutdown")
			return
		}
		fw.processFile(f.path)
	}

	fw.status.Store("watching")
	if len(files) > 0 {
		fw.log.Info().
			Int("files", len(files)).
			Dur("elapsed", time.Since(start)).
			Msg("backfill complete")
	}
}

func (fw *FileWatcher) hiddenPath(path string) bool {
	rel, err := filepath.Rel(fw.watchDir, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if isHidden(part) {
			return true
		}
	}
	return false
}

func isHidden(name string) bool { return strings.HasPrefix(name, ".") && name != "." && name != ".." }

func isAudio(path string) bool {
	return audioExts[strings.ToLower(filepath.Ext(path))]
}
