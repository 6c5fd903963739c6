package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/pipeline"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, up pipeline.Upload) (*jobs.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, up.Filename)
	return &jobs.Job{ID: "job-" + up.Filename}, false, nil
}

func (f *fakeSubmitter) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestFileWatcher_BackfillAndLive(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "early.wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o644); err != nil {
		t.Fatal(err)
	}

	sub := &fakeSubmitter{}
	fw := NewFileWatcher(sub, dir, 0, zerolog.Nop())
	fw.debounce = 10 * time.Millisecond
	if err := fw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fw.Stop()

	waitFor(t, func() bool { return fw.Status().Status == "watching" })
	if got := sub.submitted(); len(got) != 1 || got[0] != "early.wav" {
		t.Fatalf("backfill submitted %v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, ingestedDir, "early.wav")); err != nil {
		t.Errorf("backfilled file not moved: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "live.MP3"), []byte("ID3"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(sub.submitted()) == 2 })
	if got := sub.submitted()[1]; got != "live.MP3" {
		t.Errorf("live file = %q", got)
	}
	if fw.Status().FilesProcessed != 2 {
		t.Errorf("FilesProcessed = %d, want 2", fw.Status().FilesProcessed)
	}
}

func TestFileWatcher_SkipsOversizeAndEmpty(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "big.wav"), make([]byte, 64), 0o644)
	os.WriteFile(filepath.Join(dir, "empty.wav"), nil, 0o644)

	sub := &fakeSubmitter{}
	fw := NewFileWatcher(sub, dir, 16, zerolog.Nop())
	fw.processFile(filepath.Join(dir, "big.wav"))
	fw.processFile(filepath.Join(dir, "empty.wav"))

	if len(sub.submitted()) != 0 {
		t.Errorf("submitted %v", sub.submitted())
	}
	if fw.Status().FilesSkipped != 2 {
		t.Errorf("FilesSkipped = %d, want 2", fw.Status().FilesSkipped)
	}
}

func TestHiddenPath(t *testing.T) {
	fw := NewFileWatcher(&fakeSubmitter{}, "/inbox", 0, zerolog.Nop())
	tests := map[string]bool{
		"/inbox/a.wav":                  false,
		"/inbox/sub/a.wav":              false,
		"/inbox/.ingested/a.wav":        true,
		"/inbox/sub/.partial.wav":       true,
		"/inbox/.ingested/sub/deep.wav": true,
	}
	for path, want := range tests {
		if got := fw.hiddenPath(path); got != want {
			t.Errorf("hiddenPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestIsAudio(t *testing.T) {
	for path, want := range map[string]bool{
		"a.wav": true, "b.FLAC": true, "c.opus": true, "d.json": false, "e": false,
	} {
		if got := isAudio(path); got != want {
			t.Errorf("isAudio(%q) = %v, want %v", path, got, want)
		}
	}
}
