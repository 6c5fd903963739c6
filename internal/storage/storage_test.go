package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memRemote is an in-memory AudioStore standing in for S3.
type memRemote struct {
	mu    sync.Mutex
	files map[string][]byte
	fail  bool
}

func newMemRemote() *memRemote { return &memRemote{files: make(map[string][]byte)} }

func (m *memRemote) Save(ctx context.Context, key string, data []byte, ct string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("remote unavailable")
	}
	m.files[key] = append([]byte(nil), data...)
	return nil
}

func (m *memRemote) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memRemote) Exists(ctx context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[key]
	return ok
}

func (m *memRemote) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, key)
	return nil
}

func (m *memRemote) Type() string { return "mem" }

func TestKey(t *testing.T) {
	tests := []struct {
		fp, ext, want string
	}{
		{"abcdef", ".WAV", "audio/ab/abcdef.wav"},
		{"abcdef", "mp3", "audio/ab/abcdef.mp3"},
		{"abcdef", "", "audio/ab/abcdef"},
		{"a", ".wav", "audio/a/a.wav"},
	}
	for _, tt := range tests {
		if got := Key(tt.fp, tt.ext); got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.fp, tt.ext, got, tt.want)
		}
	}
}

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())
	key := Key("deadbeef", ".wav")

	if err := s.Save(ctx, key, []byte("RIFF"), "audio/wav"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists(ctx, key) {
		t.Fatal("Exists = false after Save")
	}
	data, err := ReadAll(ctx, s, key)
	if err != nil || string(data) != "RIFF" {
		t.Fatalf("ReadAll = %q, %v", data, err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := s.Open(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open after delete err = %v, want ErrNotFound", err)
	}
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	for _, key := range []string{"../outside.wav", "/etc/passwd", "audio/../../x"} {
		if err := s.Save(context.Background(), key, []byte("x"), ""); err == nil {
			t.Errorf("Save(%q) succeeded, want error", key)
		}
	}
}

func TestTieredStore(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	local := NewLocalStore(t.TempDir())
	ts := NewTieredStore(remote, local, nil, zerolog.Nop())
	key := Key("cafe01", ".mp3")

	if err := ts.Save(ctx, key, []byte("ID3"), "audio/mpeg"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !local.Exists(ctx, key) || !remote.Exists(ctx, key) {
		t.Fatal("expected both copies after Save")
	}

	// Lose the local copy: Open falls back to remote and re-caches.
	local.Delete(ctx, key)
	data, err := ReadAll(ctx, ts, key)
	if err != nil || string(data) != "ID3" {
		t.Fatalf("ReadAll = %q, %v", data, err)
	}
	if !local.Exists(ctx, key) {
		t.Error("remote hit was not cached locally")
	}

	if err := ts.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ts.Exists(ctx, key) {
		t.Error("Exists after Delete")
	}
}

func TestTieredStore_RemoteFailureIsNotFatal(t *testing.T) {
	remote := newMemRemote()
	remote.fail = true
	ts := NewTieredStore(remote, NewLocalStore(t.TempDir()), nil, zerolog.Nop())
	if err := ts.Save(context.Background(), "audio/aa/aa.wav", []byte("x"), ""); err != nil {
		t.Errorf("Save with failing remote: %v", err)
	}
}

func TestAsyncUploader_DrainsOnStop(t *testing.T) {
	remote := newMemRemote()
	u := NewAsyncUploader(remote, 10, 2, zerolog.Nop())
	u.Start()
	for _, k := range []string{"a", "b", "c"} {
		if !u.Enqueue(k, []byte(k), "") {
			t.Fatalf("Enqueue(%s) = false", k)
		}
	}
	u.Stop()
	for _, k := range []string{"a", "b", "c"} {
		if !remote.Exists(context.Background(), k) {
			t.Errorf("%s not uploaded", k)
		}
	}
	if u.Enqueue("d", nil, "") {
		t.Error("Enqueue after Stop = true")
	}
}

func TestUploadReconciler(t *testing.T) {
	dir := t.TempDir()
	local := NewLocalStore(dir)
	remote := newMemRemote()
	ctx := context.Background()
	local.Save(ctx, Key("aa11", ".wav"), []byte("1"), "")
	local.Save(ctx, Key("bb22", ".wav"), []byte("2"), "")
	remote.Save(ctx, Key("bb22", ".wav"), []byte("2"), "")

	r := NewUploadReconciler(dir, remote, zerolog.Nop())
	if n := r.reconcile(); n != 1 {
		t.Errorf("uploaded = %d, want 1", n)
	}
	if !remote.Exists(ctx, Key("aa11", ".wav")) {
		t.Error("missing file not uploaded")
	}
}

func TestCachePruner(t *testing.T) {
	dir := t.TempDir()
	local := NewLocalStore(dir)
	remote := newMemRemote()
	ctx := context.Background()

	old, backedUp, fresh := Key("aa01", ".wav"), Key("bb02", ".wav"), Key("cc03", ".wav")
	for _, k := range []string{old, backedUp, fresh} {
		local.Save(ctx, k, []byte("x"), "")
	}
	remote.Save(ctx, backedUp, []byte("x"), "")

	past := time.Now().Add(-48 * time.Hour)
	for _, k := range []string{old, backedUp} {
		os.Chtimes(filepath.Join(dir, filepath.FromSlash(k)), past, past)
	}

	p := NewCachePruner(dir, 24*time.Hour, 0, remote, zerolog.Nop())
	if n := p.prune(); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if local.Exists(ctx, backedUp) {
		t.Error("backed-up expired file still cached")
	}
	if !local.Exists(ctx, old) {
		t.Error("expired file without remote copy was pruned")
	}
	if !local.Exists(ctx, fresh) {
		t.Error("fresh file was pruned")
	}
	if _, err := os.Stat(filepath.Join(dir, "audio", "bb")); !os.IsNotExist(err) {
		t.Error("empty fan-out dir not removed")
	}
}

func TestHumanizeBytes(t *testing.T) {
	for in, want := range map[int64]string{512: "512 B", 2048: "2.0 KB", 5 << 20: "5.0 MB", 3 << 30: "3.0 GB"} {
		if got := humanizeBytes(in); got != want {
			t.Errorf("humanizeBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
