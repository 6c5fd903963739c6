package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CachePruner evicts old files from the local audio cache in tiered mode.
// The remote keeps everything; a file is only removed locally once the
// remote is confirmed to hold it.
type CachePruner struct {
	cacheDir  string
	retention time.Duration
	maxBytes  int64
	interval  time.Duration
	remote    AudioStore
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// NewCachePruner creates a cache pruner that evicts files by age and/or size.
func NewCachePruner(cacheDir string, retention time.Duration, maxGB int, remote AudioStore, log zerolog.Logger) *CachePruner {
	return &CachePruner{
		cacheDir:  cacheDir,
		retention: retention,
		maxBytes:  int64(maxGB) * 1024 * 1024 * 1024,
		interval:  1 * time.Hour,
		remote:    remote,
		log:       log.With().Str("component", "cache-pruner").Logger(),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

func (p *CachePruner) Start() {
	go p.loop()
}

func (p *CachePruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *CachePruner) loop() {
	// Run once on startup to clear any backlog from downtime
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stop:
			return
		}
	}
}

type cachedFile struct {
	path    string
	key     string
	modTime time.Time
	size    int64
}

// walkAudio lists finished audio files under dir, skipping in-flight temp files.
func walkAudio(dir string) ([]cachedFile, int64) {
	var files []cachedFile
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".audio-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		files = append(files, cachedFile{
			path:    path,
			key:     filepath.ToSlash(rel),
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		total += info.Size()
		return nil
	})
	return files, total
}

// prune returns the number of files removed.
func (p *CachePruner) prune() int {
	if p.retention == 0 && p.maxBytes == 0 {
		return 0
	}

	cutoff := p.now().Add(-p.retention)
	files, totalSize := walkAudio(p.cacheDir)
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	var prunedCount, skipped int
	var prunedBytes int64
	for _, f := range files {
		expired := p.retention > 0 && f.modTime.Before(cutoff)
		oversize := p.maxBytes > 0 && totalSize > p.maxBytes
		if !expired && !oversize {
			continue
		}
		if p.remote != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			backed := p.remote.Exists(ctx, f.key)
			cancel()
			if !backed {
				skipped++
				p.log.Warn().Str("key", f.key).Msg("skipping prune: file not in remote store")
				continue
			}
		}
		if err := os.Remove(f.path); err == nil {
			prunedCount++
			prunedBytes += f.size
			totalSize -= f.size
		}
	}

	removeEmptyDirs(p.cacheDir)

	if prunedCount > 0 || skipped > 0 {
		p.log.Info().
			Int("pruned", prunedCount).
			Str("freed", humanizeBytes(prunedBytes)).
			Str("remaining", humanizeBytes(totalSize)).
			Int("skipped_not_backed_up", skipped).
			Msg("cache prune complete")
	}
	return prunedCount
}

// removeEmptyDirs removes empty fan-out directories below root, deepest first.
func removeEmptyDirs(root string) {
	var dirs []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		if remaining, _ := os.ReadDir(dirs[i]); len(remaining) == 0 {
			os.Remove(dirs[i])
		}
	}
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
