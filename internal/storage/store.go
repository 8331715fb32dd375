// Package storage persists received scan files and enforces the bounded
// retention policy over the store directory.
package storage

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Andrei05231/ScannerProxy/internal/util"
)

// Store manages one directory of received files. The directory is mutated
// only by the single receive-completion path of its owning responder, so no
// locking is needed.
type Store struct {
	dir string
}

// New creates the store directory if needed and returns a Store for it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory path.
func (s *Store) Dir() string { return s.dir }

// receivedPrefix marks the files Create writes; Sweep only ever touches
// files carrying it.
const receivedPrefix = "received_file_"

// Create opens a new output file for a transfer from the given peer. The
// name encodes a timestamp and the peer address with dots as underscores:
// received_file_20060102150405_10_0_0_9.raw
func (s *Store) Create(peer netip.Addr) (*os.File, error) {
	name := fmt.Sprintf(receivedPrefix+"%s_%s.raw",
		time.Now().Format("20060102150405"),
		strings.ReplaceAll(peer.String(), ".", "_"))
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", name, err)
	}
	return f, nil
}

// Sweep deletes the oldest received raw files beyond keep, ordered by
// modification time, along with each deleted file's converted .png
// companion. Files the store did not create (and the newest raws' PNGs) are
// left alone, so the cap counts receives, not artifacts. Per-file deletion
// failures are logged and do not abort the sweep; the returned count is the
// number of raw files actually removed.
func (s *Store) Sweep(keep int) int {
	if keep < 0 {
		keep = 0
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		util.LogWarning("retention sweep: failed to list %s: %v", s.dir, err)
		return 0
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var files []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if !strings.HasPrefix(e.Name(), receivedPrefix) || !strings.HasSuffix(e.Name(), ".raw") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{filepath.Join(s.dir, e.Name()), info.ModTime()})
	}

	// Newest first; everything past keep goes.
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })

	removed := 0
	for _, c := range files[min(keep, len(files)):] {
		if err := os.Remove(c.path); err != nil {
			util.LogWarning("retention sweep: failed to delete %s: %v", c.path, err)
			continue
		}
		util.LogDebug("retention sweep: deleted %s", c.path)
		removed++

		companion := strings.TrimSuffix(c.path, ".raw") + ".png"
		if err := os.Remove(companion); err != nil && !os.IsNotExist(err) {
			util.LogWarning("retention sweep: failed to delete %s: %v", companion, err)
		}
	}
	return removed
}
