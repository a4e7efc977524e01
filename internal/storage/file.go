package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vouchersync/internal/common"
	"vouchersync/internal/daterange"
)

const manifestName = "index.json"

// FileBackend stores one blob file per cache entry in a private directory,
// with the structured metadata kept in a manifest file for range queries.
// Blob and manifest writes go through temp-file + rename so a crash mid-write
// never leaves a silently accepted partial entry.
type FileBackend struct {
	dir string

	mu    sync.Mutex
	index map[string]fileEntry
}

type fileEntry struct {
	File string `json:"file"`
	Meta Meta   `json:"meta"`
}

// ProbeFileBackend checks whether the host grants usable private file
// storage under dir by writing and removing a probe file.
func ProbeFileBackend(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	probe := filepath.Join(dir, "probe-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

// NewFileBackend opens (or creates) a file backend rooted at dir and loads
// its manifest.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	b := &FileBackend{dir: dir, index: make(map[string]fileEntry)}
	if err := b.loadManifest(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(b.dir, manifestName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &b.index); err != nil {
		// A torn manifest write means the index is gone; the cache
		// degrades to empty and entries are re-fetched, never trusted
		// half-parsed.
		b.index = make(map[string]fileEntry)
	}
	return nil
}

// saveManifestLocked writes the manifest atomically. Callers hold b.mu.
func (b *FileBackend) saveManifestLocked() error {
	data, err := json.Marshal(b.index)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(b.dir, manifestName), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func blobFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16]) + ".bin"
}

func (b *FileBackend) blobPath(name string) string {
	return filepath.Join(b.dir, "blobs", name)
}

func (b *FileBackend) Put(ctx context.Context, key string, blob []byte, meta Meta) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	name := blobFileName(key)
	// Blob first, manifest second: the manifest never references a file
	// that does not exist yet.
	if err := writeFileAtomic(b.blobPath(name), blob); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}

	b.index[key] = fileEntry{File: name, Meta: meta}
	if err := b.saveManifestLocked(); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (b *FileBackend) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fe, ok := b.index[key]
	if !ok {
		return nil, common.ErrNotFound
	}

	blob, err := os.ReadFile(b.blobPath(fe.File))
	if os.IsNotExist(err) {
		// Manifest entry without its blob: drop the stale reference.
		delete(b.index, key)
		_ = b.saveManifestLocked()
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}

	return &Entry{Key: key, Blob: blob, Meta: fe.Meta}, nil
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteLocked(key)
}

func (b *FileBackend) deleteLocked(key string) error {
	fe, ok := b.index[key]
	if !ok {
		return nil
	}
	if err := os.Remove(b.blobPath(fe.File)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob: %w", err)
	}
	delete(b.index, key)
	return b.saveManifestLocked()
}

func (b *FileBackend) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for key, fe := range b.index {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := os.Remove(b.blobPath(fe.File)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove blob: %w", err)
		}
		delete(b.index, key)
	}
	return b.saveManifestLocked()
}

func (b *FileBackend) FindOverlapping(ctx context.Context, baseKey string, want daterange.Range) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	var hits []fileEntry
	var keys []string
	for key, fe := range b.index {
		if fe.Meta.BaseKey != baseKey || fe.Meta.Range == nil {
			continue
		}
		if daterange.Overlaps(*fe.Meta.Range, want) {
			hits = append(hits, fe)
			keys = append(keys, key)
		}
	}
	b.mu.Unlock()

	out := make([]Entry, 0, len(hits))
	for i, fe := range hits {
		blob, err := os.ReadFile(b.blobPath(fe.File))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read blob: %w", err)
		}
		out = append(out, Entry{Key: keys[i], Blob: blob, Meta: fe.Meta})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta.Range.Start.Before(out[j].Meta.Range.Start)
	})
	return out, nil
}

func (b *FileBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	live := make(map[string]struct{}, len(b.index)+1)
	for key, fe := range b.index {
		if fe.Meta.TTLDays > 0 && now.After(fe.Meta.CreatedAt.AddDate(0, 0, fe.Meta.TTLDays)) {
			if err := os.Remove(b.blobPath(fe.File)); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("remove blob: %w", err)
			}
			delete(b.index, key)
			removed++
			continue
		}
		live[fe.File] = struct{}{}
	}

	// Orphan blobs can be left behind by a crash between blob and
	// manifest writes; sweep them here.
	entries, err := os.ReadDir(filepath.Join(b.dir, "blobs"))
	if err == nil {
		for _, de := range entries {
			if _, ok := live[de.Name()]; !ok {
				_ = os.Remove(b.blobPath(de.Name()))
			}
		}
	}

	if removed > 0 {
		if err := b.saveManifestLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (b *FileBackend) Close() error { return nil }
