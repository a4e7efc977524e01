package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"vouchersync/internal/common"
	"vouchersync/internal/cryptox"
	"vouchersync/internal/daterange"
	"vouchersync/internal/logging"
	"vouchersync/internal/models"
)

// Store is the hybrid storage facade the rest of the engine talks to. It
// selects a backend once at open time (private file area when the host
// grants it, embedded sqlite otherwise), encrypts every payload with the
// session user's key before it reaches the backend, and applies the TTL
// eviction policy uniformly.
type Store struct {
	backend Backend
	key     []byte
	log     logging.Logger
	now     func() time.Time
}

// RangeHit is one cached record set whose date range overlaps a query.
type RangeHit struct {
	Key      string
	Range    daterange.Range
	Vouchers []models.Voucher
}

// Open probes the data directory and returns a Store over the preferred
// backend. The user key must already be derived (see cryptox.KeyStore).
func Open(ctx context.Context, dataDir string, userKey []byte, log logging.Logger) (*Store, error) {
	fileDir := filepath.Join(dataDir, "cache")
	if err := ProbeFileBackend(fileDir); err == nil {
		b, err := NewFileBackend(fileDir)
		if err == nil {
			log.Debug(ctx, "storage backend selected", "backend", b.Name())
			return NewStore(b, userKey, log), nil
		}
		log.Warn(ctx, "file backend unavailable, falling back to sqlite", "error", err)
	} else {
		log.Warn(ctx, "private file storage probe failed, falling back to sqlite", "error", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	b, err := NewSQLiteBackend(ctx, filepath.Join(dataDir, "cache.db"))
	if err != nil {
		return nil, err
	}
	log.Debug(ctx, "storage backend selected", "backend", b.Name())
	return NewStore(b, userKey, log), nil
}

// NewStore wraps an already-constructed backend. Tests use this to exercise
// a specific backend directly.
func NewStore(b Backend, userKey []byte, log logging.Logger) *Store {
	return &Store{backend: b, key: userKey, log: log, now: time.Now}
}

// BackendName identifies the selected backend for status output.
func (s *Store) BackendName() string { return s.backend.Name() }

// PutRecordSet encrypts and stores a voucher set under key. ttlDays bounds
// the entry's lifetime; rng, when present, is the inclusive date span the
// set covers. Expired entries are cleaned up opportunistically on every
// write.
func (s *Store) PutRecordSet(ctx context.Context, key, baseKey string, vouchers []models.Voucher, ttlDays int, rng *daterange.Range) error {
	blob, err := cryptox.Encrypt(vouchers, s.key)
	if err != nil {
		return fmt.Errorf("encrypt record set: %w", err)
	}

	meta := Meta{BaseKey: baseKey, Range: rng, CreatedAt: s.now().UTC(), TTLDays: ttlDays}
	if err := s.putWithQuotaRetry(ctx, key, blob, meta); err != nil {
		return err
	}

	if n, err := s.backend.DeleteExpired(ctx, s.now()); err != nil {
		s.log.Warn(ctx, "expired entry cleanup failed", "error", err)
	} else if n > 0 {
		s.log.Debug(ctx, "cleaned up expired cache entries", "count", n)
	}
	return nil
}

// putWithQuotaRetry performs one cleanup-and-retry round when the write
// fails for lack of space, then surfaces ErrStorageQuota with the payload
// size so the caller can report something actionable.
func (s *Store) putWithQuotaRetry(ctx context.Context, key string, blob []byte, meta Meta) error {
	err := s.backend.Put(ctx, key, blob, meta)
	if err == nil {
		return nil
	}
	if !isQuotaError(err) {
		return err
	}

	s.log.Warn(ctx, "storage appears full, purging expired entries and retrying", "key", key)
	if _, cerr := s.backend.DeleteExpired(ctx, s.now()); cerr != nil {
		s.log.Warn(ctx, "cleanup during quota recovery failed", "error", cerr)
	}
	if err = s.backend.Put(ctx, key, blob, meta); err == nil {
		return nil
	}
	return fmt.Errorf("%w: payload ~%d KiB: %v", common.ErrStorageQuota, len(blob)/1024, err)
}

// GetRecordSet returns the decrypted voucher set under key, or (nil, nil)
// when the entry is absent, expired or cannot be decrypted. Expired and
// undecryptable entries are evicted on the way out.
func (s *Store) GetRecordSet(ctx context.Context, key string, ttlDays int) ([]models.Voucher, error) {
	e, err := s.backend.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if s.expired(e.Meta, ttlDays) {
		s.log.Debug(ctx, "evicting expired record set", "key", key)
		_ = s.backend.Delete(ctx, key)
		return nil, nil
	}

	vouchers, ok := s.decryptVouchers(ctx, e)
	if !ok {
		return nil, nil
	}
	return vouchers, nil
}

// decryptVouchers opens one entry, evicting it on failure. A decryption
// failure is treated as a cache miss, never surfaced to the caller: it most
// often means the cache belongs to a different user.
func (s *Store) decryptVouchers(ctx context.Context, e *Entry) ([]models.Voucher, bool) {
	var vouchers []models.Voucher
	if err := cryptox.Decrypt(e.Blob, s.key, &vouchers); err != nil {
		s.log.Warn(ctx, "evicting undecryptable cache entry", "key", e.Key)
		_ = s.backend.Delete(ctx, e.Key)
		return nil, false
	}
	return vouchers, true
}

// PutState persists a sync progress record. Progress carries no TTL: it is
// tiny and required to resume interrupted syncs.
func (s *Store) PutState(ctx context.Context, key string, st *models.SyncProgress) error {
	blob, err := cryptox.Encrypt(st, s.key)
	if err != nil {
		return fmt.Errorf("encrypt state: %w", err)
	}
	meta := Meta{BaseKey: key, CreatedAt: s.now().UTC()}
	return s.putWithQuotaRetry(ctx, key, blob, meta)
}

// GetState returns the progress record under key, or (nil, nil) when absent
// or undecryptable.
func (s *Store) GetState(ctx context.Context, key string) (*models.SyncProgress, error) {
	e, err := s.backend.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var st models.SyncProgress
	if err := cryptox.Decrypt(e.Blob, s.key, &st); err != nil {
		s.log.Warn(ctx, "evicting undecryptable state entry", "key", key)
		_ = s.backend.Delete(ctx, key)
		return nil, nil
	}
	return &st, nil
}

// FindOverlappingRanges returns every cached record set under baseKey whose
// date range overlaps want, decrypted and in ascending range order. Expired
// and undecryptable entries are evicted and skipped.
func (s *Store) FindOverlappingRanges(ctx context.Context, baseKey string, want daterange.Range, ttlDays int) ([]RangeHit, error) {
	entries, err := s.backend.FindOverlapping(ctx, baseKey, want)
	if err != nil {
		return nil, err
	}

	var hits []RangeHit
	for i := range entries {
		e := &entries[i]
		if s.expired(e.Meta, ttlDays) {
			_ = s.backend.Delete(ctx, e.Key)
			continue
		}
		vouchers, ok := s.decryptVouchers(ctx, e)
		if !ok {
			continue
		}
		hits = append(hits, RangeHit{Key: e.Key, Range: *e.Meta.Range, Vouchers: vouchers})
	}
	return hits, nil
}

// ClearOwner removes every entry whose key starts with prefix.
func (s *Store) ClearOwner(ctx context.Context, prefix string) error {
	return s.backend.DeletePrefix(ctx, prefix)
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) expired(meta Meta, ttlDays int) bool {
	if ttlDays <= 0 {
		return false
	}
	return s.now().After(meta.CreatedAt.AddDate(0, 0, ttlDays))
}

func isQuotaError(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "no space left on device") ||
		strings.Contains(msg, "disk full")
}
