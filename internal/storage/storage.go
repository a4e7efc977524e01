// Package storage persists the encrypted voucher cache. Two interchangeable
// backends exist behind one interface: a private file-area backend (one file
// per entry plus a manifest index) and an embedded sqlite backend. The Store
// facade picks a backend at open time, encrypts payloads before they reach
// it, and applies the TTL eviction policy.
package storage

import (
	"context"
	"time"

	"vouchersync/internal/daterange"
)

// Meta is the small unencrypted metadata stored alongside each blob.
type Meta struct {
	// BaseKey groups entries for range queries (owner scope without the
	// date suffix).
	BaseKey string `json:"baseKey"`

	// Range is the inclusive date span the payload covers, when it has one.
	Range *daterange.Range `json:"range,omitempty"`

	// CreatedAt is the write time in UTC.
	CreatedAt time.Time `json:"createdAt"`

	// TTLDays bounds the entry's lifetime for background cleanup;
	// 0 means the entry never expires on its own.
	TTLDays int `json:"ttlDays"`
}

// Entry is one stored blob with its key and metadata.
type Entry struct {
	Key  string
	Blob []byte
	Meta Meta
}

// Backend persists ciphertext blobs plus metadata. Implementations must make
// writes atomic from the caller's perspective: a crash mid-write must never
// leave a silently accepted, corrupted entry behind.
type Backend interface {
	// Put stores or replaces the entry under key.
	Put(ctx context.Context, key string, blob []byte, meta Meta) error

	// Get returns the entry under key, or common.ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Delete removes the entry under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every entry whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// FindOverlapping returns the entries under baseKey whose date range
	// overlaps want, in ascending range order.
	FindOverlapping(ctx context.Context, baseKey string, want daterange.Range) ([]Entry, error)

	// DeleteExpired removes entries whose TTL has elapsed relative to now
	// and returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Name identifies the backend in logs and status output.
	Name() string

	Close() error
}

// Persisted key layout. Two logical stores share one key space: the voucher
// cache under "sales_{locationId}_{companyId}_{baseKey}[_{start}_{end}]" and
// the progress store under "progress_{userId}_{companyId}". Payloads are
// opaque ciphertext to any external reader.

// RecordSetBaseKey builds the range-query grouping key for a company's
// record sets.
func RecordSetBaseKey(locationID, companyID, baseKey string) string {
	return "sales_" + locationID + "_" + companyID + "_" + baseKey
}

// RecordSetKey builds the full storage key for one record-set entry,
// including the date suffix when the entry covers a range.
func RecordSetKey(locationID, companyID, baseKey string, rng *daterange.Range) string {
	k := RecordSetBaseKey(locationID, companyID, baseKey)
	if rng != nil {
		from, to := rng.Format()
		k += "_" + from + "_" + to
	}
	return k
}

// CompanyPrefix is the key prefix covering every cache entry of one company,
// used for "clear this company's cache".
func CompanyPrefix(locationID, companyID string) string {
	return "sales_" + locationID + "_" + companyID + "_"
}

// ProgressKey builds the storage key of one owner's SyncProgress record.
func ProgressKey(userID, companyID string) string {
	return "progress_" + userID + "_" + companyID
}
