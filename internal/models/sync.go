package models

import "time"

// SyncStatus is the lifecycle state of one owner's sync.
type SyncStatus string

const (
	SyncIdle       SyncStatus = "idle"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

// CompanyInfo identifies a sync target. It is supplied by the connection
// directory and treated as read-only input.
type CompanyInfo struct {
	// CompanyID is the remote system's company identifier.
	CompanyID string `json:"companyId"`

	// LocationID scopes the company to one remote installation.
	LocationID string `json:"locationId"`

	// DisplayName is the human-readable company name, used only in
	// progress messages.
	DisplayName string `json:"displayName"`

	// EarliestRecordDate is the first day for which the company may have
	// vouchers; a fresh sync fetches from here to today.
	EarliestRecordDate time.Time `json:"earliestRecordDate"`
}

// Valid reports whether the descriptor carries enough to sync.
func (c CompanyInfo) Valid() bool {
	return c.CompanyID != "" && c.LocationID != "" && !c.EarliestRecordDate.IsZero()
}

// OwnerID is the queue/dedup identity of a sync target.
func (c CompanyInfo) OwnerID() string {
	return c.LocationID + "_" + c.CompanyID
}

// SyncProgress is the per (user, company) sync state machine record. It is
// persisted after every chunk so an interrupted sync can resume exactly.
type SyncProgress struct {
	// Status is the current lifecycle state.
	Status SyncStatus `json:"status"`

	// ChunksCompleted counts chunks fully fetched, merged and persisted.
	ChunksCompleted int `json:"chunksCompleted"`

	// TotalChunks is the chunk count of the current pass (0 for an
	// unchunked incremental sync).
	TotalChunks int `json:"totalChunks"`

	// LastSyncedRevision is the watermark: the highest revisionId known
	// to be in the cache.
	LastSyncedRevision int64 `json:"lastSyncedRevision"`

	// LastUpdatedAt is when this record was last persisted, in UTC.
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`

	// Error holds the failure reason when Status is failed.
	Error string `json:"error,omitempty"`
}

// Interrupted reports whether this record is evidence of a sync that was cut
// off mid-flight (process crash, cancellation) and can be resumed.
func (p *SyncProgress) Interrupted() bool {
	return p != nil && p.Status == SyncInProgress
}

// SyncResult is the outcome returned to the caller of a sync request.
type SyncResult struct {
	// RecordCount is the number of vouchers in the cache after the sync.
	RecordCount int `json:"recordCount"`

	// LastRevision is the watermark after the sync.
	LastRevision int64 `json:"lastRevision"`
}

// ProgressEvent is published to subscribers while a sync runs.
type ProgressEvent struct {
	// OwnerID identifies the sync target (location + company).
	OwnerID string `json:"ownerId"`

	// Current and Total describe chunk progress; Total is 0 while the
	// chunk count is not yet known.
	Current int `json:"current"`
	Total   int `json:"total"`

	// Message is a short human-readable status line.
	Message string `json:"message"`
}
