// Package common defines shared constants and sentinel errors used across
// the vouchersync engine. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotFound      = errors.New("not found")
	ErrExpired       = errors.New("entry expired")
	ErrStorageQuota  = errors.New("storage quota exceeded")
	ErrDecryptFailed = errors.New("decryption failed")

	// Sync-level errors.
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrMergeInvariant   = errors.New("merge would lose previously synced records")
	ErrSyncCancelled    = errors.New("sync cancelled")
	ErrNoCompany        = errors.New("company info is incomplete")
	ErrOrchestratorDown = errors.New("orchestrator is stopped")
)
