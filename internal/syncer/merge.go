// Package syncer contains the delta-sync engine and the orchestrator that
// queues sync targets, publishes progress and resumes interrupted syncs.
package syncer

import (
	"vouchersync/internal/models"
)

// mergeVouchers reconciles a newly fetched batch against the records already
// held, without losing data:
//
//   - vouchers are grouped by recordId, and within a group the highest
//     revisionId wins; an incoming voucher replaces the retained one only
//     when its revision is strictly greater, so ties keep the existing copy
//     (existing records come first in the walk);
//   - vouchers without a usable recordId/revisionId pair are kept as opaque
//     entries identified by their fallback composite key and included by
//     set-union, never deduplicated unless the key matches exactly;
//   - a second dedup pass runs over the merge output, a safety net against
//     double-counting anywhere upstream.
//
// The result is deterministic: existing order first, new arrivals after.
func mergeVouchers(existing, incoming []models.Voucher) []models.Voucher {
	combined := make([]models.Voucher, 0, len(existing)+len(incoming))
	combined = append(combined, existing...)
	combined = append(combined, incoming...)

	merged := dedupByRecordID(combined)
	return dedupByRecordID(merged)
}

// dedupByRecordID keeps one voucher per recordId; the highest revision wins
// and the earlier copy is kept on ties, so an incoming record must carry a
// strictly greater revision to replace a cached one. Non-identifiable
// vouchers pass through, set-unioned by fallback key.
func dedupByRecordID(vouchers []models.Voucher) []models.Voucher {
	out := make([]models.Voucher, 0, len(vouchers))
	byID := make(map[string]int)
	fallback := make(map[string]struct{})

	for _, v := range vouchers {
		if v.Identifiable() {
			id := v.RecordID()
			idx, ok := byID[id]
			if !ok {
				byID[id] = len(out)
				out = append(out, v)
				continue
			}
			if v.RevisionID() > out[idx].RevisionID() {
				out[idx] = v
			}
			continue
		}
		key := v.FallbackKey()
		if _, ok := fallback[key]; ok {
			continue
		}
		fallback[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
