// Package models defines the data types the sync engine moves around:
// vouchers as received from the remote accounting system, the company
// descriptors that identify sync targets, and per-owner sync progress.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Voucher is one transactional record. The engine interprets only the
// recordId/revisionId pair; every other business field (date, amount, party,
// line items) is carried opaquely, so the type is an open map that
// round-trips remote JSON without loss.
type Voucher map[string]any

// RecordID returns the stable external master identifier, or "" when the
// record does not carry a usable one. The remote system is inconsistent
// about encoding ids as strings or numbers, so both are accepted.
func (v Voucher) RecordID() string {
	return stringField(v, "recordId")
}

// RevisionID returns the monotonically increasing revision assigned by the
// remote system, or 0 when absent or unparseable.
func (v Voucher) RevisionID() int64 {
	switch x := v["revisionId"].(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Identifiable reports whether the voucher carries a usable recordId and
// revisionId pair and therefore participates in revision-aware dedup.
func (v Voucher) Identifiable() bool {
	return v.RecordID() != "" && v.RevisionID() != 0
}

// FallbackKey builds the composite identity used for vouchers without a
// recordId/revisionId pair: date + party + amount. Two such vouchers are
// considered the same entry only on an exact key match.
func (v Voucher) FallbackKey() string {
	return fmt.Sprintf("%s|%s|%s",
		stringField(v, "date"),
		stringField(v, "party"),
		stringField(v, "amount"))
}

func stringField(v Voucher, name string) string {
	switch x := v[name].(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		// JSON numbers decode as float64; ids are integral in practice.
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return ""
	}
}

// MaxRevision returns the highest revisionId across the given vouchers.
// This is the watermark an incremental sync sends to the remote system.
func MaxRevision(vouchers []Voucher) int64 {
	var max int64
	for _, v := range vouchers {
		if r := v.RevisionID(); r > max {
			max = r
		}
	}
	return max
}

// DistinctRecordIDs counts the distinct recordIds among the identifiable
// vouchers. Non-identifiable vouchers are not counted.
func DistinctRecordIDs(vouchers []Voucher) int {
	seen := make(map[string]struct{})
	for _, v := range vouchers {
		if v.Identifiable() {
			seen[v.RecordID()] = struct{}{}
		}
	}
	return len(seen)
}
