package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vouchersync/internal/models"
)

func vch(id string, rev int64) models.Voucher {
	return models.Voucher{"recordId": id, "revisionId": rev, "amount": "100.00"}
}

func ids(vouchers []models.Voucher) []string {
	out := make([]string, 0, len(vouchers))
	for _, v := range vouchers {
		out = append(out, v.RecordID())
	}
	return out
}

func TestMergeVouchersHigherRevisionWins(t *testing.T) {
	existing := []models.Voucher{vch("A", 1), vch("B", 4)}
	incoming := []models.Voucher{vch("A", 3), vch("B", 2)}

	merged := mergeVouchers(existing, incoming)

	assert.Len(t, merged, 2)
	byID := map[string]int64{}
	for _, v := range merged {
		byID[v.RecordID()] = v.RevisionID()
	}
	assert.Equal(t, int64(3), byID["A"], "incoming revision 3 should replace cached 1")
	assert.Equal(t, int64(4), byID["B"], "cached revision 4 should survive incoming 2")
}

func TestMergeVouchersTieKeepsExistingCopy(t *testing.T) {
	existing := []models.Voucher{{"recordId": "A", "revisionId": int64(2), "note": "cached"}}
	incoming := []models.Voucher{{"recordId": "A", "revisionId": int64(2), "note": "incoming"}}

	merged := mergeVouchers(existing, incoming)

	assert.Len(t, merged, 1)
	assert.Equal(t, "cached", merged[0]["note"])
}

func TestMergeVouchersIdempotent(t *testing.T) {
	batch := []models.Voucher{vch("A", 1), vch("B", 2), vch("C", 3)}

	once := mergeVouchers(nil, batch)
	twice := mergeVouchers(once, batch)

	assert.Equal(t, ids(once), ids(twice))
	assert.Len(t, twice, 3)
}

func TestMergeVouchersNeverShrinksRecordSet(t *testing.T) {
	existing := []models.Voucher{vch("A", 1), vch("B", 1), vch("C", 9)}
	incoming := []models.Voucher{vch("C", 2)} // stale revision of one record

	merged := mergeVouchers(existing, incoming)

	assert.GreaterOrEqual(t,
		models.DistinctRecordIDs(merged),
		models.DistinctRecordIDs(existing))
	assert.Equal(t, int64(9), models.MaxRevision(merged))
}

func TestMergeVouchersFallbackKeyUnion(t *testing.T) {
	noID := func(date, party, amount string) models.Voucher {
		return models.Voucher{"date": date, "party": party, "amount": amount}
	}
	existing := []models.Voucher{noID("20240101", "acme", "50"), vch("A", 1)}
	incoming := []models.Voucher{
		noID("20240101", "acme", "50"), // exact duplicate, collapses
		noID("20240101", "acme", "75"), // differs in amount, kept
	}

	merged := mergeVouchers(existing, incoming)

	assert.Len(t, merged, 3)
}

func TestDedupByRecordIDKeepsUnidentifiable(t *testing.T) {
	batch := []models.Voucher{
		{"recordId": "A"},                  // no revision, not identifiable
		{"revisionId": int64(5)},           // no record id
		vch("A", 2),                        // identifiable A
		{"recordId": "A", "revisionId": 0}, // zero revision, not identifiable
	}

	out := dedupByRecordID(batch)

	// one identifiable A plus the opaque entries, unioned by fallback key
	assert.Equal(t, 1, models.DistinctRecordIDs(out))
	assert.GreaterOrEqual(t, len(out), 2)
}
