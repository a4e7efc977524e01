package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"vouchersync/internal/common"
	"vouchersync/internal/config"
	"vouchersync/internal/daterange"
	"vouchersync/internal/logging"
	"vouchersync/internal/models"
	"vouchersync/internal/remote"
	"vouchersync/internal/session"
	"vouchersync/internal/storage"
)

// recordSetBase is the base key under which a company's merged voucher set
// is cached.
const recordSetBase = "vouchers"

// Engine runs one company's sync: decides fresh-vs-incremental mode, splits
// the date span into chunks, fetches each chunk with retry and backoff,
// merges the results into the cached record set with revision-aware
// deduplication, and persists progress after every chunk so an interrupted
// sync resumes exactly where it stopped.
type Engine struct {
	store   *storage.Store
	fetcher remote.Fetcher
	sess    session.Session
	cfg     *config.Config
	log     logging.Logger
	publish func(models.ProgressEvent)
	now     func() time.Time

	// merge and dedup are seams for the invariant-recovery tests; outside
	// tests they are always mergeVouchers and dedupByRecordID.
	merge func(existing, incoming []models.Voucher) []models.Voucher
	dedup func([]models.Voucher) []models.Voucher
}

// NewEngine wires an engine. publish may be nil when nobody subscribes to
// progress.
func NewEngine(store *storage.Store, fetcher remote.Fetcher, sess session.Session, cfg *config.Config, log logging.Logger, publish func(models.ProgressEvent)) *Engine {
	if publish == nil {
		publish = func(models.ProgressEvent) {}
	}
	return &Engine{
		store:   store,
		fetcher: fetcher,
		sess:    sess,
		cfg:     cfg,
		log:     log,
		publish: publish,
		now:     time.Now,
		merge:   mergeVouchers,
		dedup:   dedupByRecordID,
	}
}

// syncContext carries the per-invocation derived keys and baseline.
type syncContext struct {
	company     models.CompanyInfo
	span        daterange.Range
	baseKey     string
	progressKey string
	existing    []models.Voucher
	watermark   int64
	fetched     []daterange.Range // spans covered by cache or by a completed fetch
	persisted   []string          // keys written by the latest persist
	log         logging.Logger
}

func (sc *syncContext) canonicalKey() string {
	return storage.RecordSetKey(sc.company.LocationID, sc.company.CompanyID, recordSetBase, nil)
}

// Run executes one sync for company. startFresh forces a full chunked
// re-download even when cached records exist; merging still unions with the
// cache, so no previously synced data is ever dropped.
func (e *Engine) Run(ctx context.Context, company models.CompanyInfo, startFresh bool) (*models.SyncResult, error) {
	if !company.Valid() {
		return nil, common.ErrNoCompany
	}
	if !e.sess.Valid() {
		return nil, errors.New("session has no user or auth token")
	}

	sc := &syncContext{
		company:     company,
		span:        daterange.New(company.EarliestRecordDate, e.now()),
		baseKey:     storage.RecordSetBaseKey(company.LocationID, company.CompanyID, recordSetBase),
		progressKey: storage.ProgressKey(e.sess.UserID, company.CompanyID),
		log:         e.log.With("owner", company.OwnerID()),
	}

	existing, covered, err := e.loadCached(ctx, sc)
	if err != nil {
		return nil, e.fail(ctx, sc, err)
	}
	sc.existing = existing
	sc.fetched = covered
	sc.watermark = models.MaxRevision(existing)

	prev, err := e.store.GetState(ctx, sc.progressKey)
	if err != nil {
		return nil, e.fail(ctx, sc, err)
	}

	resume := 0
	if prev.Interrupted() && prev.TotalChunks > 0 && !startFresh {
		// Chunk boundaries are anchored at the company's earliest record
		// date, so indexes from the interrupted run are still valid.
		resume = prev.ChunksCompleted
		sc.log.Info(ctx, "resuming interrupted sync",
			"completed", prev.ChunksCompleted, "total", prev.TotalChunks)
	}

	incremental := len(existing) > 0 && sc.watermark > 0 && !startFresh && resume == 0

	mode := "fresh"
	if incremental {
		mode = "incremental"
	}
	sc.log.Info(ctx, "starting sync",
		"mode", mode,
		"cached_records", len(existing),
		"watermark", sc.watermark,
		"span", sc.span.String())

	var result *models.SyncResult
	if incremental {
		result, err = e.runIncremental(ctx, sc)
	} else {
		result, err = e.runChunked(ctx, sc, resume)
	}
	if err != nil {
		return nil, e.fail(ctx, sc, err)
	}
	return result, nil
}

// runIncremental sends a single watermark request. When the server signals
// slicing, or the request fails for a retryable reason, it falls back to the
// chunked strategy used for fresh syncs.
func (e *Engine) runIncremental(ctx context.Context, sc *syncContext) (*models.SyncResult, error) {
	if err := e.setProgress(ctx, sc, &models.SyncProgress{
		Status:             models.SyncInProgress,
		LastSyncedRevision: sc.watermark,
	}); err != nil {
		return nil, err
	}
	e.publishEvent(sc, 0, 0, fmt.Sprintf("fetching changes since revision %d", sc.watermark))

	res, err := e.fetchOnce(ctx, sc, sc.span, "Yes", sc.watermark)
	if err != nil {
		if remote.IsRetryable(err) {
			sc.log.Warn(ctx, "incremental fetch failed, falling back to chunked", "error", err)
			return e.runChunked(ctx, sc, 0)
		}
		return nil, err
	}
	if res.SlicingRequired {
		sc.log.Info(ctx, "server requested slicing, falling back to chunked")
		return e.runChunked(ctx, sc, 0)
	}

	merged, err := e.mergeAndValidate(ctx, sc, sc.existing, res.Records)
	if err != nil {
		return nil, err
	}
	sc.fetched = []daterange.Range{sc.span}
	return e.finalize(ctx, sc, merged, 0)
}

// runChunked walks the company's full date span in fixed-size windows,
// ascending. A chunk that exhausts its retries is skipped and retried once
// more after the main pass; it never aborts the sync. Progress and the
// merged record set are persisted after every chunk.
func (e *Engine) runChunked(ctx context.Context, sc *syncContext, resume int) (*models.SyncResult, error) {
	chunks := daterange.Chunks(sc.span, e.cfg.ChunkDays)
	total := len(chunks)
	if resume > total {
		resume = total
	}

	accumulated := sc.existing
	progress := &models.SyncProgress{
		Status:             models.SyncInProgress,
		ChunksCompleted:    resume,
		TotalChunks:        total,
		LastSyncedRevision: models.MaxRevision(accumulated),
	}
	if err := e.setProgress(ctx, sc, progress); err != nil {
		return nil, err
	}

	var failed []daterange.Range
	for i := resume; i < total; i++ {
		if ctx.Err() != nil {
			// Progress stays in_progress: partial work is valid and
			// resumable.
			return nil, common.ErrSyncCancelled
		}
		chunk := chunks[i]
		e.publishEvent(sc, i+1, total, fmt.Sprintf("fetching %s for %s", chunk, sc.company.DisplayName))

		records, err := e.fetchChunk(ctx, sc, chunk)
		switch {
		case errors.Is(err, context.Canceled):
			return nil, common.ErrSyncCancelled
		case err != nil:
			sc.log.Warn(ctx, "chunk failed after all attempts, skipping",
				"chunk", chunk.String(), "error", err)
			failed = append(failed, chunk)
		default:
			accumulated, err = e.mergeAndValidate(ctx, sc, accumulated, records)
			if err != nil {
				return nil, err
			}
			sc.fetched = append(sc.fetched, chunk)
			if err := e.persistRecords(ctx, sc, accumulated); err != nil {
				return nil, err
			}
		}

		progress.ChunksCompleted = i + 1
		progress.LastSyncedRevision = models.MaxRevision(accumulated)
		if err := e.setProgress(ctx, sc, progress); err != nil {
			return nil, err
		}
	}

	// One more round over the chunks that failed the main pass.
	remaining := 0
	for _, chunk := range failed {
		if ctx.Err() != nil {
			return nil, common.ErrSyncCancelled
		}
		e.publishEvent(sc, total, total, "retrying failed span "+chunk.String())
		records, err := e.fetchChunk(ctx, sc, chunk)
		if err != nil {
			remaining++
			sc.log.Warn(ctx, "chunk still failing, span left unsynced",
				"chunk", chunk.String(), "error", err)
			continue
		}
		accumulated, err = e.mergeAndValidate(ctx, sc, accumulated, records)
		if err != nil {
			return nil, err
		}
		sc.fetched = append(sc.fetched, chunk)
		if err := e.persistRecords(ctx, sc, accumulated); err != nil {
			return nil, err
		}
	}
	if remaining > 0 {
		sc.log.Warn(ctx, "sync finished with unsynced spans", "count", remaining)
	}

	return e.finalize(ctx, sc, accumulated, total)
}

// finalize persists the merged set over the covered spans, marks the sync
// completed and runs the read-back verification.
func (e *Engine) finalize(ctx context.Context, sc *syncContext, merged []models.Voucher, total int) (*models.SyncResult, error) {
	if err := e.persistRecords(ctx, sc, merged); err != nil {
		return nil, err
	}
	e.consolidate(ctx, sc)

	lastRev := models.MaxRevision(merged)
	if err := e.setProgress(ctx, sc, &models.SyncProgress{
		Status:             models.SyncCompleted,
		ChunksCompleted:    total,
		TotalChunks:        total,
		LastSyncedRevision: lastRev,
	}); err != nil {
		return nil, err
	}

	e.verifyReadBack(ctx, sc, len(merged), lastRev)
	e.publishEvent(sc, total, total, "sync completed for "+sc.company.DisplayName)
	sc.log.Info(ctx, "sync completed", "records", len(merged), "watermark", lastRev)

	return &models.SyncResult{RecordCount: len(merged), LastRevision: lastRev}, nil
}

// mergeAndValidate merges incoming into base and enforces the no-data-loss
// invariant: the merge must never hold fewer distinct recordIds than the
// baseline did. On violation it runs one explicit, logged recovery pass
// (re-read the cache, union blindly, dedup); if that still loses records the
// sync aborts rather than overwriting the cache with less than it started
// with.
func (e *Engine) mergeAndValidate(ctx context.Context, sc *syncContext, base, incoming []models.Voucher) ([]models.Voucher, error) {
	merged := e.merge(base, incoming)
	want := models.DistinctRecordIDs(base)
	if got := models.DistinctRecordIDs(merged); got >= want {
		return merged, nil
	}

	sc.log.Warn(ctx, "merge lost records, running emergency recovery",
		"baseline", want, "merged", models.DistinctRecordIDs(merged))

	cached, _, err := e.loadCached(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("emergency recovery re-read: %w", err)
	}
	union := make([]models.Voucher, 0, len(cached)+len(base)+len(incoming))
	union = append(union, cached...)
	union = append(union, base...)
	union = append(union, incoming...)
	recovered := e.dedup(union)

	if got := models.DistinctRecordIDs(recovered); got >= want {
		sc.log.Warn(ctx, "emergency recovery restored record count", "records", got)
		return recovered, nil
	}
	sc.log.Error(ctx, "emergency recovery failed, aborting sync",
		"baseline", want, "recovered", models.DistinctRecordIDs(recovered))
	return nil, common.ErrMergeInvariant
}

// loadCached reads and merges every cached record set overlapping the sync
// span. Expired and undecryptable entries were already evicted by the store.
func (e *Engine) loadCached(ctx context.Context, sc *syncContext) ([]models.Voucher, []daterange.Range, error) {
	hits, err := e.store.FindOverlappingRanges(ctx, sc.baseKey, sc.span, e.cfg.TTLDays)
	if err != nil {
		return nil, nil, err
	}
	var all []models.Voucher
	var ranges []daterange.Range
	for _, h := range hits {
		all = append(all, h.Vouchers...)
		ranges = append(ranges, h.Range)
	}
	return dedupByRecordID(all), ranges, nil
}

// fetchChunk fetches one date window with serverSlice disabled, retrying
// retryable failures with capped exponential backoff up to the configured
// attempt budget.
func (e *Engine) fetchChunk(ctx context.Context, sc *syncContext, chunk daterange.Range) ([]models.Voucher, error) {
	backoff := retry.WithCappedDuration(e.cfg.BackoffCap, retry.NewExponential(e.cfg.BackoffBase))
	backoff = retry.WithMaxRetries(uint64(e.cfg.MaxAttempts-1), backoff)

	var records []models.Voucher
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := e.fetchOnce(ctx, sc, chunk, "No", 0)
		if err != nil {
			if remote.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		records = res.Records
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// fetchOnce performs a single fetch with the per-chunk timeout applied.
func (e *Engine) fetchOnce(ctx context.Context, sc *syncContext, rng daterange.Range, serverSlice string, since int64) (*remote.FetchResult, error) {
	from, to := rng.Format()
	cctx, cancel := context.WithTimeout(ctx, e.cfg.EffectiveFetchTimeout())
	defer cancel()

	return e.fetcher.FetchVouchers(cctx, remote.FetchRequest{
		CompanyID:     sc.company.CompanyID,
		LocationID:    sc.company.LocationID,
		AuthToken:     e.sess.AuthToken,
		FromDate:      from,
		ToDate:        to,
		ServerSlice:   serverSlice,
		SinceRevision: since,
	})
}

// persistRecords writes the merged set with the covered spans recorded in
// the entry metadata. Contiguous coverage is the normal case and lives under
// the company's canonical key; when permanently failed chunks leave holes,
// one entry is written per covered segment so range queries and coverage
// reporting see exactly what was fetched.
func (e *Engine) persistRecords(ctx context.Context, sc *syncContext, records []models.Voucher) error {
	segments := daterange.Merge(sc.fetched)
	if len(segments) == 0 {
		sc.persisted = nil
		return nil
	}

	if len(segments) == 1 {
		key := sc.canonicalKey()
		if err := e.store.PutRecordSet(ctx, key, sc.baseKey, records, e.cfg.TTLDays, &segments[0]); err != nil {
			return err
		}
		sc.persisted = []string{key}
		return nil
	}

	keys := make([]string, 0, len(segments))
	for i := range segments {
		seg := segments[i]
		key := storage.RecordSetKey(sc.company.LocationID, sc.company.CompanyID, recordSetBase, &seg)
		if err := e.store.PutRecordSet(ctx, key, sc.baseKey, records, e.cfg.TTLDays, &seg); err != nil {
			return err
		}
		keys = append(keys, key)
	}
	sc.persisted = keys
	return nil
}

// consolidate drops range entries superseded by the latest persist, left
// behind by older syncs or interrupted runs.
func (e *Engine) consolidate(ctx context.Context, sc *syncContext) {
	keep := make(map[string]struct{}, len(sc.persisted))
	for _, k := range sc.persisted {
		keep[k] = struct{}{}
	}

	hits, err := e.store.FindOverlappingRanges(ctx, sc.baseKey, sc.span, e.cfg.TTLDays)
	if err != nil {
		sc.log.Warn(ctx, "consolidation scan failed", "error", err)
		return
	}
	for _, h := range hits {
		if _, ok := keep[h.Key]; !ok {
			_ = e.store.Delete(ctx, h.Key)
		}
	}
}

// verifyReadBack compares what the store now holds against the in-memory
// result. A mismatch is logged, never fatal: storage encoding is
// asynchronous relative to the in-memory merge.
func (e *Engine) verifyReadBack(ctx context.Context, sc *syncContext, wantCount int, wantRev int64) {
	got, _, err := e.loadCached(ctx, sc)
	if err != nil {
		sc.log.Warn(ctx, "read-back verification could not load persisted set", "error", err)
		return
	}
	if len(got) != wantCount || models.MaxRevision(got) != wantRev {
		sc.log.Warn(ctx, "read-back verification mismatch",
			"want_count", wantCount, "got_count", len(got),
			"want_revision", wantRev, "got_revision", models.MaxRevision(got))
		return
	}
	sc.log.Debug(ctx, "read-back verification passed", "records", wantCount)
}

func (e *Engine) setProgress(ctx context.Context, sc *syncContext, st *models.SyncProgress) error {
	st.LastUpdatedAt = e.now().UTC()
	if err := e.store.PutState(ctx, sc.progressKey, st); err != nil {
		return fmt.Errorf("persist sync progress: %w", err)
	}
	return nil
}

// fail records a terminal failure unless the sync was cancelled, in which
// case the in_progress state is left behind on purpose so the sync can
// resume.
func (e *Engine) fail(ctx context.Context, sc *syncContext, err error) error {
	if errors.Is(err, common.ErrSyncCancelled) || errors.Is(err, context.Canceled) {
		sc.log.Info(ctx, "sync cancelled, partial progress kept")
		return common.ErrSyncCancelled
	}

	st := &models.SyncProgress{Status: models.SyncFailed, Error: err.Error()}
	if prev, perr := e.store.GetState(ctx, sc.progressKey); perr == nil && prev != nil {
		st.ChunksCompleted = prev.ChunksCompleted
		st.TotalChunks = prev.TotalChunks
		st.LastSyncedRevision = prev.LastSyncedRevision
	}
	if perr := e.setProgress(ctx, sc, st); perr != nil {
		sc.log.Error(ctx, "could not persist failed state", "error", perr)
	}

	e.publishEvent(sc, st.ChunksCompleted, st.TotalChunks, "sync failed: "+err.Error())
	sc.log.Error(ctx, "sync failed", "error", err)
	return err
}

func (e *Engine) publishEvent(sc *syncContext, current, total int, msg string) {
	e.publish(models.ProgressEvent{
		OwnerID: sc.company.OwnerID(),
		Current: current,
		Total:   total,
		Message: msg,
	})
}
