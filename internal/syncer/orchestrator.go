package syncer

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"vouchersync/internal/common"
	"vouchersync/internal/config"
	"vouchersync/internal/daterange"
	"vouchersync/internal/logging"
	"vouchersync/internal/models"
	"vouchersync/internal/remote"
	"vouchersync/internal/session"
	"vouchersync/internal/storage"
)

// queueCapacity bounds how many distinct companies can wait for a sync slot.
const queueCapacity = 256

// job is one queued sync request. Every caller asking for the same owner
// while the job is pending joins it and shares its outcome.
type job struct {
	company models.CompanyInfo
	fresh   bool
	done    chan struct{}
	result  *models.SyncResult
	err     error
}

// Orchestrator serializes sync execution: requests are queued and run one at
// a time by a single worker goroutine, so two companies never sync
// concurrently and a company requested twice runs once.
type Orchestrator struct {
	engine *Engine
	store  *storage.Store
	sess   session.Session
	cfg    *config.Config
	log    logging.Logger

	rootCtx context.Context
	cancel  context.CancelFunc
	queue   chan *job
	wg      sync.WaitGroup

	mu           sync.Mutex
	jobs         map[string]*job // pending or running, keyed by owner id
	subs         map[string]func(models.ProgressEvent)
	activeCancel context.CancelFunc
	stopped      bool
}

// NewOrchestrator builds the orchestrator and starts its worker.
func NewOrchestrator(store *storage.Store, fetcher remote.Fetcher, sess session.Session, cfg *config.Config, log logging.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:   store,
		sess:    sess,
		cfg:     cfg,
		log:     log,
		rootCtx: ctx,
		cancel:  cancel,
		queue:   make(chan *job, queueCapacity),
		jobs:    make(map[string]*job),
		subs:    make(map[string]func(models.ProgressEvent)),
	}
	o.engine = NewEngine(store, fetcher, sess, cfg, log, o.broadcast)

	o.wg.Add(1)
	go o.worker()
	return o
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for j := range o.queue {
		o.run(j)
	}
}

func (o *Orchestrator) run(j *job) {
	ctx, cancel := context.WithCancel(o.rootCtx)

	o.mu.Lock()
	stopped := o.stopped
	if !stopped {
		o.activeCancel = cancel
	}
	o.mu.Unlock()

	if stopped {
		cancel()
		j.err = common.ErrOrchestratorDown
	} else {
		j.result, j.err = o.engine.Run(ctx, j.company, j.fresh)
		cancel()
	}

	o.mu.Lock()
	o.activeCancel = nil
	delete(o.jobs, j.company.OwnerID())
	o.mu.Unlock()

	close(j.done)
}

// RequestSync queues a sync for company and blocks until it finishes or ctx
// is cancelled. A request for a company that is already queued or running
// joins the existing job instead of queueing a second one; cancelling ctx
// detaches the caller but does not stop the job.
func (o *Orchestrator) RequestSync(ctx context.Context, company models.CompanyInfo, fresh bool) (*models.SyncResult, error) {
	j, err := o.enqueue(company, fresh)
	if err != nil {
		return nil, err
	}
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue registers a job for company, joining the pending one if present.
func (o *Orchestrator) enqueue(company models.CompanyInfo, fresh bool) (*job, error) {
	if !company.Valid() {
		return nil, common.ErrNoCompany
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, common.ErrOrchestratorDown
	}
	if existing, ok := o.jobs[company.OwnerID()]; ok {
		return existing, nil
	}

	j := &job{company: company, fresh: fresh, done: make(chan struct{})}
	select {
	case o.queue <- j:
	default:
		return nil, errors.New("sync queue is full")
	}
	o.jobs[company.OwnerID()] = j
	o.log.Debug(context.Background(), "sync queued", "owner", company.OwnerID(), "fresh", fresh)
	return j, nil
}

// CancelActive cancels the sync currently running, if any. Queued jobs are
// untouched. Returns whether a sync was actually cancelled.
func (o *Orchestrator) CancelActive() bool {
	o.mu.Lock()
	cancel := o.activeCancel
	o.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Subscribe registers a progress callback and returns the function that
// removes it. Callbacks run on the worker goroutine and must not block.
func (o *Orchestrator) Subscribe(fn func(models.ProgressEvent)) func() {
	id := uuid.NewString()
	o.mu.Lock()
	o.subs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) broadcast(ev models.ProgressEvent) {
	o.mu.Lock()
	fns := make([]func(models.ProgressEvent), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// CheckInterruptedSync reports whether company has a sync that was cut off
// mid-flight, along with its persisted progress.
func (o *Orchestrator) CheckInterruptedSync(ctx context.Context, company models.CompanyInfo) (*models.SyncProgress, bool, error) {
	st, err := o.store.GetState(ctx, storage.ProgressKey(o.sess.UserID, company.CompanyID))
	if err != nil {
		return nil, false, err
	}
	return st, st.Interrupted(), nil
}

// ResumeInterrupted scans the given companies for interrupted syncs and
// queues each one. It returns the owner ids that were queued. Intended to run
// once at startup.
func (o *Orchestrator) ResumeInterrupted(ctx context.Context, companies []models.CompanyInfo) ([]string, error) {
	var resumed []string
	for _, c := range companies {
		_, interrupted, err := o.CheckInterruptedSync(ctx, c)
		if err != nil {
			return resumed, err
		}
		if !interrupted {
			continue
		}
		if _, err := o.enqueue(c, false); err != nil {
			return resumed, err
		}
		o.log.Info(ctx, "queued resume of interrupted sync", "owner", c.OwnerID())
		resumed = append(resumed, c.OwnerID())
	}
	return resumed, nil
}

// GetCompanyRecords returns the cached vouchers for company, merged across
// every stored range entry and deduplicated.
func (o *Orchestrator) GetCompanyRecords(ctx context.Context, company models.CompanyInfo) ([]models.Voucher, error) {
	if !company.Valid() {
		return nil, common.ErrNoCompany
	}
	span := daterange.New(company.EarliestRecordDate, o.engine.now())
	baseKey := storage.RecordSetBaseKey(company.LocationID, company.CompanyID, recordSetBase)
	hits, err := o.store.FindOverlappingRanges(ctx, baseKey, span, o.cfg.TTLDays)
	if err != nil {
		return nil, err
	}
	var all []models.Voucher
	for _, h := range hits {
		all = append(all, h.Vouchers...)
	}
	return dedupByRecordID(all), nil
}

// Coverage returns the spans of company's history that hold cached data and
// the spans that do not.
func (o *Orchestrator) Coverage(ctx context.Context, company models.CompanyInfo) (cached, missing []daterange.Range, err error) {
	if !company.Valid() {
		return nil, nil, common.ErrNoCompany
	}
	span := daterange.New(company.EarliestRecordDate, o.engine.now())
	baseKey := storage.RecordSetBaseKey(company.LocationID, company.CompanyID, recordSetBase)
	hits, err := o.store.FindOverlappingRanges(ctx, baseKey, span, o.cfg.TTLDays)
	if err != nil {
		return nil, nil, err
	}
	var ranges []daterange.Range
	for _, h := range hits {
		ranges = append(ranges, h.Range)
	}
	cached = daterange.Merge(ranges)
	missing = daterange.Gaps(span, cached)
	return cached, missing, nil
}

// ClearCache removes all of company's cached records and its sync progress.
// It refuses while a sync for the company is queued or running; cancel that
// first.
func (o *Orchestrator) ClearCache(ctx context.Context, company models.CompanyInfo) error {
	if !company.Valid() {
		return common.ErrNoCompany
	}
	o.mu.Lock()
	_, busy := o.jobs[company.OwnerID()]
	o.mu.Unlock()
	if busy {
		return common.ErrSyncInProgress
	}
	if err := o.store.ClearOwner(ctx, storage.CompanyPrefix(company.LocationID, company.CompanyID)); err != nil {
		return err
	}
	if err := o.store.Delete(ctx, storage.ProgressKey(o.sess.UserID, company.CompanyID)); err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	o.log.Info(ctx, "cache cleared", "owner", company.OwnerID())
	return nil
}

// Stop cancels any running sync, fails queued jobs and waits for the worker
// to exit. The orchestrator cannot be restarted.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.queue)
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}
