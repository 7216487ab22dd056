package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"adlens/internal/domain"
	"adlens/pkg/config"
	"adlens/pkg/logger"
	"adlens/pkg/metrics"

	"github.com/google/uuid"
)

// APIStrategy opens an authenticated fetcher bound to one captured credential.
type APIStrategy interface {
	Session(cred domain.Credential) domain.AdFetcher
}

// CredentialSource hands out a copy of the stored credential.
type CredentialSource interface {
	Current() (domain.Credential, bool)
}

// Orchestrator owns every job: it runs the state machine, picks the
// strategy, drives the normalizer and mirrors snapshots to the store.
type Orchestrator struct {
	cfg        config.JobsConfig
	api        APIStrategy
	fallback   domain.AdFetcher
	creds      CredentialSource
	normalizer *Normalizer
	engine     *AggregationEngine
	store      domain.JobStore
	logger     *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	jobsMu sync.RWMutex
	jobs   map[string]*jobEntry

	slots chan struct{}
	wg    sync.WaitGroup
}

// jobEntry is the in-memory state of one job. mu serialises transitions;
// snap is swapped whole so readers never block and never see a torn value.
type jobEntry struct {
	mu              sync.Mutex
	snap            atomic.Pointer[domain.ScrapeJob]
	ads             []domain.NormalizedAd
	seen            map[string]struct{}
	cancelRequested bool
	cancelCh        chan struct{}
	stop            context.CancelFunc
	done            chan struct{}
}

func (e *jobEntry) snapshot() *domain.ScrapeJob {
	return e.snap.Load().Clone()
}

func NewOrchestrator(
	cfg config.JobsConfig,
	api APIStrategy,
	fallback domain.AdFetcher,
	creds CredentialSource,
	normalizer *Normalizer,
	engine *AggregationEngine,
	store domain.JobStore,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Orchestrator {
	slots := cfg.MaxConcurrentJobs
	if slots <= 0 {
		slots = 1
	}
	return &Orchestrator{
		cfg:        cfg,
		api:        api,
		fallback:   fallback,
		creds:      creds,
		normalizer: normalizer,
		engine:     engine,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		jobs:       make(map[string]*jobEntry),
		slots:      make(chan struct{}, slots),
	}
}

// Start validates the query, registers a QUEUED job and dispatches it.
func (o *Orchestrator) Start(ctx context.Context, query domain.JobQuery) (*domain.ScrapeJob, error) {
	q, err := prepareQuery(query, o.cfg)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	job := &domain.ScrapeJob{
		ID:        uuid.NewString(),
		Query:     q,
		State:     domain.JobQueued,
		Progress:  domain.NewProgress(0, q.Limit, "Waiting for a free worker"),
		CreatedAt: now,
	}

	// jobs outlive the request that started them but keep its request id
	jobCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	jobCtx = logger.ContextWithJobID(jobCtx, job.ID)

	e := &jobEntry{
		seen:     make(map[string]struct{}),
		cancelCh: make(chan struct{}),
		stop:     stop,
		done:     make(chan struct{}),
	}
	e.snap.Store(job)

	o.jobsMu.Lock()
	o.jobs[job.ID] = e
	o.jobsMu.Unlock()

	o.saveSnapshot(jobCtx, job)
	o.metrics.IncJobsQueued()

	o.logger.WithContext(jobCtx).WithFields(map[string]any{
		"query":     q.Query,
		"page_urls": len(q.PageURLs),
		"limit":     q.Limit,
		"region":    q.Region,
	}).Info("Job queued")

	o.wg.Add(1)
	go o.run(jobCtx, e)

	return job.Clone(), nil
}

// Status returns the latest snapshot of a job.
func (o *Orchestrator) Status(ctx context.Context, id string) (*domain.ScrapeJob, error) {
	if e := o.entry(id); e != nil {
		return e.snapshot(), nil
	}
	job, err := o.store.LoadJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if job == nil {
		return nil, notFound(id)
	}
	return job, nil
}

// List returns snapshots of every job held in memory, newest first.
func (o *Orchestrator) List() []*domain.ScrapeJob {
	o.jobsMu.RLock()
	out := make([]*domain.ScrapeJob, 0, len(o.jobs))
	for _, e := range o.jobs {
		out = append(out, e.snapshot())
	}
	o.jobsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cancel requests cancellation. A queued job is cancelled at once; a running
// job is cancelled once its in-flight fetch returns. It reports false for a
// job that is already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	e := o.entry(id)
	if e == nil {
		job, err := o.store.LoadJob(ctx, id)
		if err != nil {
			return false, fmt.Errorf("failed to load job %s: %w", id, err)
		}
		if job == nil {
			return false, notFound(id)
		}
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	if cur.State.IsTerminal() || e.cancelRequested {
		return false, nil
	}
	e.cancelRequested = true
	close(e.cancelCh)

	log := o.logger.WithContext(ctx).WithField("job_id", id)
	if cur.State == domain.JobQueued {
		next := cur.Clone()
		next.State = domain.JobCancelled
		next.CompletedAt = o.timestamp()
		next.Progress.Message = "Cancelled before start"
		o.commit(ctx, e, next)
		o.metrics.RecordJob(string(domain.JobCancelled), strategyLabel(next.StrategyUsed), 0)
		log.Info("Queued job cancelled")
		return true, nil
	}

	log.Info("Cancellation requested; waiting for in-flight fetch")
	return true, nil
}

// Results groups a completed job's ads by brand.
func (o *Orchestrator) Results(ctx context.Context, id string) (*domain.JobResults, error) {
	job, pages, err := o.completedPages(ctx, id)
	if err != nil {
		return nil, err
	}

	results := &domain.JobResults{
		Results: make(map[string]domain.CompetitorPageData, len(pages)),
		Summary: domain.ResultsSummary{
			BrandsAnalyzed:   len(pages),
			AnalysisDuration: jobDuration(job).String(),
			DataSources:      dataSources(job, pages),
		},
	}
	for _, p := range pages {
		results.Results[p.PageName] = p
		results.Summary.TotalAds += p.AdsFound
	}
	return results, nil
}

// Analyze runs the aggregation engine over a completed job.
func (o *Orchestrator) Analyze(ctx context.Context, id string) (*domain.AnalysisResult, error) {
	_, pages, err := o.completedPages(ctx, id)
	if err != nil {
		return nil, err
	}
	result := o.engine.Aggregate(pages)
	o.metrics.RecordAnalysis(result.EstimatePolicy)

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":      id,
		"competitors": len(result.Competitors),
		"total_ads":   result.TotalAds,
	}).Info("Computed analysis")
	return result, nil
}

func (o *Orchestrator) completedPages(ctx context.Context, id string) (*domain.ScrapeJob, []domain.CompetitorPageData, error) {
	job, err := o.Status(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if job.State != domain.JobCompleted {
		return nil, nil, domain.NewError(domain.CodeNotReady,
			fmt.Sprintf("job %s is %s", id, job.State),
			"results are available once the job is completed; poll the job status")
	}

	var ads []domain.NormalizedAd
	if e := o.entry(id); e != nil {
		e.mu.Lock()
		ads = append([]domain.NormalizedAd(nil), e.ads...)
		e.mu.Unlock()
	} else {
		ads, err = o.store.LoadJobResults(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load results for job %s: %w", id, err)
		}
	}
	return job, groupByBrand(job, ads), nil
}

// Sweep evicts terminal jobs that completed more than the retention window
// ago. Evicted jobs stay readable through the store.
func (o *Orchestrator) Sweep(now time.Time) int {
	if o.cfg.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-o.cfg.Retention)

	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()

	evicted := 0
	for id, e := range o.jobs {
		snap := e.snap.Load()
		if !snap.State.IsTerminal() || snap.CompletedAt == nil || snap.CompletedAt.After(cutoff) {
			continue
		}
		delete(o.jobs, id)
		evicted++
	}
	return evicted
}

// RunSweeper sweeps every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := o.Sweep(o.now()); n > 0 {
				o.logger.WithField("evicted", n).Info("Evicted expired jobs from memory")
			}
		}
	}
}

// Shutdown aborts running jobs and waits for their goroutines.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.jobsMu.RLock()
	for _, e := range o.jobs {
		e.stop()
	}
	o.jobsMu.RUnlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) entry(id string) *jobEntry {
	o.jobsMu.RLock()
	defer o.jobsMu.RUnlock()
	return o.jobs[id]
}

// commit publishes next as the job's snapshot. Callers hold e.mu. Illegal
// edges and regressing progress are refused.
func (o *Orchestrator) commit(ctx context.Context, e *jobEntry, next *domain.ScrapeJob) bool {
	cur := e.snap.Load()
	if !cur.State.CanTransition(next.State) {
		o.logger.WithContext(ctx).WithFields(map[string]any{
			"from": cur.State,
			"to":   next.State,
		}).Error("Refused illegal job transition")
		return false
	}
	if next.Progress.Current < cur.Progress.Current {
		o.logger.WithContext(ctx).WithFields(map[string]any{
			"current": cur.Progress.Current,
			"next":    next.Progress.Current,
		}).Error("Refused progress regression")
		return false
	}
	e.snap.Store(next)
	o.saveSnapshot(ctx, next)
	return true
}

func (o *Orchestrator) saveSnapshot(ctx context.Context, job *domain.ScrapeJob) {
	if err := o.store.SaveJobSnapshot(ctx, job.Clone()); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Failed to mirror job snapshot")
	}
}

func (o *Orchestrator) timestamp() *time.Time {
	t := o.now().UTC()
	return &t
}

func notFound(id string) error {
	return domain.NewError(domain.CodeNotFound, fmt.Sprintf("job %s not found", id), "check the job id")
}

func strategyLabel(s domain.Strategy) string {
	if s == domain.StrategyUnset {
		return "none"
	}
	return string(s)
}

func jobDuration(job *domain.ScrapeJob) time.Duration {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return 0
	}
	return job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond)
}
