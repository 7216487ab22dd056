package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"adlens/internal/domain"
	"adlens/pkg/config"
	"adlens/pkg/logger"
	"adlens/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// ─── Fetchers ──────────────────────────────────────────────────────────

type fetchStep struct {
	page *domain.FetchPage
	err  error
}

// scriptedFetcher returns its steps in order, then empty final pages.
type scriptedFetcher struct {
	mu      sync.Mutex
	steps   []fetchStep
	calls   int
	cursors []string
	// onCall runs before the step is returned; it may block.
	onCall func(call int)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, query domain.JobQuery, cursor string) (*domain.FetchPage, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.cursors = append(f.cursors, cursor)
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if call >= len(f.steps) {
		return &domain.FetchPage{}, nil
	}
	return f.steps[call].page, f.steps[call].err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAPI struct {
	fetcher *scriptedFetcher
	mu      sync.Mutex
	tokens  []string
}

func (a *fakeAPI) Session(cred domain.Credential) domain.AdFetcher {
	a.mu.Lock()
	a.tokens = append(a.tokens, cred.Token)
	a.mu.Unlock()
	return a.fetcher
}

type fakeCreds struct {
	cred *domain.Credential
}

func (c fakeCreds) Current() (domain.Credential, bool) {
	if c.cred == nil {
		return domain.Credential{}, false
	}
	return c.cred.Copy(), true
}

// ─── Store ─────────────────────────────────────────────────────────────

// recordingStore keeps every snapshot it is handed, in order.
type recordingStore struct {
	mu        sync.Mutex
	snapshots map[string][]domain.ScrapeJob
	results   map[string][]domain.NormalizedAd
	cred      *domain.Credential
	credErr   error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		snapshots: make(map[string][]domain.ScrapeJob),
		results:   make(map[string][]domain.NormalizedAd),
	}
}

func (s *recordingStore) LoadCredential(ctx context.Context) (*domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, nil
	}
	c := s.cred.Copy()
	return &c, nil
}

func (s *recordingStore) SaveCredential(ctx context.Context, cred domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credErr != nil {
		return s.credErr
	}
	c := cred.Copy()
	s.cred = &c
	return nil
}

func (s *recordingStore) SaveJobSnapshot(ctx context.Context, job *domain.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[job.ID] = append(s.snapshots[job.ID], *job.Clone())
	return nil
}

func (s *recordingStore) LoadJob(ctx context.Context, id string) (*domain.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[id]
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[len(snaps)-1].Clone(), nil
}

func (s *recordingStore) SaveJobResults(ctx context.Context, id string, ads []domain.NormalizedAd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = append([]domain.NormalizedAd(nil), ads...)
	return nil
}

func (s *recordingStore) LoadJobResults(ctx context.Context, id string) ([]domain.NormalizedAd, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.NormalizedAd(nil), s.results[id]...), nil
}

func (s *recordingStore) history(id string) []domain.ScrapeJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ScrapeJob(nil), s.snapshots[id]...)
}

// ─── Builders ──────────────────────────────────────────────────────────

var fetchedAt = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func apiPage(t *testing.T, prefix, brand string, n int, next string) *domain.FetchPage {
	t.Helper()
	page := &domain.FetchPage{NextCursor: next}
	for i := 0; i < n; i++ {
		payload, err := json.Marshal(domain.ProviderAd{
			ID:               fmt.Sprintf("%s%d", prefix, i),
			PageID:           "100" + brand,
			PageName:         brand,
			AdCreativeBodies: []string{"Run faster with lightweight running shoes"},
			Impressions:      &domain.ProviderRange{LowerBound: "1000", UpperBound: "4999"},
			Spend:            &domain.ProviderRange{LowerBound: "100", UpperBound: "199"},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		page.Records = append(page.Records, domain.RawRecord{
			Source: domain.StrategyAPI, Payload: payload, FetchedAt: fetchedAt,
		})
	}
	return page
}

func fallbackPage(t *testing.T, prefix, brand string, n int, next string) *domain.FetchPage {
	t.Helper()
	page := &domain.FetchPage{NextCursor: next}
	for i := 0; i < n; i++ {
		payload, err := json.Marshal(domain.ScrapedAd{
			ArchiveID: fmt.Sprintf("%s%d", prefix, i),
			PageName:  brand,
			Body:      "Summer sale on running shoes",
			Images:    []string{"https://cdn.example.com/a.jpg"},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		page.Records = append(page.Records, domain.RawRecord{
			Source: domain.StrategyFallback, Payload: payload, FetchedAt: fetchedAt,
		})
	}
	return page
}

// ─── Harness ───────────────────────────────────────────────────────────

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		MaxConcurrentJobs: 4,
		DefaultLimit:      100,
		MaxLimit:          1000,
		MaxRetries:        2,
		RetryBackoff:      time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		Retention:         time.Hour,
		SweepInterval:     time.Minute,
	}
}

type harness struct {
	orch     *Orchestrator
	store    *recordingStore
	api      *fakeAPI
	fallback *scriptedFetcher
}

func newHarness(t *testing.T, cfg config.JobsConfig, cred *domain.Credential, api, fallback *scriptedFetcher) *harness {
	t.Helper()
	if api == nil {
		api = &scriptedFetcher{}
	}
	if fallback == nil {
		fallback = &scriptedFetcher{}
	}
	h := &harness{
		store:    newRecordingStore(),
		api:      &fakeAPI{fetcher: api},
		fallback: fallback,
	}
	h.orch = NewOrchestrator(cfg, h.api, fallback, fakeCreds{cred: cred}, NewNormalizer(),
		NewAggregationEngine(MidpointPolicy{}), h.store, logger.Discard(), metrics.New(prometheus.NewRegistry()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func verifiedCredential() *domain.Credential {
	return &domain.Credential{
		Token:              "EAAB" + fmt.Sprintf("%060d", 7),
		IssuedScopes:       []string{domain.ScopeAdsRead},
		CapabilityVerified: true,
	}
}

func waitForState(t *testing.T, o *Orchestrator, id string, want domain.JobState) *domain.ScrapeJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := o.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if job.State == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s: expected state %s, still %s (%s)", id, want, job.State, job.Progress.Message)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
