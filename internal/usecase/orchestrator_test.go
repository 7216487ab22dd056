package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"adlens/internal/domain"
)

// ─── Progress and state machine ────────────────────────────────────────

func TestOrchestrator_ProgressSequence(t *testing.T) {
	t.Parallel()

	fallback := &scriptedFetcher{}
	fallback.steps = []fetchStep{
		{page: fallbackPage(t, "a", "Nike", 40, "0:2")},
		{page: fallbackPage(t, "b", "Nike", 40, "0:3")},
		{page: fallbackPage(t, "c", "Nike", 20, "")},
	}
	h := newHarness(t, testJobsConfig(), nil, nil, fallback)

	job, err := h.orch.Start(context.Background(), domain.JobQuery{Query: "running shoes", Limit: 100})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.State != domain.JobQueued {
		t.Fatalf("expected queued, got %s", job.State)
	}

	final := waitForState(t, h.orch, job.ID, domain.JobCompleted)
	if final.StrategyUsed != domain.StrategyFallback {
		t.Errorf("expected fallback strategy, got %q", final.StrategyUsed)
	}
	if final.CompletedAt == nil || final.StartedAt == nil {
		t.Error("expected startedAt and completedAt")
	}

	history := h.store.history(job.ID)
	var seen []int
	for i, snap := range history {
		if i > 0 {
			prev := history[i-1]
			if !prev.State.CanTransition(snap.State) {
				t.Fatalf("illegal transition %s -> %s", prev.State, snap.State)
			}
			if snap.Progress.Current < prev.Progress.Current {
				t.Fatalf("progress regressed %d -> %d", prev.Progress.Current, snap.Progress.Current)
			}
		}
		if snap.State == domain.JobRunning && (len(seen) == 0 || seen[len(seen)-1] != snap.Progress.Current) {
			seen = append(seen, snap.Progress.Current)
		}
	}

	want := []int{0, 40, 80, 100}
	if len(seen) != len(want) {
		t.Fatalf("expected progress %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected progress %v, got %v", want, seen)
		}
	}

	last := history[len(history)-1]
	if last.State != domain.JobCompleted || last.Progress.Percentage != 100 {
		t.Errorf("expected completed at 100%%, got %s at %d%%", last.State, last.Progress.Percentage)
	}
}

func TestOrchestrator_StopsAtLimit(t *testing.T) {
	t.Parallel()

	fallback := &scriptedFetcher{steps: []fetchStep{
		{page: fallbackPage(t, "a", "Nike", 30, "0:2")},
		{page: fallbackPage(t, "b", "Nike", 30, "0:3")},
	}}
	h := newHarness(t, testJobsConfig(), nil, nil, fallback)

	job, err := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 50})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitForState(t, h.orch, job.ID, domain.JobCompleted)
	if final.Progress.Current != 50 || final.Progress.Total != 50 {
		t.Errorf("expected 50/50, got %d/%d", final.Progress.Current, final.Progress.Total)
	}
	if fallback.callCount() != 2 {
		t.Errorf("expected 2 fetches, got %d", fallback.callCount())
	}
}

func TestOrchestrator_StartRejectsMalformedQuery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testJobsConfig(), nil, nil, nil)
	tests := []struct {
		name  string
		query domain.JobQuery
	}{
		{"no query or pages", domain.JobQuery{Limit: 10}},
		{"negative limit", domain.JobQuery{Query: "x", Limit: -1}},
		{"limit above max", domain.JobQuery{Query: "x", Limit: 5000}},
		{"bad region", domain.JobQuery{Query: "x", Region: "USA"}},
		{"bad date", domain.JobQuery{Query: "x", DateRange: domain.DateRange{From: "01/02/2024"}}},
		{"inverted dates", domain.JobQuery{Query: "x", DateRange: domain.DateRange{From: "2024-05-01", To: "2024-04-01"}}},
		{"bad media type", domain.JobQuery{Query: "x", Filters: domain.JobFilters{MediaType: "gif"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Start(context.Background(), tt.query)
			if domain.CodeOf(err) != domain.CodeMalformedInput {
				t.Errorf("expected MALFORMED_INPUT, got %v", err)
			}
		})
	}
	if n := h.fallback.callCount(); n != 0 {
		t.Errorf("malformed queries must not reach a strategy, got %d calls", n)
	}
}

// ─── Strategy selection and switching ──────────────────────────────────

func TestOrchestrator_AuthRejectedMidJobSwitchesToFallback(t *testing.T) {
	t.Parallel()

	api := &scriptedFetcher{steps: []fetchStep{
		{page: apiPage(t, "api", "Nike", 30, "after-1")},
		{err: domain.NewError(domain.CodeAuthRejected, "token revoked", "submit a new token")},
	}}
	fallback := &scriptedFetcher{steps: []fetchStep{
		{page: fallbackPage(t, "fb-a", "Nike", 40, "0:2")},
		{page: fallbackPage(t, "fb-b", "Nike", 30, "")},
	}}
	h := newHarness(t, testJobsConfig(), verifiedCredential(), api, fallback)

	job, err := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 100})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitForState(t, h.orch, job.ID, domain.JobCompleted)

	if final.StrategyUsed != domain.StrategyFallback {
		t.Errorf("expected final strategy fallback, got %q", final.StrategyUsed)
	}
	if final.Fallbacks != 1 {
		t.Errorf("expected one fallback switch, got %d", final.Fallbacks)
	}
	if final.Progress.Current != 100 {
		t.Errorf("expected 100 ads, got %d", final.Progress.Current)
	}
	if api.callCount() != 2 {
		t.Errorf("auth rejection must not be retried, got %d api calls", api.callCount())
	}
	if fallback.cursors[0] != "" {
		t.Errorf("fallback must start from its own first page, got cursor %q", fallback.cursors[0])
	}

	var sawAPI bool
	for _, snap := range h.store.history(job.ID) {
		if snap.State == domain.JobRunning && snap.StrategyUsed == domain.StrategyAPI {
			sawAPI = true
		}
	}
	if !sawAPI {
		t.Error("expected the job to record the api strategy before switching")
	}
}

func TestOrchestrator_SecondAuthFailureIsFatal(t *testing.T) {
	t.Parallel()

	api := &scriptedFetcher{steps: []fetchStep{
		{err: domain.NewError(domain.CodeAuthRejected, "token revoked", "submit a new token")},
	}}
	fallback := &scriptedFetcher{steps: []fetchStep{
		{err: domain.NewError(domain.CodeAuthRejected, "blocked", "try later")},
	}}
	h := newHarness(t, testJobsConfig(), verifiedCredential(), api, fallback)

	job, err := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitForState(t, h.orch, job.ID, domain.JobFailed)
	if final.Error == nil || final.Error.Code != domain.CodeAuthRejected {
		t.Fatalf("expected AUTH_REJECTED error, got %+v", final.Error)
	}
	if final.Error.Hint == "" {
		t.Error("failed jobs must carry a remediation hint")
	}
	if final.Fallbacks != 1 {
		t.Errorf("expected exactly one switch, got %d", final.Fallbacks)
	}
}

func TestOrchestrator_UnverifiedCredentialUsesFallback(t *testing.T) {
	t.Parallel()

	cred := verifiedCredential()
	cred.CapabilityVerified = false
	cred.IssuedScopes = []string{"public_profile"}

	api := &scriptedFetcher{}
	fallback := &scriptedFetcher{steps: []fetchStep{{page: fallbackPage(t, "f", "Adidas", 5, "")}}}
	h := newHarness(t, testJobsConfig(), cred, api, fallback)

	job, err := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitForState(t, h.orch, job.ID, domain.JobCompleted)
	if final.StrategyUsed != domain.StrategyFallback {
		t.Errorf("expected fallback, got %q", final.StrategyUsed)
	}
	if final.Fallbacks != 0 {
		t.Errorf("initial selection is not a switch, got %d", final.Fallbacks)
	}
	if api.callCount() != 0 {
		t.Errorf("api must not be called, got %d", api.callCount())
	}
}

func TestOrchestrator_SustainedRateLimitSwitches(t *testing.T) {
	t.Parallel()

	limited := domain.RateLimited("slow down", 0)
	api := &scriptedFetcher{steps: []fetchStep{{err: limited}, {err: limited}, {err: limited}}}
	fallback := &scriptedFetcher{steps: []fetchStep{{page: fallbackPage(t, "f", "Puma", 3, "")}}}
	h := newHarness(t, testJobsConfig(), verifiedCredential(), api, fallback)

	job, err := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitForState(t, h.orch, job.ID, domain.JobCompleted)
	if api.callCount() != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", api.callCount())
	}
	if final.StrategyUsed != domain.StrategyFallback || final.Progress.Current != 3 {
		t.Errorf("unexpected final job %+v", final)
	}
}

// ─── Retry ─────────────────────────────────────────────────────────────

func TestOrchestrator_TransientRetriedThenSucceeds(t *testing.T) {
	t.Parallel()

	fallback := &scriptedFetcher{steps: []fetchStep{
		{err: domain.NewError(domain.CodeTransient, "503", "retry")},
		{page: fallbackPage(t, "f", "Nike", 4, "")},
	}}
	h := newHarness(t, testJobsConfig(), nil, nil, fallback)

	job, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	final := waitForState(t, h.orch, job.ID, domain.JobCompleted)
	if final.Progress.Current != 4 {
		t.Errorf("expected 4 ads, got %d", final.Progress.Current)
	}
	if fallback.cursors[0] != fallback.cursors[1] {
		t.Error("retry must re-attempt the same cursor")
	}
}

func TestOrchestrator_RetriesExhaustedFailWithLastCode(t *testing.T) {
	t.Parallel()

	fallback := &scriptedFetcher{steps: []fetchStep{
		{err: domain.NewError(domain.CodeTransient, "503", "retry")},
		{err: domain.NewError(domain.CodeTransient, "503", "retry")},
		{err: domain.NewError(domain.CodeProviderUnreachable, "blocked", "lower the rate")},
	}}
	h := newHarness(t, testJobsConfig(), nil, nil, fallback)

	job, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	final := waitForState(t, h.orch, job.ID, domain.JobFailed)
	if final.Error == nil || final.Error.Code != domain.CodeProviderUnreachable {
		t.Fatalf("expected last observed code, got %+v", final.Error)
	}
	if final.Error.Hint != "lower the rate" {
		t.Errorf("expected hint from the last error, got %q", final.Error.Hint)
	}
	if fallback.callCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", fallback.callCount())
	}
}

func TestOrchestrator_Backoff(t *testing.T) {
	t.Parallel()

	o := &Orchestrator{}
	o.cfg.RetryBackoff = 100 * time.Millisecond
	o.cfg.MaxBackoff = time.Second

	tests := []struct {
		attempt    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{0, 0, 100 * time.Millisecond},
		{1, 0, 200 * time.Millisecond},
		{3, 0, 800 * time.Millisecond},
		{4, 0, time.Second},
		{0, 5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := o.backoff(tt.attempt, tt.retryAfter); got != tt.want {
			t.Errorf("backoff(%d, %v): expected %v, got %v", tt.attempt, tt.retryAfter, tt.want, got)
		}
	}
}

// ─── Normalization outcomes ────────────────────────────────────────────

func TestOrchestrator_SkipsAndDeduplicates(t *testing.T) {
	t.Parallel()

	page := fallbackPage(t, "dup", "Nike", 3, "")
	page.Records = append(page.Records, page.Records[0], page.Records[1])
	noAdvertiser, _ := json.Marshal(domain.ScrapedAd{ArchiveID: "x1", Body: "orphan"})
	page.Records = append(page.Records, domain.RawRecord{Source: domain.StrategyFallback, Payload: noAdvertiser, FetchedAt: fetchedAt})

	h := newHarness(t, testJobsConfig(), nil, nil, &scriptedFetcher{steps: []fetchStep{{page: page}}})
	job, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	final := waitForState(t, h.orch, job.ID, domain.JobCompleted)

	if final.Progress.Current != 3 {
		t.Errorf("expected 3 accepted ads, got %d", final.Progress.Current)
	}
	if final.Skipped != 3 {
		t.Errorf("expected 3 skipped records, got %d", final.Skipped)
	}
}

func TestOrchestrator_SystemicNormalizationFailure(t *testing.T) {
	t.Parallel()

	page := &domain.FetchPage{NextCursor: "0:2"}
	for i := 0; i < 3; i++ {
		page.Records = append(page.Records, domain.RawRecord{
			Source: domain.StrategyFallback, Payload: json.RawMessage(`"<html>captcha</html>"`), FetchedAt: fetchedAt,
		})
	}
	h := newHarness(t, testJobsConfig(), nil, nil, &scriptedFetcher{steps: []fetchStep{{page: page}}})

	job, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	final := waitForState(t, h.orch, job.ID, domain.JobFailed)
	if final.Error == nil || final.Error.Code != domain.CodeSystemicNormalization {
		t.Fatalf("expected systemic failure, got %+v", final.Error)
	}
}

// ─── Cancellation ──────────────────────────────────────────────────────

func TestOrchestrator_CancelWaitsForInFlightFetch(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	fallback := &scriptedFetcher{steps: []fetchStep{
		{page: fallbackPage(t, "a", "Nike", 10, "0:2")},
		{page: fallbackPage(t, "b", "Nike", 10, "0:3")},
	}}
	fallback.onCall = func(call int) {
		if call == 1 {
			close(started)
			<-release
		}
	}
	h := newHarness(t, testJobsConfig(), nil, nil, fallback)

	job, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 100})
	<-started

	ok, err := h.orch.Cancel(context.Background(), job.ID)
	if err != nil || !ok {
		t.Fatalf("expected cancel to be accepted, got %v %v", ok, err)
	}

	mid, _ := h.orch.Status(context.Background(), job.ID)
	if mid.State != domain.JobRunning {
		t.Errorf("state must stay running until the fetch returns, got %s", mid.State)
	}

	close(release)
	final := waitForState(t, h.orch, job.ID, domain.JobCancelled)
	if final.Progress.Current != 10 {
		t.Errorf("no records may be appended after cancel, got %d", final.Progress.Current)
	}
	if fallback.callCount() != 2 {
		t.Errorf("no fetch may start after cancel, got %d calls", fallback.callCount())
	}

	again, err := h.orch.Cancel(context.Background(), job.ID)
	if err != nil || again {
		t.Errorf("cancelling a terminal job must return false, got %v %v", again, err)
	}
}

func TestOrchestrator_CancelQueuedJob(t *testing.T) {
	t.Parallel()

	cfg := testJobsConfig()
	cfg.MaxConcurrentJobs = 1

	started := make(chan struct{})
	release := make(chan struct{})
	fallback := &scriptedFetcher{steps: []fetchStep{{page: fallbackPage(t, "a", "Nike", 1, "")}}}
	fallback.onCall = func(call int) {
		if call == 0 {
			close(started)
			<-release
		}
	}
	h := newHarness(t, cfg, nil, nil, fallback)

	first, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	<-started
	second, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "boots", Limit: 10})

	queued, _ := h.orch.Status(context.Background(), second.ID)
	if queued.State != domain.JobQueued {
		t.Fatalf("expected second job queued behind the first, got %s", queued.State)
	}

	ok, err := h.orch.Cancel(context.Background(), second.ID)
	if err != nil || !ok {
		t.Fatalf("expected cancel accepted, got %v %v", ok, err)
	}
	cancelled, _ := h.orch.Status(context.Background(), second.ID)
	if cancelled.State != domain.JobCancelled || cancelled.StartedAt != nil {
		t.Errorf("queued cancel must be immediate and never start, got %+v", cancelled)
	}

	close(release)
	waitForState(t, h.orch, first.ID, domain.JobCompleted)
}

func TestOrchestrator_CancelUnknownJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testJobsConfig(), nil, nil, nil)
	_, err := h.orch.Cancel(context.Background(), "missing")
	if domain.CodeOf(err) != domain.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

// ─── Results ───────────────────────────────────────────────────────────

func TestOrchestrator_ResultsNotReadyUntilCompleted(t *testing.T) {
	t.Parallel()

	cfg := testJobsConfig()
	cfg.MaxConcurrentJobs = 1

	started := make(chan struct{})
	release := make(chan struct{})
	fallback := &scriptedFetcher{steps: []fetchStep{
		{page: fallbackPage(t, "a", "Nike", 1, "")},
	}}
	fallback.onCall = func(call int) {
		if call == 0 {
			close(started)
			<-release
		}
	}
	h := newHarness(t, cfg, nil, nil, fallback)
	ctx := context.Background()

	running, _ := h.orch.Start(ctx, domain.JobQuery{Query: "shoes", Limit: 10})
	<-started
	queued, _ := h.orch.Start(ctx, domain.JobQuery{Query: "boots", Limit: 10})
	cancelled, _ := h.orch.Start(ctx, domain.JobQuery{Query: "socks", Limit: 10})
	if _, err := h.orch.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	for _, id := range []string{running.ID, queued.ID, cancelled.ID} {
		if _, err := h.orch.Results(ctx, id); domain.CodeOf(err) != domain.CodeNotReady {
			t.Errorf("job %s: expected NOT_READY, got %v", id, err)
		}
		if _, err := h.orch.Analyze(ctx, id); domain.CodeOf(err) != domain.CodeNotReady {
			t.Errorf("job %s: expected NOT_READY from analysis, got %v", id, err)
		}
	}

	close(release)
	waitForState(t, h.orch, running.ID, domain.JobCompleted)
	if _, err := h.orch.Results(ctx, running.ID); err != nil {
		t.Errorf("expected results once completed, got %v", err)
	}
}

func TestOrchestrator_ResultsNotReadyForFailedJob(t *testing.T) {
	t.Parallel()

	fallback := &scriptedFetcher{steps: []fetchStep{
		{err: domain.NewError(domain.CodeMalformedInput, "page not found", "check urls")},
	}}
	h := newHarness(t, testJobsConfig(), nil, nil, fallback)

	job, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	waitForState(t, h.orch, job.ID, domain.JobFailed)
	if _, err := h.orch.Results(context.Background(), job.ID); domain.CodeOf(err) != domain.CodeNotReady {
		t.Errorf("expected NOT_READY, got %v", err)
	}
}

func TestOrchestrator_ResultsGroupedByBrand(t *testing.T) {
	t.Parallel()

	page := fallbackPage(t, "n", "Nike", 3, "")
	other := fallbackPage(t, "a", "Adidas", 2, "")
	page.Records = append(page.Records, other.Records...)
	h := newHarness(t, testJobsConfig(), nil, nil, &scriptedFetcher{steps: []fetchStep{{page: page}}})

	job, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	waitForState(t, h.orch, job.ID, domain.JobCompleted)

	res, err := h.orch.Results(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if res.Summary.TotalAds != 5 || res.Summary.BrandsAnalyzed != 2 {
		t.Errorf("unexpected summary %+v", res.Summary)
	}
	if len(res.Summary.DataSources) != 1 || res.Summary.DataSources[0] != "fallback" {
		t.Errorf("expected fallback data source, got %v", res.Summary.DataSources)
	}
	if got := res.Results["Nike"]; got.AdsFound != 3 || len(got.Ads) != 3 {
		t.Errorf("expected 3 Nike ads, got %+v", got)
	}
	if got := res.Results["Adidas"]; got.AdsFound != 2 {
		t.Errorf("expected 2 Adidas ads, got %d", got.AdsFound)
	}

	analysis, err := h.orch.Analyze(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analysis.TotalAds != 5 || len(analysis.Competitors) != 2 {
		t.Errorf("unexpected analysis %+v", analysis)
	}
	if analysis.Competitors[0].Brand != "Nike" {
		t.Errorf("competitors must keep first-seen order, got %s first", analysis.Competitors[0].Brand)
	}
}

func TestOrchestrator_MissingPageDoesNotFailJob(t *testing.T) {
	t.Parallel()

	missing := &domain.FetchPage{
		NextCursor: "2:1",
		Failures: []domain.PageFailure{{
			PageID: "adidas", Code: domain.CodeMalformedInput, Message: "ad library page not found",
		}},
	}
	fallback := &scriptedFetcher{steps: []fetchStep{
		{page: fallbackPage(t, "n", "Nike", 2, "1:1")},
		{page: missing},
		{page: fallbackPage(t, "p", "Puma", 1, "")},
	}}
	h := newHarness(t, testJobsConfig(), nil, nil, fallback)

	query := domain.JobQuery{Limit: 10, PageURLs: []string{
		"https://www.facebook.com/nike",
		"https://www.facebook.com/adidas",
		"https://www.facebook.com/puma",
	}}
	job, err := h.orch.Start(context.Background(), query)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitForState(t, h.orch, job.ID, domain.JobCompleted)
	if len(final.PageErrors) != 1 || final.PageErrors[0].PageID != "adidas" {
		t.Errorf("expected the adidas failure on the job, got %+v", final.PageErrors)
	}

	res, err := h.orch.Results(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if got := res.Results["Nike"]; got.AdsFound != 2 || got.Error != "" {
		t.Errorf("unexpected Nike entry %+v", got)
	}
	if got := res.Results["Puma"]; got.AdsFound != 1 || got.Error != "" {
		t.Errorf("unexpected Puma entry %+v", got)
	}
	got, ok := res.Results["adidas"]
	if !ok {
		t.Fatalf("expected the failed page to be listed, got %v", res.Results)
	}
	if got.Error == "" || got.AdsFound != 0 || got.PageURL != "https://www.facebook.com/adidas" {
		t.Errorf("unexpected adidas entry %+v", got)
	}

	analysis, err := h.orch.Analyze(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analysis.TotalAds != 3 {
		t.Errorf("expected 3 ads in the analysis, got %d", analysis.TotalAds)
	}
}

func TestOrchestrator_EndlessEmptyPagesComplete(t *testing.T) {
	t.Parallel()

	steps := []fetchStep{{page: fallbackPage(t, "n", "Nike", 2, "0:2")}}
	for i := 0; i < 3*maxEmptyPages; i++ {
		steps = append(steps, fetchStep{page: &domain.FetchPage{NextCursor: fmt.Sprintf("0:%d", i+3)}})
	}
	fallback := &scriptedFetcher{steps: steps}
	h := newHarness(t, testJobsConfig(), nil, nil, fallback)

	job, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 100})
	final := waitForState(t, h.orch, job.ID, domain.JobCompleted)

	if final.Progress.Current != 2 {
		t.Errorf("expected 2 ads, got %d", final.Progress.Current)
	}
	if n := fallback.callCount(); n != 1+maxEmptyPages {
		t.Errorf("expected %d fetches, got %d", 1+maxEmptyPages, n)
	}
}

// ─── Listing and retention ─────────────────────────────────────────────

func TestOrchestrator_SweepFallsBackToStore(t *testing.T) {
	t.Parallel()

	fallback := &scriptedFetcher{steps: []fetchStep{{page: fallbackPage(t, "a", "Nike", 2, "")}}}
	h := newHarness(t, testJobsConfig(), nil, nil, fallback)

	job, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "shoes", Limit: 10})
	waitForState(t, h.orch, job.ID, domain.JobCompleted)

	if n := h.orch.Sweep(time.Now()); n != 0 {
		t.Errorf("fresh jobs must not be evicted, got %d", n)
	}
	if n := h.orch.Sweep(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if len(h.orch.List()) != 0 {
		t.Error("evicted job still listed")
	}

	status, err := h.orch.Status(context.Background(), job.ID)
	if err != nil || status.State != domain.JobCompleted {
		t.Fatalf("expected status from store, got %+v %v", status, err)
	}
	res, err := h.orch.Results(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("results from store: %v", err)
	}
	if res.Summary.TotalAds != 2 {
		t.Errorf("expected 2 ads from store, got %d", res.Summary.TotalAds)
	}
}

func TestOrchestrator_ListNewestFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testJobsConfig(), nil, nil, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	h.orch.now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Minute)
	}

	first, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "a", Limit: 1})
	second, _ := h.orch.Start(context.Background(), domain.JobQuery{Query: "b", Limit: 1})

	jobs := h.orch.List()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != second.ID || jobs[1].ID != first.ID {
		t.Error("expected newest job first")
	}
}
