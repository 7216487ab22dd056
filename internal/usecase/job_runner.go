package usecase

import (
	"context"
	"fmt"
	"time"

	"adlens/internal/domain"
)

// maxEmptyPages ends a job whose source keeps paginating without records.
const maxEmptyPages = 5

// run drives one job from QUEUED to a terminal state.
func (o *Orchestrator) run(ctx context.Context, e *jobEntry) {
	defer o.wg.Done()
	defer close(e.done)
	defer e.stop()

	select {
	case o.slots <- struct{}{}:
	case <-e.cancelCh:
		o.metrics.DecJobsQueued()
		return
	case <-ctx.Done():
		o.metrics.DecJobsQueued()
		o.finish(ctx, e, domain.JobCancelled, nil, "Cancelled by shutdown")
		return
	}
	defer func() { <-o.slots }()
	o.metrics.DecJobsQueued()

	fetcher, strategy, reason := o.selectStrategy()

	e.mu.Lock()
	cur := e.snap.Load()
	if cur.State.IsTerminal() {
		e.mu.Unlock()
		return
	}
	next := cur.Clone()
	next.State = domain.JobRunning
	next.StartedAt = o.timestamp()
	next.StrategyUsed = strategy
	next.Progress = domain.NewProgress(0, next.Query.Limit, startMessage(strategy, reason))
	started := o.commit(ctx, e, next)
	e.mu.Unlock()
	if !started {
		return
	}

	o.metrics.IncJobsInProgress()
	defer o.metrics.DecJobsInProgress()

	log := o.logger.WithContext(ctx)
	log.WithFields(map[string]any{
		"strategy": strategy,
		"reason":   reason,
	}).Info("Job started")
	if strategy == domain.StrategyFallback {
		o.metrics.RecordStrategyFallback(reason)
	}

	query := next.Query
	cursor := ""
	canSwitch := strategy == domain.StrategyAPI
	empty := 0

	for {
		page, err := o.fetchWithRetry(ctx, e, fetcher, query, cursor, strategy)

		if err != nil && !o.isCancelRequested(e) && ctx.Err() == nil {
			code := domain.CodeOf(err)
			if canSwitch && (domain.IsAuthFailure(err) || code == domain.CodeRateLimited) {
				canSwitch = false
				fetcher, strategy, cursor = o.fallback, domain.StrategyFallback, ""
				empty = 0
				if !o.switchStrategy(ctx, e, code) {
					return
				}
				log.WithError(err).WithField("code", code).Warn("Switched to fallback strategy")
				continue
			}
			log.WithError(err).WithField("code", code).Error("Job failed")
			o.finish(ctx, e, domain.JobFailed, err, "")
			return
		}

		done, stop := o.applyPage(ctx, e, page, err, strategy)
		if stop {
			return
		}
		if len(page.Records) == 0 && len(page.Failures) == 0 {
			empty++
		} else {
			empty = 0
		}
		if empty >= maxEmptyPages && page.NextCursor != "" {
			log.WithFields(map[string]any{
				"strategy": strategy,
				"cursor":   page.NextCursor,
			}).Warn("Source kept paginating without records, completing job")
		}
		if done || page.NextCursor == "" || empty >= maxEmptyPages {
			o.complete(ctx, e)
			return
		}
		cursor = page.NextCursor
	}
}

// selectStrategy picks the API strategy only for a stored credential that
// passed the Ad Library probe; otherwise the reason for falling back is
// returned.
func (o *Orchestrator) selectStrategy() (domain.AdFetcher, domain.Strategy, string) {
	if o.api == nil {
		return o.fallback, domain.StrategyFallback, "api_unavailable"
	}
	cred, ok := o.creds.Current()
	switch {
	case !ok:
		return o.fallback, domain.StrategyFallback, "no_credential"
	case cred.Expired(o.now()):
		return o.fallback, domain.StrategyFallback, "credential_expired"
	case !cred.CapabilityVerified:
		return o.fallback, domain.StrategyFallback, "no_ad_library_access"
	}
	return o.api.Session(cred), domain.StrategyAPI, ""
}

func startMessage(strategy domain.Strategy, reason string) string {
	if strategy == domain.StrategyFallback {
		return fmt.Sprintf("Collecting ads via fallback strategy (%s)", reason)
	}
	return "Collecting ads via API strategy"
}

// fetchWithRetry retries retryable failures against the same cursor with
// exponential backoff. A cancel request interrupts the wait.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, e *jobEntry, fetcher domain.AdFetcher, query domain.JobQuery, cursor string, strategy domain.Strategy) (*domain.FetchPage, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		page, err := fetcher.Fetch(ctx, query, cursor)
		if err == nil {
			if page == nil {
				page = &domain.FetchPage{}
			}
			return page, nil
		}
		lastErr = err
		if !domain.IsRetryable(err) || attempt == o.cfg.MaxRetries {
			break
		}

		delay := o.backoff(attempt, domain.RetryAfterOf(err))
		o.logger.WithContext(ctx).WithFields(map[string]any{
			"strategy": strategy,
			"attempt":  attempt + 1,
			"code":     domain.CodeOf(err),
			"delay":    delay,
		}).Warn("Fetch failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-e.cancelCh:
			timer.Stop()
			return nil, lastErr
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// backoff is base·2^attempt capped at the configured maximum; a provider
// retry hint wins when it is longer.
func (o *Orchestrator) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := o.cfg.RetryBackoff << attempt
	if o.cfg.MaxBackoff > 0 && (d > o.cfg.MaxBackoff || d <= 0) {
		d = o.cfg.MaxBackoff
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func (o *Orchestrator) isCancelRequested(e *jobEntry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelRequested
}

// switchStrategy records the one permitted mid-job move to the fallback.
func (o *Orchestrator) switchStrategy(ctx context.Context, e *jobEntry, code domain.ErrorCode) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	if e.cancelRequested {
		o.cancelLocked(ctx, e, cur)
		return false
	}
	next := cur.Clone()
	next.StrategyUsed = domain.StrategyFallback
	next.Fallbacks++
	next.Progress.Message = fmt.Sprintf("API strategy failed with %s; continuing via fallback strategy", code)
	o.metrics.RecordStrategyFallback(switchReason(code))
	return o.commit(ctx, e, next)
}

func switchReason(code domain.ErrorCode) string {
	switch code {
	case domain.CodeAuthRejected:
		return "auth_rejected"
	case domain.CodeInsufficientScope:
		return "insufficient_scope"
	case domain.CodeRateLimited:
		return "rate_limited"
	}
	return "other"
}

// applyPage normalizes and appends one page. It reports done when the limit
// is reached, and stop when the job reached a terminal state instead.
func (o *Orchestrator) applyPage(ctx context.Context, e *jobEntry, page *domain.FetchPage, fetchErr error, strategy domain.Strategy) (done, stop bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	if cur.State.IsTerminal() {
		return false, true
	}
	if e.cancelRequested || ctx.Err() != nil || fetchErr != nil {
		o.cancelLocked(ctx, e, cur)
		return false, true
	}

	total := cur.Query.Limit
	current := cur.Progress.Current
	minImpressions := cur.Query.Filters.MinImpressions
	source := string(strategy)

	accepted := make([]domain.NormalizedAd, 0, len(page.Records))
	skipped, undecodable := 0, 0
	for _, raw := range page.Records {
		if current+len(accepted) >= total {
			break
		}
		if raw.RunID == "" {
			raw.RunID = cur.ID
		}
		ad, skip := o.normalizer.Normalize(raw)
		if skip == nil {
			if _, dup := e.seen[ad.ID]; dup {
				skip = &domain.SkippedRecord{Reason: domain.SkipDuplicate, Detail: ad.ID}
			} else if minImpressions > 0 && ad.ImpressionsMax != nil && *ad.ImpressionsMax < minImpressions {
				skip = &domain.SkippedRecord{Reason: domain.SkipFiltered, Detail: ad.ID}
			}
		}
		if skip != nil {
			skipped++
			if skip.Reason == domain.SkipUndecodable {
				undecodable++
			}
			o.metrics.RecordSkipped(source, string(skip.Reason))
			continue
		}
		e.seen[ad.ID] = struct{}{}
		accepted = append(accepted, *ad)
	}

	if len(page.Records) > 0 && undecodable == len(page.Records) {
		err := domain.NewError(domain.CodeSystemicNormalization,
			fmt.Sprintf("none of the %d records on the page could be decoded", len(page.Records)),
			"the source changed its payload format; check the collector for this strategy")
		o.finishLocked(ctx, e, cur, domain.JobFailed, err, "")
		return false, true
	}

	e.ads = append(e.ads, accepted...)
	o.metrics.RecordProcessed(source, len(accepted))

	next := cur.Clone()
	next.Skipped += skipped
	for _, f := range page.Failures {
		o.logger.WithContext(ctx).WithFields(map[string]any{
			"page_id": f.PageID,
			"code":    f.Code,
		}).Warn("Page could not be collected")
		next.PageErrors = append(next.PageErrors, f)
	}
	next.Progress = domain.NewProgress(current+len(accepted), total,
		fmt.Sprintf("Collected %d of %d ads via %s strategy", current+len(accepted), total, strategy))
	o.commit(ctx, e, next)

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"strategy": strategy,
		"records":  len(page.Records),
		"accepted": len(accepted),
		"skipped":  skipped,
		"current":  next.Progress.Current,
		"total":    total,
	}).Debug("Applied page")

	return next.Progress.Current >= total, false
}

// complete persists the results, then publishes COMPLETED.
func (o *Orchestrator) complete(ctx context.Context, e *jobEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	if cur.State.IsTerminal() {
		return
	}
	if e.cancelRequested {
		o.cancelLocked(ctx, e, cur)
		return
	}
	if err := o.store.SaveJobResults(ctx, cur.ID, e.ads); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Failed to persist job results")
	}
	o.finishLocked(ctx, e, cur, domain.JobCompleted, nil,
		fmt.Sprintf("Completed: %d ads collected via %s strategy", cur.Progress.Current, cur.StrategyUsed))
}

func (o *Orchestrator) finish(ctx context.Context, e *jobEntry, state domain.JobState, err error, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	if cur.State.IsTerminal() {
		return
	}
	if state == domain.JobFailed && e.cancelRequested {
		o.cancelLocked(ctx, e, cur)
		return
	}
	o.finishLocked(ctx, e, cur, state, err, message)
}

func (o *Orchestrator) cancelLocked(ctx context.Context, e *jobEntry, cur *domain.ScrapeJob) {
	msg := "Cancelled"
	if !e.cancelRequested {
		msg = "Cancelled by shutdown"
	}
	o.finishLocked(ctx, e, cur, domain.JobCancelled, nil, msg)
}

// finishLocked moves the job to a terminal state. Callers hold e.mu.
func (o *Orchestrator) finishLocked(ctx context.Context, e *jobEntry, cur *domain.ScrapeJob, state domain.JobState, err error, message string) {
	next := cur.Clone()
	next.State = state
	next.CompletedAt = o.timestamp()
	if err != nil {
		next.Error = domain.JobErrorFrom(err)
		message = fmt.Sprintf("Failed: %s", next.Error.Code)
	}
	if message != "" {
		next.Progress.Message = message
	}
	if !o.commit(ctx, e, next) {
		return
	}

	var dur time.Duration
	if next.StartedAt != nil {
		dur = next.CompletedAt.Sub(*next.StartedAt)
	}
	o.metrics.RecordJob(string(state), strategyLabel(next.StrategyUsed), dur)

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"state":     state,
		"strategy":  next.StrategyUsed,
		"current":   next.Progress.Current,
		"skipped":   next.Skipped,
		"fallbacks": next.Fallbacks,
		"duration":  dur,
	}).Info("Job finished")
}
