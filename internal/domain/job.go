package domain

import (
	"math"
	"strings"
	"time"
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether s -> next is an edge of the job state machine.
// RUNNING -> RUNNING is the progress edge.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobRunning || next == JobCompleted || next == JobFailed || next == JobCancelled
	}
	return false
}

// DateRange bounds ad delivery dates. Empty strings mean unbounded.
type DateRange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// JobFilters narrows which ads a job collects.
type JobFilters struct {
	ActiveStatus   string `json:"active_status,omitempty"` // active | inactive | all
	MediaType      string `json:"media_type,omitempty"`    // image | video | meme | none | all
	MinImpressions int64  `json:"min_impressions,omitempty"`
}

// JobQuery is the request parameters of one ingestion run: a free-text query
// or an explicit page set.
type JobQuery struct {
	Platform  string     `json:"platform"`
	Query     string     `json:"query,omitempty"`
	PageURLs  []string   `json:"page_urls,omitempty"`
	Limit     int        `json:"limit"`
	Region    string     `json:"region,omitempty"`
	DateRange DateRange  `json:"date_range"`
	Filters   JobFilters `json:"filters"`
}

// PageRef pairs a submitted page URL with the identifier extracted from it.
type PageRef struct {
	ID  string
	URL string
}

// PageRefs extracts page identifiers from PageURLs. Bare identifiers are
// accepted as-is; entries yielding no identifier are dropped together with
// their URL.
func (q JobQuery) PageRefs() []PageRef {
	refs := make([]PageRef, 0, len(q.PageURLs))
	for _, raw := range q.PageURLs {
		u := strings.TrimSpace(raw)
		id := u
		if i := strings.IndexAny(id, "?#"); i >= 0 {
			id = id[:i]
		}
		if scheme, rest, ok := strings.Cut(id, "://"); ok && scheme != "" {
			// drop the host; a URL without a path names no page
			_, id, _ = strings.Cut(rest, "/")
		}
		id = strings.TrimRight(id, "/")
		if i := strings.LastIndex(id, "/"); i >= 0 {
			id = id[i+1:]
		}
		if id != "" {
			refs = append(refs, PageRef{ID: id, URL: u})
		}
	}
	return refs
}

// PageIDs returns the identifiers of PageRefs in order.
func (q JobQuery) PageIDs() []string {
	refs := q.PageRefs()
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids
}

type Progress struct {
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

// NewProgress computes the percentage: round(current/total*100), 0 when
// total is not positive.
func NewProgress(current, total int, message string) Progress {
	p := Progress{Current: current, Total: total, Message: message}
	if total > 0 {
		p.Percentage = int(math.Round(float64(current) / float64(total) * 100))
	}
	return p
}

// ScrapeJob is the snapshot of one ingestion run.
type ScrapeJob struct {
	ID           string     `json:"id"`
	Query        JobQuery   `json:"query"`
	State        JobState   `json:"state"`
	StrategyUsed Strategy   `json:"strategy_used"`
	Fallbacks    int        `json:"fallbacks"`
	Progress     Progress   `json:"progress"`
	Skipped      int        `json:"skipped"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        *JobError  `json:"error,omitempty"`
	// PageErrors are per-page failures that did not fail the job.
	PageErrors []PageFailure `json:"page_errors,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (j *ScrapeJob) Clone() *ScrapeJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Query.PageURLs != nil {
		c.Query.PageURLs = append([]string(nil), j.Query.PageURLs...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.PageErrors != nil {
		c.PageErrors = append([]PageFailure(nil), j.PageErrors...)
	}
	return &c
}
