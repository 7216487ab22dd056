package domain

import (
	"encoding/json"
	"time"
)

// Strategy names the retrieval path that produced a record or drove a job.
type Strategy string

const (
	StrategyUnset    Strategy = ""
	StrategyAPI      Strategy = "api"
	StrategyFallback Strategy = "fallback"
)

// RawRecord is a provider-shaped payload. Only the strategy that produced it
// and the normalizer look inside Payload.
type RawRecord struct {
	Source    Strategy        `json:"source"`
	Platform  string          `json:"platform,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
	RunID     string          `json:"run_id,omitempty"`
}

// FetchPage is one page of records returned by a strategy.
type FetchPage struct {
	Records    []RawRecord
	NextCursor string
	// Failures lists requested pages the strategy gave up on without
	// failing the whole fetch.
	Failures []PageFailure
}

// PageFailure records why one requested advertiser page yielded nothing.
type PageFailure struct {
	PageID  string    `json:"page_id"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NormalizedAd is the canonical, source-agnostic ad record. Nil pointers and
// nil slices mean "unknown"; zero values are observed values.
type NormalizedAd struct {
	// Identity
	ID             string `json:"id"`
	SourcePlatform string `json:"source_platform"`

	// Advertiser
	PageID   string  `json:"page_id"`
	PageName string  `json:"page_name"`
	Verified *bool   `json:"verified"`
	Category *string `json:"category"`

	// Creative
	BodyText     *string  `json:"body_text"`
	Title        *string  `json:"title"`
	Description  *string  `json:"description"`
	CallToAction *string  `json:"call_to_action"`
	ImageURLs    []string `json:"image_urls"`
	VideoURLs    []string `json:"video_urls"`
	HasVideo     bool     `json:"has_video"`
	LandingURL   *string  `json:"landing_url"`

	// Targeting
	Countries []string `json:"countries"`
	AgeMin    *int     `json:"age_min"`
	AgeMax    *int     `json:"age_max"`
	Interests []string `json:"interests"`

	// Metrics
	ImpressionsMin *int64   `json:"impressions_min"`
	ImpressionsMax *int64   `json:"impressions_max"`
	SpendMin       *float64 `json:"spend_min"`
	SpendMax       *float64 `json:"spend_max"`
	Currency       *string  `json:"currency"`
	DerivedCPM     *float64 `json:"derived_cpm"`
	DerivedCTR     *float64 `json:"derived_ctr"`

	// Temporal
	StartDate    *time.Time `json:"start_date"`
	EndDate      *time.Time `json:"end_date"`
	CreatedDate  *time.Time `json:"created_date"`
	LastSeenDate time.Time  `json:"last_seen_date"`

	// Provenance
	Source    Strategy  `json:"source"`
	ScrapedAt time.Time `json:"scraped_at"`
	RunID     string    `json:"run_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	Note      *string   `json:"note"`
}

// MediaCount is the number of creative assets attached to the ad.
func (a NormalizedAd) MediaCount() int {
	return len(a.ImageURLs) + len(a.VideoURLs)
}

// AdvertiserKey identifies the advertiser for grouping; page name wins so
// results are keyed by brand.
func (a NormalizedAd) AdvertiserKey() string {
	if a.PageName != "" {
		return a.PageName
	}
	return a.PageID
}

// SkipReason explains why a raw record did not become a NormalizedAd.
type SkipReason string

const (
	SkipMissingAdvertiser SkipReason = "missing_advertiser"
	SkipMissingCreative   SkipReason = "missing_creative"
	SkipInvertedRange     SkipReason = "inverted_range"
	SkipOutOfRange        SkipReason = "out_of_range"
	SkipUndecodable       SkipReason = "undecodable_payload"
	SkipDuplicate         SkipReason = "duplicate"
	SkipFiltered          SkipReason = "filtered"
)

// SkippedRecord is a non-fatal per-record normalization outcome.
type SkippedRecord struct {
	Reason SkipReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

func (s *SkippedRecord) Error() string {
	if s.Detail != "" {
		return string(CodeNormalizationSkipped) + ": " + string(s.Reason) + ": " + s.Detail
	}
	return string(CodeNormalizationSkipped) + ": " + string(s.Reason)
}
