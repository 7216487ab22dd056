package usecase

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"adlens/internal/domain"
	"adlens/pkg/config"
)

var (
	activeStatuses = []string{"", "all", "active", "inactive"}
	mediaTypes     = []string{"", "all", "image", "video", "meme", "none"}
)

// prepareQuery validates q locally and fills defaults. Failures never reach
// a strategy.
func prepareQuery(q domain.JobQuery, cfg config.JobsConfig) (domain.JobQuery, error) {
	q.Platform = strings.ToLower(strings.TrimSpace(q.Platform))
	if q.Platform == "" {
		q.Platform = "facebook"
	}
	q.Query = strings.TrimSpace(q.Query)

	var urls []string
	for _, u := range q.PageURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	q.PageURLs = urls

	if q.Query == "" && len(q.PageURLs) == 0 {
		return q, malformed("either query or page_urls is required")
	}
	if len(q.PageURLs) > 0 && len(q.PageIDs()) == 0 {
		return q, malformed("page_urls contain no page identifiers")
	}

	switch {
	case q.Limit == 0:
		q.Limit = cfg.DefaultLimit
	case q.Limit < 0:
		return q, malformed("limit must be positive")
	case cfg.MaxLimit > 0 && q.Limit > cfg.MaxLimit:
		return q, malformed(fmt.Sprintf("limit must not exceed %d", cfg.MaxLimit))
	}

	q.Region = strings.ToUpper(strings.TrimSpace(q.Region))
	if q.Region != "" && q.Region != "ALL" && !isCountryCode(q.Region) {
		return q, malformed("region must be an ISO 3166 alpha-2 country code or ALL")
	}

	var from, to time.Time
	var err error
	if q.DateRange.From != "" {
		if from, err = time.Parse("2006-01-02", q.DateRange.From); err != nil {
			return q, malformed("date_range.from must be YYYY-MM-DD")
		}
	}
	if q.DateRange.To != "" {
		if to, err = time.Parse("2006-01-02", q.DateRange.To); err != nil {
			return q, malformed("date_range.to must be YYYY-MM-DD")
		}
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return q, malformed("date_range.from is after date_range.to")
	}

	q.Filters.ActiveStatus = strings.ToLower(strings.TrimSpace(q.Filters.ActiveStatus))
	if !slices.Contains(activeStatuses, q.Filters.ActiveStatus) {
		return q, malformed("filters.active_status must be one of all, active, inactive")
	}
	q.Filters.MediaType = strings.ToLower(strings.TrimSpace(q.Filters.MediaType))
	if !slices.Contains(mediaTypes, q.Filters.MediaType) {
		return q, malformed("filters.media_type must be one of all, image, video, meme, none")
	}
	if q.Filters.MinImpressions < 0 {
		return q, malformed("filters.min_impressions must not be negative")
	}
	return q, nil
}

func malformed(msg string) error {
	return domain.NewError(domain.CodeMalformedInput, msg, "fix the request body and submit the job again")
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
