package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"adlens/internal/domain"
	"adlens/pkg/config"
	"adlens/pkg/logger"
	"adlens/pkg/metrics"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/time/rate"
)

// FallbackCollector reads the public ad library pages without credentials.
// It is slower than the API and returns small pages.
type FallbackCollector struct {
	renderer    PageRenderer
	baseURL     string
	pageSize    int
	logger      *logger.Logger
	metrics     *metrics.Metrics
	rateLimiter *rate.Limiter
	sanitizer   *bluemonday.Policy
	now         func() time.Time
}

// creates a new fallback collector
func NewFallbackCollector(cfg config.FallbackConfig, renderer PageRenderer, logger *logger.Logger, metrics *metrics.Metrics) *FallbackCollector {
	limit := rate.Inf
	if cfg.RateLimitPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimitPerSecond)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	return &FallbackCollector{
		renderer:    renderer,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:    pageSize,
		logger:      logger,
		metrics:     metrics,
		rateLimiter: rate.NewLimiter(limit, 1),
		sanitizer:   bluemonday.StrictPolicy(),
		now:         time.Now,
	}
}

// fallbackCursor walks page identifiers one by one; Index is the position in
// the page set and Page the 1-based listing page for that identifier.
type fallbackCursor struct {
	Index int
	Page  int
}

func (c fallbackCursor) String() string {
	return strconv.Itoa(c.Index) + ":" + strconv.Itoa(c.Page)
}

func parseFallbackCursor(s string) (fallbackCursor, error) {
	if s == "" {
		return fallbackCursor{Index: 0, Page: 1}, nil
	}
	idx, page, ok := strings.Cut(s, ":")
	if !ok {
		return fallbackCursor{}, fmt.Errorf("invalid fallback cursor %q", s)
	}
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 {
		return fallbackCursor{}, fmt.Errorf("invalid fallback cursor index %q", idx)
	}
	p, err := strconv.Atoi(page)
	if err != nil || p < 1 {
		return fallbackCursor{}, fmt.Errorf("invalid fallback cursor page %q", page)
	}
	return fallbackCursor{Index: i, Page: p}, nil
}

func (f *FallbackCollector) Fetch(ctx context.Context, query domain.JobQuery, cursor string) (*domain.FetchPage, error) {
	cur, err := parseFallbackCursor(cursor)
	if err != nil {
		return nil, domain.WrapError(domain.CodeMalformedInput, "invalid pagination cursor", "restart the job", err)
	}

	pageIDs := query.PageIDs()
	if len(pageIDs) > 0 && cur.Index >= len(pageIDs) {
		return &domain.FetchPage{}, nil
	}

	target := f.listingURL(query, pageIDs, cur)

	if err := f.rateLimiter.Wait(ctx); err != nil {
		return nil, domain.WrapError(domain.CodeTransient, "collector rate limiter wait aborted", "retry later", err)
	}

	start := time.Now()
	page, err := f.renderer.Render(ctx, target)
	duration := time.Since(start)
	if err != nil {
		f.metrics.RecordExternalAPIFailure("fallback", "network_error")
		f.metrics.RecordExternalAPICall("ad_library_page", "error", duration)
		return nil, domain.WrapError(domain.CodeTransient, "ad library page request failed", "check network access to the ad library", err)
	}

	if page.StatusCode != http.StatusOK {
		f.metrics.RecordExternalAPICall("ad_library_page", fmt.Sprintf("error_%d", page.StatusCode), duration)
		derr := classifyFallbackStatus(page.StatusCode, page.RetryAfter)
		f.metrics.RecordExternalAPIFailure("fallback", strings.ToLower(string(derr.Code)))
		if len(pageIDs) > 0 && derr.Code == domain.CodeMalformedInput {
			// one missing advertiser page does not sink the rest of the set
			f.logger.WithContext(ctx).WithFields(map[string]any{
				"page_id": pageIDs[cur.Index],
				"status":  page.StatusCode,
			}).Warn("Skipping ad library page")
			return &domain.FetchPage{
				NextCursor: nextPageID(pageIDs, cur),
				Failures: []domain.PageFailure{{
					PageID:  pageIDs[cur.Index],
					Code:    derr.Code,
					Message: derr.Message,
				}},
			}, nil
		}
		return nil, derr
	}
	f.metrics.RecordExternalAPICall("ad_library_page", "success", duration)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.Body))
	if err != nil {
		f.metrics.RecordExternalAPIFailure("fallback", "html_parse")
		return nil, domain.WrapError(domain.CodeTransient, "failed to parse ad library page", "retry later", err)
	}

	fetchedAt := f.now().UTC()
	records := make([]domain.RawRecord, 0, f.pageSize)
	doc.Find("[data-ad-archive-id]").EachWithBreak(func(_ int, card *goquery.Selection) bool {
		if len(records) >= f.pageSize {
			return false
		}
		payload, err := json.Marshal(f.extractCard(card))
		if err != nil {
			return true
		}
		records = append(records, domain.RawRecord{
			Source:    domain.StrategyFallback,
			Platform:  query.Platform,
			Payload:   payload,
			FetchedAt: fetchedAt,
		})
		return true
	})

	// a page without cards ends the listing even if it still links onward
	next := nextPageID(pageIDs, cur)
	if len(records) > 0 && doc.Find("a[rel=next]").Length() > 0 {
		next = fallbackCursor{Index: cur.Index, Page: cur.Page + 1}.String()
	}

	f.logger.WithContext(ctx).WithFields(map[string]any{
		"records":  len(records),
		"cursor":   cur.String(),
		"next":     next,
		"duration": duration,
	}).Debug("Collected ad library page")

	return &domain.FetchPage{Records: records, NextCursor: next}, nil
}

// nextPageID is the cursor for the first listing page of the next requested
// advertiser, or "" when cur is on the last one.
func nextPageID(pageIDs []string, cur fallbackCursor) string {
	if cur.Index+1 < len(pageIDs) {
		return fallbackCursor{Index: cur.Index + 1, Page: 1}.String()
	}
	return ""
}

func (f *FallbackCollector) listingURL(query domain.JobQuery, pageIDs []string, cur fallbackCursor) string {
	params := url.Values{}
	params.Set("ad_type", "all")

	region := strings.ToUpper(strings.TrimSpace(query.Region))
	if region == "" {
		region = "ALL"
	}
	params.Set("country", region)

	status := strings.ToLower(query.Filters.ActiveStatus)
	if status != "active" && status != "inactive" {
		status = "all"
	}
	params.Set("active_status", status)

	mediaType := strings.ToLower(query.Filters.MediaType)
	if mediaType == "" {
		mediaType = "all"
	}
	params.Set("media_type", mediaType)

	if len(pageIDs) > 0 {
		params.Set("search_type", "page")
		params.Set("view_all_page_id", pageIDs[cur.Index])
	} else {
		params.Set("search_type", "keyword_unordered")
		params.Set("q", query.Query)
	}
	if query.DateRange.From != "" {
		params.Set("start_date[min]", query.DateRange.From)
	}
	if query.DateRange.To != "" {
		params.Set("start_date[max]", query.DateRange.To)
	}
	params.Set("page", strconv.Itoa(cur.Page))
	params.Set("limit", strconv.Itoa(f.pageSize))

	return f.baseURL + "/ads/library/?" + params.Encode()
}

// extractCard reads one ad card into a ScrapedAd.
func (f *FallbackCollector) extractCard(card *goquery.Selection) domain.ScrapedAd {
	ad := domain.ScrapedAd{
		ArchiveID:    attr(card, "data-ad-archive-id"),
		PageID:       attr(card, "data-page-id"),
		PageName:     f.field(card, "page_name"),
		Category:     f.field(card, "category"),
		Body:         f.field(card, "body"),
		Title:        f.field(card, "title"),
		Description:  f.field(card, "description"),
		CallToAction: f.field(card, "call_to_action"),
		Impressions:  f.field(card, "impressions"),
		Spend:        f.field(card, "spend"),
		Currency:     f.field(card, "currency"),
		StartedOn:    f.field(card, "started_on"),
		EndedOn:      f.field(card, "ended_on"),
		Status:       f.field(card, "status"),
	}

	if v := strings.ToLower(f.field(card, "verified")); v != "" {
		verified := v == "true" || v == "yes" || v == "verified"
		ad.Verified = &verified
	}

	card.Find(`[data-field="landing_url"]`).First().Each(func(_ int, s *goquery.Selection) {
		ad.LandingURL = attr(s, "href")
	})
	card.Find(`[data-field="image"]`).Each(func(_ int, s *goquery.Selection) {
		if src := attr(s, "src"); src != "" {
			ad.Images = append(ad.Images, src)
		}
	})
	card.Find(`[data-field="video"]`).Each(func(_ int, s *goquery.Selection) {
		if src := attr(s, "src"); src != "" {
			ad.Videos = append(ad.Videos, src)
		}
	})
	ad.Platforms = f.fieldList(card, "platform")
	ad.Countries = f.fieldList(card, "country")

	return ad
}

// field returns the sanitised text of the first [data-field=name] child.
func (f *FallbackCollector) field(card *goquery.Selection, name string) string {
	sel := card.Find(`[data-field="` + name + `"]`).First()
	if sel.Length() == 0 {
		return ""
	}
	return f.clean(sel.Text())
}

func (f *FallbackCollector) fieldList(card *goquery.Selection, name string) []string {
	var out []string
	card.Find(`[data-field="` + name + `"]`).Each(func(_ int, s *goquery.Selection) {
		if v := f.clean(s.Text()); v != "" {
			out = append(out, v)
		}
	})
	return out
}

// clean strips any markup left in s; the sanitizer escapes entities, so they
// are decoded again for the normalizer ("<1K").
func (f *FallbackCollector) clean(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(f.sanitizer.Sanitize(s))), " ")
}

func attr(sel *goquery.Selection, name string) string {
	v, _ := sel.Attr(name)
	return strings.TrimSpace(v)
}

// classifyFallbackStatus maps listing page status codes to the error taxonomy.
func classifyFallbackStatus(status int, retryAfter string) *domain.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.RateLimited("ad library throttled the collector", parseRetryAfter(retryAfter))
	case status >= 500:
		return domain.NewError(domain.CodeTransient, fmt.Sprintf("ad library returned status %d", status), "retry later")
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return domain.NewError(domain.CodeProviderUnreachable, "ad library blocked the collector",
			"lower FALLBACK_RATE_LIMIT_PER_SECOND or submit an access token to use the API")
	case status == http.StatusNotFound:
		return domain.NewError(domain.CodeMalformedInput, "ad library page not found", "check the page URLs in the request")
	}
	return domain.NewError(domain.CodeTransient, fmt.Sprintf("unexpected ad library status %d", status), "retry later")
}
