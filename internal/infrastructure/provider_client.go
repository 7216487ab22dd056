package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"adlens/internal/domain"
	"adlens/pkg/config"
	"adlens/pkg/logger"
	"adlens/pkg/metrics"

	"golang.org/x/time/rate"
)

// hard per-request cap accepted by the ads archive endpoint
const maxProviderPageSize = 500

var archiveFields = []string{
	"id", "page_id", "page_name", "bylines",
	"ad_creative_bodies", "ad_creative_link_titles", "ad_creative_link_descriptions", "ad_creative_link_captions",
	"ad_snapshot_url", "ad_creation_time", "ad_delivery_start_time", "ad_delivery_stop_time",
	"currency", "impressions", "spend", "publisher_platforms", "languages",
	"target_ages", "target_locations",
}

// ProviderClient talks to the advertising-transparency Graph API.
type ProviderClient struct {
	client      *http.Client
	baseURL     string
	version     string
	pageSize    int
	logger      *logger.Logger
	metrics     *metrics.Metrics
	rateLimiter *rate.Limiter
	now         func() time.Time
}

// creates a new provider client
func NewProviderClient(cfg config.ProviderConfig, httpClient *http.Client, logger *logger.Logger, metrics *metrics.Metrics) *ProviderClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > maxProviderPageSize {
		pageSize = maxProviderPageSize
	}
	limit := rate.Inf
	if cfg.RateLimitPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimitPerSecond)
	}
	return &ProviderClient{
		client:      httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		version:     strings.Trim(cfg.APIVersion, "/"),
		pageSize:    pageSize,
		logger:      logger,
		metrics:     metrics,
		rateLimiter: rate.NewLimiter(limit, 1),
		now:         time.Now,
	}
}

// Session binds a captured credential to the client. The returned fetcher
// keeps its own copy of the token.
func (c *ProviderClient) Session(cred domain.Credential) domain.AdFetcher {
	return &providerSession{client: c, token: cred.Token}
}

type providerSession struct {
	client *ProviderClient
	token  string
}

func (s *providerSession) Fetch(ctx context.Context, query domain.JobQuery, cursor string) (*domain.FetchPage, error) {
	return s.client.fetchArchive(ctx, s.token, query, cursor)
}

// graph API error envelope
type graphError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	FBTraceID string `json:"fbtrace_id"`
}

type archiveResponse struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
	Error *graphError `json:"error"`
}

// fetches one page of the ads archive
func (c *ProviderClient) fetchArchive(ctx context.Context, token string, query domain.JobQuery, cursor string) (*domain.FetchPage, error) {
	limit := c.pageSize
	if query.Limit > 0 && query.Limit < limit {
		limit = query.Limit
	}

	params := archiveParams(query, limit)
	params.Set("access_token", token)
	if cursor != "" {
		params.Set("after", cursor)
	}

	body, err := c.get(ctx, "ads_archive", "/ads_archive", params)
	if err != nil {
		return nil, err
	}

	var resp archiveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.metrics.RecordExternalAPIFailure("provider", "json_parse")
		return nil, domain.WrapError(domain.CodeTransient, "failed to parse ads archive page", "the provider returned a malformed page; retry later", err)
	}

	fetchedAt := c.now().UTC()
	records := make([]domain.RawRecord, 0, len(resp.Data))
	for _, raw := range resp.Data {
		records = append(records, domain.RawRecord{
			Source:    domain.StrategyAPI,
			Platform:  query.Platform,
			Payload:   raw,
			FetchedAt: fetchedAt,
		})
	}

	next := ""
	if resp.Paging.Next != "" {
		next = resp.Paging.Cursors.After
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"records":     len(records),
		"has_next":    next != "",
		"page_size":   limit,
		"credential":  domain.RedactToken(token),
		"cursor_used": cursor != "",
	}).Debug("Fetched ads archive page")

	return &domain.FetchPage{Records: records, NextCursor: next}, nil
}

func archiveParams(query domain.JobQuery, limit int) url.Values {
	params := url.Values{}
	params.Set("fields", strings.Join(archiveFields, ","))
	params.Set("limit", strconv.Itoa(limit))

	if ids := query.PageIDs(); len(ids) > 0 {
		params.Set("search_page_ids", strings.Join(ids, ","))
	}
	if q := strings.TrimSpace(query.Query); q != "" {
		params.Set("search_terms", q)
	}

	region := strings.ToUpper(strings.TrimSpace(query.Region))
	if region == "" {
		region = "ALL"
	}
	params.Set("ad_reached_countries", `["`+region+`"]`)

	switch strings.ToLower(query.Filters.ActiveStatus) {
	case "active":
		params.Set("ad_active_status", "ACTIVE")
	case "inactive":
		params.Set("ad_active_status", "INACTIVE")
	default:
		params.Set("ad_active_status", "ALL")
	}
	if mt := strings.ToUpper(strings.TrimSpace(query.Filters.MediaType)); mt != "" {
		params.Set("media_type", mt)
	}
	if query.DateRange.From != "" {
		params.Set("ad_delivery_date_min", query.DateRange.From)
	}
	if query.DateRange.To != "" {
		params.Set("ad_delivery_date_max", query.DateRange.To)
	}
	if p := strings.ToLower(strings.TrimSpace(query.Platform)); p != "" && p != "all" {
		params.Set("publisher_platforms", `["`+strings.ToUpper(p)+`"]`)
	}
	return params
}

type debugTokenResponse struct {
	Data struct {
		IsValid   bool        `json:"is_valid"`
		ExpiresAt int64       `json:"expires_at"`
		Scopes    []string    `json:"scopes"`
		Error     *graphError `json:"error"`
	} `json:"data"`
	Error *graphError `json:"error"`
}

// InspectToken asks the provider to introspect token. Provider-side
// rejections are reported in TokenInfo; only transport failures are errors.
func (c *ProviderClient) InspectToken(ctx context.Context, token string) (*domain.TokenInfo, error) {
	params := url.Values{}
	params.Set("input_token", token)
	params.Set("access_token", token)

	body, err := c.get(ctx, "debug_token", "/debug_token", params)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) && (de.Code == domain.CodeAuthRejected || de.Code == domain.CodeInsufficientScope) {
			info := &domain.TokenInfo{Valid: false, Message: de.Message}
			if ge, ok := de.Err.(*graphAPIError); ok {
				info.ErrorCode = ge.Code
				info.Subcode = ge.Subcode
			}
			return info, nil
		}
		if domain.IsRetryable(err) {
			return nil, domain.WrapError(domain.CodeProviderUnreachable, "token introspection failed", "check network access to the provider and retry", err)
		}
		return nil, err
	}

	var resp debugTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.WrapError(domain.CodeProviderUnreachable, "failed to parse token introspection", "retry later", err)
	}

	info := &domain.TokenInfo{
		Valid:  resp.Data.IsValid,
		Scopes: resp.Data.Scopes,
	}
	if resp.Data.ExpiresAt > 0 {
		t := time.Unix(resp.Data.ExpiresAt, 0).UTC()
		info.ExpiresAt = &t
	}
	if ge := resp.Data.Error; ge != nil {
		info.ErrorCode = ge.Code
		info.Subcode = ge.Subcode
		info.Message = ge.Message
	}
	return info, nil
}

// ProbeAdLibrary runs a one-row archive query to prove the token can read
// the ads library.
func (c *ProviderClient) ProbeAdLibrary(ctx context.Context, token string) error {
	params := url.Values{}
	params.Set("access_token", token)
	params.Set("search_terms", "ads")
	params.Set("ad_reached_countries", `["US"]`)
	params.Set("ad_active_status", "ALL")
	params.Set("fields", "id")
	params.Set("limit", "1")

	_, err := c.get(ctx, "ads_archive_probe", "/ads_archive", params)
	return err
}

// graphAPIError keeps the provider's numeric codes for classification.
type graphAPIError struct {
	Status  int
	Code    int
	Subcode int
	Message string
}

func (e *graphAPIError) Error() string {
	return fmt.Sprintf("provider status %d code %d subcode %d: %s", e.Status, e.Code, e.Subcode, e.Message)
}

// performs a rate-limited GET and classifies failures
func (c *ProviderClient) get(ctx context.Context, api, path string, params url.Values) ([]byte, error) {
	start := time.Now()

	// Apply rate limiting
	if err := c.rateLimiter.Wait(ctx); err != nil {
		c.metrics.RecordExternalAPIFailure("provider", "rate_limit_wait")
		return nil, domain.WrapError(domain.CodeTransient, "client rate limiter wait aborted", "retry once the job context is still alive", err)
	}

	endpoint := c.baseURL + "/" + c.version + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		c.metrics.RecordExternalAPIFailure("provider", "request_creation")
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.RecordExternalAPIFailure("provider", "network_error")
		return nil, domain.WrapError(domain.CodeTransient, "provider request failed", "check network access to the provider", scrubToken(err, params.Get("access_token")))
	}
	defer resp.Body.Close()

	duration := time.Since(start)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordExternalAPIFailure("provider", "read_body")
		return nil, domain.WrapError(domain.CodeTransient, "failed to read provider response", "retry later", err)
	}

	if resp.StatusCode == http.StatusOK {
		// Some provider errors come back with 200 and an error envelope.
		var env struct {
			Error *graphError `json:"error"`
		}
		if json.Unmarshal(body, &env) == nil && env.Error != nil {
			c.metrics.RecordExternalAPICall(api, "provider_error", duration)
			return nil, classifyProviderError(resp.StatusCode, env.Error, resp.Header.Get("Retry-After"))
		}
		c.metrics.RecordExternalAPICall(api, "success", duration)
		return body, nil
	}

	c.metrics.RecordExternalAPICall(api, fmt.Sprintf("error_%d", resp.StatusCode), duration)

	var env struct {
		Error *graphError `json:"error"`
	}
	_ = json.Unmarshal(body, &env)
	derr := classifyProviderError(resp.StatusCode, env.Error, resp.Header.Get("Retry-After"))
	c.metrics.RecordExternalAPIFailure("provider", strings.ToLower(string(derr.Code)))

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"api":      api,
		"status":   resp.StatusCode,
		"code":     derr.Code,
		"duration": duration,
	}).Warn("Provider request rejected")

	return nil, derr
}

// classifyProviderError maps HTTP status plus the provider's error codes to
// the error taxonomy.
func classifyProviderError(status int, ge *graphError, retryAfter string) *domain.Error {
	cause := &graphAPIError{Status: status}
	if ge != nil {
		cause.Code = ge.Code
		cause.Subcode = ge.Subcode
		cause.Message = ge.Message
	}

	code := cause.Code
	switch {
	case status == http.StatusTooManyRequests || code == 4 || code == 17 || code == 32 || code == 613 || code == 80004:
		e := domain.RateLimited("provider rate limit reached", parseRetryAfter(retryAfter))
		e.Err = cause
		return e
	case code == 190 || code == 102 || status == http.StatusUnauthorized:
		return domain.WrapError(domain.CodeAuthRejected, "provider rejected the access token",
			"submit a fresh access token; the current one is invalid or expired", cause)
	case code == 10 || (code >= 200 && code <= 299) || code == 2332002 || code == 2332004:
		return domain.WrapError(domain.CodeInsufficientScope, "access token lacks Ad Library access",
			"grant the ads_read permission and confirm identity for Ad Library API access", cause)
	case status >= 500 || code == 1 || code == 2:
		return domain.WrapError(domain.CodeTransient, "provider temporarily unavailable", "retry later", cause)
	case status == http.StatusForbidden:
		return domain.WrapError(domain.CodeInsufficientScope, "provider denied the request",
			"check that the token's app has Ad Library API access", cause)
	}
	return domain.WrapError(domain.CodeMalformedInput, "provider rejected the query",
		"check the query parameters (region, dates, page identifiers)", cause)
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// scrubToken removes the token from transport errors, which embed the URL.
func scrubToken(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) && !strings.Contains(msg, url.QueryEscape(token)) {
		return err
	}
	msg = strings.ReplaceAll(msg, url.QueryEscape(token), domain.RedactToken(token))
	msg = strings.ReplaceAll(msg, token, domain.RedactToken(token))
	return errors.New(msg)
}
