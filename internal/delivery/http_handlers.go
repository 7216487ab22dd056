package delivery

import (
	"context"
	"net/http"
	"time"

	"adlens/internal/domain"
	"adlens/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	serviceName = "adlens"
	version     = "1.0.0"
)

// JobService is the job surface the handlers drive.
type JobService interface {
	Start(ctx context.Context, query domain.JobQuery) (*domain.ScrapeJob, error)
	Status(ctx context.Context, id string) (*domain.ScrapeJob, error)
	List() []*domain.ScrapeJob
	Cancel(ctx context.Context, id string) (bool, error)
	Results(ctx context.Context, id string) (*domain.JobResults, error)
	Analyze(ctx context.Context, id string) (*domain.AnalysisResult, error)
}

// CredentialManager is the credential surface the handlers drive.
type CredentialManager interface {
	Store(ctx context.Context, candidate string) (domain.ValidationResult, error)
	Revalidate(ctx context.Context) (domain.ValidationResult, error)
	Status() (*domain.CredentialStatus, bool)
}

type HTTPHandlers struct {
	jobs        JobService
	credentials CredentialManager
	logger      *logger.Logger
}

func NewHTTPHandlers(jobs JobService, credentials CredentialManager, logger *logger.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		jobs:        jobs,
		credentials: credentials,
		logger:      logger,
	}
}

type dateRangeRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type filtersRequest struct {
	ActiveStatus   string `json:"activeStatus"`
	MediaType      string `json:"mediaType"`
	MinImpressions int64  `json:"minImpressions"`
}

type startJobRequest struct {
	Platform  string           `json:"platform"`
	Query     string           `json:"query"`
	PageURLs  []string         `json:"pageUrls"`
	Limit     int              `json:"limit"`
	Region    string           `json:"region"`
	DateRange dateRangeRequest `json:"dateRange"`
	Filters   filtersRequest   `json:"filters"`
}

func (r startJobRequest) toQuery() domain.JobQuery {
	return domain.JobQuery{
		Platform:  r.Platform,
		Query:     r.Query,
		PageURLs:  r.PageURLs,
		Limit:     r.Limit,
		Region:    r.Region,
		DateRange: domain.DateRange{From: r.DateRange.From, To: r.DateRange.To},
		Filters: domain.JobFilters{
			ActiveStatus:   r.Filters.ActiveStatus,
			MediaType:      r.Filters.MediaType,
			MinImpressions: r.Filters.MinImpressions,
		},
	}
}

type jobStatusResponse struct {
	RunID        string           `json:"runId"`
	Status       domain.JobState  `json:"status"`
	Progress     domain.Progress  `json:"progress"`
	PageURLs     []string         `json:"pageUrls"`
	Query        string           `json:"query,omitempty"`
	StrategyUsed domain.Strategy  `json:"strategyUsed,omitempty"`
	Fallbacks    int              `json:"fallbacks"`
	Skipped      int              `json:"skipped"`
	CreatedAt    time.Time        `json:"createdAt"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	Error        *domain.JobError `json:"error,omitempty"`
	PageErrors   []pageError      `json:"pageErrors,omitempty"`
}

type pageError struct {
	PageID  string           `json:"pageId"`
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func newJobStatusResponse(job *domain.ScrapeJob) jobStatusResponse {
	pageURLs := job.Query.PageURLs
	if pageURLs == nil {
		pageURLs = []string{}
	}
	var pageErrors []pageError
	for _, f := range job.PageErrors {
		pageErrors = append(pageErrors, pageError{PageID: f.PageID, Code: f.Code, Message: f.Message})
	}
	return jobStatusResponse{
		RunID:        job.ID,
		Status:       job.State,
		Progress:     job.Progress,
		PageURLs:     pageURLs,
		Query:        job.Query.Query,
		StrategyUsed: job.StrategyUsed,
		Fallbacks:    job.Fallbacks,
		Skipped:      job.Skipped,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		Error:        job.Error,
		PageErrors:   pageErrors,
	}
}

// StartJob handles POST /api/v1/jobs
func (h *HTTPHandlers) StartJob(c *gin.Context) {
	requestID := c.GetString("request_id")

	var req startJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, domain.WrapError(domain.CodeMalformedInput, "request body is not valid JSON",
			"send {platform, query|pageUrls, limit, region, dateRange, filters}", err))
		return
	}

	job, err := h.jobs.Start(c.Request.Context(), req.toQuery())
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.WithContext(c.Request.Context()).WithFields(map[string]any{
		"job_id": job.ID,
		"query":  job.Query.Query,
		"limit":  job.Query.Limit,
	}).Info("Job started")

	c.Header("Location", "/api/v1/jobs/"+job.ID)
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":      job.ID,
		"state":      job.State,
		"request_id": requestID,
	})
}

// ListJobs handles GET /api/v1/jobs
func (h *HTTPHandlers) ListJobs(c *gin.Context) {
	jobs := h.jobs.List()
	out := make([]jobStatusResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, newJobStatusResponse(job))
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":       out,
		"total":      len(out),
		"request_id": c.GetString("request_id"),
	})
}

// GetJob handles GET /api/v1/jobs/:id
func (h *HTTPHandlers) GetJob(c *gin.Context) {
	job, err := h.jobs.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobStatusResponse(job))
}

// CancelJob handles POST /api/v1/jobs/:id/cancel
func (h *HTTPHandlers) CancelJob(c *gin.Context) {
	id := c.Param("id")
	cancelled, err := h.jobs.Cancel(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := gin.H{
		"jobId":      id,
		"cancelled":  cancelled,
		"request_id": c.GetString("request_id"),
	}
	if job, err := h.jobs.Status(c.Request.Context(), id); err == nil {
		resp["state"] = job.State
	}
	c.JSON(http.StatusOK, resp)
}

// GetJobResults handles GET /api/v1/jobs/:id/results
func (h *HTTPHandlers) GetJobResults(c *gin.Context) {
	results, err := h.jobs.Results(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results":    results.Results,
		"summary":    results.Summary,
		"request_id": c.GetString("request_id"),
	})
}

// GetJobAnalysis handles GET /api/v1/jobs/:id/analysis
func (h *HTTPHandlers) GetJobAnalysis(c *gin.Context) {
	analysis, err := h.jobs.Analyze(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"analysis":   analysis,
		"request_id": c.GetString("request_id"),
	})
}

// HealthCheck handles GET /health
func (h *HTTPHandlers) HealthCheck(c *gin.Context) {
	_, hasCredential := h.credentials.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"service":    serviceName,
		"version":    version,
		"credential": hasCredential,
	})
}

// GetAPIInfo handles GET /api/v1
func (h *HTTPHandlers) GetAPIInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     serviceName,
		"version":     version,
		"description": "Ad transparency ingestion and competitor analysis API",
		"endpoints": gin.H{
			"jobs": gin.H{
				"POST /api/v1/jobs":             "Start an ingestion job {platform, query|pageUrls, limit, region, dateRange, filters}",
				"GET /api/v1/jobs":              "List known jobs, newest first",
				"GET /api/v1/jobs/:id":          "Job status and progress",
				"POST /api/v1/jobs/:id/cancel":  "Request cancellation",
				"GET /api/v1/jobs/:id/results":  "Ads grouped by brand (completed jobs only)",
				"GET /api/v1/jobs/:id/analysis": "Competitor comparison (completed jobs only)",
			},
			"credential": gin.H{
				"PUT /api/v1/credential":             "Validate and store an access token {accessToken}",
				"GET /api/v1/credential":             "Stored credential status (token redacted)",
				"POST /api/v1/credential/revalidate": "Re-check the stored credential",
			},
			"health":  "GET /health",
			"metrics": "GET /metrics",
		},
		"request_id": c.GetString("request_id"),
	})
}
