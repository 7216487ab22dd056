package delivery

import (
	"time"

	"adlens/internal/delivery/middleware"
	"adlens/pkg/logger"
	"adlens/pkg/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type HTTPRouter struct {
	handlers       *HTTPHandlers
	logger         *logger.Logger
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
	requestTimeout time.Duration
}

func NewHTTPRouter(handlers *HTTPHandlers, logger *logger.Logger, metrics *metrics.Metrics, gatherer prometheus.Gatherer, requestTimeout time.Duration) *HTTPRouter {
	return &HTTPRouter{
		handlers:       handlers,
		logger:         logger,
		metrics:        metrics,
		gatherer:       gatherer,
		requestTimeout: requestTimeout,
	}
}

func (r *HTTPRouter) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(r.logger))
	router.Use(middleware.Recovery(r.logger))
	router.Use(middleware.Metrics(r.metrics))
	router.Use(middleware.Timeout(r.requestTimeout))

	// CORS
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader}
	config.ExposeHeaders = []string{middleware.RequestIDHeader, "Retry-After", "Location"}
	router.Use(cors.New(config))

	router.GET("/health", r.handlers.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("", r.handlers.GetAPIInfo)

		jobs := v1.Group("/jobs")
		{
			jobs.POST("", r.handlers.StartJob)
			jobs.GET("", r.handlers.ListJobs)
			jobs.GET("/:id", r.handlers.GetJob)
			jobs.POST("/:id/cancel", r.handlers.CancelJob)
			jobs.GET("/:id/results", r.handlers.GetJobResults)
			jobs.GET("/:id/analysis", r.handlers.GetJobAnalysis)
		}

		credential := v1.Group("/credential")
		{
			credential.PUT("", r.handlers.UpdateCredential)
			credential.GET("", r.handlers.GetCredential)
			credential.POST("/revalidate", r.handlers.RevalidateCredential)
		}
	}

	router.GET("/metrics", middleware.PrometheusHandler(r.gatherer))

	return router
}
