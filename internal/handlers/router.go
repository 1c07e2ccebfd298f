// Package handlers is the HTTP surface: retrieval reads, uploads, run
// enqueue/status and signed blob serving.
package handlers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/metrics"
)

// RouterConfig wires the handlers into one engine. Nil handlers leave
// their routes unmounted.
type RouterConfig struct {
	Retrieval   *RetrievalHandler
	Async       *AsyncHandler
	Blobs       *BlobHandler
	RateLimiter *RateLimiter
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      logrus.FieldLogger
	// AllowedOrigins lists CORS origins; empty allows all.
	AllowedOrigins []string
}

// NewRouter builds the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(AccessLogMiddleware(cfg.Logger, cfg.Metrics))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowHeaders("Authorization", "X-Request-Id", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("X-Request-Id", "Content-Length")
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	if cfg.Blobs != nil {
		r.GET("/blobs/*key", cfg.Blobs.Serve)
	}

	api := r.Group("")
	if cfg.RateLimiter != nil {
		api.Use(cfg.RateLimiter.Middleware())
	}

	estimations := api.Group("/estimations")
	if cfg.Retrieval != nil {
		cfg.Retrieval.Register(estimations)
	}
	if cfg.Async != nil {
		estimations.POST("/:id/upload", cfg.Async.HandleUpload)
		api.POST("/v1/process", cfg.Async.HandleProcessAsync)
		api.GET("/v1/runs/:runID", cfg.Async.HandleStatus)
	}
	return r
}
