// Package api binds the read path and its auxiliary endpoints to HTTP,
// using gin exactly as the teacher's cmd/server/main.go sets up its
// router: gin.New() with a custom recovery middleware, a rate limiter
// parsed from a "N/unit" config string, and a private metrics registry
// served through promhttp.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fmi-engine/obsengine/internal/config"
	"github.com/fmi-engine/obsengine/internal/driverproxy"
	"github.com/fmi-engine/obsengine/internal/obserr"
	"github.com/fmi-engine/obsengine/internal/parammap"
	"github.com/fmi-engine/obsengine/internal/stationregistry"
	"github.com/fmi-engine/obsengine/internal/telemetry"
)

const component = "api"

// Handler wires together every component the read path and its auxiliary
// endpoints depend on: the driver proxy for table resolution, the
// station registry for identity and metadata, the parameter map for
// compiling requests, and the configuration tree for station-type/
// producer/group lookups.
type Handler struct {
	Proxy      *driverproxy.Proxy
	Registry   *stationregistry.Registry
	ParamMap   *parammap.Map
	Config     *config.Config
	Metrics    *telemetry.Metrics
	Log        *zap.Logger
	MissingText string
}

// NewRouter builds the gin engine exposing the read path and its
// administrative/auxiliary endpoints, matching setupRouter()'s shape:
// release mode, recovery middleware, a rate limiter guarding the
// endpoints in §6, /health and /metrics.
func NewRouter(h *Handler, rateLimitSpec string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	limiterMW, err := buildRateLimitMiddleware(rateLimitSpec, h.Log)
	if err != nil {
		return nil, err
	}

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	timeseries := r.Group("/")
	timeseries.Use(limiterMW)
	timeseries.GET("/timeseries", h.timeseries)
	timeseries.GET("/obsproducers", h.obsProducers)
	timeseries.GET("/obsparameters", h.obsParameters)
	timeseries.GET("/stations", h.stations)
	timeseries.POST("/reloadstations", h.reloadStations)
	timeseries.GET("/metadata", h.metadata)
	timeseries.GET("/measurandinfo", h.measurandInfo)
	timeseries.GET("/latestupdate", h.latestUpdate)
	timeseries.GET("/translate", h.translateToFMISID)

	return r, nil
}

// buildRateLimitMiddleware parses a "N/unit" rate spec (e.g. "100/minute")
// into a token-bucket limiter shared by every request, matching the
// teacher's buildRateLimitMiddleware in cmd/server/main.go; requests over
// the limit are rejected with 429 instead of being queued.
func buildRateLimitMiddleware(spec string, log *zap.Logger) (gin.HandlerFunc, error) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return nil, obserr.New(obserr.KindConfigurationError, component, "rate limit spec must be \"N/unit\"").
			WithParam("spec", spec)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 {
		return nil, obserr.New(obserr.KindConfigurationError, component, "rate limit count must be a positive integer").
			WithParam("spec", spec)
	}

	var per time.Duration
	switch strings.ToLower(strings.TrimSpace(parts[1])) {
	case "second", "sec", "s":
		per = time.Second
	case "minute", "min", "m":
		per = time.Minute
	case "hour", "h":
		per = time.Hour
	default:
		return nil, obserr.New(obserr.KindConfigurationError, component, "rate limit unit must be second, minute or hour").
			WithParam("spec", spec)
	}

	limiter := rate.NewLimiter(rate.Every(per/time.Duration(n)), n)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			if log != nil {
				log.Warn("request rate limited", zap.String("path", c.Request.URL.Path))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}, nil
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var obsErr *obserr.Error
	if e, ok := err.(*obserr.Error); ok {
		obsErr = e
		switch e.Kind {
		case obserr.KindUnknownParameter, obserr.KindConfigurationError:
			status = http.StatusBadRequest
		case obserr.KindStationNotFound, obserr.KindNoDriverForTable, obserr.KindNoDriverForPeriod:
			status = http.StatusNotFound
		case obserr.KindNoConnection, obserr.KindShutdownInProgress:
			status = http.StatusServiceUnavailable
		}
	}
	body := gin.H{"error": err.Error()}
	if obsErr != nil {
		body["kind"] = string(obsErr.Kind)
	}
	c.AbortWithStatusJSON(status, body)
}
