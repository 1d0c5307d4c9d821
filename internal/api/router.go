// Package api wires the gateway's HTTP surface: the gin router, request
// handlers, and the error-to-status mapping every handler shares.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"inferops/internal/alerts"
	"inferops/internal/apperr"
	"inferops/internal/batch"
	"inferops/internal/dispatcher"
	"inferops/internal/registry"
)

// Deps bundles the wired components the router needs.
type Deps struct {
	Registry   *registry.Registry
	Dispatch   *dispatcher.Dispatcher
	Batch      *batch.Engine
	Logger     *logrus.Logger
	EvalAlerts func() []alerts.Alert
}

type server struct {
	deps Deps
}

// NewRouter builds the gin engine and registers /health plus every API
// route under /api/v1, behind a shared logging, recovery, and
// error-mapping middleware stack.
func NewRouter(deps Deps) *gin.Engine {
	s := &server{deps: deps}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(errorMapper(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "inferops-gateway"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status/all", s.statusAll)
		v1.GET("/alerts", s.alertsAll)
		v1.GET("/models", s.models)
		v1.POST("/chat/completions", deps.Dispatch.Dispatch)
		v1.POST("/dataset/upload", s.datasetUpload)
		v1.GET("/dataset/status/:job_id", s.datasetStatus)
		v1.POST("/admin/unlock", s.adminUnlock)
	}

	return r
}

// errorMapper renders any *apperr.Error appended via c.Error into a
// {"detail": "..."} body, choosing a status code from the error's Kind.
func errorMapper(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status := statusForKind(apperr.KindOf(err))
		if status >= 500 {
			logger.WithError(err).Error("request failed")
		}
		c.JSON(status, gin.H{"detail": err.Error()})
	}
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.BadRequest, apperr.BadDataset:
		return http.StatusBadRequest
	case apperr.JobNotFound:
		return http.StatusNotFound
	case apperr.NoAvailableNode, apperr.TelemetryUnavailable:
		return http.StatusServiceUnavailable
	case apperr.UpstreamUnavailable, apperr.UpstreamTruncated:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
