// Package httpapi exposes the local control API consumed by ops tooling and
// the fleetctl CLI. It binds to loopback by default; a bearer token can be
// required for non-local deployments.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/engine"
	"github.com/edgehive/fleetd/internal/metrics"
	"github.com/edgehive/fleetd/internal/state"
	"github.com/edgehive/fleetd/internal/store"
	"github.com/edgehive/fleetd/internal/sysinfo"
	"github.com/edgehive/fleetd/internal/version"
)

// Engine is the slice of the reconciliation engine the API depends on.
type Engine interface {
	GetCurrent() state.Snapshot
	GetTarget() state.Snapshot
	Reconcile(ctx context.Context) (engine.Summary, error)
	TargetRejection() (string, bool)
}

// Pinger reports runtime adapter liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IdentityReader exposes device identity for the device endpoint.
type IdentityReader interface {
	GetIdentity(ctx context.Context) (store.DeviceIdentity, error)
}

// Deps collects the handler's collaborators.
type Deps struct {
	Engine   Engine
	Runtime  Pinger
	Identity IdentityReader
	Sysinfo  *sysinfo.Collector
	Metrics  *metrics.Metrics
	Token    string
}

// NewHandler builds the gin handler tree.
func NewHandler(deps Deps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID())
	if deps.Metrics != nil {
		router.Use(instrument(deps.Metrics))
	}

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if deps.Runtime != nil {
			if err := deps.Runtime.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	if deps.Token != "" {
		v1.Use(requireToken(deps.Token))
	}

	v1.GET("/state", func(c *gin.Context) {
		resp := gin.H{"state": deps.Engine.GetCurrent()}
		if reason, rejected := deps.Engine.TargetRejection(); rejected {
			resp["target_rejected"] = reason
		}
		c.JSON(http.StatusOK, resp)
	})

	v1.GET("/state/target", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"state": deps.Engine.GetTarget()})
	})

	v1.POST("/reconcile", func(c *gin.Context) {
		summary, err := deps.Engine.Reconcile(c.Request.Context())
		if err != nil {
			if apperr.KindOf(err) == apperr.KindAlreadyRunning {
				c.JSON(http.StatusConflict, gin.H{"error": "reconciliation already running"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"summary": summary})
	})

	v1.GET("/metrics", func(c *gin.Context) {
		if deps.Sysinfo == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "metrics collection disabled"})
			return
		}
		c.JSON(http.StatusOK, deps.Sysinfo.Latest())
	})

	v1.GET("/device", func(c *gin.Context) {
		ident, err := deps.Identity.GetIdentity(c.Request.Context())
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotProvisioned {
				c.JSON(http.StatusOK, gin.H{"provisioned": false})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ident)
	})

	v1.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    version.Version,
			"commit":     version.GitCommit,
			"build_time": version.BuildTime,
			"go":         version.GoVersion,
		})
	})

	return router
}

// requestID tags every response so log lines and client reports can be
// correlated.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func instrument(met *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		met.ObserveRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
