// Package api assembles the Gin router: global middleware, the image and
// device endpoints, and the liveness, readiness and version probes.
package api

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/sikesa/sikesa-backend/internal/api/devices"
	"github.com/sikesa/sikesa-backend/internal/api/images"
	"github.com/sikesa/sikesa-backend/internal/auth"
	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/middleware"
	"github.com/sikesa/sikesa-backend/internal/monitor"
	"github.com/sikesa/sikesa-backend/internal/storage"
)

// Version is reported by GET /version and the version command. Overridden
// at build time with -ldflags "-X .../internal/api.Version=...".
var Version = "0.1.0"

// Banner is the plain text body of GET /
const Banner = "Image API & Device Monitor active"

// ConnectionChecker reports whether a broker session is up
type ConnectionChecker interface {
	IsConnected() bool
}

// Services are the dependencies the routes serve from. DB, Monitor, Redis and
// MQTT are optional.
type Services struct {
	Images  images.Service
	Monitor *monitor.Monitor
	DB      *sql.DB
	Storage storage.Storage
	Redis   redis.UniversalClient
	MQTT    ConnectionChecker
}

// BackgroundServices holds what the router started and the caller must stop
// after the HTTP server has drained
type BackgroundServices struct {
	limiter middleware.Limiter
}

// Shutdown stops the rate limiter
func (bg *BackgroundServices) Shutdown() {
	if bg.limiter != nil {
		bg.limiter.Stop()
	}
	slog.Info("router background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, svc Services) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, Banner) })
	router.GET("/health", healthCheckHandler(svc.DB))
	router.GET("/ready", readinessHandler(svc.DB, svc.Storage, svc.MQTT))
	router.GET("/version", versionHandler())

	// Upload and delete are the only mutating routes. Auth runs first so the
	// limiter can bucket by token subject.
	mutate := router.Group("")
	var signer *auth.Signer
	if cfg.Security.Auth.JWTSecret != "" {
		// NewSigner only fails on an empty secret
		signer, _ = auth.NewSigner(cfg.Security.Auth.JWTSecret)
	} else {
		slog.Warn("security.auth.jwt_secret is not set; upload and delete are unauthenticated")
	}
	mutate.Use(middleware.AuthMiddleware(signer))
	if cfg.Security.RateLimiting.Enabled {
		bg.limiter = middleware.NewLimiter(cfg.Security.RateLimiting, svc.Redis)
		mutate.Use(middleware.RateLimitMiddleware(bg.limiter))
	}

	imageHandler := images.NewHandler(svc.Images, &cfg.Images)
	mutate.POST("/upload", imageHandler.Upload)
	mutate.DELETE("/delete/:id", imageHandler.Delete)

	router.GET("/images/:imageToken",
		middleware.SecurityHeadersMiddleware(middleware.ImageSecurityHeadersConfig(cfg.Security.TLS.Enabled)),
		imageHandler.Serve)

	var snap devices.Snapshotter
	if svc.Monitor != nil {
		snap = svc.Monitor
	}
	router.GET("/devices", devices.ListHandler(snap))

	return router, bg
}

// @Summary      Health check
// @Description  Liveness probe. Pings Postgres when the image index lives there.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database connection failed",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Checks the database (when configured) and the storage backend. Broker state is reported but does not fail readiness; images keep working while the broker reconnects.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
func readinessHandler(db *sql.DB, store storage.Storage, mqtt ConnectionChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				checks["database"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "database not ready",
				})
				return
			}
			checks["database"] = "healthy"
		}

		// Exists on a sentinel path exercises credentials and connectivity
		// without writing anything
		if _, err := store.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		if mqtt != nil {
			if mqtt.IsConnected() {
				checks["mqtt"] = "connected"
			} else {
				checks["mqtt"] = "disconnected"
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version": Version,
			"service": "sikesa-backend",
		})
	}
}
