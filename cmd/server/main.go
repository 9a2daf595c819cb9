// @title           Sikesa Image API & Device Monitor
// @version         0.1.0
// @description     Image upload, compression and serving by token, plus MQTT device online/offline monitoring.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                        Authorization
// @description                 "HS256 JWT issued by `sikesa-backend token`: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Banner, health, readiness and version endpoints.
//
// @tag.name         Images
// @tag.description  Upload, delete and serve images.
//
// @tag.name         Devices
// @tag.description  Current device liveness as seen by the monitor.

// Package main is the entry point for the sikesa-backend binary. Subcommands
// are dispatched with a switch on os.Args: serve (default), migrate, token,
// secret and version.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- only served on the dedicated profiling port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sikesa/sikesa-backend/internal/api"
	"github.com/sikesa/sikesa-backend/internal/auth"
	"github.com/sikesa/sikesa-backend/internal/config"
	"github.com/sikesa/sikesa-backend/internal/db"
	"github.com/sikesa/sikesa-backend/internal/db/jsonstore"
	"github.com/sikesa/sikesa-backend/internal/db/repositories"
	"github.com/sikesa/sikesa-backend/internal/images"
	"github.com/sikesa/sikesa-backend/internal/monitor"
	"github.com/sikesa/sikesa-backend/internal/pubsub/mqtt"
	"github.com/sikesa/sikesa-backend/internal/realtime"
	_ "github.com/sikesa/sikesa-backend/internal/realtime/firebase"
	_ "github.com/sikesa/sikesa-backend/internal/realtime/memory"
	_ "github.com/sikesa/sikesa-backend/internal/realtime/redis"
	"github.com/sikesa/sikesa-backend/internal/safego"
	"github.com/sikesa/sikesa-backend/internal/storage"
	_ "github.com/sikesa/sikesa-backend/internal/storage/azure"
	_ "github.com/sikesa/sikesa-backend/internal/storage/gcs"
	_ "github.com/sikesa/sikesa-backend/internal/storage/local"
	_ "github.com/sikesa/sikesa-backend/internal/storage/s3"
	"github.com/sikesa/sikesa-backend/internal/telemetry"
)

const usage = `usage: sikesa-backend [command]

commands:
  serve                   run the HTTP server and device monitor (default)
  migrate <up|down>       apply or roll back the Postgres image index schema
  token <subject> [ttl]   issue a bearer token for upload/delete (ttl default 24h)
  secret                  print a random value for security.auth.jwt_secret
  version                 print the version`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "version":
		fmt.Printf("sikesa-backend v%s\n", api.Version)
		return nil
	case "secret":
		s, err := auth.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Println(s)
		return nil
	case "help", "-h", "--help":
		fmt.Println(usage)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(args) < 2 {
			return fmt.Errorf("usage: sikesa-backend migrate <up|down>")
		}
		return runMigrations(cfg, args[1])
	case "token":
		if len(args) < 2 {
			return fmt.Errorf("usage: sikesa-backend token <subject> [ttl]")
		}
		return issueToken(cfg, args[1:])
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Image index
	var (
		database *sql.DB
		index    images.Index
		closeIdx func() error
	)
	switch cfg.Images.IndexBackend {
	case "postgres":
		var err error
		database, err = openDatabase(cfg)
		if err != nil {
			return err
		}
		index = repositories.NewImageRepository(sqlx.NewDb(database, "postgres"))
		closeIdx = database.Close
	default:
		store, err := jsonstore.Open(cfg.Images.IndexPath, true)
		if err != nil {
			return fmt.Errorf("failed to open image index: %w", err)
		}
		slog.Info("image index opened", "backend", "json", "path", store.Path())
		index = store
		closeIdx = store.Close
	}
	defer func() {
		if err := closeIdx(); err != nil {
			slog.Warn("failed to close image index", "error", err)
		}
	}()

	startSideServers(cfg)

	store, err := storage.NewStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("storage backend ready", "backend", cfg.Storage.DefaultBackend)

	imageSvc, err := images.NewService(store, index, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize image service: %w", err)
	}

	// Shared Redis connection for the rate limiter
	var rdb redis.UniversalClient
	if cfg.Security.RateLimiting.Enabled && cfg.Security.RateLimiting.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	// Device monitor
	var (
		mon       *monitor.Monitor
		monDone   = make(chan struct{})
		rt        realtime.Database
		broker    *mqtt.Client
		connected api.ConnectionChecker
	)
	if cfg.Monitor.Enabled {
		rt, err = realtime.NewDatabase(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize realtime database: %w", err)
		}
		slog.Info("realtime database ready", "backend", cfg.Realtime.Backend)

		var sub monitor.Subscriber
		if cfg.MQTT.Enabled {
			broker = mqtt.New(&cfg.MQTT)
			sub = broker
			connected = broker
		} else {
			slog.Warn("mqtt is disabled; every device will be reported offline")
		}

		mon = monitor.New(rt, sub, cfg.Monitor)
		if broker != nil {
			broker.OnConnect(mon.Resubscribe)
			if err := broker.Connect(ctx); err != nil {
				return err
			}
		}
		safego.Go(func() {
			defer close(monDone)
			if err := mon.Run(ctx); err != nil {
				slog.Error("device monitor exited", "error", err)
			}
		})
	}

	router, bgServices := api.NewRouter(cfg, api.Services{
		Images:  imageSvc,
		Monitor: mon,
		DB:      database,
		Storage: store,
		Redis:   rdb,
		MQTT:    connected,
	})

	server := &http.Server{
		Addr:              cfg.Server.GetAddress(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"public_url", cfg.Server.PublicURL,
			"tls", cfg.Security.TLS.Enabled,
			"monitor", cfg.Monitor.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop the monitor, then the broker feeding it, and let in-flight writes
	// finish before closing the realtime connection
	cancel()
	if mon != nil {
		select {
		case <-monDone:
		case <-shutdownCtx.Done():
			slog.Warn("device monitor did not stop in time")
		}
	}
	if broker != nil {
		broker.Close()
	}
	if mon != nil {
		mon.Flush()
	}
	bgServices.Shutdown()
	if rt != nil {
		if err := rt.Close(); err != nil {
			slog.Warn("failed to close realtime database", "error", err)
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openDatabase connects to Postgres, applies pending migrations and starts
// exporting pool statistics
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	if err := db.RunMigrations(database, "up"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	telemetry.StartDBStatsCollector(database)
	return database, nil
}

// startSideServers serves /metrics and pprof on their own ports, away from
// the public router
func startSideServers(cfg *config.Config) {
	if cfg.Telemetry.Metrics.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go listen("metrics", &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}

	if cfg.Telemetry.Profiling.Enabled {
		go listen("pprof", &http.Server{ // #nosec G112 -- internal-only port
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port),
			Handler:      http.DefaultServeMux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		})
	}
}

func listen(name string, srv *http.Server) {
	slog.Info("starting "+name+" server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error(name+" server error", "error", err)
	}
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction) // #nosec G706 -- direction is a CLI argument validated by RunMigrations
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}

func issueToken(cfg *config.Config, args []string) error {
	signer, err := auth.NewSigner(cfg.Security.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("cannot issue tokens: %w (set security.auth.jwt_secret or SIKESA_SECURITY_AUTH_JWT_SECRET)", err)
	}
	ttl := auth.DefaultTTL
	if len(args) > 1 {
		ttl, err = time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid ttl %q: %w", args[1], err)
		}
	}
	tok, err := signer.Generate(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
