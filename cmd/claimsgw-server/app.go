package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsgw/internal/config"
	"github.com/ehr/claimsgw/internal/domain/claim"
	"github.com/ehr/claimsgw/internal/domain/submission"
	"github.com/ehr/claimsgw/internal/platform/archive"
	"github.com/ehr/claimsgw/internal/platform/auth"
	"github.com/ehr/claimsgw/internal/platform/db"
	"github.com/ehr/claimsgw/internal/platform/events"
	"github.com/ehr/claimsgw/internal/platform/gateway"
	"github.com/ehr/claimsgw/internal/platform/lock"
	"github.com/ehr/claimsgw/internal/platform/middleware"
	"github.com/ehr/claimsgw/internal/platform/telemetry"
	"github.com/ehr/claimsgw/migrations"
)

const (
	defaultBodyLimit = "1M"
	importBodyLimit  = "20M"
	importRoute      = "/api/v1/reconciliations/import"
)

// app holds the wired components shared by the server and the one-shot
// commands.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	registry   *prometheus.Registry
	metrics    *telemetry.Metrics
	engine     *submission.Engine
	dispatcher *submission.Dispatcher
	claims     *claim.Service
	closers    []func()
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Str("service", "claimsgw").Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "claimsgw").Logger()
}

// migrationsFS returns the embedded migrations, or dir when one is given.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func gatewayClient(cfg gateway.Config, logger zerolog.Logger) gateway.Client {
	if cfg.UseStub {
		return gateway.NewStub()
	}
	return gateway.NewHTTPClient(cfg, gateway.WithLogger(logger))
}

// newApp connects the optional backing services and builds the domain
// services on top of them. With memory set, PostgreSQL is not touched.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, memory bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = telemetry.New(a.registry)

	var (
		subStore   submission.Store
		claimStore claim.Store
	)
	if memory {
		subStore = submission.NewMemoryStore()
		claimStore = claim.NewMemoryStore()
		logger.Warn().Msg("using in-memory stores; data is lost on exit")
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		logger.Info().Msg("connected to database")
		subStore = submission.NewPGStore(pool)
		claimStore = claim.NewPGStore(pool)
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		rdb, err := lock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		locker = lock.NewRedis(rdb, "claimsgw:")
		logger.Info().Msg("dispatch lock backed by redis")
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		pub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { pub.Close() })
		publisher = pub
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing events to amqp")
	}

	var store archive.Store = archive.Nop{}
	if cfg.ArchiveEndpoint != "" {
		m, err := archive.NewMinio(ctx, archive.MinioConfig{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		store = m
		logger.Info().Str("bucket", cfg.ArchiveBucket).Msg("archiving exports")
	}

	gw := cfg.Gateway()
	client := gatewayClient(gw, logger)
	if gw.Offline() {
		logger.Warn().Msg("gateway offline; submissions are recorded locally")
	}

	a.engine = submission.NewEngine(subStore, client, submission.NewAssembler(gw), gw,
		submission.WithLogger(logger),
		submission.WithPublisher(publisher),
		submission.WithMetrics(a.metrics),
	)
	a.dispatcher = submission.NewDispatcher(a.engine, locker,
		submission.WithBatchSize(cfg.DispatchBatchSize),
		submission.WithDispatchLogger(logger),
		submission.WithDispatchMetrics(a.metrics),
	)
	a.claims = claim.NewService(claimStore, a.engine, client,
		claim.WithLogger(logger),
		claim.WithPublisher(publisher),
		claim.WithMetrics(a.metrics),
		claim.WithArchive(store),
	)
	return a, nil
}

// Close releases backing connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Metrics(a.metrics))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(defaultBodyLimit, importBodyLimit, importRoute))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Audit middleware
	e.Use(middleware.Audit(a.logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", telemetry.Handler(a.registry))

	submissions := submission.NewHandler(a.engine, a.dispatcher)
	e.GET("/health/gateway", submissions.GatewayHealth)

	apiV1 := e.Group("/api/v1")
	submissions.RegisterRoutes(apiV1)
	claim.NewHandler(a.claims).RegisterRoutes(apiV1)

	return e
}
