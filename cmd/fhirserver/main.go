package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/octofhir/fhirserver/internal/authcache"
	"github.com/octofhir/fhirserver/internal/config"
	"github.com/octofhir/fhirserver/internal/cql"
	"github.com/octofhir/fhirserver/internal/delivery"
	"github.com/octofhir/fhirserver/internal/eventbus"
	"github.com/octofhir/fhirserver/internal/index"
	"github.com/octofhir/fhirserver/internal/platform/auth"
	pdb "github.com/octofhir/fhirserver/internal/platform/db"
	"github.com/octofhir/fhirserver/internal/platform/middleware"
	ws "github.com/octofhir/fhirserver/internal/platform/websocket"
	"github.com/octofhir/fhirserver/internal/rest"
	"github.com/octofhir/fhirserver/internal/search"
	"github.com/octofhir/fhirserver/internal/searchparam"
	"github.com/octofhir/fhirserver/internal/store"
	"github.com/octofhir/fhirserver/internal/subscription"
	"github.com/octofhir/fhirserver/internal/terminology"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	rootCmd := &cobra.Command{Use: "fhirserver"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(subscriptionsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildComponents wires C1-C7, C10 and C11 against a shared pool (the
// delivery workers and auth caches are built in runServer), following the
// teacher's repo -> service -> handler construction order but generalized:
// one store/registry/compiler/cache set serves every resource type instead
// of one repo per clinical domain.
type components struct {
	bus       *eventbus.Bus
	st        store.Store
	registry  *searchparam.Registry
	compiler  *search.Compiler
	validator *terminology.Validator
	closures  *terminology.ClosureTable
	libraries *cql.LibraryCache
	topics    *subscription.TopicRegistry
	manager   *subscription.Manager
}

func buildComponents(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) *components {
	bus := eventbus.NewBus(logger)

	registry := searchparam.New(logger)
	indexWriter := index.NewWriter(registry, cfg.BaseURL, logger)
	st := store.NewPGStore(pool, bus, indexWriter, logger)

	searchCache := search.NewCache(cfg.SearchCacheCapacity)
	compiler := search.NewCompiler(searchCache)

	validator := terminology.NewValidator(pool, logger)
	closures := terminology.NewClosureTable(validator)

	var l2 cql.SharedCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err == nil {
			l2 = cql.NewRedisSharedCache(redis.NewClient(opts))
		} else {
			logger.Warn().Err(err).Msg("invalid REDIS_URL, CQL cache running L1-only")
		}
	}
	libraries := cql.NewLibraryCache(cfg.CQLCacheCapacity, l2, time.Duration(cfg.CQLCacheTTLSeconds)*time.Second, pool, logger)

	topics := subscription.NewTopicRegistry(logger)
	manager := subscription.NewManager(pool, topics, logger)
	bus.Register("subscription-manager", manager)

	return &components{
		bus: bus, st: st, registry: registry, compiler: compiler,
		validator: validator, closures: closures, libraries: libraries,
		topics: topics, manager: manager,
	}
}

// loadSubscriptionTopics reloads the topic registry from every current
// SubscriptionTopic resource in the store, per SPEC_FULL.md's "topics are
// reloaded from the resource store on startup" (§C6). A missing table
// (fresh database, no SubscriptionTopic ever created) is not fatal: the
// registry just starts empty, same as a fresh searchparam.Registry reload
// with zero resources.
func loadSubscriptionTopics(ctx context.Context, pool *pgxpool.Pool, topics *subscription.TopicRegistry, logger zerolog.Logger) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT body FROM %s WHERE status = 'current'`, store.CurrentTable("SubscriptionTopic")))
	if err != nil {
		logger.Warn().Err(err).Msg("could not load SubscriptionTopic resources at startup, topic registry starts empty")
		return
	}
	defer rows.Close()

	var bodies []json.RawMessage
	for rows.Next() {
		var body json.RawMessage
		if err := rows.Scan(&body); err != nil {
			logger.Warn().Err(err).Msg("scanning SubscriptionTopic row")
			continue
		}
		bodies = append(bodies, body)
	}
	topics.Reload(bodies)
}

// loadCustomSearchParameters extends registry with every current
// SearchParameter resource in the store, on top of its embedded built-ins.
// It runs once at startup.
func loadCustomSearchParameters(ctx context.Context, pool *pgxpool.Pool, registry *searchparam.Registry, logger zerolog.Logger) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT body FROM %s WHERE status = 'current'`, store.CurrentTable("SearchParameter")))
	if err != nil {
		logger.Warn().Err(err).Msg("could not load custom SearchParameter resources at startup, registry runs with built-ins only")
		return
	}
	defer rows.Close()

	var bodies []json.RawMessage
	for rows.Next() {
		var body json.RawMessage
		if err := rows.Scan(&body); err != nil {
			logger.Warn().Err(err).Msg("scanning SearchParameter row")
			continue
		}
		bodies = append(bodies, body)
	}
	if len(bodies) > 0 {
		registry.LoadFromFHIR(bodies)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pdb.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	comp := buildComponents(pool, cfg, logger)
	loadSubscriptionTopics(ctx, pool, comp.topics, logger)
	loadCustomSearchParameters(ctx, pool, comp.registry, logger)
	comp.bus.OnStart(ctx)
	defer comp.bus.OnShutdown(ctx)

	revocation := authcache.NewRevocationStore()
	jwks := authcache.NewJWKSClient(time.Duration(cfg.JWTCacheTTLSeconds) * time.Second)
	jwtCache := authcache.NewJWTCache(cfg.JWTCacheMaxSize, time.Duration(cfg.JWTCacheTTLSeconds)*time.Second, revocation)
	verifier := authcache.NewVerifier(jwks, jwtCache, revocation, logger)
	if cfg.AuthIssuer != "" {
		verifier.RegisterIssuer(cfg.AuthIssuer, cfg.AuthJWKSURL)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "If-Match"},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	rateLimitCfg := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": "0.1.0"})
	})

	fhirGroup := e.Group("/fhir")
	fhirGroup.Use(middleware.RateLimit(rateLimitCfg))
	auth.RegisterSMARTEndpoints(fhirGroup, cfg.AuthIssuer)

	server := &rest.Server{
		Store:        comp.st,
		Pool:         pool,
		Registry:     comp.registry,
		Compiler:     comp.compiler,
		Validator:    comp.validator,
		Closures:     comp.closures,
		Libraries:    comp.libraries,
		BaseURL:      cfg.BaseURL,
		DefaultCount: cfg.SearchDefaultCount,
		MaxCount:     cfg.SearchMaxCount,
		Logger:       logger,
	}
	server.RegisterRoutes(fhirGroup)

	hub := ws.NewHub()
	go startDeliveryWorkers(ctx, pool, cfg, logger, hub)
	startRetentionScheduler(ctx, pool, cfg, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting fhirserver")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// startRetentionScheduler runs the subscription_event retention sweep on an
// hourly cron schedule until ctx is cancelled.
func startRetentionScheduler(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) {
	retainer := subscription.NewRetainer(
		pool,
		time.Duration(cfg.SubscriptionDeliveredHours)*time.Hour,
		time.Duration(cfg.SubscriptionFailedHours)*time.Hour,
		logger,
	)
	c := cron.New()
	c.AddFunc("@hourly", func() {
		if _, err := retainer.Purge(context.Background()); err != nil {
			logger.Error().Err(err).Msg("subscription event retention sweep failed")
		}
	})
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}

// startDeliveryWorkers runs the C8 worker pool until ctx is cancelled,
// following the teacher's `go notifyEngine.Start(notifyCtx)` background
// goroutine pattern in cmd/ehr-server/main.go.
func startDeliveryWorkers(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger, hub *ws.Hub) {
	channels := map[string]delivery.Channel{
		"rest-hook": delivery.NewRestHookChannel(http.DefaultClient, logger),
		"websocket": delivery.NewWebSocketChannel(hub, logger),
	}
	workerCfg := delivery.Config{
		PollInterval: time.Duration(cfg.DeliveryPollInterval) * time.Millisecond,
		BatchSize:    20,
		BackoffBase:  time.Duration(cfg.SubscriptionRetryBaseMS) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.SubscriptionRetryCapMS) * time.Millisecond,
		MaxAttempts:  cfg.SubscriptionMaxAttempts,
	}
	for i := 0; i < cfg.DeliveryWorkerCount; i++ {
		wp := delivery.NewWorkerPool(pool, channels, workerCfg, logger)
		go wp.Run(ctx)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "manage database schema"}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			schema, _ := cmd.Flags().GetString("schema")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := pdb.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			migrator := pdb.NewMigrator(pool, dir)
			applied, err := migrator.Up(ctx, schema)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migrations\n", applied)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "target schema")
	upCmd.Flags().String("dir", "migrations", "migrations directory")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			schema, _ := cmd.Flags().GetString("schema")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := pdb.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			migrator := pdb.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				fmt.Printf("%4d  %-40s  applied=%v\n", s.Version, s.Name, s.Applied)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "target schema")
	statusCmd.Flags().String("dir", "migrations", "migrations directory")

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

// subscriptionsCmd runs the delivery worker pool standalone, for deployments
// that scale ingest and delivery separately.
func subscriptionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "subscriptions", Short: "subscription delivery commands"}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "run the subscription delivery worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := pdb.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			hub := ws.NewHub()
			startDeliveryWorkers(ctx, pool, cfg, logger, hub)
			<-ctx.Done()
			return nil
		},
	}
	cmd.AddCommand(workerCmd)
	return cmd
}
