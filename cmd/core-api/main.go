package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/autoflow/internal/api"
	"github.com/edvin/autoflow/internal/config"
	"github.com/edvin/autoflow/internal/core"
	"github.com/edvin/autoflow/internal/credential"
	"github.com/edvin/autoflow/internal/crypto"
	"github.com/edvin/autoflow/internal/db"
	"github.com/edvin/autoflow/internal/intake"
	"github.com/edvin/autoflow/internal/integration"
	"github.com/edvin/autoflow/internal/ledger"
	"github.com/edvin/autoflow/internal/logging"
	"github.com/edvin/autoflow/internal/metrics"
	"github.com/edvin/autoflow/internal/nodes"
	"github.com/edvin/autoflow/internal/poller"
	"github.com/edvin/autoflow/internal/scheduler"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "create-api-key" {
		createAPIKey(os.Args[2:])
		return
	}

	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations/core", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("core-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.CoreDatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		version, err := db.MigrationStatus(cfg.CoreDatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read schema version")
		}
		logger.Info().Int64("schema_version", version).Msg("database migrated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	corePool, err := db.NewCorePool(ctx, cfg.CoreDatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		ApplicationName: "autoflow-core-api",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to core database")
	}
	defer corePool.Close()
	metrics.RegisterPgxPoolMetrics(corePool)

	dialOpts, err := cfg.TemporalClientOptions()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure temporal TLS")
	}
	if dialOpts.ConnectionOptions.TLS != nil {
		logger.Info().Msg("temporal mTLS enabled")
	}
	tc, err := temporalclient.Dial(dialOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to temporal")
	}
	defer tc.Close()

	key, err := crypto.DeriveKey(cfg.CredentialsSecret, credential.KeyInfo)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to derive credentials key")
	}
	var cache credential.Cache
	redisCache, err := credential.NewRedisCache(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisCache != nil {
		defer redisCache.Close()
		cache = redisCache
	}
	tokens := credential.NewStore(corePool, key, credential.OAuthConfigs(cfg), cache, logger)

	plans, err := ledger.LoadCatalog(cfg.PlansFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load plan catalog")
	}
	usage := ledger.New(corePool, plans, logger)

	clients := integration.NewClients()
	pollers := integration.NewPollers(tokens, clients)
	registry := nodes.NewRegistry(nodes.Deps{Tokens: tokens, Clients: clients})
	services := core.NewServices(corePool, registry, pollers, usage)

	submitter := intake.New(services.Execution, intake.NewTemporalDispatcher(tc, cfg.TemporalTaskQueue), logger)
	scanner := scheduler.New(services.Workflow, services.Execution, services.ScanState, submitter, scheduler.Config{
		Interval:    time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		MaxLookback: time.Duration(cfg.MaxScanLookbackSeconds) * time.Second,
	}, logger)
	pollExecutor := poller.New(services.PollingTrigger, services.Workflow, pollers, submitter, poller.Config{
		BatchSize: cfg.PollBatchSize,
	}, logger)

	srv := api.NewServer(logger, api.Deps{
		Services: services,
		Intake:   submitter,
		Scanner:  scanner,
		Poller:   pollExecutor,
		Usage:    usage,
		DB:       corePool,
		Temporal: tc,
	}, cfg)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting core API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}

func createAPIKey(args []string) {
	fs := flag.NewFlagSet("create-api-key", flag.ExitOnError)
	email := fs.String("email", "", "Email of the key owner (required)")
	name := fs.String("name", "", "Name for the API key (required)")
	plan := fs.String("plan", ledger.DefaultPlanID, "Plan for a newly created user")
	fs.Parse(args)

	if *email == "" || *name == "" {
		fmt.Fprintln(os.Stderr, "error: --email and --name are required")
		fmt.Fprintln(os.Stderr, "usage: core-api create-api-key --email <email> --name <name> [--plan <plan>]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewCorePool(ctx, cfg.CoreDatabaseURL, db.PoolOptions{ApplicationName: "autoflow-cli"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	user, err := core.NewUserService(pool).Ensure(ctx, *email, *email, *plan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to ensure user: %v\n", err)
		os.Exit(1)
	}

	key, rawKey, err := core.NewAPIKeyService(pool).Create(ctx, user.ID, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to create API key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key created successfully.\n\n")
	fmt.Printf("  User:   %s (%s)\n", user.Email, user.ID)
	fmt.Printf("  Name:   %s\n", key.Name)
	fmt.Printf("  ID:     %s\n", key.ID)
	fmt.Printf("  Key:    %s\n\n", rawKey)
	fmt.Printf("Save this key now. It will not be shown again.\n")
}
