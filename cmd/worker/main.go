package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/rs/zerolog"
	enumspb "go.temporal.io/api/enums/v1"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"

	"github.com/edvin/autoflow/internal/activity"
	"github.com/edvin/autoflow/internal/config"
	"github.com/edvin/autoflow/internal/core"
	"github.com/edvin/autoflow/internal/credential"
	"github.com/edvin/autoflow/internal/crypto"
	"github.com/edvin/autoflow/internal/db"
	"github.com/edvin/autoflow/internal/engine"
	"github.com/edvin/autoflow/internal/intake"
	"github.com/edvin/autoflow/internal/integration"
	"github.com/edvin/autoflow/internal/ledger"
	"github.com/edvin/autoflow/internal/logging"
	"github.com/edvin/autoflow/internal/metrics"
	"github.com/edvin/autoflow/internal/nodes"
	"github.com/edvin/autoflow/internal/poller"
	"github.com/edvin/autoflow/internal/scheduler"
	"github.com/edvin/autoflow/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	corePool, err := db.NewCorePool(ctx, cfg.CoreDatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		ApplicationName: "autoflow-worker",
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

	chatModel, err := newChatModel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure chat model")
	}
	if chatModel == nil {
		logger.Warn().Msg("OPENAI_API_KEY not set, ai-generate nodes will fail")
	}

	clients := integration.NewClients()
	pollers := integration.NewPollers(tokens, clients)
	registry := nodes.NewRegistry(nodes.Deps{
		Tokens:    tokens,
		Clients:   clients,
		ChatModel: chatModel,
	})
	services := core.NewServices(corePool, registry, pollers, usage)

	submitter := intake.New(services.Execution, intake.NewTemporalDispatcher(tc, cfg.TemporalTaskQueue), logger)
	scanner := scheduler.New(services.Workflow, services.Execution, services.ScanState, submitter, scheduler.Config{
		Interval:    time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		MaxLookback: time.Duration(cfg.MaxScanLookbackSeconds) * time.Second,
	}, logger)
	pollExecutor := poller.New(services.PollingTrigger, services.Workflow, pollers, submitter, poller.Config{
		BatchSize: cfg.PollBatchSize,
	}, logger)
	runner := engine.New(services.Execution, usage, registry, engine.Options{
		Limiter: engine.NewUserLimiter(cfg.MaxConcurrentExecutionsPerUser),
	}, logger)

	w := worker.New(tc, cfg.TemporalTaskQueue, worker.Options{
		Interceptors: []interceptor.WorkerInterceptor{&workflow.ErrorTypingInterceptor{}},
	})

	w.RegisterActivity(activity.NewOrchestration(scanner, pollExecutor, runner, logger))

	w.RegisterWorkflow(workflow.ScanSchedulesWorkflow)
	w.RegisterWorkflow(workflow.PollTriggersWorkflow)
	w.RegisterWorkflow(workflow.RunExecutionWorkflow)

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr, corePool.Ping)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		logger.Info().Str("taskQueue", cfg.TemporalTaskQueue).Msg("starting temporal worker")
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("worker failed")
		}
	}()

	registerCronSchedules(ctx, tc, cfg.TemporalTaskQueue, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	cancel()
}

// newChatModel returns nil when no OpenAI key is configured.
func newChatModel(ctx context.Context, cfg *config.Config) (einomodel.BaseChatModel, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, nil
	}
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	})
}

// cronSchedules are the Temporal schedules that drive the scan and poll
// ticks. Both run every minute.
var cronSchedules = []struct {
	id       string
	workflow any
}{
	{id: "schedule-scan-cron", workflow: workflow.ScanSchedulesWorkflow},
	{id: "poll-triggers-cron", workflow: workflow.PollTriggersWorkflow},
}

const tickCron = "* * * * *"

// registerCronSchedules creates the tick schedules. Existing schedules are
// left untouched so re-deploys do not fail.
func registerCronSchedules(ctx context.Context, tc temporalclient.Client, taskQueue string, logger zerolog.Logger) {
	scheduleClient := tc.ScheduleClient()

	for _, s := range cronSchedules {
		_, err := scheduleClient.Create(ctx, temporalclient.ScheduleOptions{
			ID:      s.id,
			Spec:    temporalclient.ScheduleSpec{CronExpressions: []string{tickCron}},
			Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
			Action: &temporalclient.ScheduleWorkflowAction{
				ID:        s.id,
				Workflow:  s.workflow,
				TaskQueue: taskQueue,
			},
		})
		switch {
		case errors.Is(err, temporal.ErrScheduleAlreadyRunning):
			logger.Info().Str("id", s.id).Msg("cron schedule already exists, skipping")
		case err != nil:
			logger.Fatal().Err(err).Str("id", s.id).Msg("failed to create cron schedule")
		default:
			logger.Info().Str("id", s.id).Str("cron", tickCron).Msg("created cron schedule")
		}
	}
}
