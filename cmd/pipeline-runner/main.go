package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ceap-engine/internal/common/aws"
	"ceap-engine/internal/common/config"
	"ceap-engine/internal/common/database"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/common/observability"
	"ceap-engine/internal/connector"
	"ceap-engine/internal/delivery"
	"ceap-engine/internal/filter"
	"ceap-engine/internal/pipeline"
	"ceap-engine/internal/scoring"
	"ceap-engine/internal/store"
)

const defaultModelVersion = "2.0"

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	programsDir := flag.String("programs", "configs/programs", "directory of program config JSON documents")
	lookbackHours := flag.Int("lookback-hours", 24, "extraction window size in hours")
	deliver := flag.Bool("deliver", false, "run the channel delivery pass after the pipeline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting pipeline runner...",
		zap.String("environment", cfg.App.Environment),
		zap.String("version", cfg.App.Version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := observability.New("pipeline-runner")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			zapLog.Error("observability shutdown failed", zap.Error(err))
		}
	}()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rds *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rds, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rds.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rds.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch (optional analytics sink) ---
	var esClient *database.ElasticsearchClient
	if cfg.Database.Elasticsearch.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Schemas ---
	candidates := store.NewPostgresStore(pg.DB, log)
	if err := candidates.EnsureSchema(ctx); err != nil {
		zapLog.Fatal("candidate schema init failed", zap.Error(err))
	}
	optOuts := delivery.NewPostgresOptOutStore(pg.DB)
	if err := optOuts.EnsureSchema(ctx); err != nil {
		zapLog.Fatal("opt-out schema init failed", zap.Error(err))
	}
	tracking := delivery.NewPostgresTrackingStore(pg.DB)
	if err := tracking.EnsureSchema(ctx); err != nil {
		zapLog.Fatal("delivery tracking schema init failed", zap.Error(err))
	}

	// --- Pipeline wiring ---
	connectors := connector.NewRegistry()
	connectors.Register(connector.NewWarehouseConnector(pg.DB, log))

	providers := scoring.NewRegistry()
	providers.Register(scoring.NewPropensityProvider("review-propensity-v2", defaultModelVersion))

	engine := scoring.NewEngine(
		providers,
		scoring.NewRedisFeatureResolver(rds.Client),
		scoring.NewScoreCache(rds.Client, log),
		log,
	)

	runner := pipeline.NewRunner(connectors, filter.NewDefaultRegistry(), engine, candidates, obs, cfg.Pipeline, log)

	programs, err := loadPrograms(*programsDir)
	if err != nil {
		zapLog.Fatal("program configs failed to load", zap.Error(err))
	}
	zapLog.Info("Program configs loaded", zap.Int("count", len(programs)))

	// --- Health / metrics server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ok",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Health/Metrics server listening on :8080")
		if err := http.ListenAndServe(":8080", nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Batch run, one invocation per program ---
	end := time.Now().UTC()
	dateRange := connector.DateRange{
		Start: end.Add(-time.Duration(*lookbackHours) * time.Hour),
		End:   end,
	}

	exitCode := 0
	for _, program := range programs {
		if ctx.Err() != nil {
			zapLog.Warn("shutdown requested, skipping remaining programs")
			exitCode = 1
			break
		}

		report, err := runner.Run(ctx, program, dateRange)
		if err != nil {
			log.WithError(err).Error("pipeline run failed", map[string]interface{}{
				"programId": program.ProgramID,
			})
			exitCode = 1
			continue
		}
		log.Info("pipeline run report", map[string]interface{}{
			"programId":           report.ProgramID,
			"workflowExecutionId": report.WorkflowExecutionID,
			"extracted":           report.Extracted,
			"validationErrors":    report.ValidationErrors,
			"filtered":            report.Filtered,
			"stored":              report.Stored,
			"unprocessed":         report.Unprocessed,
			"durationMs":          report.Duration.Milliseconds(),
		})
	}

	if *deliver && ctx.Err() == nil {
		if err := runDelivery(ctx, cfg, programs, candidates, optOuts, tracking, esClient, rds, log, zapLog); err != nil {
			zapLog.Error("delivery pass failed", zap.Error(err))
			exitCode = 1
		}
	}

	zapLog.Info("Pipeline runner finished", zap.Int("exitCode", exitCode))
	os.Exit(exitCode)
}

// runDelivery dispatches stored candidates through every channel each
// program has configured.
func runDelivery(
	ctx context.Context,
	cfg *config.Config,
	programs []*config.ProgramConfig,
	candidates store.CandidateStore,
	optOuts delivery.OptOutStore,
	tracking delivery.TrackingStore,
	esClient *database.ElasticsearchClient,
	rds *database.RedisClient,
	log logger.Logger,
	zapLog *zap.Logger,
) error {
	contacts := delivery.NewRedisContactResolver(rds.Client)
	adapters := delivery.NewAdapterRegistry()

	if cfg.AWS.SES.Enabled {
		sesClient, err := aws.NewSESClient(ctx, cfg.AWS.Region)
		if err != nil {
			return fmt.Errorf("ses client init: %w", err)
		}
		adapters.Register(delivery.NewEmailAdapter(sesClient, contacts, cfg.AWS.SES.FromEmail, log))
		zapLog.Info("SES email adapter registered")
	}
	if cfg.AWS.SNS.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.AWS.Region)
		if err != nil {
			return fmt.Errorf("sns client init: %w", err)
		}
		adapters.Register(delivery.NewSMSAdapter(snsClient, contacts, log))
		zapLog.Info("SNS sms adapter registered")
	}

	var analytics *delivery.CampaignAnalytics
	if esClient != nil {
		analytics = delivery.NewCampaignAnalytics(esClient.Client, "deliveries", log)
	}

	dispatcher := delivery.NewDispatcher(
		adapters,
		delivery.NewPreferenceService(optOuts, candidates, log),
		delivery.NewFrequencyTracker(rds.Client),
		tracking,
		analytics,
		log,
	)

	for _, program := range programs {
		if !program.Enabled {
			continue
		}
		for _, channel := range program.Channels {
			for _, marketplace := range program.Marketplaces {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				batch, err := candidates.QueryByProgramAndChannel(ctx, store.ChannelQuery{
					ProgramID:     program.ProgramID,
					MarketplaceID: marketplace,
					Channel:       channel.Name,
				})
				if err != nil {
					return err
				}
				if len(batch) == 0 {
					continue
				}

				result, err := dispatcher.Deliver(ctx, batch, &delivery.Context{
					Program: program,
					Channel: channel.Name,
				})
				if err != nil {
					return err
				}
				log.Info("delivery pass completed", map[string]interface{}{
					"programId":     program.ProgramID,
					"channel":       channel.Name,
					"marketplaceId": marketplace,
					"attempted":     result.Metrics.Attempted,
					"delivered":     result.Metrics.Delivered,
					"failed":        result.Metrics.Failed,
					"shadowMode":    result.Metrics.ShadowMode,
				})
			}
		}
	}
	return nil
}

// loadPrograms reads and validates every *.json program document in dir.
func loadPrograms(dir string) ([]*config.ProgramConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var programs []*config.ProgramConfig
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		program, err := config.ParseProgramConfig(raw)
		if err != nil {
			return nil, fmt.Errorf("program config %s: %w", entry.Name(), err)
		}
		programs = append(programs, program)
	}
	if len(programs) == 0 {
		return nil, fmt.Errorf("no program configs found in %s", dir)
	}
	return programs, nil
}
