// Oversight tracking core: consumes workflow events, maintains the
// error and state tables, serves the HTTP API, and runs the
// agent-driven repair loop.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/elephant-data/oversight/pkg/agent"
	"github.com/elephant-data/oversight/pkg/api"
	"github.com/elephant-data/oversight/pkg/blob"
	"github.com/elephant-data/oversight/pkg/busqueue"
	"github.com/elephant-data/oversight/pkg/callback"
	"github.com/elephant-data/oversight/pkg/config"
	"github.com/elephant-data/oversight/pkg/database"
	"github.com/elephant-data/oversight/pkg/errcode"
	"github.com/elephant-data/oversight/pkg/ingest"
	"github.com/elephant-data/oversight/pkg/metrics"
	"github.com/elephant-data/oversight/pkg/mutate"
	"github.com/elephant-data/oversight/pkg/repair"
	"github.com/elephant-data/oversight/pkg/selector"
	"github.com/elephant-data/oversight/pkg/state"
	"github.com/elephant-data/oversight/pkg/store"
	"github.com/elephant-data/oversight/pkg/validator"
	"github.com/elephant-data/oversight/pkg/version"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	settings, err := config.LoadSettings()
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// 1. Database and the two item tables
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	errorStore := store.NewPostgres(dbClient.DB(), database.TableWorkflowErrors)
	stateStore := store.NewPostgres(dbClient.DB(), database.TableWorkflowState)

	// 2. AWS clients
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	blobs := blob.NewStore(s3.NewFromConfig(awsCfg))
	publisher := metrics.NewCloudWatch(cloudwatch.NewFromConfig(awsCfg))

	// 3. Engines
	ingestEngine := ingest.NewEngine(errorStore, publisher, logger)
	stateEngine := state.NewEngine(stateStore, logger)
	dispatcher := busqueue.NewDispatcher(ingestEngine, stateEngine)
	dispatcher.SetCountyResolver(func(ctx context.Context, bucket, key string) (string, error) {
		payload, err := blobs.Download(ctx, blob.URI{Bucket: bucket, Key: key})
		if err != nil {
			return "", err
		}
		archive, err := blob.Unzip(payload)
		if err != nil {
			return "", err
		}
		return blob.CountyFromInputs(archive)
	})
	sel := selector.NewSelector(errorStore, logger)
	mutator := mutate.NewMutator(errorStore, logger)

	// 4. Queue consumer
	var consumer *busqueue.Consumer
	if settings.EventsQueueURL != "" {
		consumer = busqueue.NewConsumer(sqsClient, settings.EventsQueueURL, dispatcher, settings.QueueWorkers, logger)
		consumer.Start(ctx)
		slog.Info("Queue consumer started",
			"queue", settings.EventsQueueURL, "workers", settings.QueueWorkers)
	} else {
		slog.Warn("APP_EVENTS_QUEUE_URL not set, queue consumer disabled")
	}

	// 5. Repair loop
	var pool *repair.Pool
	if settings.RepairEnabled && settings.ValidatorEndpoint != "" && settings.ArtifactBucket != "" {
		classifier, err := errcode.NewClassifier()
		if err != nil {
			slog.Error("Failed to load error classification rules", "error", err)
			os.Exit(1)
		}

		fixerOpts := []agent.Option{
			agent.WithUsageObserver(func(u agent.Usage) {
				slog.Info("Agent token usage",
					"model", u.Model,
					"input_tokens", u.InputTokens,
					"output_tokens", u.OutputTokens)
			}),
		}
		if settings.AgentModel != "" {
			fixerOpts = append(fixerOpts, agent.WithModel(settings.AgentModel))
		}

		order, err := selector.ParseOrder(settings.RepairOrder)
		if err != nil {
			slog.Error("Invalid repair order", "error", err)
			os.Exit(1)
		}

		controller := repair.NewController(repair.Config{
			Selector:   sel,
			Mutator:    mutator,
			Blobs:      blobs,
			Fixer:      agent.NewAnthropicFixer(logger, fixerOpts...),
			Validator:  validator.NewClient(settings.ValidatorEndpoint),
			Sender:     busqueue.NewSender(sqsClient, settings.OutputQueueURL, settings.DLQURL),
			Notifier:   callback.NewNotifier(sfn.NewFromConfig(awsCfg)),
			Metrics:    publisher,
			Classifier: classifier,
			Layout: blob.Layout{
				Bucket:          settings.ArtifactBucket,
				TransformPrefix: settings.TransformPrefix,
			},
			MaxAttempts: settings.RepairMaxAttempts,
			TuningFor: func(county string) repair.Tuning {
				return config.NewCountyCascade(blobs, settings.ArtifactBucket, settings.ConfigPrefix, county)
			},
		}, logger)

		pool = repair.NewPool(repair.PoolConfig{
			Controller: controller,
			Order:      order,
			ErrorType:  settings.RepairErrorType,
			Interval:   settings.RepairPollInterval,
			Workers:    settings.RepairWorkers,
		}, logger)
		pool.Start(ctx)
	} else {
		slog.Warn("Repair loop disabled",
			"enabled", settings.RepairEnabled,
			"validator_endpoint_set", settings.ValidatorEndpoint != "",
			"artifact_bucket_set", settings.ArtifactBucket != "")
	}

	// 6. HTTP server
	apiServer := api.NewServer(dbClient, dispatcher, sel, mutator, stateEngine, logger)
	if pool != nil {
		apiServer.SetRepairPool(pool)
	}
	if consumer != nil {
		apiServer.SetQueueDepthProbe(consumer.QueueDepth)
	}
	httpServer := &http.Server{
		Addr:    settings.ListenAddr,
		Handler: apiServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", settings.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Oversight started successfully", "version", version.Full())

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop the repair loop first (it is the
	// longest-running unit of work), then the consumer, then HTTP.
	if pool != nil {
		pool.Stop()
	}
	if consumer != nil {
		consumer.Stop()
		slog.Info("Queue consumer stopped")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
