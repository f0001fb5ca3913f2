package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/batchrelay/batchrelay/internal/aggregator"
	"github.com/batchrelay/batchrelay/internal/bus"
	"github.com/batchrelay/batchrelay/internal/config"
	"github.com/batchrelay/batchrelay/internal/delivery"
	"github.com/batchrelay/batchrelay/internal/delivery/queuesink"
	"github.com/batchrelay/batchrelay/internal/delivery/webhooksink"
	"github.com/batchrelay/batchrelay/internal/intake"
	"github.com/batchrelay/batchrelay/internal/jobrunner"
	"github.com/batchrelay/batchrelay/internal/lifecycle"
	"github.com/batchrelay/batchrelay/internal/logger"
	"github.com/batchrelay/batchrelay/internal/monitoring"
	"github.com/batchrelay/batchrelay/internal/providerclient"
	"github.com/batchrelay/batchrelay/internal/resultprocessor"
	"github.com/batchrelay/batchrelay/internal/store"
	"github.com/batchrelay/batchrelay/internal/store/connection"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func newLogger(cfg *config.Config) *slog.Logger {
	if strings.EqualFold(cfg.Server.LogFormat, "json") {
		return logger.NewJSON(cfg.Server.LoggingLevel)
	}
	return logger.New(cfg.Server.LoggingLevel)
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	log.Info("starting batchrelayd", "version", Version, "commit", Commit, "logging_level", cfg.Server.LoggingLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(connection.Config{
		DatabaseURL:         cfg.Store.DatabaseURL,
		MaxConns:            cfg.Store.MaxConns,
		MinConns:            cfg.Store.MinConns,
		HealthCheckInterval: cfg.Store.HealthCheckInterval,
		ConnectTimeout:      cfg.Store.ConnectTimeout,
	}, log)
	if err != nil {
		log.Error("failed to connect to store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Metrics are enabled whenever an address is configured to serve them;
	// with no address, monitoring.New(false) makes every Record*/Set* call
	// a no-op (spec.md's Non-goals exclude mandating an observability stack).
	metrics := monitoring.New(cfg.Server.MetricsAddr != "")

	evtBus := bus.New()

	var provider providerclient.Client = providerclient.NewHTTPClient(providerclient.HTTPConfig{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		ConnectTimeout: cfg.Provider.ConnectTimeout,
		ReceiveTimeout: cfg.Provider.ReceiveTimeout,
	}, log)
	rateLimited := providerclient.NewRateLimited(provider, providerclient.NewRPMLimiter(cfg.Provider.RPM))
	rateLimited.SetMetrics(metrics)
	provider = rateLimited

	webhook := webhooksink.New(cfg.Delivery.WebhookTimeout, log)

	queue, err := queuesink.New(queuesink.Config{
		Enabled:        cfg.Queue.Enabled,
		URL:            cfg.Queue.URL,
		PoolSize:       cfg.Delivery.PublisherPoolSize,
		ConfirmTimeout: cfg.Delivery.PublisherConfirmTTL,
		FailureTTL:     cfg.Delivery.QueueFailureTTL,
	}, log)
	if err != nil {
		log.Error("failed to initialize queue sink", "error", err)
		os.Exit(1)
	}
	queue.SetMetrics(metrics)
	defer queue.Close()

	aggRegistry := aggregator.New(st, evtBus, aggregator.Config{
		MaxRequestsPerBatch: cfg.Batch.MaxRequestsPerBatch,
		MaxBatchSizeBytes:   cfg.Batch.MaxBatchSizeBytes,
	}, log)
	aggRegistry.SetMetrics(metrics)

	lifecycleEngine := lifecycle.New(st, provider, evtBus, lifecycle.Config{
		StorageBase:      cfg.Batch.StorageBase,
		CompletionWindow: "24h",
		BuildingAgeLimit: cfg.Batch.BuildingAgeLimit,
	}, log)

	processor := resultprocessor.New(st, provider, cfg.Batch.StorageBase, log)

	deliveryEngine := delivery.NewEngine(st, evtBus, webhook, queue, delivery.Config{
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		DisableRetry: cfg.Delivery.DisableRetry,
	}, log)
	deliveryEngine.SetMetrics(metrics)

	gate := &intake.MaintenanceGate{}
	if cfg.Server.Maintenance {
		gate.Enable()
	}
	// The Intake Facade has no HTTP edge in this build: spec.md's Non-goals
	// exclude a synchronous request/response path, so admit() is exposed only
	// as a Go API for an embedding program (e.g. a batch-submission CLI) to call.
	_ = intake.New(aggRegistry, gate)

	runner := jobrunner.New(ctx, jobrunner.Config{
		UploadsConcurrency:         cfg.JobRunner.UploadsConcurrency,
		BatchProcessingConcurrency: cfg.JobRunner.BatchProcessingConcurrency,
		DeliveryConcurrency:        cfg.JobRunner.DeliveryConcurrency,
		DefaultConcurrency:         cfg.JobRunner.DefaultConcurrency,
	}, log)
	runner.SetMetrics(metrics)
	defer runner.Stop()

	wireSweeps(ctx, runner, st, lifecycleEngine, processor, deliveryEngine, cfg, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         cfg.Server.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if cfg.Server.MetricsAddr == "" {
			return
		}
		log.Info("metrics server listening", "addr", cfg.Server.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server forced to shutdown", "error", err)
	}

	runner.Stop()
	queue.Close()
	st.Close()

	log.Info("shutdown complete")
}

// wireSweeps schedules every periodic trigger spec.md §4.4's action table
// calls for: building→uploading (age sweep), uploading→uploaded→
// provider_processing (upload/submit), polling provider_processing batches,
// downloading+processing provider_completed batches, handing
// ready_to_deliver batches to the Delivery Engine, and reaping expired
// batches. Each body is scheduled on the queue spec.md §5 assigns its action
// to, so JobRunner concurrency limits — not the ticker — bound fan-out.
func wireSweeps(ctx context.Context, runner *jobrunner.Runner, st store.Store, lifecycleEngine *lifecycle.Engine, processor *resultprocessor.Processor, deliveryEngine *delivery.Engine, cfg *config.Config, log *slog.Logger) {
	runner.Schedule(ctx, time.Minute, jobrunner.QueueDefault, "expire_stale_building", func(ctx context.Context) error {
		return lifecycleEngine.ExpireStaleBuilding(ctx)
	})

	runner.Schedule(ctx, 10*time.Second, jobrunner.QueueUploads, "upload_sweep", func(ctx context.Context) error {
		return forEachBatchInState(ctx, st, models.BatchUploading, func(ctx context.Context, id int64) error {
			return lifecycleEngine.Upload(ctx, id)
		})
	})

	runner.Schedule(ctx, 10*time.Second, jobrunner.QueueDefault, "create_provider_sweep", func(ctx context.Context) error {
		return forEachBatchInState(ctx, st, models.BatchUploaded, func(ctx context.Context, id int64) error {
			return lifecycleEngine.CreateProvider(ctx, id)
		})
	})

	runner.Schedule(ctx, cfg.Provider.PollInterval, jobrunner.QueueDefault, "check_status_sweep", func(ctx context.Context) error {
		return forEachBatchInState(ctx, st, models.BatchProviderProcessing, lifecycleEngine.CheckStatus)
	})

	runner.Schedule(ctx, 30*time.Second, jobrunner.QueueBatchProcessing, "process_completed_sweep", func(ctx context.Context) error {
		return forEachBatchInState(ctx, st, models.BatchProviderCompleted, func(ctx context.Context, id int64) error {
			if err := lifecycleEngine.StartDownloading(ctx, id); err != nil {
				return err
			}
			return processor.Process(ctx, id)
		})
	})

	runner.Schedule(ctx, 10*time.Second, jobrunner.QueueDelivery, "delivery_sweep", func(ctx context.Context) error {
		return forEachBatchInState(ctx, st, models.BatchReadyToDeliver, func(ctx context.Context, batchID int64) error {
			return submitBatchDeliveries(ctx, runner, st, deliveryEngine, log, batchID)
		})
	})

	runner.Schedule(ctx, 30*time.Second, jobrunner.QueueBatchProcessing, "delivery_completion_sweep", func(ctx context.Context) error {
		return forEachBatchInState(ctx, st, models.BatchDelivering, func(ctx context.Context, id int64) error {
			return deliveryEngine.CheckDeliveryCompletion(ctx, id)
		})
	})

	runner.Schedule(ctx, 5*time.Minute, jobrunner.QueueDefault, "delete_expired_batch_sweep", func(ctx context.Context) error {
		ids, err := st.ListExpiredBatches(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := lifecycleEngine.DeleteExpiredBatch(ctx, id); err != nil {
				log.Error("delete_expired_batch failed", "batch_id", id, "error", err)
			}
		}
		return nil
	})
}

func forEachBatchInState(ctx context.Context, st store.Store, state models.BatchState, fn func(ctx context.Context, batchID int64) error) error {
	ids, err := st.ListBatchesInState(ctx, state)
	if err != nil {
		return fmt.Errorf("list batches in state %q: %w", state, err)
	}
	for _, id := range ids {
		if err := fn(ctx, id); err != nil {
			return fmt.Errorf("batch %d: %w", id, err)
		}
	}
	return nil
}

// submitBatchDeliveries transitions a ready_to_deliver Batch to delivering
// and submits one retrying delivery job per still-undelivered Request
// (spec.md §4.6), handing each off to the delivery queue rather than
// delivering inline so JobRunner's delivery concurrency governs fan-out.
func submitBatchDeliveries(ctx context.Context, runner *jobrunner.Runner, st store.Store, deliveryEngine *delivery.Engine, log *slog.Logger, batchID int64) error {
	if _, err := st.TransitionBatch(ctx, batchID, "start_delivering"); err != nil {
		return err
	}
	reqs, err := st.ListRequestsForBatchInState(ctx, batchID, models.RequestProviderProcessed)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		requestID := req.ID
		job := jobrunner.NewRetryJob("deliver_request", 5, jobrunner.ExponentialBackoff(time.Second, 30*time.Second), log,
			func(ctx context.Context, attempt int) (bool, error) {
				return deliveryEngine.Deliver(ctx, requestID)
			})
		if err := runner.Submit(ctx, jobrunner.QueueDelivery, job); err != nil {
			log.Error("submit delivery job failed", "request_id", requestID, "error", err)
		}
	}
	return nil
}
