package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/config"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/database"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/kafka"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/logger"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/middleware"
	"github.com/synaptica-ai/sedation-cohort/pkg/normalizer"
	"github.com/synaptica-ai/sedation-cohort/pkg/observability/metrics"
	"github.com/synaptica-ai/sedation-cohort/pkg/pipeline"
	"github.com/synaptica-ai/sedation-cohort/pkg/storage"
	"github.com/synaptica-ai/sedation-cohort/pkg/terminology"
)

func main() {
	logger.Init()
	cfg := config.Load()

	cat, err := terminology.Load(cfg.DrugCatalogPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load drug catalog")
	}

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize PostgreSQL")
	}
	defer database.ClosePostgres()

	runs := pipeline.NewRunRepository(db)
	results := storage.NewResultStore(db)
	doseRepo := normalizer.NewRepository(db)
	for _, migrate := range []func() error{runs.AutoMigrate, results.AutoMigrate, doseRepo.AutoMigrate} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).Fatal("Failed to migrate schema")
		}
	}

	cache := storage.NewExposureCache(database.GetRedis(cfg), cfg.ExposureCacheTTL)
	defer database.CloseRedis()

	opts := []pipeline.JobOption{pipeline.WithExposureCache(cache), pipeline.WithCSV(true)}
	if cfg.PersistResults {
		opts = append(opts, pipeline.WithResultStore(results))
	}
	if cfg.PublishRunCompletions {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.RunCompletedTopic)
		defer producer.Close()
		opts = append(opts, pipeline.WithPublisher(producer))
	}

	runner := pipeline.NewRunner(cat, normalizer.NewService(cat, doseRepo), cfg.PipelineWorkers)
	job := pipeline.NewJob(runner, storage.NewLakehouse(cfg.OutputDir), opts...)
	materializer := pipeline.NewMaterializer(runs, job, cfg.MaterializerWorkers)
	materializer.OnCompleted(metrics.ObserveRun)
	materializer.OnFailed(func(error) { metrics.ObserveFailure() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.RunRequestTopic, cfg.KafkaGroupID)
	defer consumer.Close()
	go func() {
		if err := consumer.Consume(ctx, materializer.HandleRunRequested); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Error("Run request consumer stopped")
		}
	}()

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging)
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	pipeline.NewHTTPHandler(materializer, cache, results, cfg.MaxRequestBody).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Cohort Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Cohort Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}
	materializer.Wait()

	logger.Log.Info("Cohort Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
