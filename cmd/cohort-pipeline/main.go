package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/config"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/database"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/kafka"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/logger"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/normalizer"
	"github.com/synaptica-ai/sedation-cohort/pkg/pipeline"
	"github.com/synaptica-ai/sedation-cohort/pkg/storage"
	"github.com/synaptica-ai/sedation-cohort/pkg/terminology"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cohort-pipeline",
		Short: "ICU sedation cohort batch pipeline",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		req        models.CohortRunRequest
		runID      string
		catalog    string
		workers    int
		drugs      []string
		writeCSV   bool
		persist    bool
		publish    bool
		cacheRedis bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Segment, classify, normalize and aggregate one input snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Init()
			cfg := config.Load()

			if catalog == "" {
				catalog = cfg.DrugCatalogPath
			}
			cat, err := terminology.Load(catalog)
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = cfg.PipelineWorkers
			}
			if req.OutputDir == "" {
				req.OutputDir = cfg.OutputDir
			}
			if runID == "" {
				runID = uuid.New().String()
			}

			var doseRepo *normalizer.Repository
			opts := []pipeline.JobOption{pipeline.WithCSV(writeCSV), pipeline.WithDrugs(drugs)}
			if persist {
				db, err := database.GetPostgres(cfg)
				if err != nil {
					return fmt.Errorf("connecting to postgres: %w", err)
				}
				defer database.ClosePostgres()
				doseRepo = normalizer.NewRepository(db)
				opts = append(opts, pipeline.WithResultStore(storage.NewResultStore(db)))
			}
			if cacheRedis {
				opts = append(opts, pipeline.WithExposureCache(storage.NewExposureCache(database.GetRedis(cfg), cfg.ExposureCacheTTL)))
				defer database.CloseRedis()
			}
			if publish {
				producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.RunCompletedTopic)
				defer producer.Close()
				opts = append(opts, pipeline.WithPublisher(producer))
			}

			runner := pipeline.NewRunner(cat, normalizer.NewService(cat, doseRepo), workers)
			job := pipeline.NewJob(runner, storage.NewLakehouse(req.OutputDir), opts...)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out, err := job.Execute(ctx, runID, req)
			if err != nil {
				logger.Log.WithError(err).WithField("run_id", runID).Error("Cohort run failed")
				return err
			}

			summary := map[string]interface{}{
				"run_id":      runID,
				"files":       out.Files,
				"csv":         out.CSV,
				"empty":       out.Result.Empty,
				"diagnostics": out.Result.Diagnostics,
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.LocationsPath, "locations", "", "ADT location parquet file")
	flags.StringVar(&req.DevicesPath, "devices", "", "respiratory support parquet file")
	flags.StringVar(&req.MedicationPath, "medications", "", "continuous medication administration parquet file")
	flags.StringVar(&req.WeightsPath, "weights", "", "weight observation parquet file")
	flags.StringVar(&req.OutputDir, "output", "", "output directory (default OUTPUT_DIR)")
	flags.StringSliceVar(&req.HospitalizationIDs, "hospitalization", nil, "restrict the run to these hospitalization ids")
	flags.StringVar(&runID, "run-id", "", "run identifier (default random uuid)")
	flags.StringVar(&catalog, "catalog", "", "drug catalog yaml (default DRUG_CATALOG_PATH or built-in)")
	flags.IntVar(&workers, "workers", 0, "per-hospitalization parallelism (default PIPELINE_WORKERS)")
	flags.StringSliceVar(&drugs, "drugs", nil, "restrict dose events to these drug categories")
	flags.BoolVar(&writeCSV, "csv", true, "also write csv copies of the result tables")
	flags.BoolVar(&persist, "persist", false, "store results in postgres")
	flags.BoolVar(&cacheRedis, "cache", false, "cache exposure summaries in redis")
	flags.BoolVar(&publish, "publish", false, "publish a run completion event to kafka")
	for _, name := range []string{"locations", "devices", "medications", "weights"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the result tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Init()
			cfg := config.Load()

			db, err := database.GetPostgres(cfg)
			if err != nil {
				return fmt.Errorf("connecting to postgres: %w", err)
			}
			defer database.ClosePostgres()

			if err := storage.NewResultStore(db).AutoMigrate(); err != nil {
				return err
			}
			if err := normalizer.NewRepository(db).AutoMigrate(); err != nil {
				return err
			}
			if err := pipeline.NewRunRepository(db).AutoMigrate(); err != nil {
				return err
			}
			logger.Log.Info("Migrations applied")
			return nil
		},
	}
}
