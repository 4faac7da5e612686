package cli

import (
	"fmt"

	"sku-render-pipeline/internal/compiler"
	"sku-render-pipeline/internal/config"
	"sku-render-pipeline/internal/coordinator"
	"sku-render-pipeline/internal/database"
	"sku-render-pipeline/internal/generator"
	"sku-render-pipeline/internal/inspector"
	"sku-render-pipeline/internal/llm"
	"sku-render-pipeline/internal/logging"
	"sku-render-pipeline/internal/models"
	"sku-render-pipeline/internal/staging"
	"sku-render-pipeline/internal/store"
	"sku-render-pipeline/internal/worker"
)

// app is the wired pipeline shared by serve and run
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	store  *store.JobStore
	coord  *coordinator.Coordinator
	db     *database.DB
	stager *staging.FileStager
}

func newApp(cfg *config.Config, log *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, store: store.New()}

	if cfg.Storage.ArchivePath != "" {
		db, err := database.New(cfg.Storage.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		if err := db.InitSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize archive: %w", err)
		}
		a.db = db
		log.Info("[INIT] Archive initialized", "path", cfg.Storage.ArchivePath)
	}

	client := llm.NewHTTPClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Timeout: cfg.LLM.Timeout(),
	})

	var enhancer worker.Compiler
	if cfg.Pipeline.EnhancePrompts {
		enhancer = compiler.NewEnhancer(client.WithModel(cfg.LLM.TextModel), cfg.LLM.TextModel)
	}
	a.stager = staging.New(cfg.Storage.OutputDir, client)

	orch := worker.New(worker.Options{
		Compiler:         enhancer,
		Fallback:         compiler.Template{},
		Generator:        generator.New(client, cfg.LLM.ImageModel),
		Inspector:        inspector.New(client, cfg.LLM.VisionModel),
		Stager:           a.stager,
		Logger:           log,
		GeneratorBackoff: cfg.Pipeline.GeneratorBackoff(),
		CompileTimeout:   cfg.Pipeline.CompileTimeout(),
		GenerateTimeout:  cfg.Pipeline.GenerateTimeout(),
		InspectTimeout:   cfg.Pipeline.InspectTimeout(),
	})

	a.coord = coordinator.New(coordinator.Options{
		Store:              a.store,
		Runner:             orch,
		Logger:             log,
		DefaultConcurrency: cfg.Pipeline.Concurrency,
		DefaultMaxRetries:  cfg.Pipeline.MaxRetries,
		OnComplete:         a.archive,
	})
	return a, nil
}

func (a *app) archive(job models.Job, tasks []models.Task) {
	log := a.log.WithJob(job.ID)
	log.Info("[COMPLETE]", "success", job.SuccessCount, "failed", job.FailedCount)
	if a.db == nil {
		return
	}
	if err := a.db.ArchiveJob(job, tasks); err != nil {
		log.Error("[ARCHIVE] failed", "error", err)
	}
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// loadConfig reads the viper state into a validated Config and opens its logger
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
