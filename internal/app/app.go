// Package app assembles a grid from configuration: the storage backend plus
// the job and pipeline coordinators running on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/compute"
	"github.com/JakeFAU/crawlgrid/internal/config"
	"github.com/JakeFAU/crawlgrid/internal/embedded"
	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/pipeline"
	"github.com/JakeFAU/crawlgrid/internal/sqlstore"
)

// App is the grid.Grid built from a config.Config.
type App struct {
	backend  string
	logger   *zap.Logger
	storage  grid.Storage
	compute  *compute.Coordinator
	pipeline *pipeline.Coordinator
}

var _ grid.Grid = (*App)(nil)

// New opens the configured backend and wires the coordinators to it.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	storage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("grid storage opened", zap.String("backend", cfg.Grid.Backend))
	return Assemble(cfg.Grid.Backend, storage, cfg.Grid.Pipeline, logger), nil
}

// Assemble wraps an already open storage.
func Assemble(backend string, storage grid.Storage, pcfg config.PipelineConfig, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		backend: backend,
		logger:  logger,
		storage: storage,
		compute: compute.New(storage, compute.Config{Logger: logger}),
		pipeline: pipeline.New(storage, pipeline.Config{
			MonitorInterval: pcfg.MonitorInterval,
			Logger:          logger,
		}),
	}
}

func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (grid.Storage, error) {
	switch cfg.Grid.Backend {
	case config.BackendEmbedded:
		s, err := embedded.Open(cfg.EmbeddedOptions(), logger)
		if err != nil {
			return nil, fmt.Errorf("open embedded storage: %w", err)
		}
		return s, nil
	case config.BackendRelational:
		s, err := sqlstore.Open(ctx, cfg.SQLStore(), logger)
		if err != nil {
			return nil, fmt.Errorf("open relational storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", grid.ErrConfig, cfg.Grid.Backend)
	}
}

// Backend names the storage backend in use.
func (a *App) Backend() string { return a.backend }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Storage returns the storage facade.
func (a *App) Storage() grid.Storage { return a.storage }

// Compute returns the job coordinator.
func (a *App) Compute() grid.Compute { return a.compute }

// Pipeline returns the pipeline coordinator.
func (a *App) Pipeline() grid.Pipeline { return a.pipeline }

// Pipelines returns the pipeline coordinator with its process-local helpers.
func (a *App) Pipelines() *pipeline.Coordinator { return a.pipeline }

// Close stops local jobs and pipelines, waits for pipelines to end until ctx
// is done, then closes the storage.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down grid")
	a.compute.RequestStop("")
	var errs []error
	if err := a.pipeline.Stop(ctx, ""); err != nil {
		errs = append(errs, fmt.Errorf("stop pipelines: %w", err))
	}
	if err := a.pipeline.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain pipelines: %w", err))
	}
	if err := a.storage.Close(); err != nil && !errors.Is(err, grid.ErrClosed) {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}
