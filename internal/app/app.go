package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"obcatalog/internal/config"
	"obcatalog/internal/db"
	"obcatalog/internal/domain"
	"obcatalog/internal/events"
	"obcatalog/internal/ingest"
	"obcatalog/internal/logging"
	"obcatalog/internal/metadata"
	"obcatalog/internal/migrate"
	"obcatalog/internal/recorder"
	"obcatalog/internal/repo"
)

// Catalog is an opened, migrated workspace together with its configuration.
type Catalog struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Log       *zap.Logger
	// Headers reads frame and product headers. Nil means FITS files.
	Headers metadata.HeaderReader
}

// Open opens the workspace catalog, applies pending migrations and loads
// catalog.yml, falling back to defaults when the file is absent.
func Open(ctx context.Context, workspace string, log *zap.Logger) (*Catalog, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Catalog{
		Workspace: workspace,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Config:    cfg,
		Log:       logging.OrNop(log),
	}, nil
}

func (c *Catalog) Close() error { return c.DB.Close() }

// Registry returns the configured instrument registry, or nil when no
// instrument is configured so ingestion runs degraded.
func (c *Catalog) Registry() metadata.Registry {
	if len(c.Config.Instruments) == 0 {
		return nil
	}
	return c.Config.Registry(c.headers())
}

func (c *Catalog) headers() metadata.HeaderReader {
	if c.Headers != nil {
		return c.Headers
	}
	return metadata.FITSHeaders{}
}

func (c *Catalog) DataDir() string    { return config.ResolveDir(c.Workspace, c.Config.DataDir) }
func (c *Catalog) ResultsDir() string { return config.ResolveDir(c.Workspace, c.Config.ResultsDir) }

func (c *Catalog) Ingester() *ingest.Ingester {
	return &ingest.Ingester{
		Repo:     c.Repo,
		Registry: c.Registry(),
		DataDir:  c.DataDir(),
		Events:   events.Writer{},
		Log:      c.Log.Named("ingest"),
	}
}

func (c *Catalog) Recorder() *recorder.Recorder {
	return &recorder.Recorder{
		Repo:    c.Repo,
		Storage: recorder.FileStorage{},
		Events:  events.Writer{},
		Log:     c.Log.Named("recorder"),
	}
}

// StartTask opens a RUNNING task against an observing block.
func (c *Catalog) StartTask(ctx context.Context, obID string) (domain.Task, error) {
	uow, err := c.Repo.Begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer uow.Rollback()
	task, err := uow.CreateTask(ctx, obID)
	if err != nil {
		return domain.Task{}, err
	}
	return task, uow.Commit()
}

// FinishTask closes a task without recording a result.
func (c *Catalog) FinishTask(ctx context.Context, id string) (domain.Task, error) {
	uow, err := c.Repo.Begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer uow.Rollback()
	task, err := uow.FinishTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return task, uow.Commit()
}

// RecordManifest records a run described on disk. Pipeline and recipe fall
// back to the instrument registry, then to the default pipeline.
func (c *Catalog) RecordManifest(ctx context.Context, m recorder.Manifest) (domain.ReductionResult, error) {
	task, err := c.Repo.GetTask(ctx, m.TaskID)
	if err != nil {
		return domain.ReductionResult{}, fmt.Errorf("task %q: %w", m.TaskID, err)
	}
	ob, err := c.Repo.GetObservingBlock(ctx, task.OBID)
	if err != nil {
		return domain.ReductionResult{}, fmt.Errorf("task %s: observing block %s: %w", task.ID, task.OBID, err)
	}
	pipeline, recipe := m.Pipeline, m.Recipe
	if reg := c.Registry(); reg != nil {
		p, err := reg.Lookup(ob.Instrument)
		if err != nil {
			return domain.ReductionResult{}, err
		}
		if pipeline == "" {
			pipeline = p.Name
		}
		if recipe == "" {
			if recipe, err = p.Recipe(ob.Mode); err != nil {
				return domain.ReductionResult{}, err
			}
		}
	}
	if pipeline == "" {
		pipeline = repo.DefaultPipeline
	}
	started, finished, err := m.Times()
	if err != nil {
		return domain.ReductionResult{}, err
	}
	bundle, err := m.Bundle(c.headers())
	if err != nil {
		return domain.ReductionResult{}, err
	}
	return c.Recorder().Record(ctx, recorder.Execution{
		TaskID:   task.ID,
		Pipeline: pipeline,
		Recipe:   recipe,
		Env:      recorder.NewWorkEnvironment(c.ResultsDir(), c.DataDir(), task),
		Started:  started,
		Finished: finished,
		RunInfo:  m.RunInfo,
	}, bundle)
}

// SetRecipeParameter appends a value to the parameter keyed by instrument,
// pipeline, mode and name, creating the parameter on first use.
func (c *Catalog) SetRecipeParameter(ctx context.Context, p domain.RecipeParameter, content string, valueFacts map[string]any) (domain.RecipeParameterValue, error) {
	uow, err := c.Repo.Begin(ctx)
	if err != nil {
		return domain.RecipeParameterValue{}, err
	}
	defer uow.Rollback()
	param, err := uow.EnsureRecipeParameter(ctx, p.Instrument, p.Pipeline, p.Mode, p.Name)
	if err != nil {
		return domain.RecipeParameterValue{}, err
	}
	v, err := uow.AddRecipeParameterValue(ctx, param.ID, content, valueFacts)
	if err != nil {
		return domain.RecipeParameterValue{}, err
	}
	return v, uow.Commit()
}
