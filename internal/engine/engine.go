// Package engine wires the maestro components together: the host adapter,
// template store, orchestrator manager, worker pool, subsession tracker,
// and the event dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/zjrosen/maestro/internal/adapter"
	"github.com/zjrosen/maestro/internal/config"
	"github.com/zjrosen/maestro/internal/dispatcher"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/orchestrator"
	"github.com/zjrosen/maestro/internal/pool"
	"github.com/zjrosen/maestro/internal/subsession"
	"github.com/zjrosen/maestro/internal/template"
	"github.com/zjrosen/maestro/internal/tracing"
)

// Engine is the assembled runtime. Components are exported so commands can
// reach them directly.
type Engine struct {
	Client     *adapter.Client
	Templates  *template.Store
	Store      *orchestrator.Store
	Manager    *orchestrator.Manager
	Pool       *pool.Pool
	Tracker    *subsession.Tracker
	Dispatcher *dispatcher.Dispatcher

	cfg     config.Config
	tracing *tracing.Provider
	cancel  context.CancelFunc
}

// New builds an engine from configuration. Nothing runs until Start.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tcfg := cfg.Tracing
	if tcfg.FilePath == "" {
		tcfg.FilePath = filepath.Join(cfg.DataDir, "traces", "traces.jsonl")
	}
	provider, err := tracing.NewProvider(tcfg)
	if err != nil {
		return nil, fmt.Errorf("engine: tracing: %w", err)
	}

	templates, err := template.NewStore(cfg.TemplateDir())
	if err != nil {
		return nil, fmt.Errorf("engine: templates: %w", err)
	}

	client := adapter.NewClient(cfg.Adapter)
	disp := dispatcher.New()
	pl := pool.New(client, disp)
	store := orchestrator.NewStore(cfg.StatePath())
	mgr := orchestrator.NewManager(client, templates, store, disp, pl, pool.CleanupMode(cfg.CleanupMode))

	tracker, err := subsession.New(client, disp, cfg.Subsession)
	if err != nil {
		return nil, fmt.Errorf("engine: subsession: %w", err)
	}

	return &Engine{
		Client:     client,
		Templates:  templates,
		Store:      store,
		Manager:    mgr,
		Pool:       pl,
		Tracker:    tracker,
		Dispatcher: disp,
		cfg:        cfg,
		tracing:    provider,
	}, nil
}

// Start hydrates persisted orchestrators and launches the background loops.
// Restored orchestrators stay dormant until explicitly re-armed.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.Manager.LoadAll(); err != nil {
		return fmt.Errorf("engine: restore state: %w", err)
	}

	log.SafeGo("pool", func() { e.Pool.Start(ctx) })
	log.SafeGo("subsession-tracker", func() { e.Tracker.Run(ctx) })
	log.SafeGo("template-watcher", func() {
		if err := e.Templates.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.ErrorErr(log.CatTemplate, "template watcher stopped", err)
		}
	})

	log.Info(log.CatOrch, "engine started", "dataDir", e.cfg.DataDir)
	return nil
}

// Shutdown stops the loops, persists pending state, and releases the
// adapter connection.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}

	var errs []error
	if err := e.Manager.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := e.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	e.Dispatcher.Close()
	if err := e.Client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
