package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/go-analyst/internal/bus"
	"github.com/basket/go-analyst/internal/capability"
	"github.com/basket/go-analyst/internal/cohort"
	"github.com/basket/go-analyst/internal/config"
	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/coordinator"
	"github.com/basket/go-analyst/internal/engine"
	otelPkg "github.com/basket/go-analyst/internal/otel"
	"github.com/basket/go-analyst/internal/persistence"
	"github.com/basket/go-analyst/internal/router"
	"github.com/basket/go-analyst/internal/segmentation"
	"github.com/basket/go-analyst/internal/telemetry"
	"github.com/basket/go-analyst/internal/text2sql"
	"github.com/basket/go-analyst/internal/warehouse"
)

func loadConfig(opts *globalOptions) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if opts.home != "" {
		cfg, err = config.LoadFrom(opts.home)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, nil
}

// app is the wired analyst: every component a command may need, built in
// dependency order and torn down in reverse by Close.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *bus.Bus

	otel      *otelPkg.Provider
	store     *persistence.Store
	warehouse *warehouse.Warehouse
	model     engine.Model
	orch      *coordinator.Orchestrator

	closers []func(context.Context) error
}

// newApp loads config, opens storage and the warehouse and assembles the
// orchestrator. quiet keeps logs out of stdout.
func newApp(ctx context.Context, opts *globalOptions, quiet bool) (a *app, err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, bus: bus.New()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.onClose(func(context.Context) error { return closer.Close() })
	slog.SetDefault(logger)
	a.logger = logger
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	a.otel, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.onClose(a.otel.Shutdown)

	a.store, err = persistence.Open(cfg.Store.Path, a.bus)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.onClose(func(context.Context) error { return a.store.Close() })
	logger.Info("startup phase", "phase", "schema_migrated", "path", cfg.Store.Path)

	a.warehouse, err = warehouse.Open(cfg.Warehouse.DSN, cfg.Warehouse.MaxRows)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	a.onClose(func(context.Context) error { return a.warehouse.Close() })
	logger.Info("startup phase", "phase", "warehouse_opened", "dsn", cfg.Warehouse.DSN)

	a.model = buildModel(ctx, cfg)

	metrics, err := otelPkg.NewMetrics(a.otel.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	proc := &text2sql.Processor{
		Model:     a.model,
		Warehouse: a.warehouse,
		Logger:    telemetry.Component(logger, "text2sql"),
	}
	adapter := &capability.Adapter{
		SQL: proc,
		Segmentation: &segmentation.Analyzer{
			Generator: proc,
			Warehouse: a.warehouse,
			Logger:    telemetry.Component(logger, "segmentation"),
		},
		Synthesizer: cohort.New(a.model, telemetry.Component(logger, "cohort")),
		Schema:      a.warehouse,
		Logger:      telemetry.Component(logger, "capability"),
	}
	ocfg := coordinator.Config{
		Classifier:   router.New(cfg.Policy.Classifier, a.model, telemetry.Component(logger, "router")),
		Capabilities: adapter,
		Sessions:     conversation.NewRegistry(a.store),
		Bus:          a.bus,
		Recorder:     a.store,
		Tracer:       a.otel.Tracer,
		Metrics:      metrics,
		Logger:       telemetry.Component(logger, "coordinator"),
		Policy:       coordinator.PolicyFromConfig(cfg.Policy),
	}
	if a.model != nil {
		ocfg.Narrator = &engine.Narrator{Model: a.model}
	}
	a.orch, err = coordinator.New(ocfg)
	if err != nil {
		return nil, err
	}
	a.onClose(a.orch.Close)
	logger.Info("startup phase", "phase", "orchestrator_ready", "classifier", cfg.Policy.Classifier, "llm", modelName(a.model))
	return a, nil
}

func (a *app) onClose(f func(context.Context) error) {
	a.closers = append(a.closers, f)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// closeWithTimeout is the deferred form of Close used by commands.
func (a *app) closeWithTimeout(d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := a.Close(ctx); err != nil && a.logger != nil {
		a.logger.Warn("shutdown error", "error", err)
	}
}

// buildModel returns the configured language model, wrapped in a failover
// chain when fallbacks are set. It returns nil when no provider has
// credentials, which switches every component to its rule-based path.
func buildModel(ctx context.Context, cfg config.Config) engine.Model {
	if cfg.LLM.Provider == "none" {
		return nil
	}
	primary := engine.NewGenkitModel(ctx, engine.ModelConfig{
		Provider:           cfg.LLM.Provider,
		Model:              cfg.LLM.Model,
		APIKey:             cfg.ProviderAPIKey(cfg.LLM.Provider),
		CompatibleProvider: cfg.LLM.CompatibleProvider,
		BaseURL:            cfg.LLM.BaseURL,
	})
	var fallbacks []engine.Model
	for _, name := range cfg.LLM.Fallbacks {
		if name == "" || name == cfg.LLM.Provider {
			continue
		}
		fb := engine.NewGenkitModel(ctx, engine.ModelConfig{
			Provider: name,
			APIKey:   cfg.ProviderAPIKey(name),
			BaseURL:  cfg.Providers[name].BaseURL,
		})
		if fb.Enabled() {
			fallbacks = append(fallbacks, fb)
		}
	}
	switch {
	case len(fallbacks) > 0 && primary.Enabled():
		return engine.NewFailoverModel(primary, fallbacks, cfg.LLM.FailoverThreshold,
			time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second)
	case len(fallbacks) > 0:
		return engine.NewFailoverModel(fallbacks[0], fallbacks[1:], cfg.LLM.FailoverThreshold,
			time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second)
	case primary.Enabled():
		return primary
	}
	return nil
}

func modelName(m engine.Model) string {
	if m == nil {
		return "none"
	}
	return m.Name()
}

// openStore opens only the ledger, for commands that never touch the
// warehouse or a model.
func openStore(opts *globalOptions) (*persistence.Store, config.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, cfg, err
	}
	slog.SetDefault(slog.New(telemetry.NewHandler(io.Discard, slog.LevelError)))
	store, err := persistence.Open(cfg.Store.Path, nil)
	if err != nil {
		return nil, cfg, fmt.Errorf("open store: %w", err)
	}
	return store, cfg, nil
}
