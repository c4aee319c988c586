package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/deepnoodle-ai/crew"
	"github.com/deepnoodle-ai/crew/internal/config"
	"github.com/deepnoodle-ai/crew/metrics"
	"github.com/deepnoodle-ai/crew/postgres"
	"github.com/deepnoodle-ai/crew/session"
	"github.com/deepnoodle-ai/crew/steps"
	"github.com/prometheus/client_golang/prometheus"
)

// app holds everything one command invocation needs
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	checkpointer crew.Checkpointer
	stepLogger   crew.StepLogger
	engine       *crew.Engine
	registry     *session.Registry
	metrics      *prometheus.Registry
	closers      []func() error
}

// newApp wires the collaborators, stores, engine and session registry
// described by cfg. Logs are written to logOut.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := newLogger(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	checkpointer, err := a.openCheckpointer(ctx)
	if err != nil {
		return nil, err
	}
	a.checkpointer = checkpointer

	if cfg.StepLog.Dir != "" {
		a.stepLogger = crew.NewFileStepLogger(cfg.StepLog.Dir)
	} else {
		a.stepLogger = crew.NewNullStepLogger()
	}

	c, err := steps.New(steps.Options{
		Searcher: steps.NewTavilySearcher(steps.TavilyConfig{
			APIKey:     cfg.Search.APIKey,
			BaseURL:    cfg.Search.BaseURL,
			MaxResults: cfg.Search.MaxResults,
			RateLimit:  cfg.Search.RateLimit,
			Timeout:    cfg.Search.Timeout,
		}),
		Generator: steps.NewChatGenerator(steps.ChatConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			RateLimit:   cfg.LLM.RateLimit,
			Timeout:     cfg.LLM.Timeout,
		}),
		AnalystPrompt: cfg.Prompts.Analyst,
		WriterPrompt:  cfg.Prompts.Writer,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create steps: %w", err)
	}

	var graph *crew.Graph
	if cfg.Graph.File != "" {
		graph, err = crew.LoadGraphFile(cfg.Graph.File, c.Funcs())
	} else {
		graph, err = c.Graph()
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load graph: %w", err)
	}

	a.metrics = prometheus.NewRegistry()
	callbacks := crew.NewCallbackChain(
		metrics.New(a.metrics, "crew"),
		&logCallbacks{logger: logger},
	)

	a.engine, err = crew.NewEngine(crew.EngineOptions{
		Graph:              graph,
		Checkpointer:       checkpointer,
		StepLogger:         a.stepLogger,
		Logger:             logger,
		ExecutionCallbacks: callbacks,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var store session.Store
	if cfg.Session.Dir != "" {
		if store, err = session.NewFileStore(cfg.Session.Dir); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create session store: %w", err)
		}
	} else {
		store = session.NewMemoryStore()
	}

	a.registry, err = session.NewRegistry(session.RegistryOptions{
		Engine: a.engine,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openCheckpointer(ctx context.Context) (crew.Checkpointer, error) {
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		return crew.NewMemoryCheckpointer(), nil
	case config.DriverFile:
		c, err := crew.NewFileCheckpointer(a.cfg.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpointer: %w", err)
		}
		return c, nil
	case config.DriverPostgres:
		c, err := postgres.Open(ctx, a.cfg.Store.DSN, postgres.Options{Table: a.cfg.Store.Table})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	default:
		return nil, fmt.Errorf("invalid store driver: %q", a.cfg.Store.Driver)
	}
}

// Close exports metrics when configured and releases open resources
// printer returns a printer that knows the graph's review boundary
func (a *app) printer(w io.Writer, asJSON bool) *printer {
	p := newPrinter(w, asJSON)
	p.boundary = a.engine.Graph().InterruptBefore()
	return p
}

func (a *app) Close() error {
	var errs []error
	if a.metrics != nil && a.cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(a.cfg.Metrics.Textfile, a.metrics); err != nil {
			errs = append(errs, err)
		}
	}
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	if cfg.Format == "json" {
		return crew.NewJSONLogger(w, level), nil
	}
	return crew.NewLogger(w, level), nil
}

// logCallbacks logs step progress at debug level
type logCallbacks struct {
	crew.BaseExecutionCallbacks
	logger *slog.Logger
}

func (c *logCallbacks) AfterStep(ctx context.Context, event *crew.StepEvent) {
	if event.Error != nil {
		c.logger.Debug("step failed", "thread_id", event.ThreadID, "step", event.Step, "error", event.Error)
		return
	}
	c.logger.Debug("step finished", "thread_id", event.ThreadID, "step", event.Step, "duration", event.Duration)
}
