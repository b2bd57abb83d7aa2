// Package app assembles the conductor process from its configuration.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/conductor/internal/adapter/llm"
	"github.com/xiaot623/conductor/internal/agents"
	"github.com/xiaot623/conductor/internal/budget"
	"github.com/xiaot623/conductor/internal/checkpoint"
	"github.com/xiaot623/conductor/internal/config"
	"github.com/xiaot623/conductor/internal/dispatcher"
	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/engine"
	"github.com/xiaot623/conductor/internal/graphcache"
	"github.com/xiaot623/conductor/internal/interrupt"
	"github.com/xiaot623/conductor/internal/log"
	"github.com/xiaot623/conductor/internal/observability"
	"github.com/xiaot623/conductor/internal/plan"
	"github.com/xiaot623/conductor/internal/repository"
	"github.com/xiaot623/conductor/internal/tools"
	transporthttp "github.com/xiaot623/conductor/internal/transport/http"
	"github.com/xiaot623/conductor/internal/transport/rpc"
	"github.com/xiaot623/conductor/policy"
)

const (
	shutdownTimeout = 10 * time.Second
	watchDebounce   = 200 * time.Millisecond
)

// App is a fully wired conductor.
type App struct {
	Config  *config.Config
	Store   *repository.SQLiteStore
	Agents  *agents.Registry
	Tools   *tools.Registry
	Metrics *observability.Metrics
	Engine  *engine.Manager
	HTTP    *echo.Echo
	RPC     *rpc.Server
}

// Option customizes New.
type Option func(*options)

type options struct {
	model llm.Model
}

// WithModel replaces the configured model.
func WithModel(m llm.Model) Option {
	return func(o *options) { o.model = m }
}

// New builds every component from cfg. The caller owns Close.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a := &App{Config: cfg, Store: store}
	if err := a.wire(ctx, o); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, o options) error {
	cfg := a.Config

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(reg)

	toolReg, err := buildTools(cfg.Tools)
	if err != nil {
		return err
	}
	a.Tools = toolReg

	cache := graphcache.New(a.Metrics)
	a.Agents = agents.NewRegistry(a.Store, cache.Invalidate)
	if cfg.AgentsFile != "" {
		if _, err := a.Agents.LoadFile(ctx, cfg.AgentsFile); err != nil {
			return err
		}
	}

	policySource := policy.DefaultPolicy
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("failed to read policy file: %w", err)
		}
		policySource = string(data)
	}
	policyEngine, err := policy.NewEngine(ctx, policySource)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	model := o.model
	if model == nil {
		model = llm.NewModel(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout, cfg.LLM.Mock)
	}

	a.Engine, err = engine.NewManager(engine.Context{
		Config:      cfg,
		Store:       a.Store,
		Cache:       cache,
		Compiler:    plan.NewCompiler(a.Agents, toolReg),
		Checkpoints: checkpoint.NewAdapter(checkpointStore(cfg, a.Store), checkpoint.RetryPolicy(cfg.CheckpointRetry), checkpoint.WithMetrics(a.Metrics)),
		Budget:      budget.NewManager(cfg),
		Interrupts:  interrupt.NewManager(a.Store, cfg.InterruptWaitTimeout, a.Metrics),
		Dispatcher: dispatcher.New(toolReg,
			dispatcher.WithMetrics(a.Metrics),
			dispatcher.WithCallTimeouts(func(toolName string) time.Duration {
				spec, _ := toolReg.Spec(toolName)
				return time.Duration(spec.TimeoutMs) * time.Millisecond
			}),
		),
		Model:   model,
		Policy:  policyEngine,
		Metrics: a.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	a.HTTP = transporthttp.NewServer(a.Engine, a.Agents, a.Store, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if cfg.RPCPort > 0 {
		a.RPC, err = rpc.NewServer(a.Engine)
		if err != nil {
			return err
		}
	}
	return nil
}

func checkpointStore(cfg *config.Config, db checkpoint.Store) checkpoint.Store {
	if cfg.CheckpointStore == config.CheckpointStoreMemory {
		log.Warnf("checkpoints are kept in memory; executions cannot resume after a restart")
		return checkpoint.NewMemoryStore()
	}
	return db
}

// buildTools copies the builtin tools and adds the configured remote ones.
func buildTools(endpoints []config.ToolEndpoint) (*tools.Registry, error) {
	reg := tools.DefaultRegistry.Clone()
	client := &http.Client{Timeout: 2 * time.Minute}
	for _, t := range endpoints {
		spec := domain.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			TimeoutMs:   t.TimeoutMs,
			Endpoint:    t.URL,
		}
		if t.Schema != "" {
			if !json.Valid([]byte(t.Schema)) {
				return nil, fmt.Errorf("tool %s: schema is not valid JSON", t.Name)
			}
			spec.Schema = json.RawMessage(t.Schema)
		}
		if err := reg.Register(spec, tools.HTTPExecutor(t.URL, t.Name, client)); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", t.Name, err)
		}
	}
	return reg, nil
}

// Run serves HTTP and RPC, sweeps deadlines and watches the agents file
// until ctx is done, then shuts the servers down. Executions still running
// are suspended by Close.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.RPC != nil {
		addr, err := a.RPC.Listen(fmt.Sprintf(":%d", a.Config.RPCPort))
		if err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		log.Infof("JSON-RPC listening on %s", addr)
		g.Go(a.RPC.Serve)
	}

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", a.Config.HTTPPort)
		log.Infof("HTTP API listening on %s", addr)
		if err := a.HTTP.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.Engine.RunDeadlineMonitor(ctx)
		return nil
	})
	if a.Config.AgentsFile != "" && a.Config.WatchAgents {
		g.Go(func() error {
			if err := a.Agents.Watch(ctx, a.Config.AgentsFile, watchDebounce); err != nil {
				log.Errorf("failed to watch agents file: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.HTTP.Shutdown(shutdownCtx); err != nil {
			log.Warnf("failed to shutdown HTTP server gracefully: %v", err)
		}
		if a.RPC != nil {
			if err := a.RPC.Shutdown(shutdownCtx); err != nil {
				log.Warnf("failed to shutdown RPC server gracefully: %v", err)
			}
		}
		return nil
	})
	return g.Wait()
}

// Close suspends running executions and releases the store.
func (a *App) Close() error {
	a.Engine.Close()
	return a.Store.Close()
}
