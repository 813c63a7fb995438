// Package server provides the public entry point for initializing the
// synapse orchestration core.
//
// It wires the configuration source, service registry, permission manager,
// pipeline engine, history recorder, event bus, and HTTP API together, and
// exposes a single graceful shutdown path that unwinds them in order.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/synapse-iot/synapse/internal/api"
	"github.com/synapse-iot/synapse/internal/api/handlers"
	"github.com/synapse-iot/synapse/internal/config"
	"github.com/synapse-iot/synapse/internal/configsource"
	"github.com/synapse-iot/synapse/internal/engine"
	"github.com/synapse-iot/synapse/internal/eventbus"
	"github.com/synapse-iot/synapse/internal/history"
	"github.com/synapse-iot/synapse/internal/permission"
	"github.com/synapse-iot/synapse/internal/registry"
	"github.com/synapse-iot/synapse/internal/telemetry"
)

// Server holds the initialized orchestration core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Port is the port the server should listen on.
	Port int

	// Engine is exposed for embedders that feed events programmatically.
	Engine *engine.Engine

	shutdown []func(context.Context) error
}

// New initializes all components from environment configuration and returns
// a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the core with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	srv := &Server{Port: cfg.Port}

	// Telemetry first so everything below traces.
	otelShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.onShutdown(otelShutdown)

	// Once the first shutdown func is registered, a failed init step must
	// unwind everything initialized so far before returning its error.
	fail := func(err error) (*Server, error) {
		if uerr := srv.Shutdown(ctx); uerr != nil {
			log.Warn().Err(uerr).Msg("Cleanup after failed initialization")
		}
		return nil, err
	}

	// Configuration source.
	source, err := openSource(ctx, cfg.Source)
	if err != nil {
		return fail(err)
	}
	srv.onShutdown(func(context.Context) error { return source.Close() })

	bundle, err := source.Load(ctx)
	if err != nil {
		return fail(fmt.Errorf("load configuration: %w", err))
	}

	// Registry and permission relation.
	reg := registry.New(nil)
	reg.LoadAll(bundle.Services)
	srv.onShutdown(func(context.Context) error { return reg.Shutdown() })
	log.Info().Int("services", len(bundle.Services)).Msg("✅ Service registry initialized")

	perms := permission.NewManager()
	perms.Load(bundle.Permissions)
	log.Info().Msg("✅ Permission manager initialized")

	// History backend.
	hist, err := openHistory(ctx, cfg.History)
	if err != nil {
		return fail(err)
	}
	srv.onShutdown(func(context.Context) error { return hist.Close() })
	log.Info().Str("backend", cfg.History.Kind).Msg("✅ History recorder initialized")

	// Metrics registry shared by the engine and the /metrics endpoint.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Event bus; without one the core still runs, events arrive over HTTP
	// and action emissions go to the log.
	var bus *eventbus.Bus
	sinks := engine.NewLogSinks()
	if cfg.Bus.URL != "" {
		bus, err = eventbus.Connect(cfg.Bus)
		if err != nil {
			return fail(err)
		}
		sinks = eventbus.NewSinks(bus)
	}

	// Pipeline engine.
	eng := engine.New(reg, perms, hist, sinks, engine.Options{
		Workers:          cfg.Engine.Workers,
		QueueSize:        cfg.Engine.QueueSize,
		RequestTimeout:   time.Duration(cfg.Engine.RequestTimeoutSecs) * time.Second,
		ExecutionLogSize: cfg.Engine.ExecutionLogSize,
	}, promReg)
	eng.LoadPipelines(bundle.Pipelines)
	eng.Start()
	srv.Engine = eng
	log.Info().Int("workers", cfg.Engine.Workers).Msg("✅ Pipeline engine initialized")

	srv.onShutdown(eng.Shutdown)
	if bus != nil {
		if err := bus.SubscribeTelemetry(eng); err != nil {
			bus.Close()
			return fail(err)
		}
		// Shutdown runs in reverse order, so the bus closes before the
		// engine drains and no new events arrive mid-drain.
		srv.onShutdown(func(context.Context) error { bus.Close(); return nil })
	}

	reload := func(ctx context.Context) error {
		b, err := source.Load(ctx)
		if err != nil {
			return err
		}
		reg.LoadAll(b.Services)
		perms.Load(b.Permissions)
		eng.LoadPipelines(b.Pipelines)
		log.Info().
			Int("services", len(b.Services)).
			Int("pipelines", len(b.Pipelines)).
			Int("permissions", len(b.Permissions)).
			Msg("Configuration reloaded")
		return nil
	}

	h := handlers.New(reg, perms, eng, hist, reload)
	srv.Handler = api.NewRouter(cfg, h, promReg)
	return srv, nil
}

// Shutdown unwinds all components in reverse initialization order.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(s.shutdown) - 1; i >= 0; i-- {
		if err := s.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) onShutdown(fn func(context.Context) error) {
	s.shutdown = append(s.shutdown, fn)
}

func openSource(ctx context.Context, cfg config.SourceConfig) (configsource.Source, error) {
	switch cfg.Kind {
	case "postgres":
		return configsource.NewPostgresSource(ctx, cfg.DatabaseURL)
	case "file", "":
		return configsource.NewFileSource(cfg.FilePath), nil
	default:
		return nil, fmt.Errorf("unknown configuration source %q", cfg.Kind)
	}
}

func openHistory(ctx context.Context, cfg config.HistoryConfig) (history.Recorder, error) {
	switch cfg.Kind {
	case "redis":
		return history.NewRedisRecorder(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.Size)
	case "memory", "":
		return history.NewMemoryRecorder(cfg.Size), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Kind)
	}
}
