// Package registry owns the mapping from service id to live adapter
// instance and mediates all lookups. Reads are frequent and concurrent;
// a reload replaces the whole map through a single atomic pointer swap so
// in-flight readers always observe one fully-consistent snapshot.
package registry

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/synapse-iot/synapse/internal/adapter"
	"github.com/synapse-iot/synapse/pkg/faults"
	"github.com/synapse-iot/synapse/pkg/models"
)

// entry is one registered service. Adapters are exclusively owned by the
// entry that created them; all invocation goes through Get.
type entry struct {
	cfg         models.ServiceConfig
	adapter     adapter.Adapter
	initialized bool
	initErr     string
}

type snapshot struct {
	services map[string]*entry
}

// Registry holds the configured adapters keyed by service id.
type Registry struct {
	factory adapter.Factory
	snap    atomic.Pointer[snapshot]
}

// New creates an empty registry. factory may be nil, in which case the
// default adapter constructor is used; tests pass a factory producing fakes.
func New(factory adapter.Factory) *Registry {
	if factory == nil {
		factory = adapter.New
	}
	r := &Registry{factory: factory}
	r.snap.Store(&snapshot{services: map[string]*entry{}})
	return r
}

// LoadAll replaces the active service set. Each enabled config gets an
// adapter constructed and initialized; a broken service is logged and
// excluded without aborting the others; partial availability is the
// expected steady state. Adapters from the previous snapshot are shut down
// after the swap.
func (r *Registry) LoadAll(configs []models.ServiceConfig) {
	next := &snapshot{services: make(map[string]*entry, len(configs))}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		e := &entry{cfg: cfg}
		next.services[cfg.ID] = e

		a, err := r.factory(cfg)
		if err == nil {
			err = a.Initialize()
		}
		if err != nil {
			e.initErr = err.Error()
			log.Warn().
				Str("service", cfg.ID).
				Str("kind", string(cfg.Kind)).
				Err(err).
				Msg("Service excluded: initialization failed")
			continue
		}
		e.adapter = a
		e.initialized = true
		log.Info().
			Str("service", cfg.ID).
			Str("kind", string(cfg.Kind)).
			Str("endpoint", cfg.Endpoint).
			Msg("Service registered")
	}

	prev := r.snap.Swap(next)

	// In-flight calls keep their adapter reference and finish on their own
	// timeout; shutting down here only releases idle resources.
	for id, e := range prev.services {
		if e.adapter == nil {
			continue
		}
		if err := e.adapter.Shutdown(); err != nil {
			log.Warn().Str("service", id).Err(err).Msg("Adapter shutdown failed during reload")
		}
	}
}

// Get returns the live adapter for a service id. A missing or
// uninitialized service yields a ServiceNotFound fault.
func (r *Registry) Get(id string) (adapter.Adapter, error) {
	e, ok := r.snap.Load().services[id]
	if !ok {
		return nil, faults.New(faults.ServiceNotFound, "registry.get", "service %s is not registered", id)
	}
	if !e.initialized {
		return nil, faults.New(faults.ServiceNotFound, "registry.get",
			"service %s failed to initialize: %s", id, e.initErr)
	}
	return e.adapter, nil
}

// List reports the status of every registered service. API keys are never
// included.
func (r *Registry) List() []models.ServiceStatus {
	snap := r.snap.Load()
	out := make([]models.ServiceStatus, 0, len(snap.services))
	for _, e := range snap.services {
		out = append(out, models.ServiceStatus{
			ID:          e.cfg.ID,
			Kind:        e.cfg.Kind,
			Endpoint:    e.cfg.Endpoint,
			Initialized: e.initialized,
			Error:       e.initErr,
		})
	}
	return out
}

// TestConnection runs the adapter's reachability probe for one service.
func (r *Registry) TestConnection(ctx context.Context, id string) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	return a.TestConnection(ctx)
}

// ListModels returns the adapter's best-effort model list for one service.
func (r *Registry) ListModels(ctx context.Context, id string) ([]string, error) {
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return a.ListModels(ctx)
}

// Shutdown closes every held adapter, aggregating failures without
// aborting on the first one.
func (r *Registry) Shutdown() error {
	snap := r.snap.Swap(&snapshot{services: map[string]*entry{}})
	var errs []error
	for id, e := range snap.services {
		if e.adapter == nil {
			continue
		}
		if err := e.adapter.Shutdown(); err != nil {
			errs = append(errs, err)
			log.Warn().Str("service", id).Err(err).Msg("Adapter shutdown failed")
		}
	}
	return errors.Join(errs...)
}
