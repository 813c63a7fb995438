// Package configsource loads service, pipeline, and permission records
// from external configuration storage. The core never writes these records
// back: it holds read-only working copies replaced wholesale on reload.
package configsource

import (
	"context"

	"github.com/synapse-iot/synapse/pkg/models"
)

// Bundle is one consistent set of configuration records.
type Bundle struct {
	Services    []models.ServiceConfig `yaml:"services"`
	Pipelines   []models.Pipeline      `yaml:"pipelines"`
	Permissions []models.Permission    `yaml:"permissions"`
}

// Source is a configuration provider. Load returns a complete bundle; the
// caller swaps registry, pipeline set, and permission snapshot atomically.
type Source interface {
	Load(ctx context.Context) (*Bundle, error)
	Close() error
}
