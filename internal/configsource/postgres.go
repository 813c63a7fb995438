package configsource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/synapse-iot/synapse/pkg/models"
)

// PostgresSource reads the bundle from the management database. The
// management API owns the schema; this source only reads.
//
// Expected tables:
//
//	services(id text, kind text, endpoint text, api_key text, model text,
//	         enabled bool, extra jsonb)
//	pipelines(id text, name text, enabled bool, definition jsonb)
//	permissions(pipeline_id text, device_id text, actions jsonb,
//	            min_confidence float8, granted_at timestamptz)
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects to the management database and verifies
// reachability.
func NewPostgresSource(ctx context.Context, url string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to config database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping config database: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

func (s *PostgresSource) Load(ctx context.Context) (*Bundle, error) {
	b := &Bundle{}

	services, err := s.loadServices(ctx)
	if err != nil {
		return nil, err
	}
	b.Services = services

	pipelines, err := s.loadPipelines(ctx)
	if err != nil {
		return nil, err
	}
	b.Pipelines = pipelines

	permissions, err := s.loadPermissions(ctx)
	if err != nil {
		return nil, err
	}
	b.Permissions = permissions

	return b, nil
}

func (s *PostgresSource) loadServices(ctx context.Context) ([]models.ServiceConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, endpoint, COALESCE(api_key, ''), COALESCE(model, ''), enabled, COALESCE(extra, '{}'::jsonb)
		 FROM services ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()

	var out []models.ServiceConfig
	for rows.Next() {
		var cfg models.ServiceConfig
		var extra []byte
		if err := rows.Scan(&cfg.ID, &cfg.Kind, &cfg.Endpoint, &cfg.APIKey, &cfg.Model, &cfg.Enabled, &extra); err != nil {
			return nil, fmt.Errorf("scan service row: %w", err)
		}
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &cfg.Extra); err != nil {
				return nil, fmt.Errorf("decode extra for service %s: %w", cfg.ID, err)
			}
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *PostgresSource) loadPipelines(ctx context.Context) ([]models.Pipeline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, enabled, definition FROM pipelines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query pipelines: %w", err)
	}
	defer rows.Close()

	var out []models.Pipeline
	for rows.Next() {
		var (
			id, name string
			enabled  bool
			def      []byte
		)
		if err := rows.Scan(&id, &name, &enabled, &def); err != nil {
			return nil, fmt.Errorf("scan pipeline row: %w", err)
		}
		var p models.Pipeline
		if err := json.Unmarshal(def, &p); err != nil {
			return nil, fmt.Errorf("decode pipeline %s: %w", id, err)
		}
		p.ID = id
		p.Name = name
		p.Enabled = enabled
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresSource) loadPermissions(ctx context.Context) ([]models.Permission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pipeline_id, device_id, actions, min_confidence, granted_at
		 FROM permissions ORDER BY pipeline_id, device_id`)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var out []models.Permission
	for rows.Next() {
		var p models.Permission
		var actions []byte
		if err := rows.Scan(&p.PipelineID, &p.DeviceID, &actions, &p.MinConfidence, &p.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}
		if err := json.Unmarshal(actions, &p.Actions); err != nil {
			return nil, fmt.Errorf("decode actions for %s/%s: %w", p.PipelineID, p.DeviceID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}
