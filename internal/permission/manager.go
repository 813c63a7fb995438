// Package permission implements the confidence-gated authorization model
// for pipeline actions. The relation (pipeline, device) → grant is
// default-deny: no record means no gated action, ever. Gated actions drive
// physical hardware, so an unevaluable check always denies.
package permission

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/synapse-iot/synapse/pkg/models"
)

type key struct {
	pipelineID string
	deviceID   string
}

// Decision is the outcome of a permission check. Denials are normal,
// logged outcomes, not errors.
type Decision struct {
	Allowed bool
	Reason  string
}

// Manager holds the permission relation. Checks are lock-free reads
// against an immutable snapshot; Grant/Revoke/Load copy-on-write and swap.
type Manager struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[map[key]models.Permission]
}

// NewManager creates an empty (deny-everything) manager.
func NewManager() *Manager {
	m := &Manager{}
	empty := map[key]models.Permission{}
	m.snap.Store(&empty)
	return m
}

// Load replaces the whole relation with records from the configuration
// source. Atomic from any reader's viewpoint.
func (m *Manager) Load(records []models.Permission) {
	next := make(map[key]models.Permission, len(records))
	for _, p := range records {
		next[key{p.PipelineID, p.DeviceID}] = p
	}
	m.mu.Lock()
	m.snap.Store(&next)
	m.mu.Unlock()
	log.Info().Int("grants", len(next)).Msg("Permission relation loaded")
}

// Check authorizes one action. Allow requires a grant for the
// (pipeline, device) pair whose allowed set contains the action kind and,
// for gated kinds, whose minimum confidence is met. Anything else,
// including a missing record, is a deny.
func (m *Manager) Check(pipelineID, deviceID string, kind models.ActionKind, confidence float64) Decision {
	grant, ok := (*m.snap.Load())[key{pipelineID, deviceID}]
	if !ok {
		return Decision{Reason: "no grant for pipeline/device pair"}
	}
	if !grant.Allows(kind) {
		return Decision{Reason: "action kind not in allowed set"}
	}
	if kind.Gated() && confidence < grant.MinConfidence {
		return Decision{Reason: "confidence below grant minimum"}
	}
	return Decision{Allowed: true}
}

// Grant creates or overwrites the grant for a (pipeline, device) pair.
// Granting twice simply overwrites the previous grant.
func (m *Manager) Grant(pipelineID, deviceID string, actions []models.ActionKind, minConfidence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := *m.snap.Load()
	next := make(map[key]models.Permission, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key{pipelineID, deviceID}] = models.Permission{
		PipelineID:    pipelineID,
		DeviceID:      deviceID,
		Actions:       actions,
		MinConfidence: minConfidence,
		GrantedAt:     time.Now().UTC(),
	}
	m.snap.Store(&next)

	log.Info().
		Str("pipeline", pipelineID).
		Str("device", deviceID).
		Float64("min_confidence", minConfidence).
		Msg("Permission granted")
}

// Revoke removes the grant for a pair. Revoking a non-existent grant is a
// no-op, not an error.
func (m *Manager) Revoke(pipelineID, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := *m.snap.Load()
	k := key{pipelineID, deviceID}
	if _, ok := cur[k]; !ok {
		return
	}
	next := make(map[key]models.Permission, len(cur))
	for kk, v := range cur {
		if kk != k {
			next[kk] = v
		}
	}
	m.snap.Store(&next)

	log.Info().Str("pipeline", pipelineID).Str("device", deviceID).Msg("Permission revoked")
}

// List returns every active grant.
func (m *Manager) List() []models.Permission {
	cur := *m.snap.Load()
	out := make([]models.Permission, 0, len(cur))
	for _, p := range cur {
		out = append(out, p)
	}
	return out
}
