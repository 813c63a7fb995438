package permission

import (
	"testing"

	"github.com/synapse-iot/synapse/pkg/models"
)

func TestDefaultDeny(t *testing.T) {
	m := NewManager()
	d := m.Check("p1", "devA", models.ActionActuatorCommand, 1.0)
	if d.Allowed {
		t.Error("empty relation must deny everything")
	}
	if d.Reason == "" {
		t.Error("denial should carry a reason")
	}
}

func TestGrantAndCheck(t *testing.T) {
	m := NewManager()
	m.Grant("p1", "devA", []models.ActionKind{models.ActionActuatorCommand}, 0.8)

	if d := m.Check("p1", "devA", models.ActionActuatorCommand, 0.9); !d.Allowed {
		t.Errorf("confidence above threshold denied: %s", d.Reason)
	}
	if d := m.Check("p1", "devA", models.ActionActuatorCommand, 0.79); d.Allowed {
		t.Error("confidence below threshold allowed")
	}
	// Exactly at the threshold passes.
	if d := m.Check("p1", "devA", models.ActionActuatorCommand, 0.8); !d.Allowed {
		t.Errorf("confidence at threshold denied: %s", d.Reason)
	}
}

func TestCheckScopedToPair(t *testing.T) {
	m := NewManager()
	m.Grant("p1", "devA", []models.ActionKind{models.ActionActuatorCommand}, 0.5)

	if d := m.Check("p1", "devB", models.ActionActuatorCommand, 1.0); d.Allowed {
		t.Error("grant leaked to a different device")
	}
	if d := m.Check("p2", "devA", models.ActionActuatorCommand, 1.0); d.Allowed {
		t.Error("grant leaked to a different pipeline")
	}
}

func TestActionKindMustBeInSet(t *testing.T) {
	m := NewManager()
	m.Grant("p1", "devA", []models.ActionKind{models.ActionBroadcast}, 0)

	if d := m.Check("p1", "devA", models.ActionActuatorCommand, 1.0); d.Allowed {
		t.Error("kind outside the allowed set must deny")
	}
}

func TestGrantOverwrites(t *testing.T) {
	m := NewManager()
	m.Grant("p1", "devA", []models.ActionKind{models.ActionActuatorCommand}, 0.9)
	m.Grant("p1", "devA", []models.ActionKind{models.ActionActuatorCommand}, 0.5)

	if d := m.Check("p1", "devA", models.ActionActuatorCommand, 0.6); !d.Allowed {
		t.Errorf("second grant should have lowered the threshold: %s", d.Reason)
	}
	if got := len(m.List()); got != 1 {
		t.Errorf("List() has %d grants, want 1", got)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	m := NewManager()
	m.Grant("p1", "devA", []models.ActionKind{models.ActionActuatorCommand}, 0.5)
	m.Revoke("p1", "devA")
	m.Revoke("p1", "devA") // second revoke is a no-op

	if d := m.Check("p1", "devA", models.ActionActuatorCommand, 1.0); d.Allowed {
		t.Error("revoked grant still allows")
	}
	if got := len(m.List()); got != 0 {
		t.Errorf("List() has %d grants after revoke, want 0", got)
	}
}

func TestLoadReplacesRelation(t *testing.T) {
	m := NewManager()
	m.Grant("old", "devA", []models.ActionKind{models.ActionActuatorCommand}, 0.5)

	m.Load([]models.Permission{
		{PipelineID: "p1", DeviceID: "devA", Actions: []models.ActionKind{models.ActionActuatorCommand}, MinConfidence: 0.7},
	})

	if d := m.Check("old", "devA", models.ActionActuatorCommand, 1.0); d.Allowed {
		t.Error("Load should drop grants not in the new relation")
	}
	if d := m.Check("p1", "devA", models.ActionActuatorCommand, 0.75); !d.Allowed {
		t.Errorf("loaded grant denied: %s", d.Reason)
	}
}

func TestUngatedKindIgnoresConfidence(t *testing.T) {
	m := NewManager()
	m.Grant("p1", "devA", []models.ActionKind{models.ActionBroadcast}, 0.99)

	if d := m.Check("p1", "devA", models.ActionBroadcast, 0.1); !d.Allowed {
		t.Errorf("ungated kind should not be confidence-gated: %s", d.Reason)
	}
}
