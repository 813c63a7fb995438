package configsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/synapse-iot/synapse/pkg/models"
)

const sampleYAML = `
services:
  - id: svc-openai
    kind: openai
    endpoint: https://api.openai.com/v1
    api_key: sk-test
    model: gpt-4o-mini
    enabled: true
  - id: svc-local
    kind: rest
    endpoint: http://localhost:9000/predict
    enabled: true
    extra:
      request_template: '{"input":"${prompt}"}'
      response_path: prediction.label
      confidence_path: prediction.score

pipelines:
  - id: p-temp
    name: Temperature watch
    enabled: true
    trigger:
      kind: sensor_event
      devices: [sensorA]
      reading_types: [temperature]
      condition: "value > 25"
    plugin_id: summarize
    service_id: svc-openai
    plugin_config:
      prompt: Describe the reading.
      max_tokens: 64
    actions:
      - kind: record_result
      - kind: actuator_command
        device: pumpA
        channel: power
        command: "on"
    permission:
      allow_actuators: true
      min_confidence: 0.8

permissions:
  - pipeline_id: p-temp
    device_id: pumpA
    actions: [actuator_command]
    min_confidence: 0.8
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synapse.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileSourceLoad(t *testing.T) {
	src := NewFileSource(writeConfig(t, sampleYAML))
	b, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(b.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(b.Services))
	}
	if b.Services[0].Kind != models.ServiceOpenAI || b.Services[0].APIKey != "sk-test" {
		t.Errorf("service[0] = %+v", b.Services[0])
	}
	if tmpl, _ := b.Services[1].Extra["request_template"].(string); tmpl == "" {
		t.Error("rest extra config not parsed")
	}

	if len(b.Pipelines) != 1 {
		t.Fatalf("pipelines = %d, want 1", len(b.Pipelines))
	}
	p := b.Pipelines[0]
	if p.Trigger.Kind != models.TriggerSensorEvent || p.Trigger.Condition != "value > 25" {
		t.Errorf("trigger = %+v", p.Trigger)
	}
	if len(p.Actions) != 2 || p.Actions[1].Kind != models.ActionActuatorCommand {
		t.Errorf("actions = %+v", p.Actions)
	}
	if !p.Permission.AllowActuators || p.Permission.MinConfidence != 0.8 {
		t.Errorf("permission block = %+v", p.Permission)
	}

	if len(b.Permissions) != 1 || b.Permissions[0].DeviceID != "pumpA" {
		t.Errorf("permissions = %+v", b.Permissions)
	}
}

func TestFileSourceRereadsOnLoad(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	src := NewFileSource(path)

	if _, err := src.Load(context.Background()); err != nil {
		t.Fatalf("first Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("services: []\npipelines: []\npermissions: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if len(b.Services) != 0 || len(b.Pipelines) != 0 {
		t.Error("Load did not pick up the rewritten file")
	}
}

func TestFileSourceErrors(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := src.Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}

	src = NewFileSource(writeConfig(t, "services: [not: {valid"))
	if _, err := src.Load(context.Background()); err == nil {
		t.Error("expected error for malformed YAML")
	}
}
