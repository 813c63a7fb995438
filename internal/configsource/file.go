package configsource

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource reads the bundle from a single YAML document:
//
//	services:
//	  - id: svc-openai
//	    kind: openai
//	    endpoint: https://api.openai.com/v1
//	    api_key: sk-...
//	    enabled: true
//	pipelines:
//	  - id: p1
//	    trigger: {kind: sensor_event, devices: [sensorA], condition: "value > 25"}
//	    ...
//	permissions:
//	  - {pipeline_id: p1, device_id: pumpA, actions: [actuator_command], min_confidence: 0.8}
type FileSource struct {
	path string
}

// NewFileSource creates a YAML-backed source. The file is re-read on every
// Load, so edits take effect on the next reload signal.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Load(ctx context.Context) (*Bundle, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", s.path, err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", s.path, err)
	}
	return &b, nil
}

func (s *FileSource) Close() error { return nil }
