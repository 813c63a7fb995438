package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/synapse-iot/synapse/internal/engine"
	"github.com/synapse-iot/synapse/pkg/models"
)

// Sinks publishes engine emissions onto NATS subjects. It satisfies all
// three engine sink interfaces.
type Sinks struct {
	bus *Bus
}

// NewSinks wraps a connected bus as the engine's outbound sinks.
func NewSinks(bus *Bus) engine.Sinks {
	s := &Sinks{bus: bus}
	return engine.Sinks{Actuator: s, Results: s, Alerts: s}
}

type actuatorMessage struct {
	DeviceID string    `json:"device_id"`
	Channel  string    `json:"channel"`
	Command  string    `json:"command"`
	IssuedAt time.Time `json:"issued_at"`
}

type resultMessage struct {
	PipelineID string                  `json:"pipeline_id"`
	Result     *models.InferenceResult `json:"result"`
	EmittedAt  time.Time               `json:"emitted_at"`
}

type alertMessage struct {
	PipelineID string    `json:"pipeline_id"`
	Target     string    `json:"target"`
	Message    string    `json:"message"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Command publishes an actuator command. Success means the message was
// handed to NATS, not that a device acted on it.
func (s *Sinks) Command(_ context.Context, deviceID, channel, command string) error {
	return s.publish(s.bus.cfg.ActuatorSubject+"."+deviceID, actuatorMessage{
		DeviceID: deviceID,
		Channel:  channel,
		Command:  command,
		IssuedAt: time.Now().UTC(),
	})
}

func (s *Sinks) Store(_ context.Context, pipelineID string, res *models.InferenceResult) error {
	return s.publish(s.bus.cfg.ResultSubject+".stored."+pipelineID, resultMessage{
		PipelineID: pipelineID,
		Result:     res,
		EmittedAt:  time.Now().UTC(),
	})
}

func (s *Sinks) Broadcast(_ context.Context, pipelineID string, res *models.InferenceResult) error {
	return s.publish(s.bus.cfg.ResultSubject+".broadcast."+pipelineID, resultMessage{
		PipelineID: pipelineID,
		Result:     res,
		EmittedAt:  time.Now().UTC(),
	})
}

func (s *Sinks) Report(_ context.Context, rec *models.ExecutionRecord) error {
	return s.publish(s.bus.cfg.ResultSubject+".executions", rec)
}

func (s *Sinks) Alert(_ context.Context, pipelineID, target, message string) error {
	return s.publish(s.bus.cfg.AlertSubject, alertMessage{
		PipelineID: pipelineID,
		Target:     target,
		Message:    message,
		EmittedAt:  time.Now().UTC(),
	})
}

func (s *Sinks) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.bus.conn.Publish(subject, data)
}
