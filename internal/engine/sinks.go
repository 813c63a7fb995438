package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/synapse-iot/synapse/pkg/models"
)

// ActuatorSink delivers commands toward physical devices. Emission success
// means "accepted for delivery", not "device executed"; the core does not
// wait for physical confirmation.
type ActuatorSink interface {
	Command(ctx context.Context, deviceID, channel, command string) error
}

// ResultSink receives inference outcomes. Store persists a result
// (record-result action), Broadcast publishes it to subscribers, and
// Report carries the execution record for every run, failures included,
// so nothing fails silently.
type ResultSink interface {
	Store(ctx context.Context, pipelineID string, res *models.InferenceResult) error
	Broadcast(ctx context.Context, pipelineID string, res *models.InferenceResult) error
	Report(ctx context.Context, rec *models.ExecutionRecord) error
}

// AlertSink delivers alert notifications.
type AlertSink interface {
	Alert(ctx context.Context, pipelineID, target, message string) error
}

// Sinks bundles the engine's outbound collaborators.
type Sinks struct {
	Actuator ActuatorSink
	Results  ResultSink
	Alerts   AlertSink
}

// LogSinks writes every emission to the structured log. It is the default
// when no event bus is configured, and doubles as a test collaborator.
type LogSinks struct{}

func (LogSinks) Command(ctx context.Context, deviceID, channel, command string) error {
	log.Info().Str("device", deviceID).Str("channel", channel).Str("command", command).Msg("Actuator command")
	return nil
}

func (LogSinks) Store(ctx context.Context, pipelineID string, res *models.InferenceResult) error {
	log.Info().Str("pipeline", pipelineID).Float64("confidence", res.Confidence).Msg("Result stored")
	return nil
}

func (LogSinks) Broadcast(ctx context.Context, pipelineID string, res *models.InferenceResult) error {
	log.Info().Str("pipeline", pipelineID).Msg("Result broadcast")
	return nil
}

func (LogSinks) Report(ctx context.Context, rec *models.ExecutionRecord) error {
	evt := log.Info()
	if rec.Status == models.ExecutionFailed {
		evt = log.Warn()
	}
	evt.Str("pipeline", rec.PipelineID).
		Str("execution", rec.ID).
		Str("status", string(rec.Status)).
		Str("fault", rec.FaultKind).
		Msg("Execution reported")
	return nil
}

// NewLogSinks returns a Sinks bundle backed entirely by the log.
func NewLogSinks() Sinks {
	s := LogSinks{}
	return Sinks{Actuator: s, Results: s, Alerts: s}
}

func (LogSinks) Alert(ctx context.Context, pipelineID, target, message string) error {
	log.Info().Str("pipeline", pipelineID).Str("target", target).Str("message", message).Msg("Alert")
	return nil
}
