// Package eventbus connects the orchestration core to NATS. Telemetry
// events arrive on a subscribed subject; actuator commands, results, and
// alerts are published back out for downstream consumers.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/synapse-iot/synapse/internal/config"
	"github.com/synapse-iot/synapse/pkg/models"
)

// Submitter is the slice of the engine the bus feeds events into.
type Submitter interface {
	Submit(ev models.TelemetryEvent) error
}

// Bus owns the NATS connection and the telemetry subscription.
type Bus struct {
	conn *nats.Conn
	cfg  config.BusConfig
	sub  *nats.Subscription
}

// Connect dials NATS with reconnect handling. The caller owns the returned
// bus and must Close it.
func Connect(cfg config.BusConfig) (*Bus, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("synapse-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", cfg.URL).Msg("Connected to NATS")
	return &Bus{conn: conn, cfg: cfg}, nil
}

// SubscribeTelemetry feeds decoded telemetry events into the engine.
// Messages that fail to decode are dropped with a warning; a malformed
// producer must not stall the subscription.
func (b *Bus) SubscribeTelemetry(engine Submitter) error {
	sub, err := b.conn.Subscribe(b.cfg.TelemetrySubject, func(msg *nats.Msg) {
		var ev models.TelemetryEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Str("subject", msg.Subject).Err(err).Msg("Malformed telemetry message dropped")
			return
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if err := engine.Submit(ev); err != nil {
			log.Warn().Str("device", ev.DeviceID).Err(err).Msg("Telemetry event rejected")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cfg.TelemetrySubject, err)
	}
	b.sub = sub
	log.Info().Str("subject", b.cfg.TelemetrySubject).Msg("Subscribed to telemetry")
	return nil
}

// Close drains the subscription and the connection so queued messages are
// handled before shutdown.
func (b *Bus) Close() {
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			log.Warn().Err(err).Msg("NATS subscription drain failed")
		}
	}
	if err := b.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS connection drain failed")
		b.conn.Close()
	}
}
