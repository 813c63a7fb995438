// Package history keeps recent per-device activity: telemetry readings and
// recorded inference outcomes. The engine's event intake appends each
// incoming reading, record-result actions append inference outcomes, and
// request assembly reads entries back as context.
package history

import (
	"context"

	"github.com/synapse-iot/synapse/pkg/models"
)

// Recorder is the per-device history store.
type Recorder interface {
	// Append adds one entry to a device's history, evicting the oldest
	// entry once the configured size is exceeded.
	Append(ctx context.Context, deviceID string, entry models.HistoryEntry) error

	// Recent returns up to n entries for a device, newest first.
	Recent(ctx context.Context, deviceID string, n int) ([]models.HistoryEntry, error)

	// Close releases any held resources.
	Close() error
}
