package history

import (
	"context"
	"sync"

	"github.com/synapse-iot/synapse/pkg/models"
)

// MemoryRecorder keeps per-device ring buffers in process memory. This is
// the default backend; it loses history on restart. History is advisory
// context, not a system of record.
type MemoryRecorder struct {
	mu      sync.RWMutex
	size    int
	devices map[string][]models.HistoryEntry
}

// NewMemoryRecorder creates a recorder keeping up to size entries per device.
func NewMemoryRecorder(size int) *MemoryRecorder {
	if size <= 0 {
		size = 50
	}
	return &MemoryRecorder{
		size:    size,
		devices: make(map[string][]models.HistoryEntry),
	}
}

func (r *MemoryRecorder) Append(ctx context.Context, deviceID string, entry models.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := append(r.devices[deviceID], entry)
	if len(buf) > r.size {
		buf = buf[len(buf)-r.size:]
	}
	r.devices[deviceID] = buf
	return nil
}

func (r *MemoryRecorder) Recent(ctx context.Context, deviceID string, n int) ([]models.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	buf := r.devices[deviceID]
	if n > len(buf) {
		n = len(buf)
	}
	out := make([]models.HistoryEntry, 0, n)
	for i := len(buf) - 1; i >= len(buf)-n; i-- {
		out = append(out, buf[i])
	}
	return out, nil
}

func (r *MemoryRecorder) Close() error { return nil }
