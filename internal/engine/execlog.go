package engine

import (
	"sync"

	"github.com/synapse-iot/synapse/pkg/models"
)

// execLog keeps the most recent execution records in memory for the admin
// surface. It is a bounded ring; the durable record of executions lives in
// the result sink.
type execLog struct {
	mu   sync.RWMutex
	size int
	recs []*models.ExecutionRecord
}

func newExecLog(size int) *execLog {
	if size <= 0 {
		size = 200
	}
	return &execLog{size: size}
}

func (l *execLog) add(rec *models.ExecutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	if len(l.recs) > l.size {
		l.recs = l.recs[len(l.recs)-l.size:]
	}
}

// recent returns up to n records, newest first.
func (l *execLog) recent(n int) []*models.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.recs) {
		n = len(l.recs)
	}
	out := make([]*models.ExecutionRecord, 0, n)
	for i := len(l.recs) - 1; i >= len(l.recs)-n; i-- {
		out = append(out, l.recs[i])
	}
	return out
}
