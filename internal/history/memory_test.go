package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/synapse-iot/synapse/pkg/models"
)

func TestMemoryRecorderNewestFirst(t *testing.T) {
	r := NewMemoryRecorder(10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := r.Append(ctx, "devA", models.HistoryEntry{
			Kind:      "reading",
			Value:     float64(i),
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := r.Recent(ctx, "devA", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Value != 2 || got[1].Value != 1 {
		t.Errorf("order = %v, %v; want newest first", got[0].Value, got[1].Value)
	}
}

func TestMemoryRecorderEvictsOldest(t *testing.T) {
	r := NewMemoryRecorder(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.Append(ctx, "devA", models.HistoryEntry{Kind: "reading", Value: float64(i)})
	}

	got, _ := r.Recent(ctx, "devA", 10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[len(got)-1].Value != 2 {
		t.Errorf("oldest surviving entry = %v, want 2", got[len(got)-1].Value)
	}
}

func TestMemoryRecorderIsolatesDevices(t *testing.T) {
	r := NewMemoryRecorder(10)
	ctx := context.Background()

	r.Append(ctx, "devA", models.HistoryEntry{Kind: "reading", Value: 1})
	r.Append(ctx, "devB", models.HistoryEntry{Kind: "reading", Value: 2})

	a, _ := r.Recent(ctx, "devA", 10)
	if len(a) != 1 || a[0].Value != 1 {
		t.Errorf("devA history = %+v", a)
	}
	empty, _ := r.Recent(ctx, "devC", 10)
	if len(empty) != 0 {
		t.Errorf("unknown device should have empty history, got %d entries", len(empty))
	}
}

func TestMemoryRecorderConcurrentAppend(t *testing.T) {
	r := NewMemoryRecorder(100)
	ctx := context.Background()
	done := make(chan struct{})

	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 25; i++ {
				r.Append(ctx, fmt.Sprintf("dev%d", g), models.HistoryEntry{Kind: "reading", Value: float64(i)})
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	for g := 0; g < 4; g++ {
		got, _ := r.Recent(ctx, fmt.Sprintf("dev%d", g), 100)
		if len(got) != 25 {
			t.Errorf("dev%d has %d entries, want 25", g, len(got))
		}
	}
}
