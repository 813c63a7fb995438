package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/synapse-iot/synapse/internal/config"
)

func TestShutdownUnwindsReverseOrder(t *testing.T) {
	srv := &Server{}
	var order []string
	for _, name := range []string{"telemetry", "source", "registry"} {
		n := name
		srv.onShutdown(func(context.Context) error {
			order = append(order, n)
			return nil
		})
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"registry", "source", "telemetry"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestNewWithConfigUnwindsOnInitFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synapse.yaml")
	if err := os.WriteFile(path, []byte("services: []\npipelines: []\npermissions: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	// The history backend fails after telemetry, the source, and the
	// registry have already registered shutdown funcs; initialization must
	// unwind them and surface the error.
	cfg := &config.Config{
		Source:  config.SourceConfig{Kind: "file", FilePath: path},
		History: config.HistoryConfig{Kind: "bogus"},
	}
	srv, err := NewWithConfig(context.Background(), cfg)
	if err == nil {
		t.Fatal("unknown history backend must fail initialization")
	}
	if srv != nil {
		t.Errorf("failed initialization must not return a server: %+v", srv)
	}
}
