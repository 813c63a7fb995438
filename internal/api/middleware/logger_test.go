package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestLoggerIncludesRequestID(t *testing.T) {
	buf := captureLogs(t)

	h := chimw.RequestID(Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("short"))
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/permissions", nil))

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not JSON: %v: %s", err, buf.String())
	}
	if id, _ := line["request_id"].(string); id == "" {
		t.Errorf("request_id missing: %v", line)
	}
	if line["status"] != float64(http.StatusCreated) {
		t.Errorf("status = %v", line["status"])
	}
	if line["bytes"] != float64(5) {
		t.Errorf("bytes = %v", line["bytes"])
	}
	if line["path"] != "/api/v1/permissions" {
		t.Errorf("path = %v", line["path"])
	}
}

func TestLoggerLevelTracksStatus(t *testing.T) {
	cases := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "info"},
		{http.StatusNotFound, "warn"},
		{http.StatusBadGateway, "error"},
	}
	for _, tc := range cases {
		buf := captureLogs(t)
		h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

		if !strings.Contains(buf.String(), `"level":"`+tc.level+`"`) {
			t.Errorf("status %d: level %s not found in %s", tc.status, tc.level, buf.String())
		}
	}
}
