package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/synapse-iot/synapse/internal/adapter"
	"github.com/synapse-iot/synapse/internal/history"
	"github.com/synapse-iot/synapse/internal/permission"
	"github.com/synapse-iot/synapse/internal/registry"
	"github.com/synapse-iot/synapse/pkg/faults"
	"github.com/synapse-iot/synapse/pkg/models"
)

// stubAdapter returns a fixed result with a configurable confidence.
type stubAdapter struct {
	confidence float64
	err        error
}

func (s *stubAdapter) Initialize() error { return nil }
func (s *stubAdapter) SendRequest(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.InferenceResult{Text: "assessment", Model: "m", Confidence: s.confidence}, nil
}
func (s *stubAdapter) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (s *stubAdapter) TestConnection(ctx context.Context) error         { return nil }
func (s *stubAdapter) Shutdown() error                                  { return nil }

// captureSinks records every emission for assertions.
type captureSinks struct {
	mu       sync.Mutex
	commands []string
	stored   []string
	alerts   []string
	reports  []*models.ExecutionRecord
}

func (c *captureSinks) Command(_ context.Context, deviceID, channel, command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, deviceID+"/"+channel+"/"+command)
	return nil
}
func (c *captureSinks) Store(_ context.Context, pipelineID string, _ *models.InferenceResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = append(c.stored, pipelineID)
	return nil
}
func (c *captureSinks) Broadcast(_ context.Context, pipelineID string, _ *models.InferenceResult) error {
	return nil
}
func (c *captureSinks) Report(_ context.Context, rec *models.ExecutionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, rec)
	return nil
}
func (c *captureSinks) Alert(_ context.Context, pipelineID, target, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, pipelineID+"->"+target)
	return nil
}

func (c *captureSinks) snapshot() ([]string, []string, []*models.ExecutionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...), append([]string(nil), c.stored...), append([]*models.ExecutionRecord(nil), c.reports...)
}

func stubRegistry(adapters map[string]adapter.Adapter) *registry.Registry {
	reg := registry.New(func(cfg models.ServiceConfig) (adapter.Adapter, error) {
		return adapters[cfg.ID], nil
	})
	configs := make([]models.ServiceConfig, 0, len(adapters))
	for id := range adapters {
		configs = append(configs, models.ServiceConfig{ID: id, Kind: models.ServiceOpenAI, Endpoint: "http://x", APIKey: "k", Enabled: true})
	}
	reg.LoadAll(configs)
	return reg
}

func testEngine(t *testing.T, adapters map[string]adapter.Adapter, grants []models.Permission) (*Engine, *captureSinks) {
	t.Helper()
	perms := permission.NewManager()
	perms.Load(grants)
	caps := &captureSinks{}
	sinks := Sinks{Actuator: caps, Results: caps, Alerts: caps}
	eng := New(stubRegistry(adapters), perms, history.NewMemoryRecorder(10), sinks, Options{Workers: 2}, nil)
	return eng, caps
}

func tempPipeline() models.Pipeline {
	return models.Pipeline{
		ID:      "p-temp",
		Name:    "Temperature watch",
		Enabled: true,
		Trigger: models.Trigger{
			Kind:         models.TriggerSensorEvent,
			Devices:      []string{"sensorA"},
			ReadingTypes: []string{"temperature"},
			Condition:    "value > 25",
		},
		PluginID:  "summarize",
		ServiceID: "svc",
		Actions: []models.Action{
			{Kind: models.ActionRecordResult},
			{Kind: models.ActionActuatorCommand, Device: "pumpA", Channel: "power", Command: "on"},
		},
		Permission: models.PipelinePermission{AllowActuators: true, MinConfidence: 0.8},
	}
}

func pumpGrant() models.Permission {
	return models.Permission{
		PipelineID:    "p-temp",
		DeviceID:      "pumpA",
		Actions:       []models.ActionKind{models.ActionActuatorCommand},
		MinConfidence: 0.8,
	}
}

func tempEvent(value float64) models.TelemetryEvent {
	return models.TelemetryEvent{
		DeviceID: "sensorA", Channel: "main", ReadingType: "temperature",
		Value: value, Timestamp: time.Now().UTC(),
	}
}

func TestExecuteHighConfidenceRunsBothActions(t *testing.T) {
	eng, caps := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.9}},
		[]models.Permission{pumpGrant()})
	eng.LoadPipelines([]models.Pipeline{tempPipeline()})

	ev := tempEvent(30)
	rec := eng.execute(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)

	if rec.Status != models.ExecutionCompleted {
		t.Fatalf("status = %s, cause = %s", rec.Status, rec.Cause)
	}
	if len(rec.Actions) != 2 {
		t.Fatalf("actions = %+v", rec.Actions)
	}
	if rec.Actions[0].Status != "done" || rec.Actions[1].Status != "done" {
		t.Errorf("action outcomes = %+v", rec.Actions)
	}

	commands, stored, reports := caps.snapshot()
	if len(commands) != 1 || commands[0] != "pumpA/power/on" {
		t.Errorf("commands = %v", commands)
	}
	if len(stored) != 1 {
		t.Errorf("stored = %v", stored)
	}
	if len(reports) != 1 {
		t.Errorf("reports = %v", reports)
	}
}

func TestExecuteLowConfidenceDeniesActuatorOnly(t *testing.T) {
	eng, caps := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.5}},
		[]models.Permission{pumpGrant()})
	eng.LoadPipelines([]models.Pipeline{tempPipeline()})

	ev := tempEvent(30)
	rec := eng.execute(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)

	// A denial is a normal outcome; the execution still completes.
	if rec.Status != models.ExecutionCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.Actions[0].Status != "done" {
		t.Errorf("record_result should not be gated: %+v", rec.Actions[0])
	}
	if rec.Actions[1].Status != "denied" {
		t.Errorf("actuator_command should be denied at 0.5: %+v", rec.Actions[1])
	}

	commands, stored, _ := caps.snapshot()
	if len(commands) != 0 {
		t.Errorf("denied command still emitted: %v", commands)
	}
	if len(stored) != 1 {
		t.Errorf("stored = %v", stored)
	}
}

func TestDenialDoesNotBlockLaterActions(t *testing.T) {
	p := tempPipeline()
	p.Actions = []models.Action{
		{Kind: models.ActionActuatorCommand, Device: "pumpA", Channel: "power", Command: "on"},
		{Kind: models.ActionRecordResult},
		{Kind: models.ActionBroadcast},
	}
	eng, caps := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.5}},
		[]models.Permission{pumpGrant()})
	eng.LoadPipelines([]models.Pipeline{p})

	ev := tempEvent(30)
	rec := eng.execute(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)

	if rec.Status != models.ExecutionCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
	if len(rec.Actions) != 3 {
		t.Fatalf("all actions must be attempted: %+v", rec.Actions)
	}
	if rec.Actions[0].Status != "denied" {
		t.Errorf("first action should be denied: %+v", rec.Actions[0])
	}
	if rec.Actions[1].Status != "done" || rec.Actions[2].Status != "done" {
		t.Errorf("actions after a denial must still run: %+v", rec.Actions[1:])
	}

	if _, stored, _ := caps.snapshot(); len(stored) != 1 {
		t.Errorf("stored = %v", stored)
	}
}

func TestExecuteNoGrantDenies(t *testing.T) {
	eng, caps := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 1.0}},
		nil)
	eng.LoadPipelines([]models.Pipeline{tempPipeline()})

	ev := tempEvent(30)
	rec := eng.execute(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)

	if rec.Actions[1].Status != "denied" {
		t.Errorf("missing grant must deny: %+v", rec.Actions[1])
	}
	if commands, _, _ := caps.snapshot(); len(commands) != 0 {
		t.Errorf("commands = %v", commands)
	}
}

func TestExecutePipelineDisallowsActuators(t *testing.T) {
	p := tempPipeline()
	p.Permission.AllowActuators = false
	eng, caps := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 1.0}},
		[]models.Permission{pumpGrant()})
	eng.LoadPipelines([]models.Pipeline{p})

	ev := tempEvent(30)
	rec := eng.execute(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)

	if rec.Actions[1].Status != "denied" {
		t.Errorf("pipeline-level block must deny even with a grant: %+v", rec.Actions[1])
	}
	if commands, _, _ := caps.snapshot(); len(commands) != 0 {
		t.Errorf("commands = %v", commands)
	}
}

func TestExecuteUnknownServiceFailsIsolated(t *testing.T) {
	p := tempPipeline()
	p.ServiceID = "nope"
	eng, caps := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 1.0}},
		[]models.Permission{pumpGrant()})
	eng.LoadPipelines([]models.Pipeline{p})

	ev := tempEvent(30)
	rec := eng.execute(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)

	if rec.Status != models.ExecutionFailed {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.FaultKind != string(faults.ServiceNotFound) {
		t.Errorf("fault = %q", rec.FaultKind)
	}
	if len(rec.Actions) != 0 {
		t.Errorf("no action should run after a failed inference: %+v", rec.Actions)
	}

	// Failure still reported, never silent.
	if _, _, reports := caps.snapshot(); len(reports) != 1 {
		t.Errorf("reports = %v", reports)
	}
}

func TestExecuteBackendFailure(t *testing.T) {
	eng, _ := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{err: faults.New(faults.BackendUnreachable, "openai.send", "dial refused")}},
		nil)
	eng.LoadPipelines([]models.Pipeline{tempPipeline()})

	ev := tempEvent(30)
	rec := eng.execute(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)

	if rec.Status != models.ExecutionFailed || rec.FaultKind != string(faults.BackendUnreachable) {
		t.Errorf("record = %+v", rec)
	}
}

func TestAlertRequiresCapability(t *testing.T) {
	p := tempPipeline()
	p.Actions = []models.Action{{Kind: models.ActionAlert, Target: "ops", Message: "check sensorA"}}
	p.Permission.AllowAlerts = false
	eng, caps := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 1.0}}, nil)
	eng.LoadPipelines([]models.Pipeline{p})

	ev := tempEvent(30)
	rec := eng.execute(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)
	if rec.Actions[0].Status != "denied" {
		t.Errorf("alert without capability should be denied: %+v", rec.Actions[0])
	}

	p.Permission.AllowAlerts = true
	eng.LoadPipelines([]models.Pipeline{p})
	rec = eng.execute(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)
	if rec.Actions[0].Status != "done" {
		t.Errorf("alert with capability should run: %+v", rec.Actions[0])
	}

	caps.mu.Lock()
	defer caps.mu.Unlock()
	if len(caps.alerts) != 1 || caps.alerts[0] != "p-temp->ops" {
		t.Errorf("alerts = %v", caps.alerts)
	}
}

func TestSubmitFanOut(t *testing.T) {
	p2 := tempPipeline()
	p2.ID = "p-temp-2"
	p2.Actions = []models.Action{{Kind: models.ActionRecordResult}}

	eng, caps := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.9}},
		[]models.Permission{pumpGrant()})
	eng.LoadPipelines([]models.Pipeline{tempPipeline(), p2})
	eng.Start()
	defer eng.Shutdown(context.Background())

	if err := eng.Submit(tempEvent(30)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		_, _, reports := caps.snapshot()
		if len(reports) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 2 executions, got %d", len(reports))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubmitNonMatchingEventRunsNothing(t *testing.T) {
	eng, caps := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.9}},
		[]models.Permission{pumpGrant()})
	eng.LoadPipelines([]models.Pipeline{tempPipeline()})
	eng.Start()
	defer eng.Shutdown(context.Background())

	if err := eng.Submit(tempEvent(20)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, _, reports := caps.snapshot(); len(reports) != 0 {
		t.Errorf("value 20 should not match value > 25; reports = %v", reports)
	}
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	eng, _ := testEngine(t, map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.9}}, nil)
	eng.LoadPipelines([]models.Pipeline{tempPipeline()})
	eng.Start()

	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := eng.Submit(tempEvent(30)); err == nil {
		t.Error("Submit after shutdown must fail")
	}
	// Second shutdown is a no-op.
	if err := eng.Shutdown(context.Background()); err != nil {
		t.Errorf("repeated Shutdown: %v", err)
	}
}

func TestRunPipelineManual(t *testing.T) {
	p := tempPipeline()
	p.Trigger = models.Trigger{Kind: models.TriggerManual}
	p.Actions = []models.Action{{Kind: models.ActionRecordResult}}

	eng, _ := testEngine(t, map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.9}}, nil)
	eng.LoadPipelines([]models.Pipeline{p})

	rec, err := eng.RunPipeline(context.Background(), "p-temp", map[string]interface{}{"reason": "operator check"})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if rec.Status != models.ExecutionCompleted {
		t.Errorf("status = %s", rec.Status)
	}

	if _, err := eng.RunPipeline(context.Background(), "missing", nil); err == nil {
		t.Error("unknown pipeline must fail")
	}
}

func TestLoadPipelinesExcludesInvalid(t *testing.T) {
	bad := tempPipeline()
	bad.ID = "p-bad"
	bad.Trigger.Condition = "value >"

	eng, caps := testEngine(t, map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.9}}, nil)
	eng.LoadPipelines([]models.Pipeline{tempPipeline(), bad})

	loaded := eng.Pipelines()
	if len(loaded) != 1 || loaded[0].ID != "p-temp" {
		t.Errorf("loaded = %+v", loaded)
	}

	// The excluded pipeline is reported as a config failure.
	_, _, reports := caps.snapshot()
	if len(reports) != 1 || reports[0].FaultKind != string(faults.ConfigInvalid) {
		t.Errorf("reports = %+v", reports)
	}
}

func TestDispatchRecordsDeviceReading(t *testing.T) {
	eng, _ := testEngine(t,
		map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.9}},
		[]models.Permission{pumpGrant()})
	hist := history.NewMemoryRecorder(10)
	eng.history = hist
	eng.LoadPipelines([]models.Pipeline{tempPipeline()})

	eng.dispatch(tempEvent(30))
	eng.execWG.Wait()

	entries, err := hist.Recent(context.Background(), "sensorA", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	var reading *models.HistoryEntry
	for i := range entries {
		if entries[i].Kind == "reading" {
			reading = &entries[i]
			break
		}
	}
	if reading == nil {
		t.Fatalf("no reading entry recorded: %+v", entries)
	}
	if reading.ReadingType != "temperature" || reading.Value != 30 {
		t.Errorf("reading = %+v", reading)
	}

	// The next execution on the same device sees it as recent context.
	ev := tempEvent(31)
	req := eng.buildRequest(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)
	recent, ok := req.Context["recent_history"].([]models.HistoryEntry)
	if !ok {
		t.Fatal("recent_history missing from context")
	}
	found := false
	for _, en := range recent {
		if en.Kind == "reading" && en.Value == 30 {
			found = true
		}
	}
	if !found {
		t.Errorf("recorded reading absent from recent_history: %+v", recent)
	}
}

func TestSubmitRejectedEventNotCounted(t *testing.T) {
	caps := &captureSinks{}
	eng := New(stubRegistry(nil), permission.NewManager(), history.NewMemoryRecorder(10),
		Sinks{Actuator: caps, Results: caps, Alerts: caps},
		Options{Workers: 1, QueueSize: 1}, prometheus.NewRegistry())
	// No workers started, so the queue fills after one event.

	if err := eng.Submit(tempEvent(30)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Submit(tempEvent(31)); err == nil {
		t.Fatal("full queue must reject")
	}
	if got := testutil.ToFloat64(eng.metrics.events); got != 1 {
		t.Errorf("accepted events counter = %v, want 1", got)
	}
}

func TestLoadPipelinesPrunesScheduleState(t *testing.T) {
	sched := tempPipeline()
	sched.ID = "p-sched"
	sched.Trigger = models.Trigger{Kind: models.TriggerSchedule, IntervalSecs: 60}

	eng, _ := testEngine(t, map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.9}}, nil)
	eng.LoadPipelines([]models.Pipeline{sched})

	eng.lastRunMu.Lock()
	eng.lastRun["p-sched"] = time.Now()
	eng.lastRunMu.Unlock()

	eng.LoadPipelines([]models.Pipeline{tempPipeline()})

	eng.lastRunMu.Lock()
	_, stale := eng.lastRun["p-sched"]
	eng.lastRunMu.Unlock()
	if stale {
		t.Error("schedule state for a removed pipeline must be pruned")
	}
}

func TestRecentExecutionsNewestFirst(t *testing.T) {
	eng, _ := testEngine(t, map[string]adapter.Adapter{"svc": &stubAdapter{confidence: 0.9}}, nil)
	p := tempPipeline()
	p.Actions = []models.Action{{Kind: models.ActionRecordResult}}
	eng.LoadPipelines([]models.Pipeline{p})

	for i := 0; i < 3; i++ {
		ev := tempEvent(30)
		eng.execute(context.Background(), eng.pipes.Load().byID["p-temp"], &ev, nil)
	}

	recs := eng.RecentExecutions(2)
	if len(recs) != 2 {
		t.Fatalf("len = %d", len(recs))
	}
	if recs[0].StartedAt.Before(recs[1].StartedAt) {
		t.Error("executions not newest first")
	}
}
