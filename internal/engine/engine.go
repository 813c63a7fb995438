// Package engine matches incoming telemetry events against configured
// pipelines, invokes the target inference service through the registry,
// and executes the resulting actions under the permission model.
//
// The engine runs a fixed pool of workers over an inbound event queue.
// Each matched pipeline executes independently and concurrently; one event
// may fan out to several pipelines. Within one pipeline, actions run
// strictly in declared order. Failures inside one pipeline's execution
// never propagate to siblings or to the engine itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/synapse-iot/synapse/internal/history"
	"github.com/synapse-iot/synapse/internal/permission"
	"github.com/synapse-iot/synapse/internal/registry"
	"github.com/synapse-iot/synapse/pkg/faults"
	"github.com/synapse-iot/synapse/pkg/models"
)

// Options tunes the engine's concurrency and timeouts.
type Options struct {
	Workers          int
	QueueSize        int
	RequestTimeout   time.Duration
	ExecutionLogSize int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	return o
}

type pipelineSet struct {
	all  []*compiledPipeline
	byID map[string]*compiledPipeline
}

// Engine is the pipeline orchestration core.
type Engine struct {
	registry *registry.Registry
	perms    *permission.Manager
	history  history.Recorder
	sinks    Sinks
	opts     Options

	pipes  atomic.Pointer[pipelineSet]
	events chan models.TelemetryEvent

	stopMu   sync.RWMutex
	stopped  bool
	done     chan struct{}
	workerWG sync.WaitGroup
	execWG   sync.WaitGroup

	lastRunMu sync.Mutex
	lastRun   map[string]time.Time

	metrics *engineMetrics
	log     *execLog
}

// New wires an engine to its collaborators. reg, perms, and hist must be
// non-nil; sinks default to log-backed implementations; promReg nil
// disables metrics.
func New(reg *registry.Registry, perms *permission.Manager, hist history.Recorder, sinks Sinks, opts Options, promReg prometheus.Registerer) *Engine {
	opts = opts.withDefaults()
	if sinks.Actuator == nil || sinks.Results == nil || sinks.Alerts == nil {
		def := NewLogSinks()
		if sinks.Actuator == nil {
			sinks.Actuator = def.Actuator
		}
		if sinks.Results == nil {
			sinks.Results = def.Results
		}
		if sinks.Alerts == nil {
			sinks.Alerts = def.Alerts
		}
	}
	e := &Engine{
		registry: reg,
		perms:    perms,
		history:  hist,
		sinks:    sinks,
		opts:     opts,
		events:   make(chan models.TelemetryEvent, opts.QueueSize),
		done:     make(chan struct{}),
		lastRun:  map[string]time.Time{},
		metrics:  newEngineMetrics(promReg),
		log:      newExecLog(opts.ExecutionLogSize),
	}
	e.pipes.Store(&pipelineSet{byID: map[string]*compiledPipeline{}})
	return e
}

// LoadPipelines replaces the active pipeline set. Pipelines with invalid
// configuration (unknown trigger or action kinds, malformed comparator
// conditions, schedule triggers without an interval) are excluded and
// reported; the rest continue. The swap is atomic for concurrent matchers.
func (e *Engine) LoadPipelines(pipelines []models.Pipeline) {
	next := &pipelineSet{byID: make(map[string]*compiledPipeline, len(pipelines))}

	for _, p := range pipelines {
		cp, err := compile(p)
		if err != nil {
			e.reportConfigError(p.ID, err)
			continue
		}
		next.all = append(next.all, cp)
		next.byID[p.ID] = cp
	}

	e.pipes.Store(next)

	// Schedule state for pipelines that no longer exist has nothing to fire.
	e.lastRunMu.Lock()
	for id := range e.lastRun {
		if _, ok := next.byID[id]; !ok {
			delete(e.lastRun, id)
		}
	}
	e.lastRunMu.Unlock()

	log.Info().Int("pipelines", len(next.all)).Msg("Pipeline set loaded")
}

func compile(p models.Pipeline) (*compiledPipeline, error) {
	switch p.Trigger.Kind {
	case models.TriggerSensorEvent, models.TriggerManual:
	case models.TriggerSchedule:
		if p.Trigger.IntervalSecs <= 0 {
			return nil, faults.New(faults.ConfigInvalid, "engine.load",
				"pipeline %s: schedule trigger requires interval_secs > 0", p.ID)
		}
	default:
		return nil, faults.New(faults.ConfigInvalid, "engine.load",
			"pipeline %s: unknown trigger kind %q", p.ID, p.Trigger.Kind)
	}

	for _, a := range p.Actions {
		switch a.Kind {
		case models.ActionRecordResult, models.ActionBroadcast, models.ActionActuatorCommand, models.ActionAlert:
		default:
			return nil, faults.New(faults.ConfigInvalid, "engine.load",
				"pipeline %s: unknown action kind %q", p.ID, a.Kind)
		}
	}

	cp := &compiledPipeline{Pipeline: p}
	if p.Trigger.Kind == models.TriggerSensorEvent && p.Trigger.Condition != "" {
		prog, err := compileCondition(p.Trigger.Condition)
		if err != nil {
			return nil, faults.New(faults.ConfigInvalid, "engine.load",
				"pipeline %s: condition %q: %v", p.ID, p.Trigger.Condition, err)
		}
		cp.condition = prog
	}
	return cp, nil
}

func (e *Engine) reportConfigError(pipelineID string, err error) {
	log.Error().Str("pipeline", pipelineID).Err(err).Msg("Pipeline excluded: invalid configuration")
	if e.metrics != nil {
		e.metrics.configErrors.Inc()
	}
	rec := &models.ExecutionRecord{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		Status:     models.ExecutionFailed,
		FaultKind:  string(faults.ConfigInvalid),
		Cause:      err.Error(),
		StartedAt:  time.Now().UTC(),
	}
	e.report(rec)
}

// Start launches the worker pool and the schedule loop.
func (e *Engine) Start() {
	for i := 0; i < e.opts.Workers; i++ {
		e.workerWG.Add(1)
		go e.worker()
	}
	e.workerWG.Add(1)
	go e.scheduleLoop()
	log.Info().Int("workers", e.opts.Workers).Msg("Pipeline engine started")
}

// Submit enqueues one telemetry event for matching. It fails once shutdown
// has begun: no new pipeline executions start after that point.
func (e *Engine) Submit(ev models.TelemetryEvent) error {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.stopped {
		return errors.New("engine is shutting down")
	}
	select {
	case e.events <- ev:
		if e.metrics != nil {
			e.metrics.events.Inc()
		}
		return nil
	default:
		return errors.New("event queue is full")
	}
}

func (e *Engine) worker() {
	defer e.workerWG.Done()
	for ev := range e.events {
		e.dispatch(ev)
	}
}

// dispatch records the event in the device's history, then fans it out to
// every matching pipeline. Matched pipelines execute concurrently; none
// blocks another.
func (e *Engine) dispatch(ev models.TelemetryEvent) {
	e.recordReading(ev)

	set := e.pipes.Load()
	for _, p := range set.all {
		if !matchSensor(p, ev) {
			continue
		}
		if e.metrics != nil {
			e.metrics.matches.WithLabelValues(p.ID).Inc()
		}
		evCopy := ev
		pp := p
		e.execWG.Add(1)
		go func() {
			defer e.execWG.Done()
			e.execute(context.Background(), pp, &evCopy, nil)
		}()
	}
}

// recordReading appends one telemetry event to its device's history, where
// later executions pick it up as recent context.
func (e *Engine) recordReading(ev models.TelemetryEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := models.HistoryEntry{
		Kind:        "reading",
		Timestamp:   ev.Timestamp,
		Channel:     ev.Channel,
		ReadingType: ev.ReadingType,
		Value:       ev.Value,
	}
	if err := e.history.Append(ctx, ev.DeviceID, entry); err != nil {
		log.Warn().Str("device", ev.DeviceID).Err(err).Msg("History append failed")
	}
}

// scheduleLoop fires schedule-triggered pipelines on their intervals.
func (e *Engine) scheduleLoop() {
	defer e.workerWG.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			for _, p := range e.pipes.Load().all {
				if !p.Enabled || p.Trigger.Kind != models.TriggerSchedule {
					continue
				}
				interval := time.Duration(p.Trigger.IntervalSecs) * time.Second
				e.lastRunMu.Lock()
				due := now.Sub(e.lastRun[p.ID]) >= interval
				if due {
					e.lastRun[p.ID] = now
				}
				e.lastRunMu.Unlock()
				if !due {
					continue
				}
				pp := p
				e.execWG.Add(1)
				go func() {
					defer e.execWG.Done()
					e.execute(context.Background(), pp, nil, nil)
				}()
			}
		}
	}
}

// RunPipeline executes one pipeline on demand (manual trigger). The input
// map is merged into the inference context.
func (e *Engine) RunPipeline(ctx context.Context, id string, input map[string]interface{}) (*models.ExecutionRecord, error) {
	e.stopMu.RLock()
	if e.stopped {
		e.stopMu.RUnlock()
		return nil, errors.New("engine is shutting down")
	}
	e.stopMu.RUnlock()

	p, ok := e.pipes.Load().byID[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %s is not loaded", id)
	}
	if !p.Enabled {
		return nil, fmt.Errorf("pipeline %s is disabled", id)
	}
	return e.execute(ctx, p, nil, input), nil
}

// RecentExecutions returns up to n recent execution records, newest first.
func (e *Engine) RecentExecutions(n int) []*models.ExecutionRecord {
	return e.log.recent(n)
}

// Pipelines returns the active pipeline definitions.
func (e *Engine) Pipelines() []models.Pipeline {
	set := e.pipes.Load()
	out := make([]models.Pipeline, 0, len(set.all))
	for _, p := range set.all {
		out = append(out, p.Pipeline)
	}
	return out
}

// Shutdown stops intake, then waits for in-flight executions to finish
// their current adapter calls (each bounded by its own timeout) or for ctx
// to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopMu.Lock()
	if e.stopped {
		e.stopMu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.done)
	close(e.events)
	e.stopMu.Unlock()

	finished := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		e.execWG.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Info().Msg("Pipeline engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// ── Execution ────────────────────────────────────────────────

var tracer = otel.Tracer("synapse/engine")

// execute runs one pipeline end to end and reports the outcome. It returns
// the record for callers that want it (manual runs); the record is always
// reported through the result sink regardless.
func (e *Engine) execute(ctx context.Context, p *compiledPipeline, ev *models.TelemetryEvent, input map[string]interface{}) *models.ExecutionRecord {
	ctx, span := tracer.Start(ctx, "pipeline.execute")
	span.SetAttributes(
		attribute.String("pipeline.id", p.ID),
		attribute.String("service.id", p.ServiceID),
	)
	defer span.End()

	start := time.Now()
	rec := &models.ExecutionRecord{
		ID:         uuid.NewString(),
		PipelineID: p.ID,
		StartedAt:  start.UTC(),
	}
	if ev != nil {
		rec.DeviceID = ev.DeviceID
	}
	defer func() {
		rec.DurationMs = time.Since(start).Milliseconds()
		e.log.add(rec)
		if e.metrics != nil {
			e.metrics.executions.WithLabelValues(p.ID, string(rec.Status)).Inc()
		}
		e.report(rec)
	}()

	adapter, err := e.registry.Get(p.ServiceID)
	if err != nil {
		e.fail(rec, err)
		return rec
	}

	req := e.buildRequest(ctx, p, ev, input)

	callCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	callStart := time.Now()
	res, err := adapter.SendRequest(callCtx, req)
	if e.metrics != nil {
		e.metrics.inference.WithLabelValues(p.ServiceID).Observe(time.Since(callStart).Seconds())
	}
	if err != nil {
		e.fail(rec, err)
		return rec
	}

	rec.Status = models.ExecutionCompleted
	rec.Result = res

	// Actions run strictly in declared order; a denial short-circuits only
	// that action, never the remaining ones.
	for _, action := range p.Actions {
		rec.Actions = append(rec.Actions, e.runAction(ctx, p, action, ev, res))
	}
	return rec
}

func (e *Engine) fail(rec *models.ExecutionRecord, err error) {
	rec.Status = models.ExecutionFailed
	rec.FaultKind = string(faults.KindOf(err))
	rec.Cause = err.Error()
	log.Warn().
		Str("pipeline", rec.PipelineID).
		Str("fault", rec.FaultKind).
		Err(err).
		Msg("Pipeline execution failed")
}

// buildRequest assembles the inference request from the pipeline's plugin
// config, the triggering event, and recent device history.
func (e *Engine) buildRequest(ctx context.Context, p *compiledPipeline, ev *models.TelemetryEvent, input map[string]interface{}) *models.InferenceRequest {
	cfg := p.PluginConfig
	req := &models.InferenceRequest{
		Prompt:      strCfg(cfg, "prompt"),
		Model:       strCfg(cfg, "model"),
		Temperature: floatCfg(cfg, "temperature"),
		MaxTokens:   intCfg(cfg, "max_tokens"),
		Context:     map[string]interface{}{"plugin_id": p.PluginID},
	}

	for k, v := range cfg {
		switch k {
		case "prompt", "model", "temperature", "max_tokens":
		default:
			if req.Extra == nil {
				req.Extra = map[string]interface{}{}
			}
			req.Extra[k] = v
		}
	}

	if ev != nil {
		req.Context["device_id"] = ev.DeviceID
		req.Context["channel"] = ev.Channel
		req.Context["reading_type"] = ev.ReadingType
		req.Context["value"] = ev.Value
		req.Context["timestamp"] = ev.Timestamp.UTC().Format(time.RFC3339)

		if recent, err := e.history.Recent(ctx, ev.DeviceID, 5); err == nil && len(recent) > 0 {
			req.Context["recent_history"] = recent
		}
	}
	for k, v := range input {
		req.Context[k] = v
	}
	return req
}

// runAction executes one action, consulting the permission model for gated
// kinds. Denials are normal outcomes: logged, counted, never errors.
func (e *Engine) runAction(ctx context.Context, p *compiledPipeline, action models.Action, ev *models.TelemetryEvent, res *models.InferenceResult) models.ActionOutcome {
	out := models.ActionOutcome{Kind: action.Kind, Status: "done"}

	switch action.Kind {
	case models.ActionRecordResult:
		if ev != nil {
			entry := models.HistoryEntry{
				Kind:       "inference",
				Timestamp:  time.Now().UTC(),
				PipelineID: p.ID,
				Summary:    res.Text,
				Confidence: res.Confidence,
			}
			if err := e.history.Append(ctx, ev.DeviceID, entry); err != nil {
				log.Warn().Str("pipeline", p.ID).Err(err).Msg("History append failed")
			}
		}
		if err := e.sinks.Results.Store(ctx, p.ID, res); err != nil {
			out.Status = "failed"
			out.Detail = err.Error()
		}

	case models.ActionBroadcast:
		if err := e.sinks.Results.Broadcast(ctx, p.ID, res); err != nil {
			out.Status = "failed"
			out.Detail = err.Error()
		}

	case models.ActionActuatorCommand:
		if denied, reason := e.gateActuator(p, action, res); denied {
			out.Status = "denied"
			out.Detail = reason
			if e.metrics != nil {
				e.metrics.actionDenials.WithLabelValues(p.ID, string(action.Kind)).Inc()
			}
			log.Info().
				Str("pipeline", p.ID).
				Str("device", action.Device).
				Float64("confidence", res.Confidence).
				Str("reason", reason).
				Msg("Actuator command denied")
			break
		}
		if err := e.sinks.Actuator.Command(ctx, action.Device, action.Channel, action.Command); err != nil {
			out.Status = "failed"
			out.Detail = err.Error()
		}

	case models.ActionAlert:
		if !p.Permission.AllowAlerts {
			out.Status = "denied"
			out.Detail = "pipeline does not allow alerts"
			break
		}
		message := action.Message
		if message == "" {
			message = res.Text
		}
		if err := e.sinks.Alerts.Alert(ctx, p.ID, action.Target, message); err != nil {
			out.Status = "failed"
			out.Detail = err.Error()
		}
	}
	return out
}

// gateActuator applies both gates in order: the pipeline-level permission
// block, then the explicit (pipeline, device) grant. An unevaluable check
// is a deny.
func (e *Engine) gateActuator(p *compiledPipeline, action models.Action, res *models.InferenceResult) (denied bool, reason string) {
	if !p.Permission.AllowActuators {
		return true, "pipeline does not allow actuator control"
	}
	if res.Confidence < p.Permission.MinConfidence {
		return true, fmt.Sprintf("confidence %.2f below pipeline minimum %.2f", res.Confidence, p.Permission.MinConfidence)
	}
	d := e.perms.Check(p.ID, action.Device, action.Kind, res.Confidence)
	if !d.Allowed {
		return true, d.Reason
	}
	return false, ""
}

// report delivers the execution record to the result sink. Reporting is
// best-effort with its own timeout so a slow sink cannot wedge a worker.
func (e *Engine) report(rec *models.ExecutionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sinks.Results.Report(ctx, rec); err != nil {
		log.Warn().Str("execution", rec.ID).Err(err).Msg("Execution report failed")
	}
}

// ── Plugin-config helpers ────────────────────────────────────

func strCfg(cfg map[string]interface{}, key string) string {
	v, _ := cfg[key].(string)
	return v
}

func floatCfg(cfg map[string]interface{}, key string) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func intCfg(cfg map[string]interface{}, key string) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
