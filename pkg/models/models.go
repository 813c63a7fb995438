// Package models defines the shared data model for the synapse orchestration
// core: service configurations, inference requests/results, pipelines,
// triggers, actions, permissions, and execution records.
//
// The registry and engine hold read-only working copies of these records;
// the source of truth lives in external configuration storage and is loaded
// through internal/configsource.
package models

import (
	"encoding/json"
	"time"
)

// ── Services ─────────────────────────────────────────────────

// ServiceKind enumerates the supported inference backend variants.
type ServiceKind string

const (
	ServiceOpenAI    ServiceKind = "openai"
	ServiceAnthropic ServiceKind = "anthropic"
	ServiceOllama    ServiceKind = "ollama"
	ServiceREST      ServiceKind = "rest"
)

// ServiceConfig describes one external inference backend.
// ID is globally unique and immutable once referenced by a pipeline.
type ServiceConfig struct {
	ID       string      `json:"id" yaml:"id"`
	Kind     ServiceKind `json:"kind" yaml:"kind"`
	Endpoint string      `json:"endpoint" yaml:"endpoint"`

	// APIKey is an opaque secret. It must never appear in logs or in
	// List() output.
	APIKey string `json:"api_key,omitempty" yaml:"api_key"`

	Model   string `json:"model,omitempty" yaml:"model"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	// Extra carries backend-specific settings. The rest variant reads its
	// request template and extraction paths from here; all variants honor
	// "timeout_secs", "rate_limit_rps", and "retry_max_attempts".
	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra"`
}

// ServiceStatus is the observable state of one registry entry.
type ServiceStatus struct {
	ID          string      `json:"id"`
	Kind        ServiceKind `json:"kind"`
	Endpoint    string      `json:"endpoint"`
	Initialized bool        `json:"initialized"`
	Error       string      `json:"error,omitempty"`
}

// ── Inference ────────────────────────────────────────────────

// ChatMessage is one turn in a chat-style request payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InferenceRequest is the backend-independent request contract.
type InferenceRequest struct {
	Prompt string `json:"prompt"`

	// Context is merged into the prompt (or backend-specific fields) by
	// the adapter. The engine populates it from the triggering event and
	// recent device history.
	Context map[string]interface{} `json:"context,omitempty"`

	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// Extra carries backend-specific parameters passed through untouched.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// InferenceResult is the normalized response contract.
// Confidence is always populated and always within [0, 1]; it defaults to
// 1.0 when the backend reports none. Tokens is nil when the backend does
// not report usage; callers must not assume it is present.
type InferenceResult struct {
	Text       string  `json:"text"`
	Model      string  `json:"model"`
	Tokens     *int64  `json:"tokens,omitempty"`
	Confidence float64 `json:"confidence"`

	// Raw retains the undecoded backend payload for audit.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// ClampConfidence forces c into [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// ── Pipelines ────────────────────────────────────────────────

// TriggerKind enumerates the pipeline trigger variants.
type TriggerKind string

const (
	TriggerSensorEvent TriggerKind = "sensor_event"
	TriggerSchedule    TriggerKind = "schedule"
	TriggerManual      TriggerKind = "manual"
)

// Trigger is a pipeline's matching condition. For sensor_event triggers the
// allow-lists are conjunctive; an empty list matches everything. Condition
// is a comparator expression over the event value (e.g. "value > 25");
// an empty condition means any value matches. Malformed conditions are a
// configuration error detected at load time.
type Trigger struct {
	Kind TriggerKind `json:"kind" yaml:"kind"`

	Devices      []string `json:"devices,omitempty" yaml:"devices"`
	Channels     []string `json:"channels,omitempty" yaml:"channels"`
	ReadingTypes []string `json:"reading_types,omitempty" yaml:"reading_types"`
	Condition    string   `json:"condition,omitempty" yaml:"condition"`

	// IntervalSecs applies to schedule triggers.
	IntervalSecs int `json:"interval_secs,omitempty" yaml:"interval_secs"`
}

// ActionKind enumerates the post-inference effects.
type ActionKind string

const (
	// ActionRecordResult stores the result; always permitted.
	ActionRecordResult ActionKind = "record_result"
	// ActionBroadcast publishes the result; always permitted.
	ActionBroadcast ActionKind = "broadcast"
	// ActionActuatorCommand drives physical hardware; gated by an explicit
	// permission grant and the inference confidence.
	ActionActuatorCommand ActionKind = "actuator_command"
	// ActionAlert sends a notification; requires the pipeline's alert
	// capability but is not confidence-gated.
	ActionAlert ActionKind = "alert"
)

// Gated reports whether the action kind requires a permission grant and a
// minimum confidence before execution.
func (k ActionKind) Gated() bool { return k == ActionActuatorCommand }

// Action is one post-inference effect in a pipeline's ordered action list.
type Action struct {
	Kind ActionKind `json:"kind" yaml:"kind"`

	// Device/Channel/Command apply to actuator_command.
	Device  string `json:"device,omitempty" yaml:"device"`
	Channel string `json:"channel,omitempty" yaml:"channel"`
	Command string `json:"command,omitempty" yaml:"command"`

	// Target/Message apply to alert.
	Target  string `json:"target,omitempty" yaml:"target"`
	Message string `json:"message,omitempty" yaml:"message"`
}

// PipelinePermission is the pipeline-level permission block. A pipeline
// whose AllowActuators is false never issues actuator commands regardless
// of grants; MinConfidence is the floor applied to gated actions on top of
// any per-grant floor.
type PipelinePermission struct {
	AllowActuators bool    `json:"allow_actuators" yaml:"allow_actuators"`
	AllowAlerts    bool    `json:"allow_alerts" yaml:"allow_alerts"`
	MinConfidence  float64 `json:"min_confidence" yaml:"min_confidence"`
}

// Pipeline is a named automation rule binding a trigger, an inference step,
// and an ordered list of actions.
type Pipeline struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	Trigger Trigger `json:"trigger" yaml:"trigger"`

	// PluginID names the inference task; ServiceID names the backend.
	PluginID  string `json:"plugin_id" yaml:"plugin_id"`
	ServiceID string `json:"service_id" yaml:"service_id"`

	// PluginConfig is passed through to the inference step. Recognized
	// keys: "prompt", "model", "temperature", "max_tokens"; everything
	// else is forwarded as backend-specific extra parameters.
	PluginConfig map[string]interface{} `json:"plugin_config,omitempty" yaml:"plugin_config"`

	Actions    []Action           `json:"actions" yaml:"actions"`
	Permission PipelinePermission `json:"permission" yaml:"permission"`
}

// ── Permissions ──────────────────────────────────────────────

// Permission relates (pipeline, device) to the set of allowed action kinds
// and the minimum confidence required for gated kinds. Absence of a record
// for a pair means no gated action is permitted (default-deny).
type Permission struct {
	PipelineID    string       `json:"pipeline_id" yaml:"pipeline_id"`
	DeviceID      string       `json:"device_id" yaml:"device_id"`
	Actions       []ActionKind `json:"actions" yaml:"actions"`
	MinConfidence float64      `json:"min_confidence" yaml:"min_confidence"`
	GrantedAt     time.Time    `json:"granted_at,omitempty" yaml:"granted_at"`
}

// Allows reports whether the grant covers the given action kind.
func (p *Permission) Allows(kind ActionKind) bool {
	for _, a := range p.Actions {
		if a == kind {
			return true
		}
	}
	return false
}

// ── Events ───────────────────────────────────────────────────

// TelemetryEvent is one device reading delivered by the inbound event
// source. Delivery ordering across devices is not guaranteed.
type TelemetryEvent struct {
	DeviceID    string    `json:"device_id"`
	Channel     string    `json:"channel"`
	ReadingType string    `json:"reading_type"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
}

// ── Execution records ────────────────────────────────────────

// ExecutionStatus is the terminal state of one pipeline execution.
// Completed means the inference call succeeded and every action was
// attempted (individual denials included); Failed means the inference
// call itself failed.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ActionOutcome is the per-action result within an execution.
type ActionOutcome struct {
	Kind   ActionKind `json:"kind"`
	Status string     `json:"status"` // done, denied, failed
	Detail string     `json:"detail,omitempty"`
}

// ExecutionRecord is emitted to the result sink for every pipeline
// execution, successful or not. Nothing fails silently: failed executions
// carry the fault kind and a human-readable cause.
type ExecutionRecord struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipeline_id"`
	DeviceID   string          `json:"device_id,omitempty"`
	Status     ExecutionStatus `json:"status"`

	FaultKind string `json:"fault_kind,omitempty"`
	Cause     string `json:"cause,omitempty"`

	Result  *InferenceResult `json:"result,omitempty"`
	Actions []ActionOutcome  `json:"actions,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// ── History ──────────────────────────────────────────────────

// HistoryEntry is one item of per-device history: either a telemetry
// reading or a recorded inference result.
type HistoryEntry struct {
	Kind       string    `json:"kind"` // reading, inference
	Timestamp  time.Time `json:"timestamp"`
	PipelineID string    `json:"pipeline_id,omitempty"`

	// Reading fields
	Channel     string  `json:"channel,omitempty"`
	ReadingType string  `json:"reading_type,omitempty"`
	Value       float64 `json:"value,omitempty"`

	// Inference fields
	Summary    string  `json:"summary,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}
