package engine

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/synapse-iot/synapse/pkg/models"
)

// compiledPipeline pairs a pipeline with its trigger condition compiled at
// load time. Malformed conditions never reach matching: they are a
// configuration error that excludes the pipeline during LoadPipelines.
type compiledPipeline struct {
	models.Pipeline
	condition *vm.Program
}

// conditionEnv builds the environment the comparator grammar runs against:
// the event's numeric value.
func conditionEnv(value float64) map[string]interface{} {
	return map[string]interface{}{"value": value}
}

// compileCondition compiles a comparator expression such as "value > 25".
// The expression must evaluate to a boolean.
func compileCondition(cond string) (*vm.Program, error) {
	return expr.Compile(cond, expr.Env(conditionEnv(0)), expr.AsBool())
}

// matchSensor decides whether a sensor-event trigger matches an incoming
// event. It is a pure function of the compiled trigger and the event:
// the same inputs always yield the same decision. Allow-lists are
// conjunctive and empty lists match everything.
func matchSensor(p *compiledPipeline, ev models.TelemetryEvent) bool {
	if !p.Enabled || p.Trigger.Kind != models.TriggerSensorEvent {
		return false
	}
	if !member(p.Trigger.Devices, ev.DeviceID) {
		return false
	}
	if !member(p.Trigger.Channels, ev.Channel) {
		return false
	}
	if !member(p.Trigger.ReadingTypes, ev.ReadingType) {
		return false
	}
	if p.condition != nil {
		out, err := expr.Run(p.condition, conditionEnv(ev.Value))
		if err != nil {
			return false
		}
		ok, _ := out.(bool)
		return ok
	}
	return true
}

// member reports whether v is in the allow-list; an empty list allows all.
func member(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
