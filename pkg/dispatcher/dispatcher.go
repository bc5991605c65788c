// Package dispatcher implements the tool dispatcher: a closed catalog
// of tool names, each backed by a handler that may mutate LoopState.
// Every call is transactional — the mutable fields a handler may touch
// (tasks, verifications, agent_results) are snapshotted before the
// handler runs and restored on any error.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/guardrails"
	"github.com/valueforge/orchestrator/pkg/loopstate"

	"github.com/go-logr/logr"
)

// Handler mutates state from a tool call's decoded input, returning a
// result value to serialize back to the agent or an error that
// triggers a rollback.
type Handler func(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error)

// Dispatcher owns the closed tool catalog and the transactional
// envelope every call runs inside.
type Dispatcher struct {
	handlers   map[string]Handler
	schemas    map[string]*openapi3.Schema
	validate   *validator.Validate
	guardrails guardrails.Config
	policy     *guardrails.PolicyBundle
	log        logr.Logger
}

// New builds a Dispatcher with the full built-in tool catalog
// registered. policy may be nil when no supplementary OPA bundle is
// configured.
func New(log logr.Logger, guardrailsConfig guardrails.Config, policy *guardrails.PolicyBundle) *Dispatcher {
	d := &Dispatcher{
		handlers:   map[string]Handler{},
		schemas:    map[string]*openapi3.Schema{},
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		guardrails: guardrailsConfig,
		policy:     policy,
		log:        log.WithName("dispatcher"),
	}
	registerTools(d)
	return d
}

// snapshot captures the three mutable fields a handler may touch, by
// value at the map level: handlers must always replace a task's or
// verification's pointer rather than mutate the pointee in place, so
// restoring the old map wholesale fully reverts any partial mutation.
type snapshot struct {
	tasks         map[string]*loopstate.Task
	verifications map[string]*loopstate.Verification
	agentResults  map[string]loopstate.AgentResult
}

func takeSnapshot(state *loopstate.LoopState) snapshot {
	tasks := make(map[string]*loopstate.Task, len(state.Tasks))
	for k, v := range state.Tasks {
		tasks[k] = v
	}
	verifications := make(map[string]*loopstate.Verification, len(state.Verifications))
	for k, v := range state.Verifications {
		verifications[k] = v
	}
	agentResults := make(map[string]loopstate.AgentResult, len(state.AgentResults))
	for k, v := range state.AgentResults {
		agentResults[k] = v
	}
	return snapshot{tasks: tasks, verifications: verifications, agentResults: agentResults}
}

func (s snapshot) restore(state *loopstate.LoopState) {
	state.Tasks = s.tasks
	state.Verifications = s.verifications
	state.AgentResults = s.agentResults
}

// Result is the envelope every Dispatch call returns, serialized to
// JSON for the agent runtime.
type Result struct {
	OK         bool        `json:"ok,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	RolledBack bool        `json:"rolled_back,omitempty"`
}

// Dispatch runs tool name against state with the raw JSON input,
// returning the JSON-serialized Result. Unknown tool names return an
// error result without snapshotting, per spec.
func (d *Dispatcher) Dispatch(ctx context.Context, state *loopstate.LoopState, name string, rawInput json.RawMessage) string {
	handler, ok := d.handlers[name]
	if !ok {
		return mustJSON(Result{Error: "Unknown tool"})
	}

	if schema, ok := d.schemas[name]; ok {
		if err := validateAgainstSchema(ctx, schema, rawInput); err != nil {
			return mustJSON(Result{Error: err.Error()})
		}
	}

	snap := takeSnapshot(state)
	result, err := handler(ctx, state, rawInput)
	if err != nil {
		snap.restore(state)
		d.log.V(1).Info("tool call rolled back", "tool", name, "error", err.Error())
		return mustJSON(Result{Error: err.Error(), RolledBack: true})
	}
	return mustJSON(Result{OK: true, Result: result})
}

func validateAgainstSchema(ctx context.Context, schema *openapi3.Schema, raw json.RawMessage) error {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return apperrors.ParseError("tool input", "json", err)
	}
	if err := schema.VisitJSON(decoded); err != nil {
		return apperrors.ValidationError("input", err.Error())
	}
	return nil
}

func mustJSON(r Result) string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "failed to serialize tool result")
	}
	return string(data)
}

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.ParseError("tool input", "json", err)
	}
	return nil
}

func (d *Dispatcher) validateStruct(v interface{}) error {
	if err := d.validate.Struct(v); err != nil {
		return apperrors.ValidationError("input", err.Error())
	}
	return nil
}
