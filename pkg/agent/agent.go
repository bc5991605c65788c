// Package agent defines the AgentRuntime contract the core consumes:
// a black box that begins a multi-turn session and exchanges prompts
// for tool calls, text, and usage. Concrete transports live in the
// anthropicrt, bedrockrt, and httprt subpackages; pkg/agent/breaker
// wraps any of them with the retry/circuit-breaker contract.
package agent

import (
	"context"
	"time"
)

// Role is one of the seven abstract agent roles. Each maps to
// a model tier, max-turn budget, and tool-set key via RoleConfig.
type Role string

const (
	RoleReasoner   Role = "reasoner"
	RoleEvaluator  Role = "evaluator"
	RoleResearcher Role = "researcher"
	RoleBuilder    Role = "builder"
	RoleFixer      Role = "fixer"
	RoleQC         Role = "qc"
	RoleClassifier Role = "classifier"
)

// ModelTier is the coarse capability/cost tier a role maps to.
type ModelTier string

const (
	TierReasoning ModelTier = "reasoning"
	TierExecution ModelTier = "execution"
	TierTriage    ModelTier = "triage"
)

// ToolSet selects which tool catalog subset a session is given.
type ToolSet string

const (
	ToolSetFull     ToolSet = "full"
	ToolSetReadonly ToolSet = "readonly"
	ToolSetResearch ToolSet = "research"
	ToolSetMinimal  ToolSet = "minimal"
)

// RoleConfig is the per-role policy the drivers look up for each
// session they begin.
type RoleConfig struct {
	Tier     ModelTier
	MaxTurns int
	Tools    ToolSet
}

// DefaultRoleConfigs returns the suggested role -> policy
// mapping. The composition root uses it as is; internal/config has no
// role settings to override it with.
func DefaultRoleConfigs() map[Role]RoleConfig {
	return map[Role]RoleConfig{
		RoleReasoner:   {Tier: TierReasoning, MaxTurns: 40, Tools: ToolSetFull},
		RoleEvaluator:  {Tier: TierReasoning, MaxTurns: 20, Tools: ToolSetReadonly},
		RoleResearcher: {Tier: TierReasoning, MaxTurns: 20, Tools: ToolSetResearch},
		RoleBuilder:    {Tier: TierExecution, MaxTurns: 60, Tools: ToolSetFull},
		RoleFixer:      {Tier: TierExecution, MaxTurns: 40, Tools: ToolSetFull},
		RoleQC:         {Tier: TierExecution, MaxTurns: 30, Tools: ToolSetFull},
		RoleClassifier: {Tier: TierTriage, MaxTurns: 5, Tools: ToolSetMinimal},
	}
}

// DefaultSessionTimeout is the documented per-session
// wall-clock timeout.
const DefaultSessionTimeout = 300 * time.Second

// ToolCall is one structured tool invocation the model emitted.
type ToolCall struct {
	Name   string
	Inputs map[string]interface{}
}

// StopReason is why a multi-turn session ended.
type StopReason string

const (
	StopEndTurn    StopReason = "end_turn"
	StopMaxTurns   StopReason = "max_turns"
	StopToolUse    StopReason = "tool_use"
)

// Usage is one turn's token accounting.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// SessionHandle identifies an open multi-turn session with a
// concrete Runtime implementation.
type SessionHandle struct {
	ID string
}

// BeginOptions configures a new session.
type BeginOptions struct {
	Role       Role
	System     string
	MaxTurns   int
	Tools      ToolSet
	MCPServers []string
	Timeout    time.Duration
	Stream     bool // set when the configured output cap exceeds the transport's single-response limit
}

// ToolResultProvider runs the dispatcher synchronously against a
// ToolCall and returns the string result the runtime passes back to
// the model. The core supplies this; runtimes never implement
// dispatch logic themselves.
type ToolResultProvider func(ctx context.Context, call ToolCall) string

// Runtime is the contract every concrete transport implements. The
// core treats it as a black box producing a sequence of tool calls.
type Runtime interface {
	// Begin opens a session and returns a handle used by Send.
	Begin(ctx context.Context, opts BeginOptions) (SessionHandle, error)

	// Send delivers userMessage, runs the multi-turn tool-call loop
	// via resolveTool until a terminal stop reason or MaxTurns, and
	// returns the model's final text, every tool call observed (in
	// emission order), cumulative usage, and the stop reason.
	Send(ctx context.Context, handle SessionHandle, userMessage string, resolveTool ToolResultProvider) (finalText string, calls []ToolCall, usage Usage, stop StopReason, err error)

	// End releases any resources associated with handle.
	End(ctx context.Context, handle SessionHandle) error
}

// ShouldInjectBrowserTools reports whether browser-automation tools
// apply: true only for a "web_application" deliverable when Node.js
// was discovered. Nothing in this module calls it, so no session is
// given browser tools.
func ShouldInjectBrowserTools(deliverableType string, nodeDiscovered bool) bool {
	return nodeDiscovered && deliverableType == "web_application"
}
