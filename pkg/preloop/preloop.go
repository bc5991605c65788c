// Package preloop implements the pre-loop driver: the fixed gate
// sequence that turns a VISION.md/PRD.md pair into an initial task
// plan the value loop can execute, persisting each gate's completion
// individually on LoopState.GatesPassed so a restart resumes exactly
// where it left off rather than re-running completed gates.
package preloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/agent"
	"github.com/valueforge/orchestrator/pkg/dispatcher"
	"github.com/valueforge/orchestrator/pkg/gitsafety"
	"github.com/valueforge/orchestrator/pkg/humanloop"
	"github.com/valueforge/orchestrator/pkg/loopstate"
	"github.com/valueforge/orchestrator/pkg/prompt"
)

// Dependencies collects what the pre-loop driver needs from the rest
// of the tree.
type Dependencies struct {
	Runtime    agent.Runtime
	Dispatcher *dispatcher.Dispatcher
	Prompts    *prompt.Loader
	Git        *gitsafety.Layer
	HumanGate  *humanloop.Gate
	Roles      map[agent.Role]agent.RoleConfig
	Log        logr.Logger
}

// Config holds the gate sequence's own knobs.
type Config struct {
	VisionPath             string
	PRDPath                string
	QualityGateOrder       []string
	MaxRemediationAttempts int

	// EpicID scopes the plan/quality-gates/completion gates to one
	// epic when the epic loop re-runs this driver per epic; the
	// vision/PRD/complexity/context gates stay sprint-wide since
	// they're about the whole vision, not one slice of it. Empty for
	// a single_run sprint.
	EpicID string
}

// DefaultConfig returns the documented gate order (CRAAP,
// CLARITY, VALIDATE, CONNECT, BREAK, PRUNE, TIDY, then initial VRC and
// a preflight check; blocker validation is its own step, not a gate)
// and a 3-attempt remediation cap.
func DefaultConfig(sprintDir string) Config {
	return Config{
		VisionPath: sprintDir + "/VISION.md",
		PRDPath:    sprintDir + "/PRD.md",
		QualityGateOrder: []string{
			"craap", "clarity", "validate", "connect", "break", "prune", "tidy",
			"initial_vrc", "preflight",
		},
		MaxRemediationAttempts: 3,
	}
}

// ErrAwaitingHumanInput signals that a refinement round installed a
// pause and the caller must wait for a human response (detected via
// pkg/humanloop) before calling Run again.
var ErrAwaitingHumanInput = fmt.Errorf("pre-loop awaiting human input")

// Driver runs the pre-loop gate sequence against one LoopState.
type Driver struct {
	deps Dependencies
	cfg  Config
}

// New builds a Driver. A nil Roles falls back to agent.DefaultRoleConfigs.
func New(deps Dependencies, cfg Config) *Driver {
	if deps.Roles == nil {
		deps.Roles = agent.DefaultRoleConfigs()
	}
	return &Driver{deps: deps, cfg: cfg}
}

// Run advances state through every gate not yet marked passed. It
// returns ErrAwaitingHumanInput (not a failure) when a refinement
// round needs a human decision, or an error on a hard abort (missing
// inputs, zero-task plan, a non-human-action blocker).
func (d *Driver) Run(ctx context.Context, state *loopstate.LoopState) error {
	if !state.GatesPassed["validate_inputs"] {
		if err := d.validateInputs(); err != nil {
			return err
		}
		state.GatesPassed["validate_inputs"] = true
	}

	if !state.GatesPassed["vision_refinement"] {
		done, err := d.runRefinement(ctx, state, "vision", d.cfg.VisionPath)
		if err != nil {
			return err
		}
		if !done {
			return ErrAwaitingHumanInput
		}
		state.GatesPassed["vision_refinement"] = true
	}

	if !state.GatesPassed["complexity_classified"] {
		if err := d.classifyComplexity(ctx, state); err != nil {
			return err
		}
		state.GatesPassed["complexity_classified"] = true
	}

	if !state.GatesPassed["context_discovery"] {
		message, err := d.deps.Prompts.Load("context_discovery", map[string]string{"SPRINT_ID": state.SprintID})
		if err != nil {
			return err
		}
		if _, err := d.runAgentStep(ctx, state, agent.RoleReasoner, message); err != nil {
			return err
		}
		state.GatesPassed["context_discovery"] = true
	}

	if !state.GatesPassed["prd_refinement"] {
		done, err := d.runRefinement(ctx, state, "prd", d.cfg.PRDPath)
		if err != nil {
			return err
		}
		if !done {
			return ErrAwaitingHumanInput
		}
		state.GatesPassed["prd_refinement"] = true
	}

	planGate := d.gateKey("plan")
	if !state.GatesPassed[planGate] {
		if err := d.generatePlan(ctx, state); err != nil {
			return err
		}
		state.GatesPassed[planGate] = true
		// ActionExitGate requires the sprint-wide "plan" key; for an
		// epic-scoped run this also marks the overall sprint plan as
		// having a first slice down, which is what the decision
		// engine actually checks.
		state.GatesPassed["plan"] = true
	}

	qualityGate := d.gateKey("quality_gates")
	if !state.GatesPassed[qualityGate] {
		d.runQualityGates(ctx, state)
		state.GatesPassed[qualityGate] = true
	}

	if err := d.checkBlockers(state); err != nil {
		return err
	}

	completeGate := d.gateKey("pre_loop_complete")
	if !state.GatesPassed[completeGate] {
		if err := d.complete(state); err != nil {
			return err
		}
		state.GatesPassed[completeGate] = true
	}

	return nil
}

// gateKey namespaces a gate name to the current epic when one is
// configured, so the epic loop's per-epic pre-loop invocations don't
// collide on the same GatesPassed entry.
func (d *Driver) gateKey(name string) string {
	if d.cfg.EpicID == "" {
		return name
	}
	return name + ":" + d.cfg.EpicID
}

func (d *Driver) validateInputs() error {
	for _, path := range []string{d.cfg.VisionPath, d.cfg.PRDPath} {
		info, err := os.Stat(path)
		if err != nil {
			return apperrors.FailedToWithDetails("validate pre-loop input", "preloop", path, err)
		}
		if info.Size() < 100 {
			d.deps.Log.Info("pre-loop input file is suspiciously small", "path", path, "bytes", info.Size())
		}
	}
	return nil
}

// runRefinement drives one RefinementState (vision or PRD) toward
// consensus. On a fresh or mid-flight round it runs the reasoning
// role and checks what report_vision_validation left behind; on an
// already-awaiting-input round it re-checks the installed pause
// instead of re-analyzing, matching "on resume, skip re-analysis and
// re-prompt."
func (d *Driver) runRefinement(ctx context.Context, state *loopstate.LoopState, target, path string) (bool, error) {
	rs, ok := state.Refinements[target]
	if !ok {
		rs = &loopstate.RefinementState{Target: target, Status: loopstate.RefinementNotStarted}
		state.Refinements[target] = rs
	}

	switch rs.Status {
	case loopstate.RefinementConsensus:
		return true, nil
	case loopstate.RefinementAwaitingInput:
		if state.Pause == nil {
			return false, nil
		}
		d.deps.HumanGate.Announce(ctx, state.Pause)
		if !d.deps.HumanGate.Resolved(ctx, state.Pause) {
			return false, nil
		}
		state.Pause = nil
		d.deps.HumanGate.Reset()
		rs.Status = loopstate.RefinementConsensus
		return true, nil
	}

	rs.Status = loopstate.RefinementAnalyzing
	message, err := d.deps.Prompts.Load(target+"_refinement", map[string]string{
		"SPRINT_ID": state.SprintID, "PATH": path,
	})
	if err != nil {
		return false, err
	}
	if _, err := d.runAgentStep(ctx, state, agent.RoleReasoner, message); err != nil {
		return false, err
	}

	switch rs.Status {
	case loopstate.RefinementConsensus:
		return true, nil
	case loopstate.RefinementAwaitingInput:
		state.Pause = &loopstate.PauseState{
			Reason:       fmt.Sprintf("%s refinement needs a human decision", target),
			Instructions: "Review the refinement brief and respond revise, acknowledge the soft risks, or quit.",
			PausedAt:     time.Now(),
		}
		return false, nil
	default:
		// The session never called report_vision_validation; the next
		// Run() call re-analyzes from scratch.
		rs.Status = loopstate.RefinementNotStarted
		return false, nil
	}
}

func (d *Driver) classifyComplexity(ctx context.Context, state *loopstate.LoopState) error {
	message, err := d.deps.Prompts.Load("classify_complexity", map[string]string{"SPRINT_ID": state.SprintID})
	if err != nil {
		return err
	}
	_, err = d.runAgentStep(ctx, state, agent.RoleReasoner, message)
	return err
}

func (d *Driver) generatePlan(ctx context.Context, state *loopstate.LoopState) error {
	message, err := d.deps.Prompts.Load("plan_generation", map[string]string{
		"SPRINT_ID": state.SprintID, "EPIC_ID": d.cfg.EpicID,
	})
	if err != nil {
		return err
	}
	if _, err := d.runAgentStep(ctx, state, agent.RoleReasoner, message); err != nil {
		return err
	}
	if len(state.Tasks) == 0 {
		return apperrors.ValidationError("plan", "plan generation produced zero tasks, aborting pre-loop")
	}
	return nil
}

// runQualityGates runs each configured gate up to MaxRemediationAttempts
// times, checking the latest "critique" agent result for an APPROVE
// verdict between attempts. A gate that never reaches APPROVE is
// logged and left non-blocking: the blocker check after this step is
// what can actually abort the pre-loop.
func (d *Driver) runQualityGates(ctx context.Context, state *loopstate.LoopState) {
	for _, gate := range d.cfg.QualityGateOrder {
		passed := false
		for attempt := 0; attempt < d.cfg.MaxRemediationAttempts && !passed; attempt++ {
			message, err := d.deps.Prompts.Load("gate_"+gate, map[string]string{
				"SPRINT_ID": state.SprintID, "GATE": gate,
			})
			if err != nil {
				d.deps.Log.Error(err, "failed to load quality gate prompt", "gate", gate)
				break
			}
			if _, err := d.runAgentStep(ctx, state, agent.RoleQC, message); err != nil {
				d.deps.Log.Error(err, "quality gate step failed", "gate", gate, "attempt", attempt)
				continue
			}
			if result, ok := state.AgentResults["critique"]; ok {
				if verdict, _ := result.Payload["verdict"].(string); verdict == "APPROVE" {
					passed = true
				}
			}
		}
		state.GatesPassed["gate:"+gate] = passed
		if !passed {
			d.logProgress(state, fmt.Sprintf("quality gate %s did not reach APPROVE within %d attempts", gate, d.cfg.MaxRemediationAttempts))
		}
	}
}

func (d *Driver) checkBlockers(state *loopstate.LoopState) error {
	for _, t := range state.Tasks {
		if t.Status == loopstate.TaskBlocked && !strings.HasPrefix(t.CompletionNotes, "HUMAN_ACTION:") {
			return apperrors.ValidationError("pre_loop", fmt.Sprintf("task %s blocked for a non-human-action reason: %s", t.TaskID, t.CompletionNotes))
		}
	}
	return nil
}

func (d *Driver) complete(state *loopstate.LoopState) error {
	if err := d.deps.Git.Checkpoint(state, "pre_loop_complete", fmt.Sprintf("plan(%s): pre-loop gates complete", state.SprintID), 0); err != nil {
		return err
	}
	state.Phase = loopstate.PhaseValueLoop
	return nil
}

func (d *Driver) runAgentStep(ctx context.Context, state *loopstate.LoopState, role agent.Role, message string) (agent.Usage, error) {
	roleConfig := d.deps.Roles[role]
	handle, err := d.deps.Runtime.Begin(ctx, agent.BeginOptions{
		Role:     role,
		MaxTurns: roleConfig.MaxTurns,
		Tools:    roleConfig.Tools,
		Timeout:  agent.DefaultSessionTimeout,
	})
	if err != nil {
		return agent.Usage{}, err
	}
	defer d.deps.Runtime.End(ctx, handle)

	resolveTool := func(ctx context.Context, call agent.ToolCall) string {
		raw, merr := json.Marshal(call.Inputs)
		if merr != nil {
			return `{"error":"failed to marshal tool inputs"}`
		}
		return d.deps.Dispatcher.Dispatch(ctx, state, call.Name, raw)
	}

	_, _, usage, _, err := d.deps.Runtime.Send(ctx, handle, message, resolveTool)
	state.Tokens.Input += usage.InputTokens
	state.Tokens.Output += usage.OutputTokens
	state.Tokens.Total += usage.InputTokens + usage.OutputTokens
	return usage, err
}

func (d *Driver) logProgress(state *loopstate.LoopState, message string) {
	state.ProgressLog = append(state.ProgressLog, loopstate.ProgressLogEntry{
		Iteration: state.Iteration, Message: message, Timestamp: time.Now(),
	})
}
