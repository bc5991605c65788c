// Package epicloop runs the outer epic sequence for multi-epic
// sprints: a scoped pre-loop plus value loop per epic, bounded on
// either side by a coherence/critical-eval checkpoint and a
// Proceed/Adjust/Stop decision.
package epicloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/agent"
	"github.com/valueforge/orchestrator/pkg/dispatcher"
	"github.com/valueforge/orchestrator/pkg/gitsafety"
	"github.com/valueforge/orchestrator/pkg/humanloop"
	"github.com/valueforge/orchestrator/pkg/loop"
	"github.com/valueforge/orchestrator/pkg/loopstate"
	"github.com/valueforge/orchestrator/pkg/preloop"
	"github.com/valueforge/orchestrator/pkg/prompt"
)

// Decision is the human call at an epic boundary.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionAdjust  Decision = "adjust"
	DecisionStop    Decision = "stop"
)

// Dependencies collects what the epic loop needs to scope a pre-loop
// and a value loop to a single epic, plus the boundary checkpoint.
type Dependencies struct {
	Runtime    agent.Runtime
	Dispatcher *dispatcher.Dispatcher
	Prompts    *prompt.Loader
	Git        *gitsafety.Layer
	HumanGate  *humanloop.Gate
	Roles      map[agent.Role]agent.RoleConfig
	Log        logr.Logger

	NewPreLoop func(epicID string) *preloop.Driver
	NewLoop    func(epicID string) *loop.Driver
}

// Config holds the epic loop's own knobs.
type Config struct {
	// BoundaryTimeout bounds how long the loop waits for a human
	// Proceed/Adjust/Stop decision at an epic boundary before
	// auto-proceeding.
	BoundaryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{BoundaryTimeout: 15 * time.Minute}
}

// Driver runs the epic sequence against one LoopState whose Epics
// slice has already been populated by the decomposition step.
type Driver struct {
	deps Dependencies
	cfg  Config
}

func New(deps Dependencies, cfg Config) *Driver {
	if deps.Roles == nil {
		deps.Roles = agent.DefaultRoleConfigs()
	}
	return &Driver{deps: deps, cfg: cfg}
}

// Run advances state.CurrentEpicIndex through every epic until a Stop
// decision or the last epic ships. It returns the exit code the
// overall sprint should report.
func (d *Driver) Run(ctx context.Context, state *loopstate.LoopState) (int, error) {
	if len(state.Epics) == 0 {
		return 1, apperrors.ValidationError("epic_loop", "epic loop invoked with zero epics")
	}

	for state.CurrentEpicIndex < len(state.Epics) {
		epic := &state.Epics[state.CurrentEpicIndex]

		if epic.DetailLevel == loopstate.EpicDetailSketch {
			if err := d.refineEpicDetail(ctx, state, epic); err != nil {
				return 1, err
			}
		}

		pre := d.deps.NewPreLoop(epic.EpicID)
		if err := pre.Run(ctx, state); err != nil {
			if err == preloop.ErrAwaitingHumanInput {
				return 0, err
			}
			return 1, err
		}

		valueLoop := d.deps.NewLoop(epic.EpicID)
		code, err := valueLoop.Run(ctx, state)
		if err != nil && err != loop.ErrPausedForHuman {
			return 1, err
		}
		if err == loop.ErrPausedForHuman {
			return 0, err
		}

		epic.Status = loopstate.TaskDone

		decision, err := d.runBoundary(ctx, state, epic)
		if err != nil {
			return 1, err
		}

		switch decision {
		case DecisionStop:
			return code, nil
		case DecisionAdjust:
			if state.CurrentEpicIndex+1 < len(state.Epics) {
				next := &state.Epics[state.CurrentEpicIndex+1]
				next.DetailLevel = loopstate.EpicDetailSketch
			}
			state.CurrentEpicIndex++
		default: // Proceed
			state.CurrentEpicIndex++
		}
	}

	return 0, nil
}

// refineEpicDetail materializes a sketch epic's task_sketch into a
// fully planned epic before its scoped pre-loop runs, via the
// reasoning role's normal plan handler rather than a bespoke one.
func (d *Driver) refineEpicDetail(ctx context.Context, state *loopstate.LoopState, epic *loopstate.Epic) error {
	message, err := d.deps.Prompts.Load("epic_detail", map[string]string{
		"SPRINT_ID": state.SprintID, "EPIC_ID": epic.EpicID, "EPIC_TITLE": epic.Title,
	})
	if err != nil {
		return err
	}
	if _, err := d.runAgentStep(ctx, state, agent.RoleReasoner, message); err != nil {
		return err
	}
	epic.DetailLevel = loopstate.EpicDetailFull
	return nil
}

// runBoundary runs the full coherence and critical-eval heartbeats,
// generates a curated summary, then waits (bounded by
// cfg.BoundaryTimeout) for a human Proceed/Adjust/Stop decision,
// auto-proceeding on timeout.
func (d *Driver) runBoundary(ctx context.Context, state *loopstate.LoopState, epic *loopstate.Epic) (Decision, error) {
	coherenceMsg, err := d.deps.Prompts.Load("coherence_eval", map[string]string{"SPRINT_ID": state.SprintID, "EPIC_ID": epic.EpicID})
	if err != nil {
		return DecisionProceed, err
	}
	if _, err := d.runAgentStep(ctx, state, agent.RoleEvaluator, coherenceMsg); err != nil {
		return DecisionProceed, err
	}

	criticalMsg, err := d.deps.Prompts.Load("critical_eval", map[string]string{"SPRINT_ID": state.SprintID, "EPIC_ID": epic.EpicID})
	if err != nil {
		return DecisionProceed, err
	}
	if _, err := d.runAgentStep(ctx, state, agent.RoleEvaluator, criticalMsg); err != nil {
		return DecisionProceed, err
	}

	summaryMsg, err := d.deps.Prompts.Load("epic_summary", map[string]string{"SPRINT_ID": state.SprintID, "EPIC_ID": epic.EpicID})
	if err != nil {
		return DecisionProceed, err
	}
	if _, err := d.runAgentStep(ctx, state, agent.RoleEvaluator, summaryMsg); err != nil {
		return DecisionProceed, err
	}

	if err := d.deps.Git.Checkpoint(state, "epic_boundary:"+epic.EpicID,
		fmt.Sprintf("epic(%s): %s boundary checkpoint", state.SprintID, epic.EpicID), d.latestVRCScore(state)); err != nil {
		return DecisionProceed, err
	}

	pause := &loopstate.PauseState{
		Reason:       fmt.Sprintf("epic %s complete: review the curated summary", epic.EpicID),
		Instructions: "Respond proceed, adjust, or stop. No response within the configured timeout auto-proceeds.",
		PausedAt:     time.Now(),
	}
	d.deps.HumanGate.Announce(ctx, pause)

	deadline := time.Now().Add(d.cfg.BoundaryTimeout)
	for time.Now().Before(deadline) {
		if resp := epic.FeedbackResponse; resp != "" {
			d.deps.HumanGate.Reset()
			switch Decision(resp) {
			case DecisionAdjust:
				return DecisionAdjust, nil
			case DecisionStop:
				return DecisionStop, nil
			default:
				return DecisionProceed, nil
			}
		}
		select {
		case <-ctx.Done():
			return DecisionProceed, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	d.deps.HumanGate.Reset()
	d.logProgress(state, fmt.Sprintf("epic %s boundary timed out after %s, auto-proceeding", epic.EpicID, d.cfg.BoundaryTimeout))
	return DecisionProceed, nil
}

func (d *Driver) latestVRCScore(state *loopstate.LoopState) float64 {
	if len(state.VRCHistory) == 0 {
		return 0
	}
	return state.VRCHistory[len(state.VRCHistory)-1].ValueScore
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
