// Package loop implements the value loop driver: the per-iteration
// cycle that asks the decision engine what to do next, runs an agent
// session for that step, applies any resulting tool calls through the
// dispatcher, updates the process monitor and VRC heartbeat, and
// saves state atomically before deciding whether to continue.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/agent"
	"github.com/valueforge/orchestrator/pkg/decision"
	"github.com/valueforge/orchestrator/pkg/dispatcher"
	"github.com/valueforge/orchestrator/pkg/humanloop"
	"github.com/valueforge/orchestrator/pkg/lock"
	"github.com/valueforge/orchestrator/pkg/loopstate"
	"github.com/valueforge/orchestrator/pkg/monitor"
	"github.com/valueforge/orchestrator/pkg/prompt"
	"github.com/valueforge/orchestrator/pkg/render"
	"github.com/valueforge/orchestrator/pkg/verification"
)

// Telemetry records the signals a deployment wants observable;
// pkg/telemetry supplies a Prometheus/OTel-backed implementation. A
// nil Telemetry on Dependencies falls back to a no-op.
type Telemetry interface {
	RecordIteration(ctx context.Context, action string)
	RecordDispatchFailure(ctx context.Context, action string)
}

type noopTelemetry struct{}

func (noopTelemetry) RecordIteration(context.Context, string)       {}
func (noopTelemetry) RecordDispatchFailure(context.Context, string) {}

// Dependencies collects everything the driver needs from the rest of
// the tree, assembled by the composition root.
type Dependencies struct {
	Runtime    agent.Runtime
	Dispatcher *dispatcher.Dispatcher
	Store      *loopstate.Store
	Lock       lock.Locker
	Prompts    *prompt.Loader
	Renderer   *render.Renderer
	HumanGate  *humanloop.Gate
	Telemetry  Telemetry
	Log        logr.Logger

	Decision decision.Config
	Monitor  monitor.Config
	Roles    map[agent.Role]agent.RoleConfig
}

// Config holds the driver's own thresholds, distinct from the
// decision engine's and process monitor's own Config types.
type Config struct {
	MaxIterations int
	TokenBudget   int64
	RepoRoot      string
}

// Driver runs one sprint's value loop to completion, a human pause, or
// the iteration/token cap.
type Driver struct {
	deps Dependencies
	cfg  Config
}

// New builds a Driver. A nil Telemetry or Roles on deps falls back to
// a no-op recorder and agent.DefaultRoleConfigs respectively.
func New(deps Dependencies, cfg Config) *Driver {
	if deps.Telemetry == nil {
		deps.Telemetry = noopTelemetry{}
	}
	if deps.Roles == nil {
		deps.Roles = agent.DefaultRoleConfigs()
	}
	return &Driver{deps: deps, cfg: cfg}
}

// roleForAction maps a decision Action to the abstract role that
// executes it. ExitGate and InteractivePause are handled specially in
// Run and never look up this table.
var roleForAction = map[decision.Action]agent.Role{
	decision.ActionExecute:       agent.RoleBuilder,
	decision.ActionFix:           agent.RoleFixer,
	decision.ActionServiceFix:    agent.RoleFixer,
	decision.ActionGenerateQC:    agent.RoleQC,
	decision.ActionRunQC:         agent.RoleQC,
	decision.ActionResearch:      agent.RoleResearcher,
	decision.ActionCourseCorrect: agent.RoleReasoner,
	decision.ActionCriticalEval:  agent.RoleEvaluator,
	decision.ActionCoherenceEval: agent.RoleEvaluator,
}

// ErrPausedForHuman is returned by Run when the sprint is blocked on a
// human response that has not yet resolved. It is not a failure: the
// caller is expected to re-invoke Run later (a timer, a file watch, or
// simply the next scheduled run) rather than treat the sprint as dead.
var ErrPausedForHuman = fmt.Errorf("sprint paused pending human action")

// Run drives state forward until the exit gate passes, the sprint
// pauses for a human, or the iteration/token cap is reached. It
// returns the process exit code (0 success, 2 partial, 1 failure)
// alongside any error that caused an early, non-pause stop.
func (d *Driver) Run(ctx context.Context, state *loopstate.LoopState) (int, error) {
	if err := d.deps.Lock.TryAcquire(); err != nil {
		return 1, err
	}
	defer d.deps.Lock.Release()

	state.Phase = loopstate.PhaseValueLoop

	for {
		if d.cfg.MaxIterations > 0 && state.Iteration >= d.cfg.MaxIterations {
			return d.finish(ctx, state, "partial")
		}
		if d.cfg.TokenBudget > 0 && state.Tokens.Total >= d.cfg.TokenBudget {
			return d.finish(ctx, state, "partial")
		}

		dec := decision.Decide(state, d.deps.Decision)
		d.deps.Telemetry.RecordIteration(ctx, string(dec.Action))

		switch dec.Action {
		case decision.ActionExitGate:
			passed, err := d.runExitGate(ctx, state)
			if err != nil {
				return 1, err
			}
			if passed {
				return d.finish(ctx, state, "success")
			}

		case decision.ActionInteractivePause:
			if err := d.handlePause(ctx, state); err != nil {
				return 1, err
			}
			if state.Pause != nil {
				if err := d.deps.Store.Save(ctx, state); err != nil {
					return 1, err
				}
				return 0, ErrPausedForHuman
			}

		default:
			doneBefore := countDoneTasks(state)
			if err := d.runStep(ctx, state, dec); err != nil {
				d.resetInProgressTasks(state)
				state.IterationsWithoutProgress++
				d.deps.Telemetry.RecordDispatchFailure(ctx, string(dec.Action))
				d.deps.Log.Error(err, "iteration step failed", "action", string(dec.Action))
			} else if countDoneTasks(state) > doneBefore {
				state.IterationsWithoutProgress = 0
			} else {
				state.IterationsWithoutProgress++
			}
		}

		state.Iteration++
		state.UpdatedAt = time.Now()
		d.runProcessMonitor(state)
		d.runVRCHeartbeat(ctx, state, dec)

		if err := d.deps.Store.Save(ctx, state); err != nil {
			return 1, err
		}
	}
}

// runStep loads the prompt for dec.Action, runs one agent session
// with the mapped role, and lets any tool calls mutate state through
// the dispatcher.
func (d *Driver) runStep(ctx context.Context, state *loopstate.LoopState, dec decision.Decision) error {
	role, ok := roleForAction[dec.Action]
	if !ok {
		return apperrors.ValidationError("decision", "no role mapped for action "+string(dec.Action))
	}

	promptName := strings.ToLower(string(dec.Action))
	message, err := d.deps.Prompts.Load(promptName, map[string]string{
		"SPRINT_ID":       state.SprintID,
		"ITERATION":       fmt.Sprintf("%d", state.Iteration),
		"TASK_ID":         dec.TaskID,
		"VERIFICATION_ID": dec.VerificationID,
		"WARNING":         dec.Warning,
	})
	if err != nil {
		return err
	}

	_, err = d.runAgentStep(ctx, state, role, message)
	return err
}

// runAgentStep opens a session for role, sends message, wires the
// dispatcher as the tool resolver, and accumulates token usage onto
// state regardless of outcome.
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

// runExitGate re-runs every verification category in order plus the
// regression baseline. A clean pass is the only way EXIT_GATE
// succeeds; any failure or regression logs why and lets the decision
// engine route back into ordinary iteration on the next pass.
func (d *Driver) runExitGate(ctx context.Context, state *loopstate.LoopState) (bool, error) {
	state.ExitGateAttempts++
	for _, category := range state.CategoryOrder {
		verification.RunCategory(ctx, state, category)
	}

	if regressions := verification.RunRegression(ctx, state); len(regressions) > 0 {
		d.logProgress(state, "EXIT_GATE blocked: regression in "+strings.Join(regressions, ", "))
		return false, nil
	}
	if failures := verification.CurrentFailureSet(state); len(failures) > 0 {
		d.logProgress(state, "EXIT_GATE blocked: failing "+strings.Join(failures, ", "))
		return false, nil
	}
	return true, nil
}

// handlePause announces an installed pause once and clears it as soon
// as its verification command starts succeeding.
func (d *Driver) handlePause(ctx context.Context, state *loopstate.LoopState) error {
	if state.Pause == nil {
		return nil
	}
	d.deps.HumanGate.Announce(ctx, state.Pause)
	if d.deps.HumanGate.Resolved(ctx, state.Pause) {
		state.Pause = nil
		state.IterationsWithoutProgress = 0
		d.deps.HumanGate.Reset()
		d.logProgress(state, "human action resolved, resuming")
	}
	return nil
}

// finish renders the sprint's final markdown artifacts, persists
// state, and translates status into the documented exit code.
func (d *Driver) finish(ctx context.Context, state *loopstate.LoopState, status string) (int, error) {
	if err := d.deps.Renderer.ImplementationPlan(state); err != nil {
		return 1, err
	}
	if err := d.deps.Renderer.ValueChecklist(state); err != nil {
		return 1, err
	}
	if err := d.deps.Renderer.DeliveryReport(state, status); err != nil {
		return 1, err
	}
	if err := d.deps.Store.Save(ctx, state); err != nil {
		return 1, err
	}

	switch status {
	case "success":
		return 0, nil
	case "partial":
		if latestVRCScore(state) > 0.5 {
			return 2, nil
		}
		return 1, nil
	default:
		return 1, nil
	}
}

func (d *Driver) resetInProgressTasks(state *loopstate.LoopState) {
	for id, t := range state.Tasks {
		if t.Status == loopstate.TaskInProgress {
			reset := *t
			reset.Status = loopstate.TaskPending
			state.Tasks[id] = &reset
		}
	}
}

func (d *Driver) logProgress(state *loopstate.LoopState, message string) {
	state.ProgressLog = append(state.ProgressLog, loopstate.ProgressLogEntry{
		Iteration: state.Iteration, Message: message, Timestamp: time.Now(),
	})
}

// runProcessMonitor advances the deterministic, zero-LLM-cost metrics
// every iteration, independent of which action ran.
func (d *Driver) runProcessMonitor(state *loopstate.LoopState) {
	monitor.RecordChurn(&state.ProcessMonitor, state)
	monitor.RecordErrorHashes(&state.ProcessMonitor, state)
	state.ProcessMonitor.Warnings = monitor.ScanFileHealth(&state.ProcessMonitor, state, d.cfg.RepoRoot, d.deps.Monitor)
	state.ProcessMonitor.Status = monitor.EvaluateTrigger(&state.ProcessMonitor, state, d.deps.Monitor, d.cfg.TokenBudget)
}

// runVRCHeartbeat runs a full (agent-driven) value-realization check
// on the first three iterations, every fifth thereafter, and right
// after a critical eval or course correction; every other iteration
// gets a cheap deterministic snapshot. If a full heartbeat's agent
// session never calls report_vrc, the same deterministic fallback
// keeps VRCHistory from going stale.
func (d *Driver) runVRCHeartbeat(ctx context.Context, state *loopstate.LoopState, dec decision.Decision) {
	full := state.Iteration <= 3 || state.Iteration%5 == 0 ||
		dec.Action == decision.ActionCriticalEval || dec.Action == decision.ActionCourseCorrect

	historyBefore := len(state.VRCHistory)
	if full {
		message, err := d.deps.Prompts.Load("vrc_full", map[string]string{
			"SPRINT_ID": state.SprintID,
			"ITERATION": fmt.Sprintf("%d", state.Iteration),
		})
		if err != nil {
			d.deps.Log.Error(err, "failed to load vrc_full prompt")
		} else if _, err := d.runAgentStep(ctx, state, agent.RoleEvaluator, message); err != nil {
			d.deps.Log.Error(err, "vrc heartbeat agent step failed")
		}
	}

	if len(state.VRCHistory) == historyBefore {
		state.VRCHistory = append(state.VRCHistory, fallbackVRCSnapshot(state))
	}
}

func fallbackVRCSnapshot(state *loopstate.LoopState) loopstate.VRCSnapshot {
	total, verified, blocked := 0, 0, 0
	for _, t := range state.Tasks {
		if t.Status == loopstate.TaskDescoped {
			continue
		}
		total++
		switch t.Status {
		case loopstate.TaskDone:
			verified++
		case loopstate.TaskBlocked:
			blocked++
		}
	}
	score := 0.0
	if total > 0 {
		score = float64(verified) / float64(total)
	}
	recommendation := loopstate.VRCContinue
	if blocked > 0 {
		recommendation = loopstate.VRCCourseCorrect
	}
	return loopstate.VRCSnapshot{
		Iteration: state.Iteration, ValueScore: score,
		DeliverablesTotal: total, DeliverablesVerified: verified, DeliverablesBlocked: blocked,
		Recommendation: recommendation,
		Summary:        "deterministic fallback snapshot, agent did not report_vrc this iteration",
		Timestamp:      time.Now(),
	}
}

func countDoneTasks(state *loopstate.LoopState) int {
	n := 0
	for _, t := range state.Tasks {
		if t.Status == loopstate.TaskDone {
			n++
		}
	}
	return n
}

func latestVRCScore(state *loopstate.LoopState) float64 {
	if len(state.VRCHistory) == 0 {
		return 0
	}
	return state.VRCHistory[len(state.VRCHistory)-1].ValueScore
}
