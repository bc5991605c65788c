// Package decision implements the orchestrator's decision engine: a
// pure, priority-ordered state machine that inspects a LoopState
// snapshot and a Config and returns the single next Action to
// dispatch. It performs no I/O and holds no state of its own — two
// calls against an unmutated state always return the same Action.
package decision

import (
	"sort"
	"strings"

	"github.com/valueforge/orchestrator/pkg/loopstate"
)

// Action names the next step the value loop driver should dispatch.
type Action string

const (
	ActionInteractivePause Action = "INTERACTIVE_PAUSE"
	ActionServiceFix       Action = "SERVICE_FIX"
	ActionCourseCorrect    Action = "COURSE_CORRECT"
	ActionGenerateQC       Action = "GENERATE_QC"
	ActionFix              Action = "FIX"
	ActionResearch         Action = "RESEARCH"
	ActionExecute          Action = "EXECUTE"
	ActionRunQC            Action = "RUN_QC"
	ActionCriticalEval     Action = "CRITICAL_EVAL"
	ActionCoherenceEval    Action = "COHERENCE_EVAL"
	ActionExitGate         Action = "EXIT_GATE"
)

// Config holds the thresholds the decision engine reads. All fields
// have documented defaults applied by DefaultConfig.
type Config struct {
	MaxNoProgress              int
	MaxCourseCorrections       int
	GenerateVerificationsAfter int
	MaxFixAttempts             int
	CriticalEvalInterval       int
	VRCShipReadyThreshold      float64
	ServicesHealthy            func() bool
}

// DefaultConfig returns the documented threshold defaults.
func DefaultConfig() Config {
	return Config{
		MaxNoProgress:              5,
		MaxCourseCorrections:       3,
		GenerateVerificationsAfter: 3,
		MaxFixAttempts:             3,
		CriticalEvalInterval:       10,
		VRCShipReadyThreshold:      0.9,
		ServicesHealthy:            func() bool { return true },
	}
}

// Decision is the Action plus the context a handler needs to execute
// it (e.g. which task id EXECUTE should run, which verification FIX
// targets).
type Decision struct {
	Action         Action
	TaskID         string
	VerificationID string
	Warning        string
}

// executionPriority orders task provenance for EXECUTE tie-breaking:
// exit_gate < critical_eval < vrc < course_correction < plan < *.
var executionPriority = map[string]int{
	"exit_gate":        0,
	"critical_eval":    1,
	"vrc":              2,
	"course_correction": 3,
	"plan":             4,
}

func priorityOf(source string) int {
	if p, ok := executionPriority[source]; ok {
		return p
	}
	return 5
}

// Decide is the pure priority-ordered state machine: the first
// matching rule wins.
func Decide(state *loopstate.LoopState, config Config) Decision {
	if state.Pause != nil {
		return Decision{Action: ActionInteractivePause}
	}

	if config.ServicesHealthy != nil && !config.ServicesHealthy() {
		return Decision{Action: ActionServiceFix}
	}

	if state.IterationsWithoutProgress >= config.MaxNoProgress {
		if countCourseCorrections(state) >= config.MaxCourseCorrections {
			return Decision{Action: ActionInteractivePause, Warning: "max course corrections exhausted, requesting human help"}
		}
		return Decision{Action: ActionCourseCorrect}
	}

	epicTasks := scopedTasks(state)

	if len(state.Verifications) == 0 &&
		countDone(epicTasks) >= config.GenerateVerificationsAfter &&
		state.GatesPassed["plan"] &&
		!state.GatesPassed["verification_generation_attempted"] {
		return Decision{Action: ActionGenerateQC}
	}

	if failed := scopedFailedVerifications(state); len(failed) > 0 {
		if fixable := firstFixableVerification(failed, config); fixable != nil {
			return Decision{Action: ActionFix, VerificationID: fixable.VerificationID}
		}
		// Every failing verification has exhausted its fix attempts.
		exhausted := failed[0]
		if !state.ResearchAttemptedForCurrentFailures {
			return Decision{Action: ActionResearch, VerificationID: exhausted.VerificationID}
		}
		return Decision{Action: ActionCourseCorrect}
	}

	if task := firstHumanActionBlockedTask(epicTasks); task != nil {
		return Decision{Action: ActionInteractivePause, TaskID: task.TaskID}
	}

	if ready := readyPendingTasks(epicTasks, state); len(ready) > 0 {
		return Decision{Action: ActionExecute, TaskID: pickNextTask(ready)}
	}
	if hasPendingTasks(epicTasks) {
		return Decision{Action: ActionCourseCorrect}
	}

	if hasPendingVerification(state) {
		return Decision{Action: ActionRunQC}
	}

	if criticalEvalDue(state, config) {
		return Decision{Action: ActionCriticalEval}
	}
	if coherenceCriticalPending(state) {
		return Decision{Action: ActionCoherenceEval}
	}

	if !hasPendingTasks(epicTasks) && len(state.Verifications) > 0 && allPassing(state) {
		return Decision{Action: ActionExitGate}
	}
	if !hasPendingTasks(epicTasks) && len(state.Verifications) == 0 && state.GatesPassed["plan"] {
		return Decision{Action: ActionExitGate, Warning: "no verifications were ever generated"}
	}

	return Decision{Action: ActionCourseCorrect}
}

// PickNextTask exposes the tie-break rule for callers that already
// hold a ready-task slice (e.g. tests, or a handler re-deriving
// readiness after its own filter).
func PickNextTask(ready []*loopstate.Task) string {
	return pickNextTask(ready)
}

func pickNextTask(ready []*loopstate.Task) string {
	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := priorityOf(ready[i].Source), priorityOf(ready[j].Source)
		if pi != pj {
			return pi < pj
		}
		return ready[i].TaskID < ready[j].TaskID
	})
	return ready[0].TaskID
}

func currentEpicID(state *loopstate.LoopState) string {
	if len(state.Epics) == 0 || state.CurrentEpicIndex < 0 || state.CurrentEpicIndex >= len(state.Epics) {
		return ""
	}
	return state.Epics[state.CurrentEpicIndex].EpicID
}

// scopedTasks restricts the task set to the current epic for
// multi-epic sprints, matching tasks whose epic_id is empty (shared
// setup tasks) or equal to the current epic.
func scopedTasks(state *loopstate.LoopState) []*loopstate.Task {
	epic := currentEpicID(state)
	if epic == "" {
		out := make([]*loopstate.Task, 0, len(state.Tasks))
		for _, t := range state.Tasks {
			out = append(out, t)
		}
		return out
	}
	out := make([]*loopstate.Task, 0, len(state.Tasks))
	for _, t := range state.Tasks {
		if t.EpicID == "" || t.EpicID == epic {
			out = append(out, t)
		}
	}
	return out
}

func countDone(tasks []*loopstate.Task) int {
	n := 0
	for _, t := range tasks {
		if t.Status == loopstate.TaskDone {
			n++
		}
	}
	return n
}

func countCourseCorrections(state *loopstate.LoopState) int {
	n := 0
	for _, entry := range state.ProgressLog {
		if strings.Contains(strings.ToUpper(entry.Message), string(ActionCourseCorrect)) {
			n++
		}
	}
	return n
}

// scopedFailedVerifications returns every failed verification sorted
// by id, lowest first.
func scopedFailedVerifications(state *loopstate.LoopState) []*loopstate.Verification {
	ids := make([]string, 0, len(state.Verifications))
	for id := range state.Verifications {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var failed []*loopstate.Verification
	for _, id := range ids {
		v := state.Verifications[id]
		if v.Status == loopstate.VerificationFailed {
			failed = append(failed, v)
		}
	}
	return failed
}

// firstFixableVerification returns the lowest-id failed verification
// that still has fix attempts remaining, or nil if every one of them
// has exhausted MaxFixAttempts.
func firstFixableVerification(failed []*loopstate.Verification, config Config) *loopstate.Verification {
	for _, v := range failed {
		if v.Attempts < config.MaxFixAttempts {
			return v
		}
	}
	return nil
}

func firstHumanActionBlockedTask(tasks []*loopstate.Task) *loopstate.Task {
	ids := taskIDs(tasks)
	sort.Strings(ids)
	byID := indexByID(tasks)
	for _, id := range ids {
		t := byID[id]
		if t.Status == loopstate.TaskBlocked && strings.HasPrefix(t.CompletionNotes, "HUMAN_ACTION:") {
			return t
		}
	}
	return nil
}

func readyPendingTasks(tasks []*loopstate.Task, state *loopstate.LoopState) []*loopstate.Task {
	var ready []*loopstate.Task
	for _, t := range tasks {
		if t.Status != loopstate.TaskPending {
			continue
		}
		if dependenciesSatisfied(t, state) {
			ready = append(ready, t)
		}
	}
	return ready
}

// dependenciesSatisfied treats both "done" and "descoped" dependency
// tasks as satisfying a dependency edge.
func dependenciesSatisfied(t *loopstate.Task, state *loopstate.LoopState) bool {
	for _, depID := range t.Dependencies {
		dep, ok := state.Tasks[depID]
		if !ok {
			continue
		}
		if dep.Status != loopstate.TaskDone && dep.Status != loopstate.TaskDescoped {
			return false
		}
	}
	return true
}

func hasPendingTasks(tasks []*loopstate.Task) bool {
	for _, t := range tasks {
		if t.Status == loopstate.TaskPending {
			return true
		}
	}
	return false
}

func hasPendingVerification(state *loopstate.LoopState) bool {
	for _, v := range state.Verifications {
		if v.Status == loopstate.VerificationPending {
			return true
		}
	}
	return false
}

func allPassing(state *loopstate.LoopState) bool {
	for _, v := range state.Verifications {
		if v.Status != loopstate.VerificationPassed {
			return false
		}
	}
	return true
}

func criticalEvalDue(state *loopstate.LoopState, config Config) bool {
	if config.CriticalEvalInterval > 0 && state.Iteration > 0 && state.Iteration%config.CriticalEvalInterval == 0 {
		return true
	}
	if allPassing(state) && len(state.Verifications) > 0 {
		for _, snap := range state.VRCHistory {
			if snap.ValueScore >= config.VRCShipReadyThreshold {
				return false
			}
		}
		return true
	}
	return false
}

func coherenceCriticalPending(state *loopstate.LoopState) bool {
	return state.GatesPassed["coherence_critical_pending"]
}

func taskIDs(tasks []*loopstate.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.TaskID)
	}
	return ids
}

func indexByID(tasks []*loopstate.Task) map[string]*loopstate.Task {
	idx := make(map[string]*loopstate.Task, len(tasks))
	for _, t := range tasks {
		idx[t.TaskID] = t
	}
	return idx
}
