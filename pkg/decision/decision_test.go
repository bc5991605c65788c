package decision

import (
	"testing"

	"github.com/valueforge/orchestrator/pkg/loopstate"
)

func newTestState() *loopstate.LoopState {
	return loopstate.New("sprint-1")
}

func TestDecidePrefersPauseOverEverything(t *testing.T) {
	state := newTestState()
	state.Pause = &loopstate.PauseState{Reason: "missing credential"}
	state.IterationsWithoutProgress = 999

	got := Decide(state, DefaultConfig())
	if got.Action != ActionInteractivePause {
		t.Errorf("Action = %v, want %v", got.Action, ActionInteractivePause)
	}
}

func TestDecideServiceFixBeforeStuckCheck(t *testing.T) {
	state := newTestState()
	config := DefaultConfig()
	config.ServicesHealthy = func() bool { return false }

	got := Decide(state, config)
	if got.Action != ActionServiceFix {
		t.Errorf("Action = %v, want %v", got.Action, ActionServiceFix)
	}
}

func TestDecideCourseCorrectWhenStuck(t *testing.T) {
	state := newTestState()
	state.IterationsWithoutProgress = 5

	got := Decide(state, DefaultConfig())
	if got.Action != ActionCourseCorrect {
		t.Errorf("Action = %v, want %v", got.Action, ActionCourseCorrect)
	}
}

func TestDecidePausesAfterMaxCourseCorrections(t *testing.T) {
	state := newTestState()
	state.IterationsWithoutProgress = 5
	for i := 0; i < 3; i++ {
		state.ProgressLog = append(state.ProgressLog, loopstate.ProgressLogEntry{Message: "dispatched COURSE_CORRECT"})
	}

	got := Decide(state, DefaultConfig())
	if got.Action != ActionInteractivePause {
		t.Errorf("Action = %v, want %v", got.Action, ActionInteractivePause)
	}
}

func TestDecideGenerateQC(t *testing.T) {
	state := newTestState()
	state.GatesPassed["plan"] = true
	for i := 0; i < 3; i++ {
		id := "T" + string(rune('1'+i))
		state.Tasks[id] = &loopstate.Task{TaskID: id, Status: loopstate.TaskDone}
	}

	got := Decide(state, DefaultConfig())
	if got.Action != ActionGenerateQC {
		t.Errorf("Action = %v, want %v", got.Action, ActionGenerateQC)
	}
}

func TestDecideFixBeforeMaxAttempts(t *testing.T) {
	state := newTestState()
	state.Verifications["unit/foo"] = &loopstate.Verification{VerificationID: "unit/foo", Status: loopstate.VerificationFailed, Attempts: 1}

	got := Decide(state, DefaultConfig())
	if got.Action != ActionFix || got.VerificationID != "unit/foo" {
		t.Errorf("Decide() = %+v, want FIX unit/foo", got)
	}
}

func TestDecideResearchAfterMaxFixAttempts(t *testing.T) {
	state := newTestState()
	config := DefaultConfig()
	state.Verifications["unit/foo"] = &loopstate.Verification{VerificationID: "unit/foo", Status: loopstate.VerificationFailed, Attempts: config.MaxFixAttempts}

	got := Decide(state, config)
	if got.Action != ActionResearch {
		t.Errorf("Action = %v, want %v", got.Action, ActionResearch)
	}
}

func TestDecideFixesStillFixableVerificationWhenLowestIDExhausted(t *testing.T) {
	state := newTestState()
	config := DefaultConfig()
	// "a/exhausted" sorts before "b/fixable" but has no attempts left;
	// the engine must still pick FIX for the one that does.
	state.Verifications["a/exhausted"] = &loopstate.Verification{VerificationID: "a/exhausted", Status: loopstate.VerificationFailed, Attempts: config.MaxFixAttempts}
	state.Verifications["b/fixable"] = &loopstate.Verification{VerificationID: "b/fixable", Status: loopstate.VerificationFailed, Attempts: 1}

	got := Decide(state, config)
	if got.Action != ActionFix || got.VerificationID != "b/fixable" {
		t.Errorf("Decide() = %+v, want FIX b/fixable", got)
	}
}

func TestDecideResearchOnlyWhenEveryFailedVerificationExhausted(t *testing.T) {
	state := newTestState()
	config := DefaultConfig()
	state.Verifications["a/exhausted"] = &loopstate.Verification{VerificationID: "a/exhausted", Status: loopstate.VerificationFailed, Attempts: config.MaxFixAttempts}
	state.Verifications["b/also-exhausted"] = &loopstate.Verification{VerificationID: "b/also-exhausted", Status: loopstate.VerificationFailed, Attempts: config.MaxFixAttempts}

	got := Decide(state, config)
	if got.Action != ActionResearch || got.VerificationID != "a/exhausted" {
		t.Errorf("Decide() = %+v, want RESEARCH a/exhausted", got)
	}
}

func TestDecideCourseCorrectAfterResearchAttempted(t *testing.T) {
	state := newTestState()
	config := DefaultConfig()
	state.Verifications["unit/foo"] = &loopstate.Verification{VerificationID: "unit/foo", Status: loopstate.VerificationFailed, Attempts: config.MaxFixAttempts}
	state.ResearchAttemptedForCurrentFailures = true

	got := Decide(state, config)
	if got.Action != ActionCourseCorrect {
		t.Errorf("Action = %v, want %v", got.Action, ActionCourseCorrect)
	}
}

func TestDecideExecuteReadyTask(t *testing.T) {
	state := newTestState()
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Status: loopstate.TaskPending, Source: "plan"}

	got := Decide(state, DefaultConfig())
	if got.Action != ActionExecute || got.TaskID != "T1" {
		t.Errorf("Decide() = %+v, want EXECUTE T1", got)
	}
}

func TestDecideDescopedDependencySatisfiesReadiness(t *testing.T) {
	state := newTestState()
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Status: loopstate.TaskDescoped}
	state.Tasks["T2"] = &loopstate.Task{TaskID: "T2", Status: loopstate.TaskPending, Dependencies: []string{"T1"}, Source: "plan"}

	got := Decide(state, DefaultConfig())
	if got.Action != ActionExecute || got.TaskID != "T2" {
		t.Errorf("Decide() = %+v, want EXECUTE T2 (descoped dependency counts as satisfied)", got)
	}
}

func TestDecideCourseCorrectWhenNoTaskIsReady(t *testing.T) {
	state := newTestState()
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Status: loopstate.TaskPending, Dependencies: []string{"T0"}}
	state.Tasks["T0"] = &loopstate.Task{TaskID: "T0", Status: loopstate.TaskInProgress}

	got := Decide(state, DefaultConfig())
	if got.Action != ActionCourseCorrect {
		t.Errorf("Action = %v, want %v", got.Action, ActionCourseCorrect)
	}
}

func TestDecideExitGateWhenAllPassing(t *testing.T) {
	state := newTestState()
	state.GatesPassed["plan"] = true
	state.Verifications["unit/foo"] = &loopstate.Verification{VerificationID: "unit/foo", Status: loopstate.VerificationPassed}
	// A prior ship-ready VRC keeps the all-pass critical-eval trigger
	// from firing ahead of the exit gate.
	state.VRCHistory = append(state.VRCHistory, loopstate.VRCSnapshot{ValueScore: 0.95})

	got := Decide(state, DefaultConfig())
	if got.Action != ActionExitGate {
		t.Errorf("Action = %v, want %v", got.Action, ActionExitGate)
	}
}

func TestDecideExitGateWithNoVerificationsWarns(t *testing.T) {
	state := newTestState()
	state.GatesPassed["plan"] = true

	got := Decide(state, DefaultConfig())
	if got.Action != ActionExitGate || got.Warning == "" {
		t.Errorf("Decide() = %+v, want EXIT_GATE with a warning", got)
	}
}

func TestDecideIsPureGivenUnmutatedState(t *testing.T) {
	state := newTestState()
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Status: loopstate.TaskPending, Source: "plan"}
	config := DefaultConfig()

	first := Decide(state, config)
	second := Decide(state, config)
	if first != second {
		t.Errorf("Decide() not pure: first=%+v second=%+v", first, second)
	}
}

func TestPickNextTaskOrdersByProvenanceThenID(t *testing.T) {
	ready := []*loopstate.Task{
		{TaskID: "B", Source: "plan"},
		{TaskID: "A", Source: "exit_gate"},
		{TaskID: "C", Source: "plan"},
	}
	if got := PickNextTask(ready); got != "A" {
		t.Errorf("PickNextTask() = %q, want %q (exit_gate outranks plan)", got, "A")
	}
}

func TestPickNextTaskTieBreaksByID(t *testing.T) {
	ready := []*loopstate.Task{
		{TaskID: "C", Source: "plan"},
		{TaskID: "A", Source: "plan"},
		{TaskID: "B", Source: "plan"},
	}
	if got := PickNextTask(ready); got != "A" {
		t.Errorf("PickNextTask() = %q, want %q", got, "A")
	}
}

func TestDecideEpicScopingIgnoresOtherEpicTasks(t *testing.T) {
	state := newTestState()
	state.Epics = []loopstate.Epic{{EpicID: "E1"}, {EpicID: "E2"}}
	state.CurrentEpicIndex = 0
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Status: loopstate.TaskPending, Source: "plan", EpicID: "E2"}

	got := Decide(state, DefaultConfig())
	if got.Action == ActionExecute {
		t.Errorf("Decide() = %+v, should not execute a task scoped to a different epic", got)
	}
}
