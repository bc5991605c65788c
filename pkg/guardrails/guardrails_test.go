package guardrails

import (
	"testing"

	"github.com/valueforge/orchestrator/pkg/loopstate"
)

func TestJaccardSimilarityIdentical(t *testing.T) {
	got := JaccardSimilarity("add login form", "add login form")
	if got != 1.0 {
		t.Errorf("JaccardSimilarity() = %v, want 1.0", got)
	}
}

func TestJaccardSimilarityDisjoint(t *testing.T) {
	got := JaccardSimilarity("add login form", "fix database timeout")
	if got != 0.0 {
		t.Errorf("JaccardSimilarity() = %v, want 0.0", got)
	}
}

func TestJaccardSimilarityPartialOverlap(t *testing.T) {
	got := JaccardSimilarity("add login form validation", "add login form styling")
	// intersection: {add, login, form} = 3; union: {add, login, form, validation, styling} = 5
	want := 3.0 / 5.0
	if got != want {
		t.Errorf("JaccardSimilarity() = %v, want %v", got, want)
	}
}

func TestValidateAddRequiresCoreFields(t *testing.T) {
	state := loopstate.New("sprint-1")
	err := ValidateAdd(state, AddRequest{Description: "x"}, DefaultConfig())
	if err == nil {
		t.Error("ValidateAdd() with missing value/acceptance returned nil error")
	}
}

func TestValidateAddRejectsSimilarMidLoopTask(t *testing.T) {
	state := loopstate.New("sprint-1")
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Description: "add user login form", Status: loopstate.TaskPending}

	err := ValidateAdd(state, AddRequest{
		Description: "add user login form",
		Value:       "lets users sign in",
		Acceptance:  "form renders",
		Source:      "course_correction",
	}, DefaultConfig())
	if err == nil {
		t.Error("ValidateAdd() did not reject a near-duplicate mid-loop task")
	}
}

func TestValidateAddAllowsSimilarPlanTask(t *testing.T) {
	state := loopstate.New("sprint-1")
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Description: "add user login form", Status: loopstate.TaskPending}

	err := ValidateAdd(state, AddRequest{
		Description: "add user login form",
		Value:       "lets users sign in",
		Acceptance:  "form renders",
		Source:      "plan",
	}, DefaultConfig())
	if err != nil {
		t.Errorf("ValidateAdd() rejected a plan-sourced task: %v", err)
	}
}

func TestValidateAddRejectsAtMidLoopCap(t *testing.T) {
	state := loopstate.New("sprint-1")
	config := DefaultConfig()
	config.MaxMidLoopTasks = 2
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Status: loopstate.TaskPending}
	state.Tasks["T2"] = &loopstate.Task{TaskID: "T2", Status: loopstate.TaskPending}

	err := ValidateAdd(state, AddRequest{
		Description: "brand new distinct task about something else entirely",
		Value:       "v",
		Acceptance:  "a",
		Source:      "vrc",
	}, config)
	if err == nil {
		t.Error("ValidateAdd() did not reject task add at the mid-loop cap")
	}
}

func TestValidateAddIgnoresPlanTasksForMidLoopCap(t *testing.T) {
	state := loopstate.New("sprint-1")
	config := DefaultConfig()
	config.MaxMidLoopTasks = 2
	for i := 0; i < 20; i++ {
		id := "PLAN" + string(rune('A'+i))
		state.Tasks[id] = &loopstate.Task{TaskID: id, Status: loopstate.TaskPending, Source: "plan"}
	}

	err := ValidateAdd(state, AddRequest{
		Description: "a finding surfaced by critical eval needs its own task",
		Value:       "v",
		Acceptance:  "a",
		Source:      "critical_eval",
	}, config)
	if err != nil {
		t.Errorf("ValidateAdd() rejected a mid-loop task solely because of plan-sourced backlog: %v", err)
	}
}

func TestValidateAddRejectsUnknownDependency(t *testing.T) {
	state := loopstate.New("sprint-1")
	err := ValidateAdd(state, AddRequest{
		Description:  "d",
		Value:        "v",
		Acceptance:   "a",
		Dependencies: []string{"does-not-exist"},
		Source:       "plan",
	}, DefaultConfig())
	if err == nil {
		t.Error("ValidateAdd() did not reject an unknown dependency id")
	}
}

func TestHasCycleDetectsSelfReference(t *testing.T) {
	state := loopstate.New("sprint-1")
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1"}

	if !HasCycle(state, "T1", []string{"T1"}) {
		t.Error("HasCycle() = false for a self-referencing dependency")
	}
}

func TestHasCycleDetectsIndirectCycle(t *testing.T) {
	state := loopstate.New("sprint-1")
	state.Tasks["A"] = &loopstate.Task{TaskID: "A"}
	state.Tasks["B"] = &loopstate.Task{TaskID: "B", Dependencies: []string{"A"}}
	state.Tasks["C"] = &loopstate.Task{TaskID: "C", Dependencies: []string{"B"}}

	// Modifying A to depend on C would close A -> C -> B -> A.
	if !HasCycle(state, "A", []string{"C"}) {
		t.Error("HasCycle() = false for an indirect cycle A->C->B->A")
	}
}

func TestHasCycleAllowsAcyclicChange(t *testing.T) {
	state := loopstate.New("sprint-1")
	state.Tasks["A"] = &loopstate.Task{TaskID: "A"}
	state.Tasks["B"] = &loopstate.Task{TaskID: "B"}

	if HasCycle(state, "A", []string{"B"}) {
		t.Error("HasCycle() = true for a legitimate acyclic dependency")
	}
}

func TestValidateRemoveRejectsTaskWithDependents(t *testing.T) {
	state := loopstate.New("sprint-1")
	state.Tasks["A"] = &loopstate.Task{TaskID: "A"}
	state.Tasks["B"] = &loopstate.Task{TaskID: "B", Dependencies: []string{"A"}}

	if err := ValidateRemove(state, "A"); err == nil {
		t.Error("ValidateRemove() did not reject removing a task with a dependent")
	}
}

func TestAddThenRemoveReturnsTasksToPreAddState(t *testing.T) {
	state := loopstate.New("sprint-1")
	before := len(state.Tasks)

	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Status: loopstate.TaskPending}
	if err := ValidateRemove(state, "T1"); err != nil {
		t.Fatalf("ValidateRemove() error = %v", err)
	}
	delete(state.Tasks, "T1")

	if len(state.Tasks) != before {
		t.Errorf("len(Tasks) = %d after add+remove, want %d", len(state.Tasks), before)
	}
}
