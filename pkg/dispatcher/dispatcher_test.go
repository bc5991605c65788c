package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/valueforge/orchestrator/pkg/guardrails"
	"github.com/valueforge/orchestrator/pkg/loopstate"
)

func newTestDispatcher() *Dispatcher {
	return New(logr.Discard(), guardrails.DefaultConfig(), nil)
}

func TestUnknownToolReturnsErrorWithoutSnapshot(t *testing.T) {
	d := newTestDispatcher()
	state := loopstate.New("sprint-1")

	result := d.Dispatch(context.Background(), state, "not_a_real_tool", json.RawMessage(`{}`))
	if !strings.Contains(result, "Unknown tool") {
		t.Errorf("Dispatch() = %q, want Unknown tool error", result)
	}
}

func TestManageTaskAddThenComplete(t *testing.T) {
	d := newTestDispatcher()
	state := loopstate.New("sprint-1")

	addResult := d.Dispatch(context.Background(), state, "manage_task", json.RawMessage(`{
		"action": "add", "task_id": "T1", "description": "build the thing",
		"value": "ships the feature", "acceptance": "tests pass", "source": "plan"
	}`))
	var parsed Result
	if err := json.Unmarshal([]byte(addResult), &parsed); err != nil {
		t.Fatalf("unmarshal add result: %v", err)
	}
	if !parsed.OK {
		t.Fatalf("manage_task add failed: %+v", parsed)
	}
	if _, ok := state.Tasks["T1"]; !ok {
		t.Fatal("manage_task add did not create T1")
	}

	completeResult := d.Dispatch(context.Background(), state, "report_task_complete", json.RawMessage(`{
		"task_id": "T1", "files_created": ["main.go"], "completion_notes": "done"
	}`))
	if err := json.Unmarshal([]byte(completeResult), &parsed); err != nil {
		t.Fatalf("unmarshal complete result: %v", err)
	}
	if !parsed.OK {
		t.Fatalf("report_task_complete failed: %+v", parsed)
	}
	if state.Tasks["T1"].Status != loopstate.TaskDone {
		t.Errorf("T1 status = %v, want done", state.Tasks["T1"].Status)
	}
}

func TestManageTaskValidationFailureDoesNotMutateState(t *testing.T) {
	d := newTestDispatcher()
	state := loopstate.New("sprint-1")

	result := d.Dispatch(context.Background(), state, "manage_task", json.RawMessage(`{
		"action": "add", "description": "", "value": "", "acceptance": "", "source": "plan"
	}`))
	var parsed Result
	json.Unmarshal([]byte(result), &parsed)
	if parsed.OK {
		t.Fatal("manage_task with empty required fields should fail")
	}
	if len(state.Tasks) != 0 {
		t.Errorf("state.Tasks = %+v, want empty after rejected add", state.Tasks)
	}
}

func TestHandlerErrorRollsBackPartialMutation(t *testing.T) {
	d := newTestDispatcher()
	state := loopstate.New("sprint-1")
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Status: loopstate.TaskPending}

	result := d.Dispatch(context.Background(), state, "report_task_complete", json.RawMessage(`{"task_id": "does-not-exist"}`))
	var parsed Result
	json.Unmarshal([]byte(result), &parsed)
	if parsed.OK || !parsed.RolledBack {
		t.Fatalf("Dispatch() = %+v, want rolled_back error", parsed)
	}
	if state.Tasks["T1"].Status != loopstate.TaskPending {
		t.Errorf("T1 status = %v, want untouched pending", state.Tasks["T1"].Status)
	}
}

func TestReportVRCExtractsGapSeverity(t *testing.T) {
	d := newTestDispatcher()
	state := loopstate.New("sprint-1")

	result := d.Dispatch(context.Background(), state, "report_vrc", json.RawMessage(`{
		"value_score": 0.6, "recommendation": "COURSE_CORRECT", "summary": "partial progress",
		"gaps": [{"description": "missing auth", "severity": "blocking"}, {"description": "no docs"}]
	}`))
	var parsed Result
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !parsed.OK {
		t.Fatalf("report_vrc failed: %+v", parsed)
	}
	if len(state.VRCHistory) != 1 {
		t.Fatalf("VRCHistory = %+v, want one entry", state.VRCHistory)
	}
	gaps := state.VRCHistory[0].Gaps
	if len(gaps) != 2 || !strings.Contains(gaps[0], "blocking") || strings.Contains(gaps[1], "(") {
		t.Errorf("Gaps = %+v, want severity appended only when present", gaps)
	}
}

func TestReportVRCRejectsInvalidRecommendation(t *testing.T) {
	d := newTestDispatcher()
	state := loopstate.New("sprint-1")

	result := d.Dispatch(context.Background(), state, "report_vrc", json.RawMessage(`{
		"value_score": 0.6, "recommendation": "NOT_A_REAL_VERDICT", "summary": "x"
	}`))
	var parsed Result
	json.Unmarshal([]byte(result), &parsed)
	if parsed.OK {
		t.Error("report_vrc with invalid recommendation should fail schema validation")
	}
}

func TestReportEvalFindingCriticalAutoCreatesTask(t *testing.T) {
	d := newTestDispatcher()
	state := loopstate.New("sprint-1")

	result := d.Dispatch(context.Background(), state, "report_eval_finding", json.RawMessage(`{
		"severity": "critical", "summary": "security hole in auth"
	}`))
	var parsed Result
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !parsed.OK {
		t.Fatalf("report_eval_finding failed: %+v", parsed)
	}
	if len(state.Tasks) != 1 {
		t.Fatalf("Tasks = %+v, want one auto-created task", state.Tasks)
	}
}

func TestReportEvalFindingInfoDoesNotCreateTask(t *testing.T) {
	d := newTestDispatcher()
	state := loopstate.New("sprint-1")

	d.Dispatch(context.Background(), state, "report_eval_finding", json.RawMessage(`{
		"severity": "info", "summary": "minor style nit"
	}`))
	if len(state.Tasks) != 0 {
		t.Errorf("Tasks = %+v, want none for info-severity finding", state.Tasks)
	}
}

func TestRequestHumanActionBlocksTaskAndInstallsPause(t *testing.T) {
	d := newTestDispatcher()
	state := loopstate.New("sprint-1")
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Status: loopstate.TaskInProgress}

	result := d.Dispatch(context.Background(), state, "request_human_action", json.RawMessage(`{
		"task_id": "T1", "reason": "need an API key", "instructions": "set FOO_API_KEY"
	}`))
	var parsed Result
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !parsed.OK {
		t.Fatalf("request_human_action failed: %+v", parsed)
	}
	if state.Tasks["T1"].Status != loopstate.TaskBlocked {
		t.Errorf("T1 status = %v, want blocked", state.Tasks["T1"].Status)
	}
	if !strings.HasPrefix(state.Tasks["T1"].CompletionNotes, "HUMAN_ACTION:") {
		t.Errorf("CompletionNotes = %q, want HUMAN_ACTION: prefix", state.Tasks["T1"].CompletionNotes)
	}
	if state.Pause == nil {
		t.Fatal("state.Pause is nil, want installed PauseState")
	}
}

func TestReportCourseCorrectionLogsParseableMessage(t *testing.T) {
	d := newTestDispatcher()
	state := loopstate.New("sprint-1")

	d.Dispatch(context.Background(), state, "report_course_correction", json.RawMessage(`{
		"kind": "descope", "reason": "scope too large for budget"
	}`))
	if len(state.ProgressLog) != 1 || !strings.Contains(state.ProgressLog[0].Message, "COURSE_CORRECT") {
		t.Errorf("ProgressLog = %+v, want a COURSE_CORRECT entry", state.ProgressLog)
	}
}

func TestGuardrailCapRejectsManageTaskAdd(t *testing.T) {
	config := guardrails.DefaultConfig()
	config.MaxMidLoopTasks = 1
	d := New(logr.Discard(), config, nil)
	state := loopstate.New("sprint-1")
	state.Tasks["T0"] = &loopstate.Task{TaskID: "T0", Status: loopstate.TaskPending, Source: "research"}

	result := d.Dispatch(context.Background(), state, "manage_task", json.RawMessage(`{
		"action": "add", "description": "a brand new unrelated task", "value": "v",
		"acceptance": "a", "source": "research"
	}`))
	var parsed Result
	json.Unmarshal([]byte(result), &parsed)
	if parsed.OK {
		t.Error("manage_task add should be rejected at the mid-loop task cap")
	}
}
