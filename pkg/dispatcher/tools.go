package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/itchyny/gojq"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/guardrails"
	"github.com/valueforge/orchestrator/pkg/loopstate"
	"github.com/valueforge/orchestrator/pkg/monitor"
)

// registerTools wires the closed tool catalog onto d.
func registerTools(d *Dispatcher) {
	d.handlers["manage_task"] = d.handleManageTask
	d.handlers["report_task_complete"] = d.handleReportTaskComplete
	d.handlers["report_discovery"] = d.handleReportDiscovery
	d.handlers["report_critique"] = d.handleReportCritique
	d.handlers["report_triage"] = d.handleReportTriage
	d.handlers["report_vrc"] = d.handleReportVRC
	d.handlers["report_eval_finding"] = d.handleReportEvalFinding
	d.handlers["report_research"] = d.handleReportResearch
	d.handlers["report_vision_validation"] = d.handleReportVisionValidation
	d.handlers["report_strategy_change"] = d.handleReportStrategyChange
	d.handlers["report_epic_decomposition"] = d.handleReportEpicDecomposition
	d.handlers["report_epic_summary"] = d.handleReportEpicSummary
	d.handlers["report_coherence"] = d.handleReportCoherence
	d.handlers["report_course_correction"] = d.handleReportCourseCorrection
	d.handlers["request_human_action"] = d.handleRequestHumanAction

	d.schemas["report_vrc"] = loadSchema(reportVRCSchema)
	d.schemas["report_eval_finding"] = loadSchema(reportEvalFindingSchema)
	d.schemas["report_coherence"] = loadSchema(reportCoherenceSchema)
}

func loadSchema(raw string) *openapi3.Schema {
	var schema openapi3.Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		panic(fmt.Sprintf("dispatcher: invalid embedded schema: %v", err))
	}
	return &schema
}

// --- manage_task ---

type manageTaskInput struct {
	Action        string   `json:"action" validate:"required,oneof=add modify remove"`
	TaskID        string   `json:"task_id,omitempty"`
	Description   string   `json:"description,omitempty"`
	Value         string   `json:"value,omitempty"`
	Acceptance    string   `json:"acceptance,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	ExpectedFiles []string `json:"expected_files,omitempty"`
	Source        string   `json:"source,omitempty"`
	EpicID        string   `json:"epic_id,omitempty"`
	PRDSection    string   `json:"prd_section,omitempty"`
}

func (d *Dispatcher) handleManageTask(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in manageTaskInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}

	switch in.Action {
	case "add":
		req := guardrails.AddRequest{
			Description:   in.Description,
			Value:         in.Value,
			Acceptance:    in.Acceptance,
			Dependencies:  in.Dependencies,
			ExpectedFiles: in.ExpectedFiles,
			Source:        in.Source,
		}
		if err := guardrails.ValidateAdd(state, req, d.guardrails); err != nil {
			return nil, err
		}
		if err := d.policy.EvaluateAdd(ctx, state, req); err != nil {
			return nil, err
		}
		id := in.TaskID
		if id == "" {
			id = fmt.Sprintf("task-%d", len(state.Tasks)+1)
		}
		now := time.Now()
		state.Tasks[id] = &loopstate.Task{
			TaskID:        id,
			Description:   in.Description,
			Value:         in.Value,
			Acceptance:    in.Acceptance,
			PRDSection:    in.PRDSection,
			Dependencies:  in.Dependencies,
			EpicID:        in.EpicID,
			ExpectedFiles: in.ExpectedFiles,
			Status:        loopstate.TaskPending,
			Source:        in.Source,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return map[string]string{"task_id": id}, nil

	case "modify":
		if err := guardrails.ValidateModify(state, in.TaskID, in.Dependencies); err != nil {
			return nil, err
		}
		existing := *state.Tasks[in.TaskID]
		if in.Description != "" {
			existing.Description = in.Description
		}
		if in.Dependencies != nil {
			existing.Dependencies = in.Dependencies
		}
		if in.EpicID != "" {
			existing.EpicID = in.EpicID
		}
		existing.UpdatedAt = time.Now()
		state.Tasks[in.TaskID] = &existing
		return map[string]string{"task_id": in.TaskID}, nil

	case "remove":
		if err := guardrails.ValidateRemove(state, in.TaskID); err != nil {
			return nil, err
		}
		delete(state.Tasks, in.TaskID)
		return map[string]string{"task_id": in.TaskID}, nil
	}

	return nil, apperrors.ValidationError("action", "unreachable: validator already restricted action to add/modify/remove")
}

// --- report_task_complete ---

type reportTaskCompleteInput struct {
	TaskID          string   `json:"task_id" validate:"required"`
	FilesCreated    []string `json:"files_created,omitempty"`
	FilesModified   []string `json:"files_modified,omitempty"`
	CompletionNotes string   `json:"completion_notes,omitempty"`
}

func (d *Dispatcher) handleReportTaskComplete(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportTaskCompleteInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}
	task, ok := state.Tasks[in.TaskID]
	if !ok {
		return nil, apperrors.ValidationError("task_id", "task does not exist: "+in.TaskID)
	}
	updated := *task
	updated.Status = loopstate.TaskDone
	updated.FilesCreated = in.FilesCreated
	updated.FilesModified = in.FilesModified
	updated.CompletionNotes = in.CompletionNotes
	updated.UpdatedAt = time.Now()
	state.Tasks[in.TaskID] = &updated
	return map[string]string{"task_id": in.TaskID, "status": string(loopstate.TaskDone)}, nil
}

// --- report_discovery ---

type reportDiscoveryInput struct {
	DeliverableType      string            `json:"deliverable_type" validate:"required"`
	ProjectType          string            `json:"project_type,omitempty"`
	CodebaseState        string            `json:"codebase_state,omitempty"`
	Environment          map[string]string `json:"environment,omitempty"`
	Services             map[string]string `json:"services,omitempty"`
	VerificationStrategy string            `json:"verification_strategy,omitempty"`
	ValueProofs          []string          `json:"value_proofs,omitempty"`
	UnresolvedQuestions  []string          `json:"unresolved_questions,omitempty"`
}

func (d *Dispatcher) handleReportDiscovery(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportDiscoveryInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}
	state.SprintContext = loopstate.SprintContext{
		DeliverableType:      in.DeliverableType,
		ProjectType:          in.ProjectType,
		CodebaseState:        in.CodebaseState,
		Environment:          in.Environment,
		Services:             in.Services,
		VerificationStrategy: in.VerificationStrategy,
		ValueProofs:          in.ValueProofs,
		UnresolvedQuestions:  in.UnresolvedQuestions,
	}
	return map[string]bool{"recorded": true}, nil
}

// --- report_critique ---

type reportCritiqueInput struct {
	Verdict      string   `json:"verdict" validate:"required,oneof=APPROVE AMEND DESCOPE REJECT"`
	Reason       string   `json:"reason" validate:"required"`
	Amendments   []string `json:"amendments,omitempty"`
}

func (d *Dispatcher) handleReportCritique(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportCritiqueInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}
	recordAgentResult(state, "critique", map[string]interface{}{
		"verdict": in.Verdict, "reason": in.Reason, "amendments": in.Amendments,
	})
	return map[string]string{"verdict": in.Verdict}, nil
}

// --- report_triage ---

type reportTriageInput struct {
	Groups []triageGroup `json:"groups" validate:"required,dive"`
}

type triageGroup struct {
	RootCause      string   `json:"root_cause" validate:"required"`
	VerificationIDs []string `json:"verification_ids" validate:"required,min=1"`
}

func (d *Dispatcher) handleReportTriage(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportTriageInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}
	payload := make(map[string]interface{}, len(in.Groups))
	groups := make([]interface{}, len(in.Groups))
	for i, g := range in.Groups {
		groups[i] = map[string]interface{}{"root_cause": g.RootCause, "verification_ids": g.VerificationIDs}
	}
	payload["groups"] = groups
	recordAgentResult(state, "triage", payload)
	return map[string]int{"group_count": len(in.Groups)}, nil
}

// --- report_vrc ---
// Nested input (gaps[] with optional severity) is validated against an
// embedded JSON schema before the typed struct is populated, and
// gaps[].severity is flexibly extracted via gojq since not every
// gap object is guaranteed to carry one.

const reportVRCSchema = `{
  "type": "object",
  "required": ["value_score", "recommendation", "summary"],
  "properties": {
    "value_score": {"type": "number", "minimum": 0, "maximum": 1},
    "deliverables_total": {"type": "integer"},
    "deliverables_verified": {"type": "integer"},
    "deliverables_blocked": {"type": "integer"},
    "recommendation": {"type": "string", "enum": ["CONTINUE", "COURSE_CORRECT", "DESCOPE", "SHIP_READY"]},
    "summary": {"type": "string"},
    "gaps": {"type": "array", "items": {"type": "object"}}
  }
}`

type reportVRCInput struct {
	ValueScore           float64       `json:"value_score"`
	DeliverablesTotal    int           `json:"deliverables_total"`
	DeliverablesVerified int           `json:"deliverables_verified"`
	DeliverablesBlocked  int           `json:"deliverables_blocked"`
	Recommendation       string        `json:"recommendation"`
	Summary              string        `json:"summary"`
	Gaps                 []interface{} `json:"gaps,omitempty"`
}

func (d *Dispatcher) handleReportVRC(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportVRCInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}

	gapSummaries, err := extractGapSummaries(raw)
	if err != nil {
		return nil, err
	}

	state.VRCHistory = append(state.VRCHistory, loopstate.VRCSnapshot{
		Iteration:            state.Iteration,
		ValueScore:           in.ValueScore,
		DeliverablesTotal:    in.DeliverablesTotal,
		DeliverablesVerified: in.DeliverablesVerified,
		DeliverablesBlocked:  in.DeliverablesBlocked,
		Gaps:                 gapSummaries,
		Recommendation:       loopstate.VRCRecommendation(in.Recommendation),
		Summary:              in.Summary,
		Timestamp:            time.Now(),
	})
	return map[string]interface{}{"value_score": in.ValueScore, "recommendation": in.Recommendation}, nil
}

// extractGapSummaries renders each gaps[] entry as "description
// (severity)" when a severity field is present, tolerating gap objects
// that omit it, via a gojq query over the raw decoded tree rather than
// a strict struct shape.
func extractGapSummaries(raw json.RawMessage) ([]string, error) {
	query, err := gojq.Parse(`.gaps // [] | map((.description // .gap // "gap") + (if .severity then " (" + .severity + ")" else "" end))`)
	if err != nil {
		return nil, apperrors.FailedTo("parse gap extraction query", err)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, apperrors.ParseError("report_vrc input", "json", err)
	}

	iter := query.Run(decoded)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		return nil, apperrors.FailedTo("extract gap summaries", err)
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, nil
	}
	summaries := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			summaries = append(summaries, s)
		}
	}
	return summaries, nil
}

// --- report_eval_finding ---

const reportEvalFindingSchema = `{
  "type": "object",
  "required": ["severity", "summary"],
  "properties": {
    "severity": {"type": "string", "enum": ["info", "warning", "blocking", "critical"]},
    "summary": {"type": "string"},
    "task_description": {"type": "string"},
    "task_value": {"type": "string"},
    "task_acceptance": {"type": "string"}
  }
}`

type reportEvalFindingInput struct {
	Severity        string `json:"severity"`
	Summary         string `json:"summary"`
	TaskDescription string `json:"task_description,omitempty"`
	TaskValue       string `json:"task_value,omitempty"`
	TaskAcceptance  string `json:"task_acceptance,omitempty"`
}

func (d *Dispatcher) handleReportEvalFinding(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportEvalFindingInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}

	recordAgentResult(state, "eval_finding", map[string]interface{}{
		"severity": in.Severity, "summary": in.Summary,
	})

	if in.Severity != "critical" && in.Severity != "blocking" {
		return map[string]bool{"task_created": false}, nil
	}

	description := in.TaskDescription
	if description == "" {
		description = in.Summary
	}
	value := in.TaskValue
	if value == "" {
		value = "address critical-evaluation finding: " + in.Summary
	}
	acceptance := in.TaskAcceptance
	if acceptance == "" {
		acceptance = "finding is resolved and verified"
	}

	req := guardrails.AddRequest{Description: description, Value: value, Acceptance: acceptance, Source: "critical_eval"}
	if err := guardrails.ValidateAdd(state, req, d.guardrails); err != nil {
		return nil, err
	}
	id := fmt.Sprintf("task-%d", len(state.Tasks)+1)
	now := time.Now()
	state.Tasks[id] = &loopstate.Task{
		TaskID: id, Description: description, Value: value, Acceptance: acceptance,
		Status: loopstate.TaskPending, Source: "critical_eval", CreatedAt: now, UpdatedAt: now,
	}
	return map[string]interface{}{"task_created": true, "task_id": id}, nil
}

// --- report_research ---

type reportResearchInput struct {
	Topic    string   `json:"topic" validate:"required"`
	Findings string   `json:"findings" validate:"required"`
	Sources  []string `json:"sources,omitempty"`
}

func (d *Dispatcher) handleReportResearch(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportResearchInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}
	brief := fmt.Sprintf("%s: %s", in.Topic, in.Findings)
	if len(in.Sources) > 0 {
		brief += " [sources: " + strings.Join(in.Sources, ", ") + "]"
	}
	state.ResearchBriefs = append(state.ResearchBriefs, brief)
	state.ResearchAttemptedForCurrentFailures = true
	return map[string]bool{"recorded": true}, nil
}

// --- report_vision_validation ---

type visionIssue struct {
	Description string `json:"description" validate:"required"`
	Severity    string `json:"severity" validate:"required,oneof=hard soft"`
}

type reportVisionValidationInput struct {
	Verdict string        `json:"verdict" validate:"required,oneof=PASS NEEDS_REVISION"`
	Issues  []visionIssue `json:"issues,omitempty" validate:"dive"`
	Target  string        `json:"target" validate:"required"`
}

func (d *Dispatcher) handleReportVisionValidation(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportVisionValidationInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}

	refinement, ok := state.Refinements[in.Target]
	if !ok {
		refinement = &loopstate.RefinementState{Target: in.Target, Status: loopstate.RefinementAnalyzing}
		state.Refinements[in.Target] = refinement
	}

	var hardIssues, softIssues []string
	for _, issue := range in.Issues {
		if issue.Severity == "hard" {
			hardIssues = append(hardIssues, issue.Description)
		} else {
			softIssues = append(softIssues, issue.Description)
		}
	}

	if in.Verdict == "PASS" && len(hardIssues) == 0 {
		refinement.Status = loopstate.RefinementConsensus
		refinement.AcknowledgedSoftIssues = softIssues
	} else {
		refinement.Status = loopstate.RefinementAwaitingInput
	}
	refinement.CurrentRound++
	refinement.Rounds = append(refinement.Rounds, loopstate.RefinementRound{
		Round: refinement.CurrentRound, Summary: fmt.Sprintf("%s: %d hard, %d soft issues", in.Verdict, len(hardIssues), len(softIssues)), Timestamp: time.Now(),
	})

	return map[string]interface{}{"verdict": in.Verdict, "hard_issues": len(hardIssues), "soft_issues": len(softIssues)}, nil
}

// --- report_strategy_change ---

type reportStrategyChangeInput struct {
	Changes map[string]string `json:"changes" validate:"required"`
}

func (d *Dispatcher) handleReportStrategyChange(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportStrategyChangeInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}
	monitor.ApplyStrategyChange(&state.ProcessMonitor, in.Changes)
	return map[string]bool{"recorded": true}, nil
}

// --- report_epic_decomposition ---

type epicInput struct {
	EpicID             string   `json:"epic_id" validate:"required"`
	Title              string   `json:"title" validate:"required"`
	ValueStatement      string   `json:"value_statement" validate:"required"`
	Deliverables       []string `json:"deliverables,omitempty"`
	CompletionCriteria []string `json:"completion_criteria,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	DetailLevel        string   `json:"detail_level" validate:"required,oneof=full sketch"`
	TaskSketch         []string `json:"task_sketch,omitempty"`
}

type reportEpicDecompositionInput struct {
	Epics []epicInput `json:"epics" validate:"required,min=1,dive"`
}

func (d *Dispatcher) handleReportEpicDecomposition(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportEpicDecompositionInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}
	epics := make([]loopstate.Epic, len(in.Epics))
	for i, e := range in.Epics {
		epics[i] = loopstate.Epic{
			EpicID: e.EpicID, Title: e.Title, ValueStatement: e.ValueStatement,
			Deliverables: e.Deliverables, CompletionCriteria: e.CompletionCriteria,
			Dependencies: e.Dependencies, DetailLevel: loopstate.EpicDetailLevel(e.DetailLevel),
			Status: loopstate.TaskPending, TaskSketch: e.TaskSketch,
		}
	}
	state.Epics = epics
	state.CurrentEpicIndex = 0
	return map[string]int{"epic_count": len(epics)}, nil
}

// --- report_epic_summary ---

type reportEpicSummaryInput struct {
	EpicID  string `json:"epic_id" validate:"required"`
	Summary string `json:"summary" validate:"required"`
}

func (d *Dispatcher) handleReportEpicSummary(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportEpicSummaryInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}
	for i := range state.Epics {
		if state.Epics[i].EpicID == in.EpicID {
			state.Epics[i].FeedbackNotes = in.Summary
		}
	}
	recordAgentResult(state, "epic_summary:"+in.EpicID, map[string]interface{}{"summary": in.Summary})
	return map[string]bool{"recorded": true}, nil
}

// --- report_coherence ---

const reportCoherenceSchema = `{
  "type": "object",
  "required": ["mode", "overall_health"],
  "properties": {
    "mode": {"type": "string", "enum": ["quick", "full"]},
    "overall_health": {"type": "number", "minimum": 0, "maximum": 1},
    "dimensions": {"type": "array", "items": {"type": "object"}},
    "summary": {"type": "string"}
  }
}`

type reportCoherenceInput struct {
	Mode          string        `json:"mode"`
	OverallHealth float64       `json:"overall_health"`
	Dimensions    []interface{} `json:"dimensions,omitempty"`
	Summary       string        `json:"summary,omitempty"`
}

func (d *Dispatcher) handleReportCoherence(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportCoherenceInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	var gaps []string
	for _, dim := range in.Dimensions {
		if m, ok := dim.(map[string]interface{}); ok {
			if name, ok := m["name"].(string); ok {
				gaps = append(gaps, name)
			}
		}
	}
	state.CoherenceHistory = append(state.CoherenceHistory, loopstate.VRCSnapshot{
		Iteration: state.Iteration, ValueScore: in.OverallHealth, Gaps: gaps, Summary: in.Summary, Timestamp: time.Now(),
	})
	if in.Mode == "full" {
		state.GatesPassed["coherence_critical_pending"] = false
	}
	return map[string]interface{}{"mode": in.Mode, "overall_health": in.OverallHealth}, nil
}

// --- report_course_correction ---

type reportCourseCorrectionInput struct {
	Kind   string `json:"kind" validate:"required,oneof=restructure descope new_tasks regenerate_tests rollback escalate"`
	Reason string `json:"reason" validate:"required"`
}

func (d *Dispatcher) handleReportCourseCorrection(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in reportCourseCorrectionInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}
	state.ProgressLog = append(state.ProgressLog, loopstate.ProgressLogEntry{
		Iteration: state.Iteration,
		Message:   fmt.Sprintf("COURSE_CORRECT(%s): %s", in.Kind, in.Reason),
		Timestamp: time.Now(),
	})
	return map[string]string{"kind": in.Kind}, nil
}

// --- request_human_action ---

type requestHumanActionInput struct {
	TaskID              string `json:"task_id" validate:"required"`
	Reason              string `json:"reason" validate:"required"`
	Instructions        string `json:"instructions" validate:"required"`
	VerificationCommand string `json:"verification_command,omitempty"`
}

func (d *Dispatcher) handleRequestHumanAction(ctx context.Context, state *loopstate.LoopState, raw json.RawMessage) (interface{}, error) {
	var in requestHumanActionInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if err := d.validateStruct(in); err != nil {
		return nil, err
	}
	task, ok := state.Tasks[in.TaskID]
	if !ok {
		return nil, apperrors.ValidationError("task_id", "task does not exist: "+in.TaskID)
	}
	updated := *task
	updated.Status = loopstate.TaskBlocked
	updated.CompletionNotes = "HUMAN_ACTION: " + in.Reason
	updated.UpdatedAt = time.Now()
	state.Tasks[in.TaskID] = &updated

	state.Pause = &loopstate.PauseState{
		Reason:              in.Reason,
		Instructions:        in.Instructions,
		VerificationCommand: in.VerificationCommand,
		PausedAt:            time.Now(),
	}
	return map[string]bool{"paused": true}, nil
}

func recordAgentResult(state *loopstate.LoopState, kind string, payload map[string]interface{}) {
	state.AgentResults[kind] = loopstate.AgentResult{Kind: kind, Payload: payload, Timestamp: time.Now()}
}
