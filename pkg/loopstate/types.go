// Package loopstate defines the LoopState aggregate: every entity the
// value loop driver mutates (tasks, verifications, git state, process
// monitor metrics, VRC history, epics, refinements, pause state) plus
// the atomic store that persists it. LoopState is owned exclusively by
// the loop driver goroutine; every other component receives a handle
// only through the tool dispatcher's handler boundary.
package loopstate

import "time"

// TaskStatus is the lifecycle state of a Task. Transitions are
// monotonic (pending -> in_progress -> done/blocked/descoped) except
// on a git-safety rollback, which may move a task back to pending.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskBlocked    TaskStatus = "blocked"
	TaskDescoped   TaskStatus = "descoped"
)

// Task is a unit of planned work. Source records which handler created
// it (plan, gate, eval, critical_eval, vrc, exit_gate) for audit.
type Task struct {
	TaskID          string     `json:"task_id"`
	Description     string     `json:"description"`
	Value           string     `json:"value"`
	Acceptance      string     `json:"acceptance"`
	PRDSection      string     `json:"prd_section"`
	Dependencies    []string   `json:"dependencies"`
	Phase           string     `json:"phase"`
	EpicID          string     `json:"epic_id,omitempty"`
	ExpectedFiles   []string   `json:"expected_files,omitempty"`
	Status          TaskStatus `json:"status"`
	RetryCount      int        `json:"retry_count"`
	FilesCreated    []string   `json:"files_created,omitempty"`
	FilesModified   []string   `json:"files_modified,omitempty"`
	CompletionNotes string     `json:"completion_notes,omitempty"`
	HealthChecked   bool       `json:"health_checked"`
	Source          string     `json:"source"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// VerificationStatus is the last-observed outcome of a verification.
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
	VerificationBlocked VerificationStatus = "blocked"
)

// FailureRecord is one failed attempt at running a Verification.
type FailureRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Attempt    int       `json:"attempt"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	FixApplied string    `json:"fix_applied,omitempty"`
}

// Verification is identified by "category/name" (its VerificationID).
// Requires lists other category names that must be fully passing
// before this verification is eligible to run.
type Verification struct {
	VerificationID string              `json:"verification_id"`
	ScriptPath     string              `json:"script_path"`
	Category       string              `json:"category"`
	Status         VerificationStatus  `json:"status"`
	Attempts       int                 `json:"attempts"`
	Failures       []FailureRecord     `json:"failures,omitempty"`
	Requires       []string            `json:"requires,omitempty"`
}

// VRCRecommendation is the value-realization-check's verdict for an
// iteration.
type VRCRecommendation string

const (
	VRCContinue      VRCRecommendation = "CONTINUE"
	VRCCourseCorrect VRCRecommendation = "COURSE_CORRECT"
	VRCDescope       VRCRecommendation = "DESCOPE"
	VRCShipReady     VRCRecommendation = "SHIP_READY"
)

// VRCSnapshot is one append-only entry in the value-realization-check
// history.
type VRCSnapshot struct {
	Iteration          int               `json:"iteration"`
	ValueScore         float64           `json:"value_score"`
	DeliverablesTotal  int               `json:"deliverables_total"`
	DeliverablesVerified int             `json:"deliverables_verified"`
	DeliverablesBlocked int              `json:"deliverables_blocked"`
	Gaps               []string          `json:"gaps,omitempty"`
	Recommendation     VRCRecommendation `json:"recommendation"`
	Summary            string            `json:"summary"`
	Timestamp          time.Time         `json:"timestamp"`
}

// GitCheckpoint records a known-good commit the git safety layer may
// roll back to.
type GitCheckpoint struct {
	CommitHash            string    `json:"commit_hash"`
	Label                 string    `json:"label"`
	TasksCompleted        []string  `json:"tasks_completed"`
	VerificationsPassing  []string  `json:"verifications_passing"`
	ValueScore            float64   `json:"value_score"`
	CreatedAt             time.Time `json:"created_at"`
}

// GitRollback is one entry in the append-only rollback log.
type GitRollback struct {
	FromHash  string    `json:"from_hash"`
	ToHash    string    `json:"to_hash"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// GitState tracks the feature branch, stash, checkpoints, and the
// sensitive-file filter the git safety layer enforces.
type GitState struct {
	Branch             string          `json:"branch"`
	OriginalBranch     string          `json:"original_branch"`
	StashRef           string          `json:"stash_ref,omitempty"`
	Checkpoints        []GitCheckpoint `json:"checkpoints"`
	Rollbacks          []GitRollback   `json:"rollbacks"`
	SensitivePatterns  []string        `json:"sensitive_patterns"`
	ProtectedBranches  []string        `json:"protected_branches"`
	LastCommitHash     string          `json:"last_commit_hash"`
}

// ProcessStatus is the process monitor's overall trigger state.
type ProcessStatus string

const (
	ProcessGreen  ProcessStatus = "GREEN"
	ProcessYellow ProcessStatus = "YELLOW"
	ProcessRed    ProcessStatus = "RED"
)

// CodeHealthWarning is one finding from a file hotspot scan
// (MONOLITH, RAPID_GROWTH, CONCENTRATION, LONG_FUNCTION,
// LOW_TEST_RATIO).
type CodeHealthWarning struct {
	Kind      string    `json:"kind"`
	File      string    `json:"file"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessMonitorState is the deterministic, zero-LLM-cost metrics
// state the process monitor updates every iteration.
type ProcessMonitorState struct {
	EMAVelocity        float64                `json:"ema_velocity"`
	EMATokenEfficiency float64                `json:"ema_token_efficiency"`
	CUSUMEfficiency    float64                `json:"cusum_efficiency"`
	ChurnCounts        map[string]int         `json:"churn_counts"`
	ErrorHashCounts    map[string]int         `json:"error_hash_counts"`
	FileTouches        map[string]int         `json:"file_touches"`
	FileLineCounts     map[string]int         `json:"file_line_counts"`
	PrevFileLineCounts map[string]int         `json:"prev_file_line_counts"`
	Warnings           []CodeHealthWarning    `json:"warnings,omitempty"`
	DuplicateBlocks     int                   `json:"duplicate_blocks"`
	LongFunctions       int                   `json:"long_functions"`
	Status             ProcessStatus          `json:"status"`
	CurrentStrategy    map[string]string      `json:"current_strategy,omitempty"`
	StrategyHistory    []map[string]string    `json:"strategy_history,omitempty"`
}

// SprintContext is the orienting context an agent session is seeded
// with: what is being built, what already exists, how it is verified.
type SprintContext struct {
	DeliverableType      string            `json:"deliverable_type"`
	ProjectType          string            `json:"project_type"`
	CodebaseState        string            `json:"codebase_state"`
	Environment          map[string]string `json:"environment,omitempty"`
	Services             map[string]string `json:"services,omitempty"`
	VerificationStrategy string            `json:"verification_strategy"`
	ValueProofs          []string          `json:"value_proofs,omitempty"`
	UnresolvedQuestions  []string          `json:"unresolved_questions,omitempty"`
}

// RefinementStatus is the state of a single vision/PRD refinement
// conversation.
type RefinementStatus string

const (
	RefinementNotStarted RefinementStatus = "not_started"
	RefinementAnalyzing  RefinementStatus = "analyzing"
	RefinementResearching RefinementStatus = "researching"
	RefinementAwaitingInput RefinementStatus = "awaiting_input"
	RefinementConsensus  RefinementStatus = "consensus"
)

// RefinementRound is one round of a refinement conversation.
type RefinementRound struct {
	Round     int       `json:"round"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// RefinementState tracks progress refining one target document (vision
// or PRD) toward consensus.
type RefinementState struct {
	Target                string            `json:"target"`
	Status                RefinementStatus  `json:"status"`
	CurrentRound          int               `json:"current_round"`
	Rounds                []RefinementRound `json:"rounds,omitempty"`
	AcknowledgedSoftIssues []string         `json:"acknowledged_soft_issues,omitempty"`
	ConsensusReason       string            `json:"consensus_reason,omitempty"`
}

// EpicDetailLevel controls how much of an epic has been planned out:
// "sketch" epics get a lightweight task_sketch, "full" epics get a
// fully materialized task list via the normal plan handler.
type EpicDetailLevel string

const (
	EpicDetailFull   EpicDetailLevel = "full"
	EpicDetailSketch EpicDetailLevel = "sketch"
)

// Epic is a coarse-grained unit of value above individual tasks, used
// when a sprint spans more deliverables than fit in one value loop.
type Epic struct {
	EpicID             string          `json:"epic_id"`
	Title              string          `json:"title"`
	ValueStatement     string          `json:"value_statement"`
	Deliverables       []string        `json:"deliverables,omitempty"`
	CompletionCriteria []string        `json:"completion_criteria,omitempty"`
	Dependencies       []string        `json:"dependencies,omitempty"`
	DetailLevel        EpicDetailLevel `json:"detail_level"`
	Status             TaskStatus      `json:"status"`
	TaskSketch         []string        `json:"task_sketch,omitempty"`
	FeedbackResponse   string          `json:"feedback_response,omitempty"`
	FeedbackNotes      string          `json:"feedback_notes,omitempty"`
}

// PauseState is non-nil only while the loop is blocked waiting on a
// human response (e.g. a credential the agent cannot obtain itself).
type PauseState struct {
	Reason              string    `json:"reason"`
	Instructions        string    `json:"instructions"`
	VerificationCommand string    `json:"verification_command,omitempty"`
	PausedAt            time.Time `json:"paused_at"`
}

// Phase is the top-level loop the driver is currently running.
type Phase string

const (
	PhasePreLoop   Phase = "pre_loop"
	PhaseValueLoop Phase = "value_loop"
)

// TokenCounters accumulates usage reported by the agent runtime across
// the sprint.
type TokenCounters struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// ProgressLogEntry is one line of the human-readable append-only
// progress log rendered into the sprint's markdown artifacts.
type ProgressLogEntry struct {
	Iteration int       `json:"iteration"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentResult is the last structured tool report of a given kind
// (e.g. "plan", "verify", "critical_eval") the dispatcher recorded.
type AgentResult struct {
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// LoopState is the single aggregate the value loop driver owns and
// mutates. Every field the driver's handlers touch lives here so the
// whole sprint's state can be captured in one atomic snapshot.
type LoopState struct {
	SprintID  string `json:"sprint_id"`
	Phase     Phase  `json:"phase"`
	Iteration int    `json:"iteration"`

	GatesPassed map[string]bool `json:"gates_passed"`

	Tasks map[string]*Task `json:"tasks"`

	Verifications    map[string]*Verification `json:"verifications"`
	CategoryOrder    []string                 `json:"category_order"`
	RegressionBaseline map[string]bool        `json:"regression_baseline"`

	VRCHistory  []VRCSnapshot      `json:"vrc_history,omitempty"`
	ProgressLog []ProgressLogEntry `json:"progress_log,omitempty"`

	IterationsWithoutProgress int `json:"iterations_without_progress"`

	Pause *PauseState `json:"pause,omitempty"`

	ProcessMonitor ProcessMonitorState `json:"process_monitor"`
	Git            GitState            `json:"git"`

	Epics             []Epic `json:"epics,omitempty"`
	CurrentEpicIndex  int    `json:"current_epic_index"`

	CoherenceHistory []VRCSnapshot `json:"coherence_history,omitempty"`

	Refinements   map[string]*RefinementState `json:"refinements,omitempty"`
	ResearchBriefs []string                   `json:"research_briefs,omitempty"`

	ResearchAttemptedForCurrentFailures bool `json:"research_attempted_for_current_failures"`

	AgentResults map[string]AgentResult `json:"agent_results,omitempty"`

	ExitGateAttempts int `json:"exit_gate_attempts"`

	MaxNonDoneTasks int `json:"max_non_done_tasks"`

	Tokens TokenCounters `json:"tokens"`

	SprintContext SprintContext `json:"sprint_context"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a freshly initialized LoopState for a sprint entering
// the pre-loop phase.
func New(sprintID string) *LoopState {
	now := time.Now()
	return &LoopState{
		SprintID:           sprintID,
		Phase:              PhasePreLoop,
		GatesPassed:        map[string]bool{},
		Tasks:              map[string]*Task{},
		Verifications:      map[string]*Verification{},
		RegressionBaseline: map[string]bool{},
		ProcessMonitor: ProcessMonitorState{
			ChurnCounts:        map[string]int{},
			ErrorHashCounts:    map[string]int{},
			FileTouches:        map[string]int{},
			FileLineCounts:     map[string]int{},
			PrevFileLineCounts: map[string]int{},
			Status:             ProcessGreen,
		},
		Git: GitState{
			SensitivePatterns: []string{".env", ".env.*", "*.pem", "*.key", "*secret*", "*credential*", "*password*", "*.p12", "*.pfx"},
			ProtectedBranches: []string{"main", "master", "production"},
		},
		Refinements:     map[string]*RefinementState{},
		AgentResults:    map[string]AgentResult{},
		MaxNonDoneTasks: 15,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NonDoneTaskCount counts tasks not in a terminal done/descoped state.
func (s *LoopState) NonDoneTaskCount() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status != TaskDone && t.Status != TaskDescoped {
			n++
		}
	}
	return n
}

// NonDoneMidLoopTaskCount counts non-done, non-descoped tasks whose
// Source is not "plan" — the figure the task mutation guardrail caps
// at MaxNonDoneTasks, so a large initial plan doesn't by itself block
// legitimate mid-loop additions like a critical-eval finding's task.
func (s *LoopState) NonDoneMidLoopTaskCount() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Source != "plan" && t.Status != TaskDone && t.Status != TaskDescoped {
			n++
		}
	}
	return n
}

// PassingVerifications returns the ids of verifications currently
// VerificationPassed, the set the regression baseline invariant
// requires RegressionBaseline to be a subset of.
func (s *LoopState) PassingVerifications() map[string]bool {
	passing := make(map[string]bool, len(s.Verifications))
	for id, v := range s.Verifications {
		if v.Status == VerificationPassed {
			passing[id] = true
		}
	}
	return passing
}
