// Package guardrails implements the task mutation checks the tool
// dispatcher runs before accepting a manage_task call: similarity
// rejection, the mid-loop task cap, dependency-cycle detection, and
// length caps. A guardrail failure never mutates LoopState; it
// returns a ValidationError the agent sees and can act on.
package guardrails

import (
	"sort"
	"strings"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/loopstate"
)

// Config holds the caps guardrails enforces, with defaults below.
type Config struct {
	SimilarityThreshold float64
	MaxMidLoopTasks     int
	MaxDescriptionChars int
	MaxExpectedFiles    int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.75,
		MaxMidLoopTasks:     15,
		MaxDescriptionChars: 600,
		MaxExpectedFiles:    5,
	}
}

// AddRequest is the payload for a manage_task add.
type AddRequest struct {
	Description   string
	Value         string
	Acceptance    string
	Dependencies  []string
	ExpectedFiles []string
	Source        string
}

// ValidateAdd runs every add-time guardrail. The first violation is
// returned as an *apperrors error wrapping ValidationError.
func ValidateAdd(state *loopstate.LoopState, req AddRequest, config Config) error {
	if strings.TrimSpace(req.Description) == "" || strings.TrimSpace(req.Value) == "" || strings.TrimSpace(req.Acceptance) == "" {
		return apperrors.ValidationError("task", "description, value, and acceptance are all required")
	}
	if len(req.Description) > config.MaxDescriptionChars {
		return apperrors.ValidationError("description", "exceeds maximum length")
	}
	if len(req.ExpectedFiles) > config.MaxExpectedFiles {
		return apperrors.ValidationError("expected_files", "exceeds maximum count")
	}
	for _, depID := range req.Dependencies {
		if _, ok := state.Tasks[depID]; !ok {
			return apperrors.ValidationError("dependencies", "references a task id that does not exist: "+depID)
		}
	}

	if req.Source != "plan" && state.NonDoneMidLoopTaskCount() >= config.MaxMidLoopTasks {
		return apperrors.ValidationError("task", "mid-loop task cap reached")
	}

	if req.Source != "plan" {
		for _, t := range activeTasks(state) {
			if JaccardSimilarity(t.Description, req.Description) >= config.SimilarityThreshold {
				return apperrors.ValidationError("description", "too similar to existing task "+t.TaskID)
			}
		}
	}

	return nil
}

// ValidateModify checks the task exists and, when dependencies are
// being changed, that the resulting graph stays acyclic.
func ValidateModify(state *loopstate.LoopState, taskID string, newDependencies []string) error {
	if _, ok := state.Tasks[taskID]; !ok {
		return apperrors.ValidationError("task_id", "task does not exist: "+taskID)
	}
	if newDependencies == nil {
		return nil
	}
	if HasCycle(state, taskID, newDependencies) {
		return apperrors.ValidationError("dependencies", "would introduce a dependency cycle")
	}
	return nil
}

// ValidateRemove checks the task exists and has no dependents.
func ValidateRemove(state *loopstate.LoopState, taskID string) error {
	if _, ok := state.Tasks[taskID]; !ok {
		return apperrors.ValidationError("task_id", "task does not exist: "+taskID)
	}
	for _, t := range state.Tasks {
		for _, dep := range t.Dependencies {
			if dep == taskID {
				return apperrors.ValidationError("task_id", "task has dependents: "+t.TaskID)
			}
		}
	}
	return nil
}

func activeTasks(state *loopstate.LoopState) []*loopstate.Task {
	var out []*loopstate.Task
	for _, t := range state.Tasks {
		if t.Status != loopstate.TaskDone && t.Status != loopstate.TaskDescoped {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// JaccardSimilarity returns |A∩B| / |A∪B| over the lower-cased word
// sets of a and b. Two empty strings are considered dissimilar (0),
// matching the intuition that two "empty tasks" aren't meaningfully
// the same task.
func JaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// HasCycle reports whether replacing taskID's dependency list with
// newDependencies would introduce a cycle, via DFS from taskID.
func HasCycle(state *loopstate.LoopState, taskID string, newDependencies []string) bool {
	deps := make(map[string][]string, len(state.Tasks))
	for id, t := range state.Tasks {
		deps[id] = t.Dependencies
	}
	deps[taskID] = newDependencies

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state2 := make(map[string]int, len(deps))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state2[id] {
		case visiting:
			return true
		case visited:
			return false
		}
		state2[id] = visiting
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		state2[id] = visited
		return false
	}

	return visit(taskID)
}
