// Package render regenerates the sprint's write-only markdown
// artifacts (IMPLEMENTATION_PLAN.md, VALUE_CHECKLIST.md,
// DELIVERY_REPORT.md) from LoopState via text/template, the same way
// this corpus renders planner/agent-facing markdown from structured
// state rather than hand-assembling strings.
package render

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"
	"time"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/loopstate"
)

var funcs = template.FuncMap{
	"percent": func(n, total int) float64 {
		if total == 0 {
			return 0
		}
		return 100 * float64(n) / float64(total)
	},
}

var implementationPlanTemplate = template.Must(template.New("plan").Funcs(funcs).Parse(`# Implementation Plan — {{ .State.SprintID }}

Generated {{ .Now.Format "2006-01-02 15:04:05" }}, iteration {{ .State.Iteration }}.

{{ range .Tasks }}
## {{ .TaskID }} [{{ .Status }}]{{ if .EpicID }} (epic: {{ .EpicID }}){{ end }}

**Description:** {{ .Description }}
**Value:** {{ .Value }}
**Acceptance:** {{ .Acceptance }}
{{ if .Dependencies }}**Depends on:** {{ range .Dependencies }}{{ . }} {{ end }}{{ end }}
{{ end }}
`))

var valueChecklistTemplate = template.Must(template.New("checklist").Funcs(funcs).Parse(`# Value Checklist — {{ .State.SprintID }}

{{ range .Tasks }}
- [{{ if eq .Status "done" }}x{{ else }} {{ end }}] {{ .TaskID }}: {{ .Value }}
{{ end }}

{{ if .LatestVRC }}
## Latest Value-Realization Check

- Value score: {{ printf "%.2f" .LatestVRC.ValueScore }}
- Deliverables: {{ .LatestVRC.DeliverablesVerified }}/{{ .LatestVRC.DeliverablesTotal }} verified, {{ .LatestVRC.DeliverablesBlocked }} blocked
- Recommendation: {{ .LatestVRC.Recommendation }}
{{ if .LatestVRC.Gaps }}
### Gaps
{{ range .LatestVRC.Gaps }}- {{ . }}
{{ end }}
{{ end }}
{{ end }}
`))

var deliveryReportTemplate = template.Must(template.New("report").Funcs(funcs).Parse(`# Delivery Report — {{ .State.SprintID }}

Status: {{ .Status }}
Generated: {{ .Now.Format "2006-01-02 15:04:05" }}
Iterations: {{ .State.Iteration }}

## Summary

- Tasks done: {{ .DoneCount }}/{{ .TotalCount }}
- Verifications passing: {{ .PassingCount }}/{{ .VerificationCount }}
{{ if .LatestVRC }}- Latest value score: {{ printf "%.2f" .LatestVRC.ValueScore }}
- Recommendation: {{ .LatestVRC.Recommendation }}{{ end }}

## Completed tasks

{{ range .DoneTasks }}- {{ .TaskID }}: {{ .Description }}{{ if .CompletionNotes }} — {{ .CompletionNotes }}{{ end }}
{{ end }}
{{ if .OutstandingTasks }}
## Outstanding

{{ range .OutstandingTasks }}- {{ .TaskID }} [{{ .Status }}]: {{ .Description }}
{{ end }}
{{ end }}
`))

type planData struct {
	State *loopstate.LoopState
	Tasks []*loopstate.Task
	Now   time.Time
}

type checklistData struct {
	State     *loopstate.LoopState
	Tasks     []*loopstate.Task
	LatestVRC *loopstate.VRCSnapshot
}

type reportData struct {
	State             *loopstate.LoopState
	Status            string
	Now               time.Time
	DoneCount         int
	TotalCount        int
	PassingCount      int
	VerificationCount int
	LatestVRC         *loopstate.VRCSnapshot
	DoneTasks         []*loopstate.Task
	OutstandingTasks  []*loopstate.Task
}

// Renderer regenerates the sprint directory's markdown artifacts.
type Renderer struct {
	sprintDir string
}

// New builds a Renderer writing into sprintDir.
func New(sprintDir string) *Renderer {
	return &Renderer{sprintDir: sprintDir}
}

func sortedTasks(state *loopstate.LoopState) []*loopstate.Task {
	tasks := make([]*loopstate.Task, 0, len(state.Tasks))
	for _, t := range state.Tasks {
		tasks = append(tasks, t)
	}
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j-1].TaskID > tasks[j].TaskID; j-- {
			tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
		}
	}
	return tasks
}

func latestVRC(state *loopstate.LoopState) *loopstate.VRCSnapshot {
	if len(state.VRCHistory) == 0 {
		return nil
	}
	v := state.VRCHistory[len(state.VRCHistory)-1]
	return &v
}

// ImplementationPlan renders and writes IMPLEMENTATION_PLAN.md.
func (r *Renderer) ImplementationPlan(state *loopstate.LoopState) error {
	return r.write("IMPLEMENTATION_PLAN.md", implementationPlanTemplate, planData{
		State: state, Tasks: sortedTasks(state), Now: time.Now(),
	})
}

// ValueChecklist renders and writes VALUE_CHECKLIST.md.
func (r *Renderer) ValueChecklist(state *loopstate.LoopState) error {
	return r.write("VALUE_CHECKLIST.md", valueChecklistTemplate, checklistData{
		State: state, Tasks: sortedTasks(state), LatestVRC: latestVRC(state),
	})
}

// DeliveryReport renders and writes DELIVERY_REPORT.md. status is one
// of "success" (exit gate passed), "partial" (iteration cap reached
// with VRC value_score > 0.5), or "failure".
func (r *Renderer) DeliveryReport(state *loopstate.LoopState, status string) error {
	var done, outstanding []*loopstate.Task
	for _, t := range sortedTasks(state) {
		if t.Status == loopstate.TaskDone {
			done = append(done, t)
		} else if t.Status != loopstate.TaskDescoped {
			outstanding = append(outstanding, t)
		}
	}
	passing := 0
	for _, v := range state.Verifications {
		if v.Status == loopstate.VerificationPassed {
			passing++
		}
	}
	return r.write("DELIVERY_REPORT.md", deliveryReportTemplate, reportData{
		State: state, Status: status, Now: time.Now(),
		DoneCount: len(done), TotalCount: len(state.Tasks),
		PassingCount: passing, VerificationCount: len(state.Verifications),
		LatestVRC: latestVRC(state), DoneTasks: done, OutstandingTasks: outstanding,
	})
}

func (r *Renderer) write(filename string, tmpl *template.Template, data interface{}) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return apperrors.FailedToWithDetails("render template", "render", filename, err)
	}
	path := filepath.Join(r.sprintDir, filename)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return apperrors.FailedToWithDetails("write rendered artifact", "render", path, err)
	}
	return nil
}
