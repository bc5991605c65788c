package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valueforge/orchestrator/pkg/loopstate"
)

func TestUpdateVelocityConverges(t *testing.T) {
	pm := &loopstate.ProcessMonitorState{}
	config := DefaultConfig()
	for i := 0; i < 50; i++ {
		UpdateVelocity(pm, 0.1, 1000, config)
	}
	if pm.EMAVelocity < 0.05 {
		t.Errorf("EMAVelocity = %v, want it to have moved toward 0.1", pm.EMAVelocity)
	}
}

func TestRecordChurnOnlyCountsRetriedTasks(t *testing.T) {
	pm := &loopstate.ProcessMonitorState{ChurnCounts: map[string]int{}}
	state := loopstate.New("sprint-1")
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", RetryCount: 2}
	state.Tasks["T2"] = &loopstate.Task{TaskID: "T2", RetryCount: 0}

	RecordChurn(pm, state)

	if pm.ChurnCounts["T1"] != 1 {
		t.Errorf("ChurnCounts[T1] = %d, want 1", pm.ChurnCounts["T1"])
	}
	if _, ok := pm.ChurnCounts["T2"]; ok {
		t.Error("ChurnCounts[T2] should be absent")
	}
}

func TestNormalizeErrorStripsVolatileDetails(t *testing.T) {
	a := NormalizeError("panic at /home/user/app/main.go:42 on 2026-01-01T10:00:00")
	b := NormalizeError("panic at /home/user/app/main.go:99 on 2026-06-15T18:30:00")
	if a != b {
		t.Errorf("NormalizeError() differs for same error with different line/time: %q vs %q", a, b)
	}
}

func TestErrorHashSameForNormalizedEqualText(t *testing.T) {
	a := ErrorHash("failed at file.go:10")
	b := ErrorHash("failed at file.go:99")
	if a != b {
		t.Errorf("ErrorHash() = %q, %q, want equal after normalization", a, b)
	}
}

func TestScanFileHealthDetectsMonolith(t *testing.T) {
	dir := t.TempDir()
	var lines string
	for i := 0; i < 600; i++ {
		lines += "x\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "big.go"), []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	state := loopstate.New("sprint-1")
	state.Tasks["T1"] = &loopstate.Task{TaskID: "T1", Status: loopstate.TaskDone, FilesCreated: []string{"big.go"}}
	pm := &state.ProcessMonitor

	warnings := ScanFileHealth(pm, state, dir, DefaultConfig())

	found := false
	for _, w := range warnings {
		if w.Kind == "MONOLITH" {
			found = true
		}
	}
	if !found {
		t.Errorf("ScanFileHealth() warnings = %+v, want a MONOLITH warning", warnings)
	}
}

func TestEvaluateTriggerSuppressedDuringEarlyIterations(t *testing.T) {
	state := loopstate.New("sprint-1")
	state.Iteration = 1
	pm := &state.ProcessMonitor
	pm.ChurnCounts["T1"] = 10

	got := EvaluateTrigger(pm, state, DefaultConfig(), 0)
	if got != loopstate.ProcessGreen {
		t.Errorf("EvaluateTrigger() = %v, want GREEN during suppression window", got)
	}
}

func TestEvaluateTriggerRedOnHighChurn(t *testing.T) {
	state := loopstate.New("sprint-1")
	state.Iteration = 10
	pm := &state.ProcessMonitor
	pm.ChurnCounts["T1"] = 5

	got := EvaluateTrigger(pm, state, DefaultConfig(), 0)
	if got != loopstate.ProcessRed {
		t.Errorf("EvaluateTrigger() = %v, want RED", got)
	}
}

func TestApplyStrategyChangeArchivesPrevious(t *testing.T) {
	pm := &loopstate.ProcessMonitorState{CurrentStrategy: map[string]string{"mode": "aggressive"}}
	ApplyStrategyChange(pm, map[string]string{"mode": "conservative"})

	if pm.CurrentStrategy["mode"] != "conservative" {
		t.Errorf("CurrentStrategy[mode] = %q, want conservative", pm.CurrentStrategy["mode"])
	}
	if len(pm.StrategyHistory) != 1 || pm.StrategyHistory[0]["mode"] != "aggressive" {
		t.Errorf("StrategyHistory = %+v, want prior strategy archived", pm.StrategyHistory)
	}
}

func TestEvaluateTriggerYellowOnConcentration(t *testing.T) {
	state := loopstate.New("sprint-1")
	state.Iteration = 10
	pm := &state.ProcessMonitor
	pm.Warnings = append(pm.Warnings, loopstate.CodeHealthWarning{Kind: "CONCENTRATION", File: "big.go"})

	got := EvaluateTrigger(pm, state, DefaultConfig(), 0)
	require.NotEmpty(t, got, "EvaluateTrigger should always return a non-empty status")
	assert.Equal(t, loopstate.ProcessYellow, got)
}
