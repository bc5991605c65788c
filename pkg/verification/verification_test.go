package verification

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/valueforge/orchestrator/pkg/loopstate"
)

func writeScript(t *testing.T, dir, category, name, content string) {
	t.Helper()
	categoryDir := filepath.Join(dir, category)
	if err := os.MkdirAll(categoryDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(categoryDir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverParsesRequiresHeader(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "integration", "smoke.sh", "# requires: unit, lint\nexit 0\n")

	found, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Discover() found %d, want 1", len(found))
	}
	v := found[0]
	if v.VerificationID != "integration/smoke" {
		t.Errorf("VerificationID = %q, want integration/smoke", v.VerificationID)
	}
	if len(v.Requires) != 2 || v.Requires[0] != "unit" || v.Requires[1] != "lint" {
		t.Errorf("Requires = %v, want [unit lint]", v.Requires)
	}
}

func TestDiscoverMissingRootReturnsEmpty(t *testing.T) {
	found, err := Discover(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if found != nil {
		t.Errorf("Discover() = %v, want nil", found)
	}
}

func TestRunCategoryPassAndFail(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "unit", "pass.sh", "#!/bin/bash\nexit 0\n")
	writeScript(t, dir, "unit", "fail.sh", "#!/bin/bash\nexit 1\n")

	found, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	state := loopstate.New("sprint-1")
	for _, v := range found {
		state.Verifications[v.VerificationID] = v
	}

	RunCategory(context.Background(), state, "unit")

	if state.Verifications["unit/pass"].Status != loopstate.VerificationPassed {
		t.Errorf("unit/pass status = %v, want passed", state.Verifications["unit/pass"].Status)
	}
	if state.Verifications["unit/fail"].Status != loopstate.VerificationFailed {
		t.Errorf("unit/fail status = %v, want failed", state.Verifications["unit/fail"].Status)
	}
	if !state.RegressionBaseline["unit/pass"] {
		t.Error("unit/pass not added to regression baseline")
	}
	if state.RegressionBaseline["unit/fail"] {
		t.Error("unit/fail incorrectly present in regression baseline")
	}
	if len(state.Verifications["unit/fail"].Failures) != 1 {
		t.Errorf("unit/fail failure count = %d, want 1", len(state.Verifications["unit/fail"].Failures))
	}
}

func TestRunCategorySkipsWhenPrerequisiteNotPassing(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "integration", "smoke.sh", "# requires: unit\nexit 0\n")

	found, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	state := loopstate.New("sprint-1")
	state.Verifications["unit/pending"] = &loopstate.Verification{VerificationID: "unit/pending", Category: "unit", Status: loopstate.VerificationPending}
	for _, v := range found {
		state.Verifications[v.VerificationID] = v
	}

	ran := RunCategory(context.Background(), state, "integration")
	if ran {
		t.Error("RunCategory() ran integration category despite unsatisfied unit prerequisite")
	}
	if state.Verifications["integration/smoke"].Status != loopstate.VerificationPending {
		t.Errorf("integration/smoke status = %v, want still pending", state.Verifications["integration/smoke"].Status)
	}
}

func TestRunRegressionDetectsRegressionAndClearsBaseline(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "unit", "flaky.sh", "#!/bin/bash\nexit 1\n")

	found, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	state := loopstate.New("sprint-1")
	for _, v := range found {
		state.Verifications[v.VerificationID] = v
		v.Status = loopstate.VerificationPassed
		state.RegressionBaseline[v.VerificationID] = true
	}

	regressed := RunRegression(context.Background(), state)
	if len(regressed) != 1 || regressed[0] != "unit/flaky" {
		t.Errorf("RunRegression() = %v, want [unit/flaky]", regressed)
	}
	if state.RegressionBaseline["unit/flaky"] {
		t.Error("unit/flaky still in regression baseline after regressing")
	}
	if state.Verifications["unit/flaky"].Status != loopstate.VerificationFailed {
		t.Errorf("unit/flaky status = %v, want failed", state.Verifications["unit/flaky"].Status)
	}
}

func TestCurrentFailureSetIsSorted(t *testing.T) {
	state := loopstate.New("sprint-1")
	state.Verifications["unit/b"] = &loopstate.Verification{VerificationID: "unit/b", Status: loopstate.VerificationFailed}
	state.Verifications["unit/a"] = &loopstate.Verification{VerificationID: "unit/a", Status: loopstate.VerificationFailed}
	state.Verifications["unit/c"] = &loopstate.Verification{VerificationID: "unit/c", Status: loopstate.VerificationPassed}

	got := CurrentFailureSet(state)
	want := []string{"unit/a", "unit/b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("CurrentFailureSet() = %v, want %v", got, want)
	}
}
