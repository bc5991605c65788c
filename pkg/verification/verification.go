// Package verification discovers generated verification scripts,
// orders their execution by category and declared prerequisites, runs
// them through the subprocess runner's bounded worker pool, and
// updates LoopState with pass/fail outcomes and the regression
// baseline.
package verification

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/valueforge/orchestrator/pkg/loopstate"
	"github.com/valueforge/orchestrator/pkg/subprocess"
)

const maxCapturedBytes = 2000

var requiresHeaderRe = regexp.MustCompile(`^#\s*requires:\s*(.+)$`)

// Discover walks root/<category>/*.(sh|py), assigning stable ids
// "category/name" and parsing an optional "# requires: catA, catB"
// first-line header. Discovered scripts are marked executable on
// POSIX so they can be run directly.
func Discover(root string) ([]*loopstate.Verification, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var found []*loopstate.Verification
	for _, categoryEntry := range entries {
		if !categoryEntry.IsDir() {
			continue
		}
		category := categoryEntry.Name()
		categoryDir := filepath.Join(root, category)
		scripts, err := os.ReadDir(categoryDir)
		if err != nil {
			continue
		}
		for _, scriptEntry := range scripts {
			if scriptEntry.IsDir() {
				continue
			}
			ext := filepath.Ext(scriptEntry.Name())
			if ext != ".sh" && ext != ".py" {
				continue
			}
			scriptPath := filepath.Join(categoryDir, scriptEntry.Name())
			requires, err := parseRequiresHeader(scriptPath)
			if err != nil {
				continue
			}
			if err := os.Chmod(scriptPath, 0o755); err != nil {
				continue
			}
			name := strings.TrimSuffix(scriptEntry.Name(), ext)
			found = append(found, &loopstate.Verification{
				VerificationID: category + "/" + name,
				ScriptPath:     scriptPath,
				Category:       category,
				Status:         loopstate.VerificationPending,
				Requires:       requires,
			})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].VerificationID < found[j].VerificationID })
	return found, nil
}

func parseRequiresHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, nil
	}
	match := requiresHeaderRe.FindStringSubmatch(scanner.Text())
	if match == nil {
		return nil, nil
	}
	var categories []string
	for _, c := range strings.Split(match[1], ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			categories = append(categories, c)
		}
	}
	return categories, nil
}

// categoryReady reports whether every verification in each of
// requiredCategories has status=passed.
func categoryReady(state *loopstate.LoopState, requiredCategories []string) bool {
	for _, cat := range requiredCategories {
		for _, v := range state.Verifications {
			if v.Category == cat && v.Status != loopstate.VerificationPassed {
				return false
			}
		}
	}
	return true
}

// RunTimeout is the per-script execution budget.
const RunTimeout = 2 * time.Minute

// RunCategory runs every verification in the named category whose
// prerequisite categories are all passing, applying results to state.
// It returns false if the category was skipped because a prerequisite
// was not satisfied.
func RunCategory(ctx context.Context, state *loopstate.LoopState, category string) bool {
	var toRun []*loopstate.Verification
	for _, v := range state.Verifications {
		if v.Category != category {
			continue
		}
		if !categoryReady(state, v.Requires) {
			return false
		}
		toRun = append(toRun, v)
	}
	if len(toRun) == 0 {
		return true
	}

	specs := make(map[string]subprocess.Spec, len(toRun))
	for _, v := range toRun {
		specs[v.VerificationID] = specFor(v)
	}
	results := subprocess.RunParallel(ctx, specs)

	for _, v := range toRun {
		applyResult(state, v, results[v.VerificationID])
	}
	return true
}

// RunRegression re-runs every script currently in the regression
// baseline in parallel. Any failure is a regression: it updates
// state same as a normal failure and is removed from the baseline.
// Returns the ids that regressed.
func RunRegression(ctx context.Context, state *loopstate.LoopState) []string {
	if len(state.RegressionBaseline) == 0 {
		return nil
	}
	specs := make(map[string]subprocess.Spec, len(state.RegressionBaseline))
	for id := range state.RegressionBaseline {
		if v, ok := state.Verifications[id]; ok {
			specs[id] = specFor(v)
		}
	}
	results := subprocess.RunParallel(ctx, specs)

	var regressed []string
	for id, result := range results {
		v, ok := state.Verifications[id]
		if !ok {
			continue
		}
		if result.ExitCode != 0 {
			applyResult(state, v, result)
			regressed = append(regressed, id)
		}
	}
	sort.Strings(regressed)
	return regressed
}

func specFor(v *loopstate.Verification) subprocess.Spec {
	interpreter := "bash"
	if strings.HasSuffix(v.ScriptPath, ".py") {
		interpreter = "python3"
	}
	return subprocess.Spec{Command: interpreter, Args: []string{v.ScriptPath}, Timeout: RunTimeout}
}

func applyResult(state *loopstate.LoopState, v *loopstate.Verification, result subprocess.Result) {
	v.Attempts++
	if result.ExitCode == 0 {
		v.Status = loopstate.VerificationPassed
		state.RegressionBaseline[v.VerificationID] = true
		return
	}

	v.Status = loopstate.VerificationFailed
	delete(state.RegressionBaseline, v.VerificationID)
	v.Failures = append(v.Failures, loopstate.FailureRecord{
		Timestamp: time.Now(),
		Attempt:   v.Attempts,
		ExitCode:  result.ExitCode,
		Stdout:    truncate(result.Stdout, maxCapturedBytes),
		Stderr:    truncate(result.Stderr, maxCapturedBytes),
	})
	state.ResearchAttemptedForCurrentFailures = false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// CurrentFailureSet returns the sorted ids of every currently-failing
// verification. The research_attempted_for_current_failures flag is
// not keyed to this set: applyResult clears it on every failed run.
func CurrentFailureSet(state *loopstate.LoopState) []string {
	var ids []string
	for id, v := range state.Verifications {
		if v.Status == loopstate.VerificationFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
