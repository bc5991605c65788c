// Package monitor implements the process monitor: deterministic,
// zero-LLM-cost metrics updated after every iteration (velocity and
// token-efficiency EMAs, a clamp-to-zero CUSUM, churn, normalized
// error-hash recurrence, and code-health hotspot scans) that together
// produce a GREEN/YELLOW/RED trigger.
package monitor

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/valueforge/orchestrator/pkg/loopstate"
	"github.com/valueforge/orchestrator/pkg/monitor/stats"
)

// Config holds the thresholds the monitor documents defaults for.
type Config struct {
	VelocityAlpha        float64
	MonolithLines        int
	LongFunctionLines    int
	RapidGrowthPct       float64
	ConcentrationPct     float64
	DuplicateMinLines    int
	MaxDuplicateTasks    int
	LowTestRatioFloor    float64
	MinIterations        int
	ChurnYellowCount     int
	ChurnRedCount        int
	ErrorRecurrenceRed   int
	BudgetNearExhaustion float64 // fraction (0.95 = 95%)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		VelocityAlpha:        0.3,
		MonolithLines:        500,
		LongFunctionLines:    50,
		RapidGrowthPct:       0.5,
		ConcentrationPct:     0.6,
		DuplicateMinLines:    8,
		MaxDuplicateTasks:    5,
		LowTestRatioFloor:    0.5,
		MinIterations:        3,
		ChurnYellowCount:     2,
		ChurnRedCount:        4,
		ErrorRecurrenceRed:   3,
		BudgetNearExhaustion: 0.95,
	}
}

// UpdateVelocity advances the velocity and token-efficiency EMAs from
// the delta in value score and tokens spent since the last iteration.
func UpdateVelocity(pm *loopstate.ProcessMonitorState, deltaValueScore, deltaTokens float64, config Config) {
	pm.EMAVelocity = stats.EMA(pm.EMAVelocity, deltaValueScore, config.VelocityAlpha)

	var tokenEfficiency float64
	if deltaTokens > 0 {
		tokenEfficiency = deltaValueScore / deltaTokens
	}
	pm.EMATokenEfficiency = stats.EMA(pm.EMATokenEfficiency, tokenEfficiency, config.VelocityAlpha)
	pm.CUSUMEfficiency = stats.CUSUM(pm.CUSUMEfficiency, tokenEfficiency, pm.EMATokenEfficiency)
}

// RecordChurn increments the churn counter for every task whose
// retry_count has reached 2 or more.
func RecordChurn(pm *loopstate.ProcessMonitorState, state *loopstate.LoopState) {
	for id, t := range state.Tasks {
		if t.RetryCount >= 2 {
			pm.ChurnCounts[id] = pm.ChurnCounts[id] + 1
		}
	}
}

var (
	lineNumberRe = regexp.MustCompile(`:\d+(:\d+)?`)
	filePathRe   = regexp.MustCompile(`(/[\w.\-]+)+\.\w+`)
	timestampRe  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?`)
)

// NormalizeError strips line numbers, file paths, and timestamps from
// a failure's output so repeated occurrences of the *same* underlying
// error hash identically even as incidental details shift.
func NormalizeError(text string) string {
	text = timestampRe.ReplaceAllString(text, "")
	text = filePathRe.ReplaceAllString(text, "")
	text = lineNumberRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// ErrorHash returns a short digest of the normalized error text.
func ErrorHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeError(text)))
	return hex.EncodeToString(sum[:])[:12]
}

// RecordErrorHashes counts the normalized error hash of every
// verification's most recent failure.
func RecordErrorHashes(pm *loopstate.ProcessMonitorState, state *loopstate.LoopState) {
	for _, v := range state.Verifications {
		if len(v.Failures) == 0 {
			continue
		}
		last := v.Failures[len(v.Failures)-1]
		hash := ErrorHash(last.Stderr + last.Stdout)
		pm.ErrorHashCounts[hash] = pm.ErrorHashCounts[hash] + 1
	}
}

// ScanFileHealth walks the files touched by done tasks, records line
// counts (shifting current into previous), and appends code-health
// warnings: MONOLITH, RAPID_GROWTH, CONCENTRATION, LONG_FUNCTION,
// LOW_TEST_RATIO. It does not look for duplicate blocks, so it never
// emits DUPLICATE and leaves DuplicateBlocks unchanged.
func ScanFileHealth(pm *loopstate.ProcessMonitorState, state *loopstate.LoopState, repoRoot string, config Config) []loopstate.CodeHealthWarning {
	touched := touchedFiles(state)
	if len(touched) == 0 {
		return nil
	}

	pm.PrevFileLineCounts = pm.FileLineCounts
	pm.FileLineCounts = map[string]int{}

	var warnings []loopstate.CodeHealthWarning
	total := 0
	counts := map[string]int{}

	for _, file := range touched {
		pm.FileTouches[file] = pm.FileTouches[file] + 1
		lines, funcLines := scanFile(filepath.Join(repoRoot, file))
		pm.FileLineCounts[file] = lines
		counts[file] = lines
		total += lines

		if lines >= config.MonolithLines {
			warnings = append(warnings, newWarning("MONOLITH", file, "file exceeds monolith line threshold"))
		}
		if prev, ok := pm.PrevFileLineCounts[file]; ok && prev > 0 {
			growth := float64(lines-prev) / float64(prev)
			if growth > config.RapidGrowthPct {
				warnings = append(warnings, newWarning("RAPID_GROWTH", file, "file grew more than 50% since previous iteration"))
			}
		}
		for _, fl := range funcLines {
			if fl >= config.LongFunctionLines {
				pm.LongFunctions++
				warnings = append(warnings, newWarning("LONG_FUNCTION", file, "function exceeds line threshold"))
			}
		}
	}

	if total > 0 {
		for file, lines := range counts {
			if float64(lines)/float64(total) > config.ConcentrationPct {
				warnings = append(warnings, newWarning("CONCENTRATION", file, "file holds more than 60% of touched codebase"))
			}
		}
	}

	if ratio := testToSourceRatio(counts); ratio < config.LowTestRatioFloor {
		warnings = append(warnings, newWarning("LOW_TEST_RATIO", "", "test-to-source line ratio below floor"))
	}

	pm.Warnings = append(pm.Warnings, warnings...)
	return warnings
}

func newWarning(kind, file, detail string) loopstate.CodeHealthWarning {
	return loopstate.CodeHealthWarning{Kind: kind, File: file, Detail: detail}
}

func touchedFiles(state *loopstate.LoopState) []string {
	seen := map[string]bool{}
	var files []string
	for _, t := range state.Tasks {
		if t.Status != loopstate.TaskDone {
			continue
		}
		for _, f := range append(t.FilesCreated, t.FilesModified...) {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	return files
}

// scanFile returns total line count and a slice of individual
// top-level function body line counts, approximated by counting lines
// between a "func " opener and its matching brace depth returning to
// zero.
func scanFile(path string) (int, []int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil
	}
	defer f.Close()

	var total int
	var funcLines []int
	inFunc := false
	depth := 0
	funcStart := 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		total++
		line := scanner.Text()
		if !inFunc && strings.HasPrefix(strings.TrimSpace(line), "func ") {
			inFunc = true
			funcStart = total
			depth = 0
		}
		if inFunc {
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			if depth <= 0 && strings.Contains(line, "}") {
				funcLines = append(funcLines, total-funcStart+1)
				inFunc = false
			}
		}
	}
	return total, funcLines
}

func testToSourceRatio(lineCounts map[string]int) float64 {
	var testLines, sourceLines float64
	for f, lines := range lineCounts {
		if strings.HasSuffix(f, "_test.go") || strings.Contains(f, "/test") {
			testLines += float64(lines)
		} else {
			sourceLines += float64(lines)
		}
	}
	if sourceLines == 0 {
		return 1.0
	}
	return testLines / sourceLines
}

// EvaluateTrigger derives GREEN/YELLOW/RED from the accumulated
// metrics, suppressed (GREEN) for the first MinIterations iterations
// or near budget exhaustion. There is no cooldown after a strategy
// change: the next call evaluates the metrics as they stand.
func EvaluateTrigger(pm *loopstate.ProcessMonitorState, state *loopstate.LoopState, config Config, tokenBudget int64) loopstate.ProcessStatus {
	if state.Iteration < config.MinIterations {
		return loopstate.ProcessGreen
	}
	if tokenBudget > 0 && float64(state.Tokens.Total) >= float64(tokenBudget)*config.BudgetNearExhaustion {
		return loopstate.ProcessGreen
	}
	maxChurn := maxCount(pm.ChurnCounts)
	maxRecurrence := maxCount(pm.ErrorHashCounts)

	switch {
	case maxChurn >= config.ChurnRedCount || maxRecurrence >= config.ErrorRecurrenceRed:
		return loopstate.ProcessRed
	case maxChurn >= config.ChurnYellowCount:
		return loopstate.ProcessYellow
	case hasKind(pm.Warnings, "MONOLITH", "CONCENTRATION"):
		return loopstate.ProcessYellow
	default:
		return loopstate.ProcessGreen
	}
}

func maxCount(counts map[string]int) int {
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	return max
}

func hasKind(warnings []loopstate.CodeHealthWarning, kinds ...string) bool {
	set := map[string]bool{}
	for _, k := range kinds {
		set[k] = true
	}
	for _, w := range warnings {
		if set[w.Kind] {
			return true
		}
	}
	return false
}

// ApplyStrategyChange records a new strategy and archives the
// previous one into history, invoked only on a RED trigger after the
// reasoning role returns a report_strategy_change tool call.
func ApplyStrategyChange(pm *loopstate.ProcessMonitorState, changes map[string]string) {
	if pm.CurrentStrategy != nil {
		pm.StrategyHistory = append(pm.StrategyHistory, pm.CurrentStrategy)
	}
	next := map[string]string{}
	for k, v := range pm.CurrentStrategy {
		next[k] = v
	}
	for k, v := range changes {
		next[k] = v
	}
	pm.CurrentStrategy = next
}
