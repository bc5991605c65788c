// Package gitsafety wraps the git CLI (invoked via exec.Command, `git
// -C <dir> <subcommand>`) with the orchestrator's safety policy:
// feature-branch isolation, selective staging that never runs
// `git add -A`, a sensitive-file filter, checkpoint-vs-plain-commit
// distinction, and a WAL-guarded rollback protocol.
package gitsafety

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/internal/logging"
	"github.com/valueforge/orchestrator/pkg/loopstate"
)

// defaultSensitivePatterns mirrors loopstate.New's GitState seed,
// written as regexes rather than globs; kept
// here too so Layer can be constructed independently of a fresh state.
var defaultSensitivePatterns = []string{
	`\.env$`, `\.env\..*`, `.*\.pem$`, `.*\.key$`, `.*secret.*`,
	`.*credential.*`, `.*password.*`, `.*\.p12$`, `.*\.pfx$`,
}

var defaultSafeDirs = []string{"src", "tests", "test", "lib", "docs"}

const maxRollbacksPerSprint = 3

// Layer drives git for one sprint's working tree.
type Layer struct {
	repoDir   string
	sprintDir string
	log       logr.Logger
}

// New opens a Layer over the repository at repoDir, with the sprint's
// own artifacts (verifications/, state files) living under sprintDir.
func New(repoDir, sprintDir string, log logr.Logger) *Layer {
	return &Layer{repoDir: repoDir, sprintDir: sprintDir, log: log}
}

func (l *Layer) run(args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", l.repoDir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), apperrors.FailedToWithDetails(fmt.Sprintf("run git %s", strings.Join(args, " ")), "gitsafety", l.repoDir, apperrors.Wrapf(err, "output: %s", out))
	}
	return string(out), nil
}

// CurrentBranch returns the checked-out branch name.
func (l *Layer) CurrentBranch() (string, error) {
	out, err := l.run("rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

// IsDirty reports whether the working tree has uncommitted changes.
func (l *Layer) IsDirty() (bool, error) {
	out, err := l.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Start performs the git-safety startup sequence: refuse a protected
// current branch, stash if dirty, create and check out the sprint's
// feature branch from HEAD.
func (l *Layer) Start(state *loopstate.LoopState, sprintName string) error {
	branch, err := l.CurrentBranch()
	if err != nil {
		return err
	}
	for _, protected := range state.Git.ProtectedBranches {
		if branch == protected {
			return apperrors.ValidationError("current_branch", "refusing to start a sprint on a protected branch: "+branch)
		}
	}
	state.Git.OriginalBranch = branch

	dirty, err := l.IsDirty()
	if err != nil {
		return err
	}
	if dirty {
		stashLabel := fmt.Sprintf("sprint-%s-autostash-%d", sprintName, time.Now().Unix())
		if _, err := l.run("stash", "push", "-u", "-m", stashLabel); err != nil {
			return err
		}
		state.Git.StashRef = stashLabel
	}

	featureBranch := fmt.Sprintf("sprint-%s-%d", sprintName, time.Now().Unix())
	if _, err := l.run("checkout", "-b", featureBranch); err != nil {
		return err
	}
	state.Git.Branch = featureBranch

	l.log.Info("started sprint feature branch", logging.GitFields("start", featureBranch).ToLogr()...)
	return nil
}

// sensitivePatternsOrDefault returns state's configured patterns,
// falling back to defaultSensitivePatterns if the state was
// constructed without loopstate.New's seed.
func sensitivePatternsOrDefault(state *loopstate.LoopState) []string {
	if len(state.Git.SensitivePatterns) > 0 {
		return state.Git.SensitivePatterns
	}
	return defaultSensitivePatterns
}

func safeDirsPresent(repoDir string) []string {
	var present []string
	for _, d := range defaultSafeDirs {
		if _, err := os.Stat(filepath.Join(repoDir, d)); err == nil {
			present = append(present, d)
		}
	}
	return present
}

// Commit stages tracked modifications (`git add -u`) plus any present
// safe directories and the sprint directory, filters out sensitive
// paths, and commits only if something remains staged. It returns the
// new commit hash, or "" if nothing was committed.
func (l *Layer) Commit(state *loopstate.LoopState, message string) (string, error) {
	if _, err := l.run("add", "-u"); err != nil {
		return "", err
	}
	stagePaths := append(safeDirsPresent(l.repoDir), l.sprintDir)
	for _, p := range stagePaths {
		l.run("add", p) // best-effort; a missing path is not fatal
	}

	staged, err := l.stagedPaths()
	if err != nil {
		return "", err
	}

	patterns := compilePatterns(sensitivePatternsOrDefault(state))
	var kept []string
	for _, path := range staged {
		if matchesAny(patterns, path) {
			l.run("reset", "HEAD", "--", path)
			l.log.Info("unstaged sensitive path", logging.SecurityFields("unstage_sensitive", path).ToLogr()...)
			continue
		}
		kept = append(kept, path)
	}

	if len(kept) == 0 {
		return "", nil
	}

	if _, err := l.run("commit", "-m", message); err != nil {
		return "", err
	}
	hash, err := l.run("rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	hash = strings.TrimSpace(hash)
	state.Git.LastCommitHash = hash
	return hash, nil
}

// Checkpoint commits (if there is anything to commit) and, because
// the tree is known-good at this point, records a GitCheckpoint.
// Callers are responsible for only invoking Checkpoint at the
// spec-defined known-good points (post pre-loop, all-pass QC, course
// correction, rollback, epic boundary, exit-gate pass) — Checkpoint
// itself does not re-derive "known-good".
func (l *Layer) Checkpoint(state *loopstate.LoopState, label, message string, valueScore float64) error {
	hash, err := l.Commit(state, message)
	if err != nil {
		return err
	}
	if hash == "" {
		hash = state.Git.LastCommitHash
	}

	var tasksDone, verificationsPassing []string
	for id, t := range state.Tasks {
		if t.Status == loopstate.TaskDone {
			tasksDone = append(tasksDone, id)
		}
	}
	for id, v := range state.Verifications {
		if v.Status == loopstate.VerificationPassed {
			verificationsPassing = append(verificationsPassing, id)
		}
	}

	state.Git.Checkpoints = append(state.Git.Checkpoints, loopstate.GitCheckpoint{
		CommitHash:           hash,
		Label:                label,
		TasksCompleted:       tasksDone,
		VerificationsPassing: verificationsPassing,
		ValueScore:           valueScore,
		CreatedAt:            time.Now(),
	})
	return nil
}

// Rollback executes the WAL-guarded rollback protocol to the named
// checkpoint: write WAL, reset --hard + clean -fd, synchronize
// LoopState, commit a rollback marker, delete WAL.
func (l *Layer) Rollback(state *loopstate.LoopState, wal *loopstate.WALStore, checkpointLabel, reason string) error {
	if len(state.Git.Rollbacks) >= maxRollbacksPerSprint {
		return apperrors.ValidationError("rollback", "max rollbacks per sprint reached")
	}

	var checkpoint *loopstate.GitCheckpoint
	for i := range state.Git.Checkpoints {
		if state.Git.Checkpoints[i].Label == checkpointLabel {
			checkpoint = &state.Git.Checkpoints[i]
		}
	}
	if checkpoint == nil {
		return apperrors.ValidationError("checkpoint_label", "no such checkpoint: "+checkpointLabel)
	}
	// Rolling back past the pre-loop checkpoint is impossible by
	// construction: checkpoints[0] is always the pre-loop checkpoint
	// and Checkpoint never removes entries, so the lookup above can
	// only resolve to checkpoints[0] or later.

	fromHash := state.Git.LastCommitHash
	if err := wal.Begin(fromHash, checkpoint.CommitHash, checkpointLabel, reason, state.Iteration); err != nil {
		return err
	}

	if _, err := l.run("reset", "--hard", checkpoint.CommitHash); err != nil {
		return err
	}
	if _, err := l.run("clean", "-fd"); err != nil {
		return err
	}

	l.synchronizeStateAfterRollback(state, checkpoint, reason)

	newHash, err := l.Commit(state, fmt.Sprintf("chore(rollback): restore checkpoint %s (%s)", checkpointLabel, reason))
	if err != nil {
		return err
	}
	if newHash == "" {
		// reset --hard leaves nothing to commit; the checkpoint commit
		// itself is the rollback target, record it as the new head.
		newHash = checkpoint.CommitHash
		state.Git.LastCommitHash = newHash
	}

	state.Git.Rollbacks = append(state.Git.Rollbacks, loopstate.GitRollback{
		FromHash:  fromHash,
		ToHash:    checkpoint.CommitHash,
		Reason:    reason,
		Timestamp: time.Now(),
	})

	return wal.Commit()
}

// synchronizeStateAfterRollback applies the rollback state-sync
// rules: tasks completed after the checkpoint revert to pending with
// retry_count preserved; verifications in the checkpoint's passing
// set become passed, all others pending with failures cleared; the
// regression baseline is replaced by the checkpoint's passing set.
func (l *Layer) synchronizeStateAfterRollback(state *loopstate.LoopState, checkpoint *loopstate.GitCheckpoint, reason string) {
	completedAtCheckpoint := toSet(checkpoint.TasksCompleted)
	for id, t := range state.Tasks {
		if t.Status == loopstate.TaskDone && !completedAtCheckpoint[id] {
			t.Status = loopstate.TaskPending
			t.FilesCreated = nil
			t.FilesModified = nil
			t.CompletionNotes = fmt.Sprintf("rolled back: %s", reason)
		}
	}

	passingAtCheckpoint := toSet(checkpoint.VerificationsPassing)
	state.RegressionBaseline = map[string]bool{}
	for id, v := range state.Verifications {
		if passingAtCheckpoint[id] {
			v.Status = loopstate.VerificationPassed
			state.RegressionBaseline[id] = true
		} else {
			v.Status = loopstate.VerificationPending
			v.Failures = nil
		}
	}

	state.IterationsWithoutProgress = 0
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (l *Layer) stagedPaths() ([]string, error) {
	out, err := l.run("diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(translateGlob(p)); err == nil {
			compiled = append(compiled, re)
		}
	}
	return compiled
}

// translateGlob converts glob-shaped patterns (*.pem,
// *secret*) into regexes when given a literal glob; patterns that are
// already regex (defaultSensitivePatterns) pass through.
func translateGlob(p string) string {
	if strings.ContainsAny(p, `\^$[]()`) || strings.HasPrefix(p, ".*") {
		return p
	}
	escaped := regexp.QuoteMeta(p)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	return escaped
}

func matchesAny(patterns []*regexp.Regexp, path string) bool {
	base := filepath.Base(path)
	for _, re := range patterns {
		if re.MatchString(path) || re.MatchString(base) {
			return true
		}
	}
	return false
}
