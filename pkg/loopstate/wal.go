package loopstate

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
)

// RollbackWAL is the write-ahead record the git safety layer writes
// before attempting a destructive git reset, so a crash mid-rollback
// can be detected and replayed idempotently on the next startup.
type RollbackWAL struct {
	Status    string    `json:"status"`
	FromHash  string     `json:"from_hash"`
	ToHash    string     `json:"to_hash"`
	Label     string     `json:"label"`
	Reason    string     `json:"reason"`
	Iteration int        `json:"iteration"`
	StartedAt time.Time  `json:"started_at"`
}

const walStatusStarted = "started"

// WALStore manages the rollback_wal file alongside the state file.
type WALStore struct {
	path    string
	repoDir string
}

// NewWALStore opens a WALStore for the git repository at repoDir,
// keeping rollback_wal at walPath.
func NewWALStore(walPath, repoDir string) *WALStore {
	return &WALStore{path: walPath, repoDir: repoDir}
}

// Begin writes the WAL with status=started before any destructive git
// command runs.
func (w *WALStore) Begin(fromHash, toHash, label, reason string, iteration int) error {
	wal := RollbackWAL{
		Status:    walStatusStarted,
		FromHash:  fromHash,
		ToHash:    toHash,
		Label:     label,
		Reason:    reason,
		Iteration: iteration,
		StartedAt: time.Now(),
	}
	data, err := json.MarshalIndent(wal, "", "  ")
	if err != nil {
		return apperrors.FailedToWithDetails("marshal rollback wal", "gitsafety", w.path, err)
	}
	if err := os.WriteFile(w.path, data, 0o600); err != nil {
		return apperrors.FailedToWithDetails("write rollback wal", "gitsafety", w.path, err)
	}
	return nil
}

// Commit deletes the WAL after a rollback completes successfully.
func (w *WALStore) Commit() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return apperrors.FailedToWithDetails("remove rollback wal", "gitsafety", w.path, err)
	}
	return nil
}

// Pending reads an existing WAL, returning (nil, nil) if none exists.
func (w *WALStore) Pending() (*RollbackWAL, error) {
	data, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.FailedToWithDetails("read rollback wal", "gitsafety", w.path, err)
	}
	var wal RollbackWAL
	if err := json.Unmarshal(data, &wal); err != nil {
		return nil, apperrors.ParseError("rollback wal", "json", err)
	}
	return &wal, nil
}

// Recover replays an interrupted rollback found at startup: re-run
// `git reset --hard <to_hash>` and `git clean -fd`, then delete the
// WAL. Idempotent: running it again when already clean is a no-op.
func (w *WALStore) Recover() error {
	wal, err := w.Pending()
	if err != nil {
		return err
	}
	if wal == nil || wal.Status != walStatusStarted {
		return nil
	}

	resetCmd := exec.Command("git", "reset", "--hard", wal.ToHash)
	resetCmd.Dir = w.repoDir
	if out, err := resetCmd.CombinedOutput(); err != nil {
		return apperrors.FailedToWithDetails("replay git reset --hard during wal recovery", "gitsafety", wal.ToHash, apperrors.Wrapf(err, "output: %s", out))
	}

	cleanCmd := exec.Command("git", "clean", "-fd")
	cleanCmd.Dir = w.repoDir
	if out, err := cleanCmd.CombinedOutput(); err != nil {
		return apperrors.FailedToWithDetails("replay git clean -fd during wal recovery", "gitsafety", wal.ToHash, apperrors.Wrapf(err, "output: %s", out))
	}

	return w.Commit()
}

// Path returns the WAL's filesystem path.
func (w *WALStore) Path() string {
	return filepath.Clean(w.path)
}
