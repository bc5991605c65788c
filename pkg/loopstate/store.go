package loopstate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/internal/logging"
)

// Store persists a LoopState as a single JSON file, written atomically
// (temp file + rename) so a crash mid-write never leaves a truncated
// or partially-written state file for the next startup to load.
type Store struct {
	path string
	log  logr.Logger
}

// NewStore opens a Store rooted at path. Path's parent directory must
// exist; Store does not create it.
func NewStore(path string, log logr.Logger) *Store {
	return &Store{path: path, log: log}
}

// Save writes state to disk atomically: marshal, write to a sibling
// temp file, fsync, then rename over the target path. Rename is
// atomic on the same filesystem, so readers (including a crashed
// process restarting) always see either the old or the new file in
// full, never a partial one.
func (s *Store) Save(ctx context.Context, state *LoopState) error {
	state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return apperrors.FailedToWithDetails("marshal loop state", "loopstate", state.SprintID, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".loopstate-*.tmp")
	if err != nil {
		return apperrors.FailedToWithDetails("create temp state file", "loopstate", s.path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.FailedToWithDetails("write temp state file", "loopstate", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperrors.FailedToWithDetails("fsync temp state file", "loopstate", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.FailedToWithDetails("close temp state file", "loopstate", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return apperrors.FailedToWithDetails("rename state file into place", "loopstate", s.path, err)
	}

	s.log.V(1).Info("saved loop state", logging.NewFields().
		Component("loopstate").Operation("save").
		Resource("sprint", state.SprintID).
		Custom("iteration", state.Iteration).
		ToLogr()...)
	return nil
}

// Load reads and unmarshals the state file. It returns (nil, nil) if
// no state file exists yet, the signal callers use to start a fresh
// sprint instead of resuming one.
func (s *Store) Load(ctx context.Context) (*LoopState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.FailedToWithDetails("read state file", "loopstate", s.path, err)
	}
	var state LoopState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, apperrors.ParseError("loop state", "json", err)
	}
	return &state, nil
}

// Exists reports whether a state file is present, used by the
// composition root to decide between a fresh start and crash
// recovery before any JSON is parsed.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
