package audit

import "time"

// Record is one append-only audit event mirrored from a committed
// LoopState save: a progress_log line, a VRC snapshot, or a rollback.
// It carries enough to reconstruct "what happened when" for
// cross-run analytics without ever being read back by the driver.
type Record struct {
	ID         int64
	SprintID   string
	Kind       string
	Iteration  int
	Message    string
	Payload    map[string]interface{}
	OccurredAt time.Time
	RecordedAt time.Time
}

const (
	KindProgress   = "progress"
	KindVRC        = "vrc"
	KindRollback   = "rollback"
	KindCheckpoint = "checkpoint"
)
