package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
)

// Repository writes Records to Postgres. It is a thin wrapper over
// *sqlx.DB rather than an ORM, matching the hand-written
// parameterized-query repositories the rest of the stack uses for
// its own audit tables.
type Repository struct {
	db  *sqlx.DB
	log logr.Logger
}

// NewRepository wraps an already-open *sql.DB. driverName must match
// what the connection was opened with ("pgx" for jackc/pgx/v5's
// stdlib adapter, "postgres" for lib/pq).
func NewRepository(db *sql.DB, driverName string, log logr.Logger) *Repository {
	return &Repository{db: sqlx.NewDb(db, driverName), log: log.WithName("audit")}
}

const insertEventSQL = `
INSERT INTO audit_events (sprint_id, kind, iteration, message, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, recorded_at
`

// Create inserts one audit record and returns it with its assigned id
// and server-side recorded_at.
func (r *Repository) Create(ctx context.Context, rec *Record) (*Record, error) {
	var payload []byte
	if rec.Payload != nil {
		encoded, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, apperrors.FailedToWithDetails("marshal audit payload", "audit", rec.Kind, err)
		}
		payload = encoded
	}

	out := *rec
	row := r.db.QueryRowContext(ctx, insertEventSQL,
		rec.SprintID, rec.Kind, rec.Iteration, rec.Message, payload, rec.OccurredAt)
	if err := row.Scan(&out.ID, &out.RecordedAt); err != nil {
		return nil, apperrors.FailedToWithDetails("insert audit event", "audit", rec.Kind, err)
	}
	return &out, nil
}

// ListBySprint returns every recorded event for a sprint in
// occurred_at order, for cross-run analytics queries.
func (r *Repository) ListBySprint(ctx context.Context, sprintID string) ([]Record, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT id, sprint_id, kind, iteration, message, payload, occurred_at, recorded_at
		 FROM audit_events WHERE sprint_id = $1 ORDER BY occurred_at ASC`, sprintID)
	if err != nil {
		return nil, apperrors.FailedToWithDetails("query audit events", "audit", sprintID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.SprintID, &rec.Kind, &rec.Iteration, &rec.Message, &payload, &rec.OccurredAt, &rec.RecordedAt); err != nil {
			return nil, apperrors.FailedToWithDetails("scan audit event", "audit", sprintID, err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, apperrors.FailedToWithDetails("unmarshal audit payload", "audit", sprintID, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
