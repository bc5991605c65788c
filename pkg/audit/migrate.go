package audit

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate brings the audit schema up to the latest version. Safe to
// call on every process start; goose tracks applied versions in its
// own bookkeeping table.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return apperrors.FailedToWithDetails("set audit migration dialect", "audit", "postgres", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return apperrors.FailedToWithDetails("apply audit migrations", "audit", "migrations", err)
	}
	return nil
}
