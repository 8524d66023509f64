package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/org/secretapproval/pkg/models"
)

// OpenDB opens a database/sql handle through the pgx driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening audit database")
	}
	return db, nil
}

// SQLSink appends events to the audit_log table.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink wraps an open database handle.
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) Write(ctx context.Context, e *models.AuditEvent) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encoding audit metadata")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, type, project_id, actor_type, actor_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, string(e.Type), e.ProjectID, string(e.ActorType), e.ActorID, raw, e.CreatedAt,
	)
	return errors.Wrap(err, "inserting audit event")
}
