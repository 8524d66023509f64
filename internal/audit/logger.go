package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/secretapproval/pkg/models"
)

// writeTimeout bounds how long a sink may hold up the caller.
const writeTimeout = 5 * time.Second

// Sink persists audit events.
type Sink interface {
	Write(ctx context.Context, event *models.AuditEvent) error
}

// Logger writes structured audit events.
type Logger struct {
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time
}

// NewLogger creates an audit Logger.
func NewLogger(sink Sink) *Logger {
	return &Logger{sink: sink, logger: log.Logger, now: time.Now}
}

// Record stores event. Audit failures never fail the operation being audited;
// they are logged and dropped. Metadata must never carry secret names or values.
func (l *Logger) Record(ctx context.Context, event models.AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now().UTC()
	}
	// The caller may already be returning; keep the write alive on its own budget.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := l.sink.Write(ctx, &event); err != nil {
		l.logger.Error().Err(err).
			Str("event", string(event.Type)).
			Str("project_id", event.ProjectID.String()).
			Msg("audit write failed")
		return
	}
	l.logger.Debug().
		Str("event", string(event.Type)).
		Str("project_id", event.ProjectID.String()).
		Str("actor_id", event.ActorID.String()).
		Msg("audit event recorded")
}
