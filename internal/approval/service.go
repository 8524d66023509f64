// Package approval implements secret change governance: turning proposed secret
// mutations into reviewable requests, tracking votes against a policy quorum and
// merging approved changes into the live secret store.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/secretapproval/internal/apperr"
	"github.com/org/secretapproval/internal/policy"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// Mode selects how resubmissions by the same committer are persisted.
type Mode string

const (
	// ModeUpsert keeps at most one open request per (project, environment, committer).
	ModeUpsert Mode = "upsert"
	// ModeMultiple opens a new request for every submission.
	ModeMultiple Mode = "multiple"
)

// ParseMode parses a configured request mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeUpsert, ModeMultiple:
		return m, nil
	}
	return "", apperr.Validation("unknown request mode %q", s)
}

// Indexer computes blind indexes of secret names.
type Indexer interface {
	WorkspaceSalt(ctx context.Context, projectID uuid.UUID) ([]byte, error)
	BlindIndex(name string, salt []byte) (string, error)
}

// Auditor receives governance events. Record must not fail the caller.
type Auditor interface {
	Record(ctx context.Context, event models.AuditEvent)
}

// Service is the approval engine.
type Service struct {
	store    storage.StorageBackend
	policies *policy.Engine
	indexer  Indexer
	audit    Auditor
	mode     Mode
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMode sets the request persistence mode. ModeMultiple is the default.
func WithMode(m Mode) Option { return func(s *Service) { s.mode = m } }

// WithLogger sets the logger. The global logger is used otherwise.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires the engine to its collaborators.
func NewService(store storage.StorageBackend, indexer Indexer, auditor Auditor, opts ...Option) *Service {
	s := &Service{
		store:    store,
		policies: policy.NewEngine(store),
		indexer:  indexer,
		audit:    auditor,
		mode:     ModeMultiple,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.Logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode reports the configured persistence mode.
func (s *Service) Mode() Mode { return s.mode }

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// checkInput runs struct validation and reports the first failure.
func (s *Service) checkInput(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Validation("invalid %s: failed %q check", fe.Namespace(), fe.Tag())
	}
	return apperr.Validation("invalid input: %v", err)
}

// classify turns storage errors into the engine's error taxonomy. Errors that
// are already classified pass through.
func (s *Service) classify(err error, notFound string) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("%s", notFound)
	}
	s.logger.Error().Err(err).Msg("storage operation failed")
	return apperr.Storage(err)
}

func requireUser(actor models.Actor) error {
	if actor.Type != models.ActorUser {
		return apperr.Forbidden("must be a user")
	}
	return nil
}

// authorizeParticipant allows admins, the committer and snapshot approvers.
func authorizeParticipant(actor models.Actor, req *models.ApprovalRequest) error {
	if actor.IsAdmin() || req.IsParticipant(actor.ID) {
		return nil
	}
	return apperr.Forbidden("not authorized to act on this approval request")
}

func (s *Service) record(ctx context.Context, actor models.Actor, projectID uuid.UUID, typ models.EventType, meta map[string]any) {
	s.audit.Record(ctx, models.AuditEvent{
		Type:      typ,
		ProjectID: projectID,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Metadata:  meta,
	})
}
