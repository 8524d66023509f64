package approval

import (
	"context"

	"github.com/google/uuid"

	"github.com/org/secretapproval/internal/apperr"
	"github.com/org/secretapproval/internal/folder"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SubmitInput is a change set proposed by the calling actor.
type SubmitInput struct {
	Scope   Scope
	Changes ChangeSet
}

// ListInput filters a request listing. Zero values mean no filter.
type ListInput struct {
	ProjectID   uuid.UUID `validate:"required"`
	Environment string
	Status      models.RequestStatus `validate:"omitempty,oneof=open closed"`
	CommitterID *uuid.UUID
	Limit       int `validate:"gte=0,lte=100"`
	Offset      int `validate:"gte=0"`
}

// ResolvePolicy returns the policy governing a secret path, or nil.
func (s *Service) ResolvePolicy(ctx context.Context, projectID uuid.UUID, environment, secretPath string) (*models.Policy, error) {
	p, err := s.policies.Resolve(ctx, projectID, environment, folder.Normalize(secretPath))
	if err != nil {
		return nil, s.classify(err, "policy not found")
	}
	return p, nil
}

// Submit turns a change set into an approval request governed by the policy
// of its folder. In upsert mode an open request of the same committer in the
// same environment is replaced.
func (s *Service) Submit(ctx context.Context, actor models.Actor, in SubmitInput) (*models.ApprovalRequest, error) {
	if err := s.checkChangeSet(in.Scope, in.Changes); err != nil {
		return nil, err
	}
	pol, err := s.ResolvePolicy(ctx, in.Scope.ProjectID, in.Scope.Environment, in.Scope.SecretPath)
	if err != nil {
		return nil, err
	}
	if pol == nil {
		return nil, apperr.BadRequest("no approval policy governs %s in environment %s", folder.Normalize(in.Scope.SecretPath), in.Scope.Environment)
	}
	set, err := s.BuildCommits(ctx, in.Scope, in.Changes)
	if err != nil {
		return nil, err
	}

	var req *models.ApprovalRequest
	if s.mode == ModeUpsert {
		req, err = s.UpsertOpenRequest(ctx, in.Scope, pol, set, actor.ID)
	} else {
		req, err = s.CreateRequest(ctx, in.Scope, pol, set, actor.ID)
	}
	if err != nil {
		return nil, err
	}

	requestsSubmitted.WithLabelValues(string(s.mode)).Inc()
	s.logger.Info().
		Str("request_id", req.ID.String()).
		Str("project_id", req.ProjectID.String()).
		Int("commits", len(req.Commits)).
		Msg("approval request submitted")
	s.record(ctx, actor, req.ProjectID, models.EventApprovalRequested, map[string]any{
		"requestId":   req.ID.String(),
		"environment": req.Environment,
		"secretPath":  req.SecretPath,
		"policyId":    req.Policy.PolicyID.String(),
		"commits":     len(req.Commits),
	})
	return req, nil
}

func (s *Service) newRequest(scope Scope, pol *models.Policy, set *CommitSet, committerID uuid.UUID) *models.ApprovalRequest {
	at := s.timestamp()
	return &models.ApprovalRequest{
		ID:          uuid.New(),
		ProjectID:   scope.ProjectID,
		Environment: scope.Environment,
		FolderID:    set.FolderID,
		SecretPath:  set.SecretPath,
		Policy:      pol.Snapshot(),
		CommitterID: committerID,
		Status:      models.RequestOpen,
		Commits:     set.Commits,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// CreateRequest always persists a new open request.
func (s *Service) CreateRequest(ctx context.Context, scope Scope, pol *models.Policy, set *CommitSet, committerID uuid.UUID) (*models.ApprovalRequest, error) {
	req := s.newRequest(scope, pol, set, committerID)
	if err := s.store.InsertRequest(ctx, req); err != nil {
		return nil, s.classify(err, "approval request not found")
	}
	return req, nil
}

// UpsertOpenRequest replaces the commits and policy snapshot of the
// committer's open request, or opens one. Earlier votes are dropped.
func (s *Service) UpsertOpenRequest(ctx context.Context, scope Scope, pol *models.Policy, set *CommitSet, committerID uuid.UUID) (*models.ApprovalRequest, error) {
	req := s.newRequest(scope, pol, set, committerID)
	if err := s.store.UpsertOpenRequest(ctx, req); err != nil {
		return nil, s.classify(err, "approval request not found")
	}
	return req, nil
}

// Get returns a request to an admin or one of its participants.
func (s *Service) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ApprovalRequest, error) {
	req, err := s.store.GetRequest(ctx, id, false)
	if err != nil {
		return nil, s.classify(err, "approval request not found")
	}
	if err := authorizeParticipant(actor, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) requestFilter(actor models.Actor, in ListInput) (storage.RequestFilter, error) {
	if err := s.checkInput(in); err != nil {
		return storage.RequestFilter{}, err
	}
	if !actor.Can(models.SubjectApprovalRequest, models.ActionRead) {
		return storage.RequestFilter{}, apperr.Forbidden("not authorized to read approval requests")
	}
	f := storage.RequestFilter{
		ProjectID:   in.ProjectID,
		Environment: in.Environment,
		Status:      in.Status,
		CommitterID: in.CommitterID,
		Limit:       in.Limit,
		Offset:      in.Offset,
	}
	if f.Limit == 0 {
		f.Limit = defaultListLimit
	}
	f.Limit = min(f.Limit, maxListLimit)
	if !actor.IsAdmin() {
		id := actor.ID
		f.VisibleTo = &id
	}
	return f, nil
}

// List returns requests newest first. Members other than admins only see
// requests they committed or may approve.
func (s *Service) List(ctx context.Context, actor models.Actor, in ListInput) ([]*models.ApprovalRequest, error) {
	f, err := s.requestFilter(actor, in)
	if err != nil {
		return nil, err
	}
	reqs, err := s.store.ListRequests(ctx, f)
	if err != nil {
		return nil, s.classify(err, "approval request not found")
	}
	return reqs, nil
}

// Count returns open and closed request totals under the same visibility
// rules as List. Status, limit and offset are ignored.
func (s *Service) Count(ctx context.Context, actor models.Actor, in ListInput) (models.RequestCount, error) {
	f, err := s.requestFilter(actor, in)
	if err != nil {
		return models.RequestCount{}, err
	}
	c, err := s.store.CountRequests(ctx, f)
	if err != nil {
		return models.RequestCount{}, s.classify(err, "approval request not found")
	}
	return c, nil
}
