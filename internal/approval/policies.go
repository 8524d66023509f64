package approval

import (
	"context"

	"github.com/google/uuid"

	"github.com/org/secretapproval/internal/apperr"
	"github.com/org/secretapproval/internal/folder"
	"github.com/org/secretapproval/pkg/models"
)

// PolicyInput describes an approval policy to create or update.
type PolicyInput struct {
	ProjectID         uuid.UUID               `validate:"required"`
	Environment       string                  `validate:"required,max=64"`
	SecretPath        string                  `validate:"omitempty,startswith=/,max=512"`
	Name              string                  `validate:"omitempty,max=128"`
	Approvers         []uuid.UUID             `validate:"required,min=1,unique"`
	Bypassers         []uuid.UUID             `validate:"omitempty,unique"`
	RequiredApprovals int                     `validate:"min=1"`
	EnforcementLevel  models.EnforcementLevel `validate:"omitempty,oneof=hard soft"`
	AllowSelfApproval bool
}

func (s *Service) checkPolicy(in PolicyInput) error {
	if err := s.checkInput(in); err != nil {
		return err
	}
	if in.RequiredApprovals > len(in.Approvers) {
		return apperr.Validation("The number of approvals should be lower than the number of approvers")
	}
	return nil
}

func (in PolicyInput) apply(p *models.Policy) {
	p.SecretPath = ""
	if in.SecretPath != "" {
		p.SecretPath = folder.Normalize(in.SecretPath)
	}
	p.Name = in.Name
	if p.Name == "" {
		p.Name = in.Environment + "-" + p.ID.String()[:8]
	}
	p.Approvers = in.Approvers
	p.Bypassers = in.Bypassers
	p.RequiredApprovals = in.RequiredApprovals
	p.EnforcementLevel = in.EnforcementLevel
	if p.EnforcementLevel == "" {
		p.EnforcementLevel = models.EnforcementHard
	}
	p.AllowSelfApproval = in.AllowSelfApproval
}

func requirePolicyPermission(actor models.Actor, action models.Action) error {
	if !actor.Can(models.SubjectApprovalPolicy, action) {
		return apperr.Forbidden("not authorized to %s approval policies", action)
	}
	return nil
}

// CreatePolicy adds an approval policy.
func (s *Service) CreatePolicy(ctx context.Context, actor models.Actor, in PolicyInput) (*models.Policy, error) {
	if err := requirePolicyPermission(actor, models.ActionCreate); err != nil {
		return nil, err
	}
	if err := s.checkPolicy(in); err != nil {
		return nil, err
	}
	at := s.timestamp()
	p := &models.Policy{
		ID:          uuid.New(),
		ProjectID:   in.ProjectID,
		Environment: in.Environment,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	in.apply(p)
	if err := s.store.CreatePolicy(ctx, p); err != nil {
		return nil, s.classify(err, "approval policy not found")
	}
	s.record(ctx, actor, p.ProjectID, models.EventPolicyCreated, map[string]any{
		"policyId":    p.ID.String(),
		"environment": p.Environment,
		"secretPath":  p.SecretPath,
	})
	return p, nil
}

// UpdatePolicy replaces the rules of a policy. Its project and environment
// cannot change. Requests already opened keep the rules they were created with.
func (s *Service) UpdatePolicy(ctx context.Context, actor models.Actor, id uuid.UUID, in PolicyInput) (*models.Policy, error) {
	if err := requirePolicyPermission(actor, models.ActionEdit); err != nil {
		return nil, err
	}
	if err := s.checkPolicy(in); err != nil {
		return nil, err
	}
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, s.classify(err, "approval policy not found")
	}
	if p.ProjectID != in.ProjectID || p.Environment != in.Environment {
		return nil, apperr.BadRequest("approval policy project and environment cannot be changed")
	}
	in.apply(p)
	p.UpdatedAt = s.timestamp()
	if err := s.store.UpdatePolicy(ctx, p); err != nil {
		return nil, s.classify(err, "approval policy not found")
	}
	s.record(ctx, actor, p.ProjectID, models.EventPolicyUpdated, map[string]any{
		"policyId":    p.ID.String(),
		"environment": p.Environment,
		"secretPath":  p.SecretPath,
	})
	return p, nil
}

// DeletePolicy soft-deletes a policy.
func (s *Service) DeletePolicy(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	if err := requirePolicyPermission(actor, models.ActionDelete); err != nil {
		return err
	}
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return s.classify(err, "approval policy not found")
	}
	if err := s.store.DeletePolicy(ctx, id); err != nil {
		return s.classify(err, "approval policy not found")
	}
	s.record(ctx, actor, p.ProjectID, models.EventPolicyDeleted, map[string]any{
		"policyId":    p.ID.String(),
		"environment": p.Environment,
	})
	return nil
}

// GetPolicy returns a live policy.
func (s *Service) GetPolicy(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Policy, error) {
	if err := requirePolicyPermission(actor, models.ActionRead); err != nil {
		return nil, err
	}
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, s.classify(err, "approval policy not found")
	}
	return p, nil
}

// ListPolicies returns the live policies of an environment, oldest first.
func (s *Service) ListPolicies(ctx context.Context, actor models.Actor, projectID uuid.UUID, environment string) ([]*models.Policy, error) {
	if err := requirePolicyPermission(actor, models.ActionRead); err != nil {
		return nil, err
	}
	if environment == "" {
		return nil, apperr.Validation("environment is required")
	}
	ps, err := s.store.ListPolicies(ctx, projectID, environment)
	if err != nil {
		return nil, s.classify(err, "approval policy not found")
	}
	return ps, nil
}
