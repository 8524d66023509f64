package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/org/secretapproval/internal/apperr"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// MergeOptions carries merge parameters.
type MergeOptions struct {
	// BypassReason allows merging a soft-enforced request without quorum.
	BypassReason string
}

type mergeStats map[models.CommitOp]int

// Merge applies the commits of a request to the secret store in one
// transaction and closes the request. Commits apply creates first, then
// updates, then deletes. Any failure leaves the request open and unmerged.
func (s *Service) Merge(ctx context.Context, actor models.Actor, requestID uuid.UUID, opts MergeOptions) (req *models.ApprovalRequest, err error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if len(opts.BypassReason) > 1024 {
		return nil, apperr.Validation("bypass reason is too long")
	}

	start := time.Now()
	defer func() {
		mergesTotal.WithLabelValues(outcomeLabel(err)).Inc()
		mergeDuration.Observe(time.Since(start).Seconds())
	}()

	var (
		stats    mergeStats
		bypassed bool
	)
	err = s.store.InTx(ctx, func(q storage.Queries) error {
		cur, err := q.GetRequest(ctx, requestID, true)
		if err != nil {
			return s.classify(err, "approval request not found")
		}
		if err := authorizeParticipant(actor, cur); err != nil {
			return err
		}
		if cur.HasMerged {
			return apperr.Conflict("approval request has already been merged")
		}
		if cur.Status == models.RequestClosed {
			return apperr.BadRequest("approval request is closed")
		}

		reason := ""
		if !cur.HasQuorum() {
			if !cur.Policy.CanBypass(actor.ID) {
				return apperr.BadRequest("doesn't have minimum approvals needed")
			}
			if opts.BypassReason == "" {
				return apperr.BadRequest("a reason is required to bypass the approval policy")
			}
			reason = opts.BypassReason
			bypassed = true
		}

		stats, err = s.applyCommits(ctx, q, cur)
		if err != nil {
			return err
		}

		err = q.MarkRequestMerged(ctx, cur.ID, actor.ID, reason)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Conflict("approval request has already been merged")
		}
		if err != nil {
			return s.classify(err, "approval request not found")
		}
		req, err = q.GetRequest(ctx, cur.ID, false)
		return s.classify(err, "approval request not found")
	})
	if err != nil {
		return nil, err
	}

	for op, n := range stats {
		commitsApplied.WithLabelValues(string(op)).Add(float64(n))
	}
	s.logger.Info().
		Str("request_id", req.ID.String()).
		Str("project_id", req.ProjectID.String()).
		Int("commits", len(req.Commits)).
		Bool("bypassed", bypassed).
		Msg("approval request merged")
	s.record(ctx, actor, req.ProjectID, models.EventApprovalMerged, map[string]any{
		"requestId": req.ID.String(),
		"commits":   len(req.Commits),
		"bypassed":  bypassed,
	})
	return req, nil
}

// applyCommits writes every commit of req. Creates and updates append a
// version row; deletes mark the history deleted.
func (s *Service) applyCommits(ctx context.Context, q storage.Queries, req *models.ApprovalRequest) (mergeStats, error) {
	stats := mergeStats{}
	for _, op := range []models.CommitOp{models.OpCreate, models.OpUpdate, models.OpDelete} {
		for _, c := range req.Commits {
			if c.Op != op {
				continue
			}
			var err error
			switch op {
			case models.OpCreate:
				err = s.applyCreate(ctx, q, req, c)
			case models.OpUpdate:
				err = s.applyUpdate(ctx, q, req, c)
			case models.OpDelete:
				err = s.applyDelete(ctx, q, c)
			}
			if err != nil {
				return nil, err
			}
			stats[op]++
		}
	}
	return stats, nil
}

func (s *Service) indexTaken(ctx context.Context, q storage.Queries, req *models.ApprovalRequest, blindIndex string, except uuid.UUID) (bool, error) {
	found, err := q.FindSecrets(ctx, storage.SecretFilter{
		ProjectID:    req.ProjectID,
		Environment:  req.Environment,
		FolderID:     req.FolderID,
		Type:         models.SecretShared,
		BlindIndexes: []string{blindIndex},
	})
	if err != nil {
		return false, s.classify(err, "secret not found")
	}
	for _, sec := range found {
		if sec.ID != except {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) applyCreate(ctx context.Context, q storage.Queries, req *models.ApprovalRequest, c *models.Commit) error {
	if c.NewVersion == nil || c.NewVersion.BlindIndex == "" {
		return apperr.BadRequest("create commit %s carries no secret", c.ID)
	}
	taken, err := s.indexTaken(ctx, q, req, c.NewVersion.BlindIndex, uuid.Nil)
	if err != nil {
		return err
	}
	if taken {
		return apperr.Conflict("secrets already exist")
	}
	at := s.timestamp()
	sec := &models.Secret{
		ID:          uuid.New(),
		ProjectID:   req.ProjectID,
		Environment: req.Environment,
		FolderID:    req.FolderID,
		Type:        models.SecretShared,
		BlindIndex:  c.NewVersion.BlindIndex,
		Version:     1,
		Payload:     c.NewVersion.Normalized(),
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	if err := q.InsertSecret(ctx, sec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return apperr.Conflict("secrets already exist")
		}
		return s.classify(err, "secret not found")
	}
	return s.classify(q.InsertSecretVersion(ctx, models.NewSecretVersion(sec, at)), "secret not found")
}

func (s *Service) applyUpdate(ctx context.Context, q storage.Queries, req *models.ApprovalRequest, c *models.Commit) error {
	if c.SecretID == nil || c.NewVersion == nil {
		return apperr.BadRequest("update commit %s carries no secret", c.ID)
	}
	sec, err := q.GetSecret(ctx, *c.SecretID, true)
	if err != nil {
		return s.classify(err, "secret "+c.SecretID.String()+" not found")
	}
	if rename := c.NewVersion.BlindIndex; rename != "" && rename != sec.BlindIndex {
		taken, err := s.indexTaken(ctx, q, req, rename, sec.ID)
		if err != nil {
			return err
		}
		if taken {
			return apperr.Conflict("secret with new name already exists")
		}
	}
	at := s.timestamp()
	sec.Payload = c.NewVersion.Over(sec.Payload)
	sec.BlindIndex = sec.Payload.BlindIndex
	sec.Version++
	sec.UpdatedAt = at
	if err := q.UpdateSecret(ctx, sec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return apperr.Conflict("secret with new name already exists")
		}
		return s.classify(err, "secret "+sec.ID.String()+" not found")
	}
	return s.classify(q.InsertSecretVersion(ctx, models.NewSecretVersion(sec, at)), "secret not found")
}

func (s *Service) applyDelete(ctx context.Context, q storage.Queries, c *models.Commit) error {
	if c.SecretID == nil {
		return apperr.BadRequest("delete commit %s carries no secret", c.ID)
	}
	notFound := "secret " + c.SecretID.String() + " not found"
	if _, err := q.GetSecret(ctx, *c.SecretID, true); err != nil {
		return s.classify(err, notFound)
	}
	if err := q.DeleteSecret(ctx, *c.SecretID); err != nil {
		return s.classify(err, notFound)
	}
	return s.classify(q.MarkSecretVersionsDeleted(ctx, *c.SecretID), notFound)
}
