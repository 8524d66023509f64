package approval

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/org/secretapproval/internal/apperr"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// SubmitReview records the vote of the calling user. A later vote by the same
// reviewer replaces the earlier one. Votes never change the request status;
// quorum is evaluated when merging.
func (s *Service) SubmitReview(ctx context.Context, actor models.Actor, requestID uuid.UUID, status models.ReviewStatus, comment string) (*models.ReviewerVote, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, apperr.Validation("invalid review status %q", status)
	}
	if len(comment) > 1024 {
		return nil, apperr.Validation("review comment is too long")
	}

	var (
		vote *models.ReviewerVote
		req  *models.ApprovalRequest
	)
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		var err error
		req, err = q.GetRequest(ctx, requestID, true)
		if err != nil {
			return s.classify(err, "approval request not found")
		}
		if err := authorizeParticipant(actor, req); err != nil {
			return err
		}
		if req.HasMerged {
			return apperr.BadRequest("approval request has been merged")
		}
		if req.Status == models.RequestClosed {
			return apperr.BadRequest("approval request is closed")
		}
		if req.CommitterID == actor.ID && !req.Policy.AllowSelfApproval {
			return apperr.BadRequest("users are not authorized to review their own request")
		}
		at := s.timestamp()
		vote = &models.ReviewerVote{
			RequestID:  req.ID,
			ReviewerID: actor.ID,
			Status:     status,
			Comment:    comment,
			CreatedAt:  at,
			UpdatedAt:  at,
		}
		return s.classify(q.UpsertReview(ctx, vote), "approval request not found")
	})
	if err != nil {
		return nil, err
	}

	reviewsTotal.WithLabelValues(string(status)).Inc()
	s.record(ctx, actor, req.ProjectID, models.EventApprovalReviewed, map[string]any{
		"requestId": req.ID.String(),
		"status":    string(status),
	})
	return vote, nil
}

// SetRequestStatus opens or closes a request outside of merging.
func (s *Service) SetRequestStatus(ctx context.Context, actor models.Actor, requestID uuid.UUID, status models.RequestStatus) (*models.ApprovalRequest, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, apperr.Validation("invalid request status %q", status)
	}

	var req *models.ApprovalRequest
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		var err error
		req, err = q.GetRequest(ctx, requestID, true)
		if err != nil {
			return s.classify(err, "approval request not found")
		}
		if err := authorizeParticipant(actor, req); err != nil {
			return err
		}
		if req.HasMerged {
			return apperr.BadRequest("approval request has been merged")
		}
		if req.Status == status {
			return apperr.BadRequest("approval request is already %s", status)
		}
		err = q.UpdateRequestStatus(ctx, req.ID, status, actor.ID)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return apperr.Conflict("committer already has an open approval request in this environment")
		}
		if err != nil {
			return s.classify(err, "approval request not found")
		}
		req, err = q.GetRequest(ctx, requestID, false)
		return s.classify(err, "approval request not found")
	})
	if err != nil {
		return nil, err
	}

	event := models.EventApprovalClosed
	if status == models.RequestOpen {
		event = models.EventApprovalReopened
	}
	s.record(ctx, actor, req.ProjectID, event, map[string]any{
		"requestId": req.ID.String(),
		"status":    string(status),
	})
	return req, nil
}
