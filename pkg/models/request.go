package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	RequestOpen   RequestStatus = "open"
	RequestClosed RequestStatus = "closed"
)

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	return s == RequestOpen || s == RequestClosed
}

// CommitOp is the kind of change a commit proposes.
type CommitOp string

const (
	OpCreate CommitOp = "create"
	OpUpdate CommitOp = "update"
	OpDelete CommitOp = "delete"
)

// ReviewStatus is a reviewer's vote.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Valid reports whether s can be submitted as a vote.
func (s ReviewStatus) Valid() bool {
	return s == ReviewApproved || s == ReviewRejected
}

// ApprovalRequest is a proposed change-set against one folder of one environment.
type ApprovalRequest struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	Environment     string
	FolderID        string
	SecretPath      string
	Policy          PolicySnapshot
	CommitterID     uuid.UUID
	Status          RequestStatus
	HasMerged       bool
	StatusChangedBy *uuid.UUID
	BypassReason    string
	Commits         []*Commit
	Reviewers       []*ReviewerVote
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsParticipant reports whether memberID committed the request or may approve it.
func (r *ApprovalRequest) IsParticipant(memberID uuid.UUID) bool {
	return r.CommitterID == memberID || r.Policy.IsApprover(memberID)
}

// Approvals counts approved votes cast by members of the policy snapshot.
func (r *ApprovalRequest) Approvals() int {
	n := 0
	for _, v := range r.Reviewers {
		if v.Status == ReviewApproved && r.Policy.IsApprover(v.ReviewerID) {
			n++
		}
	}
	return n
}

// HasQuorum reports whether the request has enough approvals to merge.
func (r *ApprovalRequest) HasQuorum() bool {
	return r.Approvals() >= r.Policy.RequiredApprovals
}

// ReviewStatusOf returns the vote of an approver, pending when none was cast.
func (r *ApprovalRequest) ReviewStatusOf(memberID uuid.UUID) ReviewStatus {
	for _, v := range r.Reviewers {
		if v.ReviewerID == memberID {
			return v.Status
		}
	}
	return ReviewPending
}

// Commit is one proposed change inside a request.
type Commit struct {
	ID            uuid.UUID      `json:"id"`
	RequestID     uuid.UUID      `json:"requestId"`
	Op            CommitOp       `json:"op"`
	SecretID      *uuid.UUID     `json:"secretId,omitempty"`
	SecretVersion int            `json:"secretVersion,omitempty"`
	NewVersion    *SecretPayload `json:"newVersion,omitempty"`
}

// ReviewerVote is the latest vote of one reviewer on one request.
type ReviewerVote struct {
	RequestID  uuid.UUID
	ReviewerID uuid.UUID
	Status     ReviewStatus
	Comment    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RequestCount reports open and closed requests visible to a caller.
type RequestCount struct {
	Open   int `json:"open"`
	Closed int `json:"closed"`
}
