package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// EnforcementLevel controls whether a policy's quorum may be bypassed on merge.
type EnforcementLevel string

const (
	EnforcementHard EnforcementLevel = "hard"
	EnforcementSoft EnforcementLevel = "soft"
)

// Policy binds an environment, optionally narrowed to a secret path or glob,
// to the members allowed to approve changes there and the quorum they must reach.
type Policy struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	Environment       string
	SecretPath        string // empty: the whole environment
	Name              string
	Approvers         []uuid.UUID
	Bypassers         []uuid.UUID
	RequiredApprovals int
	EnforcementLevel  EnforcementLevel
	AllowSelfApproval bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// Snapshot copies the approval rules of the policy. Requests keep the copy so
// later policy edits do not change the quorum of requests already opened.
func (p *Policy) Snapshot() PolicySnapshot {
	return PolicySnapshot{
		PolicyID:          p.ID,
		Name:              p.Name,
		Approvers:         slices.Clone(p.Approvers),
		Bypassers:         slices.Clone(p.Bypassers),
		RequiredApprovals: p.RequiredApprovals,
		EnforcementLevel:  p.EnforcementLevel,
		AllowSelfApproval: p.AllowSelfApproval,
	}
}

// PolicySnapshot is the value copy of a policy's approval rules held by a request.
type PolicySnapshot struct {
	PolicyID          uuid.UUID
	Name              string
	Approvers         []uuid.UUID
	Bypassers         []uuid.UUID
	RequiredApprovals int
	EnforcementLevel  EnforcementLevel
	AllowSelfApproval bool
}

// IsApprover reports whether memberID is an eligible approver.
func (s PolicySnapshot) IsApprover(memberID uuid.UUID) bool {
	return slices.Contains(s.Approvers, memberID)
}

// CanBypass reports whether memberID may merge without quorum.
// Only soft policies can be bypassed; an empty bypasser list admits anyone
// otherwise allowed to merge.
func (s PolicySnapshot) CanBypass(memberID uuid.UUID) bool {
	if s.EnforcementLevel != EnforcementSoft {
		return false
	}
	return len(s.Bypassers) == 0 || slices.Contains(s.Bypassers, memberID)
}
