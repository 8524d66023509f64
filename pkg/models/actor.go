package models

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// ActorType identifies the kind of principal performing an operation.
type ActorType string

const (
	ActorUser     ActorType = "user"
	ActorService  ActorType = "service"
	ActorIdentity ActorType = "identity"
)

// Role is the project role of an actor.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Subject is a resource kind that permissions are granted on.
type Subject string

const (
	SubjectApprovalRequest Subject = "secret-approval-request"
	SubjectApprovalPolicy  Subject = "secret-approval-policy"
)

// Action is an operation on a subject.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

var knownPermissions = map[Subject][]Action{
	SubjectApprovalRequest: {ActionRead},
	SubjectApprovalPolicy:  {ActionRead, ActionCreate, ActionEdit, ActionDelete},
}

// Permission grants one action on one subject.
type Permission struct {
	Subject Subject
	Action  Action
}

func (p Permission) String() string { return string(p.Subject) + ":" + string(p.Action) }

// ParsePermission parses "subject:action". Unknown pairs are rejected.
func ParsePermission(s string) (Permission, error) {
	subject, action, ok := strings.Cut(s, ":")
	if !ok {
		return Permission{}, fmt.Errorf("malformed permission %q", s)
	}
	p := Permission{Subject: Subject(subject), Action: Action(action)}
	actions, known := knownPermissions[p.Subject]
	if !known || !slices.Contains(actions, p.Action) {
		return Permission{}, fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	Type        ActorType
	ID          uuid.UUID
	Role        Role
	Permissions []Permission
}

// IsAdmin reports whether the actor holds the project admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Can reports whether the actor may perform action on subject. Admins may do anything.
func (a Actor) Can(subject Subject, action Action) bool {
	if a.IsAdmin() {
		return true
	}
	return slices.Contains(a.Permissions, Permission{Subject: subject, Action: action})
}
