package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/org/secretapproval/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a write violates a uniqueness constraint.
var ErrAlreadyExists = errors.New("already exists")

// SecretFilter selects live secrets of one folder by blind index.
type SecretFilter struct {
	ProjectID    uuid.UUID
	Environment  string
	FolderID     string
	Type         models.SecretType
	BlindIndexes []string
}

// RequestFilter specifies query parameters for approval request listing.
// When VisibleTo is set only requests committed by that member, or listing
// them as an approver, are returned.
type RequestFilter struct {
	ProjectID   uuid.UUID
	Environment string
	Status      models.RequestStatus
	CommitterID *uuid.UUID
	VisibleTo   *uuid.UUID
	Limit       int
	Offset      int
}

// Queries is the set of reads and writes the approval engine issues. It is
// implemented both by a backend and by the transaction scope InTx hands out.
type Queries interface {
	// Approval policies
	CreatePolicy(ctx context.Context, p *models.Policy) error
	UpdatePolicy(ctx context.Context, p *models.Policy) error
	DeletePolicy(ctx context.Context, id uuid.UUID) error
	GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error)
	// ListPolicies returns live policies of an environment, oldest first.
	ListPolicies(ctx context.Context, projectID uuid.UUID, environment string) ([]*models.Policy, error)

	// Folders
	CreateFolder(ctx context.Context, f *models.Folder) error
	ListFolders(ctx context.Context, projectID uuid.UUID, environment string) ([]*models.Folder, error)

	// Blind-index salts
	GetBlindIndexSalt(ctx context.Context, projectID uuid.UUID) (*models.BlindIndexSalt, error)
	// CreateBlindIndexSalt stores s unless a salt already exists, and returns
	// whichever salt is stored afterwards.
	CreateBlindIndexSalt(ctx context.Context, s *models.BlindIndexSalt) (*models.BlindIndexSalt, error)

	// Secrets
	FindSecrets(ctx context.Context, f SecretFilter) ([]*models.Secret, error)
	// GetSecret returns a secret; forUpdate locks the row until the transaction ends.
	GetSecret(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Secret, error)
	InsertSecret(ctx context.Context, s *models.Secret) error
	UpdateSecret(ctx context.Context, s *models.Secret) error
	DeleteSecret(ctx context.Context, id uuid.UUID) error
	InsertSecretVersion(ctx context.Context, v *models.SecretVersion) error
	MarkSecretVersionsDeleted(ctx context.Context, secretID uuid.UUID) error
	ListSecretVersions(ctx context.Context, secretID uuid.UUID) ([]*models.SecretVersion, error)

	// Approval requests
	InsertRequest(ctx context.Context, r *models.ApprovalRequest) error
	// UpsertOpenRequest replaces the commits and policy snapshot of the open
	// request of (project, environment, committer), clearing its votes, or
	// inserts r when there is none. r is updated with the persisted identity.
	UpsertOpenRequest(ctx context.Context, r *models.ApprovalRequest) error
	// GetRequest loads a request with its commits and votes; forUpdate locks
	// the request row until the transaction ends.
	GetRequest(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.ApprovalRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]*models.ApprovalRequest, error)
	CountRequests(ctx context.Context, f RequestFilter) (models.RequestCount, error)
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, status models.RequestStatus, changedBy uuid.UUID) error
	MarkRequestMerged(ctx context.Context, id uuid.UUID, mergedBy uuid.UUID, bypassReason string) error
	// UpsertReview writes the vote of one reviewer, replacing any earlier vote.
	UpsertReview(ctx context.Context, v *models.ReviewerVote) error
}

// StorageBackend defines the persistence interface for the approval engine.
type StorageBackend interface {
	Queries

	// InTx runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close()
}
