package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/org/secretapproval/pkg/models"
)

// MemoryBackend is an in-process StorageBackend. Transactions are serialized
// and run against a copy of the state that replaces it on success, which
// gives the same isolation the PostgreSQL backend gets from row locks.
type MemoryBackend struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: newMemState()}
}

func (m *MemoryBackend) InTx(ctx context.Context, fn func(q Queries) error) error {
	return m.write(ctx, func(s *memState) error { return fn(s) })
}

func (m *MemoryBackend) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryBackend) Close() {}

func (m *MemoryBackend) write(ctx context.Context, fn func(s *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	draft := m.state.clone()
	if err := fn(draft); err != nil {
		return err
	}
	m.state = draft
	return nil
}

func (m *MemoryBackend) read(ctx context.Context) (*memState, func(), error) {
	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	return m.state, m.mu.Unlock, nil
}

func (m *MemoryBackend) CreatePolicy(ctx context.Context, p *models.Policy) error {
	return m.write(ctx, func(s *memState) error { return s.CreatePolicy(ctx, p) })
}

func (m *MemoryBackend) UpdatePolicy(ctx context.Context, p *models.Policy) error {
	return m.write(ctx, func(s *memState) error { return s.UpdatePolicy(ctx, p) })
}

func (m *MemoryBackend) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	return m.write(ctx, func(s *memState) error { return s.DeletePolicy(ctx, id) })
}

func (m *MemoryBackend) GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.GetPolicy(ctx, id)
}

func (m *MemoryBackend) ListPolicies(ctx context.Context, projectID uuid.UUID, environment string) ([]*models.Policy, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.ListPolicies(ctx, projectID, environment)
}

func (m *MemoryBackend) CreateFolder(ctx context.Context, f *models.Folder) error {
	return m.write(ctx, func(s *memState) error { return s.CreateFolder(ctx, f) })
}

func (m *MemoryBackend) ListFolders(ctx context.Context, projectID uuid.UUID, environment string) ([]*models.Folder, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.ListFolders(ctx, projectID, environment)
}

func (m *MemoryBackend) GetBlindIndexSalt(ctx context.Context, projectID uuid.UUID) (*models.BlindIndexSalt, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.GetBlindIndexSalt(ctx, projectID)
}

func (m *MemoryBackend) CreateBlindIndexSalt(ctx context.Context, salt *models.BlindIndexSalt) (*models.BlindIndexSalt, error) {
	var out *models.BlindIndexSalt
	err := m.write(ctx, func(s *memState) error {
		var err error
		out, err = s.CreateBlindIndexSalt(ctx, salt)
		return err
	})
	return out, err
}

func (m *MemoryBackend) FindSecrets(ctx context.Context, f SecretFilter) ([]*models.Secret, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.FindSecrets(ctx, f)
}

func (m *MemoryBackend) GetSecret(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Secret, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.GetSecret(ctx, id, forUpdate)
}

func (m *MemoryBackend) InsertSecret(ctx context.Context, sec *models.Secret) error {
	return m.write(ctx, func(s *memState) error { return s.InsertSecret(ctx, sec) })
}

func (m *MemoryBackend) UpdateSecret(ctx context.Context, sec *models.Secret) error {
	return m.write(ctx, func(s *memState) error { return s.UpdateSecret(ctx, sec) })
}

func (m *MemoryBackend) DeleteSecret(ctx context.Context, id uuid.UUID) error {
	return m.write(ctx, func(s *memState) error { return s.DeleteSecret(ctx, id) })
}

func (m *MemoryBackend) InsertSecretVersion(ctx context.Context, v *models.SecretVersion) error {
	return m.write(ctx, func(s *memState) error { return s.InsertSecretVersion(ctx, v) })
}

func (m *MemoryBackend) MarkSecretVersionsDeleted(ctx context.Context, secretID uuid.UUID) error {
	return m.write(ctx, func(s *memState) error { return s.MarkSecretVersionsDeleted(ctx, secretID) })
}

func (m *MemoryBackend) ListSecretVersions(ctx context.Context, secretID uuid.UUID) ([]*models.SecretVersion, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.ListSecretVersions(ctx, secretID)
}

func (m *MemoryBackend) InsertRequest(ctx context.Context, r *models.ApprovalRequest) error {
	return m.write(ctx, func(s *memState) error { return s.InsertRequest(ctx, r) })
}

func (m *MemoryBackend) UpsertOpenRequest(ctx context.Context, r *models.ApprovalRequest) error {
	return m.write(ctx, func(s *memState) error { return s.UpsertOpenRequest(ctx, r) })
}

func (m *MemoryBackend) GetRequest(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.ApprovalRequest, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.GetRequest(ctx, id, forUpdate)
}

func (m *MemoryBackend) ListRequests(ctx context.Context, f RequestFilter) ([]*models.ApprovalRequest, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.ListRequests(ctx, f)
}

func (m *MemoryBackend) CountRequests(ctx context.Context, f RequestFilter) (models.RequestCount, error) {
	s, unlock, err := m.read(ctx)
	if err != nil {
		return models.RequestCount{}, err
	}
	defer unlock()
	return s.CountRequests(ctx, f)
}

func (m *MemoryBackend) UpdateRequestStatus(ctx context.Context, id uuid.UUID, status models.RequestStatus, changedBy uuid.UUID) error {
	return m.write(ctx, func(s *memState) error { return s.UpdateRequestStatus(ctx, id, status, changedBy) })
}

func (m *MemoryBackend) MarkRequestMerged(ctx context.Context, id uuid.UUID, mergedBy uuid.UUID, bypassReason string) error {
	return m.write(ctx, func(s *memState) error { return s.MarkRequestMerged(ctx, id, mergedBy, bypassReason) })
}

func (m *MemoryBackend) UpsertReview(ctx context.Context, v *models.ReviewerVote) error {
	return m.write(ctx, func(s *memState) error { return s.UpsertReview(ctx, v) })
}

// memState is one version of the in-memory data. Stored values are never
// mutated after insertion; writes replace them, so a shallow clone is an
// independent snapshot.
type memState struct {
	policies map[uuid.UUID]models.Policy
	folders  map[string]models.Folder
	salts    map[uuid.UUID]models.BlindIndexSalt
	secrets  map[uuid.UUID]models.Secret
	versions map[uuid.UUID][]models.SecretVersion
	requests map[uuid.UUID]memRequest
	reviews  map[uuid.UUID][]models.ReviewerVote
}

type memRequest struct {
	req        models.ApprovalRequest
	upsertSlot bool
}

func newMemState() *memState {
	return &memState{
		policies: map[uuid.UUID]models.Policy{},
		folders:  map[string]models.Folder{},
		salts:    map[uuid.UUID]models.BlindIndexSalt{},
		secrets:  map[uuid.UUID]models.Secret{},
		versions: map[uuid.UUID][]models.SecretVersion{},
		requests: map[uuid.UUID]memRequest{},
		reviews:  map[uuid.UUID][]models.ReviewerVote{},
	}
}

func (s *memState) clone() *memState {
	return &memState{
		policies: maps.Clone(s.policies),
		folders:  maps.Clone(s.folders),
		salts:    maps.Clone(s.salts),
		secrets:  maps.Clone(s.secrets),
		versions: maps.Clone(s.versions),
		requests: maps.Clone(s.requests),
		reviews:  maps.Clone(s.reviews),
	}
}

func (s *memState) CreatePolicy(_ context.Context, p *models.Policy) error {
	if _, ok := s.policies[p.ID]; ok {
		return ErrAlreadyExists
	}
	s.policies[p.ID] = copyPolicy(p)
	return nil
}

func (s *memState) UpdatePolicy(_ context.Context, p *models.Policy) error {
	cur, ok := s.policies[p.ID]
	if !ok || cur.DeletedAt != nil {
		return ErrNotFound
	}
	next := copyPolicy(p)
	next.CreatedAt = cur.CreatedAt
	s.policies[p.ID] = next
	return nil
}

func (s *memState) DeletePolicy(_ context.Context, id uuid.UUID) error {
	cur, ok := s.policies[id]
	if !ok || cur.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	cur.DeletedAt = &now
	s.policies[id] = cur
	return nil
}

func (s *memState) GetPolicy(_ context.Context, id uuid.UUID) (*models.Policy, error) {
	p, ok := s.policies[id]
	if !ok || p.DeletedAt != nil {
		return nil, ErrNotFound
	}
	out := copyPolicy(&p)
	return &out, nil
}

func (s *memState) ListPolicies(_ context.Context, projectID uuid.UUID, environment string) ([]*models.Policy, error) {
	var out []*models.Policy
	for _, p := range s.policies {
		if p.ProjectID == projectID && p.Environment == environment && p.DeletedAt == nil {
			cp := copyPolicy(&p)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *memState) CreateFolder(_ context.Context, f *models.Folder) error {
	if _, ok := s.folders[f.ID]; ok {
		return ErrAlreadyExists
	}
	for _, cur := range s.folders {
		if cur.ProjectID == f.ProjectID && cur.Environment == f.Environment &&
			cur.ParentID == f.ParentID && (f.ParentID == "" || cur.Name == f.Name) {
			return ErrAlreadyExists
		}
	}
	s.folders[f.ID] = *f
	return nil
}

func (s *memState) ListFolders(_ context.Context, projectID uuid.UUID, environment string) ([]*models.Folder, error) {
	var out []*models.Folder
	for _, f := range s.folders {
		if f.ProjectID == projectID && f.Environment == environment {
			cp := f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memState) GetBlindIndexSalt(_ context.Context, projectID uuid.UUID) (*models.BlindIndexSalt, error) {
	salt, ok := s.salts[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	return &salt, nil
}

func (s *memState) CreateBlindIndexSalt(ctx context.Context, salt *models.BlindIndexSalt) (*models.BlindIndexSalt, error) {
	if _, ok := s.salts[salt.ProjectID]; !ok {
		s.salts[salt.ProjectID] = *salt
	}
	return s.GetBlindIndexSalt(ctx, salt.ProjectID)
}

func (s *memState) FindSecrets(_ context.Context, f SecretFilter) ([]*models.Secret, error) {
	var out []*models.Secret
	for _, sec := range s.secrets {
		if sec.ProjectID == f.ProjectID && sec.Environment == f.Environment && sec.FolderID == f.FolderID &&
			sec.Type == f.Type && slices.Contains(f.BlindIndexes, sec.BlindIndex) {
			cp := sec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memState) GetSecret(_ context.Context, id uuid.UUID, _ bool) (*models.Secret, error) {
	sec, ok := s.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &sec, nil
}

func (s *memState) sharedIndexTaken(sec *models.Secret) bool {
	if sec.Type != models.SecretShared {
		return false
	}
	for _, cur := range s.secrets {
		if cur.ID != sec.ID && cur.Type == models.SecretShared && cur.ProjectID == sec.ProjectID &&
			cur.Environment == sec.Environment && cur.FolderID == sec.FolderID && cur.BlindIndex == sec.BlindIndex {
			return true
		}
	}
	return false
}

func (s *memState) InsertSecret(_ context.Context, sec *models.Secret) error {
	if _, ok := s.secrets[sec.ID]; ok || s.sharedIndexTaken(sec) {
		return ErrAlreadyExists
	}
	s.secrets[sec.ID] = *sec
	return nil
}

func (s *memState) UpdateSecret(_ context.Context, sec *models.Secret) error {
	cur, ok := s.secrets[sec.ID]
	if !ok {
		return ErrNotFound
	}
	next := cur
	next.BlindIndex = sec.BlindIndex
	next.Version = sec.Version
	next.Payload = sec.Payload
	next.UpdatedAt = sec.UpdatedAt
	if s.sharedIndexTaken(&next) {
		return ErrAlreadyExists
	}
	s.secrets[sec.ID] = next
	return nil
}

func (s *memState) DeleteSecret(_ context.Context, id uuid.UUID) error {
	if _, ok := s.secrets[id]; !ok {
		return ErrNotFound
	}
	delete(s.secrets, id)
	return nil
}

func (s *memState) InsertSecretVersion(_ context.Context, v *models.SecretVersion) error {
	for _, cur := range s.versions[v.SecretID] {
		if cur.Version == v.Version || cur.ID == v.ID {
			return ErrAlreadyExists
		}
	}
	s.versions[v.SecretID] = append(slices.Clone(s.versions[v.SecretID]), *v)
	return nil
}

func (s *memState) MarkSecretVersionsDeleted(_ context.Context, secretID uuid.UUID) error {
	vs := slices.Clone(s.versions[secretID])
	for i := range vs {
		vs[i].IsDeleted = true
	}
	if vs != nil {
		s.versions[secretID] = vs
	}
	return nil
}

func (s *memState) ListSecretVersions(_ context.Context, secretID uuid.UUID) ([]*models.SecretVersion, error) {
	vs := s.versions[secretID]
	out := make([]*models.SecretVersion, 0, len(vs))
	for _, v := range vs {
		cp := v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *memState) InsertRequest(_ context.Context, r *models.ApprovalRequest) error {
	return s.insertRequest(r, false)
}

func (s *memState) insertRequest(r *models.ApprovalRequest, upsertSlot bool) error {
	if _, ok := s.requests[r.ID]; ok {
		return ErrAlreadyExists
	}
	for _, c := range r.Commits {
		c.RequestID = r.ID
	}
	stored := *r
	stored.Commits = copyCommits(r.Commits)
	stored.Reviewers = nil
	stored.Policy = copySnapshot(r.Policy)
	s.requests[r.ID] = memRequest{req: stored, upsertSlot: upsertSlot}
	return nil
}

func (s *memState) openSlot(projectID uuid.UUID, environment string, committerID uuid.UUID, except uuid.UUID) (memRequest, bool) {
	for id, mr := range s.requests {
		if id != except && mr.upsertSlot && mr.req.Status == models.RequestOpen &&
			mr.req.ProjectID == projectID && mr.req.Environment == environment && mr.req.CommitterID == committerID {
			return mr, true
		}
	}
	return memRequest{}, false
}

func (s *memState) UpsertOpenRequest(_ context.Context, r *models.ApprovalRequest) error {
	cur, ok := s.openSlot(r.ProjectID, r.Environment, r.CommitterID, uuid.Nil)
	if !ok {
		r.Status = models.RequestOpen
		r.HasMerged = false
		r.CreatedAt = r.UpdatedAt
		return s.insertRequest(r, true)
	}
	r.ID = cur.req.ID
	r.CreatedAt = cur.req.CreatedAt
	r.Status = models.RequestOpen
	r.HasMerged = false
	r.Reviewers = nil
	for _, c := range r.Commits {
		c.RequestID = r.ID
	}
	next := cur.req
	next.FolderID = r.FolderID
	next.SecretPath = r.SecretPath
	next.Policy = copySnapshot(r.Policy)
	next.Commits = copyCommits(r.Commits)
	next.UpdatedAt = r.UpdatedAt
	s.requests[r.ID] = memRequest{req: next, upsertSlot: true}
	delete(s.reviews, r.ID)
	return nil
}

func (s *memState) GetRequest(_ context.Context, id uuid.UUID, _ bool) (*models.ApprovalRequest, error) {
	mr, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.materialize(mr), nil
}

func (s *memState) materialize(mr memRequest) *models.ApprovalRequest {
	out := mr.req
	out.Policy = copySnapshot(mr.req.Policy)
	out.Commits = copyCommits(mr.req.Commits)
	for _, v := range s.reviews[out.ID] {
		cp := v
		out.Reviewers = append(out.Reviewers, &cp)
	}
	return &out
}

func (s *memState) matches(r *models.ApprovalRequest, f RequestFilter, withStatus bool) bool {
	switch {
	case r.ProjectID != f.ProjectID:
		return false
	case f.Environment != "" && r.Environment != f.Environment:
		return false
	case withStatus && f.Status != "" && r.Status != f.Status:
		return false
	case f.CommitterID != nil && r.CommitterID != *f.CommitterID:
		return false
	case f.VisibleTo != nil && r.CommitterID != *f.VisibleTo && !r.Policy.IsApprover(*f.VisibleTo):
		return false
	}
	return true
}

func (s *memState) ListRequests(_ context.Context, f RequestFilter) ([]*models.ApprovalRequest, error) {
	var out []*models.ApprovalRequest
	for _, mr := range s.requests {
		if s.matches(&mr.req, f, true) {
			out = append(out, s.materialize(mr))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memState) CountRequests(_ context.Context, f RequestFilter) (models.RequestCount, error) {
	var c models.RequestCount
	for _, mr := range s.requests {
		if !s.matches(&mr.req, f, false) {
			continue
		}
		if mr.req.Status == models.RequestOpen {
			c.Open++
		} else {
			c.Closed++
		}
	}
	return c, nil
}

func (s *memState) UpdateRequestStatus(_ context.Context, id uuid.UUID, status models.RequestStatus, changedBy uuid.UUID) error {
	mr, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if status == models.RequestOpen && mr.upsertSlot {
		if _, taken := s.openSlot(mr.req.ProjectID, mr.req.Environment, mr.req.CommitterID, id); taken {
			return ErrAlreadyExists
		}
	}
	mr.req.Status = status
	mr.req.StatusChangedBy = &changedBy
	mr.req.UpdatedAt = time.Now().UTC()
	s.requests[id] = mr
	return nil
}

func (s *memState) MarkRequestMerged(_ context.Context, id uuid.UUID, mergedBy uuid.UUID, bypassReason string) error {
	mr, ok := s.requests[id]
	if !ok || mr.req.HasMerged {
		return ErrNotFound
	}
	mr.req.HasMerged = true
	mr.req.Status = models.RequestClosed
	mr.req.StatusChangedBy = &mergedBy
	mr.req.BypassReason = bypassReason
	mr.req.UpdatedAt = time.Now().UTC()
	s.requests[id] = mr
	return nil
}

func (s *memState) UpsertReview(_ context.Context, v *models.ReviewerVote) error {
	if _, ok := s.requests[v.RequestID]; !ok {
		return ErrNotFound
	}
	votes := slices.Clone(s.reviews[v.RequestID])
	for i := range votes {
		if votes[i].ReviewerID == v.ReviewerID {
			votes[i].Status = v.Status
			votes[i].Comment = v.Comment
			votes[i].UpdatedAt = v.UpdatedAt
			s.reviews[v.RequestID] = votes
			return nil
		}
	}
	vote := *v
	vote.CreatedAt = v.UpdatedAt
	s.reviews[v.RequestID] = append(votes, vote)
	return nil
}

func copyPolicy(p *models.Policy) models.Policy {
	out := *p
	out.Approvers = slices.Clone(p.Approvers)
	out.Bypassers = slices.Clone(p.Bypassers)
	return out
}

func copySnapshot(p models.PolicySnapshot) models.PolicySnapshot {
	p.Approvers = slices.Clone(p.Approvers)
	p.Bypassers = slices.Clone(p.Bypassers)
	return p
}

func copyCommits(in []*models.Commit) []*models.Commit {
	out := make([]*models.Commit, len(in))
	for i, c := range in {
		cp := *c
		if c.SecretID != nil {
			id := *c.SecretID
			cp.SecretID = &id
		}
		if c.NewVersion != nil {
			nv := *c.NewVersion
			nv.Tags = slices.Clone(c.NewVersion.Tags)
			cp.NewVersion = &nv
		}
		out[i] = &cp
	}
	return out
}
