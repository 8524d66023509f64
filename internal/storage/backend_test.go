package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretapproval/pkg/models"
)

// runBackendSuite exercises the behaviour every StorageBackend must share.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) StorageBackend) {
	t.Run("policies", func(t *testing.T) { testPolicies(t, newBackend(t)) })
	t.Run("folders", func(t *testing.T) { testFolders(t, newBackend(t)) })
	t.Run("salts", func(t *testing.T) { testSalts(t, newBackend(t)) })
	t.Run("secrets", func(t *testing.T) { testSecrets(t, newBackend(t)) })
	t.Run("requests", func(t *testing.T) { testRequests(t, newBackend(t)) })
	t.Run("upsert", func(t *testing.T) { testUpsertOpenRequest(t, newBackend(t)) })
	t.Run("reviews", func(t *testing.T) { testReviews(t, newBackend(t)) })
	t.Run("tx rollback", func(t *testing.T) { testTxRollback(t, newBackend(t)) })
	t.Run("concurrent merge", func(t *testing.T) { testConcurrentMerge(t, newBackend(t)) })
	t.Run("concurrent vote upsert", func(t *testing.T) { testConcurrentVoteUpsert(t, newBackend(t)) })
	t.Run("concurrent open request upsert", func(t *testing.T) { testConcurrentUpsertOpenRequest(t, newBackend(t)) })
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func newPolicy(projectID uuid.UUID, approvers ...uuid.UUID) *models.Policy {
	ts := now()
	return &models.Policy{
		ID:                uuid.New(),
		ProjectID:         projectID,
		Environment:       "dev",
		Name:              "policy",
		Approvers:         approvers,
		RequiredApprovals: 1,
		EnforcementLevel:  models.EnforcementHard,
		AllowSelfApproval: true,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}
}

func newRequest(pol *models.Policy, committer uuid.UUID) *models.ApprovalRequest {
	ts := now()
	sid := uuid.New()
	return &models.ApprovalRequest{
		ID:          uuid.New(),
		ProjectID:   pol.ProjectID,
		Environment: pol.Environment,
		FolderID:    models.RootFolderID,
		SecretPath:  "/",
		Policy:      pol.Snapshot(),
		CommitterID: committer,
		Status:      models.RequestOpen,
		Commits: []*models.Commit{
			{ID: uuid.New(), Op: models.OpCreate, NewVersion: &models.SecretPayload{BlindIndex: "idx-a"}},
			{ID: uuid.New(), Op: models.OpDelete, SecretID: &sid, SecretVersion: 3},
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func testPolicies(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	project := uuid.New()
	u1, u2 := uuid.New(), uuid.New()

	first := newPolicy(project, u1)
	require.NoError(t, b.CreatePolicy(ctx, first))
	second := newPolicy(project, u1, u2)
	second.SecretPath = "/app/*"
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, b.CreatePolicy(ctx, second))

	got, err := b.GetPolicy(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "/app/*", got.SecretPath)
	assert.Equal(t, []uuid.UUID{u1, u2}, got.Approvers)

	list, err := b.ListPolicies(ctx, project, "dev")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, "", list[0].SecretPath)

	second.RequiredApprovals = 2
	second.UpdatedAt = now()
	require.NoError(t, b.UpdatePolicy(ctx, second))
	got, err = b.GetPolicy(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RequiredApprovals)

	require.NoError(t, b.DeletePolicy(ctx, first.ID))
	_, err = b.GetPolicy(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, b.DeletePolicy(ctx, first.ID), ErrNotFound)
	assert.ErrorIs(t, b.UpdatePolicy(ctx, first), ErrNotFound)

	list, err = b.ListPolicies(ctx, project, "dev")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testFolders(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	project := uuid.New()
	root := &models.Folder{ID: uuid.NewString(), ProjectID: project, Environment: "dev", Name: "root", CreatedAt: now()}
	require.NoError(t, b.CreateFolder(ctx, root))
	child := &models.Folder{ID: uuid.NewString(), ProjectID: project, Environment: "dev", Name: "app", ParentID: root.ID, CreatedAt: now()}
	require.NoError(t, b.CreateFolder(ctx, child))

	dup := &models.Folder{ID: uuid.NewString(), ProjectID: project, Environment: "dev", Name: "app", ParentID: root.ID, CreatedAt: now()}
	assert.ErrorIs(t, b.CreateFolder(ctx, dup), ErrAlreadyExists)
	secondRoot := &models.Folder{ID: uuid.NewString(), ProjectID: project, Environment: "dev", Name: "root", CreatedAt: now()}
	assert.ErrorIs(t, b.CreateFolder(ctx, secondRoot), ErrAlreadyExists)

	folders, err := b.ListFolders(ctx, project, "dev")
	require.NoError(t, err)
	assert.Len(t, folders, 2)
}

func testSalts(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	project := uuid.New()
	_, err := b.GetBlindIndexSalt(ctx, project)
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := b.CreateBlindIndexSalt(ctx, &models.BlindIndexSalt{ProjectID: project, EncryptedSalt: []byte("one"), Nonce: []byte("n1"), CreatedAt: now()})
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), first.EncryptedSalt)

	second, err := b.CreateBlindIndexSalt(ctx, &models.BlindIndexSalt{ProjectID: project, EncryptedSalt: []byte("two"), Nonce: []byte("n2"), CreatedAt: now()})
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), second.EncryptedSalt, "first writer wins")
}

func testSecrets(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	project := uuid.New()
	sec := &models.Secret{
		ID: uuid.New(), ProjectID: project, Environment: "dev", FolderID: "f1", Type: models.SecretShared,
		BlindIndex: "idx-a", Version: 1, Payload: models.SecretPayload{Key: models.EncryptedField{Ciphertext: "k"}},
		CreatedAt: now(), UpdatedAt: now(),
	}
	require.NoError(t, b.InsertSecret(ctx, sec))

	clash := *sec
	clash.ID = uuid.New()
	assert.ErrorIs(t, b.InsertSecret(ctx, &clash), ErrAlreadyExists)

	personal := clash
	personal.Type = models.SecretPersonal
	require.NoError(t, b.InsertSecret(ctx, &personal), "personal secrets may shadow shared ones")

	found, err := b.FindSecrets(ctx, SecretFilter{
		ProjectID: project, Environment: "dev", FolderID: "f1", Type: models.SecretShared,
		BlindIndexes: []string{"idx-a", "idx-missing"},
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, sec.ID, found[0].ID)
	assert.Equal(t, "k", found[0].Payload.Key.Ciphertext)

	require.NoError(t, b.InsertSecretVersion(ctx, models.NewSecretVersion(sec, now())))
	assert.ErrorIs(t, b.InsertSecretVersion(ctx, models.NewSecretVersion(sec, now())), ErrAlreadyExists)

	sec.Version = 2
	sec.UpdatedAt = now()
	require.NoError(t, b.UpdateSecret(ctx, sec))
	require.NoError(t, b.InsertSecretVersion(ctx, models.NewSecretVersion(sec, now())))

	got, err := b.GetSecret(ctx, sec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	require.NoError(t, b.DeleteSecret(ctx, sec.ID))
	require.NoError(t, b.MarkSecretVersionsDeleted(ctx, sec.ID))
	_, err = b.GetSecret(ctx, sec.ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, b.DeleteSecret(ctx, sec.ID), ErrNotFound)

	versions, err := b.ListSecretVersions(ctx, sec.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 2, versions[1].Version)
	assert.True(t, versions[0].IsDeleted)
	assert.True(t, versions[1].IsDeleted)
}

func testRequests(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	committer, approver, outsider := uuid.New(), uuid.New(), uuid.New()
	pol := newPolicy(uuid.New(), approver)
	require.NoError(t, b.CreatePolicy(ctx, pol))

	req := newRequest(pol, committer)
	require.NoError(t, b.InsertRequest(ctx, req))

	got, err := b.GetRequest(ctx, req.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.RequestOpen, got.Status)
	assert.Equal(t, []uuid.UUID{approver}, got.Policy.Approvers)
	require.Len(t, got.Commits, 2)
	assert.Equal(t, models.OpCreate, got.Commits[0].Op)
	assert.Equal(t, "idx-a", got.Commits[0].NewVersion.BlindIndex)
	assert.Equal(t, models.OpDelete, got.Commits[1].Op)
	assert.Equal(t, 3, got.Commits[1].SecretVersion)
	assert.Nil(t, got.Commits[1].NewVersion)

	_, err = b.GetRequest(ctx, uuid.New(), false)
	assert.ErrorIs(t, err, ErrNotFound)

	other := newRequest(pol, outsider)
	other.CreatedAt = req.CreatedAt.Add(time.Second)
	require.NoError(t, b.InsertRequest(ctx, other))

	all, err := b.ListRequests(ctx, RequestFilter{ProjectID: pol.ProjectID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, other.ID, all[0].ID, "newest first")

	visible, err := b.ListRequests(ctx, RequestFilter{ProjectID: pol.ProjectID, VisibleTo: &committer})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, req.ID, visible[0].ID)

	visible, err = b.ListRequests(ctx, RequestFilter{ProjectID: pol.ProjectID, VisibleTo: &approver})
	require.NoError(t, err)
	assert.Len(t, visible, 2)

	paged, err := b.ListRequests(ctx, RequestFilter{ProjectID: pol.ProjectID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, req.ID, paged[0].ID)

	require.NoError(t, b.UpdateRequestStatus(ctx, other.ID, models.RequestClosed, outsider))
	count, err := b.CountRequests(ctx, RequestFilter{ProjectID: pol.ProjectID})
	require.NoError(t, err)
	assert.Equal(t, models.RequestCount{Open: 1, Closed: 1}, count)

	closed, err := b.ListRequests(ctx, RequestFilter{ProjectID: pol.ProjectID, Status: models.RequestClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, other.ID, closed[0].ID)

	require.NoError(t, b.MarkRequestMerged(ctx, req.ID, approver, "hotfix"))
	assert.ErrorIs(t, b.MarkRequestMerged(ctx, req.ID, approver, ""), ErrNotFound)
	got, err = b.GetRequest(ctx, req.ID, false)
	require.NoError(t, err)
	assert.True(t, got.HasMerged)
	assert.Equal(t, models.RequestClosed, got.Status)
	assert.Equal(t, "hotfix", got.BypassReason)
	require.NotNil(t, got.StatusChangedBy)
	assert.Equal(t, approver, *got.StatusChangedBy)
}

func testUpsertOpenRequest(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	committer, approver := uuid.New(), uuid.New()
	pol := newPolicy(uuid.New(), approver)
	require.NoError(t, b.CreatePolicy(ctx, pol))

	first := newRequest(pol, committer)
	require.NoError(t, b.UpsertOpenRequest(ctx, first))
	require.NoError(t, b.UpsertReview(ctx, &models.ReviewerVote{
		RequestID: first.ID, ReviewerID: approver, Status: models.ReviewApproved, UpdatedAt: now(),
	}))

	second := newRequest(pol, committer)
	second.Commits = second.Commits[:1]
	second.Commits[0].NewVersion.BlindIndex = "idx-b"
	require.NoError(t, b.UpsertOpenRequest(ctx, second))
	assert.Equal(t, first.ID, second.ID, "resubmission reuses the open request")

	got, err := b.GetRequest(ctx, first.ID, false)
	require.NoError(t, err)
	require.Len(t, got.Commits, 1)
	assert.Equal(t, "idx-b", got.Commits[0].NewVersion.BlindIndex)
	assert.Empty(t, got.Reviewers, "votes on the old diff are discarded")

	require.NoError(t, b.UpdateRequestStatus(ctx, first.ID, models.RequestClosed, committer))
	third := newRequest(pol, committer)
	require.NoError(t, b.UpsertOpenRequest(ctx, third))
	assert.NotEqual(t, first.ID, third.ID)

	err = b.UpdateRequestStatus(ctx, first.ID, models.RequestOpen, committer)
	assert.ErrorIs(t, err, ErrAlreadyExists, "only one open request per committer")
}

func testReviews(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	committer := uuid.New()
	approvers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	pol := newPolicy(uuid.New(), approvers...)
	require.NoError(t, b.CreatePolicy(ctx, pol))
	req := newRequest(pol, committer)
	require.NoError(t, b.InsertRequest(ctx, req))

	var wg sync.WaitGroup
	for _, a := range approvers {
		wg.Add(1)
		go func(reviewer uuid.UUID) {
			defer wg.Done()
			err := b.InTx(ctx, func(q Queries) error {
				if _, err := q.GetRequest(ctx, req.ID, true); err != nil {
					return err
				}
				return q.UpsertReview(ctx, &models.ReviewerVote{
					RequestID: req.ID, ReviewerID: reviewer, Status: models.ReviewApproved, UpdatedAt: now(),
				})
			})
			assert.NoError(t, err)
		}(a)
	}
	wg.Wait()

	require.NoError(t, b.UpsertReview(ctx, &models.ReviewerVote{
		RequestID: req.ID, ReviewerID: approvers[0], Status: models.ReviewRejected, Comment: "typo", UpdatedAt: now(),
	}))

	got, err := b.GetRequest(ctx, req.ID, false)
	require.NoError(t, err)
	assert.Len(t, got.Reviewers, len(approvers))
	assert.Equal(t, models.ReviewRejected, got.ReviewStatusOf(approvers[0]))
	assert.Equal(t, models.ReviewApproved, got.ReviewStatusOf(approvers[1]))
	assert.Equal(t, 3, got.Approvals())
}

func testTxRollback(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	sec := &models.Secret{
		ID: uuid.New(), ProjectID: uuid.New(), Environment: "dev", FolderID: "f1", Type: models.SecretShared,
		BlindIndex: "idx", Version: 1, CreatedAt: now(), UpdatedAt: now(),
	}
	boom := errors.New("boom")
	err := b.InTx(ctx, func(q Queries) error {
		if err := q.InsertSecret(ctx, sec); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = b.GetSecret(ctx, sec.ID, false)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.InTx(ctx, func(q Queries) error { return q.InsertSecret(ctx, sec) }))
	_, err = b.GetSecret(ctx, sec.ID, false)
	assert.NoError(t, err)
}

var errMergedAlready = errors.New("merged already")

// testConcurrentMerge races mergers that lock the request row before marking
// it merged. Exactly one may win; the rest must observe the merged row.
func testConcurrentMerge(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	committer, approver := uuid.New(), uuid.New()
	pol := newPolicy(uuid.New(), approver)
	require.NoError(t, b.CreatePolicy(ctx, pol))
	req := newRequest(pol, committer)
	require.NoError(t, b.InsertRequest(ctx, req))

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.InTx(ctx, func(q Queries) error {
				locked, err := q.GetRequest(ctx, req.ID, true)
				if err != nil {
					return err
				}
				if locked.HasMerged {
					return errMergedAlready
				}
				return q.MarkRequestMerged(ctx, req.ID, approver, "")
			})
		}()
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, errMergedAlready)
	}
	assert.Equal(t, 1, won)

	got, err := b.GetRequest(ctx, req.ID, false)
	require.NoError(t, err)
	assert.True(t, got.HasMerged)
	assert.Equal(t, models.RequestClosed, got.Status)
}

// testConcurrentVoteUpsert has one reviewer vote many times at once without
// holding the request lock. Every write must land on the same vote row.
func testConcurrentVoteUpsert(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	committer, approver := uuid.New(), uuid.New()
	pol := newPolicy(uuid.New(), approver)
	require.NoError(t, b.CreatePolicy(ctx, pol))
	req := newRequest(pol, committer)
	require.NoError(t, b.InsertRequest(ctx, req))

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.UpsertReview(ctx, &models.ReviewerVote{
				RequestID:  req.ID,
				ReviewerID: approver,
				Status:     models.ReviewApproved,
				Comment:    fmt.Sprintf("vote %d", i),
				UpdatedAt:  now(),
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	got, err := b.GetRequest(ctx, req.ID, false)
	require.NoError(t, err)
	require.Len(t, got.Reviewers, 1)
	assert.Equal(t, approver, got.Reviewers[0].ReviewerID)
	assert.Equal(t, 1, got.Approvals())
}

// testConcurrentUpsertOpenRequest races resubmissions from one committer.
// They must all resolve to a single open request.
func testConcurrentUpsertOpenRequest(t *testing.T, b StorageBackend) {
	ctx := context.Background()
	committer, approver := uuid.New(), uuid.New()
	pol := newPolicy(uuid.New(), approver)
	require.NoError(t, b.CreatePolicy(ctx, pol))

	const n = 6
	reqs := make([]*models.ApprovalRequest, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		reqs[i] = newRequest(pol, committer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.UpsertOpenRequest(ctx, reqs[i])
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err)
		assert.Equal(t, reqs[0].ID, reqs[i].ID, "every resubmission lands on the same request")
	}

	count, err := b.CountRequests(ctx, RequestFilter{ProjectID: pol.ProjectID})
	require.NoError(t, err)
	assert.Equal(t, models.RequestCount{Open: 1}, count)

	got, err := b.GetRequest(ctx, reqs[0].ID, false)
	require.NoError(t, err)
	assert.Len(t, got.Commits, 2)
}
