package approval

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretapproval/internal/apperr"
	"github.com/org/secretapproval/internal/crypto"
	"github.com/org/secretapproval/internal/keystore"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

type fakeAuditor struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (f *fakeAuditor) Record(_ context.Context, e models.AuditEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeAuditor) types() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	svc     *Service
	store   storage.StorageBackend
	keys    *keystore.Service
	audit   *fakeAuditor
	project uuid.UUID
	admin   models.Actor
	dev     models.Actor
	u1      models.Actor
	u2      models.Actor
	u3      models.Actor
	policy  *models.Policy
}

func member() models.Actor {
	return models.Actor{
		Type: models.ActorUser,
		ID:   uuid.New(),
		Role: models.RoleMember,
		Permissions: []models.Permission{
			{Subject: models.SubjectApprovalRequest, Action: models.ActionRead},
		},
	}
}

// backend names a storage backend the engine tests can run against.
type backend struct {
	name string
	open func(t *testing.T) storage.StorageBackend
}

// backends returns the in-memory backend, plus PostgreSQL when DATABASE_URL
// is set. Row locking and upsert races only show up on the latter.
func backends() []backend {
	out := []backend{{"memory", func(*testing.T) storage.StorageBackend { return storage.NewMemoryBackend() }}}
	if os.Getenv("DATABASE_URL") != "" {
		out = append(out, backend{"postgres", openPostgres})
	}
	return out
}

func openPostgres(t *testing.T) storage.StorageBackend {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := storage.NewPostgresBackend(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not reachable; skipping: %v", err)
	}
	t.Cleanup(b.Close)
	require.NoError(t, storage.RunMigrations(dsn))
	return b
}

// newFixture sets up a project whose "prod" environment is governed by a
// hard policy requiring two of u1, u2 and u3.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, storage.NewMemoryBackend(), opts...)
}

func newFixtureOn(t *testing.T, store storage.StorageBackend, opts ...Option) *fixture {
	t.Helper()
	rootKey, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	keys, err := keystore.NewService(store, rootKey,
		keystore.WithArgon2Params(crypto.Argon2Params{Time: 1, MemoryKiB: 64, Threads: 1}))
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		keys:    keys,
		audit:   &fakeAuditor{},
		project: uuid.New(),
		admin:   models.Actor{Type: models.ActorUser, ID: uuid.New(), Role: models.RoleAdmin},
		dev:     member(),
		u1:      member(),
		u2:      member(),
		u3:      member(),
	}
	f.svc = NewService(store, keys, f.audit, opts...)
	f.policy, err = f.svc.CreatePolicy(context.Background(), f.admin, PolicyInput{
		ProjectID:         f.project,
		Environment:       "prod",
		Name:              "prod-changes",
		Approvers:         []uuid.UUID{f.u1.ID, f.u2.ID, f.u3.ID},
		RequiredApprovals: 2,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) scope(path string) Scope {
	return Scope{ProjectID: f.project, Environment: "prod", SecretPath: path}
}

func payload(tag string) models.SecretPayload {
	return models.SecretPayload{
		Key:   models.EncryptedField{Ciphertext: "key-" + tag, IV: "iv", Tag: "tag"},
		Value: models.EncryptedField{Ciphertext: "value-" + tag, IV: "iv", Tag: "tag"},
	}
}

func (f *fixture) submit(t *testing.T, actor models.Actor, changes ChangeSet) *models.ApprovalRequest {
	t.Helper()
	req, err := f.svc.Submit(context.Background(), actor, SubmitInput{Scope: f.scope("/"), Changes: changes})
	require.NoError(t, err)
	return req
}

func (f *fixture) vote(t *testing.T, actor models.Actor, id uuid.UUID, status models.ReviewStatus) {
	t.Helper()
	_, err := f.svc.SubmitReview(context.Background(), actor, id, status, "")
	require.NoError(t, err)
}

// createSecret runs a create through the full approval flow.
func (f *fixture) createSecret(t *testing.T, name string) *models.Secret {
	t.Helper()
	req := f.submit(t, f.dev, ChangeSet{Creates: []SecretCreate{{Name: name, Payload: payload(name)}}})
	f.vote(t, f.u1, req.ID, models.ReviewApproved)
	f.vote(t, f.u2, req.ID, models.ReviewApproved)
	_, err := f.svc.Merge(context.Background(), f.dev, req.ID, MergeOptions{})
	require.NoError(t, err)
	sec := f.secret(t, name)
	require.NotNil(t, sec)
	return sec
}

// secret looks up a live shared root secret by name, nil when absent.
func (f *fixture) secret(t *testing.T, name string) *models.Secret {
	t.Helper()
	ctx := context.Background()
	salt, err := f.keys.WorkspaceSalt(ctx, f.project)
	require.NoError(t, err)
	idx, err := f.keys.BlindIndex(name, salt)
	require.NoError(t, err)
	found, err := f.store.FindSecrets(ctx, storage.SecretFilter{
		ProjectID:    f.project,
		Environment:  "prod",
		FolderID:     models.RootFolderID,
		Type:         models.SecretShared,
		BlindIndexes: []string{idx},
	})
	require.NoError(t, err)
	if len(found) == 0 {
		return nil
	}
	require.Len(t, found, 1)
	return found[0]
}

func assertKind(t *testing.T, err error, kind apperr.Kind, msg string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), err.Error())
	if msg != "" {
		assert.Contains(t, err.Error(), msg)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("upsert")
	require.NoError(t, err)
	assert.Equal(t, ModeUpsert, m)

	m, err = ParseMode("multiple")
	require.NoError(t, err)
	assert.Equal(t, ModeMultiple, m)

	_, err = ParseMode("single")
	assertKind(t, err, apperr.KindValidation, "unknown request mode")
}

func TestNewServiceDefaults(t *testing.T) {
	svc := NewService(storage.NewMemoryBackend(), nil, &fakeAuditor{})
	assert.Equal(t, ModeMultiple, svc.Mode())
	assert.Equal(t, ModeUpsert, NewService(storage.NewMemoryBackend(), nil, &fakeAuditor{}, WithMode(ModeUpsert)).Mode())
}
