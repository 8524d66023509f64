package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretapproval/pkg/models"
)

// openTestPostgres connects to DATABASE_URL and applies migrations, or skips.
func openTestPostgres(t *testing.T) StorageBackend {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping postgres integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := NewPostgresBackend(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not reachable; skipping: %v", err)
	}
	t.Cleanup(b.Close)
	require.NoError(t, RunMigrations(dsn))
	return b
}

func TestPostgresBackend(t *testing.T) {
	runBackendSuite(t, openTestPostgres)
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil, "noop"))
	assert.ErrorIs(t, mapErr(&pgconn.PgError{Code: pgUniqueViolation}, "insert"), ErrAlreadyExists)

	err := mapErr(errors.New("connection reset"), "fetching secret")
	assert.EqualError(t, err, "fetching secret: connection reset")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errors.Wrap(&pgconn.PgError{Code: pgSerializationFailure}, "tx")))
	assert.True(t, isTransient(&pgconn.PgError{Code: pgDeadlockDetected}))
	assert.False(t, isTransient(&pgconn.PgError{Code: pgUniqueViolation}))
	assert.False(t, isTransient(errors.New("plain")))
	assert.False(t, isTransient(nil))
}

func TestRetryTransient(t *testing.T) {
	serialization := &pgconn.PgError{Code: pgSerializationFailure}
	tests := []struct {
		name     string
		results  []error
		wantErr  error
		wantRuns int
	}{
		{"success", []error{nil}, nil, 1},
		{"transient then success", []error{serialization, nil}, nil, 2},
		{"transient twice", []error{serialization, errors.Wrap(serialization, "again")}, serialization, 2},
		{"permanent", []error{ErrNotFound}, ErrNotFound, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := 0
			err := retryTransient(func() error {
				runs++
				return tt.results[runs-1]
			})
			assert.Equal(t, tt.wantRuns, runs)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestPostgresInTxRetriesSerializationFailure(t *testing.T) {
	b := openTestPostgres(t)
	ctx := context.Background()
	sec := newSecret()

	attempts := 0
	err := b.InTx(ctx, func(q Queries) error {
		attempts++
		if err := q.InsertSecret(ctx, sec); err != nil {
			return err
		}
		if attempts == 1 {
			return &pgconn.PgError{Code: pgSerializationFailure}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	got, err := b.GetSecret(ctx, sec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, sec.BlindIndex, got.BlindIndex)
}

// Two transactions lock the same pair of request rows in opposite order.
// PostgreSQL aborts one with deadlock_detected; the retry must then succeed.
func TestPostgresInTxRetriesDeadlock(t *testing.T) {
	b := openTestPostgres(t)
	ctx := context.Background()
	pol := newPolicy(uuid.New(), uuid.New())
	require.NoError(t, b.CreatePolicy(ctx, pol))
	first, second := newRequest(pol, uuid.New()), newRequest(pol, uuid.New())
	require.NoError(t, b.InsertRequest(ctx, first))
	require.NoError(t, b.InsertRequest(ctx, second))

	var holding sync.WaitGroup
	holding.Add(2)
	var attempts atomic.Int32
	lockBoth := func(from, to uuid.UUID) error {
		tries := 0
		return b.InTx(ctx, func(q Queries) error {
			attempts.Add(1)
			tries++
			if _, err := q.GetRequest(ctx, from, true); err != nil {
				return err
			}
			if tries == 1 {
				holding.Done()
				holding.Wait()
			}
			_, err := q.GetRequest(ctx, to, true)
			return err
		})
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = lockBoth(first.ID, second.ID) }()
	go func() { defer wg.Done(); errs[1] = lockBoth(second.ID, first.ID) }()
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, int32(3), attempts.Load(), "exactly one transaction is retried")
}

// Rows written without the flag must match the service default.
func TestPostgresPolicySelfApprovalDefault(t *testing.T) {
	b := openTestPostgres(t)
	pg, ok := b.(*PostgresBackend)
	require.True(t, ok)
	ctx := context.Background()

	id := uuid.New()
	_, err := pg.pool.Exec(ctx,
		`INSERT INTO approval_policies (id, project_id, environment, name, approvers, required_approvals)
		 VALUES ($1, $2, 'dev', 'raw', $3, 1)`,
		id, uuid.New(), []uuid.UUID{uuid.New()},
	)
	require.NoError(t, err)

	got, err := b.GetPolicy(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.AllowSelfApproval)
	assert.Equal(t, models.EnforcementHard, got.EnforcementLevel)
}

func newSecret() *models.Secret {
	return &models.Secret{
		ID: uuid.New(), ProjectID: uuid.New(), Environment: "dev", FolderID: "f1", Type: models.SecretShared,
		BlindIndex: "idx-retry", Version: 1, CreatedAt: now(), UpdatedAt: now(),
	}
}

func TestRequestWhere(t *testing.T) {
	f := RequestFilter{Environment: "dev", Status: "open"}
	where, args := requestWhere(f, true)
	assert.Equal(t, "project_id = $1 AND environment = $2 AND status = $3", where)
	assert.Len(t, args, 3)

	where, args = requestWhere(f, false)
	assert.Equal(t, "project_id = $1 AND environment = $2", where)
	assert.Len(t, args, 2)
}
