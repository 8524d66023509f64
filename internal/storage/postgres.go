package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/org/secretapproval/pkg/models"
)

// PostgreSQL error codes the backend reacts to.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	*pgQueries
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pgQueries: &pgQueries{db: pool}, pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InTx runs fn in a transaction and retries it once when PostgreSQL aborts
// it with a serialization failure or a deadlock.
func (p *PostgresBackend) InTx(ctx context.Context, fn func(q Queries) error) error {
	return retryTransient(func() error { return p.inTx(ctx, fn) })
}

// retryTransient runs attempt a second time when the first run fails with a
// serialization failure or a deadlock.
func retryTransient(attempt func() error) error {
	err := attempt()
	if isTransient(err) {
		log.Warn().Err(err).Msg("retrying transaction after transient failure")
		err = attempt()
	}
	return err
}

func (p *PostgresBackend) inTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "committing transaction")
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// mapErr translates driver errors into the package sentinels.
func mapErr(err error, action string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyExists
	}
	return errors.Wrap(err, action)
}

// pgQueries implements Queries against a pool or a transaction.
type pgQueries struct {
	db dbtx
}

// atomically runs fn in a transaction, or a savepoint when q already runs
// inside one.
func (q *pgQueries) atomically(ctx context.Context, fn func(q *pgQueries) error) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "committing transaction")
}

// --- Approval policies ---

const policyColumns = `id, project_id, environment, secret_path, name, approvers, bypassers,
	required_approvals, enforcement_level, allow_self_approval, created_at, updated_at, deleted_at`

func (q *pgQueries) CreatePolicy(ctx context.Context, p *models.Policy) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO approval_policies (`+policyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL)`,
		p.ID, p.ProjectID, p.Environment, nullString(p.SecretPath), p.Name, p.Approvers, nonNil(p.Bypassers),
		p.RequiredApprovals, p.EnforcementLevel, p.AllowSelfApproval, p.CreatedAt, p.UpdatedAt,
	)
	return mapErr(err, "inserting approval policy")
}

func (q *pgQueries) UpdatePolicy(ctx context.Context, p *models.Policy) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE approval_policies
		 SET secret_path = $2, name = $3, approvers = $4, bypassers = $5, required_approvals = $6,
		     enforcement_level = $7, allow_self_approval = $8, updated_at = $9
		 WHERE id = $1 AND deleted_at IS NULL`,
		p.ID, nullString(p.SecretPath), p.Name, p.Approvers, nonNil(p.Bypassers), p.RequiredApprovals,
		p.EnforcementLevel, p.AllowSelfApproval, p.UpdatedAt,
	)
	if err != nil {
		return mapErr(err, "updating approval policy")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE approval_policies SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return mapErr(err, "deleting approval policy")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM approval_policies WHERE id = $1 AND deleted_at IS NULL`, id)
	p, err := scanPolicy(row)
	return p, mapErr(err, "fetching approval policy")
}

func (q *pgQueries) ListPolicies(ctx context.Context, projectID uuid.UUID, environment string) ([]*models.Policy, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+policyColumns+` FROM approval_policies
		 WHERE project_id = $1 AND environment = $2 AND deleted_at IS NULL
		 ORDER BY created_at, id`,
		projectID, environment,
	)
	if err != nil {
		return nil, mapErr(err, "listing approval policies")
	}
	defer rows.Close()
	var out []*models.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, mapErr(err, "scanning approval policy")
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err(), "listing approval policies")
}

func scanPolicy(row pgx.Row) (*models.Policy, error) {
	var p models.Policy
	var secretPath *string
	err := row.Scan(&p.ID, &p.ProjectID, &p.Environment, &secretPath, &p.Name, &p.Approvers, &p.Bypassers,
		&p.RequiredApprovals, &p.EnforcementLevel, &p.AllowSelfApproval, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return nil, err
	}
	if secretPath != nil {
		p.SecretPath = *secretPath
	}
	return &p, nil
}

// --- Folders ---

func (q *pgQueries) CreateFolder(ctx context.Context, f *models.Folder) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO secret_folders (id, project_id, environment, name, parent_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.ProjectID, f.Environment, f.Name, nullString(f.ParentID), f.CreatedAt,
	)
	return mapErr(err, "inserting folder")
}

func (q *pgQueries) ListFolders(ctx context.Context, projectID uuid.UUID, environment string) ([]*models.Folder, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, project_id, environment, name, COALESCE(parent_id, ''), created_at
		 FROM secret_folders WHERE project_id = $1 AND environment = $2`,
		projectID, environment,
	)
	if err != nil {
		return nil, mapErr(err, "listing folders")
	}
	defer rows.Close()
	var out []*models.Folder
	for rows.Next() {
		var f models.Folder
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Environment, &f.Name, &f.ParentID, &f.CreatedAt); err != nil {
			return nil, mapErr(err, "scanning folder")
		}
		out = append(out, &f)
	}
	return out, mapErr(rows.Err(), "listing folders")
}

// --- Blind-index salts ---

func (q *pgQueries) GetBlindIndexSalt(ctx context.Context, projectID uuid.UUID) (*models.BlindIndexSalt, error) {
	var s models.BlindIndexSalt
	err := q.db.QueryRow(ctx,
		`SELECT project_id, encrypted_salt, nonce, created_at FROM secret_blind_indexes WHERE project_id = $1`,
		projectID,
	).Scan(&s.ProjectID, &s.EncryptedSalt, &s.Nonce, &s.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "fetching blind index salt")
	}
	return &s, nil
}

func (q *pgQueries) CreateBlindIndexSalt(ctx context.Context, s *models.BlindIndexSalt) (*models.BlindIndexSalt, error) {
	_, err := q.db.Exec(ctx,
		`INSERT INTO secret_blind_indexes (project_id, encrypted_salt, nonce, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (project_id) DO NOTHING`,
		s.ProjectID, s.EncryptedSalt, s.Nonce, s.CreatedAt,
	)
	if err != nil {
		return nil, mapErr(err, "inserting blind index salt")
	}
	return q.GetBlindIndexSalt(ctx, s.ProjectID)
}

// --- Secrets ---

const secretColumns = `id, project_id, environment, folder_id, type, user_id, blind_index, version, payload, created_at, updated_at`

func (q *pgQueries) FindSecrets(ctx context.Context, f SecretFilter) ([]*models.Secret, error) {
	if len(f.BlindIndexes) == 0 {
		return nil, nil
	}
	rows, err := q.db.Query(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE project_id = $1 AND environment = $2 AND folder_id = $3 AND type = $4
		   AND blind_index = ANY($5)`,
		f.ProjectID, f.Environment, f.FolderID, f.Type, f.BlindIndexes,
	)
	if err != nil {
		return nil, mapErr(err, "finding secrets")
	}
	defer rows.Close()
	var out []*models.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, mapErr(err, "scanning secret")
		}
		out = append(out, s)
	}
	return out, mapErr(rows.Err(), "finding secrets")
}

func (q *pgQueries) GetSecret(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM secrets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSecret(q.db.QueryRow(ctx, query, id))
	return s, mapErr(err, "fetching secret")
}

func scanSecret(row pgx.Row) (*models.Secret, error) {
	var s models.Secret
	var payload []byte
	err := row.Scan(&s.ID, &s.ProjectID, &s.Environment, &s.FolderID, &s.Type, &s.UserID,
		&s.BlindIndex, &s.Version, &payload, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &s.Payload); err != nil {
		return nil, errors.Wrap(err, "decoding secret payload")
	}
	return &s, nil
}

func (q *pgQueries) InsertSecret(ctx context.Context, s *models.Secret) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return errors.Wrap(err, "encoding secret payload")
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO secrets (`+secretColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.ProjectID, s.Environment, s.FolderID, s.Type, s.UserID,
		s.BlindIndex, s.Version, payload, s.CreatedAt, s.UpdatedAt,
	)
	return mapErr(err, "inserting secret")
}

func (q *pgQueries) UpdateSecret(ctx context.Context, s *models.Secret) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return errors.Wrap(err, "encoding secret payload")
	}
	tag, err := q.db.Exec(ctx,
		`UPDATE secrets SET blind_index = $2, version = $3, payload = $4, updated_at = $5 WHERE id = $1`,
		s.ID, s.BlindIndex, s.Version, payload, s.UpdatedAt,
	)
	if err != nil {
		return mapErr(err, "updating secret")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) DeleteSecret(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM secrets WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "deleting secret")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) InsertSecretVersion(ctx context.Context, v *models.SecretVersion) error {
	payload, err := json.Marshal(v.Payload)
	if err != nil {
		return errors.Wrap(err, "encoding secret payload")
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO secret_versions
		   (id, secret_id, version, project_id, environment, folder_id, blind_index, payload, is_deleted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.SecretID, v.Version, v.ProjectID, v.Environment, v.FolderID, v.BlindIndex, payload, v.IsDeleted, v.CreatedAt,
	)
	return mapErr(err, "inserting secret version")
}

func (q *pgQueries) MarkSecretVersionsDeleted(ctx context.Context, secretID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE secret_versions SET is_deleted = TRUE WHERE secret_id = $1`, secretID)
	return mapErr(err, "marking secret versions deleted")
}

func (q *pgQueries) ListSecretVersions(ctx context.Context, secretID uuid.UUID) ([]*models.SecretVersion, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, secret_id, version, project_id, environment, folder_id, blind_index, payload, is_deleted, created_at
		 FROM secret_versions WHERE secret_id = $1 ORDER BY version`,
		secretID,
	)
	if err != nil {
		return nil, mapErr(err, "listing secret versions")
	}
	defer rows.Close()
	var out []*models.SecretVersion
	for rows.Next() {
		var v models.SecretVersion
		var payload []byte
		if err := rows.Scan(&v.ID, &v.SecretID, &v.Version, &v.ProjectID, &v.Environment, &v.FolderID,
			&v.BlindIndex, &payload, &v.IsDeleted, &v.CreatedAt); err != nil {
			return nil, mapErr(err, "scanning secret version")
		}
		if err := json.Unmarshal(payload, &v.Payload); err != nil {
			return nil, errors.Wrap(err, "decoding secret payload")
		}
		out = append(out, &v)
	}
	return out, mapErr(rows.Err(), "listing secret versions")
}

// --- Approval requests ---

const requestColumns = `id, project_id, environment, folder_id, secret_path, policy_id, policy_name,
	policy_approvers, policy_bypassers, required_approvals, enforcement_level, allow_self_approval,
	committer_id, status, has_merged, status_changed_by, bypass_reason, created_at, updated_at`

func (q *pgQueries) InsertRequest(ctx context.Context, r *models.ApprovalRequest) error {
	return q.atomically(ctx, func(tx *pgQueries) error {
		if err := tx.insertRequestRow(ctx, r, false); err != nil {
			return err
		}
		return tx.insertCommits(ctx, r.ID, r.Commits)
	})
}

func (q *pgQueries) insertRequestRow(ctx context.Context, r *models.ApprovalRequest, upsertSlot bool) error {
	pol := r.Policy
	_, err := q.db.Exec(ctx,
		`INSERT INTO approval_requests (`+requestColumns+`, upsert_slot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		r.ID, r.ProjectID, r.Environment, r.FolderID, r.SecretPath, pol.PolicyID, pol.Name,
		pol.Approvers, nonNil(pol.Bypassers), pol.RequiredApprovals, pol.EnforcementLevel, pol.AllowSelfApproval,
		r.CommitterID, r.Status, r.HasMerged, r.StatusChangedBy, r.BypassReason, r.CreatedAt, r.UpdatedAt, upsertSlot,
	)
	return mapErr(err, "inserting approval request")
}

func (q *pgQueries) UpsertOpenRequest(ctx context.Context, r *models.ApprovalRequest) error {
	return q.atomically(ctx, func(tx *pgQueries) error {
		pol := r.Policy
		var id uuid.UUID
		var createdAt time.Time
		err := tx.db.QueryRow(ctx,
			`INSERT INTO approval_requests (`+requestColumns+`, upsert_slot)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'open', FALSE, NULL, '', $14, $14, TRUE)
			 ON CONFLICT (project_id, environment, committer_id) WHERE upsert_slot AND status = 'open'
			 DO UPDATE SET folder_id = EXCLUDED.folder_id, secret_path = EXCLUDED.secret_path,
			     policy_id = EXCLUDED.policy_id, policy_name = EXCLUDED.policy_name,
			     policy_approvers = EXCLUDED.policy_approvers, policy_bypassers = EXCLUDED.policy_bypassers,
			     required_approvals = EXCLUDED.required_approvals, enforcement_level = EXCLUDED.enforcement_level,
			     allow_self_approval = EXCLUDED.allow_self_approval, updated_at = EXCLUDED.updated_at
			 RETURNING id, created_at`,
			r.ID, r.ProjectID, r.Environment, r.FolderID, r.SecretPath, pol.PolicyID, pol.Name,
			pol.Approvers, nonNil(pol.Bypassers), pol.RequiredApprovals, pol.EnforcementLevel, pol.AllowSelfApproval,
			r.CommitterID, r.UpdatedAt,
		).Scan(&id, &createdAt)
		if err != nil {
			return mapErr(err, "upserting approval request")
		}
		if _, err := tx.db.Exec(ctx, `DELETE FROM approval_commits WHERE request_id = $1`, id); err != nil {
			return mapErr(err, "replacing approval commits")
		}
		if _, err := tx.db.Exec(ctx, `DELETE FROM approval_reviews WHERE request_id = $1`, id); err != nil {
			return mapErr(err, "clearing approval reviews")
		}
		r.ID = id
		r.CreatedAt = createdAt
		r.Status = models.RequestOpen
		r.HasMerged = false
		r.Reviewers = nil
		return tx.insertCommits(ctx, id, r.Commits)
	})
}

func (q *pgQueries) insertCommits(ctx context.Context, requestID uuid.UUID, commits []*models.Commit) error {
	batch := &pgx.Batch{}
	for i, c := range commits {
		c.RequestID = requestID
		var newVersion []byte
		if c.NewVersion != nil {
			b, err := json.Marshal(c.NewVersion)
			if err != nil {
				return errors.Wrap(err, "encoding commit payload")
			}
			newVersion = b
		}
		batch.Queue(
			`INSERT INTO approval_commits (id, request_id, position, op, secret_id, secret_version, new_version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, requestID, i, c.Op, c.SecretID, c.SecretVersion, newVersion,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	return mapErr(q.db.SendBatch(ctx, batch).Close(), "inserting approval commits")
}

func (q *pgQueries) GetRequest(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanRequest(q.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapErr(err, "fetching approval request")
	}
	if err := q.attachChildren(ctx, []*models.ApprovalRequest{r}); err != nil {
		return nil, err
	}
	return r, nil
}

func (q *pgQueries) ListRequests(ctx context.Context, f RequestFilter) ([]*models.ApprovalRequest, error) {
	where, args := requestWhere(f, true)
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE ` + where + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "listing approval requests")
	}
	defer rows.Close()
	var out []*models.ApprovalRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, mapErr(err, "scanning approval request")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "listing approval requests")
	}
	if err := q.attachChildren(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *pgQueries) CountRequests(ctx context.Context, f RequestFilter) (models.RequestCount, error) {
	where, args := requestWhere(f, false)
	var c models.RequestCount
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'open'), COUNT(*) FILTER (WHERE status = 'closed')
		 FROM approval_requests WHERE `+where,
		args...,
	).Scan(&c.Open, &c.Closed)
	return c, mapErr(err, "counting approval requests")
}

func requestWhere(f RequestFilter, withStatus bool) (string, []any) {
	conds := []string{"project_id = $1"}
	args := []any{f.ProjectID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Environment != "" {
		add("environment = $%d", f.Environment)
	}
	if withStatus && f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.CommitterID != nil {
		add("committer_id = $%d", *f.CommitterID)
	}
	if f.VisibleTo != nil {
		args = append(args, *f.VisibleTo)
		n := len(args)
		conds = append(conds, fmt.Sprintf("(committer_id = $%d OR $%d = ANY(policy_approvers))", n, n))
	}
	return strings.Join(conds, " AND "), args
}

func scanRequest(row pgx.Row) (*models.ApprovalRequest, error) {
	var r models.ApprovalRequest
	pol := &r.Policy
	err := row.Scan(&r.ID, &r.ProjectID, &r.Environment, &r.FolderID, &r.SecretPath, &pol.PolicyID, &pol.Name,
		&pol.Approvers, &pol.Bypassers, &pol.RequiredApprovals, &pol.EnforcementLevel, &pol.AllowSelfApproval,
		&r.CommitterID, &r.Status, &r.HasMerged, &r.StatusChangedBy, &r.BypassReason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// attachChildren loads commits and votes for a page of requests.
func (q *pgQueries) attachChildren(ctx context.Context, reqs []*models.ApprovalRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(reqs))
	byID := make(map[uuid.UUID]*models.ApprovalRequest, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
		byID[r.ID] = r
	}

	rows, err := q.db.Query(ctx,
		`SELECT id, request_id, op, secret_id, secret_version, new_version
		 FROM approval_commits WHERE request_id = ANY($1) ORDER BY request_id, position`,
		ids,
	)
	if err != nil {
		return mapErr(err, "loading approval commits")
	}
	for rows.Next() {
		var c models.Commit
		var newVersion []byte
		if err := rows.Scan(&c.ID, &c.RequestID, &c.Op, &c.SecretID, &c.SecretVersion, &newVersion); err != nil {
			rows.Close()
			return mapErr(err, "scanning approval commit")
		}
		if newVersion != nil {
			c.NewVersion = &models.SecretPayload{}
			if err := json.Unmarshal(newVersion, c.NewVersion); err != nil {
				rows.Close()
				return errors.Wrap(err, "decoding commit payload")
			}
		}
		byID[c.RequestID].Commits = append(byID[c.RequestID].Commits, &c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return mapErr(err, "loading approval commits")
	}

	rows, err = q.db.Query(ctx,
		`SELECT request_id, reviewer_id, status, comment, created_at, updated_at
		 FROM approval_reviews WHERE request_id = ANY($1) ORDER BY created_at, reviewer_id`,
		ids,
	)
	if err != nil {
		return mapErr(err, "loading approval reviews")
	}
	defer rows.Close()
	for rows.Next() {
		var v models.ReviewerVote
		if err := rows.Scan(&v.RequestID, &v.ReviewerID, &v.Status, &v.Comment, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return mapErr(err, "scanning approval review")
		}
		byID[v.RequestID].Reviewers = append(byID[v.RequestID].Reviewers, &v)
	}
	return mapErr(rows.Err(), "loading approval reviews")
}

func (q *pgQueries) UpdateRequestStatus(ctx context.Context, id uuid.UUID, status models.RequestStatus, changedBy uuid.UUID) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE approval_requests SET status = $2, status_changed_by = $3, updated_at = NOW() WHERE id = $1`,
		id, status, changedBy,
	)
	if err != nil {
		return mapErr(err, "updating approval request status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) MarkRequestMerged(ctx context.Context, id uuid.UUID, mergedBy uuid.UUID, bypassReason string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE approval_requests
		 SET has_merged = TRUE, status = 'closed', status_changed_by = $2, bypass_reason = $3, updated_at = NOW()
		 WHERE id = $1 AND NOT has_merged`,
		id, mergedBy, bypassReason,
	)
	if err != nil {
		return mapErr(err, "marking approval request merged")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) UpsertReview(ctx context.Context, v *models.ReviewerVote) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO approval_reviews (request_id, reviewer_id, status, comment, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (request_id, reviewer_id)
		 DO UPDATE SET status = EXCLUDED.status, comment = EXCLUDED.comment, updated_at = EXCLUDED.updated_at`,
		v.RequestID, v.ReviewerID, v.Status, v.Comment, v.UpdatedAt,
	)
	return mapErr(err, "upserting approval review")
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
