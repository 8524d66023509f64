package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/org/secretapproval/internal/approval"
	"github.com/org/secretapproval/internal/audit"
	"github.com/org/secretapproval/internal/keystore"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// engine holds the approval service and the handles it was built on.
type engine struct {
	svc   *approval.Service
	store *storage.PostgresBackend
	db    *sql.DB
	redis *redis.Client
}

func openEngine(ctx context.Context) (*engine, error) {
	mode, err := approval.ParseMode(cfg.RequestMode)
	if err != nil {
		return nil, err
	}
	rootKey, err := cfg.RootKeyBytes()
	if err != nil {
		return nil, err
	}

	e := &engine{}
	e.store, err = storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		return nil, err
	}

	var cache keystore.Cache = keystore.NewMemoryCache(cfg.SaltCacheTTL)
	if cfg.RedisURL != "" {
		e.redis, err = keystore.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			e.Close()
			return nil, err
		}
		cache = keystore.NewRedisCache(e.redis, cfg.SaltCacheTTL)
	}
	keys, err := keystore.NewService(e.store, rootKey,
		keystore.WithCache(cache),
		keystore.WithArgon2Params(cfg.BlindIndex),
	)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.db, err = audit.OpenDB(cfg.DBUrl)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.svc = approval.NewService(e.store, keys, audit.NewLogger(audit.NewSQLSink(e.db)),
		approval.WithMode(mode),
		approval.WithLogger(log.Logger),
	)
	return e, nil
}

func (e *engine) Close() {
	if e.db != nil {
		e.db.Close() //nolint:errcheck
	}
	if e.redis != nil {
		e.redis.Close() //nolint:errcheck
	}
	if e.store != nil {
		e.store.Close()
	}
}

// withEngine opens the engine for the duration of fn.
func withEngine(cmd *cobra.Command, fn func(e *engine, actor models.Actor) error) error {
	actor, err := actorFromFlags(cmd)
	if err != nil {
		return err
	}
	e, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e, actor)
}

// addActorFlags registers the flags identifying the caller. Authentication
// happens upstream; the engine trusts the identity given here.
func addActorFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("actor", "", "Member ID of the caller")
	cmd.PersistentFlags().String("actor-type", string(models.ActorUser), "Caller type: user, service, identity")
	cmd.PersistentFlags().String("role", string(models.RoleMember), "Project role: admin, member, viewer")
	cmd.PersistentFlags().StringSlice("permission", nil, "Granted permission as subject:action (repeatable)")
	cmd.MarkPersistentFlagRequired("actor") //nolint:errcheck
}

func actorFromFlags(cmd *cobra.Command) (models.Actor, error) {
	rawID, _ := cmd.Flags().GetString("actor")
	id, err := uuid.Parse(rawID)
	if err != nil {
		return models.Actor{}, fmt.Errorf("invalid --actor: %w", err)
	}
	actorType, _ := cmd.Flags().GetString("actor-type")
	role, _ := cmd.Flags().GetString("role")
	switch models.ActorType(actorType) {
	case models.ActorUser, models.ActorService, models.ActorIdentity:
	default:
		return models.Actor{}, fmt.Errorf("unknown actor type %q", actorType)
	}
	switch models.Role(role) {
	case models.RoleAdmin, models.RoleMember, models.RoleViewer:
	default:
		return models.Actor{}, fmt.Errorf("unknown role %q", role)
	}

	actor := models.Actor{Type: models.ActorType(actorType), ID: id, Role: models.Role(role)}
	perms, _ := cmd.Flags().GetStringSlice("permission")
	for _, raw := range perms {
		p, err := models.ParsePermission(raw)
		if err != nil {
			return models.Actor{}, err
		}
		actor.Permissions = append(actor.Permissions, p)
	}
	return actor, nil
}

func parseIDs(raw []string, flag string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s %q: %w", flag, r, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func idsToStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
