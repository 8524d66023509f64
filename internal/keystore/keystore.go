// Package keystore manages per-project blind-index salts and computes blind indexes.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/secretapproval/internal/crypto"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// saltKeyContext binds the salt-sealing key to its purpose.
const saltKeyContext = "secretapproval/blind-index-salt/v1"

// SaltStore is the subset of storage the keystore needs.
type SaltStore interface {
	GetBlindIndexSalt(ctx context.Context, projectID uuid.UUID) (*models.BlindIndexSalt, error)
	CreateBlindIndexSalt(ctx context.Context, s *models.BlindIndexSalt) (*models.BlindIndexSalt, error)
}

// Cache holds sealed salts so hot paths skip the database.
type Cache interface {
	Get(ctx context.Context, projectID uuid.UUID) (*models.BlindIndexSalt, bool)
	Set(ctx context.Context, s *models.BlindIndexSalt)
}

// Service is the encryption/indexing collaborator of the approval engine.
type Service struct {
	store  SaltStore
	cache  Cache
	key    []byte
	params crypto.Argon2Params
	logger zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache puts a salt cache in front of the store.
func WithCache(c Cache) Option { return func(s *Service) { s.cache = c } }

// WithArgon2Params overrides the blind-index hash parameters.
func WithArgon2Params(p crypto.Argon2Params) Option { return func(s *Service) { s.params = p } }

// WithLogger sets the logger. The global logger is used otherwise.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService derives the salt-sealing key from the root key.
func NewService(store SaltStore, rootKey []byte, opts ...Option) (*Service, error) {
	key, err := crypto.DeriveKey(rootKey, saltKeyContext)
	if err != nil {
		return nil, fmt.Errorf("deriving salt key: %w", err)
	}
	s := &Service{
		store:  store,
		cache:  NopCache{},
		key:    key,
		params: crypto.DefaultArgon2Params,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WorkspaceSalt returns the project's blind-index salt, creating it on first use.
// Concurrent first calls agree on a single salt.
func (s *Service) WorkspaceSalt(ctx context.Context, projectID uuid.UUID) ([]byte, error) {
	if sealed, ok := s.cache.Get(ctx, projectID); ok {
		salt, err := s.open(sealed)
		if err == nil {
			return salt, nil
		}
		s.logger.Warn().Err(err).Str("project_id", projectID.String()).Msg("discarding unreadable cached salt")
	}

	sealed, err := s.store.GetBlindIndexSalt(ctx, projectID)
	if errors.Is(err, storage.ErrNotFound) {
		sealed, err = s.create(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading blind index salt: %w", err)
	}
	salt, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, sealed)
	return salt, nil
}

func (s *Service) create(ctx context.Context, projectID uuid.UUID) (*models.BlindIndexSalt, error) {
	salt, err := crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := crypto.EncryptAESGCM(salt, s.key)
	if err != nil {
		return nil, fmt.Errorf("sealing salt: %w", err)
	}
	s.logger.Info().Str("project_id", projectID.String()).Msg("created blind index salt")
	return s.store.CreateBlindIndexSalt(ctx, &models.BlindIndexSalt{
		ProjectID:     projectID,
		EncryptedSalt: ciphertext,
		Nonce:         nonce,
		CreatedAt:     time.Now().UTC(),
	})
}

func (s *Service) open(sealed *models.BlindIndexSalt) ([]byte, error) {
	salt, err := crypto.DecryptAESGCM(sealed.EncryptedSalt, sealed.Nonce, s.key)
	if err != nil {
		return nil, fmt.Errorf("opening blind index salt: %w", err)
	}
	return salt, nil
}

// BlindIndex computes the blind index of a secret name under salt.
func (s *Service) BlindIndex(name string, salt []byte) (string, error) {
	return crypto.BlindIndex(name, salt, s.params)
}
