package models

import (
	"time"

	"github.com/google/uuid"
)

// SecretType distinguishes project-wide secrets from per-user overrides.
type SecretType string

const (
	SecretShared   SecretType = "shared"
	SecretPersonal SecretType = "personal"
)

const (
	AlgorithmAES256GCM = "aes-256-gcm"
	EncodingUTF8       = "utf8"
)

// EncryptedField is one client-side encrypted value. It is never decrypted here.
type EncryptedField struct {
	Ciphertext string `json:"ciphertext,omitempty"`
	IV         string `json:"iv,omitempty"`
	Tag        string `json:"tag,omitempty"`
}

// IsZero reports whether the field carries no ciphertext.
func (f EncryptedField) IsZero() bool {
	return f.Ciphertext == "" && f.IV == "" && f.Tag == ""
}

// SecretPayload is the ciphertext body of a secret. Secret names are only
// present as their blind index; plaintext names have no field here.
type SecretPayload struct {
	BlindIndex            string         `json:"blindIndex,omitempty"`
	Key                   EncryptedField `json:"key"`
	Value                 EncryptedField `json:"value"`
	Comment               EncryptedField `json:"comment"`
	Algorithm             string         `json:"algorithm,omitempty"`
	KeyEncoding           string         `json:"keyEncoding,omitempty"`
	SkipMultilineEncoding *bool          `json:"skipMultilineEncoding,omitempty"`
	Tags                  []string       `json:"tags,omitempty"`
}

// Over returns p with every unset field taken from base. Update commits only
// carry the fields that change.
func (p SecretPayload) Over(base SecretPayload) SecretPayload {
	out := p
	if out.BlindIndex == "" {
		out.BlindIndex = base.BlindIndex
	}
	if out.Key.IsZero() {
		out.Key = base.Key
	}
	if out.Value.IsZero() {
		out.Value = base.Value
	}
	if out.Comment.IsZero() {
		out.Comment = base.Comment
	}
	if out.Algorithm == "" {
		out.Algorithm = base.Algorithm
	}
	if out.KeyEncoding == "" {
		out.KeyEncoding = base.KeyEncoding
	}
	if out.SkipMultilineEncoding == nil {
		out.SkipMultilineEncoding = base.SkipMultilineEncoding
	}
	if out.Tags == nil {
		out.Tags = base.Tags
	}
	return out.withDefaults()
}

func (p SecretPayload) withDefaults() SecretPayload {
	if p.Algorithm == "" {
		p.Algorithm = AlgorithmAES256GCM
	}
	if p.KeyEncoding == "" {
		p.KeyEncoding = EncodingUTF8
	}
	return p
}

// SkipsMultilineEncoding reports whether the client stored the value without
// multiline encoding.
func (p SecretPayload) SkipsMultilineEncoding() bool {
	return p.SkipMultilineEncoding != nil && *p.SkipMultilineEncoding
}

// Normalized returns the payload with algorithm and encoding defaults applied.
func (p SecretPayload) Normalized() SecretPayload {
	return p.withDefaults()
}

// Secret is the live row of a secret in a folder.
type Secret struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	Environment string
	FolderID    string
	Type        SecretType
	UserID      *uuid.UUID
	BlindIndex  string
	Version     int
	Payload     SecretPayload
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SecretVersion is an immutable history entry for a secret.
type SecretVersion struct {
	ID          uuid.UUID
	SecretID    uuid.UUID
	Version     int
	ProjectID   uuid.UUID
	Environment string
	FolderID    string
	BlindIndex  string
	Payload     SecretPayload
	IsDeleted   bool
	CreatedAt   time.Time
}

// NewSecretVersion snapshots the current state of s.
func NewSecretVersion(s *Secret, at time.Time) *SecretVersion {
	return &SecretVersion{
		ID:          uuid.New(),
		SecretID:    s.ID,
		Version:     s.Version,
		ProjectID:   s.ProjectID,
		Environment: s.Environment,
		FolderID:    s.FolderID,
		BlindIndex:  s.BlindIndex,
		Payload:     s.Payload,
		CreatedAt:   at,
	}
}

// BlindIndexSalt is a project's blind-index salt, sealed under the root key.
type BlindIndexSalt struct {
	ProjectID     uuid.UUID
	EncryptedSalt []byte
	Nonce         []byte
	CreatedAt     time.Time
}
