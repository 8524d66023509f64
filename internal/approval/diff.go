package approval

import (
	"context"

	"github.com/google/uuid"

	"github.com/org/secretapproval/internal/apperr"
	"github.com/org/secretapproval/internal/folder"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// Scope identifies the folder a change set targets.
type Scope struct {
	ProjectID   uuid.UUID `validate:"required"`
	Environment string    `validate:"required,max=64"`
	SecretPath  string    `validate:"required,startswith=/"`
}

// SecretCreate proposes a new secret. Name is plaintext and never persisted.
type SecretCreate struct {
	Name    string              `json:"name" validate:"required,max=256"`
	Payload models.SecretPayload `json:"payload"`
}

// SecretUpdate proposes new ciphertext for an existing secret, optionally
// renaming it. Unset payload fields keep their current value.
type SecretUpdate struct {
	Name    string              `json:"name" validate:"required,max=256"`
	NewName string              `json:"newName,omitempty" validate:"omitempty,max=256"`
	Payload models.SecretPayload `json:"payload"`
}

// SecretDelete proposes removing a secret.
type SecretDelete struct {
	Name string `json:"name" validate:"required,max=256"`
}

// ChangeSet is a batch of proposed mutations against one folder.
type ChangeSet struct {
	Creates []SecretCreate `json:"creates,omitempty" validate:"dive"`
	Updates []SecretUpdate `json:"updates,omitempty" validate:"dive"`
	Deletes []SecretDelete `json:"deletes,omitempty" validate:"dive"`
}

// Len is the number of proposed mutations.
func (c ChangeSet) Len() int {
	return len(c.Creates) + len(c.Updates) + len(c.Deletes)
}

// CommitSet is the validated, ordered form of a change set.
type CommitSet struct {
	FolderID   string
	SecretPath string
	Commits    []*models.Commit
}

// checkChangeSet validates shape and rejects batches that touch the same
// secret twice. It does no I/O.
func (s *Service) checkChangeSet(scope Scope, changes ChangeSet) error {
	if err := s.checkInput(scope); err != nil {
		return err
	}
	if changes.Len() == 0 {
		return apperr.Validation("empty commits")
	}
	if err := s.checkInput(changes); err != nil {
		return err
	}
	for _, c := range changes.Creates {
		if c.Payload.Key.Ciphertext == "" || c.Payload.Value.Ciphertext == "" {
			return apperr.Validation("created secrets must carry encrypted key and value")
		}
	}

	seen := make(map[string]struct{}, changes.Len())
	claim := func(name string) error {
		if _, dup := seen[name]; dup {
			return apperr.Validation("change set targets the same secret more than once")
		}
		seen[name] = struct{}{}
		return nil
	}
	for _, c := range changes.Creates {
		if err := claim(c.Name); err != nil {
			return err
		}
	}
	for _, u := range changes.Updates {
		if err := claim(u.Name); err != nil {
			return err
		}
	}
	for _, d := range changes.Deletes {
		if err := claim(d.Name); err != nil {
			return err
		}
	}
	for _, u := range changes.Updates {
		if u.NewName != "" && u.NewName != u.Name {
			if err := claim(u.NewName); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveFolder maps a secret path to a folder id. An environment without a
// folder tree only has the root path.
func (s *Service) resolveFolder(ctx context.Context, q storage.Queries, scope Scope) (string, error) {
	folders, err := q.ListFolders(ctx, scope.ProjectID, scope.Environment)
	if err != nil {
		return "", s.classify(err, "folder not found")
	}
	tree := folder.NewTree(folders)
	if tree == nil {
		if folder.Normalize(scope.SecretPath) == "/" {
			return models.RootFolderID, nil
		}
		return "", apperr.NotFound("folder not found")
	}
	f, ok := tree.FindByPath(scope.SecretPath)
	if !ok {
		return "", apperr.NotFound("folder not found")
	}
	return f.ID, nil
}

// indexAll computes the blind index of every name, keyed by name.
func (s *Service) indexAll(salt []byte, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, n := range names {
		idx, err := s.indexer.BlindIndex(n, salt)
		if err != nil {
			return nil, err
		}
		out[n] = idx
	}
	return out, nil
}

func values(m map[string]string, keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

// BuildCommits validates a change set against the current secrets of the
// target folder and returns commits ordered creates, updates, deletes.
// Secrets are identified by blind index only.
func (s *Service) BuildCommits(ctx context.Context, scope Scope, changes ChangeSet) (*CommitSet, error) {
	if err := s.checkChangeSet(scope, changes); err != nil {
		return nil, err
	}

	folderID, err := s.resolveFolder(ctx, s.store, scope)
	if err != nil {
		return nil, err
	}

	salt, err := s.indexer.WorkspaceSalt(ctx, scope.ProjectID)
	if err != nil {
		return nil, s.classify(err, "blind index salt not found")
	}

	names := make([]string, 0, changes.Len()*2)
	for _, c := range changes.Creates {
		names = append(names, c.Name)
	}
	for _, u := range changes.Updates {
		names = append(names, u.Name)
		if u.NewName != "" && u.NewName != u.Name {
			names = append(names, u.NewName)
		}
	}
	for _, d := range changes.Deletes {
		names = append(names, d.Name)
	}
	index, err := s.indexAll(salt, names)
	if err != nil {
		return nil, apperr.Storage(err)
	}

	filter := storage.SecretFilter{
		ProjectID:   scope.ProjectID,
		Environment: scope.Environment,
		FolderID:    folderID,
		Type:        models.SecretShared,
	}
	find := func(keys []string) ([]*models.Secret, error) {
		f := filter
		f.BlindIndexes = values(index, keys)
		found, err := s.store.FindSecrets(ctx, f)
		return found, s.classify(err, "secret not found")
	}

	commits := make([]*models.Commit, 0, changes.Len())

	if len(changes.Creates) > 0 {
		keys := make([]string, len(changes.Creates))
		for i, c := range changes.Creates {
			keys[i] = c.Name
		}
		existing, err := find(keys)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return nil, apperr.Conflict("secrets already exist")
		}
		for _, c := range changes.Creates {
			payload := c.Payload.Normalized()
			payload.BlindIndex = index[c.Name]
			commits = append(commits, &models.Commit{ID: uuid.New(), Op: models.OpCreate, NewVersion: &payload})
		}
	}

	if len(changes.Updates) > 0 {
		keys := make([]string, len(changes.Updates))
		var renamed []string
		for i, u := range changes.Updates {
			keys[i] = u.Name
			if u.NewName != "" && u.NewName != u.Name {
				renamed = append(renamed, u.NewName)
			}
		}
		existing, err := find(keys)
		if err != nil {
			return nil, err
		}
		if len(existing) != len(changes.Updates) {
			return nil, apperr.Conflict("secrets to update do not exist")
		}
		if len(renamed) > 0 {
			taken, err := find(renamed)
			if err != nil {
				return nil, err
			}
			if len(taken) > 0 {
				return nil, apperr.Conflict("secret with new name already exists")
			}
		}
		byIndex := make(map[string]*models.Secret, len(existing))
		for _, sec := range existing {
			byIndex[sec.BlindIndex] = sec
		}
		for _, u := range changes.Updates {
			sec := byIndex[index[u.Name]]
			payload := u.Payload
			payload.BlindIndex = ""
			if u.NewName != "" && u.NewName != u.Name {
				payload.BlindIndex = index[u.NewName]
			}
			id := sec.ID
			commits = append(commits, &models.Commit{
				ID:            uuid.New(),
				Op:            models.OpUpdate,
				SecretID:      &id,
				SecretVersion: max(sec.Version, 1),
				NewVersion:    &payload,
			})
		}
	}

	if len(changes.Deletes) > 0 {
		keys := make([]string, len(changes.Deletes))
		for i, d := range changes.Deletes {
			keys[i] = d.Name
		}
		existing, err := find(keys)
		if err != nil {
			return nil, err
		}
		if len(existing) != len(changes.Deletes) {
			return nil, apperr.NotFound("deleted secrets not found")
		}
		byIndex := make(map[string]*models.Secret, len(existing))
		for _, sec := range existing {
			byIndex[sec.BlindIndex] = sec
		}
		for _, d := range changes.Deletes {
			sec := byIndex[index[d.Name]]
			id := sec.ID
			commits = append(commits, &models.Commit{
				ID:            uuid.New(),
				Op:            models.OpDelete,
				SecretID:      &id,
				SecretVersion: sec.Version,
			})
		}
	}

	return &CommitSet{FolderID: folderID, SecretPath: folder.Normalize(scope.SecretPath), Commits: commits}, nil
}
