package models

import (
	"time"

	"github.com/google/uuid"
)

// RootFolderID identifies the root of an environment that has no folder tree yet.
const RootFolderID = "root"

// Folder is a node of an environment's folder tree. The root has no parent.
type Folder struct {
	ID          string
	ProjectID   uuid.UUID
	Environment string
	Name        string
	ParentID    string
	CreatedAt   time.Time
}

// IsRoot reports whether f is the root of its tree.
func (f *Folder) IsRoot() bool { return f.ParentID == "" }
