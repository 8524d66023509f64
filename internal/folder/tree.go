// Package folder resolves secret paths against an environment's folder tree.
package folder

import (
	"strings"

	"github.com/org/secretapproval/pkg/models"
)

// Tree is an arena of folder nodes indexed by id. Nodes only point at their
// parent; children are looked up through the index.
type Tree struct {
	nodes    map[string]*models.Folder
	children map[string]map[string]string // parent id -> name -> child id
	root     *models.Folder
}

// NewTree indexes the folders of one environment. It returns nil when the
// environment has no root folder yet.
func NewTree(folders []*models.Folder) *Tree {
	t := &Tree{
		nodes:    make(map[string]*models.Folder, len(folders)),
		children: make(map[string]map[string]string),
	}
	for _, f := range folders {
		t.nodes[f.ID] = f
		if f.IsRoot() {
			t.root = f
			continue
		}
		if t.children[f.ParentID] == nil {
			t.children[f.ParentID] = make(map[string]string)
		}
		t.children[f.ParentID][f.Name] = f.ID
	}
	if t.root == nil {
		return nil
	}
	return t
}

// Root returns the root folder.
func (t *Tree) Root() *models.Folder { return t.root }

// FindByPath walks secretPath from the root. "/" resolves to the root itself.
func (t *Tree) FindByPath(secretPath string) (*models.Folder, bool) {
	if t == nil {
		return nil, false
	}
	cur := t.root
	for _, seg := range Segments(secretPath) {
		id, ok := t.children[cur.ID][seg]
		if !ok {
			return nil, false
		}
		cur = t.nodes[id]
	}
	return cur, true
}

// PathOf returns the absolute path of a folder, or "" if id is unknown.
func (t *Tree) PathOf(id string) string {
	if t == nil {
		return ""
	}
	var segs []string
	for f, ok := t.nodes[id]; ok; f, ok = t.nodes[f.ParentID] {
		if f.IsRoot() {
			return "/" + strings.Join(reverse(segs), "/")
		}
		segs = append(segs, f.Name)
	}
	return ""
}

// Segments splits a slash separated path, dropping empty segments.
func Segments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Normalize returns p with a single leading slash and no trailing slash.
func Normalize(p string) string {
	return "/" + strings.Join(Segments(p), "/")
}

func reverse(s []string) []string {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	return s
}
