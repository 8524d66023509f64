package folder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretapproval/pkg/models"
)

func sampleTree(t *testing.T) *Tree {
	t.Helper()
	tree := NewTree([]*models.Folder{
		{ID: "r", Name: "root"},
		{ID: "a", Name: "app", ParentID: "r"},
		{ID: "b", Name: "db", ParentID: "a"},
		{ID: "c", Name: "db", ParentID: "r"},
	})
	require.NotNil(t, tree)
	return tree
}

func TestFindByPath(t *testing.T) {
	tree := sampleTree(t)

	cases := map[string]string{
		"/":         "r",
		"":          "r",
		"/app":      "a",
		"/app/":     "a",
		"/app/db":   "b",
		"/db":       "c",
		"//app//db": "b",
	}
	for p, want := range cases {
		f, ok := tree.FindByPath(p)
		require.True(t, ok, p)
		assert.Equal(t, want, f.ID, p)
	}

	_, ok := tree.FindByPath("/app/missing")
	assert.False(t, ok)
}

func TestPathOf(t *testing.T) {
	tree := sampleTree(t)
	assert.Equal(t, "/", tree.PathOf("r"))
	assert.Equal(t, "/app/db", tree.PathOf("b"))
	assert.Equal(t, "", tree.PathOf("nope"))
}

func TestNilTree(t *testing.T) {
	var tree *Tree
	assert.Nil(t, NewTree(nil))
	_, ok := tree.FindByPath("/")
	assert.False(t, ok)
	assert.Equal(t, "", tree.PathOf("r"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "/", Normalize(""))
	assert.Equal(t, "/", Normalize("/"))
	assert.Equal(t, "/a/b", Normalize("a/b/"))
}
