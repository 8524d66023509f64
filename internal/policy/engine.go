package policy

import (
	"context"
	"path"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/org/secretapproval/pkg/models"
)

// PolicyLister is the minimal interface the Engine needs from storage.
type PolicyLister interface {
	ListPolicies(ctx context.Context, projectID uuid.UUID, environment string) ([]*models.Policy, error)
}

// Engine resolves the approval policy governing a secret path.
type Engine struct {
	store PolicyLister
}

// NewEngine creates a new policy Engine backed by the given storage.
func NewEngine(store PolicyLister) *Engine {
	return &Engine{store: store}
}

// Resolve returns the policy governing secretPath in the environment, or nil
// when no policy applies.
func (e *Engine) Resolve(ctx context.Context, projectID uuid.UUID, environment, secretPath string) (*models.Policy, error) {
	policies, err := e.store.ListPolicies(ctx, projectID, environment)
	if err != nil {
		return nil, err
	}
	return Select(policies, secretPath), nil
}

// Priority scores how specifically a policy targets a path:
// exact path 2, glob 1, whole environment 0.
func Priority(p *models.Policy) int {
	switch {
	case p.SecretPath == "":
		return 0
	case containsGlob(p.SecretPath):
		return 1
	default:
		return 2
	}
}

// Select picks the applicable policy with the highest priority. Policies of
// equal priority keep their input order, so callers pass them oldest first.
func Select(policies []*models.Policy, secretPath string) *models.Policy {
	var applicable []*models.Policy
	for _, p := range policies {
		if p.DeletedAt != nil {
			continue
		}
		if p.SecretPath == "" || Matches(p.SecretPath, secretPath) {
			applicable = append(applicable, p)
		}
	}
	if len(applicable) == 0 {
		return nil
	}
	slices.SortStableFunc(applicable, func(a, b *models.Policy) int {
		return Priority(b) - Priority(a)
	})
	return applicable[0]
}

// Matches reports whether secretPath falls under a policy path. Trailing
// slashes are ignored on both sides.
func Matches(policyPath, secretPath string) bool {
	pattern := normalize(policyPath)
	reqPath := normalize(secretPath)
	if !containsGlob(pattern) {
		return pattern == reqPath
	}
	for _, alt := range expandBraces(pattern) {
		if matchPath(alt, reqPath) {
			return true
		}
	}
	return false
}

func normalize(p string) string {
	return strings.Trim(p, "/")
}

func containsGlob(p string) bool {
	return strings.ContainsAny(p, "*?[]{}")
}

// matchPath matches reqPath against a glob pattern.
//   - "app/*"  matches one additional path segment
//   - "app/**" matches any number of segments, including zero
func matchPath(pattern, reqPath string) bool {
	if strings.Contains(pattern, "**") {
		prefix, suffix, _ := strings.Cut(pattern, "**")
		if reqPath+"/" == prefix {
			return strings.Trim(suffix, "/") == ""
		}
		if !strings.HasPrefix(reqPath, prefix) {
			return false
		}
		suffix = strings.TrimPrefix(suffix, "/")
		if suffix == "" {
			return true
		}
		segs := strings.Split(reqPath[len(prefix):], "/")
		for i := range segs {
			if matchPath(suffix, strings.Join(segs[i:], "/")) {
				return true
			}
		}
		return false
	}

	matched, err := path.Match(pattern, reqPath)
	if err != nil {
		return false
	}
	return matched
}

// expandBraces turns "a/{b,c}/d" into ["a/b/d", "a/c/d"].
func expandBraces(pattern string) []string {
	open := strings.IndexByte(pattern, '{')
	if open < 0 {
		return []string{pattern}
	}
	depth, closeAt := 0, -1
	var cuts []int
	for i := open; i < len(pattern) && closeAt < 0; i++ {
		switch pattern[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				closeAt = i
			}
		case ',':
			if depth == 1 {
				cuts = append(cuts, i)
			}
		}
	}
	if closeAt < 0 {
		return []string{pattern}
	}
	var alts []string
	start := open + 1
	for _, c := range append(cuts, closeAt) {
		alts = append(alts, pattern[start:c])
		start = c + 1
	}
	head, tail := pattern[:open], pattern[closeAt+1:]
	var out []string
	for _, alt := range alts {
		out = append(out, expandBraces(head+alt+tail)...)
	}
	return out
}
