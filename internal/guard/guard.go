package guard

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/felixgeelhaar/enkidu/internal/errs"
)

// Policy defines the limits and scopes for an invocation.
type Policy struct {
	MaxIterations  int      `json:"max_iterations"`
	WritableRoots  []string `json:"writable_roots"`
	ProtectedPaths []string `json:"protected_paths"`
	ProtectedGlobs []string `json:"protected_globs"`
	AllowSecrets   bool     `json:"allow_secrets"`
}

// DefaultPolicy provides safe defaults. Roots are filled in by ForDataDir.
var DefaultPolicy = Policy{
	MaxIterations: 6,
}

// ForDataDir derives the standard sandbox layout under dataDir: memories/
// and instructions/ are writable, the index snapshot and sources/ are not.
func ForDataDir(dataDir string, base Policy) Policy {
	l := NewLayout(dataDir)
	base.WritableRoots = []string{l.MemoriesDir(), l.InstructionsDir()}
	base.ProtectedPaths = []string{l.SnapshotPath()}
	base.ProtectedGlobs = []string{filepath.ToSlash(l.SourcesDir()) + "/**"}
	return base
}

// Violation represents a soft breach of policy, such as reaching the
// iteration ceiling.
type Violation struct {
	Rule    string
	Message string
	Fatal   bool
}

// Guard enforces the policy.
type Guard struct {
	policy Policy
}

func New(p Policy) *Guard {
	return &Guard{policy: p}
}

// Policy returns the guard's current policy configuration.
func (g *Guard) Policy() Policy {
	return g.policy
}

// WithAllowSecrets returns a copy of the guard with the secret override set.
func (g *Guard) WithAllowSecrets(allow bool) *Guard {
	p := g.policy
	p.AllowSecrets = allow
	return New(p)
}

// CheckBudget reports when the loop has used up its iterations. Reaching the
// ceiling ends the loop with the last reply; it is not an error.
func (g *Guard) CheckBudget(iteration int) *Violation {
	if g.policy.MaxIterations > 0 && iteration > g.policy.MaxIterations {
		return &Violation{Rule: "max_iterations", Message: "Iteration limit reached", Fatal: false}
	}
	return nil
}

// CheckWritable accepts target only if its canonical form is one of the
// writable roots or lies beneath one.
func (g *Guard) CheckWritable(target string) error {
	resolved, err := canonical(target)
	if err != nil {
		return &errs.ValidationError{Rule: "writable_roots", Path: target, Message: "Path cannot be resolved"}
	}
	for _, root := range g.policy.WritableRoots {
		r, err := canonical(root)
		if err != nil {
			continue
		}
		if resolved == r || strings.HasPrefix(resolved, r+string(filepath.Separator)) {
			return nil
		}
	}
	return &errs.ValidationError{Rule: "writable_roots", Path: resolved, Message: "Path escapes writable roots"}
}

// CheckNotProtected rejects exact protected paths and protected globs, even
// when they sit under a writable root.
func (g *Guard) CheckNotProtected(target string) error {
	resolved, err := canonical(target)
	if err != nil {
		return &errs.ValidationError{Rule: "protected_paths", Path: target, Message: "Path cannot be resolved"}
	}
	for _, p := range g.policy.ProtectedPaths {
		if c, err := canonical(p); err == nil && c == resolved {
			return &errs.ValidationError{Rule: "protected_paths", Path: resolved, Message: "Protected path"}
		}
	}
	for _, pattern := range g.policy.ProtectedGlobs {
		match, err := doublestar.Match(pattern, filepath.ToSlash(resolved))
		if err == nil && match {
			return &errs.ValidationError{Rule: "protected_paths", Path: resolved, Message: "Protected path (read-only)"}
		}
	}
	return nil
}

// CheckMutation runs the writable-root check and then the protected-path
// check. Mutating tools call it before any store call.
func (g *Guard) CheckMutation(target string) error {
	if err := g.CheckWritable(target); err != nil {
		return err
	}
	return g.CheckNotProtected(target)
}

func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
