// Package role decides which part a node plays in a run from the artifacts of
// its run kit.
//
// Resolution walks an ordered list of strategies and the first one that
// produces a role wins. A kit with nothing recognizable resolves to Observer,
// never Contributor.
package role

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Role is the part a node plays in one run.
type Role string

const (
	Contributor Role = "contributor"
	Observer    Role = "observer"
)

// Default is returned when no strategy matches.
const Default = Observer

// CanonicalPath is where current kits declare the role.
const CanonicalPath = "startup/participant_role.json"

// LegacyPaths are declaration files written by older provisioners.
var LegacyPaths = []string{
	"participant_role.json",
	"local/participant_role.json",
	"role.json",
}

// ErrMalformed marks a declaration that exists but cannot be parsed.
var ErrMalformed = errors.New("role: malformed declaration")

// Parse accepts "contributor" or "observer", case-insensitively.
func Parse(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case Contributor:
		return Contributor, true
	case Observer:
		return Observer, true
	default:
		return "", false
	}
}

// Strategy is one step of the resolution chain. ok is false when the
// strategy has no opinion; err reports a declaration that was present but
// unusable, after which resolution moves on.
type Strategy interface {
	Name() string
	Resolve(kitDir string) (r Role, ok bool, err error)
}

// Result describes how a role was decided.
type Result struct {
	Role Role
	// Strategy that produced Role, "default" when none matched.
	Source string
	// Declarations that were found but skipped.
	Skipped []error
}

// Resolver applies strategies in order.
type Resolver struct {
	strategies []Strategy
}

// NewResolver returns a resolver over strategies. With none given it uses
// DefaultStrategies.
func NewResolver(strategies ...Strategy) *Resolver {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Resolver{strategies: strategies}
}

// DefaultStrategies is the canonical file, the legacy files, then subtree
// inference.
func DefaultStrategies() []Strategy {
	out := []Strategy{File{Path: CanonicalPath}}
	for _, p := range LegacyPaths {
		out = append(out, File{Path: p})
	}
	out = append(out,
		Subtree{Role: Contributor, Markers: []string{"site", "startup/client.json"}},
		Subtree{Role: Observer, Markers: []string{"observer"}},
	)
	return out
}

// Resolve returns the first role any strategy produces, or Default.
func (r *Resolver) Resolve(kitDir string) Result {
	var skipped []error
	for _, s := range r.strategies {
		got, ok, err := s.Resolve(kitDir)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if ok {
			return Result{Role: got, Source: s.Name(), Skipped: skipped}
		}
	}
	return Result{Role: Default, Source: "default", Skipped: skipped}
}

// Resolve runs the default chain.
func Resolve(kitDir string) Result {
	return NewResolver().Resolve(kitDir)
}

// File reads a JSON declaration at Path relative to the kit. Both
// {"role":"contributor"} and a bare "contributor" string are accepted.
type File struct {
	Path string
}

func (f File) Name() string { return "file:" + f.Path }

func (f File) Resolve(kitDir string) (Role, bool, error) {
	data, err := os.ReadFile(filepath.Join(kitDir, filepath.FromSlash(f.Path)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var decl struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(data, &decl); err != nil {
		var bare string
		if json.Unmarshal(data, &bare) != nil {
			return "", false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		decl.Role = bare
	}
	r, ok := Parse(decl.Role)
	if !ok {
		return "", false, fmt.Errorf("%w: unknown role %q", ErrMalformed, decl.Role)
	}
	return r, true, nil
}

// Subtree infers Role when any marker path exists in the kit.
type Subtree struct {
	Role    Role
	Markers []string
}

func (s Subtree) Name() string { return "subtree:" + string(s.Role) }

func (s Subtree) Resolve(kitDir string) (Role, bool, error) {
	for _, m := range s.Markers {
		if _, err := os.Stat(filepath.Join(kitDir, filepath.FromSlash(m))); err == nil {
			return s.Role, true, nil
		}
	}
	return "", false, nil
}
