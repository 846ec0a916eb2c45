// Package resolver maps a model-requested tool name to a catalog entry,
// tolerating small name corruption with a similarity fallback.
package resolver

import (
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/tools"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "resolver")

// DefaultThreshold is the minimum normalized similarity for a fuzzy match.
const DefaultThreshold = 0.7

// ErrNotFound is returned when no catalog entry matches the requested name.
var ErrNotFound = errors.New("tool not found")

// Resolution is the outcome of resolving a requested name. When Fuzzy is
// set, Definition.Name differs from RequestedName and the substitution is
// recorded on the execution record.
type Resolution struct {
	Definition    tools.Definition
	RequestedName string
	Fuzzy         bool
	Similarity    float64
}

// Resolver resolves names against one immutable catalog snapshot, so every
// call in a turn sees the same set of tools.
type Resolver struct {
	byName    map[string]tools.Definition
	names     []string
	threshold float64
}

// New returns a Resolver over the given catalog snapshot.
func New(defs []tools.Definition) *Resolver {
	return NewWithThreshold(defs, DefaultThreshold)
}

// NewWithThreshold returns a Resolver with a custom similarity threshold.
func NewWithThreshold(defs []tools.Definition, threshold float64) *Resolver {
	r := &Resolver{
		byName:    make(map[string]tools.Definition, len(defs)),
		names:     make([]string, 0, len(defs)),
		threshold: threshold,
	}
	for _, d := range defs {
		if _, ok := r.byName[d.Name]; !ok {
			r.names = append(r.names, d.Name)
		}
		// last writer wins on duplicate names
		r.byName[d.Name] = d
	}
	return r
}

// Names returns the known tool names in catalog order.
func (r *Resolver) Names() []string {
	return r.names
}

// Resolve finds an exact match, or the closest name above the similarity
// threshold. Returns ErrNotFound when nothing clears the threshold.
func (r *Resolver) Resolve(requested string) (*Resolution, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return nil, errors.WithMessage(ErrNotFound, "empty tool name")
	}

	if d, ok := r.byName[requested]; ok {
		return &Resolution{
			Definition:    d,
			RequestedName: requested,
		}, nil
	}

	bestName := ""
	bestScore := 0.0
	for _, name := range r.names {
		score := similarity(requested, name)
		if score > bestScore {
			bestScore = score
			bestName = name
		}
	}

	if bestName == "" || bestScore < r.threshold {
		return nil, errors.WithMessagef(ErrNotFound, "no match for %q", requested)
	}

	logger.KV(xlog.DEBUG,
		"reason", "fuzzy_resolved",
		"requested", requested,
		"resolved", bestName,
		"similarity", bestScore,
	)

	return &Resolution{
		Definition:    r.byName[bestName],
		RequestedName: requested,
		Fuzzy:         true,
		Similarity:    bestScore,
	}, nil
}

// similarity is a normalized edit-distance ratio on a 0-1 scale.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
