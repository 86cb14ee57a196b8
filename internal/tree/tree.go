// Package tree implements diff and three-way merge over flat path trees.
package tree

import (
	"slices"
	"strings"

	"github.com/onexay/modelhub/internal/types"
)

// ChangeKind classifies a path-level difference.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Removed  ChangeKind = "removed"
	Modified ChangeKind = "modified"
)

// Change is one path that differs between two trees.
type Change struct {
	Path string       `json:"path"`
	Kind ChangeKind   `json:"type"`
	Old  *types.Entry `json:"old,omitempty"`
	New  *types.Entry `json:"new,omitempty"`
}

// Diff lists the changes that turn a into b, sorted by path.
func Diff(a, b types.Tree) []Change {
	var out []Change
	for _, p := range unionPaths(a, b) {
		oldE, inA := a[p]
		newE, inB := b[p]
		switch {
		case inA && !inB:
			out = append(out, Change{Path: p, Kind: Removed, Old: &oldE})
		case !inA && inB:
			out = append(out, Change{Path: p, Kind: Added, New: &newE})
		case !oldE.Equal(newE):
			out = append(out, Change{Path: p, Kind: Modified, Old: &oldE, New: &newE})
		}
	}
	return out
}

// Equal reports whether two trees hold identical content at identical paths.
func Equal(a, b types.Tree) bool {
	if len(a) != len(b) {
		return false
	}
	for p, e := range a {
		o, ok := b[p]
		if !ok || !e.Equal(o) {
			return false
		}
	}
	return true
}

// Strategy picks a side for conflicting paths.
type Strategy string

const (
	// StrategyNone reports conflicts instead of resolving them.
	StrategyNone Strategy = ""
	// StrategyOurs keeps the destination side.
	StrategyOurs Strategy = "dest-wins"
	// StrategyTheirs takes the source side.
	StrategyTheirs Strategy = "source-wins"
)

// ParseStrategy accepts the wire names of the merge strategies. "none" is an
// alias for StrategyNone.
func ParseStrategy(s string) (Strategy, bool) {
	if s == "none" {
		return StrategyNone, true
	}
	switch Strategy(s) {
	case StrategyNone, StrategyOurs, StrategyTheirs:
		return Strategy(s), true
	}
	return "", false
}

// Merge3 merges ours and theirs relative to base. Paths changed identically on
// both sides, or on only one side, merge cleanly. Paths changed differently are
// resolved by strategy; with StrategyNone they are returned as sorted conflicts
// and the result keeps ours for them.
func Merge3(base, ours, theirs types.Tree, strategy Strategy) (types.Tree, []string) {
	result := make(types.Tree)
	var conflicts []string
	for _, p := range unionPaths(base, ours, theirs) {
		b, inBase := base[p]
		o, inOurs := ours[p]
		t, inTheirs := theirs[p]

		var (
			pick types.Entry
			keep bool
		)
		switch {
		case same(o, inOurs, t, inTheirs), same(b, inBase, t, inTheirs):
			pick, keep = o, inOurs
		case same(b, inBase, o, inOurs):
			pick, keep = t, inTheirs
		default:
			switch strategy {
			case StrategyTheirs:
				pick, keep = t, inTheirs
			case StrategyOurs:
				pick, keep = o, inOurs
			default:
				conflicts = append(conflicts, p)
				pick, keep = o, inOurs
			}
		}
		if keep {
			result[p] = pick
		}
	}
	return result, conflicts
}

func same(a types.Entry, okA bool, b types.Entry, okB bool) bool {
	if okA != okB {
		return false
	}
	return !okA || a.Equal(b)
}

// Subtree returns the entries at or below dir. An empty dir selects everything.
func Subtree(t types.Tree, dir string) types.Tree {
	dir = strings.Trim(dir, "/")
	out := make(types.Tree)
	for p, e := range t {
		if dir == "" || p == dir || strings.HasPrefix(p, dir+"/") {
			out[p] = e
		}
	}
	return out
}

// LargeObjects returns the distinct LFS objects referenced by t, keyed by oid.
func LargeObjects(t types.Tree) map[string]int64 {
	out := make(map[string]int64)
	for _, e := range t {
		if e.Class == types.StorageLFS {
			out[e.OID] = e.Size
		}
	}
	return out
}

// Contents returns the distinct content oids referenced by t with their sizes.
func Contents(t types.Tree) map[string]int64 {
	out := make(map[string]int64, len(t))
	for _, e := range t {
		out[e.OID] = e.Size
	}
	return out
}

// SortedPaths returns the paths of t in lexical order.
func SortedPaths(t types.Tree) []string {
	out := make([]string, 0, len(t))
	for p := range t {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func unionPaths(trees ...types.Tree) []string {
	seen := make(map[string]struct{})
	for _, t := range trees {
		for p := range t {
			seen[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
