package refs

import (
	"context"

	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/tree"
	"github.com/onexay/modelhub/internal/types"
)

// FileChange is one changed path with its unified diff when both sides are
// small inline text.
type FileChange struct {
	tree.Change
	Patch string `json:"patch,omitempty"`
}

// Comparison describes how head differs from base.
type Comparison struct {
	Base      string       `json:"base"`
	Head      string       `json:"head"`
	MergeBase string       `json:"mergeBase,omitempty"`
	Files     []FileChange `json:"files"`
}

// Compare diffs the trees of two revisions.
func (m *Mutator) Compare(ctx context.Context, id types.RepoID, base, head string) (Comparison, error) {
	if _, err := m.repository(ctx, id); err != nil {
		return Comparison{}, err
	}
	from, err := m.resolve(ctx, id, base)
	if err != nil {
		return Comparison{}, err
	}
	to, err := m.resolve(ctx, id, head)
	if err != nil {
		return Comparison{}, err
	}
	mb, err := storage.MergeBase(ctx, m.store, id.String(), from.Hash, to.Hash)
	if err != nil {
		return Comparison{}, err
	}
	a, err := m.treeOf(ctx, id, from.Hash)
	if err != nil {
		return Comparison{}, err
	}
	b, err := m.treeOf(ctx, id, to.Hash)
	if err != nil {
		return Comparison{}, err
	}
	out := Comparison{Base: from.Hash, Head: to.Hash, MergeBase: mb, Files: []FileChange{}}
	for _, c := range tree.Diff(a, b) {
		out.Files = append(out.Files, FileChange{Change: c, Patch: tree.Patch(c)})
	}
	return out, nil
}
