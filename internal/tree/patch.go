package tree

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/onexay/modelhub/internal/types"
)

// maxPatchBytes bounds the inline content a patch is rendered for.
const maxPatchBytes = 1 << 20

// Patch renders a unified diff for an inline text change. It returns "" for
// LFS entries, binary content, and content too large to diff.
func Patch(c Change) string {
	var previous, current []byte
	if c.Old != nil {
		if !diffable(*c.Old) {
			return ""
		}
		previous = c.Old.Content
	}
	if c.New != nil {
		if !diffable(*c.New) {
			return ""
		}
		current = c.New.Content
	}
	if bytes.Equal(previous, current) {
		return ""
	}

	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(previous)),
		B:        difflib.SplitLines(string(current)),
		FromFile: "a/" + c.Path,
		ToFile:   "b/" + c.Path,
		Context:  3,
	}
	res, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(res)
}

func diffable(e types.Entry) bool {
	if e.Class != types.StorageInline || len(e.Content) > maxPatchBytes {
		return false
	}
	return utf8.Valid(e.Content) && !bytes.ContainsRune(e.Content, 0)
}
