package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/onexay/modelhub/internal/types"
)

// TreeHash returns a digest identifying the tree's content. Inline content is
// covered through each entry's oid.
func TreeHash(tree types.Tree) string {
	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	h := sha256.New()
	for _, p := range paths {
		e := tree[p]
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\n", p, e.Class, e.OID, e.Size)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func computeCommitHash(repo, treeHash string, parents []string, author types.Author, message string, ts time.Time) string {
	payload := strings.Join([]string{
		repo,
		treeHash,
		strings.Join(parents, ","),
		author.ID,
		message,
		ts.Format(time.RFC3339Nano),
	}, "\n")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
