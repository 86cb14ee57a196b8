package tree

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/onexay/modelhub/internal/types"
)

func entry(path, oid string) types.Entry {
	return types.Entry{Path: path, Size: int64(len(oid)), OID: oid, Class: types.StorageLFS}
}

func TestDiff(t *testing.T) {
	a := types.Tree{"keep": entry("keep", "1"), "gone": entry("gone", "2"), "edit": entry("edit", "3")}
	b := types.Tree{"keep": entry("keep", "1"), "new": entry("new", "4"), "edit": entry("edit", "33")}

	changes := Diff(a, b)
	var got []string
	for _, c := range changes {
		got = append(got, string(c.Kind)+":"+c.Path)
	}
	want := []string{"modified:edit", "removed:gone", "added:new"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected changes (-want +got):\n%s", diff)
	}
	if len(Diff(a, a)) != 0 {
		t.Fatalf("expected no changes for identical trees")
	}
}

func TestMerge3Strategies(t *testing.T) {
	base := types.Tree{
		"shared":   entry("shared", "b"),
		"ours":     entry("ours", "b"),
		"theirs":   entry("theirs", "b"),
		"deleted":  entry("deleted", "b"),
		"conflict": entry("conflict", "b"),
	}
	ours := types.Tree{
		"shared":   entry("shared", "b"),
		"ours":     entry("ours", "o"),
		"theirs":   entry("theirs", "b"),
		"conflict": entry("conflict", "o"),
		"added":    entry("added", "x"),
	}
	theirs := types.Tree{
		"shared":   entry("shared", "b"),
		"ours":     entry("ours", "b"),
		"theirs":   entry("theirs", "t"),
		"deleted":  entry("deleted", "b"),
		"conflict": entry("conflict", "t"),
		"added":    entry("added", "x"),
	}

	result, conflicts := Merge3(base, ours, theirs, StrategyNone)
	if diff := cmp.Diff([]string{"conflict"}, conflicts); diff != "" {
		t.Fatalf("unexpected conflicts (-want +got):\n%s", diff)
	}
	if _, ok := result["deleted"]; ok {
		t.Fatalf("deletion on one side should win over an unchanged side")
	}
	if result["ours"].OID != "o" || result["theirs"].OID != "t" || result["added"].OID != "x" {
		t.Fatalf("clean merges not applied: %+v", result)
	}

	for strategy, want := range map[Strategy]string{StrategyOurs: "o", StrategyTheirs: "t"} {
		// Run twice to check determinism.
		for i := 0; i < 2; i++ {
			result, conflicts := Merge3(base, ours, theirs, strategy)
			if len(conflicts) != 0 {
				t.Fatalf("%s: unexpected conflicts %v", strategy, conflicts)
			}
			if result["conflict"].OID != want {
				t.Fatalf("%s: conflict resolved to %s, want %s", strategy, result["conflict"].OID, want)
			}
		}
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
		ok   bool
	}{
		{"", StrategyNone, true},
		{"none", StrategyNone, true},
		{"dest-wins", StrategyOurs, true},
		{"source-wins", StrategyTheirs, true},
		{"ours", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseStrategy(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("ParseStrategy(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMerge3ModifyDeleteConflict(t *testing.T) {
	base := types.Tree{"f": entry("f", "b")}
	ours := types.Tree{}
	theirs := types.Tree{"f": entry("f", "t")}

	_, conflicts := Merge3(base, ours, theirs, StrategyNone)
	if len(conflicts) != 1 || conflicts[0] != "f" {
		t.Fatalf("expected modify/delete conflict, got %v", conflicts)
	}
	result, _ := Merge3(base, ours, theirs, StrategyTheirs)
	if result["f"].OID != "t" {
		t.Fatalf("source-wins should keep the modified file")
	}
	result, _ = Merge3(base, ours, theirs, StrategyOurs)
	if _, ok := result["f"]; ok {
		t.Fatalf("dest-wins should keep the deletion")
	}
}

func TestSubtree(t *testing.T) {
	tr := types.Tree{
		"data/a":     entry("data/a", "1"),
		"data/sub/b": entry("data/sub/b", "2"),
		"database/c": entry("database/c", "3"),
		"readme":     entry("readme", "4"),
	}
	got := SortedPaths(Subtree(tr, "data/"))
	if diff := cmp.Diff([]string{"data/a", "data/sub/b"}, got); diff != "" {
		t.Fatalf("unexpected subtree (-want +got):\n%s", diff)
	}
}

func TestPatch(t *testing.T) {
	c := Change{
		Path: "README.md",
		Kind: Modified,
		Old:  &types.Entry{Path: "README.md", Class: types.StorageInline, Content: []byte("hello\n")},
		New:  &types.Entry{Path: "README.md", Class: types.StorageInline, Content: []byte("hello\nworld\n")},
	}
	p := Patch(c)
	if !strings.Contains(p, "+world") || !strings.Contains(p, "--- a/README.md") {
		t.Fatalf("unexpected patch:\n%s", p)
	}
	lfs := entry("w.bin", "x")
	if Patch(Change{Path: "w.bin", Kind: Added, New: &lfs}) != "" {
		t.Fatalf("LFS entries must not be diffed")
	}
}
