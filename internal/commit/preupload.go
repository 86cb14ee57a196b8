package commit

import (
	"bytes"
	"context"
	"encoding/base64"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/types"
)

// PreuploadFile is one entry of a preupload request. Sample is the base64 of
// the first bytes of the file.
type PreuploadFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sample string `json:"sample"`
	SHA256 string `json:"sha256,omitempty"`
}

// PreuploadResult tells the client how to upload one file.
type PreuploadResult struct {
	Path         string `json:"path"`
	UploadMode   string `json:"uploadMode"`
	ShouldIgnore bool   `json:"shouldIgnore"`
	OID          string `json:"oid,omitempty"`
}

// Preupload decides the upload mode of each file against revision. A file
// is ignored when the revision already holds identical content at its path.
func (e *Engine) Preupload(ctx context.Context, id types.RepoID, revision string, files []PreuploadFile) ([]PreuploadResult, error) {
	if _, err := e.reg.GetRepository(ctx, id); err != nil {
		return nil, apierr.From(err)
	}
	current, err := e.revisionTree(ctx, id.String(), revision, map[string]types.Tree{})
	if err != nil {
		return nil, err
	}
	out := make([]PreuploadResult, 0, len(files))
	for _, f := range files {
		p, err := CleanPath(f.Path)
		if err != nil {
			return nil, err
		}
		res := PreuploadResult{Path: f.Path, UploadMode: "regular"}
		if e.RequiresLFS(p, f.Size) || binary(f.Sample) {
			res.UploadMode = "lfs"
		}
		if existing, ok := current[p]; ok {
			res.OID = existing.OID
			res.ShouldIgnore = f.SHA256 != "" && existing.OID == f.SHA256 && existing.Size == f.Size
		}
		out = append(out, res)
	}
	return out, nil
}

// binary reports whether a sample contains a NUL byte, the same heuristic git
// uses to tell text from binary.
func binary(sample string) bool {
	if sample == "" {
		return false
	}
	b, err := base64.StdEncoding.DecodeString(sample)
	if err != nil {
		return false
	}
	return bytes.IndexByte(b, 0) >= 0
}
