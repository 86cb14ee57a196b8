package commit

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/onexay/modelhub/internal/apierr"
)

// MediaType is the content type of commit request bodies.
const MediaType = "application/x-ndjson"

// Operation keys on the wire.
const (
	OpFile          = "file"
	OpLFSFile       = "lfsFile"
	OpDeletedFile   = "deletedFile"
	OpDeletedFolder = "deletedFolder"
	OpCopyFile      = "copyFile"
)

// Header carries commit metadata. It must be the first line.
type Header struct {
	Summary      string `json:"summary"`
	Description  string `json:"description"`
	ParentCommit string `json:"parentCommit,omitempty"`
}

// Operation is one decoded line after the header. Which fields are set depends
// on Key.
type Operation struct {
	Key  string
	Path string

	Content []byte // file

	OID  string // lfsFile
	Size int64  // lfsFile

	SrcPath     string // copyFile
	SrcRevision string // copyFile
}

// Request is a fully decoded commit body.
type Request struct {
	Header     Header
	Operations []Operation
}

type line struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type fileValue struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type lfsFileValue struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type pathValue struct {
	Path string `json:"path"`
}

type copyFileValue struct {
	Path        string `json:"path"`
	SrcPath     string `json:"srcPath"`
	SrcRevision string `json:"srcRevision"`
}

// Decode reads a whole NDJSON commit body. Nothing is applied here; the
// engine validates the full sequence before committing any of it.
func Decode(r io.Reader) (Request, error) {
	dec := json.NewDecoder(r)
	var req Request
	for n := 1; ; n++ {
		var l line
		err := dec.Decode(&l)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Request{}, apierr.Validation("line %d: malformed json: %v", n, err)
		}
		if n == 1 {
			if l.Key != "header" {
				return Request{}, apierr.Validation("first line must be the header, got %q", l.Key)
			}
			if err := json.Unmarshal(l.Value, &req.Header); err != nil {
				return Request{}, apierr.Validation("header: %v", err)
			}
			continue
		}
		op, err := decodeOperation(l)
		if err != nil {
			return Request{}, apierr.Validation("line %d: %v", n, err)
		}
		req.Operations = append(req.Operations, op)
	}
	if req.Header == (Header{}) && req.Operations == nil {
		return Request{}, apierr.Validation("empty commit body")
	}
	if strings.TrimSpace(req.Header.Summary) == "" {
		return Request{}, apierr.Validation("commit summary is required")
	}
	return req, nil
}

func decodeOperation(l line) (Operation, error) {
	switch l.Key {
	case OpFile:
		var v fileValue
		if err := json.Unmarshal(l.Value, &v); err != nil {
			return Operation{}, err
		}
		content, err := decodeContent(v.Content, v.Encoding)
		if err != nil {
			return Operation{}, fmt.Errorf("%s: %w", v.Path, err)
		}
		return Operation{Key: l.Key, Path: v.Path, Content: content}, nil
	case OpLFSFile:
		var v lfsFileValue
		if err := json.Unmarshal(l.Value, &v); err != nil {
			return Operation{}, err
		}
		if v.Algo != "" && v.Algo != "sha256" {
			return Operation{}, fmt.Errorf("%s: unsupported algo %q", v.Path, v.Algo)
		}
		return Operation{Key: l.Key, Path: v.Path, OID: v.OID, Size: v.Size}, nil
	case OpDeletedFile, OpDeletedFolder:
		var v pathValue
		if err := json.Unmarshal(l.Value, &v); err != nil {
			return Operation{}, err
		}
		return Operation{Key: l.Key, Path: v.Path}, nil
	case OpCopyFile:
		var v copyFileValue
		if err := json.Unmarshal(l.Value, &v); err != nil {
			return Operation{}, err
		}
		return Operation{Key: l.Key, Path: v.Path, SrcPath: v.SrcPath, SrcRevision: v.SrcRevision}, nil
	case "header":
		return Operation{}, errors.New("header must appear only once, on the first line")
	}
	return Operation{}, fmt.Errorf("unknown operation %q", l.Key)
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "base64":
		b, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content: %w", err)
		}
		return b, nil
	case "", "utf-8", "utf8":
		return []byte(content), nil
	}
	return nil, fmt.Errorf("unsupported encoding %q", encoding)
}

// CleanPath normalizes a repository path and rejects paths that escape the
// tree or touch git metadata.
func CleanPath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", apierr.Validation("path is required")
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".", "..":
			return "", apierr.Validation("invalid path %q", p)
		case ".git":
			return "", apierr.Validation("path %q is reserved", p)
		}
	}
	return path.Clean(p), nil
}
