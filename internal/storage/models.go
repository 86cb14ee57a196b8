package storage

import "github.com/onexay/modelhub/internal/types"

// CommitRequest describes a new revision to append to a branch.
type CommitRequest struct {
	Repo   string
	Branch string
	// ExpectedHead is the commit the branch must point at for the write to
	// succeed. The write fails with a ConflictError if the head has moved.
	ExpectedHead string
	// Parents of the new commit. Usually []string{ExpectedHead}; merges add the
	// source head and history squashing passes none.
	Parents     []string
	Tree        types.Tree
	Author      types.Author
	Message     string
	Description string
}

// BranchRequest is used to create a branch pointer.
type BranchRequest struct {
	Repo   string
	Name   string
	Commit string
}

// TagRequest is used to create a tag.
type TagRequest struct {
	Repo   string
	Name   string
	Commit string
	Note   string
}

const initialCommitMessage = "initial commit"
