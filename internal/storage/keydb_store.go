package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/modelhub/internal/types"
)

const (
	repoCommitsKeyPrefix = "repo:commits"
)

type keydbStore struct {
	client *redis.Client
	clock  func() time.Time
}

type repoRecord struct {
	DefaultBranch string    `json:"defaultBranch"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Config defines KeyDB connection settings.
type Config struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`
}

// NewKeyDBStore initializes a Store backed by KeyDB.
func NewKeyDBStore(cfg Config) (Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	redisOpts := &redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	}

	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to keydb: %w", err)
	}

	return &keydbStore{client: client, clock: time.Now}, nil
}

func (s *keydbStore) requireRepo(ctx context.Context, repo string) error {
	n, err := s.client.Exists(ctx, repoKey(repo)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Resource: "repository", Key: repo}
	}
	return nil
}

func (s *keydbStore) InitRepository(ctx context.Context, repo, defaultBranch string, author types.Author) (types.Commit, error) {
	if repo == "" || !ValidRefName(defaultBranch) {
		return types.Commit{}, &ValidationError{Message: "repo and a valid default branch are required"}
	}

	now := s.clock().UTC()
	treeHash := TreeHash(types.Tree{})
	commit := types.Commit{
		Repo:       repo,
		AuthorName: author.Name,
		AuthorID:   author.ID,
		Message:    initialCommitMessage,
		TreeHash:   treeHash,
		Timestamp:  now,
	}
	commit.Hash = computeCommitHash(repo, treeHash, nil, author, commit.Message, now)

	repoPayload, err := json.Marshal(repoRecord{DefaultBranch: defaultBranch, CreatedAt: now})
	if err != nil {
		return types.Commit{}, err
	}
	commitPayload, err := json.Marshal(commit)
	if err != nil {
		return types.Commit{}, err
	}
	branchPayload, err := json.Marshal(types.Branch{Repo: repo, Name: defaultBranch, Commit: commit.Hash, UpdatedAt: now})
	if err != nil {
		return types.Commit{}, err
	}

	created, err := s.client.SetNX(ctx, repoKey(repo), repoPayload, 0).Result()
	if err != nil {
		return types.Commit{}, err
	}
	if !created {
		return types.Commit{}, &ConflictError{Resource: "repository", Key: repo}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, treeKey(treeHash), "{}", 0)
	pipe.Set(ctx, commitKey(repo, commit.Hash), commitPayload, 0)
	pipe.ZAdd(ctx, repoCommitsKey(repo), redis.Z{Score: float64(now.UnixNano()), Member: commit.Hash})
	pipe.Set(ctx, branchKey(repo, defaultBranch), branchPayload, 0)
	pipe.SAdd(ctx, branchSetKey(repo), defaultBranch)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.Commit{}, err
	}
	return commit, nil
}

func (s *keydbStore) DeleteRepository(ctx context.Context, repo string) error {
	if err := s.requireRepo(ctx, repo); err != nil {
		return err
	}
	hashes, err := s.client.ZRange(ctx, repoCommitsKey(repo), 0, -1).Result()
	if err != nil {
		return err
	}
	branches, err := s.client.SMembers(ctx, branchSetKey(repo)).Result()
	if err != nil {
		return err
	}
	tags, err := s.client.SMembers(ctx, tagSetKey(repo)).Result()
	if err != nil {
		return err
	}

	keys := []string{repoKey(repo), repoCommitsKey(repo), branchSetKey(repo), tagSetKey(repo)}
	for _, h := range hashes {
		keys = append(keys, commitKey(repo, h))
	}
	for _, b := range branches {
		keys = append(keys, branchKey(repo, b))
	}
	for _, t := range tags {
		keys = append(keys, tagKey(repo, t))
	}
	// Trees are content-addressed and shared; they are left for collection.
	return s.client.Del(ctx, keys...).Err()
}

func (s *keydbStore) GetCommit(ctx context.Context, repo, hash string) (types.Commit, error) {
	commitBytes, err := s.client.Get(ctx, commitKey(repo, hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			if err := s.requireRepo(ctx, repo); err != nil {
				return types.Commit{}, err
			}
			return types.Commit{}, &NotFoundError{Resource: "commit", Key: hash}
		}
		return types.Commit{}, err
	}

	var commit types.Commit
	if err := json.Unmarshal(commitBytes, &commit); err != nil {
		return types.Commit{}, err
	}
	return commit, nil
}

func (s *keydbStore) GetTree(ctx context.Context, repo, commitHash string) (types.Tree, error) {
	commit, err := s.GetCommit(ctx, repo, commitHash)
	if err != nil {
		return nil, err
	}
	payload, err := s.client.Get(ctx, treeKey(commit.TreeHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &NotFoundError{Resource: "tree", Key: commit.TreeHash}
		}
		return nil, err
	}
	tree := types.Tree{}
	if err := json.Unmarshal(payload, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (s *keydbStore) CommitTree(ctx context.Context, req CommitRequest) (types.Commit, error) {
	if err := validateCommitRequest(req); err != nil {
		return types.Commit{}, err
	}
	if err := s.requireRepo(ctx, req.Repo); err != nil {
		return types.Commit{}, err
	}

	treeHash := TreeHash(req.Tree)
	treePayload, err := json.Marshal(req.Tree)
	if err != nil {
		return types.Commit{}, err
	}

	branchKey := branchKey(req.Repo, req.Branch)
	repoCommitsKey := repoCommitsKey(req.Repo)

	var result types.Commit

	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			head := ""
			branchBytes, err := tx.Get(ctx, branchKey).Bytes()
			if errors.Is(err, redis.Nil) {
				// no head yet
			} else if err != nil {
				return err
			} else {
				var branchMeta types.Branch
				if err := json.Unmarshal(branchBytes, &branchMeta); err != nil {
					return err
				}
				head = branchMeta.Commit
			}
			if head != req.ExpectedHead {
				return &ConflictError{Resource: "branch", Key: req.Branch}
			}

			for _, p := range req.Parents {
				exists, err := tx.Exists(ctx, commitKey(req.Repo, p)).Result()
				if err != nil {
					return err
				}
				if exists == 0 {
					return &NotFoundError{Resource: "commit", Key: p}
				}
			}

			now := s.clock().UTC()
			commit := types.Commit{
				Repo:        req.Repo,
				Parents:     slices.Clone(req.Parents),
				AuthorName:  req.Author.Name,
				AuthorID:    req.Author.ID,
				Message:     req.Message,
				Description: req.Description,
				TreeHash:    treeHash,
				Timestamp:   now,
			}
			commit.Hash = computeCommitHash(req.Repo, treeHash, req.Parents, req.Author, req.Message, now)

			exists, err := tx.Exists(ctx, commitKey(req.Repo, commit.Hash)).Result()
			if err != nil {
				return err
			}
			if exists == 1 {
				return &ConflictError{Resource: "commit", Key: commit.Hash}
			}

			payload, err := json.Marshal(commit)
			if err != nil {
				return err
			}
			branchPayload, err := json.Marshal(types.Branch{
				Repo:      req.Repo,
				Name:      req.Branch,
				Commit:    commit.Hash,
				UpdatedAt: now,
			})
			if err != nil {
				return err
			}

			pipe := tx.TxPipeline()
			pipe.SetNX(ctx, treeKey(treeHash), treePayload, 0)
			pipe.Set(ctx, commitKey(req.Repo, commit.Hash), payload, 0)
			pipe.Set(ctx, branchKey, branchPayload, 0)
			pipe.SAdd(ctx, branchSetKey(req.Repo), req.Branch)
			pipe.ZAdd(ctx, repoCommitsKey, redis.Z{Score: float64(now.UnixNano()), Member: commit.Hash})

			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}

			result = commit
			return nil
		}, branchKey, repoCommitsKey)

		if err == nil {
			return result, nil
		}

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return types.Commit{}, err
	}
}

func (s *keydbStore) ListBranches(ctx context.Context, repo string) ([]types.Branch, error) {
	if err := s.requireRepo(ctx, repo); err != nil {
		return nil, err
	}
	names, err := s.client.SMembers(ctx, branchSetKey(repo)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	result := make([]types.Branch, 0, len(names))
	for _, name := range names {
		branch, err := s.GetBranch(ctx, repo, name)
		if err == nil {
			result = append(result, branch)
		}
	}
	return result, nil
}

func (s *keydbStore) GetBranch(ctx context.Context, repo, name string) (types.Branch, error) {
	if repo == "" || name == "" {
		return types.Branch{}, &ValidationError{Message: "repo and name are required"}
	}

	bytes, err := s.client.Get(ctx, branchKey(repo, name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			if err := s.requireRepo(ctx, repo); err != nil {
				return types.Branch{}, err
			}
			return types.Branch{}, &NotFoundError{Resource: "branch", Key: name}
		}
		return types.Branch{}, err
	}

	var branch types.Branch
	if err := json.Unmarshal(bytes, &branch); err != nil {
		return types.Branch{}, err
	}
	return branch, nil
}

func (s *keydbStore) CreateBranch(ctx context.Context, req BranchRequest) (types.Branch, error) {
	if req.Repo == "" || req.Commit == "" || !ValidRefName(req.Name) {
		return types.Branch{}, &ValidationError{Message: "repo, a valid name, and commit are required"}
	}
	if _, err := s.GetCommit(ctx, req.Repo, req.Commit); err != nil {
		return types.Branch{}, err
	}

	branch := types.Branch{
		Repo:      req.Repo,
		Name:      req.Name,
		Commit:    req.Commit,
		UpdatedAt: s.clock().UTC(),
	}
	payload, err := json.Marshal(branch)
	if err != nil {
		return types.Branch{}, err
	}

	created, err := s.client.SetNX(ctx, branchKey(req.Repo, req.Name), payload, 0).Result()
	if err != nil {
		return types.Branch{}, err
	}
	if !created {
		return types.Branch{}, &ConflictError{Resource: "branch", Key: req.Name}
	}
	if err := s.client.SAdd(ctx, branchSetKey(req.Repo), req.Name).Err(); err != nil {
		return types.Branch{}, err
	}
	return branch, nil
}

func (s *keydbStore) DeleteBranch(ctx context.Context, repo, name string) error {
	n, err := s.client.Del(ctx, branchKey(repo, name)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		if err := s.requireRepo(ctx, repo); err != nil {
			return err
		}
		return &NotFoundError{Resource: "branch", Key: name}
	}
	return s.client.SRem(ctx, branchSetKey(repo), name).Err()
}

func (s *keydbStore) ListTags(ctx context.Context, repo string) ([]types.Tag, error) {
	if err := s.requireRepo(ctx, repo); err != nil {
		return nil, err
	}
	names, err := s.client.SMembers(ctx, tagSetKey(repo)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	result := make([]types.Tag, 0, len(names))
	for _, name := range names {
		tag, err := s.GetTag(ctx, repo, name)
		if err == nil {
			result = append(result, tag)
		}
	}
	return result, nil
}

func (s *keydbStore) GetTag(ctx context.Context, repo, name string) (types.Tag, error) {
	if repo == "" || name == "" {
		return types.Tag{}, &ValidationError{Message: "repo and name are required"}
	}

	bytes, err := s.client.Get(ctx, tagKey(repo, name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Tag{}, &NotFoundError{Resource: "tag", Key: name}
		}
		return types.Tag{}, err
	}

	var tag types.Tag
	if err := json.Unmarshal(bytes, &tag); err != nil {
		return types.Tag{}, err
	}
	return tag, nil
}

func (s *keydbStore) CreateTag(ctx context.Context, req TagRequest) (types.Tag, error) {
	if req.Repo == "" || req.Commit == "" || !ValidRefName(req.Name) {
		return types.Tag{}, &ValidationError{Message: "repo, a valid name, and commit are required"}
	}
	if _, err := s.GetCommit(ctx, req.Repo, req.Commit); err != nil {
		return types.Tag{}, err
	}

	tag := types.Tag{
		Repo:      req.Repo,
		Name:      req.Name,
		Commit:    req.Commit,
		Note:      req.Note,
		CreatedAt: s.clock().UTC(),
	}
	payload, err := json.Marshal(tag)
	if err != nil {
		return types.Tag{}, err
	}

	created, err := s.client.SetNX(ctx, tagKey(req.Repo, req.Name), payload, 0).Result()
	if err != nil {
		return types.Tag{}, err
	}
	if !created {
		return types.Tag{}, &ConflictError{Resource: "tag", Key: req.Name}
	}
	if err := s.client.SAdd(ctx, tagSetKey(req.Repo), req.Name).Err(); err != nil {
		return types.Tag{}, err
	}
	return tag, nil
}

func (s *keydbStore) DeleteTag(ctx context.Context, repo, name string) error {
	n, err := s.client.Del(ctx, tagKey(repo, name)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Resource: "tag", Key: name}
	}
	return s.client.SRem(ctx, tagSetKey(repo), name).Err()
}

func (s *keydbStore) Close() error {
	return s.client.Close()
}

func repoKey(repo string) string {
	return fmt.Sprintf("repo:%s", repo)
}

func commitKey(repo, hash string) string {
	return fmt.Sprintf("commit:%s:%s", repo, hash)
}

func treeKey(hash string) string {
	return fmt.Sprintf("tree:%s", hash)
}

func branchKey(repo, branch string) string {
	return fmt.Sprintf("branch:%s:%s", repo, branch)
}

func repoCommitsKey(repo string) string {
	return fmt.Sprintf("%s:%s", repoCommitsKeyPrefix, repo)
}

func branchSetKey(repo string) string {
	return fmt.Sprintf("branchset:%s", repo)
}

func tagKey(repo, name string) string {
	return fmt.Sprintf("tag:%s:%s", repo, name)
}

func tagSetKey(repo string) string {
	return fmt.Sprintf("tagset:%s", repo)
}
