package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/config"
)

// Manager provisions and removes worktrees for protocol runs. Each
// repository gets its own lock so concurrent runs against the same project
// serialize, while runs against different projects proceed in parallel up
// to the pool limit.
type Manager struct {
	pool    *Pool
	logger  *slog.Logger
	retries int
	backoff time.Duration

	mu    sync.Mutex
	repos map[string]*sync.Mutex
}

// NewManager creates a Manager from the git configuration.
func NewManager(cfg config.Git, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.LockBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	retries := cfg.LockRetries
	if retries < 0 {
		retries = 0
	}
	pool := NewPool(cfg.MaxConcurrent)
	logger.Debug("git exec pool ready", "slots", pool.Cap())
	return &Manager{
		pool:    pool,
		logger:  logger,
		retries: retries,
		backoff: backoff,
		repos:   make(map[string]*sync.Mutex),
	}
}

// Worktree is one entry reported by git worktree list.
type Worktree struct {
	Path   string
	Head   string
	Branch string
}

// AddWorktree creates a worktree for branch at path, creating the branch
// from base when it does not exist yet. An empty base means HEAD.
func (m *Manager) AddWorktree(ctx context.Context, repo, path, branch, base string) error {
	return m.locked(ctx, repo, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("worktree parent: %w", err)
		}
		args := []string{"worktree", "add"}
		if m.branchExists(ctx, repo, branch) {
			args = append(args, path, branch)
		} else {
			if base == "" {
				base = "HEAD"
			}
			args = append(args, "-b", branch, path, base)
		}
		if err := m.gitRetry(ctx, repo, args...); err != nil {
			return fmt.Errorf("add worktree %s: %w", path, err)
		}
		return nil
	})
}

// RemoveWorktree removes the worktree at path. A worktree already gone from
// disk is pruned and treated as removed.
func (m *Manager) RemoveWorktree(ctx context.Context, repo, path string) error {
	return m.locked(ctx, repo, func() error {
		err := m.gitRetry(ctx, repo, "worktree", "remove", "--force", path)
		if err == nil {
			return nil
		}
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			if _, pruneErr := runGit(ctx, repo, "worktree", "prune"); pruneErr == nil {
				return nil
			}
		}
		return fmt.Errorf("remove worktree %s: %w", path, err)
	})
}

// PruneWorktrees drops stale worktree registrations.
func (m *Manager) PruneWorktrees(ctx context.Context, repo string) error {
	return m.locked(ctx, repo, func() error {
		if err := m.gitRetry(ctx, repo, "worktree", "prune"); err != nil {
			return fmt.Errorf("prune worktrees: %w", err)
		}
		return nil
	})
}

// ListWorktrees returns the repository's worktrees, main checkout included.
func (m *Manager) ListWorktrees(ctx context.Context, repo string) ([]Worktree, error) {
	var out string
	err := m.pool.Run(ctx, func() error {
		var rerr error
		out, rerr = runGit(ctx, repo, "worktree", "list", "--porcelain")
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parseWorktrees(out), nil
}

// EnsureRepo verifies path is inside a git repository.
func (m *Manager) EnsureRepo(ctx context.Context, path string) error {
	if _, err := runGit(ctx, path, "rev-parse", "--git-dir"); err != nil {
		return fmt.Errorf("%s is not a git repository: %w", path, err)
	}
	return nil
}

// locked serializes fn for one repository and applies the global pool.
func (m *Manager) locked(ctx context.Context, repo string, fn func() error) error {
	lock := m.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()
	return m.pool.Run(ctx, fn)
}

func (m *Manager) repoLock(repo string) *sync.Mutex {
	key := filepath.Clean(repo)
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.repos[key]
	if !ok {
		lock = &sync.Mutex{}
		m.repos[key] = lock
	}
	return lock
}

// gitRetry runs one git mutation, retrying a bounded number of times while
// another process holds the repository lock.
func (m *Manager) gitRetry(ctx context.Context, repo string, args ...string) error {
	backoff := m.backoff
	var lastErr error
	for attempt := 0; ; attempt++ {
		_, err := runGit(ctx, repo, args...)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockContention(err) || attempt >= m.retries {
			break
		}
		m.logger.Warn("git repository locked, retrying",
			"repo", repo, "attempt", attempt+1, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if isLockContention(lastErr) {
		return fmt.Errorf("lock retries exhausted: %w", lastErr)
	}
	return lastErr
}

func (m *Manager) branchExists(ctx context.Context, repo, branch string) bool {
	_, err := runGit(ctx, repo, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func parseWorktrees(out string) []Worktree {
	var (
		list []Worktree
		cur  *Worktree
	)
	flush := func() {
		if cur != nil {
			list = append(list, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if cur != nil {
				cur.Head = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		}
	}
	flush()
	return list
}

// WorktreePath returns the canonical location for a protocol run's
// worktree: a sibling of the repository so the checkout never shows up in
// the project's own tree.
func WorktreePath(repo string, protocolRunID int64, name string) string {
	clean := filepath.Clean(repo)
	dir := filepath.Base(clean) + "-worktrees"
	return filepath.Join(filepath.Dir(clean), dir, fmt.Sprintf("%d-%s", protocolRunID, slugify(name)))
}

// BranchName returns the branch created for a protocol run.
func BranchName(protocolRunID int64, name string) string {
	return fmt.Sprintf("protocol/%d-%s", protocolRunID, slugify(name))
}

// slugify lowercases name and squeezes everything non-alphanumeric into
// single dashes.
func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if slug = strings.Trim(slug, "-"); slug == "" {
		return "run"
	}
	return slug
}
