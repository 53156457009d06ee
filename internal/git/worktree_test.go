package git

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/config"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in test environment")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitCmd(t, dir, "init")
	runGitCmd(t, dir, "config", "user.email", "test@test.com")
	runGitCmd(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGitCmd(t, dir, "add", ".")
	runGitCmd(t, dir, "commit", "-m", "initial commit")
	return dir
}

func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func newTestManager() *Manager {
	return NewManager(config.Git{
		MaxConcurrent: 2,
		LockRetries:   2,
		LockBackoff:   10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// --- Tests ---

func TestAddListRemoveWorktree(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	repo := initRepo(t)
	m := newTestManager()
	path := filepath.Join(t.TempDir(), "wt")

	if err := m.AddWorktree(ctx, repo, path, "protocol/1-demo", ""); err != nil {
		t.Fatalf("AddWorktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "hello.txt")); err != nil {
		t.Fatalf("worktree missing checkout: %v", err)
	}
	if !m.branchExists(ctx, repo, "protocol/1-demo") {
		t.Fatal("expected branch to exist after AddWorktree")
	}

	list, err := m.ListWorktrees(ctx, repo)
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("worktrees = %d, want 2 (main + protocol)", len(list))
	}
	found := false
	for _, wt := range list {
		if wt.Branch == "protocol/1-demo" {
			found = true
			if wt.Head == "" {
				t.Error("expected a HEAD commit in the listing")
			}
		}
	}
	if !found {
		t.Fatalf("protocol worktree not listed: %+v", list)
	}

	if err := m.RemoveWorktree(ctx, repo, path); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("worktree directory still present after removal")
	}

	// removal is idempotent once the directory is gone
	if err := m.RemoveWorktree(ctx, repo, path); err != nil {
		t.Fatalf("second RemoveWorktree: %v", err)
	}
}

func TestAddWorktreeReusesExistingBranch(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	repo := initRepo(t)
	runGitCmd(t, repo, "branch", "protocol/7-keep")

	m := newTestManager()
	path := filepath.Join(t.TempDir(), "wt")
	if err := m.AddWorktree(ctx, repo, path, "protocol/7-keep", ""); err != nil {
		t.Fatalf("AddWorktree: %v", err)
	}
	out, err := runGit(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if out != "protocol/7-keep" {
		t.Fatalf("checked out branch = %q", out)
	}
}

func TestEnsureRepo(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	m := newTestManager()

	if err := m.EnsureRepo(ctx, initRepo(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.EnsureRepo(ctx, t.TempDir()); err == nil {
		t.Fatal("expected an error for a plain directory")
	}
}

func TestPruneWorktrees(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	repo := initRepo(t)
	m := newTestManager()
	path := filepath.Join(t.TempDir(), "wt")
	if err := m.AddWorktree(ctx, repo, path, "protocol/9-stale", ""); err != nil {
		t.Fatalf("AddWorktree: %v", err)
	}
	if err := os.RemoveAll(path); err != nil {
		t.Fatal(err)
	}

	if err := m.PruneWorktrees(ctx, repo); err != nil {
		t.Fatalf("PruneWorktrees: %v", err)
	}
	list, err := m.ListWorktrees(ctx, repo)
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("worktrees after prune = %d, want 1", len(list))
	}
}

// --- Parsing and naming ---

func TestParseWorktrees(t *testing.T) {
	out := "worktree /srv/app\nHEAD abc123\nbranch refs/heads/main\n\n" +
		"worktree /srv/app-worktrees/4-fix\nHEAD def456\nbranch refs/heads/protocol/4-fix\n"
	list := parseWorktrees(out)
	if len(list) != 2 {
		t.Fatalf("parsed = %d, want 2", len(list))
	}
	if list[0].Path != "/srv/app" || list[0].Branch != "main" {
		t.Errorf("first = %+v", list[0])
	}
	if list[1].Head != "def456" || list[1].Branch != "protocol/4-fix" {
		t.Errorf("second = %+v", list[1])
	}
}

func TestWorktreePathAndBranchName(t *testing.T) {
	got := WorktreePath("/srv/projects/shop", 12, "Add Auth!")
	want := filepath.Join("/srv/projects", "shop-worktrees", "12-add-auth")
	if got != want {
		t.Errorf("WorktreePath = %q, want %q", got, want)
	}
	if b := BranchName(12, "Add Auth!"); b != "protocol/12-add-auth" {
		t.Errorf("BranchName = %q", b)
	}
	if b := BranchName(3, "!!!"); b != "protocol/3-run" {
		t.Errorf("BranchName fallback = %q", b)
	}
}

func TestIsLockContention(t *testing.T) {
	if !isLockContention(errors.New("fatal: Unable to create '/x/.git/index.lock': File exists")) {
		t.Error("index.lock error not detected")
	}
	if isLockContention(errors.New("fatal: not a git repository")) {
		t.Error("unrelated error detected as contention")
	}
	if isLockContention(nil) {
		t.Error("nil error detected as contention")
	}
}
