// Package gitutil shells out to git for the small set of operations the
// relay needs: repo detection, context snapshots for plan prompts,
// auto-commits after tasks, and worktree management.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const gitTimeout = 30 * time.Second

func run(dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errb.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	out, err := run(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Branch returns the current branch name, or "HEAD" when detached.
func Branch(dir string) (string, error) {
	return run(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// RepoContext renders a short repo snapshot (branch, porcelain status,
// diffstat) for seeding plan prompts. Returns "" outside a repo.
func RepoContext(dir string) string {
	if !IsRepo(dir) {
		return ""
	}
	var b strings.Builder
	if branch, err := Branch(dir); err == nil {
		fmt.Fprintf(&b, "branch: %s\n", branch)
	}
	if status, err := run(dir, "status", "--porcelain"); err == nil && status != "" {
		fmt.Fprintf(&b, "status:\n%s\n", status)
	}
	if diff, err := run(dir, "diff", "--stat"); err == nil && diff != "" {
		fmt.Fprintf(&b, "diffstat:\n%s\n", diff)
	}
	return b.String()
}

// AutoCommit stages everything and commits with subject if the repo has
// changes. Reports whether a commit was created.
func AutoCommit(dir, subject string) (bool, error) {
	if !IsRepo(dir) {
		return false, nil
	}
	status, err := run(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if status == "" {
		return false, nil
	}
	if _, err := run(dir, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := run(dir, "commit", "-m", subject); err != nil {
		return false, err
	}
	return true, nil
}

// Push pushes the current branch to its upstream.
func Push(dir string) error {
	_, err := run(dir, "push")
	return err
}

// Worktree describes one entry of `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
}

// Worktrees lists the repo's worktrees.
func Worktrees(dir string) ([]Worktree, error) {
	out, err := run(dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var wts []Worktree
	var cur Worktree
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				wts = append(wts, cur)
			}
			cur = Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.Path != "" {
		wts = append(wts, cur)
	}
	return wts, nil
}

// AddWorktree creates a worktree named name as a sibling of the repo root,
// on a new branch of the same name, optionally from a given ref.
func AddWorktree(dir, name, fromRef string) (string, error) {
	root, err := run(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	path := filepath.Join(filepath.Dir(root), filepath.Base(root)+"-"+name)
	args := []string{"worktree", "add", "-b", name, path}
	if fromRef != "" {
		args = append(args, fromRef)
	}
	if _, err := run(dir, args...); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveWorktree removes the worktree at path.
func RemoveWorktree(dir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := run(dir, args...)
	return err
}

// PruneWorktrees drops stale worktree registrations.
func PruneWorktrees(dir string) error {
	_, err := run(dir, "worktree", "prune")
	return err
}
