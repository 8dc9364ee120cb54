package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Revision identifies the source tree state a bundle was built from
type Revision struct {
	Commit string `json:"commit"`
	Branch string `json:"branch,omitempty"`
	Dirty  bool   `json:"dirty"`
}

// String returns the short commit, marked when the work tree has local
// changes
func (r *Revision) String() string {
	if r == nil {
		return "unknown"
	}
	commit := r.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if r.Dirty {
		return commit + "-dirty"
	}
	return commit
}

// Client provides git operations on the local source tree
type Client interface {
	// Describe returns the revision checked out in dir, or nil when dir is
	// not inside a git work tree
	Describe(ctx context.Context, dir string) (*Revision, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	binary string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient() *ShellClient {
	return &ShellClient{binary: "git"}
}

// Describe reports the HEAD commit, current branch and dirty flag of the
// work tree containing dir
func (c *ShellClient) Describe(ctx context.Context, dir string) (*Revision, error) {
	if _, err := exec.LookPath(c.binary); err != nil {
		return nil, nil
	}

	inside, err := c.output(ctx, dir, "rev-parse", "--is-inside-work-tree")
	if err != nil || inside != "true" {
		// Not a repository, or a bare one; either way there is nothing to record.
		return nil, nil
	}

	commit, err := c.output(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		// A fresh repository without commits has no HEAD yet.
		return nil, nil
	}

	rev := &Revision{Commit: commit}

	if branch, err := c.output(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "HEAD" {
		rev.Branch = branch
	}

	status, err := c.output(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}
	rev.Dirty = status != ""

	return rev, nil
}

// output runs git in dir and returns trimmed stdout, with stderr attached
// to the error on failure
func (c *ShellClient) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
