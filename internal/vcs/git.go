// Package vcs drives the git CLI for the managed deployment directory.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nholik/hostkeeper/internal/command"
)

// ErrNoRemoteBranch is returned by RemoteHead when the branch does not exist upstream.
var ErrNoRemoteBranch = errors.New("branch not found on remote")

// Repository is the version-control surface the update engine needs.
type Repository interface {
	// IsRepository reports whether the directory carries version-control metadata.
	IsRepository(ctx context.Context) (bool, error)
	Fetch(ctx context.Context, remote, branch string) error
	ResetHard(ctx context.Context, ref string) error
	// Clone creates the directory from url at branch.
	Clone(ctx context.Context, url, branch string) error
	// Init turns an existing plain directory into a checkout tracking url as remote.
	Init(ctx context.Context, remote, url string) error
	Head(ctx context.Context) (string, error)
	RemoteHead(ctx context.Context, url, branch string) (string, error)
	// Status returns porcelain lines describing local modifications.
	Status(ctx context.Context) ([]string, error)
}

// Git implements Repository for one working directory.
type Git struct {
	dir    string
	runner command.Runner
}

// NewGit returns a Repository rooted at dir.
func NewGit(dir string, runner command.Runner) *Git {
	return &Git{dir: dir, runner: runner}
}

// Dir returns the working directory.
func (g *Git) Dir() string {
	return g.dir
}

// IsRepository implements Repository.
func (g *Git) IsRepository(_ context.Context) (bool, error) {
	_, err := os.Stat(filepath.Join(g.dir, ".git"))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("inspect %s: %w", g.dir, err)
}

// Fetch implements Repository.
func (g *Git) Fetch(ctx context.Context, remote, branch string) error {
	if _, err := command.MustSucceed(ctx, g.runner, g.cmd("fetch", "--prune", remote, branch)); err != nil {
		return fmt.Errorf("git fetch: %w", err)
	}
	return nil
}

// ResetHard implements Repository.
func (g *Git) ResetHard(ctx context.Context, ref string) error {
	if _, err := command.MustSucceed(ctx, g.runner, g.cmd("reset", "--hard", ref)); err != nil {
		return fmt.Errorf("git reset: %w", err)
	}
	return nil
}

// Clone implements Repository.
func (g *Git) Clone(ctx context.Context, url, branch string) error {
	if err := os.MkdirAll(filepath.Dir(g.dir), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", g.dir, err)
	}
	cmd := command.New("git", "clone", "--branch", branch, url, g.dir)
	cmd.Env = gitEnv
	if _, err := command.MustSucceed(ctx, g.runner, cmd); err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	return nil
}

// Init implements Repository.
func (g *Git) Init(ctx context.Context, remote, url string) error {
	if _, err := command.MustSucceed(ctx, g.runner, g.cmd("init")); err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	if _, err := command.MustSucceed(ctx, g.runner, g.cmd("remote", "add", remote, url)); err != nil {
		return fmt.Errorf("git remote add: %w", err)
	}
	return nil
}

// Head implements Repository.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := command.Output(ctx, g.runner, g.cmd("rev-parse", "HEAD"))
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return out, nil
}

// RemoteHead implements Repository.
func (g *Git) RemoteHead(ctx context.Context, url, branch string) (string, error) {
	cmd := command.New("git", "ls-remote", url, "refs/heads/"+branch)
	cmd.Env = gitEnv
	out, err := command.Output(ctx, g.runner, cmd)
	if err != nil {
		return "", fmt.Errorf("git ls-remote: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("%s: %w", branch, ErrNoRemoteBranch)
	}
	return fields[0], nil
}

// Status implements Repository.
func (g *Git) Status(ctx context.Context) ([]string, error) {
	result, err := command.MustSucceed(ctx, g.runner, g.cmd("status", "--porcelain"))
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(result.Stdout), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Git must never block on a credential prompt when running unattended.
var gitEnv = []string{"GIT_TERMINAL_PROMPT=0"}

func (g *Git) cmd(args ...string) command.Cmd {
	cmd := command.New("git", append([]string{"-C", g.dir}, args...)...)
	cmd.Env = gitEnv
	return cmd
}
