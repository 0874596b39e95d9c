// Package git provides a Git implementation of the vcs.Mirror interface.
//
// This package wraps the git binary to keep a shallow, read-only mirror of a
// remote dataset repository: clone once, then fetch the remote head and hard
// reset onto it. Local history is never written.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ahsync/ahsync/internal/vcs"
)

// Options configures git invocations.
type Options struct {
	// Proxy is an HTTP(S) forwarding proxy URL passed to git as http.proxy.
	Proxy string

	// Timeout bounds each network operation. Zero means vcs.DefaultTimeout.
	Timeout time.Duration

	// Depth is the history depth to keep. Zero means 1.
	Depth int
}

// Git implements vcs.Mirror using the git binary.
type Git struct {
	opts Options
}

var _ vcs.Mirror = (*Git)(nil)

// New creates a new Git mirror with the given options.
func New(opts Options) *Git {
	if opts.Timeout <= 0 {
		opts.Timeout = vcs.DefaultTimeout
	}
	if opts.Depth <= 0 {
		opts.Depth = 1
	}
	return &Git{opts: opts}
}

// Name returns the VCS type (git)
func (g *Git) Name() vcs.Type {
	return vcs.TypeGit
}

// Version returns the git version string
func (g *Git) Version(ctx context.Context) (string, error) {
	output, err := vcs.ExecContext(ctx, 10*time.Second, "", "git", "--version")
	if err != nil {
		return "", fmt.Errorf("failed to get git version: %w", err)
	}

	// Output format: "git version 2.39.0"
	return strings.TrimPrefix(vcs.TrimOutput(output), "git version "), nil
}

// Clone creates a shallow clone of url at dir.
func (g *Git) Clone(ctx context.Context, url, dir string) error {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return fmt.Errorf("git clone: destination %s is not empty", dir)
	}

	args := g.withConfig("clone", "--quiet", "--depth", fmt.Sprint(g.opts.Depth), "--no-tags", url, dir)
	if _, err := g.exec(ctx, "", args...); err != nil {
		return fmt.Errorf("git clone %s: %w", url, err)
	}
	return nil
}

// Update fetches the remote's default branch head and resets the working
// tree onto it, removing untracked files.
func (g *Git) Update(ctx context.Context, dir string) error {
	fetch := g.withConfig("fetch", "--quiet", "--depth", fmt.Sprint(g.opts.Depth), "--no-tags", "origin", "HEAD")
	if _, err := g.exec(ctx, dir, fetch...); err != nil {
		return fmt.Errorf("git fetch: %w", err)
	}
	if _, err := g.exec(ctx, dir, "reset", "--quiet", "--hard", "FETCH_HEAD"); err != nil {
		return fmt.Errorf("git reset: %w", err)
	}
	if _, err := g.exec(ctx, dir, "clean", "-fdxq"); err != nil {
		return fmt.Errorf("git clean: %w", err)
	}
	return nil
}

// Head returns the commit id checked out at dir.
func (g *Git) Head(ctx context.Context, dir string) (string, error) {
	output, err := g.exec(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return vcs.FirstWord(output), nil
}

// RemoteURL returns the URL of origin at dir.
func (g *Git) RemoteURL(ctx context.Context, dir string) (string, error) {
	output, err := g.exec(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("git remote get-url: %w", err)
	}
	return vcs.TrimOutput(output), nil
}

// withConfig prefixes a subcommand with per-invocation configuration.
func (g *Git) withConfig(args ...string) []string {
	var prefix []string
	if g.opts.Proxy != "" {
		prefix = append(prefix, "-c", "http.proxy="+g.opts.Proxy, "-c", "https.proxy="+g.opts.Proxy)
	}
	return append(prefix, args...)
}

// exec runs git and classifies failures into vcs sentinels.
func (g *Git) exec(ctx context.Context, dir string, args ...string) ([]byte, error) {
	// Never prompt for credentials; a prompt would hang a background pull.
	env := []string{"GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=", "LC_ALL=C"}
	output, err := vcs.ExecEnv(ctx, g.opts.Timeout, dir, env, "git", args...)
	if err != nil {
		return nil, classify(err)
	}
	return output, nil
}

func classify(err error) error {
	if errors.Is(err, vcs.ErrTimeout) || errors.Is(err, vcs.ErrVCSNotAvailable) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	var cmdErr *vcs.CommandError
	if errors.As(err, &cmdErr) {
		if kind := vcs.ClassifyStderr(cmdErr.Stderr); kind != nil {
			return fmt.Errorf("%w: %w", kind, err)
		}
	}
	return err
}
