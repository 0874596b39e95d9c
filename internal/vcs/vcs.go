// Package vcs defines the version control operations ahsync needs to mirror
// a remote dataset repository, plus shared command execution helpers.
//
// ahsync never commits or pushes: a local mirror is a shallow, read-only
// copy of one remote, advanced by fetching the remote head and resetting
// the working tree to it.
//
// # Usage
//
//	m := git.New(git.Options{Proxy: "http://127.0.0.1:7890"})
//	if err := m.Clone(ctx, url, dir); err != nil {
//	    return err
//	}
//	head, err := m.Head(ctx, dir)
//
// # Implementations
//
//   - internal/vcs/git: Git implementation using the git binary
package vcs

import (
	"context"
	"time"
)

// Type represents the VCS backend type
type Type string

const (
	// TypeGit indicates a git repository
	TypeGit Type = "git"
)

// String returns the string representation of the VCS type
func (t Type) String() string {
	return string(t)
}

// DefaultTimeout bounds a single network operation (clone or fetch).
const DefaultTimeout = 5 * time.Minute

// Mirror maintains a local read-only copy of a remote repository.
type Mirror interface {
	// Name returns the VCS type
	Name() Type

	// Version returns the VCS binary version string
	Version(ctx context.Context) (string, error)

	// Clone creates a shallow copy of url at dir. dir must not exist or be
	// empty.
	Clone(ctx context.Context, url, dir string) error

	// Update advances the copy at dir to the remote's current head,
	// discarding anything local.
	Update(ctx context.Context, dir string) error

	// Head returns the commit id currently checked out at dir.
	Head(ctx context.Context, dir string) (string, error)

	// RemoteURL returns the URL dir was cloned from.
	RemoteURL(ctx context.Context, dir string) (string, error)
}
