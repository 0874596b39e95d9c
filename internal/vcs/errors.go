package vcs

import (
	"errors"
	"strings"
)

// Common errors returned by VCS operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, vcs.ErrAuth) {
//	    // ask the user for credentials
//	}
var (
	// ErrNotInVCS is returned when the directory is not a repository.
	ErrNotInVCS = errors.New("not in a VCS repository")

	// ErrVCSNotAvailable is returned when the git binary is not installed
	// or not in PATH.
	ErrVCSNotAvailable = errors.New("VCS binary not available")

	// ErrRemoteNotFound is returned when the remote repository does not
	// exist or is not a repository.
	ErrRemoteNotFound = errors.New("remote repository not found")

	// ErrAuth is returned when the remote rejected our credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrNetwork is returned when the remote host could not be reached.
	ErrNetwork = errors.New("network error")

	// ErrProxy is returned when git could not connect through the proxy.
	ErrProxy = errors.New("proxy connection failed")

	// ErrTimeout is returned when a VCS operation exceeds its timeout.
	ErrTimeout = errors.New("operation timed out")
)

// ClassifyStderr maps git diagnostic output to one of the sentinels above.
// It returns nil when the output matches no known failure.
func ClassifyStderr(stderr string) error {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "proxy"):
		return ErrProxy
	case strings.Contains(s, "authentication failed"),
		strings.Contains(s, "could not read username"),
		strings.Contains(s, "permission denied"),
		strings.Contains(s, "403"):
		return ErrAuth
	case strings.Contains(s, "repository not found"),
		strings.Contains(s, "does not appear to be a git repository"),
		strings.Contains(s, "does not exist"),
		strings.Contains(s, "not found"),
		strings.Contains(s, "404"):
		return ErrRemoteNotFound
	case strings.Contains(s, "could not resolve host"),
		strings.Contains(s, "failed to connect"),
		strings.Contains(s, "connection refused"),
		strings.Contains(s, "connection timed out"),
		strings.Contains(s, "network is unreachable"),
		strings.Contains(s, "unable to access"),
		strings.Contains(s, "early eof"),
		strings.Contains(s, "the remote end hung up"):
		return ErrNetwork
	case strings.Contains(s, "not a git repository"):
		return ErrNotInVCS
	}
	return nil
}
