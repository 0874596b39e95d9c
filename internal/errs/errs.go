// Package errs defines the error taxonomy shared by the ahsync core.
//
// Every failure surfaced to a caller can be matched with errors.Is against
// one of the sentinels below, and carries the operation and key/path it
// concerns through *Error:
//
//	if errors.Is(err, errs.ErrIncompleteSelection) {
//	    // tell the user which realms have no snapshot yet
//	}
package errs

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when the store has no readable record for a key.
	ErrNotFound = errors.New("not found")

	// ErrCorruptWrite marks a stored record that does not match its
	// fingerprint. It is an internal invariant violation and is logged, never
	// returned to callers (they get ErrNotFound).
	ErrCorruptWrite = errors.New("corrupt write")

	// ErrRemoteUnavailable is returned when the remote repository cannot be
	// reached.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrProxyUnreachable is returned when the configured forwarding proxy
	// itself cannot be reached.
	ErrProxyUnreachable = errors.New("proxy unreachable")

	// ErrInvalidRepository is returned when the remote does not hold a
	// recognizable dataset layout.
	ErrInvalidRepository = errors.New("invalid repository")

	// ErrStoreNotEmpty is returned by fork when local records already exist.
	ErrStoreNotEmpty = errors.New("store not empty")

	// ErrIncompleteSelection is returned when an export selection names a
	// key the store does not hold.
	ErrIncompleteSelection = errors.New("incomplete selection")

	// ErrUnmappedRealm is a warning: the realm identity library does not
	// know the realm. Export proceeds.
	ErrUnmappedRealm = errors.New("unmapped realm")

	// ErrTargetNotFound is returned when the patch target does not exist.
	ErrTargetNotFound = errors.New("patch target not found")

	// ErrUnsupportedFormat is returned when the patch target does not have
	// the expected patch points.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrCheckFailed is returned when the update manifest cannot be fetched
	// or parsed.
	ErrCheckFailed = errors.New("update check failed")

	// ErrDownloadFailed is returned when the release asset cannot be
	// downloaded or verified.
	ErrDownloadFailed = errors.New("update download failed")

	// ErrInstallFailed is returned when the downloaded artifact cannot be
	// installed. The previous artifact stays active.
	ErrInstallFailed = errors.New("update install failed")

	// ErrAuthFailed is returned by the upstream provider on bad credentials.
	ErrAuthFailed = errors.New("upstream authentication failed")

	// ErrRateLimited is returned by the upstream provider when throttled.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrUnavailable is returned by the upstream provider when it is down.
	ErrUnavailable = errors.New("upstream unavailable")
)

// Error attaches the operation and the key or path involved to a taxonomy
// sentinel and an optional underlying cause.
type Error struct {
	Op   string
	Key  string
	Path string
	Kind error
	Err  error
}

// E builds an *Error. key and path may be empty.
func E(op string, kind error, key, path string, cause error) *Error {
	return &Error{Op: op, Key: key, Path: path, Kind: kind, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Key != "" {
		b.WriteString(" ")
		b.WriteString(e.Key)
	}
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the sentinel kind.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns true for transient network failures. The core never
// retries these on its own beyond bounded HTTP retries; the caller decides.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRemoteUnavailable) ||
		errors.Is(err, ErrProxyUnreachable) ||
		errors.Is(err, ErrDownloadFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable)
}

// IsTerminal returns true for structural failures that retrying cannot fix.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidRepository) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrTargetNotFound) ||
		errors.Is(err, ErrAuthFailed)
}

// IsWarning returns true for soft conditions that degrade output quality but
// do not fail the operation.
func IsWarning(err error) bool {
	return err != nil && errors.Is(err, ErrUnmappedRealm)
}
