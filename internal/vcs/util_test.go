package vcs

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

func TestOutputHelpers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		trim  string
		first string
	}{
		{"empty", "", "", ""},
		{"version", "git version 2.43.0\n", "git version 2.43.0", "git"},
		{"rev", "  3f2a9c1e  \n", "3f2a9c1e", "3f2a9c1e"},
		{"ls-remote", "9b1d07aa\trefs/heads/master\n", "9b1d07aa\trefs/heads/master", "9b1d07aa"},
		{"multiline", "\n\norigin\nupstream\n", "origin\nupstream", "origin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TrimOutput([]byte(tt.input)); got != tt.trim {
				t.Errorf("TrimOutput() = %q, want %q", got, tt.trim)
			}
			if got := FirstWord([]byte(tt.input)); got != tt.first {
				t.Errorf("FirstWord() = %q, want %q", got, tt.first)
			}
		})
	}
}

func TestExecContext(t *testing.T) {
	output, err := ExecContext(context.Background(), 5*time.Second, "/tmp", "echo", "test")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := TrimOutput(output); got != "test" {
		t.Errorf("Expected 'test', got '%s'", got)
	}
}

func TestExecContextTimeout(t *testing.T) {
	_, err := ExecContext(context.Background(), 100*time.Millisecond, "/tmp", "sleep", "2")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestExecEnv(t *testing.T) {
	output, err := ExecEnv(context.Background(), 5*time.Second, "/tmp", []string{"AHSYNC_DIAL=42"}, "sh", "-c", "echo $AHSYNC_DIAL")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := TrimOutput(output); got != "42" {
		t.Errorf("Expected '42', got '%s'", got)
	}
}

func TestExecContextCommandError(t *testing.T) {
	_, err := ExecContext(context.Background(), 5*time.Second, "/tmp", "sh", "-c", "echo boom >&2; exit 3")

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Expected *CommandError, got %T: %v", err, err)
	}
	if cmdErr.Stderr != "boom" {
		t.Errorf("Stderr = %q, want %q", cmdErr.Stderr, "boom")
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Errorf("exit status not preserved: %v", err)
	}
}

func TestExecContextMissingBinary(t *testing.T) {
	_, err := ExecContext(context.Background(), time.Second, "/tmp", "ahsync-no-such-binary")
	if !errors.Is(err, ErrVCSNotAvailable) {
		t.Errorf("Expected ErrVCSNotAvailable, got %v", err)
	}
}

func TestClassifyStderr(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"proxy", "fatal: unable to access 'https://x/': Failed to connect to proxy 127.0.0.1 port 1", ErrProxy},
		{"auth", "fatal: Authentication failed for 'https://x/'", ErrAuth},
		{"missing remote", "fatal: repository 'https://x/' not found", ErrRemoteNotFound},
		{"local path", "fatal: '/tmp/none' does not appear to be a git repository", ErrRemoteNotFound},
		{"dns", "fatal: unable to access 'https://x/': Could not resolve host: x", ErrNetwork},
		{"not a repo", "fatal: not a git repository (or any of the parent directories): .git", ErrNotInVCS},
		{"unknown", "warning: something else", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStderr(tt.stderr); got != tt.want {
				t.Errorf("ClassifyStderr() = %v, want %v", got, tt.want)
			}
		})
	}
}
