package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/ahsync/ahsync/internal/vcs"
)

// setupRemote creates a temporary git repository with one commit that
// serves as the remote for clone and update tests.
func setupRemote(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	run(t, dir, "init", "--quiet")
	run(t, dir, "config", "user.name", "Test User")
	run(t, dir, "config", "user.email", "test@example.com")
	commitFile(t, dir, "README", "first")
	return dir
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func commitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	run(t, dir, "add", name)
	run(t, dir, "commit", "--quiet", "-m", "update "+name)
}

func TestVersion(t *testing.T) {
	setupRemote(t)
	version, err := New(Options{}).Version(context.Background())
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if version == "" {
		t.Error("Version() returned empty string")
	}
}

func TestCloneAndUpdate(t *testing.T) {
	remote := setupRemote(t)
	ctx := context.Background()
	g := New(Options{})
	mirror := filepath.Join(t.TempDir(), "mirror")

	if err := g.Clone(ctx, remote, mirror); err != nil {
		t.Fatalf("Clone() failed: %v", err)
	}
	first, err := g.Head(ctx, mirror)
	if err != nil {
		t.Fatalf("Head() failed: %v", err)
	}
	if len(first) != 40 {
		t.Errorf("Head() = %q, want a full commit id", first)
	}

	url, err := g.RemoteURL(ctx, mirror)
	if err != nil {
		t.Fatalf("RemoteURL() failed: %v", err)
	}
	if url != remote {
		t.Errorf("RemoteURL() = %q, want %q", url, remote)
	}

	commitFile(t, remote, "README", "second")
	// Local edits and untracked files are discarded by Update.
	if err := os.WriteFile(filepath.Join(mirror, "README"), []byte("local"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mirror, "stray"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := g.Update(ctx, mirror); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	second, err := g.Head(ctx, mirror)
	if err != nil {
		t.Fatalf("Head() failed: %v", err)
	}
	if second == first {
		t.Error("Head() unchanged after Update()")
	}

	got, err := os.ReadFile(filepath.Join(mirror, "README"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Errorf("README = %q, want %q", got, "second")
	}
	if _, err := os.Stat(filepath.Join(mirror, "stray")); !os.IsNotExist(err) {
		t.Error("untracked file survived Update()")
	}
}

func TestClone_MissingRemote(t *testing.T) {
	setupRemote(t)
	g := New(Options{})
	err := g.Clone(context.Background(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "mirror"))
	if !errors.Is(err, vcs.ErrRemoteNotFound) {
		t.Fatalf("Clone() error = %v, want ErrRemoteNotFound", err)
	}
}

func TestClone_NonEmptyDestination(t *testing.T) {
	remote := setupRemote(t)
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "x"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := New(Options{}).Clone(context.Background(), remote, dest); err == nil {
		t.Error("Clone() into non-empty directory succeeded")
	}
}

func TestWithConfig(t *testing.T) {
	g := New(Options{Proxy: "http://127.0.0.1:7890"})
	got := g.withConfig("fetch")
	want := []string{"-c", "http.proxy=http://127.0.0.1:7890", "-c", "https.proxy=http://127.0.0.1:7890", "fetch"}
	if len(got) != len(want) {
		t.Fatalf("withConfig() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("withConfig()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if got := New(Options{}).withConfig("fetch"); len(got) != 1 {
		t.Errorf("withConfig() without proxy = %v", got)
	}
}
