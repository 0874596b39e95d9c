package remotesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/store"
	"github.com/ahsync/ahsync/internal/types"
	"github.com/ahsync/ahsync/internal/vcs"
)

// setupRemote creates a git repository holding a dataset with the given
// records and returns its path.
func setupRemote(t *testing.T, recs ...*types.Record) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	runGit(t, dir, "init", "--quiet")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "user.email", "test@example.com")
	writeFile(t, filepath.Join(dir, DescriptorFile), "format = 1\nname = \"test\"\n")
	for _, rec := range recs {
		writeRecord(t, dir, rec)
	}
	commitAll(t, dir)
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func commitAll(t *testing.T, dir string) {
	t.Helper()
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "--quiet", "-m", "update dataset")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeRecord(t *testing.T, dir string, rec *types.Record) {
	t.Helper()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, string(rec.Region), rec.Realm+".json"), string(data))
}

func record(region types.Region, realm string, scan int64, price int64) *types.Record {
	return &types.Record{
		Region:    region,
		Realm:     types.Slug(realm),
		RealmName: realm,
		ScanTime:  scan,
		Auctions: []types.Auction{
			{Item: "2589", Quantity: 10, UnitPrice: price},
			{Item: "2592", Quantity: 3, UnitPrice: price * 2},
		},
	}
}

func testManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.Open(filepath.Join(dataDir, "snapshots.db"), nil)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, Options{DataDir: dataDir}), st
}

func TestFork_ListsAllRemoteKeys(t *testing.T) {
	recs := []*types.Record{
		record(types.RegionUS, "Area52", 100, 10),
		record(types.RegionUS, "Stormrage", 100, 20),
		record(types.RegionEU, "Silvermoon", 100, 30),
	}
	remote := setupRemote(t, recs...)
	m, st := testManager(t)
	ctx := context.Background()

	res, err := m.Fork(ctx, remote, "")
	if err != nil {
		t.Fatalf("Fork() failed: %v", err)
	}
	if res.Added != 3 || res.Replaced != 0 || res.Unchanged != 0 {
		t.Errorf("Fork() = %+v, want 3 added", res)
	}
	if res.Head == "" {
		t.Error("Fork() returned empty head")
	}

	keys, err := st.List(ctx, "")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if diff := cmp.Diff(res.Keys, keys); diff != "" {
		t.Errorf("List() mismatch (-remote +local):\n%s", diff)
	}

	for _, rec := range recs {
		want, _ := rec.Fingerprint()
		got, err := st.Fingerprint(ctx, rec.Key())
		if err != nil {
			t.Fatalf("Fingerprint(%s) failed: %v", rec.Key(), err)
		}
		if got != want {
			t.Errorf("Fingerprint(%s) = %s, want %s", rec.Key(), got, want)
		}
	}
}

func TestFork_StoreNotEmpty(t *testing.T) {
	remote := setupRemote(t, record(types.RegionUS, "Area52", 100, 10))
	m, st := testManager(t)
	ctx := context.Background()

	local := record(types.RegionKR, "Azshara", 50, 1)
	if err := st.Put(ctx, local.Key(), local); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if _, err := m.Fork(ctx, remote, ""); !errors.Is(err, errs.ErrStoreNotEmpty) {
		t.Fatalf("Fork() error = %v, want ErrStoreNotEmpty", err)
	}
}

func TestPullOverwrite_SecondPullChangesNothing(t *testing.T) {
	remote := setupRemote(t,
		record(types.RegionUS, "Area52", 100, 10),
		record(types.RegionEU, "Draenor", 100, 20),
	)
	m, st := testManager(t)
	ctx := context.Background()

	if _, err := m.PullOverwrite(ctx, remote, ""); err != nil {
		t.Fatalf("PullOverwrite() failed: %v", err)
	}

	var changes []store.Change
	cancel := st.Subscribe(func(c store.Change) { changes = append(changes, c) })
	defer cancel()

	res, err := m.PullOverwrite(ctx, remote, "")
	if err != nil {
		t.Fatalf("PullOverwrite() failed: %v", err)
	}
	if res.Unchanged != len(res.Keys) || res.Added != 0 || res.Replaced != 0 {
		t.Errorf("PullOverwrite() = %+v, want all unchanged", res)
	}
	if len(changes) != 0 {
		t.Errorf("second pull produced %d store changes, want 0", len(changes))
	}
}

func TestPullOverwrite_ReplacesOnlyChangedAndKeepsLocalOnly(t *testing.T) {
	area52 := record(types.RegionUS, "Area52", 100, 10)
	draenor := record(types.RegionEU, "Draenor", 100, 20)
	remote := setupRemote(t, area52, draenor)
	m, st := testManager(t)
	ctx := context.Background()

	localOnly := record(types.RegionTW, "Skywall", 42, 5)
	if err := st.Put(ctx, localOnly.Key(), localOnly); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := m.PullOverwrite(ctx, remote, ""); err != nil {
		t.Fatalf("PullOverwrite() failed: %v", err)
	}

	updated := record(types.RegionUS, "Area52", 200, 11)
	writeRecord(t, remote, updated)
	commitAll(t, remote)

	var changed []types.Key
	cancel := st.Subscribe(func(c store.Change) { changed = append(changed, c.Key) })
	defer cancel()

	res, err := m.PullOverwrite(ctx, remote, "")
	if err != nil {
		t.Fatalf("PullOverwrite() failed: %v", err)
	}
	if res.Replaced != 1 || res.Unchanged != 1 || res.Added != 0 {
		t.Errorf("PullOverwrite() = %+v, want 1 replaced and 1 unchanged", res)
	}
	if diff := cmp.Diff([]types.Key{updated.Key()}, changed); diff != "" {
		t.Errorf("changed keys mismatch (-want +got):\n%s", diff)
	}

	got, err := st.Get(ctx, updated.Key())
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ScanTime != 200 {
		t.Errorf("ScanTime = %d, want 200", got.ScanTime)
	}
	if _, err := st.Get(ctx, localOnly.Key()); err != nil {
		t.Errorf("local-only record lost: %v", err)
	}
}

func TestPullOverwrite_InvalidRepositoryAppliesNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
	}{
		{
			name: "missing descriptor",
			setup: func(t *testing.T, dir string) {
				runGit(t, dir, "rm", "--quiet", DescriptorFile)
			},
		},
		{
			name: "unsupported format",
			setup: func(t *testing.T, dir string) {
				writeFile(t, filepath.Join(dir, DescriptorFile), "format = 2\n")
			},
		},
		{
			name: "record under the wrong path",
			setup: func(t *testing.T, dir string) {
				rec := record(types.RegionUS, "Stormrage", 100, 1)
				data, _ := json.Marshal(rec)
				writeFile(t, filepath.Join(dir, "eu", "stormrage.json"), string(data))
			},
		},
		{
			name: "malformed record",
			setup: func(t *testing.T, dir string) {
				writeFile(t, filepath.Join(dir, "us", "broken.json"), "{")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := setupRemote(t, record(types.RegionUS, "Area52", 100, 10))
			tt.setup(t, remote)
			commitAll(t, remote)

			m, st := testManager(t)
			ctx := context.Background()

			_, err := m.PullOverwrite(ctx, remote, "")
			if !errors.Is(err, errs.ErrInvalidRepository) {
				t.Fatalf("PullOverwrite() error = %v, want ErrInvalidRepository", err)
			}
			if n, _ := st.Count(ctx); n != 0 {
				t.Errorf("store has %d records after failed pull, want 0", n)
			}
		})
	}
}

func TestPullOverwrite_MissingRemote(t *testing.T) {
	setupRemote(t)
	m, _ := testManager(t)
	_, err := m.PullOverwrite(context.Background(), filepath.Join(t.TempDir(), "missing"), "")
	if !errors.Is(err, errs.ErrInvalidRepository) {
		t.Fatalf("PullOverwrite() error = %v, want ErrInvalidRepository", err)
	}
}

func TestPullOverwrite_ProxyUnreachable(t *testing.T) {
	remote := setupRemote(t, record(types.RegionUS, "Area52", 100, 10))
	m, _ := testManager(t)

	// Grab a free port and release it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	_, err = m.PullOverwrite(context.Background(), remote, "http://"+addr)
	if !errors.Is(err, errs.ErrProxyUnreachable) {
		t.Fatalf("PullOverwrite() error = %v, want ErrProxyUnreachable", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"credential prompt", "fatal: could not read Username for 'https://github.com': terminal prompts disabled", errs.ErrInvalidRepository},
		{"auth failed", "remote: Invalid username or password.\nfatal: Authentication failed for 'https://github.com/x/y.git/'", errs.ErrInvalidRepository},
		{"not found", "remote: Repository not found.\nfatal: repository 'https://github.com/x/y.git/' not found", errs.ErrInvalidRepository},
		{"proxy", "fatal: unable to access 'https://github.com/x/y.git/': Failed to connect to proxy 127.0.0.1 port 1", errs.ErrProxyUnreachable},
		{"dns", "fatal: unable to access 'https://github.com/x/y.git/': Could not resolve host: github.com", errs.ErrRemoteUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmdErr := &vcs.CommandError{Name: "git", Args: []string{"clone"}, Stderr: tt.stderr, Err: errors.New("exit status 128")}
			kind := vcs.ClassifyStderr(tt.stderr)
			if kind == nil {
				t.Fatalf("ClassifyStderr(%q) = nil", tt.stderr)
			}
			err := classify("pull", fmt.Errorf("%w: %w", kind, cmdErr))
			if !errors.Is(err, tt.want) {
				t.Errorf("classify() = %v, want %v", err, tt.want)
			}
			if tt.want == errs.ErrInvalidRepository && errs.IsRetryable(err) {
				t.Errorf("classify() = %v is retryable", err)
			}
		})
	}
}
