package atomicfile

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.lua")

	if err := WriteFile(context.Background(), path, []byte("first"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := WriteFile(context.Background(), path, []byte("second"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}
	assertNoTempFiles(t, filepath.Dir(path))
}

func TestWrite_FillErrorKeepsOld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.lua")
	if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("disk full")
	err := Write(context.Background(), path, 0644, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Write() error = %v, want %v", err, boom)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "old" {
		t.Errorf("content = %q, want old content", got)
	}
	assertNoTempFiles(t, filepath.Dir(path))
}

func TestWrite_CancelledBeforeRename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.lua")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WriteFile(ctx, path, []byte("new"), 0644)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("WriteFile() error = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("destination exists after cancelled write: %v", err)
	}
	assertNoTempFiles(t, filepath.Dir(path))
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}
