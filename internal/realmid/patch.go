package realmid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ahsync/ahsync/internal/atomicfile"
	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/types"
)

// PatchResult describes one Patch call.
type PatchResult struct {
	Path string

	// Added lists the entries inserted, sorted by ID.
	Added []Realm

	// Present counts mappings the table already had.
	Present int

	// Changed reports whether the file was rewritten.
	Changed bool
}

// Patch inserts every mapping the table at path lacks. A mapping is present
// when the table has its ID or its region and name. When nothing is missing
// the file is left untouched, so patching twice is a no-op.
func Patch(ctx context.Context, path string, mappings []Realm) (*PatchResult, error) {
	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("patch: %w", err)
		}
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.E("patch", errs.ErrTargetNotFound, "", path, nil)
	}
	if err != nil {
		return nil, errs.E("patch", errs.ErrTargetNotFound, "", path, err)
	}
	if info.IsDir() {
		return nil, errs.E("patch", errs.ErrTargetNotFound, "", path, errors.New("is a directory"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patch %s: %w", path, err)
	}
	t, err := locate(data)
	if err != nil {
		return nil, errs.E("patch", errs.ErrUnsupportedFormat, "", path, err)
	}

	add := t.missing(mappings)
	res := &PatchResult{Path: path, Added: add, Present: len(mappings) - len(add)}
	if len(add) == 0 {
		return res, nil
	}

	if err := atomicfile.WriteFile(ctx, path, t.render(add), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("patch %s: %w", path, err)
	}
	res.Changed = true
	return res, nil
}

// FindTargets returns the identity table of every game version installed
// under the game's base directory.
func FindTargets(wowBase string) []string {
	var out []string
	for _, v := range types.GameVersions {
		path := filepath.Join(wowBase, v.FolderName(), filepath.FromSlash(LibPath))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			out = append(out, path)
		}
	}
	return out
}

// Digest returns the hex SHA-256 of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// mappingsFile is the on-disk list of mappings to patch in.
type mappingsFile struct {
	Realms []Realm `yaml:"realms"`
}

// LoadMappings reads a YAML mappings file:
//
//	realms:
//	  - id: 3207
//	    name: Goldrinn
//	    rules: PvE
//	    locale: ptBR
//	    region: us
//	    timezone: America/Sao_Paulo
func LoadMappings(path string) ([]Realm, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f mappingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for i := range f.Realms {
		region, err := types.ParseRegion(string(f.Realms[i].Region))
		if err != nil {
			return nil, fmt.Errorf("%s: realm %d: %w", path, f.Realms[i].ID, err)
		}
		f.Realms[i].Region = region
		if err := f.Realms[i].Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Realms, nil
}
