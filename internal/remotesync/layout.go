package remotesync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ahsync/ahsync/internal/types"
)

// DescriptorFile is the dataset descriptor at the repository root.
const DescriptorFile = "dataset.toml"

// SupportedFormat is the only dataset layout version this build reads.
const SupportedFormat = 1

// Descriptor is the decoded dataset.toml.
type Descriptor struct {
	Format  int      `toml:"format"`
	Name    string   `toml:"name"`
	Regions []string `toml:"regions"`
}

// Dataset is a fully parsed and validated remote checkout.
type Dataset struct {
	Descriptor Descriptor
	Records    map[types.Key]*types.Record
}

// Keys returns the dataset keys in canonical order.
func (d *Dataset) Keys() []types.Key {
	keys := make([]types.Key, 0, len(d.Records))
	for k := range d.Records {
		keys = append(keys, k)
	}
	types.SortKeys(keys)
	return keys
}

// LoadDataset reads and validates every record file of the checkout at dir.
// Any structural problem fails the whole load; callers apply nothing unless
// it succeeds.
//
// Layout:
//
//	dataset.toml          format = 1
//	<region>/<realm>.json one types.Record per file
func LoadDataset(dir string) (*Dataset, error) {
	var desc Descriptor
	descPath := filepath.Join(dir, DescriptorFile)
	if _, err := toml.DecodeFile(descPath, &desc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("missing %s", DescriptorFile)
		}
		return nil, fmt.Errorf("failed to parse %s: %w", DescriptorFile, err)
	}
	if desc.Format != SupportedFormat {
		return nil, fmt.Errorf("unsupported dataset format %d (want %d)", desc.Format, SupportedFormat)
	}

	regions := types.Regions
	if len(desc.Regions) > 0 {
		regions = make([]types.Region, 0, len(desc.Regions))
		for _, s := range desc.Regions {
			r, err := types.ParseRegion(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", DescriptorFile, err)
			}
			regions = append(regions, r)
		}
	}

	ds := &Dataset{Descriptor: desc, Records: make(map[types.Key]*types.Record)}
	for _, region := range regions {
		if err := loadRegion(dir, region, ds.Records); err != nil {
			return nil, err
		}
	}

	if len(ds.Records) == 0 {
		return nil, fmt.Errorf("dataset holds no records")
	}
	return ds, nil
}

func loadRegion(dir string, region types.Region, out map[types.Key]*types.Record) error {
	regionDir := filepath.Join(dir, string(region))
	entries, err := os.ReadDir(regionDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", region, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rel := string(region) + "/" + entry.Name()

		data, err := os.ReadFile(filepath.Join(regionDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		rec, err := types.DecodeRecord(data)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}

		want := types.NewKey(region, strings.TrimSuffix(entry.Name(), ".json"))
		if rec.Key() != want {
			return fmt.Errorf("%s: record belongs to %s", rel, rec.Key())
		}
		if _, dup := out[want]; dup {
			return fmt.Errorf("%s: duplicate record for %s", rel, want)
		}
		out[want] = rec
	}
	return nil
}
