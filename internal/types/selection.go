package types

import "fmt"

// Selection is the user-chosen subset of the store that drives export scope
// and change-watch filtering. The core never persists it.
type Selection struct {
	Region Region   `mapstructure:"region" json:"region"`
	Realms []string `mapstructure:"realms" json:"realms"`
}

// Keys returns the selection's keys in canonical order, deduplicated.
func (s Selection) Keys() []Key {
	seen := make(map[Key]bool, len(s.Realms))
	keys := make([]Key, 0, len(s.Realms))
	for _, realm := range s.Realms {
		k := NewKey(s.Region, realm)
		if k.Realm == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// Contains reports whether k is part of the selection.
func (s Selection) Contains(k Key) bool {
	if k.Region != s.Region {
		return false
	}
	for _, realm := range s.Realms {
		if Slug(realm) == k.Realm {
			return true
		}
	}
	return false
}

// Validate checks that the selection names a region and at least one realm.
func (s Selection) Validate() error {
	if !s.Region.Valid() {
		return fmt.Errorf("selection: invalid region %q", s.Region)
	}
	if len(s.Keys()) == 0 {
		return fmt.Errorf("selection: no realms selected")
	}
	return nil
}
