// Package types holds the domain model shared by every ahsync component:
// regions, realms, snapshot records and selections.
package types

import (
	"fmt"
	"strings"
)

// Region is a market region identifier.
type Region string

const (
	RegionUS Region = "us"
	RegionEU Region = "eu"
	RegionKR Region = "kr"
	RegionTW Region = "tw"
)

// Regions lists every known region in canonical order.
var Regions = []Region{RegionUS, RegionEU, RegionKR, RegionTW}

// ParseRegion parses a region identifier case-insensitively.
func ParseRegion(s string) (Region, error) {
	r := Region(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown region %q", s)
	}
	return r, nil
}

// Valid reports whether r is a known region.
func (r Region) Valid() bool {
	for _, known := range Regions {
		if r == known {
			return true
		}
	}
	return false
}

// String returns the lower-case identifier.
func (r Region) String() string {
	return string(r)
}

// Upper returns the identifier as the add-on spells it (US, EU, ...).
func (r Region) Upper() string {
	return strings.ToUpper(string(r))
}

// GameVersion selects the game flavor a snapshot belongs to.
type GameVersion string

const (
	GameRetail     GameVersion = "retail"
	GameClassic    GameVersion = "classic"
	GameClassicEra GameVersion = "classic_era"
)

// GameVersions lists every known game version.
var GameVersions = []GameVersion{GameRetail, GameClassic, GameClassicEra}

// ParseGameVersion parses a game version; the empty string means retail.
func ParseGameVersion(s string) (GameVersion, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return GameRetail, nil
	}
	for _, v := range GameVersions {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown game version %q", s)
}

// FolderName returns the installation sub-folder for this version.
func (v GameVersion) FolderName() string {
	switch v {
	case GameClassic:
		return "_classic_"
	case GameClassicEra:
		return "_classic_era_"
	default:
		return "_retail_"
	}
}
