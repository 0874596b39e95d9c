package realmid

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/types"
)

const sampleLib = `local MAJOR, MINOR = "LibRealmInfo", 20
local lib = LibStub:NewLibrary(MAJOR, MINOR)

local realmData = {
	[1]="Lightbringer,PvE,enUS,US,America/Los_Angeles",
	[3676]="Area 52,PvE,enUS,US,America/New_York",
	[1305]="Kazzak,PvP,enGB,EU,Europe/Paris",
	[5000]="Somewhere,PvE,zhCN,CN,Asia/Shanghai",
}

function lib:GetRealmInfo(name, region)
end
`

func writeLib(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "LibRealmInfo.lua")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseRegistry(t *testing.T) {
	reg, err := ParseRegistry(strings.NewReader(sampleLib))
	if err != nil {
		t.Fatalf("ParseRegistry() failed: %v", err)
	}
	if reg.Len() != 4 {
		t.Errorf("Len() = %d, want 4", reg.Len())
	}

	got, ok := reg.Lookup(types.NewKey(types.RegionUS, "area52"))
	if !ok {
		t.Fatal("Lookup(us/area52) not found")
	}
	want := Realm{ID: 3676, Name: "Area 52", Rules: "PvE", Locale: "enUS", Region: types.RegionUS, Timezone: "America/New_York"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Lookup() mismatch (-want +got):\n%s", diff)
	}

	if _, ok := reg.Lookup(types.NewKey(types.RegionEU, "area52")); ok {
		t.Error("Lookup(eu/area52) found, realms are region scoped")
	}
	if _, ok := reg.ByID(5000); !ok {
		t.Error("ByID(5000) not found for unknown-region entry")
	}
}

func TestParseRegistry_UnsupportedFormat(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no table", "local x = 1\n"},
		{"unclosed table", "local realmData = {\n[1]=\"A,PvE,enUS,US,X\",\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRegistry(strings.NewReader(tt.content)); err == nil {
				t.Error("ParseRegistry() succeeded, want error")
			}
		})
	}
}

func TestPatch_InsertsMissingSorted(t *testing.T) {
	path := writeLib(t, sampleLib)
	mappings := []Realm{
		{ID: 4000, Name: "Skywall", Rules: "PvE", Locale: "zhTW", Region: types.RegionTW, Timezone: "Asia/Taipei"},
		{ID: 3676, Name: "Area 52", Rules: "PvE", Locale: "enUS", Region: types.RegionUS, Timezone: "America/New_York"},
		{ID: 2116, Name: "Azshara", Rules: "PvP", Locale: "koKR", Region: types.RegionKR, Timezone: "Asia/Seoul"},
	}

	res, err := Patch(context.Background(), path, mappings)
	if err != nil {
		t.Fatalf("Patch() failed: %v", err)
	}
	if !res.Changed || len(res.Added) != 2 || res.Present != 1 {
		t.Errorf("Patch() = %+v, want 2 added and 1 present", res)
	}

	got, _ := os.ReadFile(path)
	want := strings.Replace(sampleLib,
		"\t[5000]=\"Somewhere,PvE,zhCN,CN,Asia/Shanghai\",\n}",
		"\t[5000]=\"Somewhere,PvE,zhCN,CN,Asia/Shanghai\",\n"+
			"\t[2116]=\"Azshara,PvP,koKR,KR,Asia/Seoul\",\n"+
			"\t[4000]=\"Skywall,PvE,zhTW,TW,Asia/Taipei\",\n}", 1)
	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Errorf("patched file mismatch (-want +got):\n%s", diff)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry() failed: %v", err)
	}
	if _, ok := reg.Lookup(types.NewKey(types.RegionTW, "Skywall")); !ok {
		t.Error("patched realm not resolvable")
	}
}

func TestPatch_Idempotent(t *testing.T) {
	path := writeLib(t, sampleLib)
	mappings := []Realm{
		{ID: 4000, Name: "Skywall", Rules: "PvE", Locale: "zhTW", Region: types.RegionTW, Timezone: "Asia/Taipei"},
	}

	if _, err := Patch(context.Background(), path, mappings); err != nil {
		t.Fatalf("Patch() failed: %v", err)
	}
	first, _ := os.ReadFile(path)
	firstDigest, err := Digest(path)
	if err != nil {
		t.Fatalf("Digest() failed: %v", err)
	}

	res, err := Patch(context.Background(), path, mappings)
	if err != nil {
		t.Fatalf("second Patch() failed: %v", err)
	}
	if res.Changed || len(res.Added) != 0 {
		t.Errorf("second Patch() = %+v, want no change", res)
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Error("second Patch() changed the file")
	}
	if d, _ := Digest(path); d != firstDigest {
		t.Errorf("Digest() = %s, want %s", d, firstDigest)
	}
}

func TestPatch_MatchesByRegionAndName(t *testing.T) {
	path := writeLib(t, sampleLib)
	// Different ID, same region and name as an existing entry.
	res, err := Patch(context.Background(), path, []Realm{
		{ID: 9999, Name: "Kazzak", Rules: "PvP", Locale: "enGB", Region: types.RegionEU, Timezone: "Europe/Paris"},
	})
	if err != nil {
		t.Fatalf("Patch() failed: %v", err)
	}
	if res.Changed {
		t.Error("Patch() rewrote the file for an already mapped realm")
	}
}

func TestPatch_CRLF(t *testing.T) {
	path := writeLib(t, strings.ReplaceAll(sampleLib, "\n", "\r\n"))
	_, err := Patch(context.Background(), path, []Realm{
		{ID: 4000, Name: "Skywall", Rules: "PvE", Locale: "zhTW", Region: types.RegionTW, Timezone: "Asia/Taipei"},
	})
	if err != nil {
		t.Fatalf("Patch() failed: %v", err)
	}
	got, _ := os.ReadFile(path)
	if !strings.Contains(string(got), "\t[4000]=\"Skywall,PvE,zhTW,TW,Asia/Taipei\",\r\n}") {
		t.Errorf("CRLF line endings not preserved:\n%q", got)
	}
}

func TestPatch_Errors(t *testing.T) {
	ctx := context.Background()
	valid := []Realm{{ID: 1, Name: "X", Region: types.RegionUS}}

	_, err := Patch(ctx, filepath.Join(t.TempDir(), "missing.lua"), valid)
	if !errors.Is(err, errs.ErrTargetNotFound) {
		t.Errorf("Patch(missing) error = %v, want ErrTargetNotFound", err)
	}

	path := writeLib(t, "return {}\n")
	_, err = Patch(ctx, path, valid)
	if !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Errorf("Patch(no table) error = %v, want ErrUnsupportedFormat", err)
	}
	if got, _ := os.ReadFile(path); string(got) != "return {}\n" {
		t.Error("unsupported file was modified")
	}

	_, err = Patch(ctx, path, []Realm{{ID: 2, Name: "Bad,Name", Region: types.RegionUS}})
	if err == nil {
		t.Error("Patch() accepted a mapping with a reserved character")
	}
}

func TestFindTargets(t *testing.T) {
	base := t.TempDir()
	for _, v := range []types.GameVersion{types.GameRetail, types.GameClassicEra} {
		path := filepath.Join(base, v.FolderName(), filepath.FromSlash(LibPath))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(sampleLib), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got := FindTargets(base)
	want := []string{
		filepath.Join(base, "_retail_", filepath.FromSlash(LibPath)),
		filepath.Join(base, "_classic_era_", filepath.FromSlash(LibPath)),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FindTargets() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realms.yaml")
	content := `realms:
  - id: 4000
    name: Skywall
    rules: PvE
    locale: zhTW
    region: TW
    timezone: Asia/Taipei
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadMappings(path)
	if err != nil {
		t.Fatalf("LoadMappings() failed: %v", err)
	}
	want := []Realm{{ID: 4000, Name: "Skywall", Rules: "PvE", Locale: "zhTW", Region: types.RegionTW, Timezone: "Asia/Taipei"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadMappings() mismatch (-want +got):\n%s", diff)
	}
}
