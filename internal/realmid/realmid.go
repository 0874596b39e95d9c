// Package realmid reads and patches the realm identity table embedded in the
// auction add-on (LibRealmInfo.lua).
//
// The table maps numeric realm IDs to a comma separated description:
//
//	realmData = {
//	[3207]="Goldrinn,PvE,ptBR,US,America/Sao_Paulo",
//	...
//	}
//
// The add-on resolves a realm's region from this table, so a realm missing
// from it is exported under the wrong region or not at all. Patch inserts
// the missing entries.
package realmid

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ahsync/ahsync/internal/types"
)

// LibPath is the table's location relative to a game version folder.
const LibPath = "Interface/AddOns/TradeSkillMaster/External/EmbeddedLibs/LibRealmInfo/LibRealmInfo.lua"

var (
	tableStart = regexp.MustCompile(`^\s*(local\s+)?realmData\s*=\s*\{\s*$`)
	tableEnd   = regexp.MustCompile(`^\s*\}\s*,?\s*$`)
	entryLine  = regexp.MustCompile(`^\s*\[(\d+)\]\s*=\s*"([^"]*)"\s*,?\s*$`)
)

// Realm is one realm identity entry.
type Realm struct {
	ID       int          `yaml:"id" json:"id"`
	Name     string       `yaml:"name" json:"name"`
	Rules    string       `yaml:"rules" json:"rules"`
	Locale   string       `yaml:"locale" json:"locale"`
	Region   types.Region `yaml:"region" json:"region"`
	Timezone string       `yaml:"timezone" json:"timezone"`
}

// Key returns the store key the realm corresponds to.
func (r Realm) Key() types.Key {
	return types.NewKey(r.Region, r.Name)
}

// Validate checks that the entry can be written to the table.
func (r Realm) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("realm %q: id must be positive", r.Name)
	}
	if r.Name == "" {
		return fmt.Errorf("realm %d: name is required", r.ID)
	}
	if !r.Region.Valid() {
		return fmt.Errorf("realm %d: invalid region %q", r.ID, r.Region)
	}
	for _, f := range []string{r.Name, r.Rules, r.Locale, r.Timezone} {
		if strings.ContainsAny(f, ",\"\n") {
			return fmt.Errorf("realm %d: field %q contains a reserved character", r.ID, f)
		}
	}
	return nil
}

// Entry renders the realm as a table entry line, without indentation.
func (r Realm) Entry() string {
	return fmt.Sprintf(`[%d]="%s,%s,%s,%s,%s",`, r.ID, r.Name, r.Rules, r.Locale, r.Region.Upper(), r.Timezone)
}

func parseEntry(id int, desc string) (Realm, bool) {
	fields := strings.Split(desc, ",")
	if len(fields) < 4 {
		return Realm{}, false
	}
	region, err := types.ParseRegion(fields[3])
	if err != nil {
		return Realm{}, false
	}
	r := Realm{
		ID:     id,
		Name:   fields[0],
		Rules:  fields[1],
		Locale: fields[2],
		Region: region,
	}
	if len(fields) > 4 {
		r.Timezone = fields[4]
	}
	return r, true
}

// Registry is the parsed realm identity table.
type Registry struct {
	byID  map[int]Realm
	byKey map[types.Key]Realm
}

// LoadRegistry parses the table in the file at path.
func LoadRegistry(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRegistry(f)
}

// ParseRegistry parses a realm identity table. Entries for regions this
// build does not know are ignored.
func ParseRegistry(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	t, err := locate(data)
	if err != nil {
		return nil, err
	}
	return t.registry(), nil
}

// NewRegistry builds a registry from explicit entries.
func NewRegistry(realms ...Realm) *Registry {
	reg := &Registry{byID: make(map[int]Realm), byKey: make(map[types.Key]Realm)}
	for _, r := range realms {
		reg.add(r)
	}
	return reg
}

func (reg *Registry) add(r Realm) {
	reg.byID[r.ID] = r
	if _, dup := reg.byKey[r.Key()]; !dup {
		reg.byKey[r.Key()] = r
	}
}

// Lookup returns the entry for key.
func (reg *Registry) Lookup(key types.Key) (Realm, bool) {
	if reg == nil {
		return Realm{}, false
	}
	r, ok := reg.byKey[key]
	return r, ok
}

// ByID returns the entry with the given realm ID.
func (reg *Registry) ByID(id int) (Realm, bool) {
	if reg == nil {
		return Realm{}, false
	}
	r, ok := reg.byID[id]
	return r, ok
}

// Len returns the number of entries.
func (reg *Registry) Len() int {
	if reg == nil {
		return 0
	}
	return len(reg.byID)
}

// table is the located realmData block of a file.
type table struct {
	lines   []string // file split on "\n"
	start   int      // index of the "realmData = {" line
	end     int      // index of the closing "}" line
	indent  string   // indentation of existing entries
	entries []Realm
}

func locate(data []byte) (*table, error) {
	// Splitting on "\n" alone keeps "\r" and a trailing empty element, so
	// joining the lines back reproduces the file byte for byte.
	t := &table{lines: strings.Split(string(data), "\n"), start: -1, end: -1}

	indentSet := false
	for i, line := range t.lines {
		trimmed := strings.TrimRight(line, "\r")
		if t.start < 0 {
			if tableStart.MatchString(trimmed) {
				t.start = i
			}
			continue
		}
		if tableEnd.MatchString(trimmed) {
			t.end = i
			break
		}
		m := entryLine.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		if !indentSet {
			t.indent = trimmed[:len(trimmed)-len(strings.TrimLeft(trimmed, " \t"))]
			indentSet = true
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if r, ok := parseEntry(id, m[2]); ok {
			t.entries = append(t.entries, r)
		} else {
			// Unknown region: keep the ID reserved so it is never reused.
			t.entries = append(t.entries, Realm{ID: id})
		}
	}

	if t.start < 0 {
		return nil, fmt.Errorf("realmData table not found")
	}
	if t.end < 0 {
		return nil, fmt.Errorf("realmData table is not closed")
	}
	return t, nil
}

func (t *table) registry() *Registry {
	reg := NewRegistry()
	for _, r := range t.entries {
		if r.Region.Valid() {
			reg.add(r)
		} else {
			reg.byID[r.ID] = r
		}
	}
	return reg
}

// missing returns the mappings the table lacks, by ID or by region and name,
// sorted by ID.
func (t *table) missing(mappings []Realm) []Realm {
	reg := t.registry()
	seenID := make(map[int]bool)
	seenKey := make(map[types.Key]bool)

	var out []Realm
	for _, m := range mappings {
		if _, ok := reg.ByID(m.ID); ok {
			continue
		}
		if _, ok := reg.Lookup(m.Key()); ok {
			continue
		}
		if seenID[m.ID] || seenKey[m.Key()] {
			continue
		}
		seenID[m.ID] = true
		seenKey[m.Key()] = true
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// render returns the file content with add inserted before the closing brace.
func (t *table) render(add []Realm) []byte {
	eol := "\n"
	if strings.HasSuffix(t.lines[t.start], "\r") {
		eol = "\r\n"
	}

	out := make([]string, 0, len(t.lines)+len(add))
	out = append(out, t.lines[:t.end]...)
	for _, r := range add {
		out = append(out, t.indent+r.Entry()+strings.TrimSuffix(eol, "\n"))
	}
	out = append(out, t.lines[t.end:]...)
	return []byte(strings.Join(out, "\n"))
}
