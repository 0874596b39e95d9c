package export

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ahsync/ahsync/internal/market"
	"github.com/ahsync/ahsync/internal/types"
)

// Data types understood by the add-on's LoadData.
const (
	TypeRealmData  = "AUCTIONDB_REALM_DATA"
	TypeRegionStat = "AUCTIONDB_REGION_STAT"
)

var (
	realmFields  = []string{"itemString", "minBuyout", "numAuctions", "marketValueRecent"}
	regionFields = []string{"itemString", "regionMarketValue"}
)

const base26Digits = "0123456789ABCDEFGHIJKLMNOP"

// Base26 encodes n the way the add-on decodes integers. Negative values
// encode as zero.
func Base26(n int64) string {
	if n <= 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base26Digits[n%26]
		n /= 26
	}
	return string(buf[i:])
}

// itemString renders an item identifier: bare when purely numeric, quoted
// otherwise.
func itemString(item string) string {
	if isNumeric(item) {
		return item
	}
	return luaString(item)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func luaString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
	return `"` + r.Replace(s) + `"`
}

// line renders one LoadData call.
func line(dataType, scope string, downloadTime int64, fields []string, rows []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = luaString(f)
	}
	chunk := fmt.Sprintf(`return {downloadTime=%s,fields={%s},data={%s}}`,
		strconv.FormatInt(downloadTime, 10), strings.Join(quoted, ","), strings.Join(rows, ","))
	return fmt.Sprintf(`select(2, ...).LoadData(%s,%s,%s)`, luaString(dataType), luaString(scope), longString(chunk))
}

// longString wraps s in the lowest-level Lua long bracket whose closing
// sequence does not occur in s.
func longString(s string) string {
	level := ""
	for strings.Contains(s, "]"+level+"]") {
		level += "="
	}
	return "[" + level + "[" + s + "]" + level + "]"
}

func realmRows(stats []market.ItemStats) []string {
	rows := make([]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, "{"+itemString(s.Item)+","+Base26(s.MinBuyout)+","+Base26(s.NumAuctions)+","+Base26(s.MarketValue)+"}")
	}
	return rows
}

// regionStats weights each realm's market value by the quantity it offers.
func regionStats(realms [][]market.ItemStats) []market.ItemStats {
	type acc struct {
		qty   int64
		value float64
	}
	byItem := make(map[string]*acc)
	for _, stats := range realms {
		for _, s := range stats {
			e := byItem[s.Item]
			if e == nil {
				e = &acc{}
				byItem[s.Item] = e
			}
			e.qty += s.NumAuctions
			e.value += float64(s.MarketValue) * float64(s.NumAuctions)
		}
	}

	out := make([]market.ItemStats, 0, len(byItem))
	for item, e := range byItem {
		if e.qty == 0 {
			continue
		}
		mv := market.Round(e.value / float64(e.qty))
		if mv == 0 {
			continue
		}
		out = append(out, market.ItemStats{Item: item, NumAuctions: e.qty, MarketValue: mv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	return out
}

func regionRows(stats []market.ItemStats) []string {
	rows := make([]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, "{"+itemString(s.Item)+","+Base26(s.MarketValue)+"}")
	}
	return rows
}

// realmEntry is one realm to render, already resolved to its display name.
type realmEntry struct {
	key    types.Key
	name   string
	record *types.Record
}

// render produces the whole export file. Entries are grouped by region in
// canonical order and sorted by key within a region; the output depends on
// nothing but its input.
func render(entries []realmEntry) (content []byte, downloadTime int64) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].key.Less(entries[j].key) })

	var b strings.Builder
	for i := 0; i < len(entries); {
		region := entries[i].key.Region
		j := i
		var newest int64
		var perRealm [][]market.ItemStats
		for ; j < len(entries) && entries[j].key.Region == region; j++ {
			e := entries[j]
			stats := market.Summarize(e.record.Auctions)
			perRealm = append(perRealm, stats)
			b.WriteString(line(TypeRealmData, e.name, e.record.ScanTime, realmFields, realmRows(stats)))
			b.WriteByte('\n')
			if e.record.ScanTime > newest {
				newest = e.record.ScanTime
			}
		}
		b.WriteString(line(TypeRegionStat, region.Upper(), newest, regionFields, regionRows(regionStats(perRealm))))
		b.WriteByte('\n')
		if newest > downloadTime {
			downloadTime = newest
		}
		i = j
	}
	return []byte(b.String()), downloadTime
}
