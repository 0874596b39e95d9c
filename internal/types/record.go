package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Key identifies one snapshot: realm names are only unique within a region.
type Key struct {
	Region Region `json:"region"`
	Realm  string `json:"realm"`
}

// NewKey builds a key, normalizing the realm name to its slug.
func NewKey(region Region, realm string) Key {
	return Key{Region: region, Realm: Slug(realm)}
}

// ParseKey parses the "region/realm" form.
func ParseKey(s string) (Key, error) {
	region, realm, ok := strings.Cut(s, "/")
	if !ok || realm == "" {
		return Key{}, fmt.Errorf("invalid key %q: want region/realm", s)
	}
	r, err := ParseRegion(region)
	if err != nil {
		return Key{}, err
	}
	return NewKey(r, realm), nil
}

// String returns "region/realm".
func (k Key) String() string {
	return string(k.Region) + "/" + k.Realm
}

// Less orders keys by region then realm.
func (k Key) Less(o Key) bool {
	if k.Region != o.Region {
		return k.Region < o.Region
	}
	return k.Realm < o.Realm
}

// SortKeys sorts keys in place in canonical order.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// Slug lower-cases a realm name and drops everything that is not a letter
// or digit, so "Area 52" and "area52" resolve to the same key.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Auction is one aggregated listing line of a scan. Prices are in copper.
type Auction struct {
	Item      string `json:"item"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Buyout    int64  `json:"buyout,omitempty"`
}

// Record is the full auction snapshot of one realm at one scan time. It is
// replaced wholesale on every scan, never merged.
type Record struct {
	Region    Region    `json:"region"`
	Realm     string    `json:"realm"`
	RealmName string    `json:"realm_name,omitempty"`
	ScanTime  int64     `json:"scan_time"`
	Auctions  []Auction `json:"auctions"`
}

// Key returns the key the record belongs to.
func (r *Record) Key() Key {
	return Key{Region: r.Region, Realm: r.Realm}
}

// DisplayName returns the realm's display name, falling back to the slug.
func (r *Record) DisplayName() string {
	if r.RealmName != "" {
		return r.RealmName
	}
	return r.Realm
}

// Scanned returns the scan time as a time.Time.
func (r *Record) Scanned() time.Time {
	return time.Unix(r.ScanTime, 0).UTC()
}

// Validate checks that the record is well formed.
func (r *Record) Validate() error {
	if !r.Region.Valid() {
		return fmt.Errorf("invalid region %q", r.Region)
	}
	if r.Realm == "" {
		return fmt.Errorf("realm is required")
	}
	if r.Realm != Slug(r.Realm) {
		return fmt.Errorf("realm %q is not a slug", r.Realm)
	}
	if r.ScanTime <= 0 {
		return fmt.Errorf("scan_time is required")
	}
	for i, a := range r.Auctions {
		if a.Item == "" {
			return fmt.Errorf("auction %d: item is required", i)
		}
		if a.Quantity <= 0 {
			return fmt.Errorf("auction %d: quantity must be positive (got %d)", i, a.Quantity)
		}
		if a.UnitPrice < 0 || a.Buyout < 0 {
			return fmt.Errorf("auction %d: negative price", i)
		}
	}
	return nil
}

// Canonical returns a copy with auctions in canonical order and a non-nil
// auction slice, so equal scans encode to equal bytes.
func (r *Record) Canonical() *Record {
	c := *r
	c.Auctions = make([]Auction, len(r.Auctions))
	copy(c.Auctions, r.Auctions)
	sort.SliceStable(c.Auctions, func(i, j int) bool {
		a, b := c.Auctions[i], c.Auctions[j]
		if a.Item != b.Item {
			return a.Item < b.Item
		}
		if a.UnitPrice != b.UnitPrice {
			return a.UnitPrice < b.UnitPrice
		}
		if a.Quantity != b.Quantity {
			return a.Quantity < b.Quantity
		}
		return a.Buyout < b.Buyout
	})
	return &c
}

// Encode returns the canonical JSON encoding of the record.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r.Canonical())
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", r.Key(), err)
	}
	return data, nil
}

// Fingerprint returns the hex SHA-256 of the canonical encoding.
func (r *Record) Fingerprint() (string, error) {
	data, err := r.Encode()
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DecodeRecord parses a JSON encoded record and validates it.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	return &r, nil
}
