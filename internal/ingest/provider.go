// Package ingest turns raw auction scans from an upstream provider into
// snapshot records and stores them.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/types"
)

// RawAuction is one listing as the upstream reports it. Commodities carry
// UnitPrice; other auctions carry Buyout and/or Bid.
type RawAuction struct {
	ItemID       int   `json:"item_id"`
	Bonuses      []int `json:"bonus_lists,omitempty"`
	PetSpeciesID int   `json:"pet_species_id,omitempty"`
	Quantity     int64 `json:"quantity"`
	UnitPrice    int64 `json:"unit_price,omitempty"`
	Buyout       int64 `json:"buyout,omitempty"`
	Bid          int64 `json:"bid,omitempty"`
}

// RawRecord is one upstream scan of a realm.
type RawRecord struct {
	RealmName string       `json:"realm_name"`
	Timestamp int64        `json:"timestamp"`
	Auctions  []RawAuction `json:"auctions"`
}

// Provider fetches raw scans. Failures match errs.ErrAuthFailed,
// errs.ErrRateLimited or errs.ErrUnavailable.
type Provider interface {
	FetchRaw(ctx context.Context, region types.Region, realm string) (*RawRecord, error)
}

// DirProvider reads scans dumped as <Root>/<region>/<realm>.json.
type DirProvider struct {
	Root string
}

// FetchRaw implements Provider.
func (p DirProvider) FetchRaw(ctx context.Context, region types.Region, realm string) (*RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := types.NewKey(region, realm)
	path := filepath.Join(p.Root, string(region), key.Realm+".json")

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.E("fetch", errs.ErrUnavailable, key.String(), path, errors.New("no dump"))
	}
	if err != nil {
		return nil, errs.E("fetch", errs.ErrUnavailable, key.String(), path, err)
	}

	var raw RawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errs.E("fetch", errs.ErrUnavailable, key.String(), path, fmt.Errorf("failed to parse dump: %w", err))
	}
	return &raw, nil
}

// HTTPOptions configures an HTTPProvider.
type HTTPOptions struct {
	// BaseURL serves scans at <BaseURL>/<region>/<realm>.json.
	BaseURL string

	// Token, if set, is sent as a bearer token.
	Token string

	Proxy   string
	Timeout time.Duration
}

// HTTPProvider fetches scans from an HTTP mirror of the upstream API.
type HTTPProvider struct {
	client *resty.Client
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(opts HTTPOptions) *HTTPProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	client.SetHeader("user-agent", "ahsync-scanner")
	client.SetTimeout(timeout)
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}
	if opts.Proxy != "" {
		client.SetProxy(opts.Proxy)
	}
	return &HTTPProvider{client: client}
}

// FetchRaw implements Provider.
func (p *HTTPProvider) FetchRaw(ctx context.Context, region types.Region, realm string) (*RawRecord, error) {
	key := types.NewKey(region, realm)
	path := "/" + string(region) + "/" + key.Realm + ".json"

	res, err := p.client.R().SetContext(ctx).Get(path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.E("fetch", errs.ErrUnavailable, key.String(), "", err)
	}

	switch code := res.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, errs.E("fetch", errs.ErrAuthFailed, key.String(), "", fmt.Errorf("HTTP %s", res.Status()))
	case code == http.StatusTooManyRequests:
		return nil, errs.E("fetch", errs.ErrRateLimited, key.String(), "", fmt.Errorf("HTTP %s", res.Status()))
	case res.IsError():
		return nil, errs.E("fetch", errs.ErrUnavailable, key.String(), "", fmt.Errorf("HTTP %s", res.Status()))
	}

	var raw RawRecord
	if err := json.Unmarshal(res.Body(), &raw); err != nil {
		return nil, errs.E("fetch", errs.ErrUnavailable, key.String(), "", fmt.Errorf("failed to parse scan: %w", err))
	}
	return &raw, nil
}
