// Package market computes the per-item price statistics exported to the
// auction add-on: minimum buyout, quantity on offer and market value.
//
// Market value follows the add-on's AuctionDB definition: take the cheapest
// 15% to 30% of the quantity on offer, stop early at a price jump of 20% or
// more, then drop samples farther than 1.5 standard deviations from the mean
// and average what remains.
package market

import (
	"math"
	"sort"

	"github.com/ahsync/ahsync/internal/types"
)

const (
	SampleLo   = 0.15
	SampleHi   = 0.30
	MaxJumpMul = 1.2
	MaxStdMul  = 1.5
)

// PriceGroup is a quantity offered at one unit price.
type PriceGroup struct {
	Price    int64
	Quantity int64
}

// Value returns the market value of an item with total units on offer,
// given price groups sorted by ascending price. ok is false when there is
// nothing to sample.
func Value(total int64, groups []PriceGroup) (value float64, ok bool) {
	if total <= 0 || len(groups) == 0 {
		return 0, false
	}

	lo := int64(float64(total) * SampleLo)
	hi := int64(float64(total) * SampleHi)

	samples := make([]PriceGroup, 0, len(groups))
	var n, sum int64
	var last PriceGroup
	hasLast := false

	for _, g := range groups {
		if hasLast && n >= lo && (n >= hi || float64(g.Price) >= MaxJumpMul*float64(last.Price)) {
			break
		}

		samples = append(samples, g)
		n += g.Quantity
		sum += g.Price * g.Quantity

		if n > hi {
			tail := &samples[len(samples)-1]
			off := n - hi
			tail.Quantity -= off
			n -= off
			sum -= tail.Price * off

			if tail.Quantity == 0 {
				if hasLast {
					samples = samples[:len(samples)-1]
				} else {
					// Always keep at least one unit of the cheapest group.
					tail.Quantity = 1
					n++
					sum += tail.Price
				}
			}
			break
		}

		last = g
		hasLast = true
	}

	if n == 0 {
		return 0, false
	}

	mean := float64(sum) / float64(n)
	var variance float64
	for _, s := range samples {
		d := float64(s.Price) - mean
		variance += d * d * float64(s.Quantity)
	}

	var ddof int64 = 1
	if n == total {
		ddof = 0
	}
	var std float64
	if n > 1 {
		std = math.Sqrt(variance / float64(n-ddof))
	}
	limit := std * MaxStdMul

	keptN, keptSum := n, sum
	for _, s := range samples {
		if math.Abs(float64(s.Price)-mean) > limit {
			keptN -= s.Quantity
			keptSum -= s.Price * s.Quantity
		}
	}
	if keptN <= 0 {
		return mean, true
	}
	return float64(keptSum) / float64(keptN), true
}

// ItemStats is the exported summary of one item in one snapshot.
type ItemStats struct {
	Item        string
	MinBuyout   int64
	NumAuctions int64
	MarketValue int64
}

// Summarize aggregates auctions into per-item statistics, sorted by item.
// Items whose market value rounds to zero are omitted.
func Summarize(auctions []types.Auction) []ItemStats {
	type acc struct {
		total     int64
		minBuyout int64
		groups    []PriceGroup
	}
	byItem := make(map[string]*acc)

	for _, a := range auctions {
		if a.Quantity <= 0 {
			continue
		}
		e := byItem[a.Item]
		if e == nil {
			e = &acc{}
			byItem[a.Item] = e
		}
		e.total += a.Quantity
		if a.Buyout > 0 && (e.minBuyout == 0 || a.Buyout < e.minBuyout) {
			e.minBuyout = a.Buyout
		}
		e.groups = append(e.groups, PriceGroup{Price: a.UnitPrice, Quantity: a.Quantity})
	}

	out := make([]ItemStats, 0, len(byItem))
	for item, e := range byItem {
		sort.Slice(e.groups, func(i, j int) bool {
			if e.groups[i].Price != e.groups[j].Price {
				return e.groups[i].Price < e.groups[j].Price
			}
			return e.groups[i].Quantity < e.groups[j].Quantity
		})
		v, ok := Value(e.total, e.groups)
		mv := Round(v)
		if !ok || mv == 0 {
			continue
		}
		out = append(out, ItemStats{
			Item:        item,
			MinBuyout:   e.minBuyout,
			NumAuctions: e.total,
			MarketValue: mv,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	return out
}

// Round rounds half up to the nearest copper.
func Round(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
