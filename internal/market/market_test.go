package market

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ahsync/ahsync/internal/types"
)

func TestValue(t *testing.T) {
	tests := []struct {
		name   string
		total  int64
		groups []PriceGroup
		want   float64
		wantOK bool
	}{
		{
			name:   "no supply",
			total:  0,
			groups: nil,
			wantOK: false,
		},
		{
			name:   "uniform price",
			total:  50,
			groups: []PriceGroup{{Price: 1500, Quantity: 15}, {Price: 150000, Quantity: 35}},
			want:   1500,
			wantOK: true,
		},
		{
			name:   "stops at price jump",
			total:  100,
			groups: []PriceGroup{{Price: 100, Quantity: 10}, {Price: 110, Quantity: 10}, {Price: 1000, Quantity: 80}},
			want:   105,
			wantOK: true,
		},
		{
			name:   "trims to the upper sample bound",
			total:  100,
			groups: []PriceGroup{{Price: 100, Quantity: 50}, {Price: 200, Quantity: 50}},
			want:   100,
			wantOK: true,
		},
		{
			name:   "tiny supply keeps one unit",
			total:  3,
			groups: []PriceGroup{{Price: 700, Quantity: 3}},
			want:   700,
			wantOK: true,
		},
		{
			name:   "gradual increase is sampled up to the bound",
			total:  10,
			groups: []PriceGroup{{Price: 100, Quantity: 1}, {Price: 119, Quantity: 1}, {Price: 142, Quantity: 1}, {Price: 160, Quantity: 7}},
			want:   (100.0 + 119 + 142) / 3,
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Value(tt.total, tt.groups)
			if ok != tt.wantOK {
				t.Fatalf("Value() ok = %v, want %v", ok, tt.wantOK)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Value() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValue_DoesNotMutateInput(t *testing.T) {
	groups := []PriceGroup{{Price: 100, Quantity: 50}, {Price: 200, Quantity: 50}}
	Value(100, groups)
	if groups[0].Quantity != 50 {
		t.Errorf("input mutated: %+v", groups)
	}
}

func TestSummarize(t *testing.T) {
	auctions := []types.Auction{
		{Item: "2589", Quantity: 20, UnitPrice: 1000, Buyout: 1000},
		{Item: "i:152505", Quantity: 1, UnitPrice: 90000},
		{Item: "2589", Quantity: 5, UnitPrice: 900, Buyout: 900},
		{Item: "free", Quantity: 2, UnitPrice: 0},
	}

	got := Summarize(auctions)
	want := []ItemStats{
		{Item: "2589", MinBuyout: 900, NumAuctions: 25, MarketValue: 929},
		{Item: "i:152505", MinBuyout: 0, NumAuctions: 1, MarketValue: 90000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summarize() mismatch (-want +got):\n%s", diff)
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		in   float64
		want int64
	}{
		{0.4, 0},
		{0.5, 1},
		{104.5, 105},
		{104.49, 104},
	}
	for _, tt := range tests {
		if got := Round(tt.in); got != tt.want {
			t.Errorf("Round(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
