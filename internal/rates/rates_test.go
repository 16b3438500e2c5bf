package rates

import (
	"errors"
	"testing"

	"github.com/klingon-exchange/swapd/internal/swap"
)

func testOracle() *Static {
	return NewStatic(map[swap.Pair]PairSettings{
		"LTC/BTC": {
			Rate:          1.0,
			BaseFee:       500,
			FeePercent:    0.01,
			MinAmount:     10_000,
			MaxAmount:     10_000_000,
			ZeroConfLimit: 1_000_000,
		},
	})
}

func TestExpectedAmount(t *testing.T) {
	tests := []struct {
		name              string
		invoiceAmount     uint64
		quote             Quote
		wantExpected      uint64
		wantPercentageFee uint64
	}{
		{
			name:              "unit rate with one percent fee",
			invoiceAmount:     100_000,
			quote:             Quote{Rate: 1.0, BaseFee: 500, FeePercent: 0.01},
			wantExpected:      101_500,
			wantPercentageFee: 1_000,
		},
		{
			name:              "fractional rate rounds the conversion up",
			invoiceAmount:     100_001,
			quote:             Quote{Rate: 0.5, BaseFee: 100, FeePercent: 0},
			wantExpected:      50_101,
			wantPercentageFee: 0,
		},
		{
			name:              "percentage fee rounds up",
			invoiceAmount:     99_999,
			quote:             Quote{Rate: 1.0, BaseFee: 0, FeePercent: 0.01},
			wantExpected:      100_999,
			wantPercentageFee: 1_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expected, percentageFee := ExpectedAmount(tt.invoiceAmount, &tt.quote)
			if expected != tt.wantExpected {
				t.Errorf("expected = %d, want %d", expected, tt.wantExpected)
			}
			if percentageFee != tt.wantPercentageFee {
				t.Errorf("percentageFee = %d, want %d", percentageFee, tt.wantPercentageFee)
			}
		})
	}
}

func TestOnchainAmount(t *testing.T) {
	// Reverse pricing from the acceptance scenario: 200k at unit rate with
	// 2000 sat of fees locks 198k.
	onchain, percentageFee, err := OnchainAmount(200_000, &Quote{Rate: 1.0, BaseFee: 500, FeePercent: 0.0075})
	if err != nil {
		t.Fatalf("OnchainAmount failed: %v", err)
	}
	if percentageFee != 1_500 {
		t.Errorf("percentageFee = %d, want 1500", percentageFee)
	}
	if onchain != 198_000 {
		t.Errorf("onchain = %d, want 198000", onchain)
	}

	// Fees larger than the converted amount must not lock dust.
	if _, _, err := OnchainAmount(100, &Quote{Rate: 1.0, BaseFee: 500, FeePercent: 0}); !errors.Is(err, ErrUneconomic) {
		t.Errorf("expected ErrUneconomic, got %v", err)
	}
}

func TestStaticQuote(t *testing.T) {
	oracle := testOracle()

	sell, err := oracle.GetQuote("LTC/BTC", swap.SideSell, false)
	if err != nil {
		t.Fatalf("GetQuote sell failed: %v", err)
	}
	if sell.Rate != 1.0 {
		t.Errorf("sell rate = %f, want 1.0", sell.Rate)
	}

	buy, err := oracle.GetQuote("LTC/BTC", swap.SideBuy, false)
	if err != nil {
		t.Fatalf("GetQuote buy failed: %v", err)
	}
	if buy.Rate != 1.0 {
		t.Errorf("buy rate = %f, want inverse of 1.0", buy.Rate)
	}

	if _, err := oracle.GetQuote("DOGE/BTC", swap.SideSell, false); !errors.Is(err, ErrPairNotFound) {
		t.Errorf("expected ErrPairNotFound, got %v", err)
	}
}

func TestValidateAmount(t *testing.T) {
	oracle := testOracle()

	tests := []struct {
		name    string
		amount  uint64
		wantErr error
	}{
		{name: "within limits", amount: 100_000},
		{name: "at minimum", amount: 10_000},
		{name: "below minimum", amount: 9_999, wantErr: ErrAmountTooSmall},
		{name: "above maximum", amount: 10_000_001, wantErr: ErrAmountTooHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := oracle.ValidateAmount("LTC/BTC", tt.amount)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidateAmount failed: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestZeroConfLimit(t *testing.T) {
	oracle := testOracle()
	if limit := oracle.ZeroConfLimit("LTC/BTC"); limit != 1_000_000 {
		t.Errorf("limit = %d, want 1000000", limit)
	}
	if limit := oracle.ZeroConfLimit("DOGE/BTC"); limit != 0 {
		t.Errorf("unknown pair limit = %d, want 0", limit)
	}
}
