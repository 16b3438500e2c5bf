package swap

import (
	"errors"
	"testing"
)

func TestSubmarineTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{
			name: "created to mempool",
			from: StatusSwapCreated,
			to:   StatusTransactionMempool,
		},
		{
			name: "created directly to confirmed with zero conf",
			from: StatusSwapCreated,
			to:   StatusTransactionConfirmed,
		},
		{
			name: "mempool to confirmed",
			from: StatusTransactionMempool,
			to:   StatusTransactionConfirmed,
		},
		{
			name: "confirmed to invoice pending",
			from: StatusTransactionConfirmed,
			to:   StatusInvoicePending,
		},
		{
			name: "invoice pending to paid",
			from: StatusInvoicePending,
			to:   StatusInvoicePaid,
		},
		{
			name: "invoice paid to claimed",
			from: StatusInvoicePaid,
			to:   StatusTransactionClaimed,
		},
		{
			name: "invoice pending to failed",
			from: StatusInvoicePending,
			to:   StatusInvoiceFailedToPay,
		},
		{
			name: "mempool to expired",
			from: StatusTransactionMempool,
			to:   StatusSwapExpired,
		},
		{
			name:    "cannot skip confirmation to invoice pending",
			from:    StatusTransactionMempool,
			to:      StatusInvoicePending,
			wantErr: true,
		},
		{
			name:    "cannot leave claimed",
			from:    StatusTransactionClaimed,
			to:      StatusSwapExpired,
			wantErr: true,
		},
		{
			name:    "cannot expire after invoice paid",
			from:    StatusInvoicePaid,
			to:      StatusSwapExpired,
			wantErr: true,
		},
		{
			name:    "cannot move backwards",
			from:    StatusTransactionConfirmed,
			to:      StatusTransactionMempool,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Swap{Status: tt.from}
			err := s.TransitionTo(tt.to)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected transition %s -> %s to fail", tt.from, tt.to)
				}
				if !errors.Is(err, ErrInvalidStatus) {
					t.Errorf("expected ErrInvalidStatus, got %v", err)
				}
				if s.Status != tt.from {
					t.Errorf("status changed on failed transition: %s", s.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("transition %s -> %s failed: %v", tt.from, tt.to, err)
			}
			if s.Status != tt.to {
				t.Errorf("status = %s, want %s", s.Status, tt.to)
			}
		})
	}
}

func TestSubmarineTransitionIdempotent(t *testing.T) {
	s := &Swap{Status: StatusTransactionConfirmed}
	if err := s.TransitionTo(StatusTransactionConfirmed); err != nil {
		t.Fatalf("re-applying current status should be a no-op: %v", err)
	}
}

func TestReverseTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{
			name: "created to mempool on lockup broadcast",
			from: StatusSwapCreated,
			to:   StatusTransactionMempool,
		},
		{
			name: "created to failed on rejected broadcast",
			from: StatusSwapCreated,
			to:   StatusTransactionFailed,
		},
		{
			name: "confirmed to invoice paid",
			from: StatusTransactionConfirmed,
			to:   StatusInvoicePaid,
		},
		{
			name: "invoice paid to settled",
			from: StatusInvoicePaid,
			to:   StatusInvoiceSettled,
		},
		{
			name: "expired to refunded",
			from: StatusSwapExpired,
			to:   StatusTransactionRefunded,
		},
		{
			name:    "settled is terminal",
			from:    StatusInvoiceSettled,
			to:      StatusSwapExpired,
			wantErr: true,
		},
		{
			name:    "refunded is terminal",
			from:    StatusTransactionRefunded,
			to:      StatusSwapCreated,
			wantErr: true,
		},
		{
			name:    "reverse has no invoice pending",
			from:    StatusTransactionConfirmed,
			to:      StatusInvoicePending,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ReverseSwap{Status: tt.from}
			err := r.TransitionTo(tt.to)
			if tt.wantErr && err == nil {
				t.Fatalf("expected transition %s -> %s to fail", tt.from, tt.to)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("transition %s -> %s failed: %v", tt.from, tt.to, err)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	submarineTerminal := map[Status]bool{
		StatusSwapCreated:          false,
		StatusTransactionMempool:   false,
		StatusTransactionConfirmed: false,
		StatusInvoicePending:       false,
		StatusInvoicePaid:          false,
		StatusTransactionClaimed:   true,
		StatusInvoiceFailedToPay:   true,
		StatusSwapExpired:          true,
	}
	for status, want := range submarineTerminal {
		s := &Swap{Status: status}
		if got := s.IsTerminal(); got != want {
			t.Errorf("submarine IsTerminal(%s) = %v, want %v", status, got, want)
		}
	}

	// Expiry is not terminal for reverse swaps, the refund still follows.
	r := &ReverseSwap{Status: StatusSwapExpired}
	if r.IsTerminal() {
		t.Error("reverse SwapExpired must allow TransactionRefunded")
	}
	r.Status = StatusTransactionRefunded
	if !r.IsTerminal() {
		t.Error("reverse TransactionRefunded must be terminal")
	}
}

func TestPairCurrencies(t *testing.T) {
	tests := []struct {
		name      string
		pair      Pair
		wantBase  string
		wantQuote string
		wantErr   bool
	}{
		{
			name:      "LTC/BTC",
			pair:      Pair("LTC/BTC"),
			wantBase:  "LTC",
			wantQuote: "BTC",
		},
		{
			name:      "BTC/BTC",
			pair:      Pair("BTC/BTC"),
			wantBase:  "BTC",
			wantQuote: "BTC",
		},
		{
			name:    "missing separator",
			pair:    Pair("LTCBTC"),
			wantErr: true,
		},
		{
			name:    "empty leg",
			pair:    Pair("LTC/"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, quote, err := tt.pair.Currencies()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for pair %q", tt.pair)
				}
				return
			}
			if err != nil {
				t.Fatalf("Currencies() failed: %v", err)
			}
			if base != tt.wantBase || quote != tt.wantQuote {
				t.Errorf("got %s/%s, want %s/%s", base, quote, tt.wantBase, tt.wantQuote)
			}
		})
	}
}

func TestOnchainSymbol(t *testing.T) {
	tests := []struct {
		name      string
		side      OrderSide
		isReverse bool
		want      string
	}{
		{name: "submarine sell locks base", side: SideSell, isReverse: false, want: "LTC"},
		{name: "submarine buy locks quote", side: SideBuy, isReverse: false, want: "BTC"},
		{name: "reverse buy locks base", side: SideBuy, isReverse: true, want: "LTC"},
		{name: "reverse sell locks quote", side: SideSell, isReverse: true, want: "BTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OnchainSymbol("LTC", "BTC", tt.side, tt.isReverse)
			if got != tt.want {
				t.Errorf("OnchainSymbol = %s, want %s", got, tt.want)
			}
			lightning := LightningSymbol("LTC", "BTC", tt.side, tt.isReverse)
			if lightning == got {
				t.Errorf("lightning leg must differ from onchain leg, both %s", got)
			}
		})
	}
}

func TestParseOrderSide(t *testing.T) {
	if _, err := ParseOrderSide("hold"); err == nil {
		t.Error("expected error for unknown side")
	}
	side, err := ParseOrderSide("BUY")
	if err != nil {
		t.Fatalf("ParseOrderSide(BUY) failed: %v", err)
	}
	if side != SideBuy {
		t.Errorf("side = %s, want %s", side, SideBuy)
	}
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("NewID failed: %v", err)
		}
		if len(id) != 16 {
			t.Fatalf("id length = %d, want 16", len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestPreimage(t *testing.T) {
	preimage, hash, err := NewPreimage()
	if err != nil {
		t.Fatalf("NewPreimage failed: %v", err)
	}
	if len(preimage) != 32 || len(hash) != 32 {
		t.Fatalf("unexpected lengths: preimage %d, hash %d", len(preimage), len(hash))
	}
	if !VerifyPreimage(preimage, hash) {
		t.Error("preimage does not verify against its own hash")
	}

	other := make([]byte, 32)
	copy(other, preimage)
	other[0] ^= 0xff
	if VerifyPreimage(other, hash) {
		t.Error("modified preimage must not verify")
	}
	if VerifyPreimage(preimage[:31], hash) {
		t.Error("short preimage must not verify")
	}
}

func TestCodedErrors(t *testing.T) {
	err := ErrInsufficientAmount.WithDetail("got %d, expected %d", 900, 1000)
	if !errors.Is(err, ErrInsufficientAmount) {
		t.Error("detailed error must match its sentinel")
	}
	if errors.Is(err, ErrScriptTypeNotFound) {
		t.Error("detailed error must not match other codes")
	}
	if err.Error() == ErrInsufficientAmount.Error() {
		t.Error("detail should extend the message")
	}
}
