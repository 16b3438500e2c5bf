// Package rates provides swap pricing: conversion rates, service fees and
// the zero-conf risk policy. The nursery consumes it as a black box; the
// static implementation prices from configuration.
package rates

import (
	"errors"
	"fmt"
	"math"

	"github.com/klingon-exchange/swapd/internal/swap"
)

// Pricing errors.
var (
	ErrPairNotFound   = errors.New("pair not configured")
	ErrAmountTooSmall = errors.New("amount below pair minimum")
	ErrAmountTooHigh  = errors.New("amount above pair maximum")
	ErrUneconomic     = errors.New("fees exceed converted amount")
)

// Quote prices one swap. Rate converts the invoice amount to on-chain
// satoshis; BaseFee is the flat component and FeePercent the service fee
// fraction of the converted amount.
type Quote struct {
	Rate       float64
	BaseFee    uint64
	FeePercent float64
}

// Oracle is the pricing surface the nursery depends on.
type Oracle interface {
	// GetQuote prices a swap direction of a pair.
	GetQuote(pair swap.Pair, side swap.OrderSide, isReverse bool) (*Quote, error)

	// ZeroConfLimit returns the per-pair risk cap in satoshis for accepting
	// unconfirmed lockups. Zero disables zero-conf for the pair.
	ZeroConfLimit(pair swap.Pair) uint64

	// ValidateAmount checks an invoice amount against the pair limits.
	ValidateAmount(pair swap.Pair, amount uint64) error
}

// ExpectedAmount computes the minimum on-chain credit for a submarine swap:
// ceil(invoiceAmount * rate) plus the flat and percentage fees. The
// percentage fee in satoshis is returned for persistence.
func ExpectedAmount(invoiceAmount uint64, quote *Quote) (expected, percentageFee uint64) {
	converted := uint64(math.Ceil(float64(invoiceAmount) * quote.Rate))
	percentageFee = uint64(math.Ceil(float64(converted) * quote.FeePercent))
	return converted + quote.BaseFee + percentageFee, percentageFee
}

// OnchainAmount computes the lockup value for a reverse swap:
// floor(invoiceAmount * rate) minus the flat and percentage fees. The result
// must stay positive, locking a zero or negative amount is uneconomic.
func OnchainAmount(invoiceAmount uint64, quote *Quote) (onchain, percentageFee uint64, err error) {
	converted := uint64(math.Floor(float64(invoiceAmount) * quote.Rate))
	percentageFee = uint64(math.Ceil(float64(converted) * quote.FeePercent))
	fees := quote.BaseFee + percentageFee
	if converted <= fees {
		return 0, 0, fmt.Errorf("%w: converted %d, fees %d", ErrUneconomic, converted, fees)
	}
	return converted - fees, percentageFee, nil
}

// PairSettings is the static pricing entry for one pair.
type PairSettings struct {
	Rate       float64
	BaseFee    uint64
	FeePercent float64

	// MinAmount and MaxAmount bound the invoice amount; zero means
	// unbounded on that side.
	MinAmount uint64
	MaxAmount uint64

	// ZeroConfLimit caps zero-conf acceptance; zero disables it.
	ZeroConfLimit uint64
}

// Static prices swaps from a fixed table, the reverse direction uses the
// inverse rate.
type Static struct {
	pairs map[swap.Pair]PairSettings
}

// NewStatic builds a static oracle from per-pair settings.
func NewStatic(pairs map[swap.Pair]PairSettings) *Static {
	if pairs == nil {
		pairs = make(map[swap.Pair]PairSettings)
	}
	return &Static{pairs: pairs}
}

func (s *Static) settings(pair swap.Pair) (PairSettings, error) {
	entry, ok := s.pairs[pair]
	if !ok {
		return PairSettings{}, fmt.Errorf("%w: %s", ErrPairNotFound, pair)
	}
	return entry, nil
}

// GetQuote implements Oracle. Selling the base currency applies the
// configured rate directly; buying applies its inverse.
func (s *Static) GetQuote(pair swap.Pair, side swap.OrderSide, isReverse bool) (*Quote, error) {
	entry, err := s.settings(pair)
	if err != nil {
		return nil, err
	}

	rate := entry.Rate
	if rate <= 0 {
		return nil, fmt.Errorf("invalid rate %f for pair %s", rate, pair)
	}

	// The configured rate converts lightning amounts into the on-chain leg
	// a seller funds. Buyers trade the opposite leg of the pair.
	if side == swap.SideBuy {
		rate = 1 / rate
	}

	return &Quote{
		Rate:       rate,
		BaseFee:    entry.BaseFee,
		FeePercent: entry.FeePercent,
	}, nil
}

// ZeroConfLimit implements Oracle.
func (s *Static) ZeroConfLimit(pair swap.Pair) uint64 {
	entry, err := s.settings(pair)
	if err != nil {
		return 0
	}
	return entry.ZeroConfLimit
}

// ValidateAmount implements Oracle.
func (s *Static) ValidateAmount(pair swap.Pair, amount uint64) error {
	entry, err := s.settings(pair)
	if err != nil {
		return err
	}
	if entry.MinAmount > 0 && amount < entry.MinAmount {
		return fmt.Errorf("%w: %d < %d", ErrAmountTooSmall, amount, entry.MinAmount)
	}
	if entry.MaxAmount > 0 && amount > entry.MaxAmount {
		return fmt.Errorf("%w: %d > %d", ErrAmountTooHigh, amount, entry.MaxAmount)
	}
	return nil
}
