// Package swap contains the swap data model, the status state machine and
// the script/transaction builder shared by both swap directions.
// It uses existing packages directly:
//   - chain.Get() for currency parameters
//   - storage for persistence
//   - nursery for orchestration
package swap

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrUnsupportedPair     = errors.New("unsupported pair")
	ErrInvalidOrderSide    = errors.New("invalid order side")
	ErrInvalidStatus       = errors.New("invalid swap status")
	ErrInvalidPreimage     = errors.New("preimage does not match hash")
	ErrInvalidPreimageHash = errors.New("preimage hash must be 32 bytes")
	ErrInvalidPublicKey    = errors.New("invalid public key")
	ErrTimeoutTooSoon      = errors.New("timeout block height too close to chain tip")
)

// Status represents the lifecycle position of a swap. The values double as
// the status strings published on the event bus.
type Status string

const (
	StatusSwapCreated          Status = "swap.created"
	StatusTransactionMempool   Status = "transaction.mempool"
	StatusTransactionConfirmed Status = "transaction.confirmed"
	StatusInvoicePending       Status = "invoice.pending"
	StatusInvoicePaid          Status = "invoice.paid"
	StatusTransactionClaimed   Status = "transaction.claimed"
	StatusInvoiceFailedToPay   Status = "invoice.failedToPay"
	StatusSwapExpired          Status = "swap.expired"

	// Reverse-only statuses.
	StatusInvoiceSettled      Status = "invoice.settled"
	StatusTransactionFailed   Status = "transaction.failed"
	StatusTransactionRefunded Status = "transaction.refunded"
)

// submarineTransitions is the status DAG for submarine swaps. Expiry is the
// only override allowed from mid-flight statuses.
var submarineTransitions = map[Status][]Status{
	StatusSwapCreated:          {StatusTransactionMempool, StatusTransactionConfirmed, StatusSwapExpired},
	StatusTransactionMempool:   {StatusTransactionConfirmed, StatusSwapExpired},
	StatusTransactionConfirmed: {StatusInvoicePending, StatusSwapExpired},
	StatusInvoicePending:       {StatusInvoicePaid, StatusInvoiceFailedToPay, StatusSwapExpired},
	StatusInvoicePaid:          {StatusTransactionClaimed},
	StatusTransactionClaimed:   {},
	StatusInvoiceFailedToPay:   {},
	StatusSwapExpired:          {},
}

// reverseTransitions is the status DAG for reverse submarine swaps.
var reverseTransitions = map[Status][]Status{
	StatusSwapCreated:          {StatusTransactionMempool, StatusTransactionFailed, StatusSwapExpired},
	StatusTransactionMempool:   {StatusTransactionConfirmed, StatusTransactionFailed, StatusSwapExpired},
	StatusTransactionConfirmed: {StatusInvoicePaid, StatusSwapExpired},
	StatusInvoicePaid:          {StatusInvoiceSettled, StatusSwapExpired},
	StatusInvoiceSettled:       {},
	StatusTransactionFailed:    {},
	StatusSwapExpired:          {StatusTransactionRefunded},
	StatusTransactionRefunded:  {},
}

// canTransition reports whether moving from one status to another is allowed
// on the given DAG. Re-applying the current status is treated as a no-op and
// allowed; the repository relies on this for idempotent writes.
func canTransition(transitions map[Status][]Status, from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// isTerminalStatus reports whether a status ends a swap on the given DAG.
func isTerminalStatus(transitions map[Status][]Status, status Status) bool {
	next, ok := transitions[status]
	return ok && len(next) == 0
}

// ValidSubmarineTransition reports whether a submarine swap may move between
// the two statuses, treating equal statuses as an allowed no-op.
func ValidSubmarineTransition(from, to Status) bool {
	return canTransition(submarineTransitions, from, to)
}

// ValidReverseTransition is ValidSubmarineTransition for reverse swaps.
func ValidReverseTransition(from, to Status) bool {
	return canTransition(reverseTransitions, from, to)
}

// TerminalSubmarineStatuses lists every status that ends a submarine swap.
func TerminalSubmarineStatuses() []Status {
	return terminalStatuses(submarineTransitions)
}

// TerminalReverseStatuses lists every status that ends a reverse swap.
func TerminalReverseStatuses() []Status {
	return terminalStatuses(reverseTransitions)
}

func terminalStatuses(transitions map[Status][]Status) []Status {
	var terminal []Status
	for status, next := range transitions {
		if len(next) == 0 {
			terminal = append(terminal, status)
		}
	}
	return terminal
}

// OrderSide is the side of the pair the user trades.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// ParseOrderSide validates an order side string.
func ParseOrderSide(s string) (OrderSide, error) {
	switch OrderSide(strings.ToLower(s)) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOrderSide, s)
}

// Pair is a trading pair like "LTC/BTC": base on the left, quote on the
// right.
type Pair string

// Currencies splits the pair into its base and quote symbols.
func (p Pair) Currencies() (base, quote string, err error) {
	parts := strings.Split(string(p), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedPair, p)
	}
	return parts[0], parts[1], nil
}

// OnchainSymbol returns the currency locked up on-chain for a swap of the
// given direction. Selling moves the base currency on-chain for submarine
// swaps; reverse swaps mirror that, locking the currency the user buys.
func OnchainSymbol(base, quote string, side OrderSide, isReverse bool) string {
	if side == SideBuy {
		if isReverse {
			return base
		}
		return quote
	}
	if isReverse {
		return quote
	}
	return base
}

// LightningSymbol returns the currency of the Lightning leg.
func LightningSymbol(base, quote string, side OrderSide, isReverse bool) string {
	if OnchainSymbol(base, quote, side, isReverse) == base {
		return quote
	}
	return base
}

// TransactionInfo describes an on-chain transaction attached to a swap. It
// is persisted as a single nested blob, never as loose columns.
type TransactionInfo struct {
	ID     string `json:"id"`
	Hex    string `json:"hex"`
	Vout   uint32 `json:"vout"`
	Amount uint64 `json:"amount"`
}

// Swap is a submarine swap: the user funds the lockup address on-chain and
// the service pays their Lightning invoice with the resulting preimage.
type Swap struct {
	ID        string
	Pair      Pair
	OrderSide OrderSide
	Status    Status

	Invoice      string
	PreimageHash []byte

	RedeemScript  []byte
	LockupAddress string
	OutputType    OutputType
	KeyIndex      uint32

	ExpectedAmount     uint64
	InvoiceAmount      uint64
	AcceptZeroConf     bool
	TimeoutBlockHeight uint32
	CreatedHeight      uint32

	// Set once the lockup transaction is observed.
	LockupTransaction *TransactionInfo

	// Preimage learned from the Lightning payment; required for the claim.
	Preimage []byte

	MinerFee      uint64
	PercentageFee uint64

	CreatedAt time.Time
}

// TransitionTo applies a status change following the submarine DAG.
func (s *Swap) TransitionTo(status Status) error {
	if s.Status == status {
		return nil
	}
	if !canTransition(submarineTransitions, s.Status, status) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, s.Status, status)
	}
	s.Status = status
	return nil
}

// IsTerminal returns true once the swap has reached a final status.
func (s *Swap) IsTerminal() bool {
	return isTerminalStatus(submarineTransitions, s.Status)
}

// OnchainCurrency returns the symbol of the chain the lockup lives on.
func (s *Swap) OnchainCurrency() (string, error) {
	base, quote, err := s.Pair.Currencies()
	if err != nil {
		return "", err
	}
	return OnchainSymbol(base, quote, s.OrderSide, false), nil
}

// ReverseSwap is a reverse submarine swap: the service locks coins on-chain
// and the user's hold-invoice payment is settled once their claim reveals
// the preimage.
type ReverseSwap struct {
	ID        string
	Pair      Pair
	OrderSide OrderSide
	Status    Status

	Invoice      string
	PreimageHash []byte

	// Preimage observed in the user's claim transaction.
	Preimage []byte

	ClaimPublicKey []byte
	RedeemScript   []byte
	LockupAddress  string
	OutputType     OutputType
	KeyIndex       uint32

	InvoiceAmount      uint64
	OnchainAmount      uint64
	TimeoutBlockHeight uint32
	CreatedHeight      uint32

	// The service's own lockup transaction.
	LockupTransaction *TransactionInfo

	MinerFee      uint64
	PercentageFee uint64

	CreatedAt time.Time
}

// TransitionTo applies a status change following the reverse DAG.
func (r *ReverseSwap) TransitionTo(status Status) error {
	if r.Status == status {
		return nil
	}
	if !canTransition(reverseTransitions, r.Status, status) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, r.Status, status)
	}
	r.Status = status
	return nil
}

// IsTerminal returns true once the reverse swap has reached a final status.
func (r *ReverseSwap) IsTerminal() bool {
	return isTerminalStatus(reverseTransitions, r.Status)
}

// OnchainCurrency returns the symbol of the chain the lockup lives on.
func (r *ReverseSwap) OnchainCurrency() (string, error) {
	base, quote, err := r.Pair.Currencies()
	if err != nil {
		return "", err
	}
	return OnchainSymbol(base, quote, r.OrderSide, true), nil
}

// NewID generates an opaque swap identifier: 8 random bytes, hex encoded.
func NewID() (string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}
	return fmt.Sprintf("%x", idBytes), nil
}

// NewPreimage generates a 32-byte payment preimage and its SHA256 hash.
func NewPreimage() (preimage, hash []byte, err error) {
	preimage = make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, nil, fmt.Errorf("failed to generate preimage: %w", err)
	}
	sum := sha256.Sum256(preimage)
	return preimage, sum[:], nil
}

// VerifyPreimage checks a revealed preimage against a payment hash.
func VerifyPreimage(preimage, preimageHash []byte) bool {
	if len(preimage) != 32 || len(preimageHash) != 32 {
		return false
	}
	sum := sha256.Sum256(preimage)
	return bytes.Equal(sum[:], preimageHash)
}
