// Package lightning adapts the Lightning node to the nursery: paying
// invoices with retries, creating hold-invoices keyed by preimage hash and
// streaming invoice lifecycle events.
package lightning

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotConnected   = errors.New("lightning node not connected")
	ErrInvoiceExpired = errors.New("invoice already expired")
)

// PaymentFailureKind classifies terminal payment failures. Anything not in
// this set is treated as transient and retried.
type PaymentFailureKind string

const (
	FailureNoRoute          PaymentFailureKind = "NO_ROUTE"
	FailureTimeout          PaymentFailureKind = "TIMEOUT"
	FailureAlreadyPaid      PaymentFailureKind = "INVOICE_ALREADY_PAID"
	FailureIncorrectDetails PaymentFailureKind = "INCORRECT_PAYMENT_DETAILS"
)

// PaymentError is a terminal payment failure from the node.
type PaymentError struct {
	Kind    PaymentFailureKind
	Message string
}

func (e *PaymentError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches on the failure kind.
func (e *PaymentError) Is(target error) bool {
	var other *PaymentError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// PaymentResult is a settled outgoing payment.
type PaymentResult struct {
	Preimage       []byte
	RoutingFeeMsat uint64
}

// InvoiceDetails is the decoded form of a payment request.
type InvoiceDetails struct {
	PreimageHash []byte
	AmountMsat   uint64
	Expiry       time.Time
	Memo         string
}

// EventType enumerates the invoice lifecycle events the node streams.
type EventType string

const (
	// EventInvoicePaid fires when the payer's HTLC locks in for a hold
	// invoice that is not yet settled.
	EventInvoicePaid EventType = "invoice.paid"

	// EventInvoiceSettled fires once the preimage has been released.
	EventInvoiceSettled EventType = "invoice.settled"

	// EventInvoiceFailedToPay fires when an outgoing payment fails
	// terminally.
	EventInvoiceFailedToPay EventType = "invoice.failedToPay"

	// EventHtlcAccepted fires per accepted HTLC of a hold invoice.
	EventHtlcAccepted EventType = "htlc.accepted"

	// EventChannelBackup carries an updated static channel backup.
	EventChannelBackup EventType = "channel.backup"
)

// Event is one entry of the node's event stream.
type Event struct {
	Type         EventType
	PreimageHash []byte
	Preimage     []byte
	AmountMsat   uint64

	// Expiry is the CLTV expiry height of an accepted HTLC.
	Expiry uint32

	Reason string
	Backup []byte
}

// Client is the Lightning surface the nursery depends on. The node must
// support hold-invoices.
type Client interface {
	Connect(ctx context.Context) error
	Close() error

	// PayInvoice pays an outgoing invoice, retrying transient path
	// failures. Terminal failures surface as a *PaymentError.
	PayInvoice(ctx context.Context, bolt11 string, timeout time.Duration) (*PaymentResult, error)

	// AddHoldInvoice creates a hold invoice for the given payment hash.
	// The preimage stays with the swap counterparty; the invoice settles
	// only through SettleInvoice.
	AddHoldInvoice(ctx context.Context, preimageHash []byte, amountMsat uint64, expiry time.Duration, memo string) (string, error)

	SettleInvoice(ctx context.Context, preimage []byte) error
	CancelInvoice(ctx context.Context, preimageHash []byte) error

	// TrackInvoice re-subscribes to a hold invoice's updates, used when
	// recovering pending swaps after a restart.
	TrackInvoice(ctx context.Context, preimageHash []byte) error

	DecodeInvoice(ctx context.Context, bolt11 string) (*InvoiceDetails, error)

	Events() <-chan Event
}
