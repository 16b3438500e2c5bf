package swap

import (
	"errors"
	"fmt"
)

// Domain groups coded errors by the subsystem that raised them.
type Domain string

const (
	DomainSwap      Domain = "swap"
	DomainChain     Domain = "chain"
	DomainLightning Domain = "lightning"
	DomainWallet    Domain = "wallet"
)

// Error is a coded failure surfaced to API callers. Code is a symbolic name
// stable across releases; Message carries human-readable detail.
type Error struct {
	Domain  Domain
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Domain, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Domain, e.Code, e.Message)
}

// Is matches on domain and code so wrapped details still compare equal to
// the sentinel via errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Domain == other.Domain && e.Code == other.Code
}

// WithDetail returns a copy carrying extra context. The copy still matches
// the original sentinel under errors.Is.
func (e *Error) WithDetail(format string, args ...interface{}) *Error {
	detail := fmt.Sprintf(format, args...)
	msg := e.Message
	if msg == "" {
		msg = detail
	} else {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return &Error{Domain: e.Domain, Code: e.Code, Message: msg}
}

// Coded errors returned across the API boundary.
var (
	// ErrInsufficientAmount rejects a lockup whose value is below the
	// expected amount.
	ErrInsufficientAmount = &Error{Domain: DomainSwap, Code: "INSUFFICIENT_AMOUNT"}

	// ErrScriptTypeNotFound rejects an unknown lockup output type.
	ErrScriptTypeNotFound = &Error{Domain: DomainSwap, Code: "SCRIPT_TYPE_NOT_FOUND"}

	// ErrSwapNotFound is returned for lookups of unknown swap ids.
	ErrSwapNotFound = &Error{Domain: DomainSwap, Code: "SWAP_NOT_FOUND"}

	// ErrZeroConfRejected marks a lockup that must wait for a confirmation.
	ErrZeroConfRejected = &Error{Domain: DomainSwap, Code: "ZERO_CONF_REJECTED"}
)
