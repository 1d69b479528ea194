package tokens

import (
	"errors"
	"fmt"
)

// InsufficientTokensMessage is shown to users whose request was refused.
const InsufficientTokensMessage = "You have insufficient tokens to complete this request. Please wait for token replenishment or contact an administrator."

// ErrInsufficientTokens is matched by every admission denial.
var ErrInsufficientTokens = errors.New("insufficient tokens")

// DenyReason says why admission was refused.
type DenyReason string

const (
	ReasonAccountNotFound    DenyReason = "account_not_found"
	ReasonInsufficientTokens DenyReason = "insufficient_tokens"
)

// Decision is the outcome of Admit.
type Decision struct {
	Permitted bool
	Reason    DenyReason
}

// Permit returns a permitting decision.
func Permit() Decision { return Decision{Permitted: true} }

// Deny returns a refusing decision.
func Deny(reason DenyReason) Decision { return Decision{Reason: reason} }

// Err converts a denial into an *InsufficientTokensError, nil if permitted.
func (d Decision) Err() error {
	if d.Permitted {
		return nil
	}
	return &InsufficientTokensError{Reason: d.Reason}
}

// InsufficientTokensError is the typed admission denial.
type InsufficientTokensError struct {
	Reason DenyReason
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("%v (%s)", ErrInsufficientTokens, e.Reason)
}

func (e *InsufficientTokensError) Unwrap() error { return ErrInsufficientTokens }
