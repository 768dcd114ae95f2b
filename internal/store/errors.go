package store

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error returned by the ledger packages wraps exactly one
// of these roots so callers can branch with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrExternalUnavailable = errors.New("external service unavailable")
	ErrUnknownOutcome      = errors.New("unknown outcome")
)

var (
	ErrDuplicateTransaction   = fmt.Errorf("duplicate external reference: %w", ErrConflict)
	ErrMappingExists          = fmt.Errorf("tracking token already mapped: %w", ErrConflict)
	ErrNegativeAmount         = fmt.Errorf("amount must be positive: %w", ErrValidation)
	ErrNotUpgradeable         = fmt.Errorf("lock is not upgradeable: %w", ErrValidation)
	ErrNegativeBalance        = fmt.Errorf("balance would become negative: %w", ErrValidation)
	ErrUserNotFound           = fmt.Errorf("user: %w", ErrNotFound)
	ErrMappingNotFound        = fmt.Errorf("tracking mapping: %w", ErrNotFound)
	ErrLockNotFound           = fmt.Errorf("lock: %w", ErrNotFound)
	ErrReservationNotFound    = fmt.Errorf("reservation: %w", ErrNotFound)
	ErrWithdrawalNotFound     = fmt.Errorf("withdrawal: %w", ErrNotFound)
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// User-facing vocabulary. Nothing else is ever returned to an end user.
const (
	MessageInvalidRequest   = "invalid request"
	MessageInsufficient     = "insufficient balance"
	MessageNotFound         = "not found"
	MessageProcessingFailed = "processing failed, contact support"
	MessageUnavailable      = "service temporarily unavailable"
	MessageAlreadyProcessed = "already processed"
	MessageInProgress       = "withdrawal is being confirmed"
)

// UserMessage maps an internal error to the fixed user-facing vocabulary.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientFunds):
		return MessageInsufficient
	case errors.Is(err, ErrValidation):
		return MessageInvalidRequest
	case errors.Is(err, ErrNotFound):
		return MessageNotFound
	case errors.Is(err, ErrConflict):
		return MessageAlreadyProcessed
	case errors.Is(err, ErrUnknownOutcome):
		return MessageInProgress
	case errors.Is(err, ErrExternalUnavailable):
		return MessageUnavailable
	default:
		return MessageProcessingFailed
	}
}

// IsRetryable reports whether a caller should retry the operation later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrInsufficientFunds) {
		return false
	}
	return true
}
