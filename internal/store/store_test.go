package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestTaxonomyRoots(t *testing.T) {
	tests := []struct {
		name string
		err  error
		root error
	}{
		{"duplicate is conflict", ErrDuplicateTransaction, ErrConflict},
		{"mapping exists is conflict", ErrMappingExists, ErrConflict},
		{"negative amount is validation", ErrNegativeAmount, ErrValidation},
		{"not upgradeable is validation", ErrNotUpgradeable, ErrValidation},
		{"lock missing is not found", ErrLockNotFound, ErrNotFound},
		{"wrapped twice keeps root", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrWithdrawalNotFound)), ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.root) {
				t.Errorf("expected %v to wrap %v", tt.err, tt.root)
			}
		})
	}
}

func TestUserMessageNeverLeaksDetail(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{fmt.Errorf("reserve for user u1 (available 3 < 5): %w", ErrInsufficientFunds), MessageInsufficient},
		{fmt.Errorf("prime returned 500 body={secret}: %w", ErrExternalUnavailable), MessageUnavailable},
		{fmt.Errorf("bad amount: %w", ErrNegativeAmount), MessageInvalidRequest},
		{fmt.Errorf("timeout: %w", ErrUnknownOutcome), MessageInProgress},
		{errors.New("sqlite: disk I/O error"), MessageProcessingFailed},
		{context.DeadlineExceeded, MessageProcessingFailed},
	}

	for _, tt := range tests {
		if got := UserMessage(tt.err); got != tt.expected {
			t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.expected)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(ErrDuplicateTransaction) {
		t.Error("conflicts must not be retried")
	}
	if IsRetryable(fmt.Errorf("x: %w", ErrInsufficientFunds)) {
		t.Error("insufficient funds must not be retried")
	}
	if !IsRetryable(fmt.Errorf("poll: %w", ErrExternalUnavailable)) {
		t.Error("external unavailability must be retried")
	}
	if !IsRetryable(ErrConcurrentModification) {
		t.Error("concurrent modification must be retried")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}
