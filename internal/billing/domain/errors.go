package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvoiceNotFound = fmt.Errorf("invoice %w", ErrNotFound)
	ErrPaymentNotFound = fmt.Errorf("payment %w", ErrNotFound)

	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrAlreadyPaid             = fmt.Errorf("%w: invoice already paid", ErrInvalidStateTransition)
	ErrInvoiceCancelled        = fmt.Errorf("%w: invoice cancelled", ErrInvalidStateTransition)
	ErrCannotCancelPaidInvoice = fmt.Errorf("%w: cannot cancel a paid invoice", ErrInvalidStateTransition)
	ErrPaymentInProgress       = fmt.Errorf("%w: another payment for this invoice is in progress", ErrInvalidStateTransition)
	ErrPaymentFinalized        = fmt.Errorf("%w: payment already finalized", ErrInvalidStateTransition)

	// ErrPaymentProcessingFailed is what callers see for any gateway failure.
	// Gateway detail is logged, never returned.
	ErrPaymentProcessingFailed  = errors.New("payment processing failed")
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
)
