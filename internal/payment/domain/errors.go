package domain

import "errors"

var (
	ErrInvalidProvider = errors.New("invalid_provider")
	ErrInvalidPayload  = errors.New("invalid_payload")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrPaymentNotFound = errors.New("payment_not_found")

	// ErrSignatureInvalid covers both bad signatures and stale timestamps;
	// neither may mutate any record.
	ErrSignatureInvalid = errors.New("signature_invalid")

	// ErrProviderTimeout means the initiating call failed or hung; the record
	// stays non-terminal and a retry requires a fresh PaymentRecord.
	ErrProviderTimeout = errors.New("provider_timeout")

	// ErrTerminalState marks an in-code attempt to mutate a terminal record;
	// it is a programming error, not a recoverable condition.
	ErrTerminalState = errors.New("payment_terminal_state")
)
