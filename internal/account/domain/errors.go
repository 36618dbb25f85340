package domain

import "errors"

var (
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrInsufficientCredit  = errors.New("insufficient_credit")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
	ErrInvalidCreditAmount = errors.New("invalid_credit_amount")
)
