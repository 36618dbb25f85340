package domain

import "errors"

var (
	ErrDebtNotFound      = errors.New("debt_not_found")
	ErrInvalidDebtAmount = errors.New("invalid_debt_amount")
)
