package ports

import "errors"

// Meter platform failure classes. Adapters wrap these; the reconciliation
// engine branches on them with errors.Is.
var (
	// ErrMeterTokenExpired: the platform refused the session before processing the sale.
	ErrMeterTokenExpired = errors.New("meter platform token expired")
	// ErrMeterCreditAmbiguous: the sale may or may not have been applied.
	ErrMeterCreditAmbiguous = errors.New("meter credit outcome unknown")
	// ErrMeterUnavailable: the sale request was never sent.
	ErrMeterUnavailable = errors.New("meter platform unavailable")
)

// ErrDuplicateReference is returned by TransactionRepository.Create for a reused reference.
var ErrDuplicateReference = errors.New("transaction reference already exists")
