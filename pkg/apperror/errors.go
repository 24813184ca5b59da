package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// HasCode reports whether err is (or wraps) an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Error codes used by the reconciliation flow.
const (
	CodeVerificationUnavailable = "REC_001"
	CodePaymentFailed           = "REC_002"
	CodePaymentAbandoned        = "REC_003"
	CodePaymentStillPending     = "REC_004"
	CodeMeterCreditRejected     = "REC_005"
	CodeMeterCreditAmbiguous    = "REC_006"
	CodeCreditInProgress        = "REC_007"
	CodeNotFound                = "REC_404"
	CodeInvalidSignature        = "SEC_002"
)

// ---- Security & Authentication (SEC) ----

func ErrUnauthorized() *AppError {
	return New("SEC_001", "Missing or invalid credentials", http.StatusUnauthorized)
}

func ErrInvalidSignature() *AppError {
	return New(CodeInvalidSignature, "Invalid signature", http.StatusUnauthorized)
}

// ---- Reconciliation (REC) ----

func ErrVerificationUnavailable(err error) *AppError {
	return Wrap(CodeVerificationUnavailable, "Payment gateway unavailable, retry later", http.StatusServiceUnavailable, err)
}

func ErrPaymentFailed() *AppError {
	return New(CodePaymentFailed, "Payment failed at the gateway", http.StatusPaymentRequired)
}

func ErrPaymentAbandoned() *AppError {
	return New(CodePaymentAbandoned, "Payment was abandoned", http.StatusPaymentRequired)
}

func ErrPaymentStillPending() *AppError {
	return New(CodePaymentStillPending, "Payment not yet completed", http.StatusAccepted)
}

func ErrMeterCreditRejected(message string) *AppError {
	return New(CodeMeterCreditRejected, fmt.Sprintf("Meter platform rejected the credit: %s", message), http.StatusBadGateway)
}

func ErrMeterCreditAmbiguous(err error) *AppError {
	return Wrap(CodeMeterCreditAmbiguous, "Meter credit outcome unknown, requires follow-up", http.StatusGatewayTimeout, err)
}

func ErrCreditInProgress() *AppError {
	return New(CodeCreditInProgress, "A meter credit for this reference is already in progress", http.StatusConflict)
}

func ErrNotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrInvalidTransition(message string) *AppError {
	return New("REC_409", message, http.StatusConflict)
}

// ---- Authentication (AUTH) ----

func ErrInvalidCredentials() *AppError {
	return New("AUTH_001", "Invalid credentials", http.StatusUnauthorized)
}

func ErrInvalidToken() *AppError {
	return New("AUTH_003", "Invalid or expired token", http.StatusUnauthorized)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// Validation returns a VAL_001 validation error.
func Validation(message string) *AppError {
	return New("VAL_001", message, http.StatusBadRequest)
}
