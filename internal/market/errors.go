package market

import (
	"errors"

	"github.com/NeelContractor/prediction-market/internal/amm"
)

// Sentinel errors for the market ledger. Callers classify with errors.Is.
var (
	// Validation: caller-correctable, surfaced verbatim, never retried.
	ErrZeroAmount       = errors.New("amount cannot be zero")
	ErrInvalidFee       = errors.New("fee exceeds maximum basis points")
	ErrSlippageExceeded = errors.New("slippage tolerance exceeded")
	ErrExpired          = errors.New("instruction expired")
	ErrQuestionTooLong  = errors.New("question exceeds maximum length")

	// State: lifecycle violations, never retried.
	ErrPoolLocked            = errors.New("pool is locked")
	ErrMarketNotEnded        = errors.New("market has not reached its end time")
	ErrMarketAlreadySettled  = errors.New("market is already settled")
	ErrMarketNotSettled      = errors.New("market is not settled")
	ErrNoWinningTokens       = errors.New("no winning tokens to claim")
	ErrAccountInUse          = errors.New("account already in use")
	ErrMarketNotFound        = errors.New("market not found")
	ErrMarketNotLocked       = errors.New("market must be locked before settlement")
	ErrUnauthorized          = errors.New("unauthorized principal")
	ErrGracePeriodNotReached = errors.New("emergency grace period not reached")
)

// ErrorCategory partitions the error taxonomy for metrics and retry policy.
type ErrorCategory int32

const (
	CategoryUnknown ErrorCategory = iota
	CategoryValidation
	CategoryState
	CategoryArithmetic
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryState:
		return "state"
	case CategoryArithmetic:
		return "arithmetic"
	default:
		return "unknown"
	}
}

// Classify maps an error to its taxonomy category. Arithmetic and the two
// core categories are never retried; only infrastructure failures (which
// are not ledger errors and classify as unknown here) are retry-eligible.
func Classify(err error) ErrorCategory {
	switch {
	case errors.Is(err, ErrZeroAmount),
		errors.Is(err, ErrInvalidFee),
		errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrQuestionTooLong):
		return CategoryValidation

	case errors.Is(err, ErrPoolLocked),
		errors.Is(err, ErrMarketNotEnded),
		errors.Is(err, ErrMarketAlreadySettled),
		errors.Is(err, ErrMarketNotSettled),
		errors.Is(err, ErrNoWinningTokens),
		errors.Is(err, ErrAccountInUse),
		errors.Is(err, ErrMarketNotFound),
		errors.Is(err, ErrMarketNotLocked),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrGracePeriodNotReached):
		return CategoryState

	case errors.Is(err, amm.ErrOverflow),
		errors.Is(err, amm.ErrUnderflow):
		return CategoryArithmetic

	default:
		return CategoryUnknown
	}
}
