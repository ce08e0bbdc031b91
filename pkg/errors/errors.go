package apperrors

import "errors"

// Standardized exchange errors. Adapters map venue-specific error codes onto
// these so the engine can classify failures uniformly.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")

	// ErrFillTimeout is returned when a limit order does not fill within the
	// configured fill-wait window. It always triggers a defined compensating
	// action, never a silent retry.
	ErrFillTimeout = errors.New("order fill timeout")

	// ErrBreakerOpen is returned when an exchange's circuit breaker blocks a
	// new order.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrPairBusy is returned when a pair already has an active position or
	// an entry in flight. One position per pair at a time.
	ErrPairBusy = errors.New("pair already occupied")

	// ErrInvalidTransition is returned on a position state change the
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid position transition")

	// ErrHalted is returned when the engine refuses new work because the
	// kill switch is engaged or reconciliation failed.
	ErrHalted = errors.New("engine halted")
)

// IsTransient reports whether an adapter error is worth a bounded retry.
// Order rejections and auth failures are terminal for the attempt; network
// hiccups, rate limits and maintenance windows are not.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, ErrTimestampOutOfBounds):
		return true
	}
	return false
}
