package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Sizing Errors
	ErrInvalidSizing = errors.New("sizing produced no broker-valid volume")
	ErrStaleRates    = errors.New("required conversion rate is missing or stale")

	// Admission / Concurrency Errors
	ErrConcurrencyViolation = errors.New("execution token ownership violated")

	// Broker Specific Errors
	ErrTransientBroker      = errors.New("transient broker error")
	ErrBrokerUnavailable    = errors.New("broker API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the broker")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("broker authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the broker")
	ErrPositionNotFound     = errors.New("position not found on the broker")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrAmbiguousOutcome     = errors.New("order outcome not confirmed by broker")

	// Resolution / Reconciliation Errors
	ErrUnresolvedSymbol        = errors.New("symbol id could not be resolved")
	ErrReconciliationAmbiguous = errors.New("broker state could not be confirmed; local cache untrusted")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)
