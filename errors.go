package swiftbuy

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Callers classify results with
// errors.Is; everything else is wrapped transport or browser noise.
var (
	// ErrConfiguration means no oracle backend is available and no usable
	// saved flow exists. Fatal, never retried.
	ErrConfiguration = errors.New("no oracle backend configured and no saved flow available")

	// ErrNavigationTimeout means the checkout form was not reached within
	// the add-to-cart budget.
	ErrNavigationTimeout = errors.New("checkout page not reached within budget")

	// ErrFormFillIncomplete is not fatal on its own; it escalates the run
	// into the oracle review phase with a missing-field manifest.
	ErrFormFillIncomplete = errors.New("fast-fill left required fields empty")

	// ErrOracleRateLimited is recovered locally with a bounded sleep unless
	// it repeats beyond the configured cap.
	ErrOracleRateLimited = errors.New("oracle rate limited beyond retry cap")

	// ErrOracleAPI is fatal for the active backend and triggers the
	// fallback backend if one is configured.
	ErrOracleAPI = errors.New("oracle backend error")

	// ErrConfirmationNotDetected means the oracle claimed completion but
	// the page verifier disagreed. The verifier is authoritative.
	ErrConfirmationNotDetected = errors.New("order confirmation not detected on page")

	// ErrUnsafeTotal means the observed total deviates from the expected
	// price beyond tolerance. Always fatal, and it must prevent submission.
	ErrUnsafeTotal = errors.New("observed total deviates from expected price beyond tolerance")

	// ErrSessionLost means the browser was closed or crashed mid-run.
	ErrSessionLost = errors.New("browser session lost")
)

// CheckoutError wraps a taxonomy error with the phase it happened in, so
// CheckoutResult.Error carries enough context for the order collaborator.
type CheckoutError struct {
	Phase Phase
	Err   error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *CheckoutError) Unwrap() error { return e.Err }

func phaseErr(phase Phase, err error) *CheckoutError {
	return &CheckoutError{Phase: phase, Err: err}
}

// isFatalOracleErr reports whether the active oracle backend should be
// abandoned in favor of the fallback backend.
func isFatalOracleErr(err error) bool {
	return errors.Is(err, ErrOracleAPI)
}
