package monitor

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w", err) and test
// with errors.Is.
var (
	// ErrAuth signals a session acquisition failure.
	ErrAuth = errors.New("authentication failed")
	// ErrAuthExhausted is returned once the bounded login retries are used up
	// and an explicit retrigger is required.
	ErrAuthExhausted = errors.New("authentication retries exhausted")
	// ErrSessionUnavailable reports that no valid session exists right now.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrAdapter marks a per-term content source failure.
	ErrAdapter = errors.New("content source failure")
	// ErrOracle marks a per-item classification failure.
	ErrOracle = errors.New("classification oracle failure")
	// ErrPersistence marks a store failure.
	ErrPersistence = errors.New("persistence failure")
	// ErrRuleEvaluation marks a rule that could not be evaluated.
	ErrRuleEvaluation = errors.New("rule evaluation failure")
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate signals a uniqueness violation (item identity, alert dedupe key).
	ErrDuplicate = errors.New("duplicate record")
	// ErrBusy is returned when a worker is already running a sweep.
	ErrBusy = errors.New("worker busy")
	// ErrInvalidTransition rejects an alert or campaign status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)
