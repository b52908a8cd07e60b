package triage

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is matched by *ConflictError.
	ErrConflict = errors.New("triage action already in flight")
	// ErrNotFound is returned by backends for unknown tracking IDs.
	ErrNotFound = errors.New("report not found")
	// ErrAlreadyProcessed is matched by *AlreadyProcessedError.
	ErrAlreadyProcessed = errors.New("report has already been processed")
	// ErrClosed is returned once the machine has been closed.
	ErrClosed = errors.New("triage machine closed")
	// ErrInvalidFilter is matched by filter validation failures.
	ErrInvalidFilter = errors.New("invalid triage filter")
	// ErrInvalidDecision is matched by *DecisionError.
	ErrInvalidDecision = errors.New("invalid triage decision")
)

// ConflictError is returned when a second action is attempted on a report
// whose first action has not been acknowledged yet.
type ConflictError struct {
	TrackingID string
	InFlight   Action
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("report %s: %s already in flight", e.TrackingID, e.InFlight)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// AlreadyProcessedError reports that the backend refused an action because
// the report left the unverified state earlier.
type AlreadyProcessedError struct {
	TrackingID string
	Status     Status
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("report has already been processed (status: %s)", e.Status)
}

func (e *AlreadyProcessedError) Is(target error) bool { return target == ErrAlreadyProcessed }

// DecisionError describes a malformed decision.
type DecisionError struct {
	Reason string
}

func (e *DecisionError) Error() string { return "invalid triage decision: " + e.Reason }

func (e *DecisionError) Is(target error) bool { return target == ErrInvalidDecision }

// FilterError describes a malformed filter.
type FilterError struct {
	Reason string
}

func (e *FilterError) Error() string { return "invalid triage filter: " + e.Reason }

func (e *FilterError) Is(target error) bool { return target == ErrInvalidFilter }

// GenericFailure is shown when the backend gave no usable reason.
const GenericFailure = "The triage action could not be completed. Please try again."

// BackendError wraps a backend failure for a triage action. The report is
// left in its previous state.
type BackendError struct {
	TrackingID string
	Action     Action
	Reason     string
	Err        error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("triage %s %s failed", e.Action, e.TrackingID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error { return e.Err }

// UserMessage returns the specific reason when there is one and a generic
// retry message otherwise.
func (e *BackendError) UserMessage() string {
	if e.Reason != "" {
		return e.Reason
	}
	var ap *AlreadyProcessedError
	if errors.As(e.Err, &ap) {
		return ap.Error()
	}
	if errors.Is(e.Err, ErrNotFound) {
		return "Report not found."
	}
	return GenericFailure
}
