package triage

import "context"

// Backend is where reports live: a database, or the remote triage API.
//
// ApplyDecision must be conditional: it transitions the report only while it
// is unverified and returns ErrNotFound or an *AlreadyProcessedError
// otherwise. The returned report reflects the persisted state.
type Backend interface {
	ListReports(ctx context.Context, f Filter) ([]Report, error)
	ApplyDecision(ctx context.Context, trackingID string, d Decision) (*Report, error)
}
