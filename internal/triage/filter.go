package triage

import (
	"fmt"
	"sort"
)

// Routing thresholds. They only seed queue presets; the machine never
// transitions a report on its score.
const (
	ExpediteThreshold = 0.7
	ReviewThreshold   = 0.3
)

// Paging defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Filter selects triage candidates.
type Filter struct {
	Status        Status   `json:"status,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	MaxConfidence *float64 `json:"max_confidence,omitempty"`
	// MaxExclusive makes MaxConfidence an open upper bound so adjacent
	// queues do not share their boundary score.
	MaxExclusive bool   `json:"max_exclusive,omitempty"`
	HazardType    string   `json:"hazard_type,omitempty"`
	// IncludeUnscored keeps reports without a confidence score when a
	// confidence bound is set. With no bounds they are always kept.
	IncludeUnscored bool `json:"include_unscored,omitempty"`
	Limit           int  `json:"limit,omitempty"`
	Offset          int  `json:"offset,omitempty"`
}

func bound(v float64) *float64 { return &v }

// ReviewQueue is the default manual review queue: [0.3, 0.7).
func ReviewQueue() Filter {
	return Filter{Status: StatusUnverified, MinConfidence: bound(ReviewThreshold), MaxConfidence: bound(ExpediteThreshold), MaxExclusive: true}
}

// ExpeditedQueue lists reports suitable for expedited validation: [0.7, 1].
func ExpeditedQueue() Filter {
	return Filter{Status: StatusUnverified, MinConfidence: bound(ExpediteThreshold), MaxConfidence: bound(1)}
}

// RejectionCandidates lists low-confidence reports: [0, 0.3).
func RejectionCandidates() Filter {
	return Filter{Status: StatusUnverified, MinConfidence: bound(0), MaxConfidence: bound(ReviewThreshold), MaxExclusive: true}
}

// Normalize fills defaults and validates f.
func (f Filter) Normalize() (Filter, error) {
	if f.Status == "" {
		f.Status = StatusUnverified
	}
	if !f.Status.Valid() {
		return f, &FilterError{Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	for _, b := range []*float64{f.MinConfidence, f.MaxConfidence} {
		if b != nil && (*b < 0 || *b > 1) {
			return f, &FilterError{Reason: "confidence bounds must be within [0,1]"}
		}
	}
	if f.MinConfidence != nil && f.MaxConfidence != nil && *f.MinConfidence > *f.MaxConfidence {
		return f, &FilterError{Reason: "min confidence exceeds max confidence"}
	}
	switch {
	case f.Limit == 0:
		f.Limit = DefaultLimit
	case f.Limit < 0 || f.Limit > MaxLimit:
		return f, &FilterError{Reason: fmt.Sprintf("limit must be between 1 and %d", MaxLimit)}
	}
	if f.Offset < 0 {
		return f, &FilterError{Reason: "offset must not be negative"}
	}
	return f, nil
}

// Bounded reports whether a confidence bound is set.
func (f Filter) Bounded() bool {
	return f.MinConfidence != nil || f.MaxConfidence != nil
}

// Matches reports whether r satisfies the status, hazard type and
// confidence constraints of f. Paging is not considered.
func (f Filter) Matches(r *Report) bool {
	status := f.Status
	if status == "" {
		status = StatusUnverified
	}
	if r.Status != status {
		return false
	}
	if f.HazardType != "" && r.HazardType != f.HazardType {
		return false
	}
	if r.ConfidenceScore == nil {
		return !f.Bounded() || f.IncludeUnscored
	}
	c := *r.ConfidenceScore
	if f.MinConfidence != nil && c < *f.MinConfidence {
		return false
	}
	if f.MaxConfidence != nil {
		if c > *f.MaxConfidence || (f.MaxExclusive && c == *f.MaxConfidence) {
			return false
		}
	}
	return true
}

// Apply filters reports, orders them oldest first with ties broken by
// tracking id, and pages the result.
// f must already be normalized. The input slice is not modified.
func (f Filter) Apply(reports []Report) []Report {
	out := make([]Report, 0, len(reports))
	for i := range reports {
		if f.Matches(&reports[i]) {
			out = append(out, *reports[i].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].TrackingID < out[j].TrackingID
	})

	if f.Offset >= len(out) {
		return []Report{}
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
