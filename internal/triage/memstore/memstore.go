// Package memstore provides an in-memory implementation of triage.Backend.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/hazardwatch/internal/triage"
)

// Store holds reports in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	reports map[string]*triage.Report // tracking ID -> report
	hazards map[string]*triage.Hazard // source tracking ID -> hazard
	now     func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		reports: make(map[string]*triage.Report),
		hazards: make(map[string]*triage.Hazard),
		now:     time.Now,
	}
}

// Submit stores a new report. A missing tracking ID is generated, the
// status is forced to unverified and SubmittedAt defaults to now.
func (s *Store) Submit(_ context.Context, r *triage.Report) (*triage.Report, error) {
	cp := r.Clone()
	if cp.TrackingID == "" {
		cp.TrackingID = "HW-" + ulid.Make().String()
	}
	if cp.SubmittedAt.IsZero() {
		cp.SubmittedAt = s.now()
	}
	if cp.ConfidenceScore != nil && (*cp.ConfidenceScore < 0 || *cp.ConfidenceScore > 1) {
		return nil, fmt.Errorf("confidence score %v outside [0,1]", *cp.ConfidenceScore)
	}
	cp.Status = triage.StatusUnverified
	cp.ValidatedBy, cp.ValidatedAt, cp.ValidationNotes = "", nil, ""

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[cp.TrackingID]; ok {
		return nil, fmt.Errorf("report %s already exists", cp.TrackingID)
	}
	s.reports[cp.TrackingID] = cp
	return cp.Clone(), nil
}

// Get retrieves a report by tracking ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// ListReports returns copies of the reports matching f, oldest first.
func (s *Store) ListReports(_ context.Context, f triage.Filter) ([]triage.Report, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	all := make([]triage.Report, 0, len(s.reports))
	for _, r := range s.reports {
		all = append(all, *r)
	}
	s.mu.RUnlock()
	return f.Apply(all), nil
}

// ApplyDecision transitions an unverified report to the decision's target.
// Validation also records the hazard for the map in the same critical
// section.
func (s *Store) ApplyDecision(_ context.Context, id string, d triage.Decision) (*triage.Report, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	d = d.WithDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, triage.ErrNotFound
	}
	if r.Status != triage.StatusUnverified {
		return nil, &triage.AlreadyProcessedError{TrackingID: id, Status: r.Status}
	}
	at := s.now()
	r.Status = d.Action.Target()
	r.ValidatedBy = d.Actor
	r.ValidatedAt = &at
	r.ValidationNotes = d.Notes
	if r.Status == triage.StatusVerified {
		h := triage.HazardFromReport(r, at)
		h.ID = ulid.Make().String()
		s.hazards[id] = &h
	}
	return r.Clone(), nil
}

// HazardForReport returns the hazard created when the report was validated.
func (s *Store) HazardForReport(_ context.Context, trackingID string) (*triage.Hazard, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hazards[trackingID]
	if !ok {
		return nil, false, nil
	}
	cp := *h
	if h.Coordinates != nil {
		c := *h.Coordinates
		cp.Coordinates = &c
	}
	return &cp, true, nil
}
