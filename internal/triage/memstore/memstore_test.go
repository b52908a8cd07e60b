package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/hazardwatch/internal/triage"
)

func score(v float64) *float64 { return &v }

func TestStore_SubmitAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r, err := s.Submit(ctx, &triage.Report{HazardType: "flood", LocationName: "Marikina", Status: triage.StatusVerified})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.TrackingID == "" {
		t.Fatal("tracking ID not assigned")
	}
	if r.Status != triage.StatusUnverified {
		t.Errorf("Status = %q, want unverified", r.Status)
	}
	if r.SubmittedAt.IsZero() {
		t.Error("SubmittedAt not set")
	}

	got, ok, err := s.Get(ctx, r.TrackingID)
	if err != nil || !ok {
		t.Fatalf("Get: %v, %v", ok, err)
	}
	if got.LocationName != "Marikina" {
		t.Errorf("LocationName = %q", got.LocationName)
	}
}

func TestStore_SubmitRejects(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, err := s.Submit(ctx, &triage.Report{TrackingID: "HW-1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.Submit(ctx, &triage.Report{TrackingID: "HW-1"}); err == nil {
		t.Error("expected duplicate tracking ID error")
	}
	if _, err := s.Submit(ctx, &triage.Report{ConfidenceScore: score(1.2)}); err == nil {
		t.Error("expected out of range confidence error")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_ApplyDecision(t *testing.T) {
	t.Parallel()

	s := New()
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return at }
	ctx := context.Background()
	_, _ = s.Submit(ctx, &triage.Report{TrackingID: "HW-1"})

	r, err := s.ApplyDecision(ctx, "HW-1", triage.Decision{Action: triage.ActionReject, Notes: "photo unrelated", Actor: "v-1"})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	if r.Status != triage.StatusRejected || r.ValidatedBy != "v-1" || !r.ValidatedAt.Equal(at) {
		t.Errorf("report = %+v", r)
	}

	_, err = s.ApplyDecision(ctx, "HW-1", triage.Decision{Action: triage.ActionValidate})
	var ap *triage.AlreadyProcessedError
	if !errors.As(err, &ap) || ap.Status != triage.StatusRejected {
		t.Errorf("second decision err = %v, want already processed (rejected)", err)
	}

	if _, err := s.ApplyDecision(ctx, "HW-404", triage.Decision{Action: triage.ActionValidate}); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
}

func TestStore_ValidateCreatesHazard(t *testing.T) {
	t.Parallel()

	s := New()
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return at }
	ctx := context.Background()
	_, _ = s.Submit(ctx, &triage.Report{
		TrackingID: "HW-1", HazardType: "landslide", LocationName: "Baguio",
		Description: "road blocked", ConfidenceScore: score(0.45),
	})
	_, _ = s.Submit(ctx, &triage.Report{TrackingID: "HW-2", HazardType: "flood"})

	if _, err := s.ApplyDecision(ctx, "HW-1", triage.Decision{Action: triage.ActionValidate, Actor: "v-1"}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	h, ok, err := s.HazardForReport(ctx, "HW-1")
	if err != nil || !ok {
		t.Fatalf("HazardForReport: %v, %v", ok, err)
	}
	if h.ID == "" || !h.Validated || h.SourceType != triage.SourceCitizenReport || h.ValidatedBy != "v-1" {
		t.Errorf("hazard = %+v", h)
	}
	if h.ConfidenceScore < 0.849 || h.ConfidenceScore > 0.851 {
		t.Errorf("confidence = %v, want 0.85", h.ConfidenceScore)
	}
	if h.HazardType != "landslide" || h.SourceContent != "road blocked" || !h.ValidatedAt.Equal(at) {
		t.Errorf("hazard = %+v", h)
	}

	r, err := s.ApplyDecision(ctx, "HW-2", triage.Decision{Action: triage.ActionReject})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if r.ValidationNotes != triage.DefaultRejectNote {
		t.Errorf("notes = %q, want %q", r.ValidationNotes, triage.DefaultRejectNote)
	}
	if _, ok, _ := s.HazardForReport(ctx, "HW-2"); ok {
		t.Error("rejected report produced a hazard")
	}
}

func TestStore_ListReports(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range []*float64{score(0.1), score(0.35), score(0.5), score(0.9), nil} {
		_, err := s.Submit(ctx, &triage.Report{
			TrackingID:      fmt.Sprintf("HW-%d", i),
			ConfidenceScore: c,
			SubmittedAt:     base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	got, err := s.ListReports(ctx, triage.ReviewQueue())
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(got) != 2 || got[0].TrackingID != "HW-1" || got[1].TrackingID != "HW-2" {
		t.Errorf("review queue = %+v", got)
	}

	all, err := s.ListReports(ctx, triage.Filter{})
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("unfiltered = %d, want 5", len(all))
	}

	// mutating a returned report must not affect the store
	all[0].Status = triage.StatusVerified
	r, _, _ := s.Get(ctx, all[0].TrackingID)
	if r.Status != triage.StatusUnverified {
		t.Error("ListReports leaked internal state")
	}
}

func TestStore_ConcurrentDecisionsApplyOnce(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, _ = s.Submit(ctx, &triage.Report{TrackingID: "HW-1"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyDecision(ctx, "HW-1", triage.Decision{Action: triage.ActionValidate}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Errorf("successful decisions = %d, want 1", ok)
	}
}
