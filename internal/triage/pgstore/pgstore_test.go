package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/hazardwatch/internal/triage"
	"github.com/linnemanlabs/hazardwatch/internal/triage/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("HAZARDWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("HAZARDWATCH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func score(v float64) *float64 { return &v }

// hazardType isolates rows written by one test run.
func hazardType(t *testing.T) string {
	t.Helper()
	return "test-" + ulid.Make().String()
}

func TestSubmitAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	in := &triage.Report{
		HazardType:      hazardType(t),
		LocationName:    "Barangay San Roque",
		Coordinates:     &triage.Coordinates{Lat: 14.6507, Lng: 121.1029},
		Description:     "knee-deep flooding",
		ConfidenceScore: score(0.42),
		SubmittedAt:     now,
	}
	r, err := s.Submit(ctx, in)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.TrackingID == "" {
		t.Fatal("tracking ID not assigned")
	}

	got, ok, err := s.Get(ctx, r.TrackingID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}
	assertEqual(t, "Status", triage.StatusUnverified, got.Status)
	assertEqual(t, "LocationName", in.LocationName, got.LocationName)
	assertEqual(t, "Confidence", 0.42, *got.ConfidenceScore)
	assertEqual(t, "Lat", 14.6507, got.Coordinates.Lat)
	assertEqual(t, "SubmittedAt", now, got.SubmittedAt.UTC())
	if got.ValidatedAt != nil {
		t.Errorf("ValidatedAt = %v, want nil", got.ValidatedAt)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "HW-does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get returned ok=true for missing ID")
	}
}

func TestListReports_ConfidenceWindow(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ht := hazardType(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	for i, c := range []*float64{score(0.1), score(0.35), score(0.5), score(0.9), nil} {
		if _, err := s.Submit(ctx, &triage.Report{
			HazardType:      ht,
			ConfidenceScore: c,
			SubmittedAt:     base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	f := triage.ReviewQueue()
	f.HazardType = ht
	got, err := s.ListReports(ctx, f)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d reports, want 2", len(got))
	}
	assertEqual(t, "first", 0.35, *got[0].ConfidenceScore)
	assertEqual(t, "second", 0.5, *got[1].ConfidenceScore)

	f.IncludeUnscored = true
	got, err = s.ListReports(ctx, f)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	assertEqual(t, "with unscored", 3, len(got))

	got, err = s.ListReports(ctx, triage.Filter{HazardType: ht, Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	assertEqual(t, "last page", 1, len(got))
}

func TestApplyDecision(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r, err := s.Submit(ctx, &triage.Report{HazardType: hazardType(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := s.ApplyDecision(ctx, r.TrackingID, triage.Decision{Action: triage.ActionValidate, Notes: "confirmed", Actor: "validator-7"})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	assertEqual(t, "Status", triage.StatusVerified, got.Status)
	assertEqual(t, "ValidatedBy", "validator-7", got.ValidatedBy)
	assertEqual(t, "Notes", "confirmed", got.ValidationNotes)
	if got.ValidatedAt == nil {
		t.Error("ValidatedAt not set")
	}

	_, err = s.ApplyDecision(ctx, r.TrackingID, triage.Decision{Action: triage.ActionReject})
	var ap *triage.AlreadyProcessedError
	if !errors.As(err, &ap) {
		t.Fatalf("second decision err = %v, want AlreadyProcessedError", err)
	}
	assertEqual(t, "processed status", triage.StatusVerified, ap.Status)

	_, err = s.ApplyDecision(ctx, "HW-does-not-exist", triage.Decision{Action: triage.ActionReject})
	if !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
}

func TestApplyDecision_ValidateInsertsHazard(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r, err := s.Submit(ctx, &triage.Report{
		HazardType:      hazardType(t),
		LocationName:    "Barangay 12",
		Coordinates:     &triage.Coordinates{Lat: 14.6, Lng: 121},
		Description:     "road under water",
		ConfidenceScore: score(0.5),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.ApplyDecision(ctx, r.TrackingID, triage.Decision{Action: triage.ActionValidate, Actor: "validator-1"}); err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}

	h, ok, err := s.HazardForReport(ctx, r.TrackingID)
	if err != nil || !ok {
		t.Fatalf("HazardForReport = %v, %v", ok, err)
	}
	if h.ConfidenceScore < 0.899 || h.ConfidenceScore > 0.901 {
		t.Errorf("ConfidenceScore = %v, want 0.9", h.ConfidenceScore)
	}
	assertEqual(t, "Severity", triage.CitizenHazardSeverity, h.Severity)
	assertEqual(t, "SourceType", triage.SourceCitizenReport, h.SourceType)
	assertEqual(t, "SourceContent", "road under water", h.SourceContent)
	assertEqual(t, "Validated", true, h.Validated)
	if h.Coordinates == nil || h.Coordinates.Lat != 14.6 {
		t.Errorf("Coordinates = %+v", h.Coordinates)
	}
}

func TestApplyDecision_RejectDefaultsNotes(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r, err := s.Submit(ctx, &triage.Report{HazardType: hazardType(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := s.ApplyDecision(ctx, r.TrackingID, triage.Decision{Action: triage.ActionReject})
	if err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	assertEqual(t, "Notes", triage.DefaultRejectNote, got.ValidationNotes)
	if _, ok, err := s.HazardForReport(ctx, r.TrackingID); err != nil || ok {
		t.Errorf("HazardForReport after reject = %v, %v; want no hazard", ok, err)
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
