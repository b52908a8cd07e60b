// Package pgstore provides a PostgreSQL implementation of triage.Backend.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/hazardwatch/internal/postgres"
	"github.com/linnemanlabs/hazardwatch/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/hazardwatch/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists citizen reports in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The Store owns
// the pool from here on.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const reportColumns = `tracking_id, hazard_type, location_name, latitude, longitude, description,
	confidence_score, status, submitted_at, validated_by, validated_at, validation_notes`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(postgres.WithOperation(ctx, name), name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Submit inserts a new unverified report. A missing tracking ID is
// generated.
func (s *Store) Submit(ctx context.Context, r *triage.Report) (*triage.Report, error) {
	ctx, span := startSpan(ctx, "pgstore.Submit", "INSERT")
	defer span.End()

	id := r.TrackingID
	if id == "" {
		id = "HW-" + ulid.Make().String()
	}
	submitted := r.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}
	var lat, lng *float64
	if r.Coordinates != nil {
		lat, lng = &r.Coordinates.Lat, &r.Coordinates.Lng
	}

	query := `INSERT INTO citizen_reports
		(tracking_id, hazard_type, location_name, latitude, longitude, description, confidence_score, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + reportColumns
	out, err := scanReport(s.pool.QueryRow(ctx, query,
		id, r.HazardType, r.LocationName, lat, lng, r.Description, r.ConfidenceScore, submitted))
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert report: %w", err))
	}
	return out, nil
}

// Get retrieves a report by tracking ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Report, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + reportColumns + ` FROM citizen_reports WHERE tracking_id = $1`
	r, err := scanReport(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// ListReports returns the reports matching f, oldest first.
func (s *Store) ListReports(ctx context.Context, f triage.Filter) ([]triage.Report, error) {
	ctx, span := startSpan(ctx, "pgstore.ListReports", "SELECT")
	defer span.End()

	f, err := f.Normalize()
	if err != nil {
		return nil, fail(span, err)
	}
	where, args := listConditions(f)
	args = append(args, f.Limit, f.Offset)
	query := `SELECT ` + reportColumns + ` FROM citizen_reports WHERE ` + where +
		` ORDER BY submitted_at ASC, tracking_id ASC LIMIT $` + strconv.Itoa(len(args)-1) +
		` OFFSET $` + strconv.Itoa(len(args))
	span.SetAttributes(attribute.String("hazardwatch.report_status", string(f.Status)))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query reports: %w", err))
	}
	defer rows.Close()

	out := []triage.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate reports: %w", err))
	}
	return out, nil
}

// listConditions renders the WHERE clause for a normalized filter. An
// unscored report passes when no bound is set or IncludeUnscored is true.
func listConditions(f triage.Filter) (string, []any) {
	args := []any{string(f.Status)}
	conds := []string{"status = $1"}
	if f.HazardType != "" {
		args = append(args, f.HazardType)
		conds = append(conds, "hazard_type = $"+strconv.Itoa(len(args)))
	}
	if f.Bounded() {
		var rng []string
		if f.MinConfidence != nil {
			args = append(args, *f.MinConfidence)
			rng = append(rng, "confidence_score >= $"+strconv.Itoa(len(args)))
		}
		if f.MaxConfidence != nil {
			args = append(args, *f.MaxConfidence)
			op := " <= $"
			if f.MaxExclusive {
				op = " < $"
			}
			rng = append(rng, "confidence_score"+op+strconv.Itoa(len(args)))
		}
		c := "(" + strings.Join(rng, " AND ") + ")"
		if f.IncludeUnscored {
			c = "(confidence_score IS NULL OR " + c + ")"
		}
		conds = append(conds, c)
	}
	return strings.Join(conds, " AND "), args
}

// ApplyDecision transitions an unverified report. The update is
// conditional on the current status so concurrent deciders cannot both win.
// Validation inserts the map hazard in the same transaction.
func (s *Store) ApplyDecision(ctx context.Context, id string, d triage.Decision) (*triage.Report, error) {
	ctx, span := startSpan(ctx, "pgstore.ApplyDecision", "UPDATE")
	defer span.End()
	span.SetAttributes(
		attribute.String("hazardwatch.tracking_id", id),
		attribute.String("hazardwatch.triage_action", string(d.Action)),
	)

	if err := d.Validate(); err != nil {
		return nil, fail(span, err)
	}
	d = d.WithDefaults()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `UPDATE citizen_reports
		SET status = $2, validated_by = $3, validated_at = now(), validation_notes = $4
		WHERE tracking_id = $1 AND status = 'unverified'
		RETURNING ` + reportColumns
	r, err := scanReport(tx.QueryRow(ctx, query, id, string(d.Action.Target()), d.Actor, d.Notes))
	if err != nil {
		return nil, fail(span, fmt.Errorf("update report: %w", err))
	}
	if r == nil {
		// nothing updated: either missing or already decided
		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM citizen_reports WHERE tracking_id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, triage.ErrNotFound
		}
		if err != nil {
			return nil, fail(span, fmt.Errorf("lookup report status: %w", err))
		}
		return nil, &triage.AlreadyProcessedError{TrackingID: id, Status: triage.Status(status)}
	}

	if r.Status == triage.StatusVerified {
		at := time.Now()
		if r.ValidatedAt != nil {
			at = *r.ValidatedAt
		}
		if err := insertHazard(ctx, tx, triage.HazardFromReport(r, at)); err != nil {
			return nil, fail(span, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return r, nil
}

func insertHazard(ctx context.Context, tx pgx.Tx, h triage.Hazard) error {
	var lat, lng *float64
	if h.Coordinates != nil {
		lat, lng = &h.Coordinates.Lat, &h.Coordinates.Lng
	}
	_, err := tx.Exec(ctx, `INSERT INTO hazards
		(id, hazard_type, location_name, latitude, longitude, severity, confidence_score,
		 source_type, source_report_id, source_content, validated, validated_by, validated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ulid.Make().String(), h.HazardType, h.LocationName, lat, lng, h.Severity, h.ConfidenceScore,
		h.SourceType, h.SourceReportID, h.SourceContent, h.Validated, h.ValidatedBy, h.ValidatedAt)
	if err != nil {
		return fmt.Errorf("insert hazard: %w", err)
	}
	return nil
}

// HazardForReport returns the hazard created when the report was validated.
func (s *Store) HazardForReport(ctx context.Context, trackingID string) (*triage.Hazard, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.HazardForReport", "SELECT")
	defer span.End()

	var (
		h        triage.Hazard
		lat, lng *float64
		at       *time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT id, hazard_type, location_name, latitude, longitude, severity,
		confidence_score, source_type, source_report_id, source_content, validated, validated_by, validated_at
		FROM hazards WHERE source_report_id = $1`, trackingID).Scan(
		&h.ID, &h.HazardType, &h.LocationName, &lat, &lng, &h.Severity,
		&h.ConfidenceScore, &h.SourceType, &h.SourceReportID, &h.SourceContent, &h.Validated, &h.ValidatedBy, &at,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select hazard: %w", err))
	}
	if lat != nil && lng != nil {
		h.Coordinates = &triage.Coordinates{Lat: *lat, Lng: *lng}
	}
	if at != nil {
		h.ValidatedAt = *at
	}
	return &h, true, nil
}

// scanReport scans a single row into a triage.Report.
// Returns (nil, nil) when no row is found.
func scanReport(row pgx.Row) (*triage.Report, error) {
	var (
		r           triage.Report
		lat, lng    *float64
		status      string
		validatedAt *time.Time
	)

	err := row.Scan(
		&r.TrackingID, &r.HazardType, &r.LocationName, &lat, &lng, &r.Description,
		&r.ConfidenceScore, &status, &r.SubmittedAt, &r.ValidatedBy, &validatedAt, &r.ValidationNotes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = triage.Status(status)
	r.ValidatedAt = validatedAt
	if lat != nil && lng != nil {
		r.Coordinates = &triage.Coordinates{Lat: *lat, Lng: *lng}
	}
	return &r, nil
}
