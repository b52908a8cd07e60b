package triage

import (
	"math"
	"time"
)

// Hazard record defaults for validated citizen reports.
const (
	SourceCitizenReport   = "citizen_report"
	CitizenHazardSeverity = "moderate"

	// ValidationBoost is added to a report's confidence when a validator
	// confirms it. The result is capped at 1.
	ValidationBoost = 0.4

	// unscoredConfidence stands in for a report that was never scored.
	unscoredConfidence = 0.3
)

// DefaultRejectNote is recorded when a rejection carries no notes.
const DefaultRejectNote = "Report rejected by validator"

// Hazard is the map record created when a citizen report is validated.
type Hazard struct {
	ID              string       `json:"id"`
	HazardType      string       `json:"hazard_type"`
	LocationName    string       `json:"location_name"`
	Coordinates     *Coordinates `json:"coordinates,omitempty"`
	Severity        string       `json:"severity"`
	ConfidenceScore float64      `json:"confidence_score"`
	SourceType      string       `json:"source_type"`
	SourceReportID  string       `json:"source_report_id"`
	SourceContent   string       `json:"source_content"`
	Validated       bool         `json:"validated"`
	ValidatedBy     string       `json:"validated_by,omitempty"`
	ValidatedAt     time.Time    `json:"validated_at"`
}

// HazardFromReport builds the hazard for a report validated at at. The ID
// is left for the backend to assign.
func HazardFromReport(r *Report, at time.Time) Hazard {
	conf := unscoredConfidence
	if r.ConfidenceScore != nil {
		conf = *r.ConfidenceScore
	}
	h := Hazard{
		HazardType:      r.HazardType,
		LocationName:    r.LocationName,
		Severity:        CitizenHazardSeverity,
		ConfidenceScore: math.Min(conf+ValidationBoost, 1),
		SourceType:      SourceCitizenReport,
		SourceReportID:  r.TrackingID,
		SourceContent:   r.Description,
		Validated:       true,
		ValidatedBy:     r.ValidatedBy,
		ValidatedAt:     at,
	}
	if r.Coordinates != nil {
		c := *r.Coordinates
		h.Coordinates = &c
	}
	return h
}

// WithDefaults fills the notes a backend records when the caller gave none.
func (d Decision) WithDefaults() Decision {
	if d.Action == ActionReject && d.Notes == "" {
		d.Notes = DefaultRejectNote
	}
	return d
}
