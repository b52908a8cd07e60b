package triage

import "time"

// Status represents the triage state of a report.
type Status string

const (
	StatusUnverified Status = "unverified"
	StatusVerified   Status = "verified"
	StatusRejected   Status = "rejected"
	StatusDuplicate  Status = "duplicate"
)

// Terminal reports whether no further triage transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusVerified, StatusRejected, StatusDuplicate:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusUnverified || s.Terminal()
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Report is a citizen-submitted hazard report awaiting or past triage.
type Report struct {
	TrackingID      string       `json:"tracking_id"`
	HazardType      string       `json:"hazard_type"`
	LocationName    string       `json:"location_name"`
	Coordinates     *Coordinates `json:"coordinates,omitempty"`
	Description     string       `json:"description"`
	ConfidenceScore *float64     `json:"confidence_score"`
	Status          Status       `json:"status"`
	SubmittedAt     time.Time    `json:"submitted_at"`
	ValidatedBy     string       `json:"validated_by,omitempty"`
	ValidatedAt     *time.Time   `json:"validated_at,omitempty"`
	ValidationNotes string       `json:"validation_notes,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Coordinates != nil {
		c := *r.Coordinates
		cp.Coordinates = &c
	}
	if r.ConfidenceScore != nil {
		v := *r.ConfidenceScore
		cp.ConfidenceScore = &v
	}
	if r.ValidatedAt != nil {
		v := *r.ValidatedAt
		cp.ValidatedAt = &v
	}
	return &cp
}

// Action is a triage decision kind.
type Action string

const (
	ActionValidate  Action = "validate"
	ActionReject    Action = "reject"
	ActionDuplicate Action = "duplicate"
)

// Target returns the status an acknowledged action leaves the report in.
func (a Action) Target() Status {
	switch a {
	case ActionValidate:
		return StatusVerified
	case ActionReject:
		return StatusRejected
	case ActionDuplicate:
		return StatusDuplicate
	default:
		return ""
	}
}

// MaxNotesLength bounds Decision.Notes.
const MaxNotesLength = 500

// Decision is a single triage action against one report.
type Decision struct {
	Action Action `json:"action"`
	Notes  string `json:"notes,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// Validate checks the decision shape.
func (d Decision) Validate() error {
	if d.Action.Target() == "" {
		return &DecisionError{Reason: "unknown action " + string(d.Action)}
	}
	if len([]rune(d.Notes)) > MaxNotesLength {
		return &DecisionError{Reason: "notes exceed 500 characters"}
	}
	return nil
}
