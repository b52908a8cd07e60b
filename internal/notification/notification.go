// Package notification holds the in-app notification feed: an ordered,
// capped, newest-first collection with read/unread bookkeeping.
package notification

import (
	"errors"
	"maps"
	"time"
)

// Type classifies what a notification is about.
type Type string

const (
	TypeHazard     Type = "hazard"
	TypeRSS        Type = "rss"
	TypeSystem     Type = "system"
	TypeValidation Type = "validation"
	TypeReport     Type = "report"
)

// Valid reports whether t is a known notification type.
func (t Type) Valid() bool {
	switch t {
	case TypeHazard, TypeRSS, TypeSystem, TypeValidation, TypeReport:
		return true
	}
	return false
}

// Severity drives how prominently a notification or alert is shown.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// MetaTopic is the metadata key holding the change-feed topic an entry
// came from. Entries without it are visible to every role.
const MetaTopic = "topic"

// Notification is a single feed entry.
type Notification struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Link      string            `json:"link,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Read      bool              `json:"read"`
}

// Topic returns the change-feed topic recorded on n, if any.
func (n Notification) Topic() string { return n.Metadata[MetaTopic] }

func (n Notification) clone() Notification {
	n.Metadata = maps.Clone(n.Metadata)
	return n
}

var (
	// ErrDuplicate is returned by Add when the ID is present or was
	// recently removed or evicted.
	ErrDuplicate = errors.New("notification: duplicate id")

	// ErrClosed is returned by Add after the store is closed.
	ErrClosed = errors.New("notification: store closed")

	// ErrInvalid is returned by Add for an unknown type or severity or an
	// empty title.
	ErrInvalid = errors.New("notification: invalid notification")
)
