// Package triage provides the business boundary for citizen report triage.
// It defines the Report model, confidence-based queue filters, the Backend
// interface (persistence or remote API), and the Machine that guards the
// unverified -> verified/rejected/duplicate transitions.
package triage
