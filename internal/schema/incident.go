// Package schema defines the payloads that flow through the response
// pipeline: incidents, alerts, agent runs and the stream message envelope.
// Every payload read from a stream is validated here before business logic
// sees it.
package schema

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

// Severity is the ordered incident severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity (low=0 .. critical=3).
// Unrecognized values rank as low.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// IsValid checks if the severity is one of the known levels.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AtLeast reports whether s is ordinally greater than or equal to min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Status is the incident lifecycle status.
type Status string

const (
	StatusOpen   Status = "open"
	StatusAck    Status = "ack"
	StatusClosed Status = "closed"
)

// IsValid checks if the status is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusAck, StatusClosed:
		return true
	}
	return false
}

// Asset identifies the OT/ICS asset an incident was observed on. Every
// field is optional.
type Asset struct {
	ID   string `json:"id,omitempty" validate:"max=256"`
	Name string `json:"name,omitempty" validate:"max=256"`
	Zone string `json:"zone,omitempty" validate:"max=128"`
	Role string `json:"role,omitempty" validate:"max=64"`
	IP   string `json:"ip,omitempty" validate:"omitempty,ip"`
}

// Incident is a detected security-relevant event on an asset.
type Incident struct {
	ID        string         `json:"id" validate:"required,max=128"`
	Severity  Severity       `json:"severity" validate:"required,severity"`
	Vector    string         `json:"vector" validate:"required,max=128"`
	Protocol  string         `json:"protocol,omitempty" validate:"max=64"`
	Source    string         `json:"source,omitempty" validate:"max=64"`
	Asset     Asset          `json:"asset,omitempty"`
	FirstSeen time.Time      `json:"firstSeen"`
	LastSeen  time.Time      `json:"lastSeen"`
	Count     int            `json:"count" validate:"min=0"`
	Details   map[string]any `json:"details,omitempty"`
	Status    Status         `json:"status,omitempty" validate:"omitempty,oneof=open ack closed"`
	Detector  string         `json:"detector,omitempty" validate:"max=128"`
	RunID     string         `json:"runId,omitempty" validate:"max=160"`
}

// DefaultDetector is the agent credited with detection when an incident does
// not name one.
const DefaultDetector = "Detector"

// RunIDFor returns the agent run id for an incident: the incident's own
// back-reference when set, otherwise "run-<incident id>".
func RunIDFor(inc *Incident) string {
	if inc.RunID != "" {
		return inc.RunID
	}
	return "run-" + inc.ID
}

// DetectorName returns the detecting agent, falling back to DefaultDetector.
func (inc *Incident) DetectorName() string {
	if inc.Detector != "" {
		return inc.Detector
	}
	return DefaultDetector
}

// Merge folds a duplicate detection of the same incident into inc:
// lastSeen advances, count accumulates. Everything else is immutable.
func (inc *Incident) Merge(dup *Incident) {
	if dup.LastSeen.After(inc.LastSeen) {
		inc.LastSeen = dup.LastSeen
	}
	n := dup.Count
	if n <= 0 {
		n = 1
	}
	inc.Count += n
}

// Normalize fills in defaults a producer may omit.
func (inc *Incident) Normalize(now time.Time) {
	if inc.FirstSeen.IsZero() {
		inc.FirstSeen = now
	}
	if inc.LastSeen.IsZero() {
		inc.LastSeen = inc.FirstSeen
	}
	if inc.Count <= 0 {
		inc.Count = 1
	}
	if inc.Status == "" {
		inc.Status = StatusOpen
	}
	if inc.RunID == "" {
		inc.RunID = RunIDFor(inc)
	}
}

// StableID derives a short deterministic identifier from parts, skipping
// empty ones. Feed producers use it to build incident ids that survive
// retries ("INC-" + StableID(feed, ip, ...)).
func StableID(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	sum := sha1.Sum([]byte(strings.Join(kept, "|")))
	return hex.EncodeToString(sum[:])[:16]
}
