package models

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// NormalizedAlert is a provider-agnostic alert produced by the normalization step.
type NormalizedAlert struct {
	Source        string            `json:"source"`
	SourceEventID string            `json:"sourceEventId"`
	Project       string            `json:"project"`
	Environment   string            `json:"environment"`
	Fingerprint   string            `json:"fingerprint"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Severity      string            `json:"severity"`
	Tags          map[string]string `json:"tags,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
	UserCount     *int              `json:"userCount,omitempty"`
}

// GroupStatus is the lifecycle state of an incident group.
type GroupStatus string

const (
	StatusOpen     GroupStatus = "OPEN"
	StatusAck      GroupStatus = "ACK"
	StatusResolved GroupStatus = "RESOLVED"
)

// Active reports whether the status still accepts new occurrences.
func (s GroupStatus) Active() bool {
	return s == StatusOpen || s == StatusAck
}

// IncidentGroup is the deduplicated unit operators act on.
type IncidentGroup struct {
	ID              string
	WorkspaceID     string
	GroupKey        string
	Title           string
	Project         string
	Environment     string
	Status          GroupStatus
	Severity        Severity
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	Count           int
	VelocityPerHour *float64
	UserCount       *int
}

// AlertEvent is one raw occurrence stored in the event log.
type AlertEvent struct {
	ID            string
	WorkspaceID   string
	GroupID       string
	GroupKey      string
	Source        string
	SourceEventID string
	Title         string
	Message       string
	Severity      Severity
	Tags          map[string]string
	OccurredAt    time.Time
}

// GroupChanged is emitted after every successful group upsert.
type GroupChanged struct {
	WorkspaceID string      `json:"workspaceId"`
	GroupID     string      `json:"groupId"`
	GroupKey    string      `json:"groupKey"`
	Status      GroupStatus `json:"status"`
	Severity    string      `json:"severity"`
	Count       int         `json:"count"`
	Created     bool        `json:"created"`
	Escalated   bool        `json:"escalated"`
	Anomalous   bool        `json:"anomalous"`
	OccurredAt  time.Time   `json:"occurredAt"`
}

// AuditEntry is a fact handed to the audit sink.
type AuditEntry struct {
	WorkspaceID  string
	ActorUserID  string
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]any
}

// Severity is the closed set of incident severities, ordered by rank.
type Severity int

const (
	SeverityInfo Severity = iota + 1
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Rank returns the numeric rank (INFO=1 … CRITICAL=5).
func (s Severity) Rank() int {
	if s < SeverityInfo || s > SeverityCritical {
		return int(SeverityInfo)
	}
	return int(s)
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// Max returns the higher-ranked of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return Severity(s.Rank())
}

// ParseSeverity maps any provider severity string onto the closed set.
// Unrecognised values fall back to INFO.
func ParseSeverity(raw string) Severity {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL", "FATAL":
		return SeverityCritical
	case "HIGH", "ERROR":
		return SeverityHigh
	case "MEDIUM", "MED", "WARNING", "WARN":
		return SeverityMedium
	case "LOW", "SUCCESS":
		return SeverityLow
	case "INFO", "DEBUG":
		return SeverityInfo
	default:
		return SeverityInfo
	}
}
