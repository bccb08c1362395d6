package models

import "time"

// AnomalyBaseline is the persisted velocity baseline for one metric key.
type AnomalyBaseline struct {
	WorkspaceID    string
	GroupID        string
	MetricKey      string
	Mean           float64
	StdDev         float64
	SeasonalMean   *float64
	SeasonalStdDev *float64
	SeasonalHour   *int
	SampleCount    int
	WindowHours    int
	LastUpdated    time.Time
}

// GroupStats is the effective baseline used for z-score gating.
type GroupStats struct {
	Mean         float64
	StdDev       float64
	CurrentCount int
	Seasonal     bool
}

// AnomalyReport describes a group whose current hourly count broke its baseline.
type AnomalyReport struct {
	AlertGroupID       string
	Title              string
	Severity           Severity
	CurrentVelocity    float64
	BaselineVelocity   float64
	StdDev             float64
	ZScore             float64
	PercentageIncrease float64
	DetectedAt         time.Time
	RecordedGroupID    string
}

// CorrelationRule is a mined directional association between two group keys.
type CorrelationRule struct {
	ID             string
	WorkspaceID    string
	SourceGroupKey string
	TargetGroupKey string
	Confidence     float64
	Support        int
	LastUpdatedAt  time.Time
}

// AlertCorrelation is a scored edge between two concrete incident groups.
type AlertCorrelation struct {
	PrimaryAlertID string
	RelatedAlertID string
	Score          float64
	Reason         string
	UpdatedAt      time.Time
}

// CorrelatedAlert pairs a candidate group with its score and reason tags.
type CorrelatedAlert struct {
	Group  IncidentGroup
	Score  float64
	Reason string
}

// RootCauseSuggestion is the earliest correlated incident, if any.
type RootCauseSuggestion struct {
	RootCauseAlertID string
	Confidence       float64
	Explanation      string
}
