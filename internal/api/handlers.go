package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalcraft/signalcraft-correlator/internal/grouping"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
)

// ToStruct converts a JSON-tagged value into a structpb message.
func ToStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// FromStruct decodes a structpb message into a JSON-tagged value.
func FromStruct(s *structpb.Struct, out any) error {
	if s == nil {
		return errors.New("request is nil")
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// IngestAlertRequest carries one normalized alert.
type IngestAlertRequest struct {
	WorkspaceID string                 `json:"workspaceId"`
	Alert       models.NormalizedAlert `json:"alert"`
}

// GroupRequest addresses a single incident group.
type GroupRequest struct {
	WorkspaceID string `json:"workspaceId"`
	GroupID     string `json:"groupId"`
	Limit       int    `json:"limit,omitempty"`
}

// WorkspaceRequest addresses a workspace-wide job.
type WorkspaceRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Record      bool   `json:"record,omitempty"`
}

// FromStructGroupRequest decodes and validates a GroupRequest.
func FromStructGroupRequest(s *structpb.Struct) (GroupRequest, error) {
	var req GroupRequest
	if err := FromStruct(s, &req); err != nil {
		return req, err
	}
	if strings.TrimSpace(req.GroupID) == "" {
		return req, errors.New("groupId is required")
	}
	return req, nil
}

// FromStructWorkspaceRequest decodes and validates a WorkspaceRequest.
func FromStructWorkspaceRequest(s *structpb.Struct) (WorkspaceRequest, error) {
	var req WorkspaceRequest
	if err := FromStruct(s, &req); err != nil {
		return req, err
	}
	if strings.TrimSpace(req.WorkspaceID) == "" {
		return req, errors.New("workspaceId is required")
	}
	return req, nil
}

// GroupView is the wire form of an incident group.
type GroupView struct {
	ID              string    `json:"id"`
	WorkspaceID     string    `json:"workspaceId"`
	GroupKey        string    `json:"groupKey"`
	Title           string    `json:"title"`
	Project         string    `json:"project"`
	Environment     string    `json:"environment"`
	Status          string    `json:"status"`
	Severity        string    `json:"severity"`
	FirstSeenAt     time.Time `json:"firstSeenAt"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
	Count           int       `json:"count"`
	VelocityPerHour *float64  `json:"velocityPerHour,omitempty"`
	UserCount       *int      `json:"userCount,omitempty"`
}

// ToGroupView maps a domain group onto its wire form.
func ToGroupView(g models.IncidentGroup) GroupView {
	return GroupView{
		ID:              g.ID,
		WorkspaceID:     g.WorkspaceID,
		GroupKey:        g.GroupKey,
		Title:           g.Title,
		Project:         g.Project,
		Environment:     g.Environment,
		Status:          string(g.Status),
		Severity:        g.Severity.String(),
		FirstSeenAt:     g.FirstSeenAt,
		LastSeenAt:      g.LastSeenAt,
		Count:           g.Count,
		VelocityPerHour: g.VelocityPerHour,
		UserCount:       g.UserCount,
	}
}

// IngestAlertResponse reports how an alert was grouped.
type IngestAlertResponse struct {
	Group     *GroupView `json:"group,omitempty"`
	Created   bool       `json:"created"`
	Anomalous bool       `json:"anomalous"`
	Escalated bool       `json:"escalated"`
	Duplicate bool       `json:"duplicate"`
}

// ToIngestAlertResponse maps a grouping result.
func ToIngestAlertResponse(res grouping.Result) IngestAlertResponse {
	view := ToGroupView(res.Group)
	return IngestAlertResponse{
		Group:     &view,
		Created:   res.Created,
		Anomalous: res.Anomalous,
		Escalated: res.Escalated,
	}
}

// GroupStatsResponse is the effective baseline of a group.
type GroupStatsResponse struct {
	Mean          float64 `json:"mean"`
	StdDev        float64 `json:"stdDev"`
	CurrentCount  int     `json:"currentCount"`
	Seasonal      bool    `json:"seasonal"`
	AnomalyActive bool    `json:"anomalyActive"`
}

// AnomalyView is the wire form of an anomaly report.
type AnomalyView struct {
	AlertGroupID       string    `json:"alertGroupId"`
	Title              string    `json:"title"`
	Severity           string    `json:"severity"`
	CurrentVelocity    float64   `json:"currentVelocity"`
	BaselineVelocity   float64   `json:"baselineVelocity"`
	StdDev             float64   `json:"stdDev"`
	ZScore             float64   `json:"zScore"`
	PercentageIncrease float64   `json:"percentageIncrease"`
	DetectedAt         time.Time `json:"detectedAt"`
	RecordedGroupID    string    `json:"recordedGroupId,omitempty"`
}

// DetectAnomaliesResponse lists detected anomalies.
type DetectAnomaliesResponse struct {
	Anomalies []AnomalyView `json:"anomalies"`
}

// ToDetectAnomaliesResponse maps anomaly reports.
func ToDetectAnomaliesResponse(reports []models.AnomalyReport) DetectAnomaliesResponse {
	out := DetectAnomaliesResponse{Anomalies: make([]AnomalyView, 0, len(reports))}
	for _, r := range reports {
		out.Anomalies = append(out.Anomalies, AnomalyView{
			AlertGroupID:       r.AlertGroupID,
			Title:              r.Title,
			Severity:           r.Severity.String(),
			CurrentVelocity:    r.CurrentVelocity,
			BaselineVelocity:   r.BaselineVelocity,
			StdDev:             r.StdDev,
			ZScore:             r.ZScore,
			PercentageIncrease: r.PercentageIncrease,
			DetectedAt:         r.DetectedAt,
			RecordedGroupID:    r.RecordedGroupID,
		})
	}
	return out
}

// RuleView is the wire form of a mined correlation rule.
type RuleView struct {
	ID             string    `json:"id,omitempty"`
	SourceGroupKey string    `json:"sourceGroupKey"`
	TargetGroupKey string    `json:"targetGroupKey"`
	Confidence     float64   `json:"confidence"`
	Support        int       `json:"support"`
	LastUpdatedAt  time.Time `json:"lastUpdatedAt"`
}

// AnalyzeCorrelationsResponse lists mined rules.
type AnalyzeCorrelationsResponse struct {
	Rules []RuleView `json:"rules"`
}

// ToAnalyzeCorrelationsResponse maps mined rules.
func ToAnalyzeCorrelationsResponse(rules []models.CorrelationRule) AnalyzeCorrelationsResponse {
	out := AnalyzeCorrelationsResponse{Rules: make([]RuleView, 0, len(rules))}
	for _, r := range rules {
		out.Rules = append(out.Rules, RuleView{
			ID:             r.ID,
			SourceGroupKey: r.SourceGroupKey,
			TargetGroupKey: r.TargetGroupKey,
			Confidence:     r.Confidence,
			Support:        r.Support,
			LastUpdatedAt:  r.LastUpdatedAt,
		})
	}
	return out
}

// CorrelatedView is one related group with its score.
type CorrelatedView struct {
	Group  GroupView `json:"group"`
	Score  float64   `json:"score"`
	Reason string    `json:"reason"`
}

// CorrelatedAlertsResponse lists related groups.
type CorrelatedAlertsResponse struct {
	Correlations []CorrelatedView `json:"correlations"`
}

// ToCorrelatedAlertsResponse maps scored candidates.
func ToCorrelatedAlertsResponse(items []models.CorrelatedAlert) CorrelatedAlertsResponse {
	out := CorrelatedAlertsResponse{Correlations: make([]CorrelatedView, 0, len(items))}
	for _, c := range items {
		out.Correlations = append(out.Correlations, CorrelatedView{
			Group:  ToGroupView(c.Group),
			Score:  c.Score,
			Reason: c.Reason,
		})
	}
	return out
}

// RootCauseResponse is the wire form of a root-cause suggestion.
type RootCauseResponse struct {
	RootCauseAlertID string  `json:"rootCauseAlertId,omitempty"`
	Confidence       float64 `json:"confidence"`
	Explanation      string  `json:"explanation"`
}

// EdgeView is a persisted correlation edge.
type EdgeView struct {
	PrimaryAlertID string    `json:"primaryAlertId"`
	RelatedAlertID string    `json:"relatedAlertId"`
	Score          float64   `json:"score"`
	Reason         string    `json:"reason"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// StoredCorrelationsResponse lists persisted edges.
type StoredCorrelationsResponse struct {
	Edges []EdgeView `json:"edges"`
}

// ToStoredCorrelationsResponse maps persisted edges.
func ToStoredCorrelationsResponse(edges []models.AlertCorrelation) StoredCorrelationsResponse {
	out := StoredCorrelationsResponse{Edges: make([]EdgeView, 0, len(edges))}
	for _, e := range edges {
		out.Edges = append(out.Edges, EdgeView(e))
	}
	return out
}

// HealthResponse reports serving status.
type HealthResponse struct {
	Status string `json:"status"`
}
