package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalcraft/signalcraft-correlator/internal/api"
	"github.com/signalcraft/signalcraft-correlator/internal/grouping"
	"github.com/signalcraft/signalcraft-correlator/internal/ingest"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
	"github.com/signalcraft/signalcraft-correlator/internal/utils"
)

// Ingester accepts normalized alerts.
type Ingester interface {
	Ingest(ctx context.Context, workspaceID string, alert models.NormalizedAlert) (grouping.Result, error)
}

// AnomalyDetector exposes the anomaly engine.
type AnomalyDetector interface {
	ComputeGroupStats(ctx context.Context, workspaceID, groupID string) (models.GroupStats, error)
	IsAnomalyActive(ctx context.Context, workspaceID, groupID string) (bool, error)
	DetectWorkspaceAnomalies(ctx context.Context, workspaceID string) ([]models.AnomalyReport, error)
	DetectAndRecordAnomalies(ctx context.Context, workspaceID string) ([]models.AnomalyReport, error)
}

// CorrelationMiner mines rules for a workspace.
type CorrelationMiner interface {
	AnalyzeCorrelations(ctx context.Context, workspaceID string) ([]models.CorrelationRule, error)
}

// CorrelationScorer answers per-incident correlation queries.
type CorrelationScorer interface {
	FindCorrelatedAlerts(ctx context.Context, groupID string) ([]models.CorrelatedAlert, error)
	SuggestRootCause(ctx context.Context, groupID string) (models.RootCauseSuggestion, error)
	CorrelatedByRules(ctx context.Context, workspaceID, groupID string) ([]models.CorrelatedAlert, error)
	StoredCorrelations(ctx context.Context, groupID string, limit int) ([]models.AlertCorrelation, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps bundles the engines behind the service. Nil members answer FailedPrecondition.
type Deps struct {
	Ingester Ingester
	Anomaly  AnomalyDetector
	Miner    CorrelationMiner
	Scorer   CorrelationScorer
	Store    Pinger
}

// CorrelatorService implements api.CorrelatorServer.
type CorrelatorService struct {
	logger    *slog.Logger
	deps      Deps
	latencies *utils.LatencyTracker
}

var _ api.CorrelatorServer = (*CorrelatorService)(nil)

// NewCorrelatorService constructs the gRPC facade.
func NewCorrelatorService(logger *slog.Logger, deps Deps) *CorrelatorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CorrelatorService{
		logger:    logger,
		deps:      deps,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// IngestAlert groups one alert. Redelivered events answer with duplicate=true.
func (s *CorrelatorService) IngestAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Ingester == nil {
		return nil, status.Error(codes.FailedPrecondition, "ingestion not configured")
	}
	var in api.IngestAlertRequest
	if err := api.FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.deps.Ingester.Ingest(ctx, in.WorkspaceID, in.Alert)
	switch {
	case errors.Is(err, repo.ErrDuplicateEvent):
		return respond(api.IngestAlertResponse{Duplicate: true})
	case errors.Is(err, ingest.ErrInvalidAlert):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case err != nil:
		s.logger.Error("ingest alert failed", slog.String("workspace_id", in.WorkspaceID), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to ingest alert")
	}
	return respond(api.ToIngestAlertResponse(res))
}

// GetGroupStats returns the effective baseline and whether a spike is active.
func (s *CorrelatorService) GetGroupStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Anomaly == nil {
		return nil, status.Error(codes.FailedPrecondition, "anomaly engine not configured")
	}
	in, err := api.FromStructGroupRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	stats, err := s.deps.Anomaly.ComputeGroupStats(ctx, in.WorkspaceID, in.GroupID)
	if err != nil {
		s.logger.Error("compute group stats failed", slog.String("group_id", in.GroupID), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to compute group stats")
	}
	active, err := s.deps.Anomaly.IsAnomalyActive(ctx, in.WorkspaceID, in.GroupID)
	if err != nil {
		s.logger.Warn("anomaly activity check failed", slog.String("group_id", in.GroupID), slog.Any("error", err))
	}
	return respond(api.GroupStatsResponse{
		Mean:          stats.Mean,
		StdDev:        stats.StdDev,
		CurrentCount:  stats.CurrentCount,
		Seasonal:      stats.Seasonal,
		AnomalyActive: active,
	})
}

// DetectAnomalies runs the workspace scan, optionally recording findings.
func (s *CorrelatorService) DetectAnomalies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Anomaly == nil {
		return nil, status.Error(codes.FailedPrecondition, "anomaly engine not configured")
	}
	in, err := api.FromStructWorkspaceRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var reports []models.AnomalyReport
	if in.Record {
		reports, err = s.deps.Anomaly.DetectAndRecordAnomalies(ctx, in.WorkspaceID)
	} else {
		reports, err = s.deps.Anomaly.DetectWorkspaceAnomalies(ctx, in.WorkspaceID)
	}
	if err != nil {
		s.logger.Error("anomaly scan failed", slog.String("workspace_id", in.WorkspaceID), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to detect anomalies")
	}
	return respond(api.ToDetectAnomaliesResponse(reports))
}

// AnalyzeCorrelations runs pair mining for a workspace on demand.
func (s *CorrelatorService) AnalyzeCorrelations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Miner == nil {
		return nil, status.Error(codes.FailedPrecondition, "correlation miner not configured")
	}
	in, err := api.FromStructWorkspaceRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rules, err := s.deps.Miner.AnalyzeCorrelations(ctx, in.WorkspaceID)
	if err != nil {
		s.logger.Error("correlation mining failed", slog.String("workspace_id", in.WorkspaceID), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to analyze correlations")
	}
	return respond(api.ToAnalyzeCorrelationsResponse(rules))
}

// FindCorrelatedAlerts scores groups related to the requested one.
func (s *CorrelatorService) FindCorrelatedAlerts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Scorer == nil {
		return nil, status.Error(codes.FailedPrecondition, "correlation scorer not configured")
	}
	in, err := api.FromStructGroupRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	start := time.Now()
	items, err := s.deps.Scorer.FindCorrelatedAlerts(ctx, in.GroupID)
	if err != nil {
		s.logger.Error("find correlated alerts failed", slog.String("group_id", in.GroupID), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to find correlated alerts")
	}
	s.observe(time.Since(start))
	return respond(api.ToCorrelatedAlertsResponse(items))
}

// SuggestRootCause names the earliest correlated group.
func (s *CorrelatorService) SuggestRootCause(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Scorer == nil {
		return nil, status.Error(codes.FailedPrecondition, "correlation scorer not configured")
	}
	in, err := api.FromStructGroupRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	start := time.Now()
	suggestion, err := s.deps.Scorer.SuggestRootCause(ctx, in.GroupID)
	if err != nil {
		s.logger.Error("root cause suggestion failed", slog.String("group_id", in.GroupID), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to suggest root cause")
	}
	s.observe(time.Since(start))
	return respond(api.RootCauseResponse{
		RootCauseAlertID: suggestion.RootCauseAlertID,
		Confidence:       suggestion.Confidence,
		Explanation:      suggestion.Explanation,
	})
}

// CorrelatedByRules resolves mined rules for the group's key.
func (s *CorrelatorService) CorrelatedByRules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Scorer == nil {
		return nil, status.Error(codes.FailedPrecondition, "correlation scorer not configured")
	}
	in, err := api.FromStructGroupRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if in.WorkspaceID == "" {
		return nil, status.Error(codes.InvalidArgument, "workspaceId is required")
	}
	items, err := s.deps.Scorer.CorrelatedByRules(ctx, in.WorkspaceID, in.GroupID)
	if err != nil {
		s.logger.Error("rule lookup failed", slog.String("group_id", in.GroupID), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to resolve correlation rules")
	}
	return respond(api.ToCorrelatedAlertsResponse(items))
}

// StoredCorrelations lists persisted correlation edges.
func (s *CorrelatorService) StoredCorrelations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Scorer == nil {
		return nil, status.Error(codes.FailedPrecondition, "correlation scorer not configured")
	}
	in, err := api.FromStructGroupRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	edges, err := s.deps.Scorer.StoredCorrelations(ctx, in.GroupID, in.Limit)
	if err != nil {
		s.logger.Error("list stored correlations failed", slog.String("group_id", in.GroupID), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to list correlations")
	}
	return respond(api.ToStoredCorrelationsResponse(edges))
}

// HealthCheck reports SERVING unless the store is unreachable.
func (s *CorrelatorService) HealthCheck(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn("store ping failed", slog.Any("error", err))
			return respond(api.HealthResponse{Status: "NOT_SERVING"})
		}
	}
	return respond(api.HealthResponse{Status: "SERVING"})
}

// LatencyP95 returns the current p95 correlation query latency.
func (s *CorrelatorService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *CorrelatorService) observe(d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("correlation query latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

func respond(v any) (*structpb.Struct, error) {
	out, err := api.ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
