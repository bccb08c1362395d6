// Package anomaly computes velocity baselines for incident groups and flags spikes.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/signalcraft/signalcraft-correlator/internal/grouping"
	"github.com/signalcraft/signalcraft-correlator/internal/metrics"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
	"github.com/signalcraft/signalcraft-correlator/internal/utils"
)

const (
	// MetricKeyPrefix prefixes the group id to form a baseline metric key.
	MetricKeyPrefix = "alert_events:"
	// AnomalySource is the alert source used for synthetic velocity groups.
	AnomalySource = "signalcraft.anomaly"
	// AnomalyTitlePrefix starts the title of every synthetic velocity group.
	AnomalyTitlePrefix = "High Error Velocity Detected: "
	// ActionGroupCreated is the audit action emitted when a synthetic group opens.
	ActionGroupCreated = "anomaly.group_created"

	spikeMultiplier   = 3.0
	spikeFloorPerHour = 10.0
	activeMinVelocity = 5.0
)

// Store is the read/write surface the engine needs from the Event Store.
type Store interface {
	GetGroup(ctx context.Context, groupID string) (*models.IncidentGroup, error)
	ListActiveGroups(ctx context.Context, q repo.GroupQuery) ([]models.IncidentGroup, error)
	HourlyCounts(ctx context.Context, workspaceID, groupID string, end time.Time, hours int) ([]int, error)
	UpsertBaseline(ctx context.Context, baseline models.AnomalyBaseline) error
}

// AlertSink receives synthetic alerts; it runs them through the normal ingestion path.
type AlertSink interface {
	Ingest(ctx context.Context, workspaceID string, alert models.NormalizedAlert) (grouping.Result, error)
}

// Auditor receives audit facts.
type Auditor interface {
	Record(ctx context.Context, entry models.AuditEntry)
}

// Options tunes baselines and the batch scan.
type Options struct {
	WindowHours     int
	LookbackDays    int
	MinVelocity     float64
	ZScoreThreshold float64
	MinGroupCount   int
	ScanLimit       int
	PageSize        int
	Now             func() time.Time
}

func (o *Options) applyDefaults() {
	if o.WindowHours <= 0 {
		o.WindowHours = 24
	}
	if o.LookbackDays <= 0 {
		o.LookbackDays = 7
	}
	if o.MinVelocity <= 0 {
		o.MinVelocity = 5
	}
	if o.ZScoreThreshold <= 0 {
		o.ZScoreThreshold = 3
	}
	if o.MinGroupCount <= 0 {
		o.MinGroupCount = 5
	}
	if o.ScanLimit <= 0 {
		o.ScanLimit = 100
	}
	if o.PageSize <= 0 || o.PageSize > o.ScanLimit {
		o.PageSize = o.ScanLimit
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine implements the spike check, baseline computation and workspace scan.
type Engine struct {
	store   Store
	sink    AlertSink
	auditor Auditor
	opts    Options
	logger  *slog.Logger
}

// NewEngine constructs an Engine. sink and auditor may be nil; without a sink
// DetectAndRecordAnomalies only reports.
func NewEngine(logger *slog.Logger, store Store, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Engine{store: store, opts: opts, logger: logger}
}

// SetAlertSink wires the ingestion path used to record anomalies. It is set after
// construction because ingestion itself depends on the engine's spike check.
func (e *Engine) SetAlertSink(sink AlertSink) { e.sink = sink }

// SetAuditor wires the audit sink.
func (e *Engine) SetAuditor(auditor Auditor) { e.auditor = auditor }

// CheckVelocityAnomaly reports whether velocity exceeds max(3x the group's long-term
// rate, 10/h). Unknown groups are never anomalous.
func (e *Engine) CheckVelocityAnomaly(ctx context.Context, workspaceID, groupID string, velocity float64) (bool, error) {
	group, err := e.loadGroup(ctx, workspaceID, groupID)
	if err != nil || group == nil {
		return false, err
	}
	return e.CheckGroupVelocity(ctx, *group, velocity)
}

// CheckGroupVelocity is CheckVelocityAnomaly over an already loaded group. It does
// no I/O, so grouping can call it while holding the group lock.
func (e *Engine) CheckGroupVelocity(_ context.Context, group models.IncidentGroup, velocity float64) (bool, error) {
	hoursActive := utils.HoursBetween(group.FirstSeenAt, e.opts.Now(), 1)
	longTerm := float64(group.Count) / hoursActive
	threshold := longTerm * spikeMultiplier
	if threshold < spikeFloorPerHour {
		threshold = spikeFloorPerHour
	}
	if velocity > threshold {
		e.logger.Warn("velocity anomaly detected",
			slog.String("workspace_id", group.WorkspaceID),
			slog.String("group_id", group.ID),
			slog.Float64("velocity", velocity),
			slog.Float64("threshold", threshold),
		)
		return true, nil
	}
	return false, nil
}

// IsAnomalyActive reports whether the group's last computed velocity is above 5/h
// and more than 3x its long-term rate.
func (e *Engine) IsAnomalyActive(ctx context.Context, workspaceID, groupID string) (bool, error) {
	group, err := e.loadGroup(ctx, workspaceID, groupID)
	if err != nil || group == nil || group.VelocityPerHour == nil {
		return false, err
	}
	hoursActive := utils.HoursBetween(group.FirstSeenAt, e.opts.Now(), 1)
	baseline := float64(group.Count) / hoursActive
	if baseline <= 0 {
		return false, nil
	}
	velocity := *group.VelocityPerHour
	return velocity/baseline > spikeMultiplier && velocity > activeMinVelocity, nil
}

// ComputeGroupStats buckets the trailing window into hours and derives the effective
// baseline. A same-hour-of-day series over the lookback overrides the rolling
// statistics when it has any events. The baseline is upserted best-effort.
// Unknown groups and groups of another workspace yield empty stats and no baseline.
func (e *Engine) ComputeGroupStats(ctx context.Context, workspaceID, groupID string) (models.GroupStats, error) {
	group, err := e.loadGroup(ctx, workspaceID, groupID)
	if err != nil || group == nil {
		return models.GroupStats{}, err
	}
	return e.groupStats(ctx, *group)
}

func (e *Engine) groupStats(ctx context.Context, group models.IncidentGroup) (models.GroupStats, error) {
	workspaceID, groupID := group.WorkspaceID, group.ID
	now := e.opts.Now()
	hours := e.opts.WindowHours
	if seasonal := e.opts.LookbackDays*24 + 1; seasonal > hours {
		hours = seasonal
	}

	counts, err := e.store.HourlyCounts(ctx, workspaceID, groupID, now, hours)
	if err != nil {
		return models.GroupStats{}, utils.WrapOp("anomaly.ComputeGroupStats", "hourly counts", err)
	}

	rolling := counts
	if len(rolling) > e.opts.WindowHours {
		rolling = rolling[:e.opts.WindowHours]
	}
	mean, stdDev := meanStdDev(rolling)
	stats := models.GroupStats{Mean: mean, StdDev: stdDev}
	if len(counts) > 0 {
		stats.CurrentCount = counts[0]
	}

	baseline := models.AnomalyBaseline{
		WorkspaceID: workspaceID,
		GroupID:     groupID,
		MetricKey:   MetricKeyPrefix + groupID,
		SampleCount: len(rolling),
		WindowHours: e.opts.WindowHours,
		LastUpdated: now,
	}

	if samples := seasonalSamples(counts, e.opts.LookbackDays); hasSignal(samples) {
		sMean, sStdDev := meanStdDev(samples)
		hour := now.UTC().Hour()
		baseline.SeasonalMean = &sMean
		baseline.SeasonalStdDev = &sStdDev
		baseline.SeasonalHour = &hour
		baseline.SampleCount = len(samples)
		stats.Mean, stats.StdDev, stats.Seasonal = sMean, sStdDev, true
	}
	baseline.Mean, baseline.StdDev = stats.Mean, stats.StdDev

	if err := e.store.UpsertBaseline(ctx, baseline); err != nil {
		e.logger.Warn("baseline upsert failed",
			slog.String("workspace_id", workspaceID),
			slog.String("metric_key", baseline.MetricKey),
			slog.Any("error", err),
		)
	}
	return stats, nil
}

// DetectWorkspaceAnomalies scans up to ScanLimit active groups, most recently seen
// first, and returns those whose current hourly count breaks the z-score gate.
func (e *Engine) DetectWorkspaceAnomalies(ctx context.Context, workspaceID string) ([]models.AnomalyReport, error) {
	reports, _, err := e.scan(ctx, workspaceID)
	return reports, err
}

// DetectAndRecordAnomalies runs the scan and records each anomaly as a LOW-severity
// synthetic group through the alert sink.
func (e *Engine) DetectAndRecordAnomalies(ctx context.Context, workspaceID string) ([]models.AnomalyReport, error) {
	reports, groups, err := e.scan(ctx, workspaceID)
	if err != nil || len(reports) == 0 {
		return reports, err
	}
	if e.sink == nil {
		e.logger.Warn("anomaly sink not configured; reporting only", slog.String("workspace_id", workspaceID))
		return reports, nil
	}

	recorded := 0
	for i := range reports {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		groupID, err := e.record(ctx, workspaceID, reports[i], groups[reports[i].AlertGroupID])
		if err != nil {
			e.logger.Warn("recording anomaly failed",
				slog.String("workspace_id", workspaceID),
				slog.String("group_id", reports[i].AlertGroupID),
				slog.Any("error", err),
			)
			continue
		}
		reports[i].RecordedGroupID = groupID
		if groupID != "" {
			recorded++
		}
	}
	metrics.ObserveAnomalies(recorded, true)
	return reports, nil
}

func (e *Engine) scan(ctx context.Context, workspaceID string) ([]models.AnomalyReport, map[string]models.IncidentGroup, error) {
	var (
		reports []models.AnomalyReport
		groups  = make(map[string]models.IncidentGroup)
		scanned int
	)

	for scanned < e.opts.ScanLimit {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		limit := e.opts.PageSize
		if remaining := e.opts.ScanLimit - scanned; remaining < limit {
			limit = remaining
		}
		page, err := e.store.ListActiveGroups(ctx, repo.GroupQuery{
			WorkspaceID: workspaceID,
			MinCount:    e.opts.MinGroupCount,
			Limit:       limit,
			Offset:      scanned,
		})
		if err != nil {
			return nil, nil, utils.WrapOp("anomaly.DetectWorkspaceAnomalies", "list active groups", err)
		}
		scanned += len(page)

		for _, group := range page {
			if strings.HasPrefix(group.Title, AnomalyTitlePrefix) {
				continue
			}
			report, ok := e.evaluate(ctx, group)
			if !ok {
				continue
			}
			reports = append(reports, report)
			groups[group.ID] = group
		}
		if len(page) < limit {
			break
		}
	}

	if len(reports) > 0 {
		e.logger.Info("workspace anomalies detected",
			slog.String("workspace_id", workspaceID),
			slog.Int("anomalies", len(reports)),
			slog.Int("scanned", scanned),
		)
	}
	metrics.ObserveAnomalies(len(reports), false)
	return reports, groups, nil
}

func (e *Engine) evaluate(ctx context.Context, group models.IncidentGroup) (models.AnomalyReport, bool) {
	stats, err := e.groupStats(ctx, group)
	if err != nil {
		e.logger.Warn("group stats unavailable",
			slog.String("group_id", group.ID),
			slog.Any("error", err),
		)
		return models.AnomalyReport{}, false
	}

	current := float64(stats.CurrentCount)
	if current < e.opts.MinVelocity {
		return models.AnomalyReport{}, false
	}
	z := zScore(current, stats.Mean, stats.StdDev)
	if z < e.opts.ZScoreThreshold {
		return models.AnomalyReport{}, false
	}

	e.logger.Debug("group velocity above baseline",
		slog.String("group_id", group.ID),
		slog.Float64("z_score", z),
		slog.Bool("seasonal", stats.Seasonal),
	)
	return models.AnomalyReport{
		AlertGroupID:       group.ID,
		Title:              group.Title,
		Severity:           group.Severity,
		CurrentVelocity:    current,
		BaselineVelocity:   stats.Mean,
		StdDev:             stats.StdDev,
		ZScore:             z,
		PercentageIncrease: percentageIncrease(current, stats.Mean),
		DetectedAt:         e.opts.Now(),
	}, true
}

// record writes one anomaly through the sink. The hourly sourceEventId makes re-runs
// within the same hour no-ops.
func (e *Engine) record(ctx context.Context, workspaceID string, report models.AnomalyReport, source models.IncidentGroup) (string, error) {
	now := e.opts.Now().UTC()
	alert := models.NormalizedAlert{
		Source:        AnomalySource,
		SourceEventID: fmt.Sprintf("velocity:%s:%s", report.AlertGroupID, now.Truncate(time.Hour).Format("2006010215")),
		Project:       source.Project,
		Environment:   source.Environment,
		Fingerprint:   "velocity:" + report.AlertGroupID,
		Title:         AnomalyTitlePrefix + report.Title,
		Message: fmt.Sprintf("Current velocity %.1f events/hour against a baseline of %.1f (z-score %.2f, %+.0f%%).",
			report.CurrentVelocity, report.BaselineVelocity, report.ZScore, report.PercentageIncrease),
		Severity: models.SeverityLow.String(),
		Tags: map[string]string{
			"anomaly":       "velocity",
			"sourceGroupId": report.AlertGroupID,
		},
		OccurredAt: now,
	}

	res, err := e.sink.Ingest(ctx, workspaceID, alert)
	if errors.Is(err, repo.ErrDuplicateEvent) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if res.Created && e.auditor != nil {
		e.auditor.Record(ctx, models.AuditEntry{
			WorkspaceID:  workspaceID,
			Action:       ActionGroupCreated,
			ResourceType: "alert_group",
			ResourceID:   res.Group.ID,
			Metadata: map[string]any{
				"sourceGroupId":    report.AlertGroupID,
				"currentVelocity":  report.CurrentVelocity,
				"baselineVelocity": report.BaselineVelocity,
				"zScore":           report.ZScore,
			},
		})
	}
	return res.Group.ID, nil
}

func (e *Engine) loadGroup(ctx context.Context, workspaceID, groupID string) (*models.IncidentGroup, error) {
	group, err := e.store.GetGroup(ctx, groupID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapOp("anomaly.loadGroup", "get group", err)
	}
	if group.WorkspaceID != workspaceID {
		return nil, nil
	}
	return group, nil
}
