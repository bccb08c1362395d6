// Package grouping deduplicates normalized alerts into incident groups.
package grouping

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/signalcraft/signalcraft-correlator/internal/groupkey"
	"github.com/signalcraft/signalcraft-correlator/internal/metrics"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
	"github.com/signalcraft/signalcraft-correlator/internal/utils"
)

// DefaultWindow is how long an OPEN/ACK group keeps absorbing matching alerts after it was last seen.
const DefaultWindow = 60 * time.Minute

// minVelocityHours keeps bursts under six minutes from dividing by ~0.
const minVelocityHours = 0.1

// Store provides the atomic find-or-create-or-update unit of work.
type Store interface {
	WithGroupLock(ctx context.Context, workspaceID, groupKey string, fn repo.GroupTxFunc) error
}

// AnomalyChecker is the synchronous spike check consulted on every update. It runs
// while the group lock is held and receives the locked row as stored before this
// alert, so it must not read the group back from the store.
type AnomalyChecker interface {
	CheckGroupVelocity(ctx context.Context, group models.IncidentGroup, velocity float64) (bool, error)
}

// AnomalyCheckerFunc adapts a function to AnomalyChecker.
type AnomalyCheckerFunc func(ctx context.Context, group models.IncidentGroup, velocity float64) (bool, error)

// CheckGroupVelocity implements AnomalyChecker.
func (f AnomalyCheckerFunc) CheckGroupVelocity(ctx context.Context, group models.IncidentGroup, velocity float64) (bool, error) {
	return f(ctx, group, velocity)
}

// AfterWrite runs inside the group unit of work once the group row is written. An
// error aborts the whole unit, group change included.
type AfterWrite func(ctx context.Context, tx repo.GroupTx, group models.IncidentGroup) error

// Options tunes the engine.
type Options struct {
	Window time.Duration
	Now    func() time.Time
}

// Result describes the outcome of one upsert.
type Result struct {
	Group     models.IncidentGroup
	Created   bool
	Anomalous bool
	Escalated bool
}

// Engine finds or creates the active group for an alert.
type Engine struct {
	store   Store
	checker AnomalyChecker
	window  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewEngine constructs an Engine; checker may be nil to disable spike escalation.
func NewEngine(logger *slog.Logger, store Store, checker AnomalyChecker, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:   store,
		checker: checker,
		window:  opts.Window,
		now:     opts.Now,
		logger:  logger,
	}
}

// UpsertGroup applies alert to the active group for its key, creating one when none
// is OPEN/ACK and seen within the window.
func (e *Engine) UpsertGroup(ctx context.Context, workspaceID string, alert models.NormalizedAlert) (Result, error) {
	return e.UpsertGroupTx(ctx, workspaceID, alert, nil)
}

// UpsertGroupTx is UpsertGroup with after run in the same unit of work.
func (e *Engine) UpsertGroupTx(ctx context.Context, workspaceID string, alert models.NormalizedAlert, after AfterWrite) (Result, error) {
	if e.store == nil {
		return Result{}, errors.New("grouping store not configured")
	}

	key := groupkey.Hash(alert.Source, alert.Project, alert.Environment, alert.Fingerprint)
	occurredAt := alert.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = e.now()
	}
	incoming := models.ParseSeverity(alert.Severity)
	since := e.now().Add(-e.window)

	var result Result
	err := e.store.WithGroupLock(ctx, workspaceID, key, func(tx repo.GroupTx) error {
		result = Result{}
		existing, err := tx.FindActiveGroup(ctx, workspaceID, key, since)
		if errors.Is(err, models.ErrNotFound) {
			group := models.IncidentGroup{
				WorkspaceID: workspaceID,
				GroupKey:    key,
				Title:       alert.Title,
				Project:     alert.Project,
				Environment: alert.Environment,
				Status:      models.StatusOpen,
				Severity:    incoming,
				FirstSeenAt: occurredAt,
				LastSeenAt:  occurredAt,
				Count:       1,
				UserCount:   copyInt(alert.UserCount),
			}
			if err := tx.CreateGroup(ctx, &group); err != nil {
				return err
			}
			if after != nil {
				if err := after(ctx, tx, group); err != nil {
					return err
				}
			}
			result.Group = group
			result.Created = true
			return nil
		}
		if err != nil {
			return err
		}

		count := existing.Count + 1
		velocity := float64(count) / utils.HoursBetween(existing.FirstSeenAt, occurredAt, minVelocityHours)
		anomalous := e.checkAnomaly(ctx, *existing, velocity)

		severity := existing.Severity.Max(incoming)
		if anomalous && severity.Rank() < models.SeverityHigh.Rank() {
			severity = models.SeverityHigh
			result.Escalated = true
		}

		existing.Count = count
		existing.LastSeenAt = occurredAt
		existing.Severity = severity
		existing.VelocityPerHour = &velocity
		existing.UserCount = maxUserCount(existing.UserCount, alert.UserCount)
		if err := tx.UpdateGroup(ctx, existing); err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, tx, *existing); err != nil {
				return err
			}
		}
		result.Group = *existing
		result.Anomalous = anomalous
		return nil
	})
	if err != nil {
		return Result{}, utils.WrapOp("grouping.UpsertGroup", "upsert group", err)
	}

	if result.Created {
		metrics.ObserveGroupCreated()
		e.logger.Debug("incident group opened",
			slog.String("workspace_id", workspaceID),
			slog.String("group_id", result.Group.ID),
			slog.String("severity", result.Group.Severity.String()),
		)
	}
	if result.Escalated {
		metrics.ObserveEscalation()
		e.logger.Info("incident group escalated on velocity spike",
			slog.String("workspace_id", workspaceID),
			slog.String("group_id", result.Group.ID),
			slog.Float64("velocity_per_hour", derefFloat(result.Group.VelocityPerHour)),
		)
	}
	return result, nil
}

// checkAnomaly fails open: any checker error counts as not anomalous.
func (e *Engine) checkAnomaly(ctx context.Context, group models.IncidentGroup, velocity float64) bool {
	if e.checker == nil {
		return false
	}
	anomalous, err := e.checker.CheckGroupVelocity(ctx, group, velocity)
	if err != nil {
		metrics.ObserveAnomalyCheckFailure()
		e.logger.Warn("velocity anomaly check failed",
			slog.String("workspace_id", group.WorkspaceID),
			slog.String("group_id", group.ID),
			slog.Any("error", err),
		)
		return false
	}
	return anomalous
}

func maxUserCount(existing, incoming *int) *int {
	best := 0
	if existing != nil && *existing > best {
		best = *existing
	}
	if incoming != nil && *incoming > best {
		best = *incoming
	}
	if best == 0 {
		return nil
	}
	return &best
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
