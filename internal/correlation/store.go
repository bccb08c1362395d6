package correlation

import (
	"context"
	"time"

	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
)

// EventSource pages through the event log in (occurredAt, id) order.
type EventSource interface {
	ListEventsSince(ctx context.Context, workspaceID string, since time.Time, after repo.EventCursor, limit int) ([]models.AlertEvent, error)
}

// RuleStore persists mined rules.
type RuleStore interface {
	UpsertRules(ctx context.Context, workspaceID string, rules []models.CorrelationRule) error
}

// RuleStoreFunc adapts a function to the RuleStore interface.
type RuleStoreFunc func(ctx context.Context, workspaceID string, rules []models.CorrelationRule) error

// UpsertRules implements RuleStore.
func (f RuleStoreFunc) UpsertRules(ctx context.Context, workspaceID string, rules []models.CorrelationRule) error {
	return f(ctx, workspaceID, rules)
}

// GroupStore is the read and write-behind surface of the real-time scorer.
type GroupStore interface {
	GetGroup(ctx context.Context, groupID string) (*models.IncidentGroup, error)
	GroupsFirstSeenBetween(ctx context.Context, workspaceID string, from, to time.Time, excludeID string) ([]models.IncidentGroup, error)
	LatestGroupByKey(ctx context.Context, workspaceID, groupKey string) (*models.IncidentGroup, error)
	RulesForKey(ctx context.Context, workspaceID, groupKey string, minConfidence float64, limit int) ([]models.CorrelationRule, error)
	UpsertAlertCorrelations(ctx context.Context, correlations []models.AlertCorrelation) error
	ListAlertCorrelations(ctx context.Context, groupID string, limit int) ([]models.AlertCorrelation, error)
}
