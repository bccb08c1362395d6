package repo

import (
	"context"
	"time"

	"github.com/signalcraft/signalcraft-correlator/internal/models"
)

// GroupTx is the read-modify-write surface available inside WithGroupLock.
// Implementations guarantee that no other GroupTx for the same (workspace, groupKey)
// runs concurrently.
type GroupTx interface {
	// FindActiveGroup returns the newest OPEN/ACK group for the key seen at or after since,
	// or models.ErrNotFound.
	FindActiveGroup(ctx context.Context, workspaceID, groupKey string, since time.Time) (*models.IncidentGroup, error)
	// CreateGroup inserts group and assigns its ID.
	CreateGroup(ctx context.Context, group *models.IncidentGroup) error
	UpdateGroup(ctx context.Context, group *models.IncidentGroup) error
	// SaveEvent appends event in the same unit of work; a stored (workspace, source,
	// sourceEventId) yields ErrDuplicateEvent and nothing in the unit is kept.
	SaveEvent(ctx context.Context, event *models.AlertEvent) error
}

// GroupTxFunc is the unit of work run under the group lock.
type GroupTxFunc func(tx GroupTx) error

// EventCursor is a keyset position in the (occurredAt, id) ordered event log.
type EventCursor struct {
	OccurredAt time.Time
	ID         string
}

// After reports whether the cursor has been advanced past the origin.
func (c EventCursor) After() bool {
	return !c.OccurredAt.IsZero() || c.ID != ""
}

// GroupQuery filters active groups for batch scans.
type GroupQuery struct {
	WorkspaceID string
	MinCount    int
	Limit       int
	Offset      int
}

// Store is the full Event Store surface shared by the Postgres and in-memory backends.
type Store interface {
	WithGroupLock(ctx context.Context, workspaceID, groupKey string, fn GroupTxFunc) error
	GetGroup(ctx context.Context, groupID string) (*models.IncidentGroup, error)
	LatestGroupByKey(ctx context.Context, workspaceID, groupKey string) (*models.IncidentGroup, error)
	ListActiveGroups(ctx context.Context, q GroupQuery) ([]models.IncidentGroup, error)
	GroupsFirstSeenBetween(ctx context.Context, workspaceID string, from, to time.Time, excludeID string) ([]models.IncidentGroup, error)
	HourlyCounts(ctx context.Context, workspaceID, groupID string, end time.Time, hours int) ([]int, error)
	UpsertBaseline(ctx context.Context, baseline models.AnomalyBaseline) error
	EventExists(ctx context.Context, workspaceID, source, sourceEventID string) (bool, error)
	SaveEvent(ctx context.Context, event *models.AlertEvent) error
	ListEventsSince(ctx context.Context, workspaceID string, since time.Time, after EventCursor, limit int) ([]models.AlertEvent, error)
	UpsertRules(ctx context.Context, workspaceID string, rules []models.CorrelationRule) error
	RulesForKey(ctx context.Context, workspaceID, groupKey string, minConfidence float64, limit int) ([]models.CorrelationRule, error)
	UpsertAlertCorrelations(ctx context.Context, correlations []models.AlertCorrelation) error
	ListAlertCorrelations(ctx context.Context, groupID string, limit int) ([]models.AlertCorrelation, error)
	SystemActor(ctx context.Context, workspaceID string) (string, error)
	InsertAudit(ctx context.Context, entry models.AuditEntry) error
	ListWorkspaces(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
