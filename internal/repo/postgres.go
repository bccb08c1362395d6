package repo

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/utils"
)

//go:embed schema.sql
var schemaSQL string

const groupColumns = `id, workspace_id, group_key, title, project, environment, status, severity,
	first_seen_at, last_seen_at, count, velocity_per_hour, user_count`

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Postgres is the Event Store backed by PostgreSQL through lib/pq.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects and pings the database.
func OpenPostgres(ctx context.Context, opts PostgresOptions, logger *slog.Logger) (*Postgres, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgres(db, logger), nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

// Migrate applies the idempotent schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	return utils.WrapOp("repo.Migrate", "apply schema", err)
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the pool.
func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// WithGroupLock runs fn inside one transaction holding a transaction-scoped advisory
// lock on (workspace, groupKey). The transaction commits only when fn succeeds.
func (p *Postgres) WithGroupLock(ctx context.Context, workspaceID, groupKey string, fn GroupTxFunc) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError("repo.WithGroupLock", "begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, workspaceID+":"+groupKey); err != nil {
		return utils.NewAppError("repo.WithGroupLock", "acquire group lock", err)
	}
	if err := fn(&pgTx{tx: tx, logger: p.logger}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return utils.NewAppError("repo.WithGroupLock", "commit", err)
	}
	return nil
}

type pgTx struct {
	tx     *sql.Tx
	logger *slog.Logger
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (t *pgTx) FindActiveGroup(ctx context.Context, workspaceID, groupKey string, since time.Time) (*models.IncidentGroup, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM incident_groups
		WHERE workspace_id = $1 AND group_key = $2 AND status IN ('OPEN', 'ACK') AND last_seen_at >= $3
		ORDER BY last_seen_at DESC LIMIT 1 FOR UPDATE`, workspaceID, groupKey, since)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, utils.NewAppError("repo.FindActiveGroup", "query", err)
	}
	return group, nil
}

func (t *pgTx) CreateGroup(ctx context.Context, group *models.IncidentGroup) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO incident_groups (`+groupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		group.ID, group.WorkspaceID, group.GroupKey, group.Title, group.Project, group.Environment,
		string(group.Status), group.Severity.String(), group.FirstSeenAt, group.LastSeenAt, group.Count,
		nullFloat(group.VelocityPerHour), nullInt(group.UserCount))
	return utils.WrapOp("repo.CreateGroup", "insert", err)
}

func (t *pgTx) UpdateGroup(ctx context.Context, group *models.IncidentGroup) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE incident_groups
		SET count = $2, last_seen_at = $3, severity = $4, velocity_per_hour = $5, user_count = $6, status = $7
		WHERE id = $1`,
		group.ID, group.Count, group.LastSeenAt, group.Severity.String(),
		nullFloat(group.VelocityPerHour), nullInt(group.UserCount), string(group.Status))
	if err != nil {
		return utils.NewAppError("repo.UpdateGroup", "update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GetGroup loads a group by id.
func (p *Postgres) GetGroup(ctx context.Context, groupID string) (*models.IncidentGroup, error) {
	if _, err := uuid.Parse(groupID); err != nil {
		return nil, models.ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM incident_groups WHERE id = $1`, groupID)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, utils.NewAppError("repo.GetGroup", "query", err)
	}
	return group, nil
}

// LatestGroupByKey returns the most recently seen group for a key regardless of status.
func (p *Postgres) LatestGroupByKey(ctx context.Context, workspaceID, groupKey string) (*models.IncidentGroup, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM incident_groups
		WHERE workspace_id = $1 AND group_key = $2 ORDER BY last_seen_at DESC LIMIT 1`, workspaceID, groupKey)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, utils.NewAppError("repo.LatestGroupByKey", "query", err)
	}
	return group, nil
}

// ListActiveGroups returns OPEN/ACK groups with count >= MinCount, most recently seen first.
func (p *Postgres) ListActiveGroups(ctx context.Context, q GroupQuery) ([]models.IncidentGroup, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM incident_groups
		WHERE workspace_id = $1 AND status IN ('OPEN', 'ACK') AND count >= $2
		ORDER BY last_seen_at DESC, id LIMIT $3 OFFSET $4`, q.WorkspaceID, q.MinCount, q.Limit, q.Offset)
	if err != nil {
		return nil, utils.NewAppError("repo.ListActiveGroups", "query", err)
	}
	return collectGroups(rows, "repo.ListActiveGroups")
}

// GroupsFirstSeenBetween returns workspace groups whose firstSeenAt lies in [from, to], excluding one id.
func (p *Postgres) GroupsFirstSeenBetween(ctx context.Context, workspaceID string, from, to time.Time, excludeID string) ([]models.IncidentGroup, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM incident_groups
		WHERE workspace_id = $1 AND first_seen_at BETWEEN $2 AND $3 AND id::text <> $4
		ORDER BY first_seen_at`, workspaceID, from, to, excludeID)
	if err != nil {
		return nil, utils.NewAppError("repo.GroupsFirstSeenBetween", "query", err)
	}
	return collectGroups(rows, "repo.GroupsFirstSeenBetween")
}

// HourlyCounts buckets a group's events into hours ending at end; index 0 covers (end-1h, end].
func (p *Postgres) HourlyCounts(ctx context.Context, workspaceID, groupID string, end time.Time, hours int) ([]int, error) {
	counts := make([]int, hours)
	if hours <= 0 {
		return counts, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT floor(extract(epoch FROM ($3::timestamptz - occurred_at)) / 3600)::int AS bucket, count(*)
		FROM alert_events
		WHERE workspace_id = $1 AND group_id = $2
		  AND occurred_at > $3::timestamptz - ($4::int * interval '1 hour') AND occurred_at <= $3::timestamptz
		GROUP BY bucket`, workspaceID, groupID, end, hours)
	if err != nil {
		return nil, utils.NewAppError("repo.HourlyCounts", "query", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bucket, n int
		if err := rows.Scan(&bucket, &n); err != nil {
			return nil, utils.NewAppError("repo.HourlyCounts", "scan", err)
		}
		if bucket >= 0 && bucket < hours {
			counts[bucket] = n
		}
	}
	return counts, utils.WrapOp("repo.HourlyCounts", "iterate", rows.Err())
}

// UpsertBaseline inserts or replaces the baseline for (workspace, metricKey).
func (p *Postgres) UpsertBaseline(ctx context.Context, b models.AnomalyBaseline) error {
	var seasonalHour sql.NullInt64
	if b.SeasonalHour != nil {
		seasonalHour = sql.NullInt64{Int64: int64(*b.SeasonalHour), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO anomaly_baselines
		(workspace_id, group_id, metric_key, mean, std_dev, seasonal_mean, seasonal_std_dev, seasonal_hour, sample_count, window_hours, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (workspace_id, metric_key) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			mean = EXCLUDED.mean,
			std_dev = EXCLUDED.std_dev,
			seasonal_mean = EXCLUDED.seasonal_mean,
			seasonal_std_dev = EXCLUDED.seasonal_std_dev,
			seasonal_hour = EXCLUDED.seasonal_hour,
			sample_count = EXCLUDED.sample_count,
			window_hours = EXCLUDED.window_hours,
			last_updated = EXCLUDED.last_updated`,
		b.WorkspaceID, b.GroupID, b.MetricKey, b.Mean, b.StdDev, nullFloat(b.SeasonalMean), nullFloat(b.SeasonalStdDev),
		seasonalHour, b.SampleCount, b.WindowHours, b.LastUpdated)
	return utils.WrapOp("repo.UpsertBaseline", "upsert", err)
}

// EventExists reports whether a source event id was already ingested.
func (p *Postgres) EventExists(ctx context.Context, workspaceID, source, sourceEventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM alert_events
		WHERE workspace_id = $1 AND source = $2 AND source_event_id = $3)`, workspaceID, source, sourceEventID).Scan(&exists)
	if err != nil {
		return false, utils.NewAppError("repo.EventExists", "query", err)
	}
	return exists, nil
}

// SaveEvent inserts an event idempotently; an existing (workspace, source, sourceEventId)
// yields ErrDuplicateEvent.
func (p *Postgres) SaveEvent(ctx context.Context, event *models.AlertEvent) error {
	return insertEvent(ctx, p.db, p.logger, event)
}

// SaveEvent inserts the event inside the group transaction. ON CONFLICT DO NOTHING
// keeps the transaction usable, so the caller decides whether to roll back.
func (t *pgTx) SaveEvent(ctx context.Context, event *models.AlertEvent) error {
	return insertEvent(ctx, t.tx, t.logger, event)
}

func insertEvent(ctx context.Context, q rowQuerier, logger *slog.Logger, event *models.AlertEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	tags, err := marshalJSONB(event.Tags)
	if err != nil {
		return utils.NewAppError("repo.SaveEvent", "marshal tags", err)
	}

	var id string
	err = q.QueryRowContext(ctx, `INSERT INTO alert_events
		(id, workspace_id, group_id, source, source_event_id, title, message, severity, tags, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (workspace_id, source, source_event_id) DO NOTHING
		RETURNING id`,
		event.ID, event.WorkspaceID, event.GroupID, event.Source, event.SourceEventID, event.Title,
		event.Message, event.Severity.String(), tags, event.OccurredAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		logger.Debug("alert event already exists, skipping",
			slog.String("workspace_id", event.WorkspaceID),
			slog.String("source_event_id", event.SourceEventID),
		)
		return ErrDuplicateEvent
	}
	if err != nil {
		return utils.NewAppError("repo.SaveEvent", "insert", err)
	}
	return nil
}

// ListEventsSince pages through events with occurredAt >= since in (occurredAt, id) order.
// The join drops events whose group no longer exists.
func (p *Postgres) ListEventsSince(ctx context.Context, workspaceID string, since time.Time, after EventCursor, limit int) ([]models.AlertEvent, error) {
	cursorTime, cursorID := since, uuid.Nil.String()
	if after.After() {
		cursorTime, cursorID = after.OccurredAt, after.ID
	}
	rows, err := p.db.QueryContext(ctx, `SELECT e.id, e.workspace_id, e.group_id, g.group_key, e.source, e.source_event_id,
			e.title, e.message, e.severity, e.tags, e.occurred_at
		FROM alert_events e
		JOIN incident_groups g ON g.id = e.group_id
		WHERE e.workspace_id = $1 AND e.occurred_at >= $2 AND (e.occurred_at, e.id) > ($3, $4::uuid)
		ORDER BY e.occurred_at, e.id
		LIMIT $5`, workspaceID, since, cursorTime, cursorID, limit)
	if err != nil {
		return nil, utils.NewAppError("repo.ListEventsSince", "query", err)
	}
	defer rows.Close()

	var events []models.AlertEvent
	for rows.Next() {
		var (
			ev       models.AlertEvent
			severity string
			tags     []byte
		)
		if err := rows.Scan(&ev.ID, &ev.WorkspaceID, &ev.GroupID, &ev.GroupKey, &ev.Source, &ev.SourceEventID,
			&ev.Title, &ev.Message, &severity, &tags, &ev.OccurredAt); err != nil {
			return nil, utils.NewAppError("repo.ListEventsSince", "scan", err)
		}
		ev.Severity = models.ParseSeverity(severity)
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &ev.Tags); err != nil {
				p.logger.Warn("discarding malformed event tags", slog.String("event_id", ev.ID), slog.Any("error", err))
			}
		}
		events = append(events, ev)
	}
	return events, utils.WrapOp("repo.ListEventsSince", "iterate", rows.Err())
}

// UpsertRules writes all rules in one statement keyed by (workspace, source, target).
// Every rule in the batch is stamped with the newest LastUpdatedAt.
func (p *Postgres) UpsertRules(ctx context.Context, workspaceID string, rules []models.CorrelationRule) error {
	if len(rules) == 0 {
		return nil
	}
	ids := make([]string, len(rules))
	sources := make([]string, len(rules))
	targets := make([]string, len(rules))
	confidences := make([]float64, len(rules))
	supports := make([]int64, len(rules))
	var updated time.Time
	for i, rule := range rules {
		ids[i] = rule.ID
		if ids[i] == "" {
			ids[i] = uuid.NewString()
		}
		sources[i] = rule.SourceGroupKey
		targets[i] = rule.TargetGroupKey
		confidences[i] = rule.Confidence
		supports[i] = int64(rule.Support)
		if rule.LastUpdatedAt.After(updated) {
			updated = rule.LastUpdatedAt
		}
	}

	_, err := p.db.ExecContext(ctx, `INSERT INTO correlation_rules
		(id, workspace_id, source_group_key, target_group_key, confidence, support, last_updated_at)
		SELECT unnest($2::uuid[]), $1, unnest($3::text[]), unnest($4::text[]), unnest($5::float8[]), unnest($6::int8[]), $7
		ON CONFLICT (workspace_id, source_group_key, target_group_key) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			support = EXCLUDED.support,
			last_updated_at = EXCLUDED.last_updated_at`,
		workspaceID, pq.Array(ids), pq.Array(sources), pq.Array(targets), pq.Array(confidences), pq.Array(supports), updated)
	return utils.WrapOp("repo.UpsertRules", "upsert", err)
}

// RulesForKey returns rules touching groupKey on either side, highest confidence first.
func (p *Postgres) RulesForKey(ctx context.Context, workspaceID, groupKey string, minConfidence float64, limit int) ([]models.CorrelationRule, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, workspace_id, source_group_key, target_group_key, confidence, support, last_updated_at
		FROM correlation_rules
		WHERE workspace_id = $1 AND (source_group_key = $2 OR target_group_key = $2) AND confidence >= $3
		ORDER BY confidence DESC, support DESC
		LIMIT $4`, workspaceID, groupKey, minConfidence, limit)
	if err != nil {
		return nil, utils.NewAppError("repo.RulesForKey", "query", err)
	}
	defer rows.Close()

	var rules []models.CorrelationRule
	for rows.Next() {
		var r models.CorrelationRule
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.SourceGroupKey, &r.TargetGroupKey, &r.Confidence, &r.Support, &r.LastUpdatedAt); err != nil {
			return nil, utils.NewAppError("repo.RulesForKey", "scan", err)
		}
		rules = append(rules, r)
	}
	return rules, utils.WrapOp("repo.RulesForKey", "iterate", rows.Err())
}

// UpsertAlertCorrelations stores scored edges keyed by the ordered id pair.
func (p *Postgres) UpsertAlertCorrelations(ctx context.Context, correlations []models.AlertCorrelation) error {
	if len(correlations) == 0 {
		return nil
	}
	primaries := make([]string, len(correlations))
	related := make([]string, len(correlations))
	scores := make([]float64, len(correlations))
	reasons := make([]string, len(correlations))
	var updated time.Time
	for i, c := range correlations {
		primaries[i] = c.PrimaryAlertID
		related[i] = c.RelatedAlertID
		scores[i] = c.Score
		reasons[i] = c.Reason
		if c.UpdatedAt.After(updated) {
			updated = c.UpdatedAt
		}
	}

	_, err := p.db.ExecContext(ctx, `INSERT INTO alert_correlations (primary_alert_id, related_alert_id, score, reason, updated_at)
		SELECT unnest($1::uuid[]), unnest($2::uuid[]), unnest($3::float8[]), unnest($4::text[]), $5
		ON CONFLICT (primary_alert_id, related_alert_id) DO UPDATE SET
			score = EXCLUDED.score,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at`,
		pq.Array(primaries), pq.Array(related), pq.Array(scores), pq.Array(reasons), updated)
	return utils.WrapOp("repo.UpsertAlertCorrelations", "upsert", err)
}

// ListAlertCorrelations returns stored edges touching a group on either side, best first.
func (p *Postgres) ListAlertCorrelations(ctx context.Context, groupID string, limit int) ([]models.AlertCorrelation, error) {
	if _, err := uuid.Parse(groupID); err != nil {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT primary_alert_id, related_alert_id, score, reason, updated_at
		FROM alert_correlations WHERE primary_alert_id = $1 OR related_alert_id = $1
		ORDER BY score DESC LIMIT $2`, groupID, limit)
	if err != nil {
		return nil, utils.NewAppError("repo.ListAlertCorrelations", "query", err)
	}
	defer rows.Close()

	var out []models.AlertCorrelation
	for rows.Next() {
		var c models.AlertCorrelation
		if err := rows.Scan(&c.PrimaryAlertID, &c.RelatedAlertID, &c.Score, &c.Reason, &c.UpdatedAt); err != nil {
			return nil, utils.NewAppError("repo.ListAlertCorrelations", "scan", err)
		}
		out = append(out, c)
	}
	return out, utils.WrapOp("repo.ListAlertCorrelations", "iterate", rows.Err())
}

// SystemActor returns the longest-standing member of the workspace.
func (p *Postgres) SystemActor(ctx context.Context, workspaceID string) (string, error) {
	var userID string
	err := p.db.QueryRowContext(ctx, `SELECT user_id FROM workspace_members
		WHERE workspace_id = $1 ORDER BY created_at, user_id LIMIT 1`, workspaceID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", utils.NewAppError("repo.SystemActor", "query", err)
	}
	return userID, nil
}

// InsertAudit appends an audit fact.
func (p *Postgres) InsertAudit(ctx context.Context, entry models.AuditEntry) error {
	metadata, err := marshalJSONB(entry.Metadata)
	if err != nil {
		return utils.NewAppError("repo.InsertAudit", "marshal metadata", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO audit_logs (workspace_id, actor_user_id, action, resource_type, resource_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.WorkspaceID, entry.ActorUserID, entry.Action, entry.ResourceType, entry.ResourceID, metadata)
	return utils.WrapOp("repo.InsertAudit", "insert", err)
}

// ListWorkspaces enumerates registered workspaces plus any workspace that owns groups.
func (p *Postgres) ListWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM workspaces
		UNION SELECT DISTINCT workspace_id FROM incident_groups
		ORDER BY 1`)
	if err != nil {
		return nil, utils.NewAppError("repo.ListWorkspaces", "query", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, utils.NewAppError("repo.ListWorkspaces", "scan", err)
		}
		out = append(out, id)
	}
	return out, utils.WrapOp("repo.ListWorkspaces", "iterate", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*models.IncidentGroup, error) {
	var (
		g         models.IncidentGroup
		status    string
		severity  string
		velocity  sql.NullFloat64
		userCount sql.NullInt64
	)
	if err := row.Scan(&g.ID, &g.WorkspaceID, &g.GroupKey, &g.Title, &g.Project, &g.Environment, &status, &severity,
		&g.FirstSeenAt, &g.LastSeenAt, &g.Count, &velocity, &userCount); err != nil {
		return nil, err
	}
	g.Status = models.GroupStatus(status)
	g.Severity = models.ParseSeverity(severity)
	if velocity.Valid {
		v := velocity.Float64
		g.VelocityPerHour = &v
	}
	if userCount.Valid {
		n := int(userCount.Int64)
		g.UserCount = &n
	}
	return &g, nil
}

func collectGroups(rows *sql.Rows, op string) ([]models.IncidentGroup, error) {
	defer rows.Close()
	var out []models.IncidentGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, utils.NewAppError(op, "scan", err)
		}
		out = append(out, *g)
	}
	return out, utils.WrapOp(op, "iterate", rows.Err())
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// marshalJSONB serialises a map for a JSONB column; nil or empty maps become NULL.
func marshalJSONB[M ~map[K]V, K comparable, V any](m M) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
