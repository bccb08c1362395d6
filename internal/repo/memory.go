package repo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalcraft/signalcraft-correlator/internal/models"
)

// ErrDuplicateEvent signals that (workspace, source, sourceEventId) was already stored.
var ErrDuplicateEvent = errors.New("duplicate alert event")

// Memory is an in-process Event Store used for local runs and tests.
type Memory struct {
	mu           sync.RWMutex
	groups       map[string]models.IncidentGroup
	events       []models.AlertEvent
	eventKeys    map[string]struct{}
	baselines    map[string]models.AnomalyBaseline
	rules        map[string]models.CorrelationRule
	correlations map[string]models.AlertCorrelation
	members      map[string][]string
	audit        []models.AuditEntry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		groups:       make(map[string]models.IncidentGroup),
		eventKeys:    make(map[string]struct{}),
		baselines:    make(map[string]models.AnomalyBaseline),
		rules:        make(map[string]models.CorrelationRule),
		correlations: make(map[string]models.AlertCorrelation),
		members:      make(map[string][]string),
		locks:        make(map[string]*sync.Mutex),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// AddMember registers a workspace member; the first one becomes the system actor.
func (m *Memory) AddMember(workspaceID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[workspaceID] = append(m.members[workspaceID], userID)
}

// AuditEntries returns a copy of the recorded audit facts.
func (m *Memory) AuditEntries() []models.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AuditEntry(nil), m.audit...)
}

// Baseline returns the stored baseline for a metric key.
func (m *Memory) Baseline(workspaceID, metricKey string) (models.AnomalyBaseline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[workspaceID+"|"+metricKey]
	return b, ok
}

// WithGroupLock serialises fn against other callers for the same key and commits
// staged writes only when fn succeeds.
func (m *Memory) WithGroupLock(ctx context.Context, workspaceID, groupKey string, fn GroupTxFunc) error {
	lock := m.keyLock(workspaceID + "|" + groupKey)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{store: m, staged: make(map[string]models.IncidentGroup), eventKeys: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// another key's unit of work may have stored the same event meanwhile
	for key := range tx.eventKeys {
		if _, ok := m.eventKeys[key]; ok {
			return ErrDuplicateEvent
		}
	}
	for id, group := range tx.staged {
		m.groups[id] = group
	}
	for i := range tx.events {
		m.appendEventLocked(&tx.events[i])
	}
	return nil
}

func (m *Memory) keyLock(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

type memoryTx struct {
	store     *Memory
	staged    map[string]models.IncidentGroup
	events    []models.AlertEvent
	eventKeys map[string]struct{}
}

func (tx *memoryTx) FindActiveGroup(_ context.Context, workspaceID, groupKey string, since time.Time) (*models.IncidentGroup, error) {
	var best *models.IncidentGroup
	consider := func(g models.IncidentGroup) {
		if g.WorkspaceID != workspaceID || g.GroupKey != groupKey || !g.Status.Active() || g.LastSeenAt.Before(since) {
			return
		}
		if best == nil || g.LastSeenAt.After(best.LastSeenAt) {
			copied := g
			best = &copied
		}
	}

	for _, g := range tx.staged {
		consider(g)
	}
	tx.store.mu.RLock()
	for id, g := range tx.store.groups {
		if _, ok := tx.staged[id]; ok {
			continue
		}
		consider(g)
	}
	tx.store.mu.RUnlock()

	if best == nil {
		return nil, models.ErrNotFound
	}
	return best, nil
}

func (tx *memoryTx) CreateGroup(_ context.Context, group *models.IncidentGroup) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	tx.staged[group.ID] = *group
	return nil
}

func (tx *memoryTx) UpdateGroup(_ context.Context, group *models.IncidentGroup) error {
	if _, ok := tx.staged[group.ID]; !ok {
		tx.store.mu.RLock()
		_, exists := tx.store.groups[group.ID]
		tx.store.mu.RUnlock()
		if !exists {
			return models.ErrNotFound
		}
	}
	tx.staged[group.ID] = *group
	return nil
}

func (tx *memoryTx) SaveEvent(_ context.Context, event *models.AlertEvent) error {
	if event.SourceEventID != "" {
		key := eventKey(event.WorkspaceID, event.Source, event.SourceEventID)
		if _, ok := tx.eventKeys[key]; ok {
			return ErrDuplicateEvent
		}
		tx.store.mu.RLock()
		_, stored := tx.store.eventKeys[key]
		tx.store.mu.RUnlock()
		if stored {
			return ErrDuplicateEvent
		}
		tx.eventKeys[key] = struct{}{}
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	tx.events = append(tx.events, *event)
	return nil
}

// PutGroup stores a group directly, bypassing the lock. Intended for seeding.
func (m *Memory) PutGroup(group models.IncidentGroup) models.IncidentGroup {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[group.ID] = group
	return group
}

// GetGroup loads a group by id.
func (m *Memory) GetGroup(_ context.Context, groupID string) (*models.IncidentGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &g, nil
}

// LatestGroupByKey returns the most recently seen group for a key regardless of status.
func (m *Memory) LatestGroupByKey(_ context.Context, workspaceID, groupKey string) (*models.IncidentGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.IncidentGroup
	for _, g := range m.groups {
		if g.WorkspaceID != workspaceID || g.GroupKey != groupKey {
			continue
		}
		if best == nil || g.LastSeenAt.After(best.LastSeenAt) {
			copied := g
			best = &copied
		}
	}
	if best == nil {
		return nil, models.ErrNotFound
	}
	return best, nil
}

// ListActiveGroups returns OPEN/ACK groups with count >= MinCount, most recently seen first.
func (m *Memory) ListActiveGroups(_ context.Context, q GroupQuery) ([]models.IncidentGroup, error) {
	m.mu.RLock()
	out := make([]models.IncidentGroup, 0)
	for _, g := range m.groups {
		if g.WorkspaceID == q.WorkspaceID && g.Status.Active() && g.Count >= q.MinCount {
			out = append(out, g)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return page(out, q.Offset, q.Limit), nil
}

// GroupsFirstSeenBetween returns workspace groups whose firstSeenAt lies in [from, to], excluding one id.
func (m *Memory) GroupsFirstSeenBetween(_ context.Context, workspaceID string, from, to time.Time, excludeID string) ([]models.IncidentGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IncidentGroup, 0)
	for _, g := range m.groups {
		if g.WorkspaceID != workspaceID || g.ID == excludeID {
			continue
		}
		if g.FirstSeenAt.Before(from) || g.FirstSeenAt.After(to) {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}

// HourlyCounts buckets a group's events into hours ending at end; index 0 covers (end-1h, end].
func (m *Memory) HourlyCounts(_ context.Context, workspaceID, groupID string, end time.Time, hours int) ([]int, error) {
	counts := make([]int, hours)
	if hours <= 0 {
		return counts, nil
	}
	span := time.Duration(hours) * time.Hour

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.WorkspaceID != workspaceID || ev.GroupID != groupID {
			continue
		}
		age := end.Sub(ev.OccurredAt)
		if age < 0 || age >= span {
			continue
		}
		counts[int(age/time.Hour)]++
	}
	return counts, nil
}

// UpsertBaseline replaces the baseline for (workspace, metricKey).
func (m *Memory) UpsertBaseline(_ context.Context, baseline models.AnomalyBaseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[baseline.WorkspaceID+"|"+baseline.MetricKey] = baseline
	return nil
}

// EventExists reports whether a source event id was already ingested.
func (m *Memory) EventExists(_ context.Context, workspaceID, source, sourceEventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.eventKeys[eventKey(workspaceID, source, sourceEventID)]
	return ok, nil
}

// SaveEvent appends an event to the log.
func (m *Memory) SaveEvent(_ context.Context, event *models.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.SourceEventID != "" {
		if _, ok := m.eventKeys[eventKey(event.WorkspaceID, event.Source, event.SourceEventID)]; ok {
			return ErrDuplicateEvent
		}
	}
	m.appendEventLocked(event)
	return nil
}

func (m *Memory) appendEventLocked(event *models.AlertEvent) {
	if event.SourceEventID != "" {
		m.eventKeys[eventKey(event.WorkspaceID, event.Source, event.SourceEventID)] = struct{}{}
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if g, ok := m.groups[event.GroupID]; ok && event.GroupKey == "" {
		event.GroupKey = g.GroupKey
	}
	m.events = append(m.events, *event)
}

// ListEventsSince pages through events with occurredAt >= since in (occurredAt, id) order.
// Events whose group no longer exists are skipped.
func (m *Memory) ListEventsSince(_ context.Context, workspaceID string, since time.Time, after EventCursor, limit int) ([]models.AlertEvent, error) {
	m.mu.RLock()
	out := make([]models.AlertEvent, 0)
	for _, ev := range m.events {
		if ev.WorkspaceID != workspaceID || ev.OccurredAt.Before(since) {
			continue
		}
		g, ok := m.groups[ev.GroupID]
		if !ok {
			continue
		}
		ev.GroupKey = g.GroupKey
		out = append(out, ev)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return eventLess(out[i].OccurredAt, out[i].ID, out[j].OccurredAt, out[j].ID) })
	if after.After() {
		idx := sort.Search(len(out), func(i int) bool {
			return eventLess(after.OccurredAt, after.ID, out[i].OccurredAt, out[i].ID)
		})
		out = out[idx:]
	}
	return page(out, 0, limit), nil
}

// UpsertRules inserts or refreshes rules keyed by (workspace, source, target).
func (m *Memory) UpsertRules(_ context.Context, workspaceID string, rules []models.CorrelationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rule := range rules {
		key := workspaceID + "|" + rule.SourceGroupKey + "|" + rule.TargetGroupKey
		if existing, ok := m.rules[key]; ok {
			rule.ID = existing.ID
		} else if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		rule.WorkspaceID = workspaceID
		m.rules[key] = rule
	}
	return nil
}

// RulesForKey returns rules touching groupKey on either side, highest confidence first.
func (m *Memory) RulesForKey(_ context.Context, workspaceID, groupKey string, minConfidence float64, limit int) ([]models.CorrelationRule, error) {
	m.mu.RLock()
	out := make([]models.CorrelationRule, 0)
	for _, rule := range m.rules {
		if rule.WorkspaceID != workspaceID || rule.Confidence < minConfidence {
			continue
		}
		if rule.SourceGroupKey == groupKey || rule.TargetGroupKey == groupKey {
			out = append(out, rule)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence == out[j].Confidence {
			return out[i].Support > out[j].Support
		}
		return out[i].Confidence > out[j].Confidence
	})
	return page(out, 0, limit), nil
}

// UpsertAlertCorrelations stores scored edges keyed by the ordered id pair.
func (m *Memory) UpsertAlertCorrelations(_ context.Context, correlations []models.AlertCorrelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range correlations {
		m.correlations[c.PrimaryAlertID+"|"+c.RelatedAlertID] = c
	}
	return nil
}

// ListAlertCorrelations returns stored edges touching a group on either side, best first.
func (m *Memory) ListAlertCorrelations(_ context.Context, groupID string, limit int) ([]models.AlertCorrelation, error) {
	m.mu.RLock()
	out := make([]models.AlertCorrelation, 0)
	for _, c := range m.correlations {
		if c.PrimaryAlertID == groupID || c.RelatedAlertID == groupID {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return page(out, 0, limit), nil
}

// SystemActor returns the first member of the workspace.
func (m *Memory) SystemActor(_ context.Context, workspaceID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.members[workspaceID]
	if len(members) == 0 {
		return "", models.ErrNotFound
	}
	return members[0], nil
}

// InsertAudit appends an audit fact.
func (m *Memory) InsertAudit(_ context.Context, entry models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// ListWorkspaces enumerates every workspace known through members or groups.
func (m *Memory) ListWorkspaces(_ context.Context) ([]string, error) {
	m.mu.RLock()
	seen := make(map[string]struct{})
	for ws := range m.members {
		seen[ws] = struct{}{}
	}
	for _, g := range m.groups {
		seen[g.WorkspaceID] = struct{}{}
	}
	m.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for ws := range seen {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out, nil
}

func eventKey(workspaceID, source, sourceEventID string) string {
	return workspaceID + "|" + source + "|" + sourceEventID
}

func eventLess(at time.Time, id string, bt time.Time, bid string) bool {
	if at.Equal(bt) {
		return id < bid
	}
	return at.Before(bt)
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
