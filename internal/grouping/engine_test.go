package grouping

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalcraft/signalcraft-correlator/internal/groupkey"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newAlert(severity string, at time.Time) models.NormalizedAlert {
	return models.NormalizedAlert{
		Source:        "sentry",
		SourceEventID: at.String(),
		Project:       "checkout",
		Environment:   "prod",
		Fingerprint:   "NullPointerException",
		Title:         "NPE in checkout",
		Severity:      severity,
		OccurredAt:    at,
	}
}

func intPtr(v int) *int { return &v }

func TestUpsertGroupCreatesThenMerges(t *testing.T) {
	store := repo.NewMemory()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: start}
	engine := NewEngine(nil, store, nil, Options{Now: clk.Now})
	ctx := context.Background()

	first, err := engine.UpsertGroup(ctx, "ws", newAlert("error", start))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, 1, first.Group.Count)
	assert.Equal(t, models.StatusOpen, first.Group.Status)
	assert.Equal(t, models.SeverityHigh, first.Group.Severity)
	assert.Nil(t, first.Group.VelocityPerHour)
	assert.Equal(t, groupkey.Hash("sentry", "checkout", "prod", "NullPointerException"), first.Group.GroupKey)

	clk.Set(start.Add(time.Minute))
	second, err := engine.UpsertGroup(ctx, "ws", newAlert("error", start.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Group.ID, second.Group.ID)
	assert.Equal(t, 2, second.Group.Count)
	assert.Equal(t, start.Add(time.Minute), second.Group.LastSeenAt)

	// one minute elapsed is floored to 0.1h
	require.NotNil(t, second.Group.VelocityPerHour)
	assert.InDelta(t, 20.0, *second.Group.VelocityPerHour, 1e-9)

	groups, _ := store.ListActiveGroups(ctx, repo.GroupQuery{WorkspaceID: "ws"})
	assert.Len(t, groups, 1)
}

func TestUpsertGroupWindowExpiryStartsNewGroup(t *testing.T) {
	store := repo.NewMemory()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: start}
	engine := NewEngine(nil, store, nil, Options{Window: 60 * time.Minute, Now: clk.Now})
	ctx := context.Background()

	first, err := engine.UpsertGroup(ctx, "ws", newAlert("low", start))
	require.NoError(t, err)
	clk.Set(start.Add(time.Minute))
	_, err = engine.UpsertGroup(ctx, "ws", newAlert("low", start.Add(time.Minute)))
	require.NoError(t, err)

	late := start.Add(time.Minute + 61*time.Minute)
	clk.Set(late)
	third, err := engine.UpsertGroup(ctx, "ws", newAlert("low", late))
	require.NoError(t, err)
	assert.True(t, third.Created)
	assert.NotEqual(t, first.Group.ID, third.Group.ID)
	assert.Equal(t, 1, third.Group.Count)
}

func TestUpsertGroupResolvedGroupIsNotReused(t *testing.T) {
	store := repo.NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	key := groupkey.Hash("sentry", "checkout", "prod", "NullPointerException")
	resolved := store.PutGroup(models.IncidentGroup{
		WorkspaceID: "ws", GroupKey: key, Status: models.StatusResolved, FirstSeenAt: now, LastSeenAt: now, Count: 3,
	})
	engine := NewEngine(nil, store, nil, Options{Now: func() time.Time { return now }})

	res, err := engine.UpsertGroup(context.Background(), "ws", newAlert("info", now))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, resolved.ID, res.Group.ID)
}

func TestUpsertGroupSeverityIsMonotonic(t *testing.T) {
	store := repo.NewMemory()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: start}
	engine := NewEngine(nil, store, nil, Options{Now: clk.Now})
	ctx := context.Background()

	steps := []struct {
		severity string
		want     models.Severity
	}{
		{"warning", models.SeverityMedium},
		{"high", models.SeverityHigh},
		{"low", models.SeverityHigh},
		{"debug", models.SeverityHigh},
		{"fatal", models.SeverityCritical},
		{"medium", models.SeverityCritical},
	}
	for i, step := range steps {
		at := start.Add(time.Duration(i) * time.Minute)
		clk.Set(at)
		res, err := engine.UpsertGroup(ctx, "ws", newAlert(step.severity, at))
		require.NoError(t, err)
		assert.Equal(t, step.want, res.Group.Severity, "step %d (%s)", i, step.severity)
	}
}

func TestUpsertGroupEscalatesOnAnomaly(t *testing.T) {
	store := repo.NewMemory()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: start}
	var gotVelocity float64
	var gotCount int
	checker := AnomalyCheckerFunc(func(_ context.Context, group models.IncidentGroup, velocity float64) (bool, error) {
		gotVelocity = velocity
		gotCount = group.Count
		return true, nil
	})
	engine := NewEngine(nil, store, checker, Options{Now: clk.Now})
	ctx := context.Background()

	_, err := engine.UpsertGroup(ctx, "ws", newAlert("low", start))
	require.NoError(t, err)
	at := start.Add(30 * time.Minute)
	clk.Set(at)
	res, err := engine.UpsertGroup(ctx, "ws", newAlert("low", at))
	require.NoError(t, err)
	assert.True(t, res.Anomalous)
	assert.True(t, res.Escalated)
	assert.Equal(t, models.SeverityHigh, res.Group.Severity)
	assert.InDelta(t, 4.0, gotVelocity, 1e-9)
	assert.Equal(t, 1, gotCount, "checker sees the row as stored before this alert")
}

func TestUpsertGroupDoesNotDowngradeCriticalOnAnomaly(t *testing.T) {
	store := repo.NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	checker := AnomalyCheckerFunc(func(context.Context, models.IncidentGroup, float64) (bool, error) { return true, nil })
	engine := NewEngine(nil, store, checker, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	_, err := engine.UpsertGroup(ctx, "ws", newAlert("critical", now))
	require.NoError(t, err)
	res, err := engine.UpsertGroup(ctx, "ws", newAlert("info", now))
	require.NoError(t, err)
	assert.True(t, res.Anomalous)
	assert.False(t, res.Escalated)
	assert.Equal(t, models.SeverityCritical, res.Group.Severity)
}

func TestUpsertGroupFailsOpenOnCheckerError(t *testing.T) {
	store := repo.NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	checker := AnomalyCheckerFunc(func(context.Context, models.IncidentGroup, float64) (bool, error) {
		return true, errors.New("baseline store down")
	})
	engine := NewEngine(nil, store, checker, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	_, err := engine.UpsertGroup(ctx, "ws", newAlert("low", now))
	require.NoError(t, err)
	res, err := engine.UpsertGroup(ctx, "ws", newAlert("low", now))
	require.NoError(t, err)
	assert.False(t, res.Anomalous)
	assert.Equal(t, models.SeverityLow, res.Group.Severity)
	assert.Equal(t, 2, res.Group.Count)
}

func TestUpsertGroupUserCountRunningMax(t *testing.T) {
	store := repo.NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(nil, store, nil, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	alert := newAlert("info", now)
	res, err := engine.UpsertGroup(ctx, "ws", alert)
	require.NoError(t, err)
	assert.Nil(t, res.Group.UserCount)

	alert.UserCount = intPtr(0)
	res, err = engine.UpsertGroup(ctx, "ws", alert)
	require.NoError(t, err)
	assert.Nil(t, res.Group.UserCount, "a max of zero is stored as null")

	alert.UserCount = intPtr(40)
	res, err = engine.UpsertGroup(ctx, "ws", alert)
	require.NoError(t, err)
	require.NotNil(t, res.Group.UserCount)
	assert.Equal(t, 40, *res.Group.UserCount)

	alert.UserCount = intPtr(12)
	res, err = engine.UpsertGroup(ctx, "ws", alert)
	require.NoError(t, err)
	assert.Equal(t, 40, *res.Group.UserCount)
}

func TestUpsertGroupKeyNormalisation(t *testing.T) {
	store := repo.NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(nil, store, nil, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	a := newAlert("info", now)
	b := a
	b.Source, b.Project, b.Environment = " Sentry ", "CHECKOUT", "Prod "
	_, err := engine.UpsertGroup(ctx, "ws", a)
	require.NoError(t, err)
	res, err := engine.UpsertGroup(ctx, "ws", b)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Group.Count)

	other, err := engine.UpsertGroup(ctx, "other-ws", a)
	require.NoError(t, err)
	assert.True(t, other.Created, "workspaces never share groups")
}

func TestUpsertGroupConcurrentSameKey(t *testing.T) {
	store := repo.NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(nil, store, nil, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.UpsertGroup(ctx, "ws", newAlert("info", now))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	groups, err := store.ListActiveGroups(ctx, repo.GroupQuery{WorkspaceID: "ws"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 25, groups[0].Count)
}

func TestUpsertGroupTxAbortRollsBackGroup(t *testing.T) {
	store := repo.NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(nil, store, nil, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	first, err := engine.UpsertGroup(ctx, "ws", newAlert("low", now))
	require.NoError(t, err)

	boom := errors.New("event log unavailable")
	var seen models.IncidentGroup
	_, err = engine.UpsertGroupTx(ctx, "ws", newAlert("low", now), func(_ context.Context, _ repo.GroupTx, group models.IncidentGroup) error {
		seen = group
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, seen.Count)

	stored, err := store.GetGroup(ctx, first.Group.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Count)

	res, err := engine.UpsertGroupTx(ctx, "ws", newAlert("low", now), func(ctx context.Context, tx repo.GroupTx, group models.IncidentGroup) error {
		return tx.SaveEvent(ctx, &models.AlertEvent{WorkspaceID: "ws", GroupID: group.ID, Source: "sentry", SourceEventID: "evt-1", OccurredAt: now})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Group.Count)
	exists, err := store.EventExists(ctx, "ws", "sentry", "evt-1")
	require.NoError(t, err)
	assert.True(t, exists)
}
