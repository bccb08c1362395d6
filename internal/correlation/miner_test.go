package correlation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
)

var minerStart = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func minerNow() time.Time { return minerStart.Add(2 * time.Hour) }

type minedEvent struct {
	group  models.IncidentGroup
	offset time.Duration
}

func seedGroups(store *repo.Memory, keys ...string) map[string]models.IncidentGroup {
	groups := make(map[string]models.IncidentGroup, len(keys))
	for _, key := range keys {
		groups[key] = store.PutGroup(models.IncidentGroup{
			WorkspaceID: "ws-1",
			GroupKey:    key,
			Title:       key,
			Status:      models.StatusOpen,
			Severity:    models.SeverityMedium,
			FirstSeenAt: minerStart,
			LastSeenAt:  minerStart,
		})
	}
	return groups
}

func seedStream(t *testing.T, store *repo.Memory, events []minedEvent) {
	t.Helper()
	for i, ev := range events {
		require.NoError(t, store.SaveEvent(context.Background(), &models.AlertEvent{
			WorkspaceID:   ev.group.WorkspaceID,
			GroupID:       ev.group.ID,
			Source:        "test",
			SourceEventID: fmt.Sprintf("evt-%d", i),
			OccurredAt:    minerStart.Add(ev.offset),
		}))
	}
}

// A is followed by B three times within the look-ahead; C is spaced-out noise.
func precedingStream(groups map[string]models.IncidentGroup, pairs int) []minedEvent {
	a, b, c := groups["key-a"], groups["key-b"], groups["key-c"]
	events := []minedEvent{
		{a, 0}, {b, time.Minute},
		{a, 10 * time.Minute}, {b, 12 * time.Minute},
		{a, 20 * time.Minute}, {b, 21 * time.Minute},
	}
	if pairs < 3 {
		events = events[:len(events)-1]
	}
	for i := 0; len(events) < 10; i++ {
		events = append(events, minedEvent{c, time.Duration(40+10*i) * time.Minute})
	}
	return events
}

func TestAnalyzeCorrelationsMinesDirectionalRule(t *testing.T) {
	for _, pageSize := range []int{500, 3} {
		t.Run(fmt.Sprintf("page_%d", pageSize), func(t *testing.T) {
			store := repo.NewMemory()
			groups := seedGroups(store, "key-a", "key-b", "key-c")
			seedStream(t, store, precedingStream(groups, 3))

			miner := NewMiner(nil, store, store, MinerOptions{PageSize: pageSize, Now: minerNow})
			rules, err := miner.AnalyzeCorrelations(context.Background(), "ws-1")
			require.NoError(t, err)
			require.Len(t, rules, 1)
			assert.Equal(t, "key-a", rules[0].SourceGroupKey)
			assert.Equal(t, "key-b", rules[0].TargetGroupKey)
			assert.Equal(t, 3, rules[0].Support)
			assert.InDelta(t, 1.0, rules[0].Confidence, 1e-9)

			stored, err := store.RulesForKey(context.Background(), "ws-1", "key-b", 0, 10)
			require.NoError(t, err)
			require.Len(t, stored, 1)
			assert.NotEmpty(t, stored[0].ID)
		})
	}
}

func TestAnalyzeCorrelationsRequiresSupport(t *testing.T) {
	store := repo.NewMemory()
	groups := seedGroups(store, "key-a", "key-b", "key-c")
	seedStream(t, store, precedingStream(groups, 2))

	miner := NewMiner(nil, store, store, MinerOptions{Now: minerNow})
	rules, err := miner.AnalyzeCorrelations(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestAnalyzeCorrelationsSkipsSparseWindow(t *testing.T) {
	store := repo.NewMemory()
	groups := seedGroups(store, "key-a", "key-b")
	seedStream(t, store, []minedEvent{
		{groups["key-a"], 0}, {groups["key-b"], time.Minute},
		{groups["key-a"], 2 * time.Minute}, {groups["key-b"], 3 * time.Minute},
	})

	called := false
	sink := RuleStoreFunc(func(context.Context, string, []models.CorrelationRule) error {
		called = true
		return nil
	})
	rules, err := NewMiner(nil, store, sink, MinerOptions{Now: minerNow}).AnalyzeCorrelations(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Nil(t, rules)
	assert.False(t, called)
}

func TestAnalyzeCorrelationsConfidenceStaysBounded(t *testing.T) {
	store := repo.NewMemory()
	groups := seedGroups(store, "key-a", "key-b", "key-c")
	a, b, c := groups["key-a"], groups["key-b"], groups["key-c"]
	var events []minedEvent
	for i := 0; i < 3; i++ {
		base := time.Duration(i) * 15 * time.Minute
		events = append(events,
			minedEvent{a, base},
			minedEvent{b, base + time.Minute},
			minedEvent{b, base + 2*time.Minute},
		)
	}
	events = append(events, minedEvent{c, 90 * time.Minute})
	seedStream(t, store, events)

	rules, err := NewMiner(nil, store, store, MinerOptions{Now: minerNow}).AnalyzeCorrelations(context.Background(), "ws-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 3, rules[0].Support)
	assert.LessOrEqual(t, rules[0].Confidence, 1.0)
}

func TestAnalyzeCorrelationsIgnoresOtherWorkspacesAndOldEvents(t *testing.T) {
	store := repo.NewMemory()
	groups := seedGroups(store, "key-a", "key-b", "key-c")
	seedStream(t, store, precedingStream(groups, 3))

	rules, err := NewMiner(nil, store, store, MinerOptions{Now: minerNow}).AnalyzeCorrelations(context.Background(), "ws-2")
	require.NoError(t, err)
	assert.Empty(t, rules)

	later := func() time.Time { return minerStart.Add(48 * time.Hour) }
	rules, err = NewMiner(nil, store, store, MinerOptions{Now: later}).AnalyzeCorrelations(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestAnalyzeCorrelationsReturnsUpsertError(t *testing.T) {
	store := repo.NewMemory()
	groups := seedGroups(store, "key-a", "key-b", "key-c")
	seedStream(t, store, precedingStream(groups, 3))

	boom := errors.New("db down")
	sink := RuleStoreFunc(func(context.Context, string, []models.CorrelationRule) error { return boom })
	rules, err := NewMiner(nil, store, sink, MinerOptions{Now: minerNow}).AnalyzeCorrelations(context.Background(), "ws-1")
	require.ErrorIs(t, err, boom)
	assert.Len(t, rules, 1)
}

func TestPairCounterWaitsForLookAhead(t *testing.T) {
	counter := newPairCounter(5 * time.Minute)
	buf := []models.AlertEvent{
		{GroupKey: "a", OccurredAt: minerStart},
		{GroupKey: "b", OccurredAt: minerStart.Add(time.Minute)},
	}
	assert.Equal(t, 0, counter.consume(buf, false))
	assert.Equal(t, 2, counter.consume(buf, true))
	assert.Equal(t, 1, counter.pairs[pairKey{source: "a", target: "b"}])
	assert.Equal(t, 1, counter.occurrences["b"])
}

func TestPairCounterCountsEachFollowerOncePerSource(t *testing.T) {
	burst := func(base time.Time) []models.AlertEvent {
		return []models.AlertEvent{
			{GroupKey: "a", OccurredAt: base},
			{GroupKey: "b", OccurredAt: base.Add(time.Minute)},
			{GroupKey: "b", OccurredAt: base.Add(2 * time.Minute)},
			{GroupKey: "b", OccurredAt: base.Add(3 * time.Minute)},
		}
	}

	single := newPairCounter(5 * time.Minute)
	single.consume(burst(minerStart), true)
	assert.Equal(t, 1, single.pairs[pairKey{source: "a", target: "b"}])
	assert.Empty(t, single.rules("ws-1", 3, 0.5, minerNow()), "three followers of one source are one occurrence")

	var stream []models.AlertEvent
	for i := 0; i < 3; i++ {
		stream = append(stream, burst(minerStart.Add(time.Duration(i)*15*time.Minute))...)
	}
	repeated := newPairCounter(5 * time.Minute)
	assert.Equal(t, len(stream), repeated.consume(stream, true))
	rules := repeated.rules("ws-1", 3, 0.5, minerNow())
	require.Len(t, rules, 1)
	assert.Equal(t, "a", rules[0].SourceGroupKey)
	assert.Equal(t, "b", rules[0].TargetGroupKey)
	assert.Equal(t, 3, rules[0].Support)
	assert.InDelta(t, 1.0, rules[0].Confidence, 1e-9)
}
