// Package correlation mines directional rules between group keys and scores
// related incidents on demand.
package correlation

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/signalcraft/signalcraft-correlator/internal/metrics"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
	"github.com/signalcraft/signalcraft-correlator/internal/utils"
)

// MinerOptions tunes the pair-mining job.
type MinerOptions struct {
	Window        time.Duration
	LookAhead     time.Duration
	MinSupport    int
	MinConfidence float64
	MinEvents     int
	PageSize      int
	Now           func() time.Time
}

func (o *MinerOptions) applyDefaults() {
	if o.Window <= 0 {
		o.Window = 24 * time.Hour
	}
	if o.LookAhead <= 0 {
		o.LookAhead = 5 * time.Minute
	}
	if o.MinSupport <= 0 {
		o.MinSupport = 3
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = 0.5
	}
	if o.MinEvents <= 0 {
		o.MinEvents = 10
	}
	if o.PageSize <= 0 {
		o.PageSize = 500
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Miner builds "A tends to precede B" rules from a recent event window.
type Miner struct {
	events EventSource
	store  RuleStore
	opts   MinerOptions
	logger *slog.Logger
}

// NewMiner constructs a Miner; store may be nil for dry runs.
func NewMiner(logger *slog.Logger, events EventSource, store RuleStore, opts MinerOptions) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Miner{events: events, store: store, opts: opts, logger: logger}
}

type pairKey struct {
	source string
	target string
}

// pairCounter accumulates occurrence and ordered-pair counts over a time-ordered stream.
type pairCounter struct {
	lookAhead   time.Duration
	occurrences map[string]int
	pairs       map[pairKey]int
}

func newPairCounter(lookAhead time.Duration) *pairCounter {
	return &pairCounter{
		lookAhead:   lookAhead,
		occurrences: make(map[string]int),
		pairs:       make(map[pairKey]int),
	}
}

// consume counts every event in buf whose look-ahead window is fully buffered, or all
// of them when final is set, and returns how many were consumed.
func (c *pairCounter) consume(buf []models.AlertEvent, final bool) int {
	consumed := 0
	for consumed < len(buf) {
		a := buf[consumed]
		horizon := a.OccurredAt.Add(c.lookAhead)
		if !final && !buf[len(buf)-1].OccurredAt.After(horizon) {
			break
		}

		c.occurrences[a.GroupKey]++
		followers := make(map[string]struct{})
		for j := consumed + 1; j < len(buf); j++ {
			b := buf[j]
			if b.OccurredAt.Sub(a.OccurredAt) > c.lookAhead {
				break
			}
			if b.GroupKey == a.GroupKey {
				continue
			}
			followers[b.GroupKey] = struct{}{}
		}
		// one count per follower key per source occurrence keeps confidence within [0,1]
		for key := range followers {
			c.pairs[pairKey{source: a.GroupKey, target: key}]++
		}
		consumed++
	}
	return consumed
}

func (c *pairCounter) rules(workspaceID string, minSupport int, minConfidence float64, now time.Time) []models.CorrelationRule {
	rules := make([]models.CorrelationRule, 0)
	for pair, support := range c.pairs {
		if support < minSupport {
			continue
		}
		occurrences := c.occurrences[pair.source]
		if occurrences == 0 {
			continue
		}
		confidence := float64(support) / float64(occurrences)
		if confidence < minConfidence {
			continue
		}
		rules = append(rules, models.CorrelationRule{
			WorkspaceID:    workspaceID,
			SourceGroupKey: pair.source,
			TargetGroupKey: pair.target,
			Confidence:     confidence,
			Support:        support,
			LastUpdatedAt:  now,
		})
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Confidence != rules[j].Confidence {
			return rules[i].Confidence > rules[j].Confidence
		}
		if rules[i].Support != rules[j].Support {
			return rules[i].Support > rules[j].Support
		}
		if rules[i].SourceGroupKey != rules[j].SourceGroupKey {
			return rules[i].SourceGroupKey < rules[j].SourceGroupKey
		}
		return rules[i].TargetGroupKey < rules[j].TargetGroupKey
	})
	return rules
}

// AnalyzeCorrelations mines the trailing window for the workspace and upserts every
// rule meeting the support and confidence floors. Fewer than MinEvents events is a
// normal no-op.
func (m *Miner) AnalyzeCorrelations(ctx context.Context, workspaceID string) ([]models.CorrelationRule, error) {
	now := m.opts.Now()
	since := now.Add(-m.opts.Window)
	counter := newPairCounter(m.opts.LookAhead)

	var (
		buf       []models.AlertEvent
		cursor    repo.EventCursor
		total     int
		exhausted bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !exhausted {
			page, err := m.events.ListEventsSince(ctx, workspaceID, since, cursor, m.opts.PageSize)
			if err != nil {
				return nil, utils.WrapOp("correlation.AnalyzeCorrelations", "list events", err)
			}
			exhausted = len(page) < m.opts.PageSize
			if len(page) > 0 {
				last := page[len(page)-1]
				cursor = repo.EventCursor{OccurredAt: last.OccurredAt, ID: last.ID}
			}
			for _, ev := range page {
				if ev.GroupKey == "" {
					continue
				}
				buf = append(buf, ev)
				total++
			}
		}

		consumed := counter.consume(buf, exhausted)
		buf = append(buf[:0:0], buf[consumed:]...)
		if exhausted && len(buf) == 0 {
			break
		}
	}

	if total < m.opts.MinEvents {
		m.logger.Debug("not enough events for correlation mining",
			slog.String("workspace_id", workspaceID),
			slog.Int("events", total),
		)
		return nil, nil
	}

	rules := counter.rules(workspaceID, m.opts.MinSupport, m.opts.MinConfidence, now)
	if m.store != nil && len(rules) > 0 {
		if err := m.store.UpsertRules(ctx, workspaceID, rules); err != nil {
			return rules, utils.WrapOp("correlation.AnalyzeCorrelations", "upsert rules", err)
		}
		metrics.ObserveRulesUpserted(len(rules))
	}

	m.logger.Info("correlation analysis complete",
		slog.String("workspace_id", workspaceID),
		slog.Int("events", total),
		slog.Int("pairs", len(counter.pairs)),
		slog.Int("rules", len(rules)),
	)
	return rules, nil
}
