package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/signalcraft/signalcraft-correlator/internal/cache"
	"github.com/signalcraft/signalcraft-correlator/internal/metrics"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/utils"
)

// Reason tags attached to scored candidates.
const (
	ReasonTimeProximity      = "time_proximity"
	ReasonSameService        = "same_service"
	ReasonSameEnvironment    = "same_environment"
	ReasonCriticalSeverity   = "critical_severity"
	ReasonHighCorrelation    = "high_correlation"
	ReasonGeneralCorrelation = "general_correlation"

	ReasonRulePrecedes = "rule_precedes"
	ReasonRuleFollows  = "rule_follows"
)

const (
	timeProximityWeight = 0.4
	laterRootPenalty    = 0.7
	noCorrelationText   = "No correlated alerts found"
)

// ScorerOptions tunes the real-time scorer.
type ScorerOptions struct {
	TimeWindow        time.Duration
	MinimumScore      float64
	PersistTop        int
	RuleMinConfidence float64
	RuleLimit         int
	RuleCacheTTL      time.Duration
	Now               func() time.Time
}

func (o *ScorerOptions) applyDefaults() {
	if o.TimeWindow <= 0 {
		o.TimeWindow = 5 * time.Minute
	}
	if o.MinimumScore <= 0 {
		o.MinimumScore = 0.5
	}
	if o.PersistTop <= 0 {
		o.PersistTop = 10
	}
	if o.RuleMinConfidence <= 0 {
		o.RuleMinConfidence = 0.5
	}
	if o.RuleLimit <= 0 {
		o.RuleLimit = 5
	}
	if o.RuleCacheTTL <= 0 {
		o.RuleCacheTTL = 2 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scorer ranks incidents related to a specific group.
type Scorer struct {
	store  GroupStore
	cache  cache.Provider
	opts   ScorerOptions
	logger *slog.Logger
}

// NewScorer constructs a Scorer. A nil cache disables rule-lookup caching.
func NewScorer(logger *slog.Logger, store GroupStore, provider cache.Provider, opts ScorerOptions) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	opts.applyDefaults()
	return &Scorer{store: store, cache: provider, opts: opts, logger: logger}
}

// FindCorrelatedAlerts returns every group in the target's workspace whose first
// occurrence lies within the time window and whose score clears the minimum, best
// first. The top entries are persisted as correlation edges on a best-effort basis.
// An unknown group yields an empty result.
func (s *Scorer) FindCorrelatedAlerts(ctx context.Context, groupID string) ([]models.CorrelatedAlert, error) {
	_, correlated, err := s.correlate(ctx, groupID)
	return correlated, err
}

// SuggestRootCause picks the earliest correlated group as the likely root cause.
func (s *Scorer) SuggestRootCause(ctx context.Context, groupID string) (models.RootCauseSuggestion, error) {
	target, correlated, err := s.correlate(ctx, groupID)
	if err != nil {
		return models.RootCauseSuggestion{}, err
	}
	if target == nil || len(correlated) == 0 {
		return models.RootCauseSuggestion{Confidence: 0, Explanation: noCorrelationText}, nil
	}

	root := correlated[0]
	for _, candidate := range correlated[1:] {
		if candidate.Group.FirstSeenAt.Before(root.Group.FirstSeenAt) {
			root = candidate
		}
	}

	suggestion := models.RootCauseSuggestion{RootCauseAlertID: root.Group.ID}
	if root.Group.FirstSeenAt.Before(target.FirstSeenAt) {
		seconds := int(target.FirstSeenAt.Sub(root.Group.FirstSeenAt) / time.Second)
		suggestion.Confidence = root.Score
		where := "the"
		if root.Group.Environment == target.Environment {
			where = "the same"
		}
		suggestion.Explanation = fmt.Sprintf("Alert %q occurred %ds earlier in %s %s environment",
			root.Group.Title, seconds, where, root.Group.Environment)
		if root.Group.Severity == models.SeverityCritical {
			suggestion.Explanation += " with CRITICAL severity"
		}
	} else {
		suggestion.Confidence = root.Score * laterRootPenalty
		suggestion.Explanation = fmt.Sprintf("Highly correlated with %q (score: %.2f)", root.Group.Title, root.Score)
	}
	return suggestion, nil
}

func (s *Scorer) correlate(ctx context.Context, groupID string) (*models.IncidentGroup, []models.CorrelatedAlert, error) {
	start := time.Now()
	defer func() { metrics.ObserveScoring(time.Since(start)) }()

	target, err := s.store.GetGroup(ctx, groupID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, []models.CorrelatedAlert{}, nil
	}
	if err != nil {
		return nil, nil, utils.WrapOp("correlation.FindCorrelatedAlerts", "load group", err)
	}

	from := target.FirstSeenAt.Add(-s.opts.TimeWindow)
	to := target.FirstSeenAt.Add(s.opts.TimeWindow)
	candidates, err := s.store.GroupsFirstSeenBetween(ctx, target.WorkspaceID, from, to, target.ID)
	if err != nil {
		return nil, nil, utils.WrapOp("correlation.FindCorrelatedAlerts", "load candidates", err)
	}

	correlated := make([]models.CorrelatedAlert, 0, len(candidates))
	for _, candidate := range candidates {
		score := s.score(*target, candidate)
		if score < s.opts.MinimumScore {
			continue
		}
		correlated = append(correlated, models.CorrelatedAlert{
			Group:  candidate,
			Score:  score,
			Reason: reasons(*target, candidate, score),
		})
	}
	sort.SliceStable(correlated, func(i, j int) bool {
		if correlated[i].Score != correlated[j].Score {
			return correlated[i].Score > correlated[j].Score
		}
		if !correlated[i].Group.FirstSeenAt.Equal(correlated[j].Group.FirstSeenAt) {
			return correlated[i].Group.FirstSeenAt.Before(correlated[j].Group.FirstSeenAt)
		}
		return correlated[i].Group.ID < correlated[j].Group.ID
	})

	s.persist(ctx, target.ID, correlated)
	return target, correlated, nil
}

// score sums time proximity with attribute matches counted in tenths.
func (s *Scorer) score(target, candidate models.IncidentGroup) float64 {
	delta := absDuration(candidate.FirstSeenAt.Sub(target.FirstSeenAt))
	proximity := 1 - float64(delta)/float64(s.opts.TimeWindow)
	if proximity < 0 {
		proximity = 0
	}

	tenths := 0
	if target.Environment == candidate.Environment {
		tenths += 2
	}
	if target.Project == candidate.Project {
		tenths += 2
	}
	if target.Severity.Rank() == candidate.Severity.Rank() {
		tenths++
	}
	if target.Status == candidate.Status {
		tenths++
	}
	return clamp(proximity*timeProximityWeight+float64(tenths)/10, 0, 1)
}

func reasons(target, candidate models.IncidentGroup, score float64) string {
	var tags []string
	if absDuration(candidate.FirstSeenAt.Sub(target.FirstSeenAt)) < time.Minute {
		tags = append(tags, ReasonTimeProximity)
	}
	sameEnv := target.Environment == candidate.Environment
	switch {
	case sameEnv && target.Project == candidate.Project:
		tags = append(tags, ReasonSameService)
	case sameEnv:
		tags = append(tags, ReasonSameEnvironment)
	}
	if target.Severity == models.SeverityCritical || candidate.Severity == models.SeverityCritical {
		tags = append(tags, ReasonCriticalSeverity)
	}
	if score > 0.8 {
		tags = append(tags, ReasonHighCorrelation)
	}
	if len(tags) == 0 {
		return ReasonGeneralCorrelation
	}
	return strings.Join(tags, ", ")
}

func (s *Scorer) persist(ctx context.Context, targetID string, correlated []models.CorrelatedAlert) {
	if len(correlated) == 0 {
		return
	}
	top := correlated
	if len(top) > s.opts.PersistTop {
		top = top[:s.opts.PersistTop]
	}
	now := s.opts.Now()
	edges := make([]models.AlertCorrelation, 0, len(top))
	for _, c := range top {
		edges = append(edges, models.AlertCorrelation{
			PrimaryAlertID: targetID,
			RelatedAlertID: c.Group.ID,
			Score:          c.Score,
			Reason:         c.Reason,
			UpdatedAt:      now,
		})
	}
	if err := s.store.UpsertAlertCorrelations(ctx, edges); err != nil {
		s.logger.Warn("persist alert correlations failed",
			slog.String("group_id", targetID),
			slog.Int("edges", len(edges)),
			slog.Any("error", err),
		)
	}
}

// CorrelatedByRules resolves mined rules touching the group's key into the latest
// group for each counterpart key. Results are cached per group for RuleCacheTTL.
func (s *Scorer) CorrelatedByRules(ctx context.Context, workspaceID, groupID string) ([]models.CorrelatedAlert, error) {
	cacheKey := fmt.Sprintf("correlation:rules:%s:%s", workspaceID, groupID)
	if raw, err := s.cache.Get(ctx, cacheKey); err == nil {
		var cached []models.CorrelatedAlert
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("rule cache lookup failed", slog.String("key", cacheKey), slog.Any("error", err))
	}

	group, err := s.store.GetGroup(ctx, groupID)
	if errors.Is(err, models.ErrNotFound) {
		return []models.CorrelatedAlert{}, nil
	}
	if err != nil {
		return nil, utils.WrapOp("correlation.CorrelatedByRules", "load group", err)
	}
	if group.WorkspaceID != workspaceID {
		return []models.CorrelatedAlert{}, nil
	}

	rules, err := s.store.RulesForKey(ctx, workspaceID, group.GroupKey, s.opts.RuleMinConfidence, s.opts.RuleLimit)
	if err != nil {
		return nil, utils.WrapOp("correlation.CorrelatedByRules", "load rules", err)
	}

	out := make([]models.CorrelatedAlert, 0, len(rules))
	for _, rule := range rules {
		counterpart, reason := rule.TargetGroupKey, ReasonRulePrecedes
		if rule.SourceGroupKey != group.GroupKey {
			counterpart, reason = rule.SourceGroupKey, ReasonRuleFollows
		}
		related, err := s.store.LatestGroupByKey(ctx, workspaceID, counterpart)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, utils.WrapOp("correlation.CorrelatedByRules", "load counterpart", err)
		}
		out = append(out, models.CorrelatedAlert{Group: *related, Score: rule.Confidence, Reason: reason})
	}

	if payload, err := json.Marshal(out); err == nil {
		if err := s.cache.Set(ctx, cacheKey, payload, s.opts.RuleCacheTTL); err != nil {
			s.logger.Warn("rule cache store failed", slog.String("key", cacheKey), slog.Any("error", err))
		}
	}
	return out, nil
}

// StoredCorrelations returns previously persisted edges touching the group.
func (s *Scorer) StoredCorrelations(ctx context.Context, groupID string, limit int) ([]models.AlertCorrelation, error) {
	if limit <= 0 {
		limit = s.opts.PersistTop
	}
	edges, err := s.store.ListAlertCorrelations(ctx, groupID, limit)
	if err != nil {
		return nil, utils.WrapOp("correlation.StoredCorrelations", "list correlations", err)
	}
	return edges, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
