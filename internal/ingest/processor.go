// Package ingest turns normalized alerts into grouped incidents and a raw event log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/signalcraft/signalcraft-correlator/internal/events"
	"github.com/signalcraft/signalcraft-correlator/internal/grouping"
	"github.com/signalcraft/signalcraft-correlator/internal/metrics"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
)

// ErrInvalidAlert is returned for alerts missing identity fields.
var ErrInvalidAlert = errors.New("invalid alert")

// Grouper applies an alert to its incident group; after runs in the same unit of work.
type Grouper interface {
	UpsertGroupTx(ctx context.Context, workspaceID string, alert models.NormalizedAlert, after grouping.AfterWrite) (grouping.Result, error)
}

// EventStore answers the cheap duplicate check made before taking the group lock.
type EventStore interface {
	EventExists(ctx context.Context, workspaceID, source, sourceEventID string) (bool, error)
}

// MessageReader is the inbound alert stream.
type MessageReader interface {
	ReadMessage(ctx context.Context) (*events.AlertMessage, *kafka.Message, error)
	CommitMessage(ctx context.Context, msg *kafka.Message) error
}

// Processor is the single entry point for new alerts, from Kafka or the API.
type Processor struct {
	grouper    Grouper
	events     EventStore
	publisher  events.Publisher
	now        func() time.Time
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// NewProcessor wires a processor. A nil publisher drops group-changed facts.
func NewProcessor(logger *slog.Logger, grouper Grouper, store EventStore, publisher events.Publisher) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Processor{
		grouper:    grouper,
		events:     store,
		publisher:  publisher,
		now:        time.Now,
		newBackOff: defaultBackOff,
		logger:     logger,
	}
}

// defaultBackOff retries forever between 200ms and 30s; only ctx ends it.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Ingest validates, deduplicates and groups one alert, then appends it to the event log.
// A redelivered (workspace, source, sourceEventId) returns repo.ErrDuplicateEvent.
func (p *Processor) Ingest(ctx context.Context, workspaceID string, alert models.NormalizedAlert) (grouping.Result, error) {
	if err := validate(workspaceID, alert); err != nil {
		metrics.ObserveIngest(metrics.OutcomeError)
		return grouping.Result{}, err
	}
	if alert.SourceEventID == "" {
		alert.SourceEventID = uuid.NewString()
	}
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = p.now()
	}

	exists, err := p.events.EventExists(ctx, workspaceID, alert.Source, alert.SourceEventID)
	if err != nil {
		metrics.ObserveIngest(metrics.OutcomeError)
		return grouping.Result{}, fmt.Errorf("check duplicate event: %w", err)
	}
	if exists {
		metrics.ObserveIngest(metrics.OutcomeDuplicate)
		p.logger.Debug("duplicate alert dropped",
			slog.String("workspace_id", workspaceID),
			slog.String("source", alert.Source),
			slog.String("source_event_id", alert.SourceEventID),
		)
		return grouping.Result{}, repo.ErrDuplicateEvent
	}

	// the event row shares the group transaction, so a failed or duplicate insert
	// leaves the group count untouched
	result, err := p.grouper.UpsertGroupTx(ctx, workspaceID, alert, func(ctx context.Context, tx repo.GroupTx, group models.IncidentGroup) error {
		return tx.SaveEvent(ctx, &models.AlertEvent{
			WorkspaceID:   workspaceID,
			GroupID:       group.ID,
			GroupKey:      group.GroupKey,
			Source:        alert.Source,
			SourceEventID: alert.SourceEventID,
			Title:         alert.Title,
			Message:       alert.Message,
			Severity:      models.ParseSeverity(alert.Severity),
			Tags:          alert.Tags,
			OccurredAt:    alert.OccurredAt,
		})
	})
	if errors.Is(err, repo.ErrDuplicateEvent) {
		// lost a race with a concurrent delivery of the same event
		metrics.ObserveIngest(metrics.OutcomeDuplicate)
		return grouping.Result{}, repo.ErrDuplicateEvent
	}
	if err != nil {
		metrics.ObserveIngest(metrics.OutcomeError)
		return grouping.Result{}, fmt.Errorf("upsert group: %w", err)
	}

	p.publish(ctx, result)
	metrics.ObserveIngest(metrics.OutcomeSuccess)
	return result, nil
}

func (p *Processor) publish(ctx context.Context, result grouping.Result) {
	fact := models.GroupChanged{
		WorkspaceID: result.Group.WorkspaceID,
		GroupID:     result.Group.ID,
		GroupKey:    result.Group.GroupKey,
		Status:      result.Group.Status,
		Severity:    result.Group.Severity.String(),
		Count:       result.Group.Count,
		Created:     result.Created,
		Escalated:   result.Escalated,
		Anomalous:   result.Anomalous,
		OccurredAt:  result.Group.LastSeenAt,
	}
	if err := p.publisher.Publish(ctx, fact); err != nil {
		p.logger.Warn("publish group changed failed",
			slog.String("workspace_id", fact.WorkspaceID),
			slog.String("group_id", fact.GroupID),
			slog.Any("error", err),
		)
	}
}

// Run consumes alerts until ctx is cancelled. Offsets are committed only after an
// alert is stored, or when it is a duplicate or can never be decoded. Any other
// failure retries the same message with backoff, so later offsets are never
// committed past it.
func (p *Processor) Run(ctx context.Context, reader MessageReader) error {
	p.logger.Info("alert ingestion loop started")
	readBackOff := p.newBackOff()
	for {
		msg, raw, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("alert ingestion loop stopped")
				return nil
			}
			if errors.Is(err, events.ErrMalformedMessage) && raw != nil {
				p.logger.Warn("skipping malformed alert message",
					slog.Int64("offset", raw.Offset),
					slog.Any("error", err),
				)
				metrics.ObserveIngest(metrics.OutcomeError)
				p.commit(ctx, reader, raw)
				readBackOff.Reset()
				continue
			}
			wait := readBackOff.NextBackOff()
			p.logger.Error("read alert message failed",
				slog.Duration("retry_in", wait),
				slog.Any("error", err),
			)
			if !sleep(ctx, wait) {
				p.logger.Info("alert ingestion loop stopped")
				return nil
			}
			continue
		}
		readBackOff.Reset()

		if err := p.process(ctx, reader, msg, raw); err != nil {
			p.logger.Info("alert ingestion loop stopped")
			return nil
		}
	}
}

// process ingests one message until it is settled; it returns an error only when ctx ends.
func (p *Processor) process(ctx context.Context, reader MessageReader, msg *events.AlertMessage, raw *kafka.Message) error {
	attempt := 0
	ingest := func() error {
		attempt++
		_, err := p.Ingest(ctx, msg.WorkspaceID, msg.Alert)
		switch {
		case err == nil, errors.Is(err, repo.ErrDuplicateEvent):
			return nil
		case errors.Is(err, ErrInvalidAlert):
			p.logger.Warn("dropping invalid alert",
				slog.String("workspace_id", msg.WorkspaceID),
				slog.Any("error", err),
			)
			return nil
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Error("ingest alert failed, retrying",
			slog.String("workspace_id", msg.WorkspaceID),
			slog.String("source", msg.Alert.Source),
			slog.Int64("offset", raw.Offset),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.Any("error", err),
		)
	}
	if err := backoff.RetryNotify(ingest, backoff.WithContext(p.newBackOff(), ctx), notify); err != nil {
		return err
	}
	p.commit(ctx, reader, raw)
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Processor) commit(ctx context.Context, reader MessageReader, raw *kafka.Message) {
	if err := reader.CommitMessage(ctx, raw); err != nil && ctx.Err() == nil {
		p.logger.Error("commit offset failed", slog.Int64("offset", raw.Offset), slog.Any("error", err))
	}
}

func validate(workspaceID string, alert models.NormalizedAlert) error {
	var missing []string
	if strings.TrimSpace(workspaceID) == "" {
		missing = append(missing, "workspaceId")
	}
	if strings.TrimSpace(alert.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(alert.Fingerprint) == "" {
		missing = append(missing, "fingerprint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidAlert, strings.Join(missing, ", "))
	}
	return nil
}
