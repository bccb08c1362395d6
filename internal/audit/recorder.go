// Package audit forwards engine facts to the audit log.
package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/signalcraft/signalcraft-correlator/internal/models"
)

// Store persists audit entries and resolves a fallback actor.
type Store interface {
	SystemActor(ctx context.Context, workspaceID string) (string, error)
	InsertAudit(ctx context.Context, entry models.AuditEntry) error
}

// Recorder writes audit facts on a best-effort basis.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder builds a Recorder.
func NewRecorder(logger *slog.Logger, store Store) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record stores entry. Without an actor it is attributed to any member of the
// workspace; a workspace with no members gets no entry. Failures are logged only.
func (r *Recorder) Record(ctx context.Context, entry models.AuditEntry) {
	if r == nil || r.store == nil {
		return
	}
	if entry.ActorUserID == "" {
		actor, err := r.store.SystemActor(ctx, entry.WorkspaceID)
		if errors.Is(err, models.ErrNotFound) {
			r.logger.Debug("no actor available for audit entry",
				slog.String("workspace_id", entry.WorkspaceID),
				slog.String("action", entry.Action),
			)
			return
		}
		if err != nil {
			r.logger.Warn("resolve audit actor failed",
				slog.String("workspace_id", entry.WorkspaceID),
				slog.Any("error", err),
			)
			return
		}
		entry.ActorUserID = actor
	}
	if err := r.store.InsertAudit(ctx, entry); err != nil {
		r.logger.Warn("write audit entry failed",
			slog.String("workspace_id", entry.WorkspaceID),
			slog.String("action", entry.Action),
			slog.String("resource_id", entry.ResourceID),
			slog.Any("error", err),
		)
	}
}
