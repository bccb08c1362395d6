package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/signalcraft/signalcraft-correlator/internal/models"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
)

type brokenStore struct {
	actorErr  error
	insertErr error
	inserted  int
}

func (b *brokenStore) SystemActor(context.Context, string) (string, error) {
	return "user-1", b.actorErr
}

func (b *brokenStore) InsertAudit(context.Context, models.AuditEntry) error {
	b.inserted++
	return b.insertErr
}

func TestRecordFallsBackToSystemActor(t *testing.T) {
	store := repo.NewMemory()
	store.AddMember("ws-1", "owner")
	store.AddMember("ws-1", "second")
	rec := NewRecorder(nil, store)

	rec.Record(context.Background(), models.AuditEntry{WorkspaceID: "ws-1", Action: "anomaly.group_created", ResourceType: "incident_group", ResourceID: "g-1"})
	rec.Record(context.Background(), models.AuditEntry{WorkspaceID: "ws-1", ActorUserID: "alice", Action: "manual"})

	entries := store.AuditEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ActorUserID != "owner" {
		t.Fatalf("expected system actor owner, got %q", entries[0].ActorUserID)
	}
	if entries[1].ActorUserID != "alice" {
		t.Fatalf("explicit actor must be kept, got %q", entries[1].ActorUserID)
	}
}

func TestRecordSkipsWorkspaceWithoutMembers(t *testing.T) {
	store := repo.NewMemory()
	NewRecorder(nil, store).Record(context.Background(), models.AuditEntry{WorkspaceID: "empty", Action: "x"})
	if n := len(store.AuditEntries()); n != 0 {
		t.Fatalf("expected no entries, got %d", n)
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	b := &brokenStore{actorErr: errors.New("db down")}
	NewRecorder(nil, b).Record(context.Background(), models.AuditEntry{WorkspaceID: "ws"})
	if b.inserted != 0 {
		t.Fatalf("insert must be skipped when the actor lookup fails")
	}

	b = &brokenStore{insertErr: errors.New("constraint")}
	NewRecorder(nil, b).Record(context.Background(), models.AuditEntry{WorkspaceID: "ws"})
	if b.inserted != 1 {
		t.Fatalf("expected one insert attempt, got %d", b.inserted)
	}

	var nilRecorder *Recorder
	nilRecorder.Record(context.Background(), models.AuditEntry{})
}
