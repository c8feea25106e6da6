package model

import (
	"time"

	"github.com/google/uuid"
)

// BotActor identifies the bot in the audit trail.
const BotActor = "bot:suggestbot"

// EventType enumerates the audit trail event types.
type EventType string

const (
	// Patron/staff lifecycle events, written outside this subsystem.
	EventSubmitted     EventType = "submitted"
	EventStatusChanged EventType = "status_changed"
	EventNoteAdded     EventType = "note_added"

	// Bot events.
	EventBotStarted           EventType = "bot_started"
	EventBotEvidenceExtracted EventType = "bot_evidence_extracted"
	EventBotCatalogChecked    EventType = "bot_catalog_checked"
	EventBotOpenLibraryCheck  EventType = "bot_openlibrary_checked"
	EventBotCompleted         EventType = "bot_completed"
	EventBotSkipped           EventType = "bot_skipped"
	EventBotError             EventType = "bot_error"
	EventBotReprocessQueued   EventType = "bot_reprocess_queued"
)

// AuditEvent is an append-only fact about a record. Events are never mutated
// or deleted; they are the historical truth independent of the mutable
// record fields.
type AuditEvent struct {
	ID       string         `json:"id"`
	RecordID string         `json:"record_id"`
	At       time.Time      `json:"at"`
	Actor    string         `json:"actor"`
	Type     EventType      `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// NewBotEvent builds an audit event attributed to the bot.
func NewBotEvent(recordID string, typ EventType, payload map[string]any) *AuditEvent {
	return &AuditEvent{
		ID:       uuid.New().String(),
		RecordID: recordID,
		At:       time.Now().UTC(),
		Actor:    BotActor,
		Type:     typ,
		Payload:  payload,
	}
}
