// Package events appends rows to the workspace event log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pveassist/internal/domain"
)

// Entity kinds stored in the event log.
const (
	EntityArchitectEvent = "architect_event"
	EntityTurn           = "turn"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event row inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendOne runs Append in its own transaction.
func (w Writer) AppendOne(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendNotification records a flushed architect event. The queue calls it
// once per flush; the webhook dispatcher picks the row up from the log.
func (w Writer) AppendNotification(ctx context.Context, ev domain.ArchitectEvent) error {
	actor := ev.UserID
	if actor == "" {
		actor = ev.Source
	}
	if actor == "" {
		actor = "system"
	}
	payload := EventPayload{
		"event_id":  ev.ID,
		"type":      ev.Type,
		"source":    ev.Source,
		"priority":  ev.Priority,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if ev.Chapter != "" {
		payload["chapter"] = ev.Chapter
	}
	if ev.FieldPath != "" {
		payload["field_path"] = ev.FieldPath
	}
	if len(ev.Payload) > 0 {
		payload["payload"] = ev.Payload
	}
	return w.AppendOne(ctx, domain.NotificationEvtType, ev.ProjectID, EntityArchitectEvent, ev.ID, actor, payload)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
