package server

import (
	"encoding/json"
	"time"

	"pveassist/internal/domain"
)

// Request DTOs

type TurnRequest struct {
	Message         string             `json:"message" minLength:"1" example:"We willen 4 slaapkamers"`
	State           domain.WizardState `json:"state"`
	PreviousChapter string             `json:"previous_chapter,omitempty" doc:"Chapter of the previous turn; derived from stored memory when omitted"`
	Mode            string             `json:"mode,omitempty" enum:"preview,premium"`
	AllowRetrieval  bool               `json:"allow_retrieval,omitempty"`
}

type ArchitectEventInput struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type" minLength:"1" example:"budget.changed"`
	Source    string         `json:"source,omitempty" example:"wizard"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Priority  string         `json:"priority,omitempty" enum:"low,medium,high"`
	Chapter   string         `json:"chapter,omitempty"`
	FieldPath string         `json:"field_path,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type EnqueueEventsRequest struct {
	Events []ArchitectEventInput `json:"events" minItems:"1"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response DTOs

type TurnResponse struct {
	TurnID string            `json:"turn_id"`
	Result domain.TurnResult `json:"result"`
}

type TurnRecordResponse struct {
	ID           string              `json:"id"`
	TS           string              `json:"ts" format:"date-time"`
	Chapter      string              `json:"chapter"`
	UserMessage  string              `json:"user_message"`
	Reply        string              `json:"reply"`
	Source       string              `json:"source"`
	UsedFallback bool                `json:"used_fallback"`
	Patches      []domain.PatchEvent `json:"patches"`
}

type EnqueueEventsResponse struct {
	Accepted int `json:"accepted"`
	Pending  int `json:"pending"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type turnList struct {
	Items []TurnRecordResponse `json:"items"`
}

// Conversion helpers

func architectEvent(in ArchitectEventInput, projectID string) domain.ArchitectEvent {
	ev := domain.ArchitectEvent{
		ID:        in.ID,
		Type:      in.Type,
		Source:    in.Source,
		ProjectID: projectID,
		Priority:  in.Priority,
		Chapter:   in.Chapter,
		FieldPath: in.FieldPath,
		Payload:   in.Payload,
	}
	if in.Timestamp != nil {
		ev.Timestamp = *in.Timestamp
	}
	return ev
}

func turnRecordResponse(t domain.Turn) TurnRecordResponse {
	patches := []domain.PatchEvent{}
	if t.PatchesJSON != "" {
		_ = json.Unmarshal([]byte(t.PatchesJSON), &patches)
	}
	return TurnRecordResponse{
		ID:           t.ID,
		TS:           t.TS,
		Chapter:      t.Chapter,
		UserMessage:  t.UserMessage,
		Reply:        t.Reply,
		Source:       t.Source,
		UsedFallback: t.UsedFallback,
		Patches:      nonNilSlice(patches),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
