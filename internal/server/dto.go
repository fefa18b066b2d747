package server

import (
	"encoding/json"

	"heroinit/internal/domain"
)

// Request payloads

type AddCombatantRequest struct {
	Name        string `json:"name" minLength:"1"`
	DisplayName string `json:"display_name,omitempty"`
	Speed       int    `json:"spd" doc:"SPD 0..12"`
	Dex         int    `json:"dex"`
	Stun        int    `json:"stun" doc:"Maximum STUN; starts full"`
	Body        int    `json:"body"`
	End         int    `json:"end"`
	Kind        string `json:"kind,omitempty" enum:"PC,NPC"`
	Status      string `json:"status,omitempty"`
	Recovery    int    `json:"rec,omitempty"`
}

type ChangeSpeedRequest struct {
	Speed int `json:"spd" doc:"New SPD 0..12"`
}

type DeltaRequest struct {
	Counter string `json:"counter,omitempty" doc:"STUN, BODY or END; defaults to STUN"`
	Amount  int    `json:"amount" doc:"Positive damages, negative heals"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type SkipRequest struct {
	Segment int `json:"segment" doc:"Target segment 1..12, ahead of the cursor"`
}

// Response payloads

type RemoveResponse struct {
	Name string `json:"name"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Combatant string         `json:"combatant,omitempty"`
	Turn      int            `json:"turn"`
	Segment   int            `json:"segment"`
	Payload   map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		SessionID: e.SessionID,
		Combatant: e.Combatant,
		Turn:      e.Turn,
		Segment:   e.Segment,
		Payload:   decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
