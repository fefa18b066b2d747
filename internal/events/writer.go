package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	CombatantAdd      = "combatant.add"
	CombatantRemove   = "combatant.remove"
	CombatantSpeed    = "combatant.speed"
	CombatantDelta    = "combatant.delta"
	CombatantStatus   = "combatant.status"
	CombatantKind     = "combatant.kind"
	CombatantRecovery = "combatant.recovery"
	CombatantOverride = "combatant.override"
	TurnAdvance       = "turn.advance"
	TurnRollover      = "turn.rollover"
	PhaseAbort        = "phase.abort"
	SegmentSkip       = "segment.skip"
	HookWarning       = "hook.warning"
)

// Writer appends journal rows for one session.
type Writer struct {
	DB        *sql.DB
	SessionID string
	Now       func() time.Time
}

type EventPayload map[string]any

// Entry is one journal row before it is written.
type Entry struct {
	Type      string
	Combatant string
	Turn      int
	Segment   int
	Payload   EventPayload
}

// Append writes e and returns its id.
func (w Writer) Append(ctx context.Context, e Entry) (int64, error) {
	if w.DB == nil {
		return 0, nil
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,session_id,combatant,turn,segment,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, w.SessionID, nullable(e.Combatant), e.Turn, e.Segment, string(data))
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", e.Type, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
