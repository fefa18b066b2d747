package domain

type Counter struct {
	Cur int `json:"cur"`
	Max int `json:"max"`
}

type Override struct {
	Bonus int    `json:"bonus"`
	Note  string `json:"note,omitempty"`
}

type Combatant struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Speed       int       `json:"spd" minimum:"0" maximum:"12"`
	Reflex      int       `json:"dex"`
	Stun        Counter   `json:"stun"`
	Body        Counter   `json:"body"`
	End         Counter   `json:"end"`
	Recovery    int       `json:"rec,omitempty"`
	Segments    []string  `json:"seg" doc:"Segment states 1..12: none, future, now, past, abort"`
	Next        int       `json:"next" doc:"Earliest segment still due this turn; 0 when none"`
	Status      string    `json:"status"`
	Kind        string    `json:"kind" enum:"PC,NPC"`
	Current     bool      `json:"current"`
	Override    *Override `json:"override,omitempty"`
}

type Status struct {
	Turn       int         `json:"turn"`
	Segment    int         `json:"segment" doc:"0 is the inter-turn marker"`
	Current    string      `json:"current,omitempty"`
	Combatants []Combatant `json:"combatants"`
}

type Step struct {
	Turn       int      `json:"turn"`
	Segment    int      `json:"segment"`
	Actor      string   `json:"actor,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	TurnRolled bool     `json:"turn_rolled,omitempty"`
	Warning    string   `json:"warning,omitempty"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Combatant string `json:"combatant,omitempty"`
	Turn      int    `json:"turn"`
	Segment   int    `json:"segment"`
	Payload   string `json:"payload_json"`
}

type Session struct {
	ID        string `json:"id"`
	StartedAt string `json:"started_at" format:"date-time"`
	Source    string `json:"source,omitempty"`
}
