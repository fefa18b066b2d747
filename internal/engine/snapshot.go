package engine

import (
	"sort"

	"heroinit/internal/domain"
)

// CombatantSnapshot is a detached copy of one combatant.
type CombatantSnapshot struct {
	Name     string
	Display  string
	Speed    int
	Reflex   int
	Stun     Counter
	Body     Counter
	End      Counter
	Kind     Kind
	Status   string
	Recovery int
	Override Override
	Segments [Segments]SegmentState
	Current  bool
}

// Segment returns the state at a 1-based segment.
func (c CombatantSnapshot) Segment(segment int) SegmentState {
	if segment < 1 || segment > Segments {
		return None
	}
	return c.Segments[segment-1]
}

// Snapshot is a detached copy of the whole engine.
type Snapshot struct {
	Turn       int
	Segment    int
	Current    string
	Combatants []CombatantSnapshot
}

func (e *Engine) snapshotOf(c *combatant) CombatantSnapshot {
	return CombatantSnapshot{
		Name:     c.name,
		Display:  c.display,
		Speed:    c.speed,
		Reflex:   c.reflex,
		Stun:     c.stun,
		Body:     c.body,
		End:      c.end,
		Kind:     c.kind,
		Status:   c.status,
		Recovery: c.recovery,
		Override: c.pending,
		Segments: c.segments,
		Current:  c.name == e.current,
	}
}

// Snapshot copies the cursor and every combatant in insertion order.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Turn:       e.turn,
		Segment:    e.segment,
		Current:    e.current,
		Combatants: make([]CombatantSnapshot, 0, len(e.order)),
	}
	for _, name := range e.order {
		s.Combatants = append(s.Combatants, e.snapshotOf(e.byName[name]))
	}
	return s
}

// Get returns a snapshot of one combatant.
func (e *Engine) Get(key string) (CombatantSnapshot, error) {
	c, err := e.lookup(key)
	if err != nil {
		return CombatantSnapshot{}, err
	}
	return e.snapshotOf(c), nil
}

// Acting lists combatants still due, or acting, in the current segment,
// highest reflex first.
func (e *Engine) Acting() []CombatantSnapshot {
	var out []CombatantSnapshot
	if e.segment == 0 {
		return out
	}
	for _, name := range e.order {
		c := e.byName[name]
		switch c.cell(e.segment) {
		case Future, Now, Abort:
			out = append(out, e.snapshotOf(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return effective(out[i]) > effective(out[j])
	})
	return out
}

func effective(c CombatantSnapshot) int {
	if c.Override.Active {
		return c.Reflex + c.Override.Bonus
	}
	return c.Reflex
}

// Next is the earliest segment still marked FUTURE this turn, or 0.
func (c CombatantSnapshot) Next() int {
	for i, st := range c.Segments {
		if st == Future {
			return i + 1
		}
	}
	return 0
}

// View converts a combatant snapshot to its JSON shape.
func (c CombatantSnapshot) View() domain.Combatant {
	segs := make([]string, Segments)
	for i, st := range c.Segments {
		segs[i] = st.String()
	}
	v := domain.Combatant{
		Name:        c.Name,
		DisplayName: c.Display,
		Speed:       c.Speed,
		Reflex:      c.Reflex,
		Stun:        domain.Counter{Cur: c.Stun.Current, Max: c.Stun.Max},
		Body:        domain.Counter{Cur: c.Body.Current, Max: c.Body.Max},
		End:         domain.Counter{Cur: c.End.Current, Max: c.End.Max},
		Recovery:    c.Recovery,
		Segments:    segs,
		Next:        c.Next(),
		Status:      c.Status,
		Kind:        string(c.Kind),
		Current:     c.Current,
	}
	if c.Override.Active {
		v.Override = &domain.Override{Bonus: c.Override.Bonus, Note: c.Override.Note}
	}
	return v
}

// View converts the snapshot to its JSON shape.
func (s Snapshot) View() domain.Status {
	out := domain.Status{
		Turn:       s.Turn,
		Segment:    s.Segment,
		Current:    s.Current,
		Combatants: make([]domain.Combatant, 0, len(s.Combatants)),
	}
	for _, c := range s.Combatants {
		out.Combatants = append(out.Combatants, c.View())
	}
	return out
}

// View converts a step to its JSON shape.
func (s Step) View() domain.Step {
	v := domain.Step{
		Turn:       s.Turn,
		Segment:    s.Segment,
		Actor:      s.Actor,
		Skipped:    append([]string(nil), s.Skipped...),
		TurnRolled: s.TurnRolled,
	}
	if s.HookErr != nil {
		v.Warning = s.HookErr.Error()
	}
	return v
}
