package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tells viewers whether a combatant is a player character.
type Kind string

const (
	KindPC  Kind = "PC"
	KindNPC Kind = "NPC"
)

// ParseKind accepts PC/NPC in any case; empty means PC.
func ParseKind(v string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "PC":
		return KindPC, nil
	case "NPC":
		return KindNPC, nil
	default:
		return "", fmt.Errorf("%w: kind %q must be PC or NPC", ErrInvalidRange, v)
	}
}

// CounterName identifies one of the three depletable characteristics.
type CounterName string

const (
	Stun CounterName = "STUN"
	Body CounterName = "BODY"
	End  CounterName = "END"
)

// ParseCounterName resolves STUN/BODY/END or their vitality/structure/endurance aliases.
func ParseCounterName(v string) (CounterName, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "stun", "vitality":
		return Stun, nil
	case "body", "structure":
		return Body, nil
	case "end", "endurance":
		return End, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCounter, v)
	}
}

// Counter is a (current, max) pair. Current never exceeds Max but has no floor.
type Counter struct {
	Current int
	Max     int
}

// NewCounter returns a full counter.
func NewCounter(max int) Counter {
	return Counter{Current: max, Max: max}
}

// ParseCounter reads "cur/max" or a bare "max".
func ParseCounter(v string) (Counter, error) {
	parts := strings.SplitN(v, "/", 2)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	cur, err := strconv.Atoi(parts[0])
	if err != nil {
		return Counter{}, fmt.Errorf("invalid counter %q: %w", v, err)
	}
	if len(parts) == 1 {
		return NewCounter(cur), nil
	}
	max, err := strconv.Atoi(parts[1])
	if err != nil {
		return Counter{}, fmt.Errorf("invalid counter %q: %w", v, err)
	}
	c := Counter{Current: cur, Max: max}
	if c.Current > c.Max {
		c.Current = c.Max
	}
	return c, nil
}

func (c Counter) String() string {
	return fmt.Sprintf("%d/%d", c.Current, c.Max)
}

// apply subtracts amount; negative amounts heal up to Max.
func (c *Counter) apply(amount int) {
	c.Current -= amount
	if c.Current > c.Max {
		c.Current = c.Max
	}
}

// Override is a one-shot reflex bonus for the combatant's next phase
// (e.g. Lightning Reflexes). The zero value means no override.
type Override struct {
	Active bool
	Bonus  int
	Note   string
}

// CombatantSpec carries everything needed to add a combatant.
// DisplayName is free text shown beside the lookup name.
type CombatantSpec struct {
	Name        string
	DisplayName string
	Speed       int
	Reflex      int
	Stun        Counter
	Body        Counter
	End         Counter
	Kind        Kind
	Status      string
	Recovery    int
}

type combatant struct {
	name     string
	display  string
	speed    int
	reflex   int
	stun     Counter
	body     Counter
	end      Counter
	kind     Kind
	status   string
	recovery int
	pending  Override
	segments [Segments]SegmentState
}

func newCombatant(spec CombatantSpec) *combatant {
	kind := spec.Kind
	if kind == "" {
		kind = KindPC
	}
	c := &combatant{
		name:     spec.Name,
		display:  strings.TrimSpace(spec.DisplayName),
		speed:    spec.Speed,
		reflex:   spec.Reflex,
		stun:     spec.Stun,
		body:     spec.Body,
		end:      spec.End,
		kind:     kind,
		status:   spec.Status,
		recovery: spec.Recovery,
	}
	c.deriveSegments()
	return c
}

func deriveFor(sched Schedule) [Segments]SegmentState {
	var out [Segments]SegmentState
	for i, ok := range sched.acts {
		if ok {
			out[i] = Future
		}
	}
	return out
}

// deriveSegments resets the vector for a fresh turn.
func (c *combatant) deriveSegments() {
	c.segments = deriveFor(schedules[c.speed])
}

func (c *combatant) cell(segment int) SegmentState {
	return c.segments[segment-1]
}

func (c *combatant) setCell(segment int, st SegmentState) {
	c.segments[segment-1] = st
}

// changeSpeed swaps in the schedule for speed. Outside the inter-turn
// marker, slots before the first still-open (FUTURE) cell of the old vector
// are closed so no window that already passed can be reopened. A current
// actor keeps its NOW cell.
func (c *combatant) changeSpeed(speed, segment int, current bool) error {
	sched, err := ScheduleFor(speed)
	if err != nil {
		return err
	}
	next := deriveFor(sched)
	if segment != 0 {
		boundary := Segments
		for i, st := range c.segments {
			if st == Future {
				boundary = i
				break
			}
		}
		for i := 0; i < boundary; i++ {
			next[i] = None
		}
		if current {
			next[segment-1] = Now
		}
	}
	c.speed = speed
	c.segments = next
	return nil
}

func (c *combatant) counter(name CounterName) *Counter {
	switch name {
	case Stun:
		return &c.stun
	case Body:
		return &c.body
	case End:
		return &c.end
	}
	return nil
}

func (c *combatant) effectiveReflex() int {
	if c.pending.Active {
		return c.reflex + c.pending.Bonus
	}
	return c.reflex
}

// nextFuture returns the earliest FUTURE segment, or 0.
func (c *combatant) nextFuture() int {
	for i, st := range c.segments {
		if st == Future {
			return i + 1
		}
	}
	return 0
}
