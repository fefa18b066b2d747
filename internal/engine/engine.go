package engine

import (
	"fmt"
	"strings"
)

// Engine tracks turn order for one combat. It is not safe for concurrent
// use; callers serialize access (see app.Session).
type Engine struct {
	turn    int
	segment int
	current string

	order  []string
	byName map[string]*combatant

	hook func() error
}

// Step describes where an Advance (or an operation that advances) stopped.
type Step struct {
	Turn    int
	Segment int
	// Actor is empty when the step stopped at the inter-turn marker.
	Actor string
	// Skipped lists combatants whose aborted phases were consumed on the way.
	Skipped    []string
	TurnRolled bool
	// HookErr is a non-fatal failure of the inter-turn hook.
	HookErr error
}

// New returns an engine at turn 1, inter-turn marker.
func New() *Engine {
	return &Engine{
		turn:   1,
		byName: make(map[string]*combatant),
	}
}

// SetInterTurnHook installs fn to run once per turn boundary, after the
// cursor rolls to the inter-turn marker and before schedules are re-derived.
// fn may add, remove or edit combatants but must not advance the engine.
func (e *Engine) SetInterTurnHook(fn func() error) {
	e.hook = fn
}

// Now returns the cursor.
func (e *Engine) Now() (turn, segment int) {
	return e.turn, e.segment
}

// Current returns the acting combatant, if any.
func (e *Engine) Current() (string, bool) {
	return e.current, e.current != ""
}

// Len returns the number of combatants.
func (e *Engine) Len() int {
	return len(e.order)
}

// Add inserts a new combatant. Joining mid-turn never grants phases in
// segments the cursor has already left.
func (e *Engine) Add(spec CombatantSpec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRange)
	}
	if _, ok := e.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	if _, err := ScheduleFor(spec.Speed); err != nil {
		return err
	}
	if spec.Kind != "" {
		if _, err := ParseKind(string(spec.Kind)); err != nil {
			return err
		}
	}
	spec.Name = name
	c := newCombatant(spec)
	for seg := 1; seg < e.segment; seg++ {
		if c.cell(seg) != None {
			c.setCell(seg, Past)
		}
	}
	e.order = append(e.order, name)
	e.byName[name] = c
	return nil
}

// Remove deletes a combatant. Removing the current actor clears the
// current actor without advancing.
func (e *Engine) Remove(key string) (string, error) {
	c, err := e.lookup(key)
	if err != nil {
		return "", err
	}
	delete(e.byName, c.name)
	for i, name := range e.order {
		if name == c.name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if e.current == c.name {
		e.current = ""
	}
	return c.name, nil
}

// Resolve maps a key to a combatant name: exact match first, then a unique prefix.
func (e *Engine) Resolve(key string) (string, error) {
	c, err := e.lookup(key)
	if err != nil {
		return "", err
	}
	return c.name, nil
}

func (e *Engine) lookup(key string) (*combatant, error) {
	if c, ok := e.byName[key]; ok {
		return c, nil
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty name", ErrNotFound)
	}
	var match *combatant
	for _, name := range e.order {
		if !strings.HasPrefix(name, key) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: %q is ambiguous", ErrNotFound, key)
		}
		match = e.byName[name]
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return match, nil
}

// Advance closes the current actor's phase and selects the next actor.
func (e *Engine) Advance() Step {
	if c, ok := e.byName[e.current]; ok && e.segment > 0 {
		c.setCell(e.segment, Past)
	}
	e.current = ""
	return e.selectNext()
}

// selectNext walks the cursor forward until someone with a FUTURE cell is
// selected or the turn rolls over. Each pass either moves the cursor, burns
// one ABORT cell, or returns, so the loop ends after at most
// 12 + combatants*12 passes.
func (e *Engine) selectNext() Step {
	var step Step
	for {
		var best *combatant
		if e.segment > 0 {
			for _, name := range e.order {
				c := e.byName[name]
				if !c.cell(e.segment).pending() {
					continue
				}
				if best == nil || c.effectiveReflex() > best.effectiveReflex() {
					best = c
				}
			}
		}
		if best == nil {
			if e.segment == Segments {
				e.rollover(&step)
				return e.stamp(step)
			}
			e.segment++
			continue
		}
		if best.cell(e.segment) == Abort {
			best.setCell(e.segment, Past)
			step.Skipped = append(step.Skipped, best.name)
			continue
		}
		best.setCell(e.segment, Now)
		best.pending = Override{}
		e.current = best.name
		step.Actor = best.name
		return e.stamp(step)
	}
}

func (e *Engine) stamp(step Step) Step {
	step.Turn = e.turn
	step.Segment = e.segment
	return step
}

func (e *Engine) rollover(step *Step) {
	e.turn++
	e.segment = 0
	e.current = ""
	step.TurnRolled = true
	if e.hook != nil {
		step.HookErr = e.runHook()
	}
	for _, name := range e.order {
		e.byName[name].deriveSegments()
	}
}

func (e *Engine) runHook() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inter-turn hook panicked: %v", r)
		}
	}()
	return e.hook()
}

// AbortPhase forfeits the combatant's next unresolved phase this turn. If the
// combatant is acting right now, the phase simply ends.
func (e *Engine) AbortPhase(key string) (Step, error) {
	c, err := e.lookup(key)
	if err != nil {
		return Step{}, err
	}
	if e.segment > 0 {
		switch c.cell(e.segment) {
		case Past:
			return Step{}, fmt.Errorf("%w: %s already resolved segment %d", ErrInvalidState, c.name, e.segment)
		case Now:
			return e.Advance(), nil
		}
	}
	seg := c.nextFuture()
	if seg == 0 {
		return Step{}, fmt.Errorf("%w: %s has no phase left to abort this turn", ErrInvalidState, c.name)
	}
	c.setCell(seg, Abort)
	return e.stamp(Step{Actor: e.current}), nil
}

// SkipTo resolves everything before segment and selects whoever is due there.
// The target must be ahead of the cursor.
func (e *Engine) SkipTo(segment int) (Step, error) {
	if segment < 1 || segment > Segments {
		return Step{}, fmt.Errorf("%w: segment %d outside 1..%d", ErrInvalidRange, segment, Segments)
	}
	if segment <= e.segment {
		return Step{}, fmt.Errorf("%w: segment %d is not ahead of segment %d", ErrInvalidRange, segment, e.segment)
	}
	for _, name := range e.order {
		c := e.byName[name]
		for seg := 1; seg < segment; seg++ {
			if c.cell(seg) != None {
				c.setCell(seg, Past)
			}
		}
	}
	e.segment = segment
	e.current = ""
	return e.selectNext(), nil
}

// ChangeSpeed switches a combatant to a new SPD without reopening
// segment windows that already closed this turn.
func (e *Engine) ChangeSpeed(key string, speed int) error {
	c, err := e.lookup(key)
	if err != nil {
		return err
	}
	return c.changeSpeed(speed, e.segment, e.current == c.name)
}

// ApplyDelta subtracts amount from the named counter (negative heals) and
// returns the new value.
func (e *Engine) ApplyDelta(key, counter string, amount int) (Counter, error) {
	c, err := e.lookup(key)
	if err != nil {
		return Counter{}, err
	}
	name, err := ParseCounterName(counter)
	if err != nil {
		return Counter{}, err
	}
	ctr := c.counter(name)
	ctr.apply(amount)
	return *ctr, nil
}

func (e *Engine) SetStatus(key, text string) error {
	c, err := e.lookup(key)
	if err != nil {
		return err
	}
	c.status = text
	return nil
}

func (e *Engine) SetKind(key string, kind Kind) error {
	c, err := e.lookup(key)
	if err != nil {
		return err
	}
	k, err := ParseKind(string(kind))
	if err != nil {
		return err
	}
	c.kind = k
	return nil
}

func (e *Engine) SetRecovery(key string, rec int) error {
	c, err := e.lookup(key)
	if err != nil {
		return err
	}
	if rec < 0 {
		return fmt.Errorf("%w: recovery %d is negative", ErrInvalidRange, rec)
	}
	c.recovery = rec
	return nil
}

// SetOverride arms a reflex bonus for the combatant's next phase. It is
// consumed when that phase is selected.
func (e *Engine) SetOverride(key string, bonus int, note string) error {
	c, err := e.lookup(key)
	if err != nil {
		return err
	}
	c.pending = Override{Active: true, Bonus: bonus, Note: note}
	return nil
}

func (e *Engine) ClearOverride(key string) error {
	c, err := e.lookup(key)
	if err != nil {
		return err
	}
	c.pending = Override{}
	return nil
}
