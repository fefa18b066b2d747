package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"heroinit/internal/config"
	"heroinit/internal/domain"
	"heroinit/internal/engine"
	"heroinit/internal/events"
	"heroinit/internal/logging"
	"heroinit/internal/metrics"
	"heroinit/internal/publish"
)

// Session is the single serialization point around one engine. The shell,
// the HTTP server and the webhook dispatcher all go through it.
type Session struct {
	mu      sync.Mutex
	eng     *engine.Engine
	id      string
	journal events.Writer
	pub     publish.Publisher
	metrics *metrics.Metrics
	log     *slog.Logger

	// hookEntries collects journal rows produced inside the inter-turn hook.
	hookEntries []events.Entry
	flush       flushOrder
}

type SessionOptions struct {
	ID                 string
	Journal            events.Writer
	Publisher          publish.Publisher
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
	PostTwelveRecovery bool
}

func NewSession(opts SessionOptions) *Session {
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	s := &Session{
		eng:     engine.New(),
		id:      opts.ID,
		journal: opts.Journal,
		pub:     opts.Publisher,
		metrics: opts.Metrics,
		log:     log.With("session", opts.ID),
	}
	if s.journal.SessionID == "" {
		s.journal.SessionID = opts.ID
	}
	if opts.PostTwelveRecovery {
		s.eng.SetInterTurnHook(s.postTwelveRecovery)
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

// postTwelveRecovery restores REC STUN and END to everyone with a recovery
// value. It runs inside the engine rollover with the session lock held.
func (s *Session) postTwelveRecovery() error {
	turn, seg := s.eng.Now()
	for _, c := range s.eng.Snapshot().Combatants {
		if c.Recovery <= 0 {
			continue
		}
		stun, err := s.eng.ApplyDelta(c.Name, string(engine.Stun), -c.Recovery)
		if err != nil {
			return err
		}
		end, err := s.eng.ApplyDelta(c.Name, string(engine.End), -c.Recovery)
		if err != nil {
			return err
		}
		s.hookEntries = append(s.hookEntries, events.Entry{
			Type:      events.CombatantRecovery,
			Combatant: c.Name,
			Turn:      turn,
			Segment:   seg,
			Payload:   events.EventPayload{"rec": c.Recovery, "stun": stun.String(), "end": end.String()},
		})
	}
	return nil
}

// mutate runs fn under the lock and, when it succeeds, journals its entries,
// publishes the new snapshot and updates metrics. Journal and publish I/O
// happen after the lock is released, in the order the commands committed.
func (s *Session) mutate(ctx context.Context, command string, fn func() ([]events.Entry, error)) error {
	started := time.Now()
	s.mu.Lock()
	entries, err := fn()
	s.metrics.Observe(command, started, err)
	if err != nil {
		s.mu.Unlock()
		s.log.Debug("command rejected", "command", command, "error", err)
		return err
	}
	turn, seg := s.eng.Now()
	entries = append(s.hookEntries, entries...)
	s.hookEntries = nil
	for i := range entries {
		if entries[i].Turn == 0 {
			entries[i].Turn, entries[i].Segment = turn, seg
		}
	}
	s.metrics.SetPosition(turn, seg, s.eng.Len())
	var view domain.Status
	if s.pub != nil {
		view = s.eng.Snapshot().View()
	}
	ticket := s.flush.take()
	s.mu.Unlock()

	s.flush.wait(ticket)
	defer s.flush.done()
	for _, e := range entries {
		if _, err := s.journal.Append(ctx, e); err != nil {
			s.log.Warn("journal append failed", "type", e.Type, "error", err)
		}
	}
	if s.pub != nil {
		if err := s.pub.Publish(ctx, view); err != nil {
			s.log.Warn("publish failed", "error", err)
		}
	}
	s.log.Debug(command, "turn", turn, "segment", seg)
	return nil
}

// flushOrder hands out tickets under the session lock so commands write
// their journal rows and snapshots in commit order without holding it.
type flushOrder struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
	turn uint64
}

func (f *flushOrder) take() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.next
	f.next++
	return t
}

func (f *flushOrder) wait(ticket uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cond == nil {
		f.cond = sync.NewCond(&f.mu)
	}
	for f.turn != ticket {
		f.cond.Wait()
	}
}

func (f *flushOrder) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turn++
	if f.cond != nil {
		f.cond.Broadcast()
	}
}

func (s *Session) stepEntries(kind string, step engine.Step, payload events.EventPayload) []events.Entry {
	var out []events.Entry
	for _, name := range step.Skipped {
		out = append(out, events.Entry{Type: events.PhaseAbort, Combatant: name, Turn: step.Turn, Segment: step.Segment,
			Payload: events.EventPayload{"consumed": true}})
	}
	if step.TurnRolled {
		out = append(out, events.Entry{Type: events.TurnRollover, Turn: step.Turn})
	}
	if step.HookErr != nil {
		s.metrics.HookWarning()
		s.log.Warn("inter-turn hook failed", "turn", step.Turn, "error", step.HookErr)
		out = append(out, events.Entry{Type: events.HookWarning, Turn: step.Turn,
			Payload: events.EventPayload{"error": step.HookErr.Error()}})
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["actor"] = step.Actor
	out = append(out, events.Entry{Type: kind, Combatant: step.Actor, Turn: step.Turn, Segment: step.Segment, Payload: payload})
	return out
}

// Add inserts a combatant.
func (s *Session) Add(ctx context.Context, spec engine.CombatantSpec) (domain.Combatant, error) {
	var out domain.Combatant
	spec.Name = strings.TrimSpace(spec.Name)
	err := s.mutate(ctx, "add", func() ([]events.Entry, error) {
		if err := s.eng.Add(spec); err != nil {
			return nil, err
		}
		c, err := s.eng.Get(spec.Name)
		if err != nil {
			return nil, err
		}
		out = c.View()
		return []events.Entry{{Type: events.CombatantAdd, Combatant: c.Name, Payload: events.EventPayload{
			"spd": c.Speed, "dex": c.Reflex, "stun": c.Stun.String(), "body": c.Body.String(), "end": c.End.String(), "kind": string(c.Kind),
		}}}, nil
	})
	return out, err
}

// Remove deletes a combatant and returns the resolved name.
func (s *Session) Remove(ctx context.Context, key string) (string, error) {
	var name string
	err := s.mutate(ctx, "remove", func() ([]events.Entry, error) {
		n, err := s.eng.Remove(key)
		if err != nil {
			return nil, err
		}
		name = n
		return []events.Entry{{Type: events.CombatantRemove, Combatant: n}}, nil
	})
	return name, err
}

// Advance moves to the next actor.
func (s *Session) Advance(ctx context.Context) domain.Step {
	var out domain.Step
	_ = s.mutate(ctx, "next", func() ([]events.Entry, error) {
		step := s.eng.Advance()
		out = step.View()
		return s.stepEntries(events.TurnAdvance, step, nil), nil
	})
	return out
}

// Abort forfeits the combatant's next unresolved phase and returns the
// resolved name.
func (s *Session) Abort(ctx context.Context, key string) (string, domain.Step, error) {
	var out domain.Step
	var resolved string
	err := s.mutate(ctx, "abort", func() ([]events.Entry, error) {
		name, err := s.eng.Resolve(key)
		if err != nil {
			return nil, err
		}
		resolved = name
		before, _ := s.eng.Current()
		step, err := s.eng.AbortPhase(name)
		if err != nil {
			return nil, err
		}
		out = step.View()
		entries := []events.Entry{{Type: events.PhaseAbort, Combatant: name, Payload: events.EventPayload{"acting": before == name}}}
		if before == name {
			entries = append(entries, s.stepEntries(events.TurnAdvance, step, nil)...)
		}
		return entries, nil
	})
	return resolved, out, err
}

// SkipTo jumps the cursor forward to segment.
func (s *Session) SkipTo(ctx context.Context, segment int) (domain.Step, error) {
	var out domain.Step
	err := s.mutate(ctx, "skip", func() ([]events.Entry, error) {
		step, err := s.eng.SkipTo(segment)
		if err != nil {
			return nil, err
		}
		out = step.View()
		return s.stepEntries(events.SegmentSkip, step, events.EventPayload{"target": segment}), nil
	})
	return out, err
}

// edit applies fn to one combatant and returns its new view.
func (s *Session) edit(ctx context.Context, command, evtType, key string, payload events.EventPayload, fn func(name string) error) (domain.Combatant, error) {
	var out domain.Combatant
	err := s.mutate(ctx, command, func() ([]events.Entry, error) {
		name, err := s.eng.Resolve(key)
		if err != nil {
			return nil, err
		}
		if err := fn(name); err != nil {
			return nil, err
		}
		c, err := s.eng.Get(name)
		if err != nil {
			return nil, err
		}
		out = c.View()
		return []events.Entry{{Type: evtType, Combatant: name, Payload: payload}}, nil
	})
	return out, err
}

func (s *Session) ChangeSpeed(ctx context.Context, key string, speed int) (domain.Combatant, error) {
	return s.edit(ctx, "chspd", events.CombatantSpeed, key, events.EventPayload{"spd": speed}, func(name string) error {
		return s.eng.ChangeSpeed(name, speed)
	})
}

// ApplyDelta subtracts amount from counter; negative amounts heal.
func (s *Session) ApplyDelta(ctx context.Context, key, counter string, amount int) (domain.Combatant, error) {
	payload := events.EventPayload{"counter": counter, "amount": amount}
	return s.edit(ctx, "delta", events.CombatantDelta, key, payload, func(name string) error {
		c, err := s.eng.ApplyDelta(name, counter, amount)
		if err != nil {
			return err
		}
		payload["value"] = c.String()
		return nil
	})
}

func (s *Session) SetStatus(ctx context.Context, key, text string) (domain.Combatant, error) {
	return s.edit(ctx, "status", events.CombatantStatus, key, events.EventPayload{"status": text}, func(name string) error {
		return s.eng.SetStatus(name, text)
	})
}

func (s *Session) SetKind(ctx context.Context, key string, kind engine.Kind) (domain.Combatant, error) {
	return s.edit(ctx, "setpc", events.CombatantKind, key, events.EventPayload{"kind": string(kind)}, func(name string) error {
		return s.eng.SetKind(name, kind)
	})
}

func (s *Session) SetRecovery(ctx context.Context, key string, rec int) (domain.Combatant, error) {
	return s.edit(ctx, "setrec", events.CombatantRecovery, key, events.EventPayload{"rec": rec}, func(name string) error {
		return s.eng.SetRecovery(name, rec)
	})
}

// SetOverride arms a one-shot reflex bonus for the combatant's next phase.
func (s *Session) SetOverride(ctx context.Context, key string, bonus int, note string) (domain.Combatant, error) {
	return s.edit(ctx, "lightning", events.CombatantOverride, key, events.EventPayload{"bonus": bonus, "note": note}, func(name string) error {
		return s.eng.SetOverride(name, bonus, note)
	})
}

func (s *Session) ClearOverride(ctx context.Context, key string) (domain.Combatant, error) {
	return s.edit(ctx, "lightning", events.CombatantOverride, key, events.EventPayload{"cleared": true}, func(name string) error {
		return s.eng.ClearOverride(name)
	})
}

// Status returns a detached snapshot of the whole session.
func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng.Snapshot().View()
}

func (s *Session) Combatants() []domain.Combatant {
	return s.Status().Combatants
}

func (s *Session) Combatant(key string) (domain.Combatant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.eng.Get(key)
	if err != nil {
		return domain.Combatant{}, err
	}
	return c.View(), nil
}

// PCs lists player characters only.
func (s *Session) PCs() []domain.Combatant {
	var out []domain.Combatant
	for _, c := range s.Combatants() {
		if c.Kind == string(engine.KindPC) {
			out = append(out, c)
		}
	}
	return out
}

// PC looks up a player character; NPCs are reported as not found.
func (s *Session) PC(key string) (domain.Combatant, error) {
	c, err := s.Combatant(key)
	if err != nil {
		return c, err
	}
	if c.Kind != string(engine.KindPC) {
		return domain.Combatant{}, fmt.Errorf("%w: %s is not a PC", engine.ErrNotFound, c.Name)
	}
	return c, nil
}

// Acting lists combatants due in the current segment, highest reflex first.
func (s *Session) Acting() []domain.Combatant {
	s.mu.Lock()
	defer s.mu.Unlock()
	acting := s.eng.Acting()
	out := make([]domain.Combatant, 0, len(acting))
	for _, c := range acting {
		out = append(out, c.View())
	}
	return out
}

// SpecFromRoster converts a roster entry to an add request.
func SpecFromRoster(entry config.RosterEntry) (engine.CombatantSpec, error) {
	spec := engine.CombatantSpec{
		Name:        entry.Name,
		DisplayName: entry.DisplayName,
		Speed:       entry.Speed,
		Reflex:      entry.Dex,
		Status:      entry.Status,
		Recovery:    entry.Recovery,
	}
	kind, err := engine.ParseKind(entry.Kind)
	if err != nil {
		return spec, err
	}
	spec.Kind = kind
	for _, f := range []struct {
		raw string
		dst *engine.Counter
	}{{entry.Stun, &spec.Stun}, {entry.Body, &spec.Body}, {entry.End, &spec.End}} {
		if f.raw == "" {
			continue
		}
		c, err := engine.ParseCounter(f.raw)
		if err != nil {
			return spec, fmt.Errorf("roster %s: %w", entry.Name, err)
		}
		*f.dst = c
	}
	return spec, nil
}

// LoadRoster adds every roster entry in order and stops at the first failure.
func (s *Session) LoadRoster(ctx context.Context, roster []config.RosterEntry) error {
	for _, entry := range roster {
		spec, err := SpecFromRoster(entry)
		if err != nil {
			return err
		}
		if _, err := s.Add(ctx, spec); err != nil {
			return fmt.Errorf("roster %s: %w", entry.Name, err)
		}
	}
	return nil
}
