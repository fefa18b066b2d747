package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heroinit/internal/config"
	"heroinit/internal/domain"
	"heroinit/internal/engine"
	"heroinit/internal/events"
	"heroinit/internal/repo"
)

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []domain.Status
}

func (p *recordingPublisher) Publish(_ context.Context, s domain.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, s)
	return nil
}

func newRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	rt, err := Bootstrap(context.Background(), cfg, BootstrapOptions{Source: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func spec(name string, spd, dex int) engine.CombatantSpec {
	return engine.CombatantSpec{
		Name: name, Speed: spd, Reflex: dex,
		Stun: engine.NewCounter(30), Body: engine.NewCounter(10), End: engine.NewCounter(30),
	}
}

func TestSessionJournalsCommands(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, nil)
	s := rt.Session

	_, err := s.Add(ctx, spec("Grond", 3, 10))
	require.NoError(t, err)
	_, err = s.Add(ctx, spec("Grond", 3, 10))
	require.ErrorIs(t, err, engine.ErrDuplicateName)

	step := s.Advance(ctx)
	assert.Equal(t, "Grond", step.Actor)
	assert.Equal(t, 4, step.Segment)

	c, err := s.ApplyDelta(ctx, "Gro", "stun", 7)
	require.NoError(t, err)
	assert.Equal(t, 23, c.Stun.Cur)

	evts, err := rt.Repo.EventsAfter(ctx, 10, 0, s.ID())
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, events.CombatantAdd, evts[0].Type)
	assert.Equal(t, events.TurnAdvance, evts[1].Type)
	assert.Equal(t, 4, evts[1].Segment)
	assert.Equal(t, events.CombatantDelta, evts[2].Type)
	assert.Contains(t, evts[2].Payload, `"value":"23/30"`)
}

func TestSessionPublishesAfterMutation(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	s := NewSession(SessionOptions{ID: "pub", Publisher: pub})
	_, err := s.Add(ctx, spec("a", 12, 10))
	require.NoError(t, err)
	s.Advance(ctx)
	_, err = s.Remove(ctx, "zzz")
	require.ErrorIs(t, err, engine.ErrNotFound)

	require.Len(t, pub.statuses, 2)
	assert.Equal(t, "a", pub.statuses[1].Current)
	assert.Equal(t, "now", pub.statuses[1].Combatants[0].Segments[0])
}

func TestAddTrimsNameBeforeJournaling(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, nil)
	s := rt.Session

	c, err := s.Add(ctx, spec(" Bob ", 3, 10))
	require.NoError(t, err)
	assert.Equal(t, "Bob", c.Name)
	_, err = s.Add(ctx, spec("Bob", 3, 10))
	require.ErrorIs(t, err, engine.ErrDuplicateName)

	evts, err := rt.Repo.EventsAfter(ctx, 10, 0, s.ID())
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.CombatantAdd, evts[0].Type)
	assert.Equal(t, "Bob", evts[0].Combatant)
}

type slowPublisher struct {
	recordingPublisher
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func (p *slowPublisher) Publish(ctx context.Context, s domain.Status) error {
	p.once.Do(func() { close(p.started) })
	time.Sleep(p.delay)
	return p.recordingPublisher.Publish(ctx, s)
}

func TestReadsDoNotWaitForPublish(t *testing.T) {
	ctx := context.Background()
	pub := &slowPublisher{delay: 400 * time.Millisecond, started: make(chan struct{})}
	s := NewSession(SessionOptions{ID: "slow", Publisher: pub})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Add(ctx, spec("a", 12, 10))
		s.Advance(ctx)
	}()
	<-pub.started

	began := time.Now()
	st := s.Status()
	assert.Less(t, time.Since(began), 100*time.Millisecond)
	assert.Len(t, st.Combatants, 1)

	<-done
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.statuses, 2)
	assert.Empty(t, pub.statuses[0].Current)
	assert.Equal(t, "a", pub.statuses[1].Current)
}

func TestConcurrentCommandsPublishInCommitOrder(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	s := NewSession(SessionOptions{ID: "order", Publisher: pub})
	_, err := s.Add(ctx, spec("a", 12, 10))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Advance(ctx)
		}()
	}
	wg.Wait()

	require.Len(t, pub.statuses, 25)
	for i := 2; i < len(pub.statuses); i++ {
		prev, cur := pub.statuses[i-1], pub.statuses[i]
		assert.Less(t, prev.Turn*100+prev.Segment, cur.Turn*100+cur.Segment, "publish %d out of order", i)
	}
}

func TestPostTwelveRecovery(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Rules.PostTwelveRecovery = true
	rt := newRuntime(t, cfg)
	s := rt.Session

	a := spec("a", 1, 10)
	a.Recovery = 5
	_, err := s.Add(ctx, a)
	require.NoError(t, err)
	_, err = s.Add(ctx, spec("b", 1, 5))
	require.NoError(t, err)
	_, err = s.ApplyDelta(ctx, "a", "STUN", 20)
	require.NoError(t, err)
	_, err = s.ApplyDelta(ctx, "a", "END", 2)
	require.NoError(t, err)
	_, err = s.ApplyDelta(ctx, "b", "STUN", 20)
	require.NoError(t, err)

	s.Advance(ctx) // a at 7
	s.Advance(ctx) // b at 7
	step := s.Advance(ctx)
	require.True(t, step.TurnRolled)
	assert.Empty(t, step.Warning)

	got, err := s.Combatant("a")
	require.NoError(t, err)
	assert.Equal(t, 15, got.Stun.Cur)
	assert.Equal(t, 30, got.End.Cur, "END clamps at max")
	other, err := s.Combatant("b")
	require.NoError(t, err)
	assert.Equal(t, 10, other.Stun.Cur)

	recs, err := rt.Repo.LatestEvents(ctx, 10, 0, repo.EventFilter{SessionID: s.ID(), Type: events.CombatantRecovery})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Combatant)
	assert.Equal(t, 2, recs[0].Turn)
}

func TestAbortJournalsConsumedPhase(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, nil)
	s := rt.Session
	_, err := s.Add(ctx, spec("brick", 3, 20))
	require.NoError(t, err)
	_, err = s.Add(ctx, spec("speedster", 6, 10))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		s.Advance(ctx)
	}
	name, _, err := s.Abort(ctx, "bri")
	require.NoError(t, err)
	assert.Equal(t, "brick", name)
	step := s.Advance(ctx)
	assert.Equal(t, []string{"brick"}, step.Skipped)

	aborts, err := rt.Repo.LatestEvents(ctx, 10, 0, repo.EventFilter{SessionID: s.ID(), Type: events.PhaseAbort})
	require.NoError(t, err)
	assert.Len(t, aborts, 2)
}

func TestPCFilters(t *testing.T) {
	ctx := context.Background()
	s := NewSession(SessionOptions{ID: "pcs"})
	_, err := s.Add(ctx, spec("Hero", 4, 18))
	require.NoError(t, err)
	villain := spec("Villain", 4, 12)
	villain.Kind = engine.KindNPC
	_, err = s.Add(ctx, villain)
	require.NoError(t, err)

	pcs := s.PCs()
	require.Len(t, pcs, 1)
	assert.Equal(t, "Hero", pcs[0].Name)
	_, err = s.PC("Villain")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = s.SetKind(ctx, "Villain", engine.KindPC)
	require.NoError(t, err)
	assert.Len(t, s.PCs(), 2)
}

func TestLoadRoster(t *testing.T) {
	ctx := context.Background()
	s := NewSession(SessionOptions{ID: "roster"})
	err := s.LoadRoster(ctx, []config.RosterEntry{
		{Name: "Defender", Speed: 4, Dex: 18, Stun: "40", Body: "12", End: "50", Kind: "PC", Recovery: 9},
		{Name: "Grond", Speed: 3, Dex: 10, Stun: "80/90", Body: "25", End: "60", Kind: "NPC"},
	})
	require.NoError(t, err)
	g, err := s.Combatant("Grond")
	require.NoError(t, err)
	assert.Equal(t, domain.Counter{Cur: 80, Max: 90}, g.Stun)
	assert.Equal(t, "NPC", g.Kind)

	err = s.LoadRoster(ctx, []config.RosterEntry{{Name: "Bad", Speed: 3, Stun: "x/y"}})
	assert.Error(t, err)
}

func TestConcurrentAccessKeepsSingleNow(t *testing.T) {
	ctx := context.Background()
	s := NewSession(SessionOptions{ID: "race"})
	for _, n := range []string{"a", "b", "c"} {
		_, err := s.Add(ctx, spec(n, 12, 10))
		require.NoError(t, err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Advance(ctx)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				st := s.Status()
				now := 0
				for _, c := range st.Combatants {
					for _, seg := range c.Segments {
						if seg == "now" {
							now++
						}
					}
				}
				assert.LessOrEqual(t, now, 1)
			}
		}()
	}
	wg.Wait()
}
