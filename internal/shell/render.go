package shell

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"heroinit/internal/domain"
	"heroinit/internal/engine"
)

var segmentGlyphs = map[string]string{
	"none":   ".",
	"future": "x",
	"now":    ">",
	"past":   "-",
	"abort":  "a",
}

// segmentStrip renders twelve segment states as one glyph each.
func segmentStrip(segs []string) string {
	cells := make([]string, len(segs))
	for i, s := range segs {
		g, ok := segmentGlyphs[s]
		if !ok {
			g = "?"
		}
		cells[i] = g
	}
	return strings.Join(cells, " ")
}

func counterOf(c domain.Combatant, name engine.CounterName) string {
	var v domain.Counter
	switch name {
	case engine.Body:
		v = c.Body
	case engine.End:
		v = c.End
	default:
		v = c.Stun
	}
	return fmt.Sprintf("%d/%d", v.Cur, v.Max)
}

func (sh *Shell) printCombatants(items []domain.Combatant) {
	RenderCombatants(sh.out, items)
}

// RenderCombatants writes the roster table with the acting marker and the
// twelve-segment strip.
func RenderCombatants(w io.Writer, items []domain.Combatant) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"", "Name", "SPD", "DEX", "STUN", "BODY", "END", "REC", "Kind", "Next", "1 2 3 4 5 6 7 8 9 0 1 2", "Status"})
	for _, c := range items {
		marker := ""
		if c.Current {
			marker = "*"
		}
		dex := fmt.Sprintf("%d", c.Reflex)
		if c.Override != nil {
			dex = fmt.Sprintf("%d+%d", c.Reflex, c.Override.Bonus)
		}
		name := c.Name
		if c.DisplayName != "" {
			name = fmt.Sprintf("%s (%s)", c.Name, c.DisplayName)
		}
		next := "-"
		if c.Next > 0 {
			next = fmt.Sprintf("%d", c.Next)
		}
		tw.AppendRow(table.Row{
			marker, name, c.Speed, dex,
			counterOf(c, engine.Stun), counterOf(c, engine.Body), counterOf(c, engine.End),
			c.Recovery, c.Kind, next, segmentStrip(c.Segments), c.Status,
		})
	}
	tw.Render()
}

func (sh *Shell) printStep(step domain.Step) {
	for _, name := range step.Skipped {
		fmt.Fprintf(sh.out, "%s's aborted phase is skipped\n", name)
	}
	if step.TurnRolled {
		fmt.Fprintf(sh.out, "=== Post-segment 12: turn %d begins ===\n", step.Turn)
	}
	if step.Warning != "" {
		fmt.Fprintf(sh.out, "[WARN] %s\n", step.Warning)
	}
	if step.Actor == "" {
		return
	}
	fmt.Fprintf(sh.out, "Turn %d, segment %d: %s acts\n", step.Turn, step.Segment, step.Actor)
	sh.printCombatants(sh.sess.Acting())
}
