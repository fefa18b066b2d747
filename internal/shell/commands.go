package shell

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"heroinit/internal/engine"
)

// commands builds a fresh command tree so flag values never leak between lines.
func (sh *Shell) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "hero_init",
		Short:         "HERO System initiative tracker",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		sh.addCmd(),
		sh.delCmd(),
		sh.nextCmd(),
		sh.abortCmd(),
		sh.chspdCmd(),
		sh.skipCmd(),
		sh.dmgCmd(),
		sh.healCmd(),
		sh.statusCmd(),
		sh.setpcCmd(),
		sh.setrecCmd(),
		sh.lightningCmd(),
		sh.lsCmd(),
		sh.lssegCmd(),
		sh.nowCmd(),
		sh.runCmd(),
		sh.serverCmd(),
		sh.exitCmd(),
	)
	return root
}

// positional returns a command whose arguments are never parsed as flags,
// so negative numbers pass through.
func positional(use, short string, args cobra.PositionalArgs, run func(cmd *cobra.Command, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:                use,
		Short:              short,
		Args:               args,
		DisableFlagParsing: true,
		RunE:               run,
	}
}

func atoi(what, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", what, v)
	}
	return n, nil
}

// splitLongFlags separates --name value and --name=value pairs from the
// positional words so negative numbers such as -1 stay positional.
func splitLongFlags(args []string) (positional, flags []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			return append(positional, args[i+1:]...), flags
		case strings.HasPrefix(a, "--"):
			flags = append(flags, a)
			if !strings.Contains(a, "=") && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		default:
			positional = append(positional, a)
		}
	}
	return positional, flags
}

func (sh *Shell) addCmd() *cobra.Command {
	var kind, status, display string
	var rec int
	cmd := &cobra.Command{
		Use:                "add <name> <spd> <dex> <stun> <body> <end>",
		Short:              "Add a combatant; counters take max or cur/max",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, raw []string) error {
			args, flags := splitLongFlags(raw)
			if err := cmd.Flags().Parse(flags); err != nil {
				return err
			}
			if err := cobra.ExactArgs(6)(cmd, args); err != nil {
				return err
			}
			spd, err := atoi("spd", args[1])
			if err != nil {
				return err
			}
			dex, err := atoi("dex", args[2])
			if err != nil {
				return err
			}
			spec := engine.CombatantSpec{Name: args[0], DisplayName: display, Speed: spd, Reflex: dex, Status: status, Recovery: rec}
			for i, dst := range []*engine.Counter{&spec.Stun, &spec.Body, &spec.End} {
				c, err := engine.ParseCounter(args[3+i])
				if err != nil {
					return err
				}
				*dst = c
			}
			k, err := engine.ParseKind(kind)
			if err != nil {
				return err
			}
			spec.Kind = k
			c, err := sh.sess.Add(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(sh.out, "Added %s (SPD %d, DEX %d)\n", c.Name, c.Speed, c.Reflex)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "PC", "PC or NPC")
	cmd.Flags().StringVar(&status, "status", "", "status text")
	cmd.Flags().IntVar(&rec, "rec", 0, "recovery (REC)")
	cmd.Flags().StringVar(&display, "display", "", "display name shown beside the lookup name")
	return cmd
}

func (sh *Shell) delCmd() *cobra.Command {
	cmd := positional("del <name>", "Remove a combatant", cobra.ExactArgs(1), func(cmd *cobra.Command, args []string) error {
		name, err := sh.sess.Remove(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Removed %s\n", name)
		return nil
	})
	cmd.Aliases = []string{"rm"}
	return cmd
}

func (sh *Shell) nextCmd() *cobra.Command {
	cmd := positional("next", "Advance to the next acting combatant", cobra.NoArgs, func(cmd *cobra.Command, args []string) error {
		step := sh.sess.Advance(cmd.Context())
		sh.printStep(step)
		return nil
	})
	cmd.Aliases = []string{"n"}
	return cmd
}

func (sh *Shell) abortCmd() *cobra.Command {
	return positional("abort <name>", "Abort the combatant's next phase", cobra.ExactArgs(1), func(cmd *cobra.Command, args []string) error {
		name, step, err := sh.sess.Abort(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%s aborts.\n", name)
		if step.TurnRolled || step.Actor != "" {
			sh.printStep(step)
		}
		return nil
	})
}

func (sh *Shell) chspdCmd() *cobra.Command {
	cmd := positional("chspd <name> <spd>", "Change a combatant's SPD", cobra.ExactArgs(2), func(cmd *cobra.Command, args []string) error {
		spd, err := atoi("spd", args[1])
		if err != nil {
			return err
		}
		c, err := sh.sess.ChangeSpeed(cmd.Context(), args[0], spd)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%s is now SPD %d: %s\n", c.Name, c.Speed, segmentStrip(c.Segments))
		return nil
	})
	cmd.Aliases = []string{"setspd"}
	return cmd
}

func (sh *Shell) skipCmd() *cobra.Command {
	return positional("skip <segment>", "Jump ahead to a segment", cobra.ExactArgs(1), func(cmd *cobra.Command, args []string) error {
		seg, err := atoi("segment", args[0])
		if err != nil {
			return err
		}
		step, err := sh.sess.SkipTo(cmd.Context(), seg)
		if err != nil {
			return err
		}
		sh.printStep(step)
		return nil
	})
}

func (sh *Shell) delta(cmd *cobra.Command, args []string, sign int) error {
	amt, err := atoi("amount", args[1])
	if err != nil {
		return err
	}
	counter := string(engine.Stun)
	if len(args) == 3 {
		counter = args[2]
	}
	c, err := sh.sess.ApplyDelta(cmd.Context(), args[0], counter, sign*amt)
	if err != nil {
		return err
	}
	name, _ := engine.ParseCounterName(counter)
	fmt.Fprintf(sh.out, "%s %s: %s\n", c.Name, name, counterOf(c, name))
	return nil
}

func (sh *Shell) dmgCmd() *cobra.Command {
	cmd := positional("dmg <name> <amount> [counter]", "Damage STUN, BODY or END", cobra.RangeArgs(2, 3), func(cmd *cobra.Command, args []string) error {
		return sh.delta(cmd, args, 1)
	})
	cmd.Aliases = []string{"d"}
	return cmd
}

func (sh *Shell) healCmd() *cobra.Command {
	return positional("heal <name> <amount> [counter]", "Restore STUN, BODY or END up to max", cobra.RangeArgs(2, 3), func(cmd *cobra.Command, args []string) error {
		return sh.delta(cmd, args, -1)
	})
}

func (sh *Shell) statusCmd() *cobra.Command {
	return positional("status <name> <text...>", "Set free-form status text", cobra.MinimumNArgs(1), func(cmd *cobra.Command, args []string) error {
		_, err := sh.sess.SetStatus(cmd.Context(), args[0], strings.Join(args[1:], " "))
		return err
	})
}

func (sh *Shell) setpcCmd() *cobra.Command {
	return positional("setpc <name> <true|false>", "Mark a combatant as PC or NPC", cobra.ExactArgs(2), func(cmd *cobra.Command, args []string) error {
		isPC, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("expected true or false, got %q", args[1])
		}
		kind := engine.KindNPC
		if isPC {
			kind = engine.KindPC
		}
		_, err = sh.sess.SetKind(cmd.Context(), args[0], kind)
		return err
	})
}

func (sh *Shell) setrecCmd() *cobra.Command {
	return positional("setrec <name> <rec>", "Set a combatant's recovery", cobra.ExactArgs(2), func(cmd *cobra.Command, args []string) error {
		rec, err := atoi("rec", args[1])
		if err != nil {
			return err
		}
		_, err = sh.sess.SetRecovery(cmd.Context(), args[0], rec)
		return err
	})
}

func (sh *Shell) lightningCmd() *cobra.Command {
	return positional("lightning <name> <bonus|off> [description...]", "Lightning Reflexes: DEX bonus for the next phase", cobra.MinimumNArgs(2), func(cmd *cobra.Command, args []string) error {
		if strings.EqualFold(args[1], "off") {
			c, err := sh.sess.ClearOverride(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(sh.out, "%s acts at DEX %d next phase\n", c.Name, c.Reflex)
			return nil
		}
		bonus, err := atoi("bonus", args[1])
		if err != nil {
			return err
		}
		c, err := sh.sess.SetOverride(cmd.Context(), args[0], bonus, strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%s acts at DEX %d next phase\n", c.Name, c.Reflex+bonus)
		return nil
	})
}

func (sh *Shell) lsCmd() *cobra.Command {
	return positional("ls", "List all combatants", cobra.NoArgs, func(cmd *cobra.Command, args []string) error {
		sh.printCombatants(sh.sess.Combatants())
		return nil
	})
}

func (sh *Shell) lssegCmd() *cobra.Command {
	return positional("lsseg", "List combatants acting this segment", cobra.NoArgs, func(cmd *cobra.Command, args []string) error {
		sh.printCombatants(sh.sess.Acting())
		return nil
	})
}

func (sh *Shell) nowCmd() *cobra.Command {
	return positional("now", "Show the current turn, segment and actor", cobra.NoArgs, func(cmd *cobra.Command, args []string) error {
		st := sh.sess.Status()
		actor := st.Current
		if actor == "" {
			actor = "-"
		}
		fmt.Fprintf(sh.out, "Turn %d, segment %d, acting: %s\n", st.Turn, st.Segment, actor)
		return nil
	})
}

func (sh *Shell) runCmd() *cobra.Command {
	return positional("run <file>", "Run commands from a file", cobra.ExactArgs(1), func(cmd *cobra.Command, args []string) error {
		return sh.RunScript(cmd.Context(), args[0])
	})
}

func (sh *Shell) serverCmd() *cobra.Command {
	return positional("server <start|stop>", "Start or stop the status service", cobra.ExactArgs(1), func(cmd *cobra.Command, args []string) error {
		if sh.server == nil {
			return fmt.Errorf("no status service configured")
		}
		switch args[0] {
		case "start":
			if sh.server.Running() {
				return fmt.Errorf("server has already been started")
			}
			addr, err := sh.server.Start()
			if err != nil {
				return err
			}
			fmt.Fprintf(sh.out, "Serving status on http://%s\n", addr)
		case "stop":
			if !sh.server.Running() {
				return fmt.Errorf("server is not running")
			}
			if err := sh.server.Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(sh.out, "Server stopped")
		default:
			return fmt.Errorf("expected start or stop, got %q", args[0])
		}
		return nil
	})
}

func (sh *Shell) exitCmd() *cobra.Command {
	cmd := positional("exit", "Leave the tracker", cobra.NoArgs, func(cmd *cobra.Command, args []string) error {
		return ErrExit
	})
	cmd.Aliases = []string{"quit"}
	return cmd
}
