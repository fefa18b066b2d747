package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"heroinit/internal/app"
	"heroinit/internal/config"
	"heroinit/internal/db"
	"heroinit/internal/domain"
	"heroinit/internal/engine"
	"heroinit/internal/logging"
	"heroinit/internal/migrate"
	"heroinit/internal/publish"
	"heroinit/internal/repo"
	"heroinit/internal/server"
	"heroinit/internal/shell"
	heroinitsdk "heroinit/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "heroinit",
	Short: "HERO System initiative tracker",
	Long: `heroinit tracks who acts when in a HERO System combat.
Each combatant's SPD picks the segments (1..12) they act in; within a segment
the highest DEX goes first. Phases can be aborted, SPD can change mid-turn
without reopening segments, and the turn rolls over after segment 12.

Without a subcommand heroinit starts the interactive shell.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd, false)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HEROINIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "directory holding "+config.FileName)
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("journal", "", "sqlite journal file (default: config journal.path, or in memory)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for command endpoints (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("journal", rootCmd.PersistentFlags().Lookup("journal"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(speedCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(initCmd())
}

// loadConfig reads the optional workspace config and applies flag and env
// overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("journal"); v != "" {
		cfg.Journal.Path = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

func bootstrap(ctx context.Context, source string) (*app.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Bootstrap(ctx, cfg, app.BootstrapOptions{Source: source, Logger: newLogger(cfg)})
}

func serverConfig(rt *app.Runtime) server.Config {
	return server.Config{
		Session:  rt.Session,
		Repo:     rt.Repo,
		Metrics:  rt.Metrics,
		BasePath: rt.Config.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: rt.Config.Server.JWTSecret},
		Logger:   rt.Logger,
	}
}

func shellCmd() *cobra.Command {
	var serve bool
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive initiative shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, serve)
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "start the status service alongside the shell")
	return cmd
}

func runShell(cmd *cobra.Command, serve bool) error {
	ctx := cmd.Context()
	rt, err := bootstrap(ctx, "shell")
	if err != nil {
		return err
	}
	defer rt.Close()
	svc := server.NewService(rt.Config.Server.Addr, serverConfig(rt), rt.Config.Webhooks)
	defer func() {
		if svc.Running() {
			svc.Stop(context.Background())
		}
	}()
	sh := shell.New(rt.Session, os.Stdout, shell.WithServer(svc))
	if serve {
		if err := sh.Exec(ctx, "server start"); err != nil {
			return err
		}
	}
	return sh.Interactive(ctx)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <file>",
		Short: "Run shell commands from a file; stops at the first failing line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, "run")
			if err != nil {
				return err
			}
			defer rt.Close()
			sh := shell.New(rt.Session, os.Stdout)
			if err := sh.RunScript(ctx, args[0]); err != nil && !errors.Is(err, shell.ErrExit) {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rt.Session.Status())
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP status service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, "serve")
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			cfg := serverConfig(rt)
			if basePath != "" {
				cfg.BasePath = basePath
			}
			handler, err := server.New(cfg)
			if err != nil {
				return err
			}
			if d := server.NewWebhookDispatcher(rt.Repo, rt.Session.ID(), rt.Config.Webhooks, rt.Logger); d != nil {
				go d.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			if cfg.Auth.JWTSecret == "" {
				rt.Logger.Warn("no jwt secret configured; command endpoints are disabled")
			}
			fmt.Printf("Serving heroinit API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, cfg.BasePath, cfg.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default: config server.base_path)")
	return cmd
}

func watchCmd() *cobra.Command {
	var url string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live session from redis or a status service",
		Long: `watch subscribes to the redis channel when publish.redis.addr is configured.
With --url it polls the status service instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if url == "" && cfg.Publish.Redis.Addr != "" {
				return watchRedis(ctx, cfg)
			}
			if url == "" {
				url = "http://" + cfg.Server.Addr
			}
			return watchHTTP(ctx, url, cfg.Server.BasePath, interval)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "status service URL, e.g. http://127.0.0.1:8080")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval for --url")
	return cmd
}

func watchRedis(ctx context.Context, cfg *config.Config) error {
	pub := publish.NewRedis(cfg.Publish.Redis.Addr, publish.WithPrefix(cfg.Publish.Redis.Prefix))
	defer pub.Close()
	if latest, err := pub.Latest(ctx); err == nil {
		printFrame(os.Stdout, latest)
	}
	statuses, err := pub.Subscribe(ctx)
	if err != nil {
		return err
	}
	for st := range statuses {
		printFrame(os.Stdout, st)
	}
	return nil
}

func watchHTTP(ctx context.Context, url, basePath string, interval time.Duration) error {
	client := heroinitsdk.New(url)
	client.BasePath = basePath
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last string
	for {
		st, err := client.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		frame := fromSDK(st)
		if key := frameKey(frame); key != last {
			printFrame(os.Stdout, frame)
			last = key
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func fromSDK(st heroinitsdk.Status) domain.Status {
	out := domain.Status{Turn: st.Turn, Segment: st.Segment, Current: st.Current}
	for _, c := range st.Combatants {
		out.Combatants = append(out.Combatants, domain.Combatant{
			Name:        c.Name,
			DisplayName: c.DisplayName,
			Speed:       c.Speed,
			Reflex:      c.Dex,
			Stun:        domain.Counter{Cur: c.Stun.Cur, Max: c.Stun.Max},
			Body:        domain.Counter{Cur: c.Body.Cur, Max: c.Body.Max},
			End:         domain.Counter{Cur: c.End.Cur, Max: c.End.Max},
			Recovery:    c.Recovery,
			Segments:    c.Segments,
			Next:        c.Next,
			Status:      c.Status,
			Kind:        c.Kind,
			Current:     c.Current,
		})
	}
	return out
}

func frameKey(st domain.Status) string {
	b, _ := json.Marshal(st)
	return string(b)
}

func printFrame(w io.Writer, st domain.Status) {
	if viper.GetBool("json") {
		json.NewEncoder(w).Encode(st)
		return
	}
	actor := st.Current
	if actor == "" {
		actor = "-"
	}
	fmt.Fprintf(w, "Turn %d, segment %d, acting: %s\n", st.Turn, st.Segment, actor)
	shell.RenderCombatants(w, st.Combatants)
}

func speedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "speed [spd]",
		Short: "Print the speed chart",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lo, hi := engine.MinSpeed, engine.MaxSpeed
			if len(args) == 1 {
				var spd int
				if _, err := fmt.Sscanf(args[0], "%d", &spd); err != nil {
					return fmt.Errorf("spd must be an integer, got %q", args[0])
				}
				if _, err := engine.ScheduleFor(spd); err != nil {
					return err
				}
				lo, hi = spd, spd
			}
			if viper.GetBool("json") {
				chart := map[int][]int{}
				for spd := lo; spd <= hi; spd++ {
					sched, _ := engine.ScheduleFor(spd)
					chart[spd] = sched.Segments()
				}
				return printJSON(chart)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"SPD", "1 2 3 4 5 6 7 8 9 0 1 2", "Phases"})
			for spd := lo; spd <= hi; spd++ {
				sched, _ := engine.ScheduleFor(spd)
				tw.AppendRow(table.Row{spd, engine.ChartString(spd), sched.Len()})
			}
			tw.Render()
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Session journal",
		Long:  "Every command applied to a session is journaled; point --journal at the file the session wrote.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logSummaryCmd())
	return log
}

// resolveSession returns id when it names a journaled session, or the latest
// session when id is empty.
func resolveSession(ctx context.Context, r repo.Repo, id string) (domain.Session, error) {
	var (
		s   domain.Session
		err error
	)
	if id == "" {
		s, err = r.LatestSession(ctx)
	} else {
		s, err = r.GetSession(ctx, id)
	}
	if errors.Is(err, repo.ErrNotFound) {
		if id == "" {
			return s, errors.New("journal has no sessions")
		}
		return s, fmt.Errorf("session %s not found", id)
	}
	return s, err
}

func logSummaryCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Count a session's journal events by type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sess, err := resolveSession(ctx, r, sessionID)
				if err != nil {
					return err
				}
				counts, err := r.CountEventsByType(ctx, sess.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": sess, "counts": counts})
				}
				fmt.Printf("Session %s (%s, started %s)\n", sess.ID, sess.Source, sess.StartedAt)
				types := make([]string, 0, len(counts))
				for typ := range counts {
					types = append(types, typ)
				}
				sort.Strings(types)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Count"})
				for _, typ := range types {
					tw.AppendRow(table.Row{typ, counts[typ]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: latest)")
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, combatant, sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal events of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sess, err := resolveSession(ctx, r, sessionID)
				if err != nil {
					return err
				}
				events, err := r.LatestEvents(ctx, n, 0, repo.EventFilter{
					SessionID: sess.ID,
					Type:      evtType,
					Combatant: combatant,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Combatant", "T:S", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Combatant, fmt.Sprintf("%d:%d", e.Turn, e.Segment), e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&combatant, "combatant", "", "combatant filter")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: latest)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the status service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("jwt secret not configured; set server.jwt_secret or HEROINIT_JWT_SECRET")
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "gm", "token subject")
	cmd.Flags().StringVar(&role, "role", server.RoleGM, "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default " + config.FileName,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return errors.New("no journal file; pass --journal or set journal.path")
	}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		return fmt.Errorf("journal %s: %w", cfg.Journal.Path, err)
	}
	conn, err := db.Open(db.Config{Path: cfg.Journal.Path})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
