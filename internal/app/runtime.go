package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"heroinit/internal/config"
	"heroinit/internal/db"
	"heroinit/internal/domain"
	"heroinit/internal/events"
	"heroinit/internal/logging"
	"heroinit/internal/metrics"
	"heroinit/internal/migrate"
	"heroinit/internal/publish"
	"heroinit/internal/repo"
)

// Runtime bundles a session with the resources it was built on.
type Runtime struct {
	Config    *config.Config
	Session   *Session
	DB        *sql.DB
	Repo      repo.Repo
	Metrics   *metrics.Metrics
	Publisher *publish.RedisPublisher
	Logger    *slog.Logger
}

type BootstrapOptions struct {
	// JournalPath overrides config.journal.path; empty keeps the journal in memory.
	JournalPath string
	// Source records what started the session (shell, serve, run).
	Source string
	Logger *slog.Logger
	// SkipRoster leaves the configured roster unloaded.
	SkipRoster bool
}

// Bootstrap opens the journal, records a new session and loads the roster.
func Bootstrap(ctx context.Context, cfg *config.Config, opts BootstrapOptions) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logging.New(cfg.Log.Level, cfg.Log.Format, nil)
	}
	journalPath := opts.JournalPath
	if journalPath == "" {
		journalPath = cfg.Journal.Path
	}
	dbCfg := db.Config{Path: journalPath}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	r := repo.Repo{DB: conn}
	sess := domain.Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    opts.Source,
	}
	if err := r.InsertSession(ctx, sess); err != nil {
		conn.Close()
		return nil, fmt.Errorf("record session: %w", err)
	}

	rt := &Runtime{
		Config:  cfg,
		DB:      conn,
		Repo:    r,
		Metrics: metrics.New(),
		Logger:  log,
	}
	sessOpts := SessionOptions{
		ID:                 sess.ID,
		Journal:            events.Writer{DB: conn, SessionID: sess.ID},
		Metrics:            rt.Metrics,
		Logger:             log,
		PostTwelveRecovery: cfg.Rules.PostTwelveRecovery,
	}
	if addr := cfg.Publish.Redis.Addr; addr != "" {
		pubOpts := []publish.Option{publish.WithPrefix(cfg.Publish.Redis.Prefix)}
		if ttl := cfg.Publish.Redis.TTLSeconds; ttl > 0 {
			pubOpts = append(pubOpts, publish.WithTTL(time.Duration(ttl)*time.Second))
		}
		rt.Publisher = publish.NewRedis(addr, pubOpts...)
		sessOpts.Publisher = rt.Publisher
	}
	rt.Session = NewSession(sessOpts)
	log.Info("session started", "session", sess.ID, "journal", journalDisplay(dbCfg), "source", opts.Source)

	if !opts.SkipRoster && len(cfg.Roster) > 0 {
		if err := rt.Session.LoadRoster(ctx, cfg.Roster); err != nil {
			rt.Close()
			return nil, fmt.Errorf("load roster: %w", err)
		}
	}
	return rt, nil
}

func journalDisplay(cfg db.Config) string {
	if cfg.InMemory() {
		return ":memory:"
	}
	return cfg.Path
}

func (rt *Runtime) Close() error {
	if rt.Publisher != nil {
		rt.Publisher.Close()
	}
	if rt.DB != nil {
		return rt.DB.Close()
	}
	return nil
}
