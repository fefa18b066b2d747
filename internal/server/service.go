package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"heroinit/internal/config"
	"heroinit/internal/logging"
)

// Service runs the API and the webhook dispatcher in the background so the
// shell can start and stop them while it keeps reading commands.
type Service struct {
	addr     string
	cfg      Config
	webhooks []config.WebhookConfig
	log      *slog.Logger

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(addr string, cfg Config, webhooks []config.WebhookConfig) *Service {
	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &Service{addr: addr, cfg: cfg, webhooks: webhooks, log: log}
}

// Start listens on the configured address and returns the bound address.
func (s *Service) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return "", errors.New("server has already been started")
	}
	handler, err := New(s.cfg)
	if err != nil {
		return "", err
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", s.addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.srv = &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.ln = ln
	s.cancel = cancel
	s.done = make(chan struct{})

	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", "error", err)
		}
	}()
	if d := NewWebhookDispatcher(s.cfg.Repo, s.cfg.Session.ID(), s.webhooks, s.log); d != nil {
		go d.Run(ctx)
	}
	s.log.Info("status service started", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Stop shuts the server down and waits for Serve to return.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done, cancel := s.srv, s.done, s.cancel
	s.srv, s.ln, s.done, s.cancel = nil, nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return errors.New("server is not running")
	}
	cancel()
	shutdownCtx, stop := context.WithTimeout(ctx, 5*time.Second)
	defer stop()
	err := srv.Shutdown(shutdownCtx)
	<-done
	s.log.Info("status service stopped")
	return err
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Addr is the bound address while running, or the configured one.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}
