// Package debugger wires the transports, the store, both reconcilers and the command dispatcher
// into one runnable service with an HTTP admin surface for the UI.
package debugger

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/dispatchctl/internal/command"
	"github.com/danmuck/dispatchctl/internal/observability"
	"github.com/danmuck/dispatchctl/internal/reconcile"
	"github.com/danmuck/dispatchctl/internal/store"
	"github.com/danmuck/dispatchctl/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const Version = "0.1.0"

// ServiceConfig configures the debugger runtime.
type ServiceConfig struct {
	Transport       transport.Config
	Poll            reconcile.PollConfig
	Push            reconcile.PushConfig
	Command         command.Config
	AdminListenAddr string
	AllowOrigins    []string
	// ReconnectDelay is the pause between push channel supervision rounds after a failed open.
	ReconnectDelay time.Duration
	PingTimeout    time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Transport:       transport.DefaultConfig(),
		Poll:            reconcile.DefaultPollConfig(),
		Push:            reconcile.DefaultPushConfig(),
		Command:         command.DefaultConfig(),
		AdminListenAddr: "127.0.0.1:7020",
		AllowOrigins:    []string{"http://localhost:3000"},
		ReconnectDelay:  2 * time.Second,
		PingTimeout:     time.Second,
	}
}

// Service owns every runtime component.
type Service struct {
	cfg        ServiceConfig
	client     *transport.Client
	pusher     *transport.Pusher
	store      *store.Store
	poller     *reconcile.Poller
	listener   *reconcile.Listener
	dispatcher *command.Dispatcher
	logger     zerolog.Logger
	startedAt  time.Time

	mu   sync.Mutex
	addr string
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	cfg.Transport = cfg.Transport.WithDefaults()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = def.AllowOrigins
	}
	observability.RegisterMetrics()

	client := transport.NewClient(cfg.Transport)
	pusher := transport.NewPusher(cfg.Transport)
	st := store.New()
	poller := reconcile.NewPoller(cfg.Poll, client, st)
	listener := reconcile.NewListener(cfg.Push, client, st)
	dispatcher := command.New(cfg.Command, client, command.PusherOpener{Pusher: pusher}, st)

	listener.Bind(pusher)
	listener.OnApplied(dispatcher.ObservePush)
	poller.OnCycle(dispatcher.ObservePoll)

	return &Service{
		cfg:        cfg,
		client:     client,
		pusher:     pusher,
		store:      st,
		poller:     poller,
		listener:   listener,
		dispatcher: dispatcher,
		logger:     observability.Component("debugger"),
		startedAt:  time.Now(),
	}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext starts the background loops and the admin server and blocks until ctx is done or one
// of them fails.
func (s *Service) RunContext(ctx context.Context) error {
	s.logger.Info().
		Str("server", s.cfg.Transport.ServerURL).
		Str("admin", s.cfg.AdminListenAddr).
		Msg("debugger_start")

	loadCtx, cancel := context.WithTimeout(ctx, s.cfg.Transport.RequestTimeout)
	if _, err := s.dispatcher.LoadDevices(loadCtx); err != nil {
		s.logger.Warn().Err(err).Msg("initial_catalog_load_failed")
	}
	cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.poller.Run(ctx) })
	g.Go(func() error { return s.listener.Run(ctx) })
	g.Go(func() error { return s.superviseChannel(ctx) })
	if strings.TrimSpace(s.cfg.AdminListenAddr) != "" {
		g.Go(func() error { return s.serveAdmin(ctx, s.cfg.AdminListenAddr) })
	}
	err := g.Wait()
	_ = s.pusher.Close()
	s.logger.Info().Msg("debugger_stop")
	return err
}

// superviseChannel keeps a push channel open so inbound events keep flowing between commands.
func (s *Service) superviseChannel(ctx context.Context) error {
	for {
		ch, err := s.pusher.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Dur("retry_in", s.cfg.ReconnectDelay).Msg("push_supervise_open_failed")
			if err := sleepCtx(ctx, s.cfg.ReconnectDelay); err != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ch.Done():
			s.logger.Warn().Str("channel_id", ch.ID()).Msg("push_supervise_channel_lost")
		}
	}
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin_listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// AdminAddr is the bound admin address once the server is listening.
func (s *Service) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) Store() *store.Store {
	return s.store
}

func (s *Service) Dispatcher() *command.Dispatcher {
	return s.dispatcher
}

// Online pings the service.
func (s *Service) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()
	return s.client.Ping(ctx) == nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
