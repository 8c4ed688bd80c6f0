package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/relay/config"
	"github.com/relaykit/relay/internal/engine"
	"github.com/relaykit/relay/mcp"
	"github.com/relaykit/relay/metrics"
	"github.com/relaykit/relay/oauth"
	"github.com/relaykit/relay/pool"
	"github.com/relaykit/relay/ratelimit"
	"github.com/relaykit/relay/registry"
	"github.com/relaykit/relay/sampling"
	"github.com/relaykit/relay/sessions"
	"github.com/relaykit/relay/tasks"
	"github.com/relaykit/relay/transport"
)

// ErrShuttingDown is returned by Serve once Shutdown has begun.
var ErrShuttingDown = errors.New("relay: shutting down")

// sweepInterval paces the limiter and oauth pending sweeps. The other
// managers carry their own configurable intervals.
const sweepInterval = time.Minute

// Server is the assembled runtime: every manager wired together behind one
// façade. Construct with New, feed client transports to Serve, and stop with
// Shutdown.
type Server struct {
	log *slog.Logger
	cfg config.Config

	info         mcp.ImplementationInfo
	instructions string
	now          func() time.Time
	dial         pool.Dialer

	tokenStore oauth.TokenStore
	providers  []namedProvider

	sessions  *sessions.Manager
	conns     *pool.Pool
	tasks     *tasks.Manager
	limiter   *ratelimit.Limiter
	tools     *registry.ToolRegistry
	resources *registry.ResourceRegistry
	prompts   *registry.PromptRegistry
	sampling  *sampling.Manager
	oauth     *oauth.Manager
	metrics   *metrics.Metrics
	engine    *engine.Engine

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	shutdown bool
}

type namedProvider struct {
	name     string
	provider sampling.Provider
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithServerInfo sets the name and version advertised during the handshake.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets the free-text usage hint returned from initialize.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// WithToolRegistry attaches a tool registry; the server advertises and
// routes tools/* only when one is present.
func WithToolRegistry(r *registry.ToolRegistry) Option {
	return func(s *Server) { s.tools = r }
}

// WithResourceRegistry attaches a resource registry.
func WithResourceRegistry(r *registry.ResourceRegistry) Option {
	return func(s *Server) { s.resources = r }
}

// WithPromptRegistry attaches a prompt registry.
func WithPromptRegistry(r *registry.PromptRegistry) Option {
	return func(s *Server) { s.prompts = r }
}

// WithSamplingProvider registers a model provider under name. The first
// provider registered becomes the default.
func WithSamplingProvider(name string, p sampling.Provider) Option {
	return func(s *Server) {
		s.providers = append(s.providers, namedProvider{name: name, provider: p})
	}
}

// WithTokenStore overrides the in-memory OAuth token store, e.g. with the
// Redis-backed one.
func WithTokenStore(store oauth.TokenStore) Option {
	return func(s *Server) { s.tokenStore = store }
}

// WithDialer enables the connection pool: dial opens one upstream transport
// connection. Without a dialer the pool is not constructed and health
// reporting ignores it.
func WithDialer(dial pool.Dialer) Option {
	return func(s *Server) { s.dial = dial }
}

// WithMetrics attaches a metrics set registered on the caller's registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock overrides the time source across every manager. Test seam.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New wires every manager from cfg and starts their background sweeps. The
// returned Server is ready for Serve immediately.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log: slog.Default(),
		cfg: cfg,
		info: mcp.ImplementationInfo{
			Name:    "relay",
			Version: "0.1.0",
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	s.sessions = sessions.NewManager(sessions.Config{
		MaxSessions: cfg.Sessions.MaxSessions,
		IdleTimeout: cfg.Sessions.Timeout,
	},
		sessions.WithLogger(s.log),
		sessions.WithClock(s.now),
		sessions.WithCloseListener(s.onSessionClose),
	)

	s.tasks = tasks.NewManager(s.baseCtx, tasks.Config{
		MaxConcurrent: cfg.Tasks.MaxConcurrent,
		Timeout:       cfg.Tasks.Timeout,
	}, tasks.WithLogger(s.log), tasks.WithClock(s.now))

	s.limiter = ratelimit.New(ratelimit.Config{
		Rate:  cfg.Rate.RPS,
		Burst: cfg.Rate.Burst,
	}, ratelimit.WithClock(s.now))

	if s.dial != nil {
		s.conns = pool.New(pool.Config{
			MaxConns:       cfg.Pool.MaxConns,
			MinConns:       cfg.Pool.MinConns,
			AcquireTimeout: cfg.Pool.AcquireTimeout,
			IdleTimeout:    cfg.Pool.IdleTimeout,
		}, s.dial, pool.WithLogger(s.log), pool.WithClock(s.now))
	}

	s.sampling = sampling.NewManager(s.tasks, sampling.WithLogger(s.log))
	for _, np := range s.providers {
		if err := s.sampling.RegisterProvider(np.name, np.provider); err != nil {
			s.cancel()
			return nil, fmt.Errorf("relay: register provider %q: %w", np.name, err)
		}
	}

	if cfg.OAuth.Enabled() {
		om, err := oauth.NewManager(s.baseCtx, oauth.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			RedirectURL:  cfg.OAuth.RedirectURL,
			Scopes:       cfg.OAuth.ScopeList(),
			AuthURL:      cfg.OAuth.AuthURL,
			TokenURL:     cfg.OAuth.TokenURL,
			Issuer:       cfg.OAuth.Issuer,
		}, s.tokenStore, oauth.WithManagerLogger(s.log), oauth.WithManagerClock(s.now))
		if err != nil {
			s.cancel()
			return nil, err
		}
		s.oauth = om
	}

	eng, err := engine.New(engine.Config{
		ServerInfo:   s.info,
		Instructions: s.instructions,
		Sessions:     s.sessions,
		Tools:        s.tools,
		Resources:    s.resources,
		Prompts:      s.prompts,
		Tasks:        s.tasks,
		Limiter:      s.limiter,
		Sampling:     s.sampling,
		OAuth:        s.oauth,
		Pool:         s.conns,
		Metrics:      s.metrics,
	}, engine.WithLogger(s.log))
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.engine = eng

	s.sessions.Start(s.baseCtx)
	s.tasks.Start(s.baseCtx)
	s.limiter.Start(s.baseCtx, sweepInterval)
	s.engine.Start(s.baseCtx)
	if s.conns != nil {
		s.conns.Start(s.baseCtx)
	}
	if s.oauth != nil {
		s.oauth.Start(s.baseCtx, sweepInterval)
	}

	return s, nil
}

func (s *Server) onSessionClose(ev sessions.CloseEvent) {
	s.engine.UnbindSender(ev.SessionID)
}

// Sessions exposes the session manager for inspection.
func (s *Server) Sessions() *sessions.Manager { return s.sessions }

// Tasks exposes the task manager.
func (s *Server) Tasks() *tasks.Manager { return s.tasks }

// OAuth exposes the OAuth manager, nil when not configured.
func (s *Server) OAuth() *oauth.Manager { return s.oauth }

// Pool exposes the connection pool, nil when no dialer was supplied.
func (s *Server) Pool() *pool.Pool { return s.conns }

// Healthy reports whether the server should pass a readiness probe.
func (s *Server) Healthy() bool { return s.engine.Healthy() }

// Serve owns one client transport: it creates a session, binds the outbound
// side channel, and pumps inbound messages through the dispatcher until the
// transport closes, ctx is done, or Shutdown begins. The transport is closed
// and the session removed before Serve returns.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		t.Close()
		return ErrShuttingDown
	}
	s.mu.Unlock()

	sess, err := s.sessions.CreateSession(t.Kind())
	if err != nil {
		t.Close()
		return fmt.Errorf("relay: accept connection: %w", err)
	}
	s.engine.BindSender(sess.ID, t.Send)

	log := s.log.With(slog.String("session_id", sess.ID))
	log.InfoContext(ctx, "relay.serve.start", slog.String("transport", t.Kind()))

	defer func() {
		s.sessions.CloseSession(sess.ID, sessions.CloseReasonClient)
		t.Close()
	}()

	// Shutdown must unblock the read loop even when the client stays quiet.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrClosed):
				log.InfoContext(ctx, "relay.serve.closed")
				return nil
			case s.baseCtx.Err() != nil:
				return ErrShuttingDown
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				s.sessions.CloseSession(sess.ID, sessions.CloseReasonError)
				return fmt.Errorf("relay: receive: %w", err)
			}
		}

		resp := s.engine.HandleMessage(ctx, sess.ID, msg)
		if resp == nil {
			continue
		}
		if err := t.Send(ctx, resp); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.sessions.CloseSession(sess.ID, sessions.CloseReasonError)
			return fmt.Errorf("relay: send: %w", err)
		}
	}
}

// Shutdown stops accepting new work, closes every session, and drains the
// pool. Safe to call more than once; ctx bounds the pool drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	already := s.shutdown
	s.shutdown = true
	s.mu.Unlock()
	if already {
		return nil
	}

	s.log.InfoContext(ctx, "relay.shutdown.start")
	s.engine.SetShuttingDown(true)
	s.sessions.CloseAll(sessions.CloseReasonShutdown)

	var drainErr error
	if s.conns != nil {
		drainErr = s.conns.Drain(ctx)
	}
	s.cancel()
	s.log.InfoContext(ctx, "relay.shutdown.done")
	return drainErr
}
