package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

var (
	// ErrInvalidState is returned when an exchange names a state that is
	// unknown, expired, or already consumed.
	ErrInvalidState = errors.New("oauth: invalid or consumed state")
)

// Config controls the authorization-code flow.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// AuthURL and TokenURL name the provider endpoints explicitly. Leave
	// both empty and set Issuer to discover them instead.
	AuthURL  string
	TokenURL string

	// Issuer is an OIDC issuer URL used for endpoint discovery when the
	// explicit endpoints are empty.
	Issuer string

	// PendingTTL bounds how long an authorization request may sit
	// uncompleted before the sweep discards it. Default 10m.
	PendingTTL time.Duration

	// RefreshMargin is the safety window before expiry inside which
	// GetAccessToken refreshes ahead of time. Default 1m.
	RefreshMargin time.Duration
}

func (c Config) withDefaults() Config {
	if c.PendingTTL <= 0 {
		c.PendingTTL = 10 * time.Minute
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = time.Minute
	}
	return c
}

// AuthorizationRequest is the caller-facing half of a pending PKCE flow.
type AuthorizationRequest struct {
	State string
	URL   string
}

type pendingRequest struct {
	verifier  string
	createdAt time.Time
}

// Manager drives the authorization-code + PKCE flow against one provider
// and serves stored access tokens with refresh-ahead. Safe for concurrent
// use.
type Manager struct {
	mu         sync.Mutex
	log        *slog.Logger
	cfg        Config
	oauthCfg   *oauth2.Config
	store      TokenStore
	pending    map[string]pendingRequest
	refreshing map[string]chan struct{}
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets a custom logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithManagerClock overrides the clock used for pending-request expiry and
// refresh-ahead decisions.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a Manager. When cfg names an Issuer but no explicit
// endpoints, the authorization and token endpoints are discovered via OIDC,
// which requires a network round-trip bounded by ctx.
func NewManager(ctx context.Context, cfg Config, store TokenStore, opts ...ManagerOption) (*Manager, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("oauth: client id is required")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	cfg = cfg.withDefaults()

	endpoint := oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
	if cfg.AuthURL == "" && cfg.TokenURL == "" {
		if cfg.Issuer == "" {
			return nil, fmt.Errorf("oauth: either endpoints or an issuer is required")
		}
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oauth: discover issuer %s: %w", cfg.Issuer, err)
		}
		endpoint = provider.Endpoint()
	}

	m := &Manager{
		log: slog.Default(),
		cfg: cfg,
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		store:      store,
		pending:    make(map[string]pendingRequest),
		refreshing: make(map[string]chan struct{}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateAuthorizationRequest generates a PKCE verifier/challenge pair and a
// random single-use state token, records the pending request, and returns
// the URL the user agent should be sent to.
func (m *Manager) CreateAuthorizationRequest() AuthorizationRequest {
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	m.mu.Lock()
	m.pending[state] = pendingRequest{verifier: verifier, createdAt: m.now()}
	m.mu.Unlock()

	url := m.oauthCfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier))

	m.log.Debug("oauth.authorize.start", slog.String("state", state))
	return AuthorizationRequest{State: state, URL: url}
}

// ExchangeCode completes a pending authorization request. The state is
// consumed on the spot, before the network exchange, so a replay fails with
// ErrInvalidState even while the first exchange is still in flight. The
// resulting tokens are stored under key.
func (m *Manager) ExchangeCode(ctx context.Context, key, code, state string) error {
	m.mu.Lock()
	req, ok := m.pending[state]
	if ok {
		delete(m.pending, state)
	}
	m.mu.Unlock()
	if !ok || m.now().Sub(req.createdAt) > m.cfg.PendingTTL {
		return ErrInvalidState
	}

	tok, err := m.oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(req.verifier))
	if err != nil {
		return fmt.Errorf("oauth: code exchange: %w", err)
	}

	rec := m.recordFromToken(tok)
	if err := m.store.Put(ctx, key, rec); err != nil {
		return fmt.Errorf("oauth: store tokens: %w", err)
	}
	m.log.Info("oauth.exchange.ok",
		slog.String("key", key),
		slog.Bool("has_refresh", rec.RefreshToken != ""))
	return nil
}

// GetAccessToken returns the stored access token for key, refreshing first
// when the token is expired or inside the refresh margin. When the token
// needs a refresh but no refresh token is stored, it returns "" with a nil
// error. An unknown key also returns "" with a nil error.
func (m *Manager) GetAccessToken(ctx context.Context, key string) (string, error) {
	rec, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	if m.fresh(rec) {
		return rec.AccessToken, nil
	}
	if rec.RefreshToken == "" {
		return "", nil
	}

	if err := m.refreshOnce(ctx, key, rec); err != nil {
		return "", err
	}
	rec, ok, err = m.store.Get(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	return rec.AccessToken, nil
}

// RefreshTokens unconditionally refreshes the stored tokens for key using
// the stored refresh token.
func (m *Manager) RefreshTokens(ctx context.Context, key string) error {
	rec, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || rec.RefreshToken == "" {
		return fmt.Errorf("oauth: no refresh token for %q", key)
	}
	return m.refresh(ctx, key, rec)
}

// RevokeTokens deletes the stored record for key.
func (m *Manager) RevokeTokens(ctx context.Context, key string) error {
	m.log.Info("oauth.revoke", slog.String("key", key))
	return m.store.Delete(ctx, key)
}

// Sweep discards pending authorization requests older than the pending TTL
// and returns how many were dropped.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.cfg.PendingTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for state, req := range m.pending {
		if req.createdAt.Before(cutoff) {
			delete(m.pending, state)
			dropped++
		}
	}
	if dropped > 0 {
		m.log.Debug("oauth.pending.sweep", slog.Int("dropped", dropped))
	}
	return dropped
}

// Start runs the pending-request sweep on an interval until ctx is done.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// fresh reports whether the access token is usable without a refresh.
func (m *Manager) fresh(rec TokenRecord) bool {
	if rec.AccessToken == "" {
		return false
	}
	if rec.Expiry.IsZero() {
		return true
	}
	return m.now().Add(m.cfg.RefreshMargin).Before(rec.Expiry)
}

// refreshOnce collapses concurrent refreshes of the same key into a single
// network call. Followers wait for the leader and then re-read the store.
func (m *Manager) refreshOnce(ctx context.Context, key string, rec TokenRecord) error {
	m.mu.Lock()
	if done, inFlight := m.refreshing[key]; inFlight {
		m.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	m.refreshing[key] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.refreshing, key)
		m.mu.Unlock()
		close(done)
	}()
	return m.refresh(ctx, key, rec)
}

func (m *Manager) refresh(ctx context.Context, key string, rec TokenRecord) error {
	src := m.oauthCfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: rec.RefreshToken,
		Expiry:       time.Unix(1, 0), // force the source to refresh
	})
	tok, err := src.Token()
	if err != nil {
		m.log.Warn("oauth.refresh.fail",
			slog.String("key", key),
			slog.String("err", err.Error()))
		return fmt.Errorf("oauth: refresh: %w", err)
	}

	next := m.recordFromToken(tok)
	if next.RefreshToken == "" {
		// Providers may omit the refresh token on rotation; keep the old one.
		next.RefreshToken = rec.RefreshToken
	}
	if err := m.store.Put(ctx, key, next); err != nil {
		return fmt.Errorf("oauth: store refreshed tokens: %w", err)
	}
	m.log.Debug("oauth.refresh.ok", slog.String("key", key))
	return nil
}

func (m *Manager) recordFromToken(tok *oauth2.Token) TokenRecord {
	rec := TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scopes:       m.cfg.Scopes,
	}
	if rec.Expiry.IsZero() {
		rec.Expiry = jwtExpiry(rec.AccessToken)
	}
	return rec
}

// jwtExpiry extracts the exp claim from a JWT-shaped access token without
// verifying the signature. The value is used only to schedule refreshes,
// never to grant access, so the missing verification is harmless. Returns
// the zero time when the token is not a JWT or carries no exp claim.
func jwtExpiry(accessToken string) time.Time {
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
