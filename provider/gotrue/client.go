// Package gotrue talks to a GoTrue compatible identity provider (Supabase Auth) over its
// REST API and implements provider.Provider on top of it.
package gotrue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/invoicer-auth/provider"
	"github.com/jrsteele09/invoicer-auth/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	authPath             = "/auth/v1"
	defaultStorageKey    = "supabase.auth.token"
	defaultRefreshMargin = 30 * time.Second
	defaultHTTPTimeout   = 30 * time.Second
	clientInfo           = "invoicer-auth-go/1.0"
)

var _ provider.Provider = (*Client)(nil)

// Client is a GoTrue REST client holding at most one session.
type Client struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	store         storage.SecureStore
	storageKey    string
	refreshMargin time.Duration
	verifier      *oidc.IDTokenVerifier
	logger        zerolog.Logger
	nowTime       func() time.Time

	mu       sync.Mutex // guards session and restored; held across refreshes
	session  *provider.Session
	restored bool

	subsMu    sync.RWMutex
	subs      map[int]func(provider.AuthEvent)
	nextSubID int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every GoTrue call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithStorageKey sets the key the session is persisted under. Empty keeps the default.
func WithStorageKey(key string) Option {
	return func(c *Client) {
		if key != "" {
			c.storageKey = key
		}
	}
}

// WithRefreshMargin sets how long before expiry a session is refreshed.
func WithRefreshMargin(margin time.Duration) Option {
	return func(c *Client) {
		if margin > 0 {
			c.refreshMargin = margin
		}
	}
}

// WithVerifier makes the client reject sessions whose access token does not verify.
func WithVerifier(v *oidc.IDTokenVerifier) Option {
	return func(c *Client) {
		c.verifier = v
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

// New creates a client for the project at projectURL (e.g. https://abc.supabase.co)
// authenticating with its public (anon) key. Sessions are persisted in store.
func New(projectURL, apiKey string, store storage.SecureStore, options ...Option) (*Client, error) {
	projectURL = strings.TrimRight(strings.TrimSpace(projectURL), "/")
	if projectURL == "" {
		return nil, errors.New("[gotrue.New] project URL is required")
	}
	if _, err := url.ParseRequestURI(projectURL); err != nil {
		return nil, errors.Wrap(err, "[gotrue.New] invalid project URL")
	}
	if apiKey == "" {
		return nil, errors.New("[gotrue.New] api key is required")
	}
	if store == nil {
		return nil, errors.New("[gotrue.New] storage is required")
	}

	c := &Client{
		baseURL:       projectURL + authPath,
		apiKey:        apiKey,
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
		store:         store,
		storageKey:    defaultStorageKey,
		refreshMargin: defaultRefreshMargin,
		logger:        log.With().Str("component", "gotrue").Logger(),
		nowTime:       time.Now,
		subs:          make(map[int]func(provider.AuthEvent)),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// NewRemoteVerifier builds a verifier that checks access tokens against the project's
// published JWKS.
func NewRemoteVerifier(ctx context.Context, projectURL string) *oidc.IDTokenVerifier {
	issuer := strings.TrimRight(projectURL, "/") + authPath
	keySet := oidc.NewRemoteKeySet(ctx, issuer+"/.well-known/jwks.json")
	return NewVerifier(issuer, keySet)
}

// NewVerifier builds an access token verifier for issuer over keySet.
func NewVerifier(issuer string, keySet oidc.KeySet) *oidc.IDTokenVerifier {
	return oidc.NewVerifier(issuer, keySet, &oidc.Config{
		SkipClientIDCheck:    true,
		SupportedSigningAlgs: []string{oidc.RS256, oidc.ES256},
	})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp registers a new account. GoTrue answers with a session when the project
// auto-confirms, and with the bare user when email confirmation is pending.
func (c *Client) SignUp(ctx context.Context, email, password string) (*provider.SignUpResult, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/signup", nil, "", credentials{Email: email, Password: password}, &raw); err != nil {
		return nil, errors.Wrap(err, "[gotrue.SignUp]")
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, errors.Wrap(err, "[gotrue.SignUp] decode")
	}
	if tr.AccessToken == "" {
		var user provider.User
		if err := json.Unmarshal(raw, &user); err != nil {
			return nil, errors.Wrap(err, "[gotrue.SignUp] decode user")
		}
		return &provider.SignUpResult{User: &user}, nil
	}

	s, err := c.startSession(ctx, &tr)
	if err != nil {
		return nil, errors.Wrap(err, "[gotrue.SignUp]")
	}
	return &provider.SignUpResult{User: s.User.Clone(), Session: s}, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*provider.Session, error) {
	var tr tokenResponse
	query := url.Values{"grant_type": {"password"}}
	if err := c.do(ctx, http.MethodPost, "/token", query, "", credentials{Email: email, Password: password}, &tr); err != nil {
		return nil, errors.Wrap(err, "[gotrue.SignInWithPassword]")
	}
	s, err := c.startSession(ctx, &tr)
	return s, errors.Wrap(err, "[gotrue.SignInWithPassword]")
}

// SignInWithOTP emails a one-time code / magic link, creating the user if needed.
func (c *Client) SignInWithOTP(ctx context.Context, email string) error {
	body := struct {
		Email      string `json:"email"`
		CreateUser bool   `json:"create_user"`
	}{Email: email, CreateUser: true}
	return errors.Wrap(c.do(ctx, http.MethodPost, "/otp", nil, "", body, nil), "[gotrue.SignInWithOTP]")
}

func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}
	body := struct {
		Email string `json:"email"`
	}{Email: email}
	return errors.Wrap(c.do(ctx, http.MethodPost, "/recover", query, "", body, nil), "[gotrue.ResetPasswordForEmail]")
}

// SignOut revokes the session remotely, then drops it locally whatever the outcome.
// The remote error, if any, is returned after local cleanup.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	events := c.restoreLocked(ctx)
	current := c.session

	var remoteErr error
	if current != nil {
		remoteErr = c.do(ctx, http.MethodPost, "/logout", url.Values{"scope": {"global"}}, current.AccessToken, nil, nil)
		var perr *provider.Error
		if errors.As(remoteErr, &perr) && (perr.Status == http.StatusUnauthorized || perr.Status == http.StatusNotFound) {
			// already gone on the server
			remoteErr = nil
		}
	}

	c.session = nil
	storeErr := c.store.RemoveItem(context.WithoutCancel(ctx), c.storageKey)
	c.mu.Unlock()

	c.emit(append(events, provider.AuthEvent{Kind: provider.EventSignedOut})...)

	if remoteErr != nil {
		return errors.Wrap(remoteErr, "[gotrue.SignOut]")
	}
	return errors.Wrap(storeErr, "[gotrue.SignOut] remove stored session")
}

// GetSession returns the current session, restoring it from storage on first use and
// refreshing it when it expires within the refresh margin.
func (c *Client) GetSession(ctx context.Context) (*provider.Session, error) {
	c.mu.Lock()
	events := c.restoreLocked(ctx)
	if c.session == nil {
		c.mu.Unlock()
		c.emit(events...)
		return nil, nil
	}

	s, event, err := c.refreshLocked(ctx, false)
	c.mu.Unlock()
	if event != nil {
		events = append(events, *event)
	}
	c.emit(events...)
	if err != nil {
		return nil, errors.Wrap(err, "[gotrue.GetSession]")
	}
	return s, nil
}

// RefreshSession exchanges the refresh token for a new session regardless of expiry.
func (c *Client) RefreshSession(ctx context.Context) (*provider.Session, error) {
	c.mu.Lock()
	events := c.restoreLocked(ctx)
	if c.session == nil {
		c.mu.Unlock()
		c.emit(events...)
		return nil, provider.ErrNoSession
	}

	s, event, err := c.refreshLocked(ctx, true)
	c.mu.Unlock()
	if event != nil {
		events = append(events, *event)
	}
	c.emit(events...)
	if err != nil {
		return nil, errors.Wrap(err, "[gotrue.RefreshSession]")
	}
	return s, nil
}

// GetUser fetches the signed-in user from the provider.
func (c *Client) GetUser(ctx context.Context) (*provider.User, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, provider.ErrNoSession
	}

	var user provider.User
	if err := c.do(ctx, http.MethodGet, "/user", nil, s.AccessToken, nil, &user); err != nil {
		return nil, errors.Wrap(err, "[gotrue.GetUser]")
	}

	c.mu.Lock()
	if c.session != nil && c.session.AccessToken == s.AccessToken {
		c.session.User = user.Clone()
	}
	c.mu.Unlock()
	return &user, nil
}

func (c *Client) OnAuthStateChange(handler func(provider.AuthEvent)) provider.Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = handler

	return provider.SubscriptionFunc(func() error {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subs, id)
		return nil
	})
}

// StartAutoRefresh checks the session every interval and refreshes it ahead of expiry
// until ctx is done.
func (c *Client) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.GetSession(ctx); err != nil {
					c.logger.Warn().Err(err).Msg("auto refresh failed")
				}
			}
		}
	}()
}

func (c *Client) startSession(ctx context.Context, tr *tokenResponse) (*provider.Session, error) {
	s, err := c.sessionFromResponse(ctx, tr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.persist(ctx, s); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.restored = true
	c.session = s
	c.mu.Unlock()

	c.emit(provider.AuthEvent{Kind: provider.EventSignedIn, Session: s.Clone()})
	return s.Clone(), nil
}

func (c *Client) emit(events ...provider.AuthEvent) {
	if len(events) == 0 {
		return
	}
	c.subsMu.RLock()
	handlers := make([]func(provider.AuthEvent), 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.subsMu.RUnlock()

	for _, event := range events {
		for _, h := range handlers {
			h(provider.AuthEvent{Kind: event.Kind, Session: event.Session.Clone()})
		}
	}
}
