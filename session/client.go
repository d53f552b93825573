// Package session is the application's view of the signed-in identity. It wraps an
// injected provider.Provider, keeps a read-only cache of the current session and user, and
// guarantees local cleanup on sign-out.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jrsteele09/invoicer-auth/provider"
	"github.com/jrsteele09/invoicer-auth/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings is the part of the configuration the client checks before any provider call.
type Settings interface {
	GetProviderURL() string
	GetProviderKey() string
	GetStorageKey() string
}

// Handler receives auth change events.
type Handler func(provider.AuthEvent)

// Client provides identity operations on top of an identity provider.
type Client struct {
	settings Settings
	provider provider.Provider
	store    storage.SecureStore
	logger   zerolog.Logger

	guardOnce sync.Once
	guardErr  error

	mu      sync.RWMutex
	session *provider.Session
	syncOff func()
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used by the client.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient never fails: missing configuration is reported as ErrConfiguration by the
// first operation instead.
func NewClient(settings Settings, p provider.Provider, store storage.SecureStore, options ...ClientOption) *Client {
	c := &Client{
		settings: settings,
		provider: p,
		store:    store,
		logger:   log.With().Str("component", "session").Logger(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// SignUp creates an account. The result's Session is nil when the provider wants the
// email confirmed first.
func (c *Client) SignUp(ctx context.Context, email, password string) (*provider.SignUpResult, error) {
	if err := c.ensureConfigured(); err != nil {
		return nil, err
	}
	res, err := c.provider.SignUp(ctx, email, password)
	if err != nil {
		return nil, rejectionError("SignUp", ErrValidation, err)
	}
	if res == nil {
		return &provider.SignUpResult{}, nil
	}
	if res.Session != nil {
		c.setSession(res.Session)
	}
	c.logger.Info().Str("email", email).Bool("confirmation_required", res.Session == nil).Msg("signed up")
	return &provider.SignUpResult{User: res.User.Clone(), Session: res.Session.Clone()}, nil
}

// SignInWithPassword signs in and replaces the cached session. On failure the cached
// session is left untouched.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*provider.Session, error) {
	if err := c.ensureConfigured(); err != nil {
		return nil, err
	}
	s, err := c.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, rejectionError("SignInWithPassword", ErrAuthentication, err)
	}
	if s == nil {
		return nil, opError("SignInWithPassword", ErrAuthentication, provider.ErrNoSession)
	}
	c.setSession(s)
	c.logger.Info().Str("email", email).Msg("signed in")
	return s.Clone(), nil
}

// SignInWithOneTimeCode asks the provider to email a one-time code or magic link.
func (c *Client) SignInWithOneTimeCode(ctx context.Context, email string) error {
	if err := c.ensureConfigured(); err != nil {
		return err
	}
	if err := c.provider.SignInWithOTP(ctx, email); err != nil {
		return opError("SignInWithOneTimeCode", ErrDelivery, err)
	}
	c.logger.Info().Str("email", email).Msg("one-time code sent")
	return nil
}

// SendPasswordReset asks the provider to email a reset link. An empty redirectTo uses
// the provider's default.
func (c *Client) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	if err := c.ensureConfigured(); err != nil {
		return err
	}
	if err := c.provider.ResetPasswordForEmail(ctx, email, redirectTo); err != nil {
		return opError("SendPasswordReset", ErrDelivery, err)
	}
	c.logger.Info().Str("email", email).Msg("password reset sent")
	return nil
}

// SignOut invalidates the session remotely on a best-effort basis and always clears the
// local copy and the storage entry. A remote failure is logged, not returned.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.ensureConfigured(); err != nil {
		return err
	}

	if err := c.provider.SignOut(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("remote sign out failed, clearing local session anyway")
	}

	c.setSession(nil)
	// local cleanup must outlive a cancelled caller
	if err := c.store.RemoveItem(context.WithoutCancel(ctx), c.settings.GetStorageKey()); err != nil {
		return errors.Wrap(err, "[session.SignOut] remove stored session")
	}
	c.logger.Info().Msg("signed out")
	return nil
}

// CurrentSession returns the provider's current session, or nil when nobody is signed
// in. Provider failures are logged and reported as no session.
func (c *Client) CurrentSession(ctx context.Context) (*provider.Session, error) {
	if err := c.ensureConfigured(); err != nil {
		return nil, err
	}
	s, err := c.provider.GetSession(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("get session failed")
		return nil, nil
	}
	c.setSession(s)
	return s.Clone(), nil
}

// CurrentUser returns the user of the current session, or nil.
func (c *Client) CurrentUser(ctx context.Context) (*provider.User, error) {
	s, err := c.CurrentSession(ctx)
	if err != nil || s == nil {
		return nil, err
	}
	if s.User != nil {
		return s.User, nil
	}

	u, err := c.provider.GetUser(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("get user failed")
		return nil, nil
	}
	return u.Clone(), nil
}

// Restore loads the session once at start-up so Cached is populated before the first
// event arrives.
func (c *Client) Restore(ctx context.Context) (*provider.Session, *provider.User, error) {
	s, err := c.CurrentSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	u, err := c.CurrentUser(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, u, nil
}

// Cached returns the last known session and user without touching the provider.
func (c *Client) Cached() (*provider.Session, *provider.User) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, nil
	}
	s := c.session.Clone()
	return s, s.User
}

// Subscribe registers handler for every auth change event. The returned function
// unsubscribes; it may be called any number of times, including after the provider is
// gone, and never panics or returns an error.
func (c *Client) Subscribe(handler Handler) (func(), error) {
	if err := c.ensureConfigured(); err != nil {
		return func() {}, err
	}
	if handler == nil {
		return func() {}, nil
	}
	return c.subscribe(handler), nil
}

// Close drops the client's own cache-sync subscription.
func (c *Client) Close() {
	c.mu.Lock()
	off := c.syncOff
	c.syncOff = nil
	c.mu.Unlock()
	if off != nil {
		off()
	}
}

func (c *Client) subscribe(handler Handler) func() {
	var active atomic.Bool
	active.Store(true)

	sub := c.provider.OnAuthStateChange(func(event provider.AuthEvent) {
		if !active.Load() {
			return
		}
		handler(provider.AuthEvent{Kind: event.Kind, Session: event.Session.Clone()})
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			active.Store(false)
			c.unsubscribe(sub)
		})
	}
}

func (c *Client) unsubscribe(sub provider.Subscription) {
	if sub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn().Str("panic", fmt.Sprint(r)).Msg("unsubscribe from auth changes panicked")
		}
	}()
	if err := sub.Unsubscribe(); err != nil {
		c.logger.Warn().Err(err).Msg("unsubscribe from auth changes failed")
	}
}

func (c *Client) ensureConfigured() error {
	c.guardOnce.Do(func() {
		var missing string
		switch {
		case c.settings == nil:
			missing = "settings"
		case c.settings.GetProviderURL() == "":
			missing = "provider URL (SUPABASE_URL)"
		case c.settings.GetProviderKey() == "":
			missing = "provider public key (SUPABASE_ANON_KEY)"
		case c.provider == nil:
			missing = "provider client"
		case c.store == nil:
			missing = "secure storage"
		}
		if missing != "" {
			c.guardErr = &Error{Op: "configure", Kind: ErrConfiguration, Err: fmt.Errorf("missing %s", missing)}
			c.logger.Error().Err(c.guardErr).Msg("auth is not configured")
			return
		}
		off := c.subscribe(c.onAuthEvent)
		c.mu.Lock()
		c.syncOff = off
		c.mu.Unlock()
	})
	return c.guardErr
}

func (c *Client) onAuthEvent(event provider.AuthEvent) {
	switch event.Kind {
	case provider.EventSignedOut:
		c.setSession(nil)
	case provider.EventPasswordRecovery:
		if event.Session != nil {
			c.setSession(event.Session)
		}
	default:
		c.setSession(event.Session)
	}
	c.logger.Debug().Str("event", string(event.Kind)).Msg("auth state changed")
}

func (c *Client) setSession(s *provider.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s.Clone()
}
