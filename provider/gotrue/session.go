package gotrue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/invoicer-auth/provider"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const sessionExtraKey = "session"

type tokenResponse struct {
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in"`
	ExpiresAt    int64          `json:"expires_at"`
	RefreshToken string         `json:"refresh_token"`
	User         *provider.User `json:"user"`
}

type accessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

func (c *Client) sessionFromResponse(ctx context.Context, tr *tokenResponse) (*provider.Session, error) {
	if tr.AccessToken == "" {
		return nil, errors.Wrap(provider.ErrNoSession, "token response without access token")
	}

	s := &provider.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		User:         tr.User.Clone(),
	}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		s.ExpiresAt = c.nowTime().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	if s.ExpiresAt.IsZero() || s.User == nil {
		claims, err := readClaims(tr.AccessToken)
		if err != nil {
			c.logger.Debug().Err(err).Msg("access token claims unreadable")
		} else {
			if s.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
				s.ExpiresAt = claims.ExpiresAt.Time
			}
			if s.User == nil && claims.Subject != "" {
				s.User = &provider.User{ID: claims.Subject, Email: claims.Email, Role: claims.Role}
			}
		}
	}

	if c.verifier != nil {
		if _, err := c.verifier.Verify(ctx, s.AccessToken); err != nil {
			return nil, errors.Wrap(provider.ErrInvalidSession, err.Error())
		}
	}
	return s, nil
}

// readClaims decodes the access token payload without checking its signature; the
// provider is the authority on validity.
func readClaims(accessToken string) (*accessClaims, error) {
	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// restoreLocked loads the persisted session the first time it is called and returns
// the INITIAL_SESSION event to emit once the lock is released.
func (c *Client) restoreLocked(ctx context.Context) []provider.AuthEvent {
	if c.restored {
		return nil
	}
	c.restored = true

	value, found, err := c.store.GetItem(ctx, c.storageKey)
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Msg("reading stored session failed")
	case found:
		var s provider.Session
		if err := json.Unmarshal([]byte(value), &s); err != nil || s.AccessToken == "" {
			c.logger.Warn().Msg("discarding unreadable stored session")
			_ = c.store.RemoveItem(ctx, c.storageKey)
		} else {
			c.session = &s
		}
	}
	return []provider.AuthEvent{{Kind: provider.EventInitialSession, Session: c.session.Clone()}}
}

// refreshLocked returns the current session, refreshing it first when it is inside the
// refresh margin (or always, when force is set). A refresh the provider rejects ends the
// session; a transport failure leaves it in place.
func (c *Client) refreshLocked(ctx context.Context, force bool) (*provider.Session, *provider.AuthEvent, error) {
	current := c.session
	tok := current.Token()
	if force {
		tok.Expiry = time.Unix(1, 0)
	}

	src := &refreshSource{ctx: ctx, client: c, refreshToken: current.RefreshToken}
	fresh, err := oauth2.ReuseTokenSourceWithExpiry(tok, src, c.refreshMargin).Token()
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) && perr.Status >= 400 && perr.Status < 500 {
			c.logger.Warn().Err(err).Msg("refresh rejected, ending session")
			c.session = nil
			_ = c.store.RemoveItem(context.WithoutCancel(ctx), c.storageKey)
			return nil, &provider.AuthEvent{Kind: provider.EventSignedOut}, err
		}
		return nil, nil, err
	}

	s, ok := fresh.Extra(sessionExtraKey).(*provider.Session)
	if !ok {
		return current.Clone(), nil, nil
	}
	if s.User == nil {
		s.User = current.User.Clone()
	}
	c.session = s
	if err := c.persist(ctx, s); err != nil {
		c.logger.Warn().Err(err).Msg("persisting refreshed session failed")
	}
	return s.Clone(), &provider.AuthEvent{Kind: provider.EventTokenRefreshed, Session: s.Clone()}, nil
}

func (c *Client) persist(ctx context.Context, s *provider.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	return errors.Wrap(c.store.SetItem(ctx, c.storageKey, string(data)), "store session")
}

// refreshSource performs the refresh_token grant. The resulting session rides along in
// the token's extra data.
type refreshSource struct {
	ctx          context.Context
	client       *Client
	refreshToken string
}

func (r *refreshSource) Token() (*oauth2.Token, error) {
	if r.refreshToken == "" {
		return nil, &provider.Error{Status: http.StatusBadRequest, Code: "refresh_token_not_found", Message: "session has no refresh token"}
	}

	var tr tokenResponse
	body := struct {
		RefreshToken string `json:"refresh_token"`
	}{RefreshToken: r.refreshToken}
	query := url.Values{"grant_type": {"refresh_token"}}
	if err := r.client.do(r.ctx, http.MethodPost, "/token", query, "", body, &tr); err != nil {
		return nil, err
	}

	s, err := r.client.sessionFromResponse(r.ctx, &tr)
	if err != nil {
		return nil, err
	}
	return s.Token().WithExtra(map[string]any{sessionExtraKey: s}), nil
}
