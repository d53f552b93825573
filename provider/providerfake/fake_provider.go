// Package providerfake is an in-memory identity provider used by tests and offline runs.
package providerfake

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/invoicer-auth/provider"
	"github.com/jrsteele09/invoicer-auth/storage"
	"golang.org/x/crypto/bcrypt"
)

var _ provider.Provider = (*FakeProvider)(nil)

// ErrClosed is returned by Unsubscribe once the fake has been closed.
var ErrClosed = errors.New("provider connection closed")

const minPasswordLength = 6

type account struct {
	user         *provider.User
	passwordHash []byte
}

// FakeProvider implements provider.Provider entirely in memory.
type FakeProvider struct {
	lock        sync.RWMutex
	accounts    map[string]*account // email -> account
	current     *provider.Session
	subscribers map[int]func(provider.AuthEvent)
	nextSubID   int
	closed      bool

	store      storage.SecureStore
	storageKey string
	signingKey []byte
	tokenTTL   time.Duration
	now        func() time.Time
	calls      atomic.Int64

	// RequireConfirmation makes SignUp return a user without a session.
	RequireConfirmation bool
	// SignOutErr is returned by SignOut after the local session is dropped. Storage is
	// left untouched in that case, like a client that failed half way.
	SignOutErr error
	// DeliveryErr is returned by SignInWithOTP and ResetPasswordForEmail.
	DeliveryErr error
	// Delivered records every email a code or reset link was sent to.
	Delivered []string
}

type Option func(*FakeProvider)

// WithStorage persists the current session as JSON under key.
func WithStorage(store storage.SecureStore, key string) Option {
	return func(p *FakeProvider) {
		p.store = store
		p.storageKey = key
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(p *FakeProvider) {
		p.tokenTTL = ttl
	}
}

func WithNowTime(now func() time.Time) Option {
	return func(p *FakeProvider) {
		p.now = now
	}
}

func New(options ...Option) *FakeProvider {
	p := &FakeProvider{
		accounts:    make(map[string]*account),
		subscribers: make(map[int]func(provider.AuthEvent)),
		signingKey:  []byte("fake-provider-signing-key"),
		tokenTTL:    time.Hour,
		now:         time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// AddUser registers a confirmed account directly.
func (p *FakeProvider) AddUser(email, password string) (*provider.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	now := p.now()
	user := &provider.User{
		ID:               uuid.New().String(),
		Aud:              "authenticated",
		Role:             "authenticated",
		Email:            normalizeEmail(email),
		EmailConfirmedAt: &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	p.accounts[user.Email] = &account{user: user, passwordHash: hash}
	return user.Clone(), nil
}

// Calls reports how many Provider methods have been invoked.
func (p *FakeProvider) Calls() int64 {
	return p.calls.Load()
}

// Close simulates the provider connection going away.
func (p *FakeProvider) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.closed = true
	p.subscribers = make(map[int]func(provider.AuthEvent))
}

// Emit delivers event to every subscriber, as if the provider had raised it.
func (p *FakeProvider) Emit(event provider.AuthEvent) {
	p.lock.RLock()
	handlers := make([]func(provider.AuthEvent), 0, len(p.subscribers))
	for _, h := range p.subscribers {
		handlers = append(handlers, h)
	}
	p.lock.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (p *FakeProvider) SignUp(ctx context.Context, email, password string) (*provider.SignUpResult, error) {
	p.calls.Add(1)
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, &provider.Error{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Unable to validate email address: invalid format"}
	}
	if len(password) < minPasswordLength {
		return nil, &provider.Error{Status: http.StatusUnprocessableEntity, Code: "weak_password", Message: "Password should be at least 6 characters."}
	}

	p.lock.RLock()
	_, exists := p.accounts[email]
	p.lock.RUnlock()
	if exists {
		return nil, &provider.Error{Status: http.StatusUnprocessableEntity, Code: "user_already_exists", Message: "User already registered"}
	}

	user, err := p.AddUser(email, password)
	if err != nil {
		return nil, err
	}
	if p.RequireConfirmation {
		user.EmailConfirmedAt = nil
		return &provider.SignUpResult{User: user}, nil
	}

	session, err := p.startSession(ctx, user)
	if err != nil {
		return nil, err
	}
	return &provider.SignUpResult{User: session.User.Clone(), Session: session}, nil
}

func (p *FakeProvider) SignInWithPassword(ctx context.Context, email, password string) (*provider.Session, error) {
	p.calls.Add(1)
	p.lock.RLock()
	acc, ok := p.accounts[normalizeEmail(email)]
	p.lock.RUnlock()

	if !ok || bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)) != nil {
		return nil, &provider.Error{Status: http.StatusBadRequest, Code: "invalid_credentials", Message: "Invalid login credentials"}
	}
	return p.startSession(ctx, acc.user.Clone())
}

func (p *FakeProvider) SignInWithOTP(_ context.Context, email string) error {
	p.calls.Add(1)
	return p.deliver(email)
}

func (p *FakeProvider) ResetPasswordForEmail(_ context.Context, email, _ string) error {
	p.calls.Add(1)
	return p.deliver(email)
}

func (p *FakeProvider) SignOut(ctx context.Context) error {
	p.calls.Add(1)
	p.lock.Lock()
	p.current = nil
	p.lock.Unlock()

	if p.SignOutErr != nil {
		p.Emit(provider.AuthEvent{Kind: provider.EventSignedOut})
		return p.SignOutErr
	}
	if p.store != nil {
		if err := p.store.RemoveItem(ctx, p.storageKey); err != nil {
			return err
		}
	}
	p.Emit(provider.AuthEvent{Kind: provider.EventSignedOut})
	return nil
}

func (p *FakeProvider) GetSession(_ context.Context) (*provider.Session, error) {
	p.calls.Add(1)
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.current.Clone(), nil
}

func (p *FakeProvider) GetUser(_ context.Context) (*provider.User, error) {
	p.calls.Add(1)
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.current == nil {
		return nil, provider.ErrNoSession
	}
	return p.current.User.Clone(), nil
}

func (p *FakeProvider) RefreshSession(ctx context.Context) (*provider.Session, error) {
	p.calls.Add(1)
	p.lock.RLock()
	current := p.current.Clone()
	p.lock.RUnlock()
	if current == nil {
		return nil, provider.ErrNoSession
	}

	session, err := p.issue(current.User)
	if err != nil {
		return nil, err
	}
	if err := p.setCurrent(ctx, session); err != nil {
		return nil, err
	}
	p.Emit(provider.AuthEvent{Kind: provider.EventTokenRefreshed, Session: session.Clone()})
	return session, nil
}

func (p *FakeProvider) OnAuthStateChange(handler func(provider.AuthEvent)) provider.Subscription {
	p.lock.Lock()
	defer p.lock.Unlock()

	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = handler

	return provider.SubscriptionFunc(func() error {
		p.lock.Lock()
		defer p.lock.Unlock()
		if p.closed {
			return ErrClosed
		}
		delete(p.subscribers, id)
		return nil
	})
}

// Subscribers reports the number of live registrations.
func (p *FakeProvider) Subscribers() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.subscribers)
}

func (p *FakeProvider) startSession(ctx context.Context, user *provider.User) (*provider.Session, error) {
	now := p.now()
	user.LastSignInAt = &now
	session, err := p.issue(user)
	if err != nil {
		return nil, err
	}
	if err := p.setCurrent(ctx, session); err != nil {
		return nil, err
	}
	p.Emit(provider.AuthEvent{Kind: provider.EventSignedIn, Session: session.Clone()})
	return session, nil
}

func (p *FakeProvider) setCurrent(ctx context.Context, session *provider.Session) error {
	p.lock.Lock()
	p.current = session.Clone()
	p.lock.Unlock()

	if p.store == nil {
		return nil
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return p.store.SetItem(ctx, p.storageKey, string(data))
}

func (p *FakeProvider) issue(user *provider.User) (*provider.Session, error) {
	now := p.now()
	expiresAt := now.Add(p.tokenTTL).Truncate(time.Second)
	claims := jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"role":  user.Role,
		"aud":   "authenticated",
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
		"jti":   uuid.New().String(),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signingKey)
	if err != nil {
		return nil, err
	}
	return &provider.Session{
		AccessToken:  accessToken,
		RefreshToken: uuid.New().String(),
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
		User:         user.Clone(),
	}, nil
}

func (p *FakeProvider) deliver(email string) error {
	if p.DeliveryErr != nil {
		return p.DeliveryErr
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.Delivered = append(p.Delivered, normalizeEmail(email))
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
