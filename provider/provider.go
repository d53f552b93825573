// Package provider defines the contract the session client consumes from an external
// identity provider, and the session, user and event types that cross it.
package provider

import "context"

// EventKind names an auth state change.
type EventKind string

const (
	EventInitialSession   EventKind = "INITIAL_SESSION"
	EventSignedIn         EventKind = "SIGNED_IN"
	EventSignedOut        EventKind = "SIGNED_OUT"
	EventTokenRefreshed   EventKind = "TOKEN_REFRESHED"
	EventUserUpdated      EventKind = "USER_UPDATED"
	EventPasswordRecovery EventKind = "PASSWORD_RECOVERY"
)

// AuthEvent is delivered to subscribers on every sign-in, sign-out or refresh.
// Session is nil once signed out.
type AuthEvent struct {
	Kind    EventKind
	Session *Session
}

// SignUpResult carries what the provider returned for a new account. Session is nil
// when the provider requires email confirmation first.
type SignUpResult struct {
	User    *User
	Session *Session
}

// Subscription is the provider's handle for an OnAuthStateChange registration.
type Subscription interface {
	Unsubscribe() error
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error {
	return f()
}

// Provider is the identity provider client. Implementations own token storage and
// refresh; callers only see Session and User values.
type Provider interface {
	SignUp(ctx context.Context, email, password string) (*SignUpResult, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignInWithOTP(ctx context.Context, email string) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	// SignOut forgets the local session even when the remote call fails.
	SignOut(ctx context.Context) error
	// GetSession returns the current session, restoring or refreshing it as needed.
	// A nil session with a nil error means nobody is signed in.
	GetSession(ctx context.Context) (*Session, error)
	GetUser(ctx context.Context) (*User, error)
	RefreshSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(handler func(AuthEvent)) Subscription
}
