package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jrsteele09/invoicer-auth/internal/config"
	"github.com/jrsteele09/invoicer-auth/provider"
	"github.com/jrsteele09/invoicer-auth/provider/providerfake"
	"github.com/jrsteele09/invoicer-auth/session"
	"github.com/jrsteele09/invoicer-auth/storage"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "ana@invoicer.test"
	testPassword = "s3cret-pass"
	storageKey   = "supabase.auth.token"
)

var configured = config.EnvVars{
	ProviderURL: "https://abc.supabase.co",
	ProviderKey: "anon-key",
	StorageKey:  storageKey,
}

type testFixture struct {
	provider *providerfake.FakeProvider
	store    *storage.InMemoryStore
	client   *session.Client
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	store := storage.NewInMemoryStore()
	p := providerfake.New(providerfake.WithStorage(store, storageKey))
	_, err := p.AddUser(testEmail, testPassword)
	require.NoError(t, err)

	c := session.NewClient(configured, p, store)
	t.Cleanup(c.Close)

	return &testFixture{provider: p, store: store, client: c}
}

func TestSignInWithPassword(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	s, err := f.client.SignInWithPassword(ctx, testEmail, testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, s.AccessToken)
	require.Equal(t, testEmail, s.User.Email)

	current, err := f.client.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, s.AccessToken, current.AccessToken)

	user, err := f.client.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, s.User.ID, user.ID)

	_, found, err := f.store.GetItem(ctx, storageKey)
	require.NoError(t, err)
	require.True(t, found)
}

func TestSignInWithPassword_UnknownCredentialsKeepPriorSession(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	prior, err := f.client.SignInWithPassword(ctx, testEmail, testPassword)
	require.NoError(t, err)

	for _, creds := range [][2]string{
		{"nobody@invoicer.test", testPassword},
		{testEmail, "wrong-password"},
		{"", ""},
	} {
		_, err := f.client.SignInWithPassword(ctx, creds[0], creds[1])
		require.ErrorIs(t, err, session.ErrAuthentication)

		var perr *provider.Error
		require.ErrorAs(t, err, &perr)
		require.Equal(t, "invalid_credentials", perr.Code)

		cached, _ := f.client.Cached()
		require.Equal(t, prior.AccessToken, cached.AccessToken)
		current, err := f.client.CurrentSession(ctx)
		require.NoError(t, err)
		require.Equal(t, prior.AccessToken, current.AccessToken)
	}
}

func TestSignUp(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	t.Run("creates account and session", func(t *testing.T) {
		res, err := f.client.SignUp(ctx, "new@invoicer.test", "long-enough")
		require.NoError(t, err)
		require.NotNil(t, res.Session)
		require.Equal(t, "new@invoicer.test", res.User.Email)
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := f.client.SignUp(ctx, testEmail, "long-enough")
		require.ErrorIs(t, err, session.ErrValidation)
	})

	t.Run("weak password", func(t *testing.T) {
		_, err := f.client.SignUp(ctx, "weak@invoicer.test", "123")
		require.ErrorIs(t, err, session.ErrValidation)
		require.Contains(t, err.Error(), "weak_password")
	})

	t.Run("confirmation required returns no session", func(t *testing.T) {
		f.provider.RequireConfirmation = true
		defer func() { f.provider.RequireConfirmation = false }()

		res, err := f.client.SignUp(ctx, "confirm@invoicer.test", "long-enough")
		require.NoError(t, err)
		require.Nil(t, res.Session)
		require.NotNil(t, res.User)
		require.Nil(t, res.User.EmailConfirmedAt)
	})
}

func TestOneTimeCodeAndPasswordReset(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.SignInWithOneTimeCode(ctx, testEmail))
	require.NoError(t, f.client.SendPasswordReset(ctx, testEmail, "invoicer://reset"))
	require.Equal(t, []string{testEmail, testEmail}, f.provider.Delivered)

	f.provider.DeliveryErr = &provider.Error{Status: 429, Code: "over_email_send_rate_limit", Message: "email rate limit exceeded"}
	err := f.client.SignInWithOneTimeCode(ctx, testEmail)
	require.ErrorIs(t, err, session.ErrDelivery)
	err = f.client.SendPasswordReset(ctx, testEmail, "")
	require.ErrorIs(t, err, session.ErrDelivery)
}

func TestSignOut(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	_, err := f.client.SignInWithPassword(ctx, testEmail, testPassword)
	require.NoError(t, err)

	require.NoError(t, f.client.SignOut(ctx))

	current, err := f.client.CurrentSession(ctx)
	require.NoError(t, err)
	require.Nil(t, current)
	_, found, err := f.store.GetItem(ctx, storageKey)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSignOut_RemoteFailureStillClearsLocalState(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	_, err := f.client.SignInWithPassword(ctx, testEmail, testPassword)
	require.NoError(t, err)
	f.provider.SignOutErr = errors.New("network unreachable")

	require.NoError(t, f.client.SignOut(ctx))

	current, err := f.client.CurrentSession(ctx)
	require.NoError(t, err)
	require.Nil(t, current)
	cached, user := f.client.Cached()
	require.Nil(t, cached)
	require.Nil(t, user)
	_, found, err := f.store.GetItem(ctx, storageKey)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSignOut_CancelledContextStillClearsStorage(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.client.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	f.provider.SignOutErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.client.SignOut(ctx))

	_, found, err := f.store.GetItem(context.Background(), storageKey)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSubscribe(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	var first, second atomic.Int32
	unsubFirst, err := f.client.Subscribe(func(provider.AuthEvent) { first.Add(1) })
	require.NoError(t, err)
	unsubSecond, err := f.client.Subscribe(func(provider.AuthEvent) { second.Add(1) })
	require.NoError(t, err)

	_, err = f.client.SignInWithPassword(ctx, testEmail, testPassword)
	require.NoError(t, err)
	require.EqualValues(t, 1, first.Load())
	require.EqualValues(t, 1, second.Load())

	unsubFirst()
	unsubSecond()
	unsubFirst()

	f.provider.Emit(provider.AuthEvent{Kind: provider.EventSignedIn, Session: &provider.Session{AccessToken: "x"}})
	_, err = f.client.SignInWithPassword(ctx, testEmail, testPassword)
	require.NoError(t, err)

	require.EqualValues(t, 1, first.Load())
	require.EqualValues(t, 1, second.Load())
}

func TestSubscribe_UnsubscribeAfterProviderClosed(t *testing.T) {
	f := setupTestFixture(t)

	var calls atomic.Int32
	unsub, err := f.client.Subscribe(func(provider.AuthEvent) { calls.Add(1) })
	require.NoError(t, err)

	f.provider.Close()
	require.NotPanics(t, unsub)
	require.NotPanics(t, unsub)
	require.Zero(t, calls.Load())
}

func TestSubscribe_PanickingSubscriptionIsContained(t *testing.T) {
	p := &panickyProvider{FakeProvider: providerfake.New()}
	c := session.NewClient(configured, p, storage.NewInMemoryStore())

	unsub, err := c.Subscribe(func(provider.AuthEvent) {})
	require.NoError(t, err)
	require.NotPanics(t, unsub)
}

func TestEventsKeepCacheInSync(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	_, err := f.client.SignInWithPassword(ctx, testEmail, testPassword)
	require.NoError(t, err)

	refreshed, err := f.provider.RefreshSession(ctx)
	require.NoError(t, err)
	cached, user := f.client.Cached()
	require.Equal(t, refreshed.AccessToken, cached.AccessToken)
	require.Equal(t, cached.User.ID, user.ID)

	f.provider.Emit(provider.AuthEvent{Kind: provider.EventSignedOut})
	cached, user = f.client.Cached()
	require.Nil(t, cached)
	require.Nil(t, user)
}

func TestRestore(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	s, u, err := f.client.Restore(ctx)
	require.NoError(t, err)
	require.Nil(t, s)
	require.Nil(t, u)

	signedIn, err := f.provider.SignInWithPassword(ctx, testEmail, testPassword)
	require.NoError(t, err)

	s, u, err = f.client.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, signedIn.AccessToken, s.AccessToken)
	require.Equal(t, testEmail, u.Email)
}

func TestMissingConfigurationFailsWithoutProviderCalls(t *testing.T) {
	ctx := context.Background()

	for name, settings := range map[string]session.Settings{
		"no url": config.EnvVars{ProviderKey: "anon-key"},
		"no key": config.EnvVars{ProviderURL: "https://abc.supabase.co"},
		"none":   config.EnvVars{},
	} {
		t.Run(name, func(t *testing.T) {
			p := providerfake.New()
			_, err := p.AddUser(testEmail, testPassword)
			require.NoError(t, err)
			c := session.NewClient(settings, p, storage.NewInMemoryStore())

			_, err = c.SignUp(ctx, "x@invoicer.test", testPassword)
			require.ErrorIs(t, err, session.ErrConfiguration)
			_, err = c.SignInWithPassword(ctx, testEmail, testPassword)
			require.ErrorIs(t, err, session.ErrConfiguration)
			require.ErrorIs(t, c.SignInWithOneTimeCode(ctx, testEmail), session.ErrConfiguration)
			require.ErrorIs(t, c.SendPasswordReset(ctx, testEmail, ""), session.ErrConfiguration)
			require.ErrorIs(t, c.SignOut(ctx), session.ErrConfiguration)
			_, err = c.CurrentSession(ctx)
			require.ErrorIs(t, err, session.ErrConfiguration)
			_, err = c.CurrentUser(ctx)
			require.ErrorIs(t, err, session.ErrConfiguration)
			unsub, err := c.Subscribe(func(provider.AuthEvent) {})
			require.ErrorIs(t, err, session.ErrConfiguration)
			require.NotPanics(t, unsub)

			require.Zero(t, p.Calls())
			require.Zero(t, p.Subscribers())
		})
	}
}

func TestMissingProviderIsConfigurationError(t *testing.T) {
	c := session.NewClient(configured, nil, storage.NewInMemoryStore())
	_, err := c.CurrentSession(context.Background())
	require.ErrorIs(t, err, session.ErrConfiguration)
}

func TestSignIn_OutageIsNotReportedAsRejection(t *testing.T) {
	outage := errors.New("dial tcp: lookup abc.supabase.co: no such host")
	p := &unreachableProvider{FakeProvider: providerfake.New(), err: outage}
	_, err := p.AddUser(testEmail, testPassword)
	require.NoError(t, err)
	c := session.NewClient(configured, p, storage.NewInMemoryStore())
	t.Cleanup(c.Close)
	ctx := context.Background()

	_, err = c.SignInWithPassword(ctx, testEmail, testPassword)
	require.ErrorIs(t, err, session.ErrUnavailable)
	require.ErrorIs(t, err, outage)
	require.NotErrorIs(t, err, session.ErrAuthentication)

	_, err = c.SignUp(ctx, "bo@invoicer.test", testPassword)
	require.ErrorIs(t, err, session.ErrUnavailable)
	require.NotErrorIs(t, err, session.ErrValidation)

	p.err = &provider.Error{Status: 502, Message: "bad gateway"}
	_, err = c.SignInWithPassword(ctx, testEmail, testPassword)
	require.ErrorIs(t, err, session.ErrUnavailable)
}

func TestClose_ConcurrentWithFirstUse(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.client.CurrentSession(ctx)
		}()
		go func() {
			defer wg.Done()
			f.client.Close()
		}()
	}
	wg.Wait()
	f.client.Close()
	require.Zero(t, f.provider.Subscribers())
}

type unreachableProvider struct {
	*providerfake.FakeProvider
	err error
}

func (p *unreachableProvider) SignUp(context.Context, string, string) (*provider.SignUpResult, error) {
	return nil, p.err
}

func (p *unreachableProvider) SignInWithPassword(context.Context, string, string) (*provider.Session, error) {
	return nil, p.err
}

type panickyProvider struct {
	*providerfake.FakeProvider
}

func (p *panickyProvider) OnAuthStateChange(func(provider.AuthEvent)) provider.Subscription {
	return provider.SubscriptionFunc(func() error { panic("connection torn down") })
}
