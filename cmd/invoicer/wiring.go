package main

import (
	"context"
	"io"

	"github.com/jrsteele09/invoicer-auth/apiclient"
	"github.com/jrsteele09/invoicer-auth/internal/config"
	"github.com/jrsteele09/invoicer-auth/internal/logging"
	"github.com/jrsteele09/invoicer-auth/provider"
	"github.com/jrsteele09/invoicer-auth/provider/gotrue"
	"github.com/jrsteele09/invoicer-auth/session"
	"github.com/jrsteele09/invoicer-auth/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// newApp builds the dependency graph: storage, identity provider, session client and
// API client. The returned cleanup releases everything newApp opened.
func newApp(ctx context.Context, c config.Config, out io.Writer) (*app, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	store, closeStore, err := newStore(c)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, closeStore)

	var p provider.Provider
	if c.IsProviderConfigured() {
		gt, err := gotrue.New(c.GetProviderURL(), c.GetProviderKey(), store,
			gotrue.WithStorageKey(c.GetStorageKey()),
			gotrue.WithRefreshMargin(c.GetRefreshMargin()),
			gotrue.WithLogger(logging.Component("gotrue")),
		)
		if err != nil {
			cleanup()
			return nil, func() {}, errors.Wrap(err, "[newApp] gotrue")
		}
		gt.StartAutoRefresh(ctx, c.GetAutoRefreshInterval())
		p = gt
	} else {
		log.Warn().Msg("SUPABASE_URL or SUPABASE_ANON_KEY is not set, authentication is disabled")
	}

	sessions := session.NewClient(c, p, store, session.WithLogger(logging.Component("session")))
	closers = append(closers, sessions.Close)

	api := apiclient.New(c, sessions,
		apiclient.WithLogger(logging.Component("apiclient")),
		apiclient.WithMetrics(prometheus.DefaultRegisterer),
	)

	return &app{sessions: sessions, api: api, out: out}, cleanup, nil
}

func newStore(c config.StorageConfig) (storage.SecureStore, func(), error) {
	switch c.GetStorageBackend() {
	case config.StorageMemory:
		return storage.NewInMemoryStore(), func() {}, nil
	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{Addr: c.GetRedisAddr()})
		store, err := storage.NewRedisStore(client, c.GetRedisPrefix())
		if err != nil {
			_ = client.Close()
			return nil, nil, errors.Wrap(err, "[newStore]")
		}
		return store, func() { _ = client.Close() }, nil
	default:
		store, err := storage.NewFileStore(c.GetStorageFile(), c.GetStoragePassphrase())
		if err != nil {
			return nil, nil, errors.Wrap(err, "[newStore]")
		}
		return store, func() {}, nil
	}
}
