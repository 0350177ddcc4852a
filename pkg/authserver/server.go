// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/grantkeeper/pkg/api"
	v1 "github.com/stacklok/grantkeeper/pkg/api/v1"
	"github.com/stacklok/grantkeeper/pkg/authserver/clients"
	"github.com/stacklok/grantkeeper/pkg/authserver/grants"
	"github.com/stacklok/grantkeeper/pkg/authserver/ledger"
	"github.com/stacklok/grantkeeper/pkg/authserver/metrics"
	"github.com/stacklok/grantkeeper/pkg/authserver/requestmeta"
	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/handlers"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/keys"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/authserver/vault"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

const readHeaderTimeout = 10 * time.Second

// Server is the OAuth2 authorization server.
type Server interface {
	// Handler serves every endpoint:
	//   - /oauth2/authorize, /oauth2/consent/{id}, /oauth2/token,
	//     /oauth2/introspect, /oauth2/revoke
	//   - /.well-known/oauth-authorization-server and /.well-known/jwks.json
	//   - /api/v1/... (client and authorization management)
	//   - /healthz, and /metrics when enabled
	Handler() http.Handler

	// Registry manages clients outside of a request, e.g. from the CLI.
	Registry() *clients.Registry

	// Config returns the effective configuration with defaults applied.
	Config() Config

	// Close releases resources held by the server.
	Close() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	storage storage.Storage
	users   handlers.UserResolver
}

// WithStorage uses stor instead of opening the configured backends. The
// caller keeps ownership: Close does not close it.
func WithStorage(stor storage.Storage) Option {
	return func(o *options) {
		o.storage = stor
	}
}

// WithUserResolver replaces the header based user resolver.
func WithUserResolver(users handlers.UserResolver) Option {
	return func(o *options) {
		o.users = users
	}
}

type server struct {
	cfg      Config
	handler  http.Handler
	registry *clients.Registry

	// closers run in reverse order on Close.
	closers []func() error
}

// New creates an authorization server from cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (Server, error) {
	logger.Debugw("creating new OAuth authorization server", "issuer", cfg.Issuer)

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Resolve(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &server{cfg: cfg}
	if err := s.build(ctx, o); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *server) build(ctx context.Context, o options) error {
	cfg := s.cfg

	stor := o.storage
	if stor == nil {
		var err error
		if stor, err = NewStorage(ctx, cfg.Storage); err != nil {
			return err
		}
		s.closers = append(s.closers, stor.Close)
	}

	catalog, err := scopes.NewRegistry(cfg.Scopes...)
	if err != nil {
		return fmt.Errorf("invalid scope catalog: %w", err)
	}

	keyProvider, err := keys.NewProviderFromConfig(cfg.Keys)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	m := metrics.Noop()
	var promProvider *metrics.Provider
	if cfg.Metrics.Enabled {
		if promProvider, err = metrics.NewPrometheusProvider(cfg.Metrics.PrometheusConfig); err != nil {
			return err
		}
		s.closers = append(s.closers, func() error { return promProvider.Shutdown(context.Background()) })
		if m, err = metrics.New(promProvider.MeterProvider); err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	v := vault.New()
	l := ledger.New(stor, ledger.WithMetrics(m))
	engine, err := grants.New(cfg.Tokens, grants.Dependencies{
		Clients: stor,
		Tokens:  stor,
		Ledger:  l,
		Scopes:  catalog,
		Vault:   v,
		Keys:    keyProvider,
	},
		grants.WithMetrics(m),
		grants.WithPermissions(grants.StaticPermissions(cfg.Permissions)),
	)
	if err != nil {
		return fmt.Errorf("failed to create grant engine: %w", err)
	}
	s.registry = clients.NewRegistry(stor, v, catalog, clients.WithRevoker(engine))

	users := o.users
	if users == nil {
		users = handlers.HeaderUserResolver{Header: cfg.UserHeader}
	}

	h, err := handlers.NewHandler(handlers.Config{
		Issuer:         cfg.Issuer,
		LoginURL:       cfg.LoginURL,
		ConsentPageURL: cfg.ConsentPageURL,
		TokenRateLimit: cfg.TokenRateLimit,
		TokenRateBurst: cfg.TokenRateBurst,
	}, handlers.Dependencies{
		Engine:  engine,
		Clients: stor,
		Keys:    keyProvider,
		Users:   users,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("failed to create OAuth handlers: %w", err)
	}

	apiRouter, err := api.Router(api.Dependencies{
		Engine:   engine,
		Registry: s.registry,
		Ledger:   l,
		Clients:  stor,
		Users:    users,
	}, cfg.EnableDocs)
	if err != nil {
		return fmt.Errorf("failed to create management API: %w", err)
	}

	extractorOpts := []requestmeta.Option{
		requestmeta.WithTrustedHeaders(!cfg.RequestMetadata.IgnoreProxyHeaders),
	}
	if path := cfg.RequestMetadata.GeoIPDatabase; path != "" {
		geo, err := requestmeta.NewMaxMindResolver(path)
		if err != nil {
			return fmt.Errorf("failed to open GeoIP database: %w", err)
		}
		s.closers = append(s.closers, geo.Close)
		extractorOpts = append(extractorOpts, requestmeta.WithGeoResolver(geo))
	}
	extractor := requestmeta.NewExtractor(extractorOpts...)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(cfg.RequestTimeout),
	)
	r.Group(func(r chi.Router) {
		r.Use(extractor.Middleware)
		h.OAuthRoutes(r)
	})
	h.WellKnownRoutes(r)
	r.Handle("/api/*", apiRouter)
	r.Mount("/healthz", v1.HealthcheckRouter(stor))
	if promProvider != nil {
		r.Handle("/metrics", promProvider.Handler())
	}

	s.handler = r
	logger.Infow("authorization server configured",
		"issuer", cfg.Issuer,
		"storage", cfg.Storage.Type,
		"metrics", cfg.Metrics.Enabled,
		"docs", cfg.EnableDocs,
	)
	return nil
}

func (s *server) Handler() http.Handler {
	return s.handler
}

func (s *server) Registry() *clients.Registry {
	return s.registry
}

func (s *server) Config() Config {
	return s.cfg
}

func (s *server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Serve listens on the configured address and serves srv until ctx is
// cancelled, then shuts down gracefully.
func Serve(ctx context.Context, srv Server) error {
	cfg := srv.Config()

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	httpSrv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("starting HTTP server", "address", listener.Addr().String())
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
