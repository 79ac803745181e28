// Package app wires the beacon runtime: config, logging, the credential
// store, the session controller with its push channel, the claims
// verifier, and the local status HTTP server.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"beacon/cmd/internal/authority"
	"beacon/cmd/internal/claims"
	"beacon/cmd/internal/credential"
	"beacon/cmd/internal/monitor"
	"beacon/cmd/internal/session"
)

// App is the beacon runtime. It owns the storage pool lifecycle; the
// controller owns the session lifecycle.
type App struct {
	cfg Config
	log Logger

	store    *credential.Store
	pool     *pgxpool.Pool
	auth     *authority.Client
	ctrl     *session.Controller
	channel  *monitor.Channel
	verifier *claims.Verifier
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	var sealer *credential.Sealer
	if cfg.SealKeyHex != "" {
		s, err := credential.NewSealerFromHex(cfg.SealKeyHex)
		if err != nil {
			return nil, err
		}
		sealer = s
	}

	kv, pool, err := newKV(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	store := credential.NewStore(kv, sealer, log)
	auth := authority.NewClient(authority.Config{
		BaseURL: cfg.AuthorityURL,
		Timeout: cfg.AuthorityTimeout,
	}, log)

	ctrl := session.New(session.Config{
		CheckInterval:    cfg.CheckInterval,
		HighWaterSeconds: cfg.HighWaterSeconds,
	}, store, auth, nil, log)

	channel := monitor.NewChannel(monitor.Config{
		LowWaterSeconds:      cfg.LowWaterSeconds,
		ReconnectBase:        cfg.ReconnectBase,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
	}, store, monitor.WebsocketDialer{URL: cfg.PushURL}, monitor.Hooks{
		Refresh:   ctrl.Refresh,
		Terminate: ctrl.HandleChannelDown,
	}, log)
	ctrl.AttachChannel(channel)

	verifier := claims.NewVerifier(cfg.ClaimsTTL, store, auth, log)
	ctrl.OnSignOut(verifier.Reset)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		pool:     pool,
		auth:     auth,
		ctrl:     ctrl,
		channel:  channel,
		verifier: verifier,
	}, nil
}

// Controller exposes the session controller for embedding callers.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Verifier exposes the claims verifier for embedding callers.
func (a *App) Verifier() *claims.Verifier { return a.verifier }

// Run resumes any stored session, serves the status endpoints, and blocks
// until context cancellation or a fatal server error. Shutdown stops the
// loop and the channel but keeps the stored credential: restarting the
// process is not a logout.
func (a *App) Run(ctx context.Context) error {
	if err := a.ctrl.Initialize(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a)

	srv := &http.Server{
		Addr:              a.cfg.StatusAddr,
		Handler:           WithSecurityHeaders(WithRequestLogging(mux, a.log)),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("beacon.start",
		"status_addr", a.cfg.StatusAddr,
		"authority", a.cfg.AuthorityURL,
		"session_state", a.ctrl.State().String(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("beacon.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("beacon.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("beacon.shutdown.fail", "err", err)
		return err
	}

	a.ctrl.Shutdown()

	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.pool != nil {
		a.pool.Close()
	}

	a.log.Info("beacon.stopped")
	return nil
}

// newKV selects the credential storage medium. Postgres wins over SQLite
// when both are configured; with neither, credentials live in memory for
// the process lifetime only.
func newKV(ctx context.Context, cfg Config, log Logger) (credential.KeyValueStore, *pgxpool.Pool, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		kv, err := credential.NewPostgresStore(pool, "")
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("store.postgres")
		return kv, pool, nil

	case cfg.StorePath != "":
		kv, err := credential.NewSQLiteStore(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.sqlite", "path", cfg.StorePath)
		return kv, nil, nil

	default:
		log.Info("store.memory")
		return credential.NewMemoryStore(), nil, nil
	}
}
