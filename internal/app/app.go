// Package app wires the Parley server runtime: config, logging, HTTP routes,
// the chat core, and its durable store.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"parley/internal/chat"
	"parley/internal/identity"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Parley server runtime: it owns HTTP server wiring, the chat core
// lifecycle (flush timer included), and the store.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	flusher *chat.Flusher
	ws      *chat.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	st, dbPool, dbEnabled, chatStore, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	cache := chat.NewCache(log)
	flusher := chat.NewFlusher(log, cache, chatStore, cfg.FlushInterval)
	hydrator := chat.NewHydrator(log, chatStore, cache, flusher, cfg.HistoryPage)
	builder := chat.NewBuilder(log, chatStore)
	manager := chat.NewManager(log, cache, flusher, hydrator, builder)
	ws := chat.NewWSGateway(log, manager, verifier)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		flusher:   flusher,
		ws:        ws,
	}, nil
}

// Run starts the flush timer and HTTP server and blocks until context
// cancellation or fatal server error. Teardown order: stop accepting
// connections, stop the flush timer (which performs a final best-effort
// flush), then close store resources.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	flushCtx, stopFlusher := context.WithCancel(context.Background())
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		a.flusher.Run(flushCtx)
	}()

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "flush_interval", a.cfg.FlushInterval.String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	// Stop the flush timer; Run performs the final best-effort FlushAll
	// before signaling done.
	stopFlusher()
	select {
	case <-flusherDone:
	case <-shutdownCtx.Done():
		a.log.Error("flusher.stop.timeout")
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, chat.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	chatStore, err := chat.NewPostgresStore(pool) // default schema "parley"
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, chatStore: chatStore}, pool, true, chatStore, nil
}

type dbStore struct {
	pool      *pgxpool.Pool
	chatStore chat.Store
}

func (s dbStore) Close(_ context.Context) error {
	if s.chatStore != nil {
		_ = s.chatStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// newVerifier selects the identity provider boundary: PASETO verification
// against the provider's public key, or the static dev verifier.
func newVerifier(cfg Config, log Logger) (identity.Verifier, error) {
	if cfg.AuthPasetoPublicKeyHex != "" {
		v, err := identity.NewPasetoVerifier(cfg.AuthPasetoPublicKeyHex, cfg.AuthIssuer, cfg.AuthClockSkew)
		if err != nil {
			return nil, err
		}
		log.Info("auth.enabled.paseto", "issuer", cfg.AuthIssuer)
		return v, nil
	}

	if cfg.AuthDevToken == "" {
		return nil, errors.New("app: no identity provider configured (set PARLEY_AUTH_PASETO_PUBLIC_KEY or PARLEY_AUTH_DEV_TOKEN)")
	}

	v := identity.NewStaticVerifier()
	v.Register(cfg.AuthDevToken, identity.Identity{
		UserID:      cfg.AuthDevUserID,
		DisplayName: cfg.AuthDevUserName,
	})
	log.Warn("auth.enabled.static_dev_token")
	return v, nil
}
