// Package app wires the Neighborly realtime core: config, logging, HTTP
// routes, the message pipeline, notification fan-out, and the websocket
// gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"neighborly/cmd/internal/chat"
	"neighborly/cmd/internal/notify"
	"neighborly/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Neighborly server runtime: it owns HTTP server wiring and the
// realtime/chat dependency graph.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	rdb *redis.Client

	registry *realtime.Registry
	ws       *realtime.WSGateway
	api      *APIHandler

	// cancelBackground stops the dedup cache sweeper.
	cancelBackground context.CancelFunc
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, dbPool, dbEnabled, chatStore, err := newChatStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	verifier, err := VerifierFromConfig(cfg, log)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	bgCtx, cancelBG := context.WithCancel(context.Background())

	cache, rdb := newDedupCache(bgCtx, cfg, log)

	hub := realtime.NewHub(log)
	registry := realtime.NewRegistry(log)
	bridge := realtime.NewBridge(log, hub, registry)

	deliverer := notify.NewDeliverer(log, cache, bridge, notify.NewLogDispatcher(log))

	pipeline := chat.NewPipeline(log, chatStore, cfg.Chat, deliverer, bridge)
	aggregator := chat.NewUnreadAggregator(log, chatStore, nil)

	ws := realtime.NewWSGateway(log, hub, registry, pipeline, aggregator, chatStore, verifier)
	api := NewAPIHandler(log, pipeline, aggregator, chatStore, registry, verifier)

	return &App{
		cfg:              cfg,
		log:              log,
		store:            st,
		dbPool:           dbPool,
		dbEnabled:        dbEnabled,
		rdb:              rdb,
		registry:         registry,
		ws:               ws,
		api:              api,
		cancelBackground: cancelBG,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "redis_enabled", a.rdb != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.cancelBackground()

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// newChatStore decides between Postgres-backed persistence and the in-memory dev store.
func newChatStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, chat.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	chatStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
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

// newDedupCache picks the notification dedup backend. Redis makes the
// at-most-once guarantee hold across instances; the in-memory cache covers a
// single process. The returned client is nil in memory mode.
func newDedupCache(ctx context.Context, cfg Config, log Logger) (notify.DedupCache, *redis.Client) {
	if cfg.RedisAddr == "" {
		log.Info("notify.dedup.memory")
		mem := notify.NewMemoryDedupCache(log)
		go mem.Start(ctx)
		return mem, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	cache, err := notify.NewRedisDedupCache(rdb)
	if err != nil {
		log.Error("notify.dedup.redis_init_fail", "err", err)
		_ = rdb.Close()
		mem := notify.NewMemoryDedupCache(log)
		go mem.Start(ctx)
		return mem, nil
	}

	log.Info("notify.dedup.redis", "addr", cfg.RedisAddr)
	return cache, rdb
}
