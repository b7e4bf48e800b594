package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/api"
	"github.com/atmx/lending-engine/internal/config"
	"github.com/atmx/lending-engine/internal/events"
	"github.com/atmx/lending-engine/internal/gateway"
	"github.com/atmx/lending-engine/internal/lending"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("LENDING_CONFIG"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.Storage.LevelDBPath != "":
		ldb, err := store.NewLevelDBStore(cfg.Storage.LevelDBPath)
		if err != nil {
			slog.Error("open leveldb failed", "path", cfg.Storage.LevelDBPath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { ldb.Close() })
		st = ldb
		slog.Info("opened LevelDB store", "path", cfg.Storage.LevelDBPath)

	default:
		slog.Warn("no durable store configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
		slog.Info("Redis cache enabled")
	}

	// --- Intent journal ---
	var journal store.IntentJournal
	if cfg.Storage.SQLitePath != "" {
		sj, err := store.NewSQLiteJournal(cfg.Storage.SQLitePath)
		if err != nil {
			slog.Error("open intent journal failed", "path", cfg.Storage.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { sj.Close() })
		journal = sj
	} else {
		slog.Warn("SQLITE_PATH not set, withdrawal intents will not survive restart")
		journal = store.NewMemoryJournal()
	}

	// --- Price oracle ---
	oracleOpts := []oracle.Option{oracle.WithFetchTimeout(cfg.Oracle.Timeout)}
	if cfg.Oracle.FeedURL != "" {
		oracleOpts = append(oracleOpts, oracle.WithFetcher(
			oracle.NewHTTPFetcher(cfg.Oracle.FeedURL, cfg.Oracle.Asset, cfg.Oracle.Currency, cfg.Oracle.Timeout),
		))
	}
	orc := oracle.New(cfg.Oracle.InitialPrice, oracleOpts...)
	go orc.Run(ctx, cfg.Oracle.RefreshInterval)

	// --- External asset gateway ---
	var gw gateway.Gateway
	if cfg.Gateway.URL != "" {
		gw = gateway.NewHTTPClient(cfg.Gateway.URL, cfg.Gateway.Timeout,
			gateway.WithRateLimit(cfg.Gateway.RateLimit, cfg.Gateway.Burst),
		)
	} else {
		slog.Warn("GATEWAY_URL not set, withdrawals and balance queries are disabled")
		gw = gateway.NewDisabledGateway()
	}

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run(ctx)

	// --- Lending engine ---
	var policy lending.Policy = lending.NewAdminList(cfg.Auth.Admins...)
	if len(cfg.Auth.Admins) == 0 {
		slog.Warn("no admins configured, any caller may set the price, liquidate and resolve withdrawals")
		policy = lending.AllowAll{}
	}
	engine, err := lending.New(st, orc, gw, cfg.Ltv,
		lending.WithJournal(journal),
		lending.WithPolicy(policy),
		lending.WithPublisher(hub),
		lending.WithTransferTimeout(cfg.Gateway.TransferTimeout),
	)
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	if n, err := engine.Recover(ctx); err != nil {
		slog.Error("load pending withdrawals failed", "err", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Warn("pending withdrawals need reconciliation", "count", n)
	}

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret)
	if !auth.Enabled() {
		slog.Warn("JWT_SECRET not set, trusting X-User-ID header")
	}
	handler := api.NewHandler(engine, auth)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lending-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the caller's position events and prices.
		// Not subject to the request timeout.
		handler.EventRoutes(r, hub)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			handler.Routes(r)
		})
	})

	// --- Server ---
	// Withdrawals hold the request open for a fee query plus a transfer.
	writeTimeout := 2*cfg.Gateway.TransferTimeout + 10*time.Second
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("lending-engine listening",
			"port", cfg.Server.Port,
			"ltv", fmt.Sprintf("%d/%d", cfg.Ltv.Numerator, cfg.Ltv.Denominator),
			"units", cfg.Ltv.Units,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	slog.Info("shutting down lending-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("lending-engine stopped")
}
