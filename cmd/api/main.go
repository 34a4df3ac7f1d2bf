package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"linguist-desk/internal/audit"
	"linguist-desk/internal/auth"
	"linguist-desk/internal/backend"
	"linguist-desk/internal/bridge"
	"linguist-desk/internal/calls"
	"linguist-desk/internal/config"
	"linguist-desk/internal/guard"
	"linguist-desk/internal/httpapi"
	"linguist-desk/internal/reporting"
	"linguist-desk/internal/session"
	"linguist-desk/internal/telephony"
	"linguist-desk/pkg/logger"
	"linguist-desk/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/time/rate"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	be := backend.New(cfg.Backend.BaseURL, cfg.Backend.Timeout, log)
	tokens := auth.NewSessionTokens(be, log)

	// Audit trail: Postgres when configured, memory otherwise.
	var auditRepo audit.Repository = audit.NewMemoryRepo(0)
	if cfg.AuditInPostgres() {
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		pg, err := audit.NewPostgresRepo(db)
		if err != nil {
			log.Error("audit repo init failed", "err", err)
			os.Exit(1)
		}
		if err := pg.EnsureSchema(rootCtx); err != nil {
			log.Error("audit schema init failed", "err", err)
			os.Exit(1)
		}
		auditRepo = pg
	}
	recorder := audit.NewRecorder(audit.NewService(auditRepo), 256, log)

	// Online intent and the one-desk-per-linguist slot: Redis when configured.
	var store guard.Store = guard.NewMemoryStore()
	lock := guard.NewOnlineLock(nil, cfg.Desk.SessionTTL, log)
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: addr, Password: cfg.Redis.Password})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()

		rs, err := guard.NewRedisStore(rdb, cfg.Desk.SessionTTL)
		if err != nil {
			log.Error("guard store init failed", "err", err)
			os.Exit(1)
		}
		store = rs
		lock = guard.NewOnlineLock(rdb, cfg.Desk.SessionTTL, log)
	}

	stack, err := telephony.NewSIPStack(telephony.SIPConfig{
		ListenAddr:         cfg.SIP.ListenAddr,
		RegistrarHost:      cfg.SIP.RegistrarHost,
		RegistrarPort:      cfg.SIP.RegistrarPort,
		Transport:          cfg.SIP.Transport,
		MediaAddr:          cfg.SIP.MediaAddr,
		RegisterExpiry:     cfg.SIP.RegisterExpiry,
		TokenRefreshMargin: cfg.Desk.TokenRefreshMargin,
	}, log)
	if err != nil {
		log.Error("sip init failed", "err", err)
		os.Exit(1)
	}
	go func() {
		if err := stack.ListenAndServe(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sip listener failed", "err", err)
			stop()
		}
	}()

	callLog := calls.NewLog(calls.DefaultHistory)
	registry, err := session.NewRegistry(session.RegistryConfig{
		NewDevice: func(sid, _ string) (session.Device, error) {
			return telephony.NewAdapter(telephony.AdapterConfig{
				Backend: be,
				Tokens:  tokens.For(sid),
				Factory: stack.Factory(),
				Logger:  log,
			})
		},
		Store:         store,
		Bridge:        bridge.NewClient(be, tokens, cfg.Backend.BridgePath, log),
		Metadata:      session.NewMetadataResolver(be, tokens, cfg.Backend.MetadataPaths, log),
		Lock:          lock,
		Observer:      session.Observers{callLog, recorder},
		Logger:        log,
		TokenPath:     cfg.Backend.TokenPath,
		MetadataGrace: cfg.Desk.MetadataGrace,
		IdleTTL:       cfg.Desk.SessionTTL,
		OnClose:       tokens.Forget,
	})
	if err != nil {
		log.Error("session registry init failed", "err", err)
		os.Exit(1)
	}
	go registry.Run(rootCtx, time.Minute)

	deskLimiter := httpapi.NewLimiter(httpapi.RateLimitConfig{Rate: rate.Limit(cfg.RateLimit.RPS), Burst: cfg.RateLimit.Burst})
	authLimiter := httpapi.NewLimiter(httpapi.AuthRateLimitConfig())
	defer deskLimiter.Stop()
	defer authLimiter.Stop()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		handlers: httpapi.Handlers{
			Registry: registry,
			Tokens:   tokens,
			Backend:  be,
			Calls:    callLog,
			Reports:  reporting.NewService(callLog),
		},
		authMW:      auth.RequireAccessToken(authManager),
		deskLimiter: deskLimiter,
		authLimiter: authLimiter,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Event streams stay open, so no WriteTimeout.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	registry.Close()
	stack.Close()
	recorder.Close()
	if n := recorder.Dropped(); n > 0 {
		log.Warn("audit events dropped", "count", n)
	}
}
