package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contact-center/internal/agents"
	"contact-center/internal/audit"
	"contact-center/internal/auth"
	"contact-center/internal/config"
	"contact-center/internal/dispatch"
	"contact-center/internal/httpapi"
	"contact-center/internal/ivr"
	"contact-center/internal/metrics"
	"contact-center/internal/queue"
	"contact-center/internal/retry"
	"contact-center/internal/routing"
	"contact-center/internal/sla"
	"contact-center/internal/telephony"
	"contact-center/internal/webhook"
	"contact-center/pkg/logger"
	"contact-center/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
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
	rootCtx = logger.With(rootCtx, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	m := metrics.New()

	// Stores
	directory := agents.NewPostgresDirectory(db, agents.NewRedisSlots(rdb, 4*time.Hour))
	rules := routing.NewPostgresStore(db)
	auditRepo := audit.NewPostgresRepo(db)
	queueRepo := queue.NewPostgresRepo(db)
	flows := ivr.NewPostgresFlowStore(db)
	sessions := ivr.NewPostgresSessionRepo(db)
	for _, st := range []struct {
		name    string
		migrate func(context.Context) error
	}{
		{"agents", directory.Migrate},
		{"routing", rules.Migrate},
		{"audit", auditRepo.Migrate},
		{"queue", queueRepo.Migrate},
		{"ivr_flows", flows.Migrate},
		{"ivr_sessions", sessions.Migrate},
	} {
		if err := st.migrate(rootCtx); err != nil {
			log.Error("schema migration failed", "store", st.name, "err", err)
			os.Exit(1)
		}
	}

	// Engine
	engine := routing.NewEngine(rules, directory, routing.NewRedisCursor(rdb), rand.New(rand.NewSource(time.Now().UnixNano())))
	engine.Log = log
	auditSvc := audit.NewService(auditRepo)
	vendorRetry := retry.Policy{
		MaxAttempts: cfg.Engine.VendorRetryAttempts,
		BaseDelay:   cfg.Engine.VendorRetryBase,
		MaxDelay:    cfg.Engine.VendorRetryMax,
	}
	queueSvc := queue.NewService(queueRepo, engine, directory, auditSvc, queue.Options{
		Metrics:           m,
		Redis:             rdb,
		HandleTimeWindow:  cfg.Engine.HandleTimeWindow,
		DefaultHandleTime: cfg.Engine.HandleTimeDefault,
		Log:               log,
	})
	ivrEngine := ivr.NewEngine(ivr.NewHTTPCaller(3 * time.Second))
	ivrMgr := ivr.NewManager(flows, sessions, ivrEngine, ivr.ManagerOptions{Metrics: m, Log: log})
	slaSvc := sla.NewService(queueSvc, m, log)

	if err := seed(rootCtx, log, cfg.Engine, rules, ivrMgr); err != nil {
		log.Error("seeding configuration failed", "err", err)
		os.Exit(1)
	}

	// Vendors
	twilio := telephony.NewTwilioAdapter(telephony.TwilioConfig{
		AccountSID:    cfg.Twilio.AccountSID,
		AuthToken:     cfg.Twilio.AuthToken,
		APIBaseURL:    cfg.Twilio.APIBaseURL,
		PublicBaseURL: cfg.Twilio.PublicBaseURL,
		DefaultFrom:   cfg.Twilio.FromNumber,
		InternalRate:  cfg.Engine.SampleRate,
	})
	telnyxVerifier, err := webhook.NewEd25519Verifier(cfg.Telnyx.PublicKeyHex, cfg.IsProduction(), log)
	if err != nil {
		log.Error("telnyx verifier init failed", "err", err)
		os.Exit(1)
	}
	telnyx, err := telephony.NewTelnyxAdapter(telephony.TelnyxConfig{
		APIKey:       cfg.Telnyx.APIKey,
		APIBaseURL:   cfg.Telnyx.APIBaseURL,
		ConnectionID: cfg.Telnyx.ConnectionID,
		DefaultFrom:  cfg.Telnyx.FromNumber,
		InternalRate: cfg.Engine.SampleRate,
		Verifier:     telnyxVerifier,
	})
	if err != nil {
		log.Error("telnyx adapter init failed", "err", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(
		[]telephony.Adapter{twilio, telnyx},
		ivrMgr, queueSvc, directory,
		dispatch.NumberResolver{Numbers: cfg.Engine.Numbers, Default: cfg.Engine.DefaultFlow},
		dispatch.Options{
			Retry:               vendorRetry,
			Metrics:             m,
			Log:                 log,
			DefaultTeam:         cfg.Engine.DefaultTeam,
			AudioErrorThreshold: cfg.Engine.AudioErrorThreshold,
			AudioErrorWindow:    cfg.Engine.AudioErrorWindow,
		},
	)

	handlers := httpapi.Handlers{
		Queue:         queueSvc,
		IVR:           ivrMgr,
		SLA:           slaSvc,
		Audit:         auditSvc,
		Routing:       engine,
		Dispatcher:    dispatcher,
		Metrics:       m,
		PublicBaseURL: cfg.Twilio.PublicBaseURL,
		SLATarget:     cfg.Engine.SLATarget,
		SLABucket:     cfg.Engine.SLABucket,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(httpapi.Instrument(m))

	registerRoutes(r, routeDeps{
		handlers: handlers,
		authMW:   auth.RequireAccessToken(authManager),
		media:    telephony.NewMediaStreamHandler(twilio, dispatcher, log),
		metrics:  m.Handler(),
		ready: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	})

	// Periodic jobs
	go queueSvc.Run(rootCtx, cfg.Engine.QueuePositionInterval)
	go slaSvc.Run(rootCtx, cfg.Engine.SLAInterval, cfg.Engine.SLABucket, cfg.Engine.SLATarget)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "active_ivr_sessions", ivrMgr.Active(), "tracked_calls", dispatcher.Calls())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
