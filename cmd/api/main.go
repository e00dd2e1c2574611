package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm-dialer/internal/activity"
	"crm-dialer/internal/auth"
	"crm-dialer/internal/autodialer"
	"crm-dialer/internal/calls"
	"crm-dialer/internal/callstatus"
	"crm-dialer/internal/config"
	"crm-dialer/internal/dialer"
	"crm-dialer/internal/disposition"
	"crm-dialer/internal/httpapi"
	"crm-dialer/internal/notify"
	"crm-dialer/internal/reporting"
	"crm-dialer/internal/telephony"
	"crm-dialer/pkg/logger"
	"crm-dialer/pkg/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// fallbackHistory bounds the in-process status ring used while Redis is down.
const fallbackHistory = 100

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := calls.NewPostgresStore(db)
	leads := disposition.NewPostgresLeadStore(db)
	activityRepo := activity.NewPostgresRepo(db)
	migrations := []struct {
		name string
		run  func(context.Context) error
	}{
		{"calls", store.Migrate},
		{"leads", leads.Migrate},
		{"activity", activityRepo.Migrate},
	}
	for _, m := range migrations {
		if err := m.run(rootCtx); err != nil {
			return fmt.Errorf("migrate %s: %w", m.name, err)
		}
	}

	// Status updates: Redis first, process-local ring when Redis fails.
	recorder := callstatus.NewFallbackRecorder(log,
		callstatus.NewRedisStore(rdb, callstatus.RedisStoreConfig{History: cfg.Dialer.StatusHistory}),
		callstatus.NewRingStore(fallbackHistory),
	)
	hub := notify.NewHub(log)
	publisher := notify.NewRedisPublisher(rdb, notify.DefaultChannelPrefix, log)
	relay := notify.NewRelay(rdb, hub, notify.DefaultChannelPrefix, log)
	statusSvc := callstatus.NewService(recorder, notify.StatusPublisher{Sink: publisher}, log)

	gateway := telephony.NewTwilioGateway(telephony.TwilioConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		FromNumber: cfg.Twilio.FromNumber,
		BaseURL:    cfg.Twilio.APIBaseURL,
	})
	sessions := dialer.NewSessionStore(cfg.Dialer.SessionTTL, nil, log)
	orch := dialer.NewOrchestrator(store, gateway, sessions, dialer.Config{
		CallbackBaseURL:      cfg.Dialer.CallbackBaseURL,
		FromNumber:           cfg.Twilio.FromNumber,
		MaxAttemptsPerNumber: cfg.Dialer.MaxAttemptsPerNumber,
		DefaultPriority:      cfg.Dialer.DefaultPriority,
	}).
		WithLogger(log).
		WithLimiter(dialer.NewRedisLimiter(rdb, "", cfg.Dialer.MaxConcurrentCalls, 0))

	autoDialer := autodialer.NewManager(dialer.NewAutoDialer(orch), log)
	autoDialer.OnEvent(notify.AutoDialerEvents(publisher))
	defer autoDialer.Close()

	statusSvc.AddApplier(orch)
	statusSvc.AddApplier(autoDialer)

	sweeper := dialer.NewSweeper(orch, store, cfg.Dialer.SweepInterval, cfg.Dialer.StaleCallAge, log).
		WithMaxCallAge(cfg.Dialer.MaxCallAge)

	var signatures *telephony.SignatureValidator
	if cfg.Twilio.ValidateSignatures {
		signatures = &telephony.SignatureValidator{AuthToken: cfg.Twilio.AuthToken, BaseURL: cfg.Dialer.CallbackBaseURL}
	}

	deps := routeDeps{
		auth: authManager,
		api: httpapi.Handlers{
			Dialer:       orch,
			Status:       statusSvc,
			AutoDialer:   autoDialer,
			Disposition:  disposition.NewService(leads, activity.NewService(activityRepo), orch, log),
			Reporting:    reporting.NewService(store),
			HistoryLimit: cfg.Dialer.StatusHistory,
		},
		webhooks: telephony.WebhookHandler{
			OnStatus: func(ctx context.Context, cb telephony.StatusCallback) error {
				_, err := statusSvc.Ingest(ctx, callstatus.FromCallback(cb))
				return err
			},
			OnMachineDetection: orch.HandleMachineDetection,
			Signatures:         signatures,
		},
		ws: notify.WSHandler{
			Hub:            hub,
			Latest:         statusSvc.Latest,
			AllowedOrigins: cfg.App.CORSOrigins,
		},
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(cors.New(corsConfig(cfg.App.CORSOrigins)))
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sessions.Run(ctx, cfg.Dialer.SessionSweepInterval)
	})
	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		return sweeper.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-Id"},
		ExposeHeaders: []string{"X-Request-Id"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
