package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/database"
	"github.com/carevisit/carevisit/internal/email"
	"github.com/carevisit/carevisit/internal/handler"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/middleware"
	"github.com/carevisit/carevisit/internal/repository"
	"github.com/carevisit/carevisit/internal/router"
	"github.com/carevisit/carevisit/internal/service"
	"golang.org/x/sync/errgroup"
)

// keyReloadInterval is how often signing keys rotated elsewhere are picked up
const keyReloadInterval = 5 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", handler.Version).Str("environment", cfg.Environment).Msg("starting CareVisit device auth server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Connect to Redis
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("connected to Redis")

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	activationRepo := repository.NewActivationRepository(db)
	sessionRepo := repository.NewDeviceSessionRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	signingKeyRepo := repository.NewSigningKeyRepository(db)

	// Signing keys must be loaded before any token is issued
	keys := auth.NewKeySet()
	keySvc := service.NewKeyService(db, signingKeyRepo, keys, auditRepo, cfg.Security.Tokens, log)
	if err := keySvc.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize signing keys")
	}
	active, _ := keys.Active()
	log.Info().Str("active_key_id", active.ID).Str("algorithm", active.Algorithm).Msg("signing keys loaded")

	issuer := auth.NewTokenIssuer(keys, cfg.Security.Tokens)
	pins := auth.NewPinHasher(cfg.Security.PIN)

	// Email notifications
	sender, err := email.NewSender(ctx, cfg.Email, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize email sender")
	}
	notifier := service.NewEmailNotifier(sender, cfg.Email.AppName, log)
	bus := service.NewRevocationBus(rdb, log)

	// Initialize services
	sessionSvc := service.NewSessionService(service.SessionDeps{
		Tx:       db,
		Sessions: sessionRepo,
		Audit:    auditRepo,
		Tokens:   issuer,
		Events:   bus,
		Notifier: notifier,
	}, cfg.Security.Tokens, log)

	activationSvc := service.NewActivationService(service.ActivationDeps{
		Tx:          db,
		Activations: activationRepo,
		Sessions:    sessionRepo,
		Users:       userRepo,
		Audit:       auditRepo,
		Pins:        pins,
		Tokens:      issuer,
		Events:      bus,
		Notifier:    notifier,
	}, cfg.Security, log)

	unlockSvc := service.NewPinUnlockService(sessionRepo, sessionSvc, pins, rdb, auditRepo, cfg.Security.PIN, log)

	h := handler.New(db, rdb, log, activationSvc, sessionSvc, unlockSvc)
	mw := middleware.New(rdb, log, cfg)
	r := router.New(h, mw, sessionSvc, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		keySvc.Run(gctx, keyReloadInterval)
		return nil
	})

	g.Go(func() error {
		events, closeFn, err := bus.SubscribeRevocations(gctx)
		if err != nil {
			log.Warn().Err(err).Msg("revocation events unavailable")
			return nil
		}
		defer closeFn()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				log.Info().
					Str("device_session_id", ev.ID).
					Str("user_id", ev.UserID).
					Str("reason", string(ev.Reason)).
					Msg("device session revoked")
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}

	// Let in-flight notification emails finish
	notifier.Wait()
	log.Info().Msg("server stopped")
}
