// Command linebot serves the LINE webhook, relays user messages to the
// assistant and persists every conversation.
//
// @title                      Diabetes Mellitus LINE Bot
// @version                    1.0
// @description                LINE webhook and admin conversation API for the diabetes care assistant.
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
// @description                Type "Bearer" followed by the admin token.
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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/assistant"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/config"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/dedupe"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
	httpapi "github.com/EmilyJie/diabetes-mellitus-linebot/internal/http"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/line"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/mongostore"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/observability"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/repo"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/services"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/sysutil"
)

const shutdownGrace = 30 * time.Second

// store is what both persistence backends provide.
type store interface {
	services.ConversationStore
	services.HistoryStore
}

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("linebot exited")
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, nil)
	version := sysutil.Version()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	st, db, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	dd, err := dedupe.New(cfg.Dedupe, db)
	if err != nil {
		return err
	}
	if sqlDedupe, ok := dd.(*dedupe.SQL); ok {
		go purgeEvents(ctx, sqlDedupe, cfg.Dedupe.TTL)
	}

	lineClient, err := line.NewClient(cfg.LINE.ChannelAccessToken)
	if err != nil {
		return fmt.Errorf("line client: %w", err)
	}
	ai := assistant.NewFromConfig(cfg.OpenAI)

	conversations := services.NewConversationService(st, ai, lineClient, lineClient, &cfg)
	dispatcher := services.NewDispatcher(conversations, lineClient, lineClient, dd, services.DispatcherOptions{
		Async:           cfg.DispatchAsync,
		Workers:         cfg.DispatchWorkers,
		EventTimeout:    cfg.EventTimeout,
		WelcomeTemplate: cfg.WelcomeTemplate,
	})
	history := services.NewHistoryService(st, st, ai)

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	httpapi.RegisterRoutes(router, httpapi.Deps{
		Dispatcher: dispatcher,
		ParseWebhook: func(r *http.Request) ([]domain.InboundEvent, error) {
			return line.ParseRequest(cfg.LINE.ChannelSecret, r)
		},
		Conversations: history,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("store", cfg.Store.Driver).
			Str("dedupe", cfg.Dedupe.Backend).
			Bool("async", cfg.DispatchAsync).
			Msg("linebot listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// In-flight orchestrations still reply and persist after the listener closes.
	if err := dispatcher.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("dispatcher shutdown")
	}
	return nil
}

// openStore connects the configured backend. db is non-nil only for the SQL
// drivers, where the dedupe "db" backend can share it.
func openStore(ctx context.Context, cfg config.StoreConfig) (store, *gorm.DB, func(), error) {
	switch cfg.Driver {
	case config.DriverMongo:
		ms, err := mongostore.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mongo: %w", err)
		}
		return ms, nil, func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ms.Close(cctx); err != nil {
				log.Warn().Err(err).Msg("mongo close")
			}
		}, nil
	default:
		db, err := repo.Open(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return repo.NewConversationStore(db), db, func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}, nil
	}
}

// purgeEvents drops expired dedupe rows so the table stays bounded.
func purgeEvents(ctx context.Context, d *dedupe.SQL, ttl time.Duration) {
	every := ttl / 2
	if every < time.Minute {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := d.Purge(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("dedupe purge")
				continue
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("dedupe purge")
			}
		}
	}
}
