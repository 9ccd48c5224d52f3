package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	authpkg "github.com/watchvote/server/internal/auth"
	"github.com/watchvote/server/internal/config"
	"github.com/watchvote/server/internal/fanout"
	"github.com/watchvote/server/internal/httpapi"
	"github.com/watchvote/server/internal/registry"
	"github.com/watchvote/server/internal/session"
	"github.com/watchvote/server/internal/storage"
	"github.com/watchvote/server/internal/vote"
	"github.com/watchvote/server/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := buildLogger(cfg.Development)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	if err := storage.Migrate(db); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}
	store := storage.New(db)

	var bus fanout.Bus
	if cfg.RedisAddr != "" {
		bus = fanout.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), logger)
		logger.Info("fanout over redis", zap.String("addr", cfg.RedisAddr))
	} else {
		bus = fanout.NewMemory()
		logger.Info("fanout in-process (single process mode)")
	}

	reg := registry.New(ctx, bus, cfg.FanoutChannel, registry.Options{
		PendingCap:       cfg.PendingBufferSize,
		SweepEvery:       cfg.HeartbeatSweep,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, logger)

	tally := vote.NewTally(store, reg, cfg.MaxVotesPerRound, logger)
	coord := session.NewCoordinator(store, tally, reg, logger)
	tally.BindFinalizer(coord)
	reg.BindDisconnect(func(userID, sessionID string) {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := coord.Leave(leaveCtx, sessionID, userID); err != nil {
			logger.Warn("leave on disconnect",
				zap.String("user_id", userID),
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	})

	resolver := authpkg.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)

	handler := httpapi.SetupRoutes(ws.Deps{
		Logger:      logger,
		Resolver:    resolver,
		Registry:    reg,
		Coordinator: coord,
		Tally:       tally,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Subscribe(gctx, cfg.FanoutChannel, reg.HandleFanout)
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reg.Inbox() <- registry.Shutdown{}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
