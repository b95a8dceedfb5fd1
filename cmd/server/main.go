package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"campushub/internal/app"
	"campushub/internal/config"
	"campushub/internal/hub"
	"campushub/internal/notify"
	"campushub/internal/ratelimit"
	"campushub/internal/rosterclient"
	"campushub/internal/server"
	"campushub/internal/unread"
	"campushub/internal/usertoken"
	"campushub/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   cfg.JWTLeeway(),
	})
	if err != nil {
		logger.Error("failed to init token verifier", "err", err)
		os.Exit(1)
	}

	rosterClient := rosterclient.NewClient(cfg.RosterServiceURL)
	unreadCounter := unread.NewCounter(cfg.RedisAddr, cfg.RedisPassword, "", 0)

	var messageLimiter *ratelimit.FixedWindowLimiter
	if cfg.MessagesPerMin > 0 {
		messageLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "", cfg.MessagesPerMin, time.Minute)
		if err != nil {
			logger.Error("failed to init message rate limiter", "err", err)
			os.Exit(1)
		}
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:     cfg.DatabaseURL,
		Roster:          rosterClient,
		Unread:          unreadCounter,
		HistoryPageSize: cfg.HistoryPageSize,
	})
	if err != nil {
		logger.Error("failed to init app", "err", err)
		os.Exit(1)
	}

	eventHub := hub.NewHub(logger)

	deliveryQueue, err := notify.NewDeliveryQueue(notify.DeliveryQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Error("failed to init delivery queue", "err", err)
		os.Exit(1)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Hub:            eventHub,
		TokenVerifier:  tokenVerifier,
		MessageLimiter: messageLimiter,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workers := cfg.DeliveryWorkers
	if workers <= 0 {
		workers = 4
	}
	deliveryQueue.Start(ctx, workers, func(ctx context.Context, job notify.DeliveryJob) error {
		_, err := appCore.Notify(util.ContextWithLogger(ctx, logger), job.Notification)
		return err
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		eventHub.Run(ctx)
		return nil
	})
	if cfg.AMQPURL != "" {
		consumer, err := notify.NewConsumer(cfg.AMQPURL, cfg.AnnouncementQ, deliveryQueue, logger)
		if err != nil {
			logger.Error("failed to init announcement consumer", "err", err)
			os.Exit(1)
		}
		group.Go(func() error {
			err := consumer.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	} else {
		logger.Warn("amqpURL not set, announcement intake disabled")
	}
	group.Go(func() error {
		logger.Info("campushub server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
