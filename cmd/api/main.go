package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nestassociates/agent-platform/internal/api"
	"github.com/nestassociates/agent-platform/internal/archive"
	"github.com/nestassociates/agent-platform/internal/builder"
	"github.com/nestassociates/agent-platform/internal/config"
	"github.com/nestassociates/agent-platform/internal/deploy"
	"github.com/nestassociates/agent-platform/internal/lifecycle"
	"github.com/nestassociates/agent-platform/internal/lock"
	"github.com/nestassociates/agent-platform/internal/notify"
	"github.com/nestassociates/agent-platform/internal/queue"
	"github.com/nestassociates/agent-platform/internal/ratelimit"
	"github.com/nestassociates/agent-platform/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	drainLock := lock.NewDrainLock(redisClient, "lock:build-drain", cfg.DrainLockTTL)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatalf("snapshot archive: %v", err)
	}

	builds := queue.New(st, cfg.MaxAttempts)
	machine := lifecycle.New(st, builds)
	processor := builder.New(cfg, st, deploy.NewClient(cfg), notify.NewWebhook(cfg.NotifyWebhookURL), archiver)

	server := api.New(cfg, machine, builds, processor, drainLock, limiter, st)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
