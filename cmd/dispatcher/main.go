package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/quflux/publisher/internal/config"
	"github.com/quflux/publisher/internal/dispatch"
	"github.com/quflux/publisher/internal/events"
	"github.com/quflux/publisher/internal/media"
	"github.com/quflux/publisher/internal/publisher"
	"github.com/quflux/publisher/internal/ratelimit"
	"github.com/quflux/publisher/internal/retry"
	"github.com/quflux/publisher/internal/store"
	"github.com/quflux/publisher/internal/telemetry"
	"github.com/quflux/publisher/internal/vault"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logrus.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logrus.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	cipher, err := vault.NewCipher(cfg.FernetKey)
	if err != nil {
		logrus.Fatalf("init cipher: %v", err)
	}
	tokenVault := vault.New(st, cipher, cfg.OAuth, cfg.TokenRefreshMargin, &http.Client{Timeout: cfg.PublishTimeout})

	registry := publisher.NewRegistry(&http.Client{Timeout: cfg.PublishTimeout})
	policy := retry.NewPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMultiplier, cfg.BackoffMax)
	limiter := ratelimit.NewPlatformLimiter(redisClient, cfg.PlatformRateCapacity, cfg.PlatformRateRefill, time.Hour)
	emitter := events.NewEmitter(events.NewStreamSink(redisClient, cfg.EventsStream))

	var mediaStore dispatch.MediaResolver
	if cfg.S3Bucket != "" {
		s3Store, err := media.NewS3Store(ctx, cfg.S3Bucket, cfg.PresignTTL)
		if err != nil {
			logrus.Fatalf("init media store: %v", err)
		}
		mediaStore = s3Store
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("dispatcher-%d", os.Getpid())
		}
	}

	d := dispatch.New(cfg, st, tokenVault, registry, policy, limiter, mediaStore, emitter, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logrus.Warnf("metrics server stopped: %v", err)
		}
	}()

	if err := d.Run(ctx); err != nil {
		logrus.Infof("dispatcher stopped: %v", err)
	}
}
