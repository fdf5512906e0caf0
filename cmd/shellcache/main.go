package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/52poke/shellcache/internal/admin"
	"github.com/52poke/shellcache/internal/cache"
	"github.com/52poke/shellcache/internal/config"
	"github.com/52poke/shellcache/internal/httpx"
	"github.com/52poke/shellcache/internal/lock"
	"github.com/52poke/shellcache/internal/logger"
	"github.com/52poke/shellcache/internal/server"
	"github.com/52poke/shellcache/internal/telemetry"
	"github.com/52poke/shellcache/internal/upstream"
	"github.com/52poke/shellcache/internal/worker"
)

var log = logger.WithComponent("main")

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("shellcache exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TracingEndpoint != "" {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.TracingEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.WithError(err).Warn("tracing shutdown")
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	storage, err := newStorage(ctx, cfg)
	if err != nil {
		return err
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		redisClient := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient)
	}

	var resolver *dnscache.Resolver
	if cfg.DNSRefreshSeconds > 0 {
		resolver = &dnscache.Resolver{}
		go upstream.RefreshDNS(ctx, resolver, cfg.DNSRefresh())
	}
	network, err := upstream.NewClient(cfg.UpstreamURL, cfg.UpstreamTimeout(), resolver)
	if err != nil {
		return err
	}
	network.MaxBody = cfg.MaxBodyBytes

	host := worker.NewHost(worker.HostConfig{
		Worker:      worker.Config{Version: cfg.CacheVersion, Seeds: cfg.SeedPaths},
		SkipWaiting: cfg.SkipWaiting,
		LockTTL:     cfg.LockTTL(),
		MaxLockWait: cfg.MaxLockWait(),
	}, worker.Deps{
		Storage: storage,
		Network: network,
		Metrics: metrics,
		Log:     logger.WithComponent("worker"),
	}, locker)

	deps := server.Deps{
		Fetch:      httpx.NewHandler(host, metrics),
		ReadyCheck: host.Ready,
	}
	if cfg.MetricsEnabled {
		deps.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.AdminToken != "" {
		deps.Admin = admin.New(host, cfg.AdminToken)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.New(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.WithField("addr", cfg.ListenAddr).Info("listening")

	// Requests are proxied without fallback until the first worker activates.
	if err := host.Register(ctx); err != nil {
		log.WithError(err).Error("initial register failed; serving network-only")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := host.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

func newStorage(ctx context.Context, cfg config.Config) (cache.Storage, error) {
	var storage cache.Storage
	switch cfg.Store {
	case config.StoreMemory:
		storage = cache.NewMemoryStorage()
	default:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		)
		if err != nil {
			return nil, err
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		})
		storage = cache.NewS3Storage(cfg.S3Bucket, s3Client)
	}

	if cfg.HotCacheSize <= 0 {
		return storage, nil
	}
	return cache.NewHotStorage(storage, cfg.HotCacheSize)
}
