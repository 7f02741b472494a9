package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payrail/cmd/refundd/config"
	refundsdb "payrail/internal/db/refunds"
	"payrail/internal/dispatch"
	"payrail/internal/observability"
	"payrail/internal/realtime"
	"payrail/internal/refunds"
	"payrail/internal/sweeper"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("refundd error: %v", err)
	}
}

func run(ctx context.Context) error {
	acquirerCfgs, err := config.LoadAcquirers()
	if err != nil {
		return err
	}

	store, cleanupStore, err := buildStore(ctx, acquirerCfgs)
	if err != nil {
		return err
	}
	defer cleanupStore()

	directory, registry := buildAcquirers(acquirerCfgs)

	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	dispatchCfg, err := config.LoadDispatch()
	if err != nil {
		return err
	}
	client, err := buildRedisClient(redisCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	queue := dispatch.NewRedisQueue(client, redisCfg.Stream, redisCfg.StreamMaxLen)
	if err := queue.EnsureGroup(ctx, dispatchCfg.Group); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	hub := realtime.NewHub()
	go hub.Run()

	fanout := dispatch.NewFanoutPublisher(queue, hub)
	publisher := refunds.NewReliablePublisher(fanout, refunds.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
	})

	service := refunds.NewService(store, registry, directory, publisher, log.Printf)
	metrics := observability.NewMetrics()

	consumer := dispatch.NewConsumer(
		instrumentedQueue{Queue: queue, metrics: metrics},
		instrumentedSubmitter{base: service, metrics: metrics},
		dispatchCfg.Group, dispatchCfg.Consumer, log.Printf)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("dispatch consumer stopped: %v", err)
		}
	}()

	sweepCfg, err := config.LoadSweeper()
	if err != nil {
		return err
	}
	sweep := sweeper.New(instrumentedOrchestrator{base: service, metrics: metrics}, sweepCfg.Interval, log.Printf)
	go func() {
		if err := sweep.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("sweeper stopped: %v", err)
		}
	}()

	lis, err := net.Listen("tcp", ":50051")
	if err != nil {
		return err
	}

	server := grpcpkg.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(server)
		log.Println("gRPC reflection enabled (APP_ENV=", env, ")")
	}

	log.Println("refundd running on :50051...")
	obsSrv, obsErr := startObservabilityServer(metrics)
	if obsErr != nil {
		return obsErr
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		server.GracefulStop()
		if obsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = obsSrv.Shutdown(shutdownCtx)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func buildStore(ctx context.Context, acquirerCfgs []config.AcquirerConfig) (refunds.Store, func(), error) {
	dsn, err := config.GetDatabaseURL()
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	var manualReview []refunds.AcquirerCode
	for _, a := range acquirerCfgs {
		if a.ManualReview {
			manualReview = append(manualReview, refunds.AcquirerCode(a.Code))
		}
	}

	store, err := refundsdb.NewStoreWithSchema(ctx, db, manualReview...)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init refund store: %w", err)
	}
	return store, func() { db.Close() }, nil
}

func buildAcquirers(cfgs []config.AcquirerConfig) (*refunds.StaticDirectory, *refunds.Registry) {
	var acquirers []refunds.Acquirer
	gateways := make(map[refunds.AcquirerCode]refunds.Gateway, len(cfgs))
	for _, a := range cfgs {
		code := refunds.AcquirerCode(a.Code)
		acquirers = append(acquirers, refunds.Acquirer{
			Code:           code,
			PendingTimeout: a.PendingTimeout,
		})
		limiter := refunds.NewRateLimiter(10*time.Millisecond, 10)
		breaker := refunds.NewCircuitBreaker(refunds.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		})
		gateways[code] = refunds.NewReliableGateway(&refunds.NoopGateway{Code: code}, limiter, breaker)
	}
	return refunds.NewStaticDirectory(acquirers...), refunds.NewRegistry(gateways)
}

func buildRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}
	return redis.NewClient(opts), nil
}

func startObservabilityServer(metrics *observability.Metrics) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("observability server error: %v", err)
		}
	}()

	return srv, nil
}
