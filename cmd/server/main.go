package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderpilot/internal/adapters/grpc"
	"orderpilot/internal/config"
	"orderpilot/internal/events"
	"orderpilot/internal/notify"
	"orderpilot/internal/observability"
	"orderpilot/internal/orders"
	"orderpilot/internal/realtime"
	"orderpilot/internal/rpc"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "orders").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func run(ctx context.Context, logger zerolog.Logger) error {
	srvCfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	retryCfg, err := config.LoadPaymentRetry()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	brokerCfg, err := config.LoadBroker()
	if err != nil {
		return err
	}
	obsCfg := config.LoadObservability()

	metrics := observability.NewMetrics()

	reg, err := rpc.LoadRegistry(srvCfg.ProtoDir)
	if err != nil {
		return err
	}

	users, products, payments, cleanupClients, err := buildClients(srvCfg, reg, logger)
	if err != nil {
		return err
	}
	defer cleanupClients()

	reliablePayments := orders.NewReliablePaymentClient(
		payments,
		orders.RetryPolicy{MaxAttempts: retryCfg.MaxAttempts, BaseDelay: retryCfg.BaseDelay},
		srvCfg.CallTimeout,
		metrics.AddPaymentRetries,
	)

	opts, err := redis.ParseURL(redisCfg.URL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	publisher := events.NewFanoutPublisher(
		events.NewRedisStreamPublisher(rdb, redisCfg.Stream, redisCfg.StreamMaxLen),
		hub,
	)

	dispatcher := notify.NewAMQPDispatcher(brokerCfg.Queue, brokerCfg.DLQ, logger)
	go dispatcher.Run(ctx, brokerCfg.URL, brokerCfg.RetryDelay)

	service := orders.NewService(
		users,
		products,
		reliablePayments,
		orders.NewMemoryOrderStore(),
		publisher,
		dispatcher,
		logger,
	)
	service.Metrics = metrics

	adapter, err := grpc.NewOrderServer(service, reg)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", srvCfg.GRPCAddr)
	if err != nil {
		return err
	}

	limiter := newGrpcRateLimiter(srvCfg.RateLimitInterval, srvCfg.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger)),
	)
	adapter.Register(server)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(adapter.ServiceName(), healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(server)
		logger.Info().Str("app_env", env).Msg("grpc reflection enabled")
	}

	obsSrv := startObservabilityServer(obsCfg.Addr, metrics, hub, logger)

	logger.Info().Str("addr", srvCfg.GRPCAddr).Bool("local_clients", srvCfg.LocalClients).Msg("order service running")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus(adapter.ServiceName(), healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown()
		server.GracefulStop()
		service.Wait()
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

// buildClients wires the three upstream collaborators. With
// LOCAL_CLIENTS set the server runs self-contained against seeded
// in-memory fakes, otherwise it dials the remote services and drives
// them through dynamic stubs.
func buildClients(cfg config.ServerConfig, reg *rpc.Registry, logger zerolog.Logger) (orders.UserClient, orders.ProductClient, orders.PaymentClient, func(), error) {
	if cfg.LocalClients {
		logger.Info().Msg("using in-memory collaborator clients")
		users := orders.NewInMemoryUserClient(
			orders.User{ID: "1", Name: "John Doe", Email: "john@example.com"},
			orders.User{ID: "2", Name: "Jane Smith", Email: "jane@example.com"},
		)
		products := orders.NewInMemoryProductClient(
			orders.Product{ID: "1", Name: "Laptop", Price: 999.99},
			orders.Product{ID: "2", Name: "Phone", Price: 599.99},
			orders.Product{ID: "3", Name: "Headphones", Price: 149.99},
		)
		payments := orders.NewInMemoryPaymentClient()
		return users, products, payments, func() {}, nil
	}

	conns := make([]*grpcpkg.ClientConn, 0, 3)
	cleanup := func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}
	dial := func(addr string) (*grpcpkg.ClientConn, error) {
		conn, err := grpcpkg.NewClient(addr, grpcpkg.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
		return conn, nil
	}

	userConn, err := dial(cfg.UserAddr)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}
	users, err := rpc.NewUserServiceClient(userConn, reg, cfg.CallTimeout)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}

	productConn, err := dial(cfg.ProductAddr)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}
	products, err := rpc.NewProductServiceClient(productConn, reg, cfg.CallTimeout)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}

	paymentConn, err := dial(cfg.PaymentAddr)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}
	// The retry wrapper applies the per-attempt deadline for payments.
	payments, err := rpc.NewPaymentServiceClient(paymentConn, reg, 0)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}

	return users, products, payments, cleanup, nil
}

func startObservabilityServer(addr string, metrics *observability.Metrics, hub *realtime.Hub, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.HandleFunc("/ws", hub.ServeWS)

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("observability server error")
		}
	}()

	return srv
}
