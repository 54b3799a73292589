package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderpilot/internal/config"
	"orderpilot/internal/notify"
	"orderpilot/internal/observability"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "notifier").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Fatal().Err(err).Msg("notifier error")
	}
}

func run(ctx context.Context, logger zerolog.Logger) error {
	brokerCfg, err := config.LoadBroker()
	if err != nil {
		return err
	}
	notifCfg, err := config.LoadNotifier()
	if err != nil {
		return err
	}
	obsCfg := config.LoadObservability()

	metrics := observability.NewMetrics()
	obsSrv := startObservabilityServer(obsCfg.Addr, metrics, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = obsSrv.Shutdown(shutdownCtx)
	}()

	sender := &notify.EmailSender{From: notifCfg.EmailFrom, Logger: logger}
	consumer := notify.NewConsumer(sender, notifCfg.MaxRetries, notifCfg.RetryBaseDelay, logger)
	consumer.OnDelivered = metrics.NotificationDelivered
	consumer.OnRetry = metrics.NotificationRetried
	consumer.OnDeadLetter = metrics.NotificationDeadLettered
	monitor := notify.NewDLQMonitor(logger)

	logger.Info().
		Str("queue", brokerCfg.Queue).
		Str("dlq", brokerCfg.DLQ).
		Int("max_retries", notifCfg.MaxRetries).
		Msg("notifier starting")

	// Outer reconnect loop. A closed delivery channel means the broker
	// connection dropped; redial and resume from the durable queue.
	for {
		conn, err := notify.DialWithRetry(ctx, brokerCfg.URL, brokerCfg.RetryDelay, logger)
		if err != nil {
			return nil
		}

		if err := serveConnection(ctx, conn, consumer, monitor, brokerCfg); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("broker session ended")
		}
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}
	}
}

// serveConnection runs the notification consumer and the DLQ monitor on
// their own channels of one connection, returning when either stops.
func serveConnection(ctx context.Context, conn *amqp.Connection, consumer *notify.Consumer, monitor *notify.DLQMonitor, cfg config.BrokerConfig) error {
	notifyCh, err := conn.Channel()
	if err != nil {
		return err
	}
	defer notifyCh.Close()
	if err := notify.DeclareTopology(notifyCh, cfg.Queue, cfg.DLQ); err != nil {
		return err
	}

	dlqCh, err := conn.Channel()
	if err != nil {
		return err
	}
	defer dlqCh.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- consumer.Consume(sessionCtx, notifyCh, cfg.Queue)
	}()
	go func() {
		errCh <- monitor.Consume(sessionCtx, dlqCh, cfg.DLQ)
	}()

	err = <-errCh
	cancel()
	<-errCh
	return err
}

func startObservabilityServer(addr string, metrics *observability.Metrics, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

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
