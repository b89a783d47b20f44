package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"caravel/cmd/server/config"
	"caravel/internal/consume"
	"caravel/internal/idempotency"
	"caravel/internal/observability"
	"caravel/internal/outbox"
	"caravel/internal/realtime"
	"caravel/internal/reconcile"
	"caravel/internal/saga"
	"caravel/internal/transport"

	"github.com/gorilla/websocket"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	if redisCfg.InboundStream == "" {
		redisCfg.InboundStream = "integration_events"
	}
	if redisCfg.OutboundStream == "" {
		redisCfg.OutboundStream = redisCfg.InboundStream
	}
	if redisCfg.DeadLetterStream == "" {
		redisCfg.DeadLetterStream = redisCfg.InboundStream + ":dead"
	}
	outboxCfg, err := config.LoadOutbox()
	if err != nil {
		return err
	}
	sweeperCfg, err := config.LoadSweeper()
	if err != nil {
		return err
	}
	maintCfg, err := config.LoadMaintenance()
	if err != nil {
		return err
	}
	relCfg, err := outbox.LoadReliabilityConfig()
	if err != nil {
		return err
	}

	st, cleanupStores := buildStores(ctx, os.Getenv("DATABASE_URL"), log.Printf)
	defer cleanupStores()

	client, err := buildRedisClient(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()

	metrics := observability.NewMetrics()

	hub := realtime.NewHub()
	go hub.Run(ctx)

	engine := saga.NewEngine(st.Sagas, log.Printf)
	engine.OnTransition = realtime.TransitionBroadcaster(hub)

	guard := idempotency.NewGuard(st.Idempotency)
	processor := consume.NewProcessor(engine, guard, log.Printf)
	processor.OnOutcome = func(eventType string, outcome saga.Outcome) {
		metrics.ObserveEvent(eventType, string(outcome))
	}

	consumer := transport.NewConsumer(client, transport.ConsumerConfig{
		Stream:           redisCfg.InboundStream,
		Group:            redisCfg.ConsumerGroup,
		Consumer:         redisCfg.ConsumerName,
		DeadLetterStream: redisCfg.DeadLetterStream,
	}, processor.Process, log.Printf)

	limiter := outbox.NewRateLimiter(relCfg.RateLimitInterval, relCfg.RateLimitBurst, metrics.AddRateLimitWait)
	breaker := outbox.NewCircuitBreaker(outbox.CircuitBreakerConfig{
		MaxFailures:  relCfg.BreakerMaxFailures,
		ResetTimeout: relCfg.BreakerResetTimeout,
	})
	retry := outbox.RetryPolicy{
		MaxAttempts: relCfg.RetryMaxAttempts,
		BaseDelay:   relCfg.RetryBaseDelay,
		MaxDelay:    relCfg.RetryMaxDelay,
	}
	publisher := outbox.NewReliablePublisher(
		transport.NewPublisher(client, redisCfg.OutboundStream, redisCfg.StreamMaxLen),
		limiter, breaker, retry,
	)

	dispatcher := outbox.NewDispatcher(st.Outbox, publisher, outbox.DispatcherConfig{
		PollInterval: outboxCfg.PollInterval,
		BatchSize:    outboxCfg.BatchSize,
		MaxAttempts:  outboxCfg.MaxAttempts,
	}, log.Printf)
	dispatcher.OnCycle(func(stats outbox.DispatchStats) {
		metrics.ObserveDispatch(stats.Published, stats.Failed, stats.Skipped)
	})

	dlq := transport.NewDeadLetterQueue(client, redisCfg.DeadLetterStream, redisCfg.InboundStream)

	sweeper := reconcile.NewSweeper(st.Directory, st.Membership, st.Sagas, st.Outbox, engine, dlq, reconcile.Config{
		SagaSLA:   sweeperCfg.SagaSLA,
		BatchSize: sweeperCfg.BatchSize,
	}, log.Printf)
	sweeper.OnSweep(func(totals reconcile.Result) {
		metrics.ObserveSweep(totals.Processed, totals.Fixed, totals.Failed, totals.Skipped)
	})

	go dispatcher.Run(ctx)
	go sweeper.Run(ctx, sweeperCfg.Interval)
	go runMaintenance(ctx, st, guard, maintCfg, log.Printf)

	obsSrv, err := startObservabilityServer(metrics, hub)
	if err != nil {
		return err
	}

	log.Printf("consuming %s as %s/%s", redisCfg.InboundStream, redisCfg.ConsumerGroup, redisCfg.ConsumerName)

	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Run(ctx)
	}()

	select {
	case <-ctx.Done():
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

// runMaintenance purges published outbox rows and aged idempotency records
// on a fixed schedule.
func runMaintenance(ctx context.Context, st stores, guard *idempotency.Guard, cfg config.MaintenanceConfig, logf func(format string, args ...any)) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-cfg.OutboxRetention)
			if n, err := st.Outbox.PurgePublished(ctx, cutoff); err != nil {
				logf("maintenance: purge outbox: %v", err)
			} else if n > 0 {
				logf("maintenance: purged %d published outbox rows", n)
			}
			if n, err := guard.CleanupOldRecords(ctx, cfg.IdempotencyRetentionDays); err != nil {
				logf("maintenance: cleanup idempotency: %v", err)
			} else if n > 0 {
				logf("maintenance: removed %d idempotency records", n)
			}
		}
	}
}

func startObservabilityServer(metrics *observability.Metrics, hub *realtime.Hub) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.HandleFunc("/ws", serveWS(hub))

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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// serveWS upgrades the connection and registers it with the transition feed
// hub. The read loop exists only to detect the peer going away.
func serveWS(hub *realtime.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade: %v", err)
			return
		}
		hub.Register <- conn

		go func() {
			defer func() {
				hub.Unregister <- conn
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
