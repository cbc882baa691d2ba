// Command sauron runs the chat message screening service: HTTP ingest with
// rate limiting, a durable analysis queue consumed by a worker pool, and
// live alert fan-out to monitoring clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/WOULDU-pres/sauron-backend-sub002/analysis"
	"github.com/WOULDU-pres/sauron-backend-sub002/broadcast"
	"github.com/WOULDU-pres/sauron-backend-sub002/config"
	"github.com/WOULDU-pres/sauron-backend-sub002/gateway"
	"github.com/WOULDU-pres/sauron-backend-sub002/health"
	"github.com/WOULDU-pres/sauron-backend-sub002/message"
	"github.com/WOULDU-pres/sauron-backend-sub002/metric"
	"github.com/WOULDU-pres/sauron-backend-sub002/natsclient"
	"github.com/WOULDU-pres/sauron-backend-sub002/queue"
	"github.com/WOULDU-pres/sauron-backend-sub002/ratelimit"
	"github.com/WOULDU-pres/sauron-backend-sub002/store"
	"github.com/WOULDU-pres/sauron-backend-sub002/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sauron: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	if flags.version {
		fmt.Printf("sauron %s\n", Version)
		return nil
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}

	logger := setupLogging(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting sauron", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := health.NewMonitor()

	// NATS connection
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(&slogAdapter{logger: logger.With("component", "natsclient")}),
		natsclient.WithClientName("sauron-screening"),
	}
	if cfg.NATS.Username != "" && cfg.NATS.Password != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	nc, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	nc.OnHealthChange(func(healthy bool) {
		if healthy {
			monitor.UpdateHealthy("nats", "connected")
		} else {
			monitor.UpdateUnhealthy("nats", "connection lost")
		}
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = nc.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := nc.Close(closeCtx); err != nil {
			logger.Warn("NATS close error", "error", err)
		}
	}()
	monitor.UpdateHealthy("nats", "connected")

	// Durable queue
	q, err := queue.NewJetStreamQueue(nc, cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	if err := q.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize queue: %w", err)
	}

	// KV buckets
	rlBucket, err := nc.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.Buckets.RateLimit,
		// Bucket TTL is garbage collection; window expiry is checked
		// logically against the stored window end
		TTL: 2 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create rate limit bucket: %w", err)
	}
	resultBucket, err := nc.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.Buckets.Results,
		TTL:    cfg.Buckets.ResultTTL,
	})
	if err != nil {
		return fmt.Errorf("create results bucket: %w", err)
	}

	counterStore := ratelimit.NewKVCounterStore(natsclient.NewKVStore(rlBucket, cfg.Buckets.RateLimit))
	limiter, err := ratelimit.NewLimiter(counterStore, cfg.RateLimit, logger)
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}

	resultStore := store.NewKVResultStore(natsclient.NewKVStore(resultBucket, cfg.Buckets.Results), logger)

	// Analysis backend
	analyzer, err := analysis.NewOpenAIAnalyzer(cfg.Analysis)
	if err != nil {
		return fmt.Errorf("create analyzer: %w", err)
	}

	// Worker pool
	pool, err := worker.NewPool(cfg.Worker, q, resultStore, analyzer, nc, logger)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	defer func() {
		if err := pool.Stop(shutdownTimeout); err != nil {
			logger.Warn("worker pool stop error", "error", err)
		}
	}()
	monitor.UpdateHealthy("worker", "running")

	// Alert fan-out
	registry, err := broadcast.NewRegistry(cfg.Broadcast, logger)
	if err != nil {
		return fmt.Errorf("create broadcast registry: %w", err)
	}
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start broadcast registry: %w", err)
	}
	defer func() {
		if err := registry.Stop(shutdownTimeout); err != nil {
			logger.Warn("broadcast registry stop error", "error", err)
		}
	}()

	// Workers publish alerts to NATS; every instance's registry fans its
	// own subscribers out, so alerts reach clients on all instances
	err = nc.Subscribe(ctx, cfg.Worker.AlertSubject, func(_ context.Context, data []byte) {
		alert, err := message.ParseAlertEvent(data)
		if err != nil {
			logger.Warn("discarding unparseable alert", "error", err)
			return
		}
		registry.Broadcast(alert)
	})
	if err != nil {
		return fmt.Errorf("subscribe to alerts: %w", err)
	}

	// Metrics
	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		registryM := metric.NewRegistry()
		if err := registerPipelineMetrics(registryM, pool, registry, limiter); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registryM)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(shutdownTimeout); err != nil {
				logger.Warn("metrics server stop error", "error", err)
			}
		}()
	}

	// Rate limiter health feeds the monitor on a slow cadence
	go watchLimiterHealth(ctx, limiter, monitor)

	// HTTP gateway
	gw, err := gateway.NewServer(cfg.Gateway, q, limiter, resultStore, registry, pool, monitor, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	if err := gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer func() {
		if err := gw.Stop(shutdownTimeout); err != nil {
			logger.Warn("gateway stop error", "error", err)
		}
	}()

	logger.Info("sauron running",
		"gatewayPort", cfg.Gateway.Port,
		"workers", cfg.Worker.Workers,
		"maxConnections", cfg.Broadcast.MaxConnections)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func watchLimiterHealth(ctx context.Context, limiter *ratelimit.Limiter, monitor *health.Monitor) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if limiter.Healthy(ctx) {
				monitor.UpdateHealthy("ratelimit", "counter store reachable")
			} else {
				monitor.UpdateDegraded("ratelimit", "counter store unreachable, admitting without quota checks")
			}
		}
	}
}

func registerPipelineMetrics(reg *metric.Registry, pool *worker.Pool, br *broadcast.Registry, limiter *ratelimit.Limiter) error {
	collectors := map[string]prometheus.Collector{
		"messages_processed_total": prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sauron_messages_processed_total",
			Help: "Messages analyzed to completion",
		}, func() float64 { return float64(pool.Snapshot().Processed) }),
		"messages_flagged_total": prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sauron_messages_flagged_total",
			Help: "Messages flagged and fanned out as alerts",
		}, func() float64 { return float64(pool.Snapshot().Flagged) }),
		"messages_failed_total": prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sauron_messages_failed_total",
			Help: "Failed analysis attempts, retried or dead-lettered",
		}, func() float64 { return float64(pool.Snapshot().Failed) }),
		"messages_retried_total": prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sauron_messages_retried_total",
			Help: "Failed records requeued for another attempt",
		}, func() float64 { return float64(pool.Snapshot().Retried) }),
		"messages_dead_lettered_total": prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sauron_messages_dead_lettered_total",
			Help: "Records moved to the dead letter stream",
		}, func() float64 { return float64(pool.Snapshot().DeadLettered) }),
		"broadcast_connections": prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sauron_broadcast_connections",
			Help: "Currently connected monitoring clients",
		}, func() float64 { return float64(br.Len()) }),
		"ratelimit_denied_total": prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sauron_ratelimit_denied_total",
			Help: "Messages denied by per-sender quotas",
		}, func() float64 { return float64(limiter.Snapshot().Denied) }),
		"ratelimit_fail_open_total": prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sauron_ratelimit_fail_open_total",
			Help: "Admissions granted while the counter store was unreachable",
		}, func() float64 { return float64(limiter.Snapshot().FailOpens) }),
	}

	for name, collector := range collectors {
		if err := reg.Register("sauron", name, collector); err != nil {
			return err
		}
	}
	return nil
}
