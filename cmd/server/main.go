/*
main.go - Application entry point

PURPOSE:
  Starts the ledger engine: HTTP surface, verification workers and the
  reward distribution scheduler. Handles configuration, dependency
  injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse flags and load configuration (see config/config.go)
  2. Open the store and seed the chart of accounts and campaigns
  3. Build the queue, transfers, reward distributor and verifier; the
     verifier settles reward placements as their payouts complete
  4. Start the worker pool and re-enqueue PENDING transactions left over
     from a previous run
  5. Start the reward scheduler
  6. Serve HTTP until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -config  Config file path (YAML/JSON/TOML). Optional.
  -port    HTTP server port. Overrides http.port when set.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections, drain requests (http.shutdown_timeout)
  2. Stop the reward scheduler
  3. Stop the workers; in-flight jobs finish or are redelivered later
  4. Close queue, result publisher and store

EXAMPLES:
  # Local development, everything in memory
  LEDGER_STORE_DRIVER=memory ./server

  # SQLite file with Kafka queue
  LEDGER_QUEUE_DRIVER=kafka LEDGER_QUEUE_KAFKA_BROKERS=localhost:9092 ./server -config ledger.yaml
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/castcle/ledger-engine/api"
	"github.com/castcle/ledger-engine/config"
	"github.com/castcle/ledger-engine/factory"
	"github.com/castcle/ledger-engine/ledger"
	"github.com/castcle/ledger-engine/ledger/store"
	"github.com/castcle/ledger-engine/metrics"
	"github.com/castcle/ledger-engine/queue"
	"github.com/castcle/ledger-engine/rewards"
	"github.com/castcle/ledger-engine/store/postgres"
	"github.com/castcle/ledger-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config_invalid", slog.Any("err", err))
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server_failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx := context.Background()

	// Store
	st, placements, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()
	seed, err := loadSeed(cfg.Store.SeedFile)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, st); err != nil {
		return err
	}
	log.Info("store_ready",
		slog.String("driver", cfg.Store.Driver),
		slog.Int("accounts", len(seed.Accounts)),
		slog.Int("campaigns", len(seed.Campaigns)))

	m := metrics.New()

	// Queue and completion listeners
	q, closeQueue, err := openQueue(cfg.Queue, m, log)
	if err != nil {
		return err
	}
	defer closeQueue()

	var listeners queue.Listeners
	if cfg.Queue.Driver == "kafka" && cfg.Queue.Kafka.ResultsTopic != "" {
		publisher, err := queue.NewKafkaResultPublisher(cfg.Queue.Kafka.Brokers, cfg.Queue.Kafka.ResultsTopic, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		listeners.Add(publisher.Listener)
	}
	listeners.Add(func(_ context.Context, r queue.Result) {
		log.Info("transaction_completed",
			slog.String("transaction", string(r.TransactionID)),
			slog.String("status", string(r.Status)),
			slog.String("failure", string(r.FailureMessage)))
	})

	// Ledger
	var locks ledger.KeyLocker = ledger.NewAccountLocks()
	if shared, ok := st.(ledger.KeyLocker); ok {
		locks = ledger.StackLocks(locks, shared)
	}
	balances := ledger.NewBalanceEngine(st)
	transfers := ledger.NewTransfers(st, balances, queue.Enqueuer{Queue: q}, locks, log)
	transfers.Recorder = m

	// Rewards
	shares, err := cfg.Rewards.Shares()
	if err != nil {
		return err
	}
	distributor := rewards.NewDistributor(placements, st, transfers, shares)
	distributor.BatchSize = cfg.Rewards.BatchSize
	distributor.Parallelism = cfg.Rewards.Parallelism
	distributor.MaxPayoutAttempts = cfg.Rewards.MaxPayoutAttempts
	distributor.Log = log.With(slog.String("component", "reward_distributor"))
	distributor.Recorder = m
	if cfg.Rewards.RatePerSecond > 0 {
		distributor.Limiter = rate.NewLimiter(rate.Limit(cfg.Rewards.RatePerSecond), cfg.Rewards.Parallelism)
	}

	verifier := ledger.NewVerifier(st,
		ledger.WithLocks(locks),
		ledger.WithLogger(log),
		ledger.WithRecorder(m),
		ledger.OnCompleted(listeners.Notify),
		ledger.OnCompleted(distributor.Settle),
	)

	// Workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	pool := queue.NewPool(q, verifier, cfg.Queue.Workers, cfg.Queue.JobTimeout, log)
	pool.Start(workerCtx)
	defer func() {
		stopWorkers()
		pool.Wait()
	}()

	requeued, err := transfers.RequeuePending(ctx, time.Now().UTC())
	if err != nil {
		log.Error("requeue_pending_failed", slog.Any("err", err))
	} else if requeued > 0 {
		log.Info("requeued_pending", slog.Int("count", requeued))
	}

	scheduler := rewards.NewScheduler(distributor, cfg.Rewards.Interval, log)
	scheduler.Enabled = cfg.Rewards.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP
	handler := api.NewHandler(st, transfers, balances, log)
	handler.Placements = placements
	handler.Rewards = scheduler
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Metrics:        m.Handler(),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http_listening", slog.Int("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown_started", slog.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http_shutdown_failed", slog.Any("err", err))
	}

	log.Info("shutdown_complete")
	return nil
}

// openStore returns the ledger store, the placement store backing rewards
// and a close function.
func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.AdminStore, rewards.PlacementStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), rewards.NewMemoryPlacements(), func() {}, nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { s.Close() }, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, s.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// loadSeed reads the reference data file, or returns the default chart.
func loadSeed(path string) (factory.Seed, error) {
	if path == "" {
		return factory.DefaultSeed(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return factory.Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	return factory.NewSeedFactory().ParseSeed(data)
}

func openQueue(cfg config.QueueConfig, m *metrics.Metrics, log *slog.Logger) (queue.Queue, func(), error) {
	switch cfg.Driver {
	case "memory":
		q := queue.NewMemory(cfg.Capacity, log)
		q.MaxAttempts = cfg.MaxAttempts
		q.Recorder = m
		return q, func() { q.Close() }, nil
	case "kafka":
		q, err := queue.NewKafka(cfg.KafkaQueue(), log)
		if err != nil {
			return nil, nil, err
		}
		q.Recorder = m
		return q, func() { q.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
