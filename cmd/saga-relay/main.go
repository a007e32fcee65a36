// Command saga-relay publishes staged outbox messages to an HTTP sink.
//
// Multiple relay instances may run against the same database; per-partition
// leases keep them from publishing the same partition concurrently. Delivery
// is at-least-once.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/velmie/saga"
	"github.com/velmie/saga/cmd/internal/webhook"
	"github.com/velmie/saga/mysql"
)

const exitUsage = 2

func main() {
	var (
		dsn          string
		sinkURL      string
		owner        string
		tablePrefix  string
		batchSize    int
		pollInterval time.Duration
		workers      int
		leaseTTL     time.Duration
		once         bool
		verbose      bool
	)

	flag.StringVar(&dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&sinkURL, "sink-url", "", "HTTP endpoint messages are posted to")
	flag.StringVar(&owner, "owner", "", "Lease owner id (default hostname/pid)")
	flag.StringVar(&tablePrefix, "table-prefix", "", "Table name prefix (default saga_)")
	flag.IntVar(&batchSize, "batch-size", 0, "Messages fetched per poll (0 uses default)")
	flag.DurationVar(&pollInterval, "poll-interval", 0, "Delay between empty polls (0 uses default)")
	flag.IntVar(&workers, "workers", 0, "Concurrent partition pollers (0 uses default)")
	flag.DurationVar(&leaseTTL, "lease-ttl", 0, "Partition lease duration (0 uses default)")
	flag.BoolVar(&once, "once", false, "Run a single poll pass and exit")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	if dsn == "" || sinkURL == "" {
		fmt.Fprintln(os.Stderr, "dsn and sink-url are required")
		flag.Usage()
		os.Exit(exitUsage)
	}
	if owner == "" {
		hostname, _ := os.Hostname()
		owner = fmt.Sprintf("saga-relay/%s/%d", hostname, os.Getpid())
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := saga.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(dsn, sinkURL, owner, tablePrefix, batchSize, pollInterval, workers, leaseTTL, once, logger); err != nil {
		logger.Error("saga-relay exited", "err", err)
		os.Exit(1)
	}
}

func run(
	dsn, sinkURL, owner, tablePrefix string,
	batchSize int,
	pollInterval time.Duration,
	workers int,
	leaseTTL time.Duration,
	once bool,
	logger saga.Logger,
) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	store, err := mysql.NewStore(db, mysql.WithTablePrefix(tablePrefix))
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	opts := []saga.RelayOption{
		saga.WithRelayOwner(owner),
		saga.WithRelayLogger(logger),
	}
	if batchSize > 0 {
		opts = append(opts, saga.WithRelayBatchSize(batchSize))
	}
	if pollInterval > 0 {
		opts = append(opts, saga.WithRelayPollInterval(pollInterval))
	}
	if workers > 0 {
		opts = append(opts, saga.WithRelayWorkers(workers))
	}
	if leaseTTL > 0 {
		opts = append(opts, saga.WithLeaseTTL(leaseTTL))
	}
	relay := saga.NewRelay(store, store, webhook.NewPublisher(sinkURL, nil), opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		published, err := relay.ProcessOnce(ctx)
		if err != nil {
			return fmt.Errorf("process once: %w", err)
		}
		logger.Info("saga-relay pass complete", "published", published)

		return nil
	}

	logger.Info("saga-relay running", "owner", owner)
	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run relay: %w", err)
	}

	return nil
}
