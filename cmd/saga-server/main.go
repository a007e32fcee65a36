// Command saga-server runs the saga orchestrator with its HTTP control API.
//
// Saga definitions are loaded from a JSON file at startup. The server accepts
// start/cancel/status requests and participant replies over HTTP; staged
// commands are published by a separate saga-relay process (or the embedded
// relay when -sink-url is set).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/velmie/saga"
	"github.com/velmie/saga/cmd/internal/webhook"
	"github.com/velmie/saga/httpx"
	"github.com/velmie/saga/mysql"
)

const (
	exitUsage           = 2
	shutdownGracePeriod = 10 * time.Second
)

type definitionFile struct {
	Definitions []definitionSpec `json:"definitions"`
}

type definitionSpec struct {
	Name    string     `json:"name"`
	Version int        `json:"version"`
	Steps   []stepSpec `json:"steps"`
}

type stepSpec struct {
	Name             string `json:"name"`
	CommandType      string `json:"command_type"`
	CompensationType string `json:"compensation_type"`
	Timeout          string `json:"timeout,omitempty"`
}

func main() {
	var (
		dsn          string
		addr         string
		defsPath     string
		tablePrefix  string
		sinkURL      string
		workers      int
		stepTimeout  time.Duration
		maxAttempts  int
		scanInterval time.Duration
		verbose      bool
	)

	flag.StringVar(&dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&defsPath, "definitions", "", "Path to the saga definitions JSON file")
	flag.StringVar(&tablePrefix, "table-prefix", "", "Table name prefix (default saga_)")
	flag.StringVar(&sinkURL, "sink-url", "", "Run an embedded relay posting messages to this URL")
	flag.IntVar(&workers, "workers", 0, "Reply worker pool size (0 uses default)")
	flag.DurationVar(&stepTimeout, "step-timeout", 0, "Default per-step reply deadline (0 uses default)")
	flag.IntVar(&maxAttempts, "max-attempts", 0, "Dispatch limit per step (0 uses default)")
	flag.DurationVar(&scanInterval, "scan-interval", 0, "Deadline watchdog period (0 uses default)")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	if dsn == "" || defsPath == "" {
		fmt.Fprintln(os.Stderr, "dsn and definitions are required")
		flag.Usage()
		os.Exit(exitUsage)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := saga.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(dsn, addr, defsPath, tablePrefix, sinkURL, workers, stepTimeout, maxAttempts, scanInterval, logger); err != nil {
		logger.Error("saga-server exited", "err", err)
		os.Exit(1)
	}
}

func run(
	dsn, addr, defsPath, tablePrefix, sinkURL string,
	workers int,
	stepTimeout time.Duration,
	maxAttempts int,
	scanInterval time.Duration,
	logger saga.Logger,
) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	registry, err := loadDefinitions(defsPath)
	if err != nil {
		return err
	}

	store, err := mysql.NewStore(db, mysql.WithTablePrefix(tablePrefix))
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	opts := []saga.OrchestratorOption{saga.WithLogger(logger)}
	if workers > 0 {
		opts = append(opts, saga.WithWorkers(workers))
	}
	if stepTimeout > 0 {
		opts = append(opts, saga.WithStepTimeout(stepTimeout))
	}
	if maxAttempts > 0 {
		opts = append(opts, saga.WithMaxAttempts(maxAttempts))
	}
	if scanInterval > 0 {
		opts = append(opts, saga.WithScanInterval(scanInterval))
	}
	orchestrator := saga.NewOrchestrator(registry, store, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	go func() {
		errCh <- orchestrator.Run(ctx)
	}()

	if sinkURL != "" {
		hostname, _ := os.Hostname()
		relay := saga.NewRelay(store, store, webhook.NewPublisher(sinkURL, nil),
			saga.WithRelayOwner(fmt.Sprintf("saga-server/%s/%d", hostname, os.Getpid())),
			saga.WithRelayLogger(logger),
		)
		go func() {
			errCh <- relay.Run(ctx)
		}()
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           httpx.NewRouter(httpx.NewHandler(orchestrator, logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("saga-server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			shutdown(server)

			return err
		}
	}

	shutdown(server)

	return nil
}

func shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	_ = server.Shutdown(ctx)
}

func loadDefinitions(path string) (*saga.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}

	var file definitionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	if len(file.Definitions) == 0 {
		return nil, fmt.Errorf("parse definitions: %s defines no sagas", path)
	}

	registry := saga.NewRegistry()
	for _, spec := range file.Definitions {
		def := saga.Definition{
			Name:    spec.Name,
			Version: spec.Version,
			Steps:   make([]saga.StepSpec, 0, len(spec.Steps)),
		}
		for _, step := range spec.Steps {
			var timeout time.Duration
			if step.Timeout != "" {
				timeout, err = time.ParseDuration(step.Timeout)
				if err != nil {
					return nil, fmt.Errorf("parse definitions: step %q timeout: %w", step.Name, err)
				}
			}
			def.Steps = append(def.Steps, saga.StepSpec{
				Name:             step.Name,
				CommandType:      step.CommandType,
				CompensationType: step.CompensationType,
				Timeout:          timeout,
			})
		}
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
