// Package main implements replsetwatch, which follows the topology of a redis
// primary/replica set and reports on it.
//
// It logs every topology change, primary conflict and unusable node, and
// serves:
//
//	/metrics  - Prometheus metrics for the Manager and its Pools
//	/topo     - The current topology, in plain text
//
// Example usage:
//
//	cat > replsetwatch.yml <<EOF
//	seeds: ["10.0.0.1:6379", "10.0.0.2:6379"]
//	refresh:
//	  mode: periodic
//	  interval: 5s
//	seed_cache: /var/lib/replsetwatch/seeds.db
//	EOF
//	./replsetwatch -config replsetwatch.yml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediocregopher/replset"
	"github.com/mediocregopher/replset/contrib/metrics/vm"
	"github.com/mediocregopher/replset/trace"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "replsetwatch.yml", "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", *configPath, "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := vm.New(vm.WithPrefix(cfg.Metrics.Prefix))
	mcfg, store, err := cfg.managerConfig()
	if err != nil {
		logger.Error("Failed to configure manager", "err", err)
		return err
	}
	if store != nil {
		defer store.Close()
	}
	mcfg.Trace = managerTrace(logger, collector)

	m, err := newManager(ctx, logger, mcfg, cfg.seeds, cfg.RetryInterval)
	if err != nil {
		logger.Error("Failed to create manager", "err", err)
		return err
	}
	defer m.Close()
	logTopo(logger, m.Topo())

	go func() {
		for err := range m.ErrCh {
			logger.Error("Manager error", "id", m.ID(), "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", collector.Handler)
	mux.HandleFunc("/topo", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("refresh") {
			if err := m.Refresh(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		writeTopo(w, m.Topo())
	})
	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	srvErrCh := make(chan error, 1)
	go func() {
		logger.Info("Serving", "listen", cfg.Metrics.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErrCh:
		logger.Error("Server failed", "listen", cfg.Metrics.Listen, "err", err)
		return err
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down server", "err", err)
	}
	return nil
}

// newManager creates a Manager, retrying for as long as the error is
// retryable and ctx isn't done.
func newManager(
	ctx context.Context,
	logger *slog.Logger,
	cfg replset.ManagerConfig,
	seeds []replset.Addr,
	retryInterval time.Duration,
) (*replset.Manager, error) {
	for {
		m, err := cfg.New(ctx, seeds)
		if err == nil {
			return m, nil
		} else if !replset.IsRetryable(err) {
			return nil, err
		}

		logger.Warn("Replica set unavailable, retrying", "retry_in", retryInterval, "err", err)
		select {
		case <-time.After(retryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// managerTrace returns a ManagerTrace which records into the collector and
// logs the notable events.
func managerTrace(logger *slog.Logger, collector *vm.Collector) trace.ManagerTrace {
	mt := collector.ManagerTrace()
	topoChanged, probeFailed, primaryConflict := mt.TopoChanged, mt.ProbeFailed, mt.PrimaryConflict

	mt.TopoChanged = func(tc trace.ManagerTopoChanged) {
		topoChanged(tc)
		logger.Info("Topology changed",
			"id", tc.ID,
			"generation", tc.Generation,
			"added", tc.Added,
			"removed", tc.Removed,
			"changed", tc.Changed,
		)
	}
	mt.ProbeFailed = func(pf trace.ManagerProbeFailed) {
		probeFailed(pf)
		logger.Warn("Node unusable",
			"id", pf.ID,
			"generation", pf.Generation,
			"addr", pf.Addr,
			"err", pf.Err,
		)
	}
	mt.PrimaryConflict = func(pc trace.ManagerPrimaryConflict) {
		primaryConflict(pc)
		logger.Warn("Multiple primaries claimed",
			"id", pc.ID,
			"generation", pc.Generation,
			"claimants", pc.Claimants,
			"addr", pc.Chosen,
		)
	}
	return mt
}

func logTopo(logger *slog.Logger, t *replset.Topo) {
	primary, _ := t.Primary()
	logger.Info("Topology",
		"generation", t.Generation(),
		"primary", primary,
		"secondaries", t.Secondaries(),
		"arbiters", t.Arbiters(),
		"unavailable", t.Unavailable(),
	)
}

func writeTopo(w io.Writer, t *replset.Topo) {
	fmt.Fprintf(w, "generation %d (%s)\n", t.Generation(), t.Created().Format(time.RFC3339))
	if primary, ok := t.Primary(); ok {
		fmt.Fprintf(w, "primary     %s\n", primary)
	} else {
		fmt.Fprintf(w, "primary     none\n")
	}
	for _, addr := range t.Secondaries() {
		fmt.Fprintf(w, "secondary   %s\n", addr)
	}
	for _, addr := range t.Arbiters() {
		fmt.Fprintf(w, "arbiter     %s\n", addr)
	}
	for _, addr := range t.Unavailable() {
		fmt.Fprintf(w, "unavailable %s\n", addr)
	}
}
