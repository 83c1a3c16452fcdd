/*
Copyright 2024 Ordinals Plus

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command indexer runs the BTCO identity-resource indexer and its operator
// commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ordinalsplus/btcoindexer"
	"github.com/ordinalsplus/btcoindexer/lib/cache"
	"github.com/ordinalsplus/btcoindexer/lib/config"
	"github.com/ordinalsplus/btcoindexer/lib/defaults"
	"github.com/ordinalsplus/btcoindexer/lib/provider"
	"github.com/ordinalsplus/btcoindexer/lib/resourceid"
	"github.com/ordinalsplus/btcoindexer/lib/state"
	"github.com/ordinalsplus/btcoindexer/lib/worker"
)

func main() {
	if err := Run(os.Args[1:]); err != nil {
		slog.Error("Indexer failed", "error", err)
		os.Exit(1)
	}
}

// Run parses the command line and dispatches to the selected command.
func Run(args []string) error {
	var debug bool
	var errorCount int64

	app := kingpin.New("indexer", "Distributed indexer for BTCO identity resources.")
	app.Version(btcoindexer.Version)
	app.HelpFlag.Short('h')
	app.Flag("debug", "Enable verbose logging.").Short('d').BoolVar(&debug)

	startCmd := app.Command("start", "Run an indexing worker.").Default()
	statsCmd := app.Command("stats", "Print cursor, worker and resource statistics.")
	errorsCmd := app.Command("errors", "List recent indexing errors.")
	errorsCmd.Arg("count", "How many errors to list.").
		Default(fmt.Sprintf("%d", defaults.ErrorListLimit)).Int64Var(&errorCount)

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case startCmd.FullCommand():
		return trace.Wrap(onStart(ctx, cfg))
	case statsCmd.FullCommand():
		return trace.Wrap(onStats(ctx, cfg))
	case errorsCmd.FullCommand():
		return trace.Wrap(onErrors(ctx, cfg, errorCount))
	}
	return trace.BadParameter("command %q not configured", command)
}

// onStart wires the worker together and runs it until a signal arrives.
func onStart(ctx context.Context, cfg *config.Config) error {
	mgr, err := connectState(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer mgr.Close()

	prov, err := provider.New(provider.Config{
		Type:     cfg.ProviderType,
		Endpoint: cfg.IndexerURL,
		APIKey:   cfg.OrdiscanAPIKey,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	insCache, err := cache.New(cache.Config{TTL: cfg.CacheTTL})
	if err != nil {
		return trace.Wrap(err)
	}

	deriver, err := resourceid.NewDeriver(resourceid.DeriverConfig{
		Provider: prov,
		Cache:    insCache,
		Network:  cfg.Network,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if cfg.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(cfg.MetricsAddr)
		if err != nil {
			return trace.Wrap(err)
		}
		defer stopMetrics()
	}

	w, err := worker.New(worker.Config{
		WorkerID:             cfg.WorkerID,
		State:                mgr,
		Provider:             prov,
		Deriver:              deriver,
		Cache:                insCache,
		BatchSize:            cfg.BatchSize,
		StartInscription:     cfg.StartInscription,
		Concurrency:          cfg.ConcurrentProcessing,
		PollInterval:         cfg.PollInterval,
		HighFailureThreshold: cfg.HighFailureThreshold,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(w.Run(ctx))
}

// onStats prints the shared indexing statistics.
func onStats(ctx context.Context, cfg *config.Config) error {
	mgr, err := connectState(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer mgr.Close()

	stats, err := mgr.Stats(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	if stats.Cursor < 0 {
		fmt.Println("Cursor:               not started")
	} else {
		fmt.Printf("Cursor:               %d\n", stats.Cursor)
	}
	fmt.Printf("Active workers:       %d\n", stats.ActiveWorkers)
	fmt.Printf("Identity resources:   %d (did-document: %d, verifiable-credential: %d)\n",
		stats.IdentityTotal, stats.DIDDocuments, stats.VerifiableCredentials)
	fmt.Printf("Other resources:      %d\n", stats.NonIdentityTotal)
	buckets := make([]string, 0, len(stats.NonIdentityByType))
	for bucket := range stats.NonIdentityByType {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)
	for _, bucket := range buckets {
		fmt.Printf("  %-12s        %d\n", bucket+":", stats.NonIdentityByType[bucket])
	}
	fmt.Printf("Errors:               %d\n", stats.Errors)
	return nil
}

// onErrors lists the most recent error records.
func onErrors(ctx context.Context, cfg *config.Config, count int64) error {
	mgr, err := connectState(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer mgr.Close()

	records, err := mgr.RecentErrors(ctx, count)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(records) == 0 {
		fmt.Println("No errors recorded.")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("#%d %s\n", rec.InscriptionNumber, rec.InscriptionID)
		fmt.Printf("    time:   %s\n", rec.Timestamp.UTC().Format(time.RFC3339))
		fmt.Printf("    worker: %s\n", rec.WorkerID)
		fmt.Printf("    error:  %s\n", rec.Error)
	}
	return nil
}

func connectState(ctx context.Context, cfg *config.Config) (*state.Manager, error) {
	client, err := state.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	mgr, err := state.NewManager(state.Config{Client: client})
	if err != nil {
		client.Close()
		return nil, trace.Wrap(err)
	}
	return mgr, nil
}

// serveMetrics exposes prometheus metrics and a health check while the
// worker runs.
func serveMetrics(addr string) (stop func(), err error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("Diagnostics server exited", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}, nil
}
