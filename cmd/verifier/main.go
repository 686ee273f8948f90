// verifier independently re-fetches the actors a lookup serves, compares
// them against the origin, and submits envelope signatures for the ones
// that match.
//
// Usage:
//
//	export LOCAL_DOMAIN=https://verifier.example.com
//	export VERIFIER_DATABASE_URL=verifier.db
//	./verifier --watch https://lookup.example.com
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/config"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/envelope"
	"github.com/fedivet/fedivet/internal/metrics"
	"github.com/fedivet/fedivet/internal/server"
	"github.com/fedivet/fedivet/internal/verifier"
)

func main() {
	var (
		watchURIs []string
		verbosity int
	)

	cmd := &cobra.Command{
		Use:          "verifier",
		Short:        "fedivet verifier — independent actor key attestation",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(watchURIs, verbosity)
		},
	}
	cmd.Flags().StringArrayVar(&watchURIs, "watch", nil, "base URL of a lookup to verify (repeatable, required)")
	cmd.Flags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v debug, -vv debug with source)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(watchURIs []string, verbosity int) error {
	setupLogging(verbosity)

	if len(watchURIs) == 0 {
		return errors.New("at least one --watch lookup is required")
	}

	cfg := config.LoadVerifier()
	slog.Info("starting verifier",
		"actor", cfg.ActorURI,
		"database", cfg.DatabaseURL,
		"lookups", len(watchURIs),
	)

	store, err := db.OpenVerifier(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	keyPair, err := ap.LoadOrGenerateKeyPair(cfg.RSAPrivateKeyPath, cfg.RSAPublicKeyPath)
	if err != nil {
		return fmt.Errorf("load RSA key pair: %w", err)
	}

	requestSigner := ap.NewRequestSigner(cfg.ActorURI+"#main-key", keyPair.Private)
	client := ap.NewClient(ap.ClientOptions{
		Limit:          cfg.ParallelFetches,
		Timeout:        cfg.RequestTimeout,
		ConnectTimeout: cfg.RequestTimeout,
		UserAgent:      "fedivet-verifier",
		Insecure:       cfg.Debug,
	})
	resolver := ap.NewResolver(client)

	pool := envelope.NewPool(runtime.NumCPU())
	defer pool.Shutdown()
	signer := envelope.NewSigner(pool, keyPair.Private)

	events := metrics.NewEventCounter()
	fetcher := verifier.NewFetcher(client, store, events, cfg.DomainRetryTimers, cfg.RequestTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	for _, base := range watchURIs {
		lookup := verifier.NewLookupClient(base, cfg.RequestTimeout, requestSigner)
		w := verifier.NewWorker(cfg, store, lookup, signer, fetcher, resolver, events)
		g.Go(func() error { return w.Run(ctx) })
	}

	srv := server.NewVerifier(cfg, events, keyPair)
	g.Go(func() error {
		srv.Start(ctx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("verifier stopped")
	return nil
}

func setupLogging(verbosity int) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbosity >= 1 {
		opts.Level = slog.LevelDebug
	}
	if verbosity >= 2 {
		opts.AddSource = true
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, opts)))
}
