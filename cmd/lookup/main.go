// lookup crawls the fediverse for actor documents and serves them, with any
// verifier signatures collected so far, over a small query API.
//
// Usage:
//
//	export LOCAL_DOMAIN=https://lookup.example.com
//	export LOOKUP_DATABASE_URL=lookup.db
//	./lookup --from https://mastodon.social/users/Gargron --add-ver https://verifier.example.com/actor
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/config"
	"github.com/fedivet/fedivet/internal/crawler"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/envelope"
	"github.com/fedivet/fedivet/internal/metrics"
	"github.com/fedivet/fedivet/internal/server"
)

const statsPeriod = 10 * time.Second

func main() {
	var (
		fromURIs  []string
		addVers   []string
		noCrawl   bool
		noServer  bool
		verbosity int
	)

	cmd := &cobra.Command{
		Use:          "lookup",
		Short:        "fedivet lookup — ActivityPub actor crawler and directory",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(fromURIs, addVers, noCrawl, noServer, verbosity)
		},
	}
	cmd.Flags().StringArrayVar(&fromURIs, "from", nil, "actor URI or user@host handle to seed the crawl from (repeatable)")
	cmd.Flags().StringArrayVar(&addVers, "add-ver", nil, "verifier actor URI to register before starting (repeatable)")
	cmd.Flags().BoolVar(&noCrawl, "no-crawl", false, "serve the query API without crawling")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "crawl without serving the query API")
	cmd.Flags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v debug, -vv debug with source)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(fromURIs, addVers []string, noCrawl, noServer bool, verbosity int) error {
	setupLogging(verbosity)

	if noCrawl && noServer {
		return errors.New("--no-crawl and --no-server together leave nothing to do")
	}

	cfg := config.LoadLookup()
	slog.Info("starting lookup",
		"domain", cfg.LocalDomain,
		"database", cfg.DatabaseURL,
		"parallel_fetches", cfg.ParallelFetches,
	)

	store, err := db.OpenLookup(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	keyPair, err := ap.LoadOrGenerateKeyPair(cfg.RSAPrivateKeyPath, cfg.RSAPublicKeyPath)
	if err != nil {
		return fmt.Errorf("load RSA key pair: %w", err)
	}

	var signer *ap.RequestSigner
	if cfg.SignFetch {
		actorURI := cfg.BaseURL("/actor")
		signer = ap.NewRequestSigner(actorURI+"#main-key", keyPair.Private)
	}
	client := ap.NewClient(ap.ClientOptions{
		Limit:          cfg.ParallelFetches,
		Timeout:        cfg.RequestTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		UserAgent:      "fedivet-lookup",
		Insecure:       cfg.Debug,
		Signer:         signer,
	})
	resolver := ap.NewResolver(client)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Verifier registration ────────────────────────────────────────────────
	for _, uri := range addVers {
		if err := registerVerifier(ctx, client, store, uri); err != nil {
			return fmt.Errorf("register verifier %s: %w", uri, err)
		}
	}

	events := metrics.NewEventCounter()
	pool := envelope.NewPool(runtime.NumCPU())
	defer pool.Shutdown()

	g, ctx := errgroup.WithContext(ctx)

	var c *crawler.Crawler
	if !noCrawl {
		c = crawler.New(cfg, store, client, resolver, events)
		g.Go(func() error { return c.Run(ctx, fromURIs) })
	}

	if !noServer {
		srv := server.NewLookup(cfg, store, events, envelope.NewVerifier(pool), keyPair)
		if c != nil {
			srv.SetRegistry(c.Registry())
		}
		g.Go(func() error {
			srv.Start(ctx)
			return nil
		})
	}

	g.Go(func() error { return sampleStats(ctx, store, events) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("lookup stopped")
	return nil
}

// registerVerifier fetches a verifier's actor document and stores its
// public key, making its envelope signatures acceptable on /actors/sign.
func registerVerifier(ctx context.Context, client *ap.Client, store *db.LookupStore, uri string) error {
	if _, ok := store.VerifierByURI(uri); ok {
		slog.Info("verifier already registered", "uri", uri)
		return nil
	}
	actor, err := client.Fetch(ctx, uri)
	if err != nil {
		return err
	}
	key, _ := actor["publicKey"].(map[string]interface{})
	pem := ap.GetString(key, "publicKeyPem")
	if pem == "" {
		return errors.New("actor document has no publicKey.publicKeyPem")
	}
	v, err := store.AddVerifier(uri, pem)
	if err != nil {
		return err
	}
	slog.Info("verifier registered", "uri", uri, "id", v.ID)
	return nil
}

// sampleStats flushes the event window into the stats table every 10 s.
// Rows carry a per-process run id so restarts are visible in the history.
func sampleStats(ctx context.Context, store *db.LookupStore, events *metrics.EventCounter) error {
	runID := uuid.NewString()
	ticker := time.NewTicker(statsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		stats := events.ResetStats()
		stats["run_id"] = runID
		body, err := json.Marshal(stats)
		if err != nil {
			slog.Error("failed to marshal stats", "error", err)
			continue
		}
		if err := store.InsertStats(string(body)); err != nil {
			slog.Error("failed to persist stats", "error", err)
		}
	}
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
