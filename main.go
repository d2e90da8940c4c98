// Estate listings crawler
// -----------------------
//
// Long-running supervisor process: one scrape worker per (location, category)
// shard, each looping forever against the upstream mobile search API with
// randomized sleeps, per-request price randomization, rotating proxies, a
// per-worker dedup cache, and idempotent upserts into the shared listings
// store the CRM side reads.
//
// Configuration via environment variables (flags override); the shard list
// comes from a YAML file. SIGINT/SIGTERM drain gracefully: workers finish
// their current iteration, then the drain budget expires and stragglers are
// cancelled hard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Proger-1984/first-call-crm-sub001/adapters"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("[config] no .env file, using process environment")
	}
	cfg := parseFlags()
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "[config]", err)
		os.Exit(2)
	}

	shards, err := loadShards(cfg.shardFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[config]", err)
		os.Exit(2)
	}

	loc, err := time.LoadLocation(cfg.tzName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[config] timezone:", err)
		os.Exit(2)
	}

	adapter, err := buildAdapter(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[config]", err)
		os.Exit(2)
	}

	metrics := NewMetrics()
	startMetrics(cfg.metricsAddr, metrics)

	quit := make(chan struct{})
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		close(quit)
	}()

	spawn := func(ctx context.Context, stop <-chan struct{}, shard ShardConfig, runID string) error {
		// Each worker owns its own connection for its whole life.
		gw, err := OpenGateway(ctx, cfg.pgDSN)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = gw.Close(closeCtx)
			cancel()
		}()
		return newWorker(shard, cfg, gw, adapter, metrics, runID, loc).run(ctx, stop)
	}

	sup := NewSupervisor(cfg, shards, spawn, metrics)
	if err := sup.Run(context.Background(), quit); err != nil {
		fmt.Fprintln(os.Stderr, "[supervisor]", err)
		os.Exit(1)
	}
}

func buildAdapter(cfg config) (adapters.SearchAdapter, error) {
	switch cfg.adapter {
	case "mock":
		return adapters.NewMockAdapter(0), nil
	case "http-json":
		return adapters.NewHTTPJSONAdapter(adapters.HTTPJSONAdapterOptions{
			BaseURL:   cfg.baseURL,
			AuthToken: cfg.authToken,
			UserAgent: cfg.userAgent,
			Proxies:   cfg.proxies,
			Timeout:   25 * time.Second,
			RPS:       cfg.rps,
		})
	default:
		return nil, fmt.Errorf("unknown adapter %q (expected mock|http-json)", cfg.adapter)
	}
}
