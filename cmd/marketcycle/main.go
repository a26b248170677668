// Command marketcycle runs a single market cycle against the configured
// database and prints the summary as JSON. Useful for cron-less setups and
// for inspecting what one cycle does.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/surplusnet/surplusnet/internal/config"
	"github.com/surplusnet/surplusnet/internal/coordinate"
	"github.com/surplusnet/surplusnet/internal/deal"
	"github.com/surplusnet/surplusnet/internal/engine"
	"github.com/surplusnet/surplusnet/internal/entropy"
	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/negotiate"
	"github.com/surplusnet/surplusnet/internal/notify"
	"github.com/surplusnet/surplusnet/internal/refdata"
	"github.com/surplusnet/surplusnet/internal/registry"
	"github.com/surplusnet/surplusnet/internal/scan"
	"github.com/surplusnet/surplusnet/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	timeout := flag.Duration("timeout", 10*time.Minute, "cycle deadline")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	feedStore, err := feed.OpenSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open feed store", "error", err)
		os.Exit(1)
	}
	defer feedStore.Close()

	reg, err := registry.OpenSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	deals, err := deal.OpenSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open deal store", "error", err)
		os.Exit(1)
	}
	defer deals.Close()

	var ref refdata.Service
	if cfg.RefdataURL != "" {
		ref = refdata.NewClient(cfg.RefdataURL)
	} else {
		ref = refdata.NewStatic(refdata.DefaultTable())
	}

	var rand entropy.Source = entropy.Crypto{}
	if cfg.Seed != 0 {
		rand = entropy.NewSeeded(cfg.Seed)
	}

	scanner := scan.New(feedStore, ref, nil, logger)
	deps := strategy.Deps{
		Feed:        feedStore,
		Deals:       deals,
		Registry:    reg,
		Ref:         ref,
		Scanner:     scanner,
		Notify:      notify.Log{},
		Rand:        rand,
		Log:         logger,
		OutputInput: cfg.OutputInput,
	}
	neg := negotiate.NewRunner(feedStore, deals, reg, ref, rand, logger)
	mp := coordinate.NewMultiParty(deals, reg, ref, notify.Log{}, logger)
	cr := coordinate.NewCrossRegion(feedStore, deals, reg, nil, logger)
	orch := engine.New(reg, deps, neg, mp, cr, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sum, err := orch.RunCycle(ctx)
	if err != nil {
		slog.Error("market cycle failed", "error", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		slog.Error("failed to encode summary", "error", err)
		os.Exit(1)
	}
	if sum == nil || !sum.Success {
		os.Exit(1)
	}
}
