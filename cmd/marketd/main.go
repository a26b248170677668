// Command marketd runs the surplus-material marketplace daemon: agent
// cycles on a cron cadence plus the read-only status API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/surplusnet/surplusnet/internal/api"
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
	runNow := flag.Bool("run-now", false, "run one cycle immediately at startup")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// ── Storage ───────────────────────────────────────────────────────
	os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
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
	deals.OnDecision = engine.DecisionRecorder(reg, logger)
	slog.Info("database opened", "path", cfg.DBPath)

	// ── Reference data ────────────────────────────────────────────────
	var ref refdata.Service
	if cfg.RefdataURL != "" {
		ref = refdata.NewClient(cfg.RefdataURL)
		slog.Info("using remote reference service", "url", cfg.RefdataURL)
	} else {
		ref = refdata.NewStatic(refdata.DefaultTable())
		slog.Info("using built-in reference table")
	}

	// ── Notifications ─────────────────────────────────────────────────
	var notifier notify.Notifier = notify.Log{}
	if cfg.NATSURL != "" {
		n, err := notify.NewNATS(cfg.NATSURL, "surplusnet.notify")
		if err != nil {
			slog.Error("failed to connect to NATS", "url", cfg.NATSURL, "error", err)
			os.Exit(1)
		}
		defer n.Close()
		notifier = n
		slog.Info("notifications over NATS", "url", cfg.NATSURL)
	}

	// ── Entropy ───────────────────────────────────────────────────────
	var rand entropy.Source = entropy.Crypto{}
	switch {
	case cfg.Seed != 0:
		rand = entropy.NewSeeded(cfg.Seed)
		slog.Info("seeded entropy", "seed", cfg.Seed)
	case cfg.EntropyAPIKey != "":
		rand = entropy.NewClient(cfg.EntropyAPIKey, logger)
		slog.Info("entropy from random.org")
	}

	// ── Wiring ────────────────────────────────────────────────────────
	scanner := scan.New(feedStore, ref, nil, logger)
	deps := strategy.Deps{
		Feed:        feedStore,
		Deals:       deals,
		Registry:    reg,
		Ref:         ref,
		Scanner:     scanner,
		Notify:      notifier,
		Rand:        rand,
		Log:         logger,
		OutputInput: cfg.OutputInput,
	}
	neg := negotiate.NewRunner(feedStore, deals, reg, ref, rand, logger)
	mp := coordinate.NewMultiParty(deals, reg, ref, notifier, logger)
	cr := coordinate.NewCrossRegion(feedStore, deals, reg, nil, logger)
	orch := engine.New(reg, deps, neg, mp, cr, logger)

	// ── API ───────────────────────────────────────────────────────────
	var srv *api.Server
	if cfg.APIPort > 0 {
		srv = &api.Server{
			Feed:     feedStore,
			Deals:    deals,
			Registry: reg,
			Port:     cfg.APIPort,
			Log:      logger,
		}
		srv.Start()
	}

	runCycle := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		sum, err := orch.RunCycle(ctx)
		if err != nil {
			slog.Error("market cycle failed", "error", err)
		}
		if srv != nil && sum != nil {
			srv.Record(sum)
		}
	}

	// ── Cadence ───────────────────────────────────────────────────────
	c := cron.New()
	if _, err := c.AddFunc(cfg.CycleSpec, runCycle); err != nil {
		slog.Error("invalid cycle_spec", "spec", cfg.CycleSpec, "error", err)
		os.Exit(1)
	}
	c.Start()
	slog.Info("market cadence started", "spec", cfg.CycleSpec)

	if *runNow {
		runCycle()
	}

	// ── Shutdown ──────────────────────────────────────────────────────
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")

	cronCtx := c.Stop()
	<-cronCtx.Done()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("API shutdown failed", "error", err)
		}
	}
	slog.Info("stopped", "cycles", orch.Cycles())
}
