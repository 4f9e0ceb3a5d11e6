// Copyright 2025 The mark authors
// This file is part of the mark library.
//
// The mark library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The mark library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the mark library. If not, see <http://www.gnu.org/licenses/>.

// mark is the liquidity agent daemon: it rebalances inventory across chains
// and purchases Everclear invoice settlements.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/everclear-org/mark/bridge"
	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/config"
	"github.com/everclear-org/mark/everclear"
	"github.com/everclear-org/mark/invoice"
	"github.com/everclear-org/mark/metrics"
	"github.com/everclear-org/mark/processor"
	"github.com/everclear-org/mark/queue"
	"github.com/everclear-org/mark/rebalance"
	"github.com/everclear-org/mark/store"
)

const shutdownTimeout = 15 * time.Second

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "path to the YAML configuration file",
		Required: true,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "override the configured log level (debug, info, warn, error)",
	}
	pollingFlag = &cli.DurationFlag{
		Name:  "polling-interval",
		Usage: "override the configured polling interval",
	}
	onceFlag = &cli.BoolFlag{
		Name:  "once",
		Usage: "run a single tick and exit",
	}
)

func main() {
	app := &cli.App{
		Name:   "mark",
		Usage:  "cross-chain inventory rebalancer and invoice-settlement agent",
		Flags:  []cli.Flag{configFlag, logLevelFlag, pollingFlag, onceFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	if c.IsSet(pollingFlag.Name) {
		cfg.PollingInterval = c.Duration(pollingFlag.Name)
	}
	level := cfg.LogLevel
	if c.IsSet(logLevelFlag.Name) {
		level = c.String(logLevelFlag.Name)
	}
	log, err := newLogger(level)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := signerKey()
	if err != nil {
		return err
	}

	db, err := store.Initialize(ctx, store.Options{
		URL:           cfg.DatabaseURL,
		RunMigrations: true,
	}, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer func() {
		if err := db.GracefulShutdown(shutdownTimeout); err != nil {
			log.Warnw("database shutdown", "err", err)
		}
	}()

	q, err := queue.Connect(ctx, cfg.RedisURL, log)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer q.Close()
	if moved, err := q.MoveProcessingToPending(ctx); err != nil {
		return fmt.Errorf("queue recovery: %w", err)
	} else if moved > 0 {
		log.Infow("recovered leased events from previous run", "count", moved)
	}

	chains, err := chain.NewEVMService(ctx, cfg, key, log)
	if err != nil {
		return fmt.Errorf("chain service: %w", err)
	}
	defer chains.CloseAll()

	var switches *config.Switches
	if c.Bool(onceFlag.Name) {
		switches = config.StaticSwitches(cfg.Paused.Rebalance, cfg.Paused.Purchase)
	} else {
		switches, err = config.NewSwitches(cfg, c.String(configFlag.Name), log)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
	}
	defer switches.Close()

	m := metrics.New(cfg.PushGatewayURL)
	hub := everclear.NewClient(cfg.Hub.APIURL, log)

	// Bridge integrations register here; a build without any still purchases
	// invoices from standing inventory.
	registry := bridge.NewRegistry()
	if len(registry.Types()) == 0 {
		log.Warnw("no bridge adapters registered, rebalancing routes will be skipped")
	}

	engine := rebalance.New(cfg, db, registry, chains, switches, m, log)
	pipeline := invoice.New(cfg, db, q, hub, chains, engine, switches, m, log)
	proc := processor.New(cfg, db, q, chains, engine, pipeline, switches, m, nil, log)

	if c.Bool(onceFlag.Name) {
		proc.Tick(ctx)
		return nil
	}

	srv := processor.NewServer(proc)
	go func() {
		if err := srv.Start(); err != nil {
			log.Errorw("status server failed", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("status server shutdown", "err", err)
		}
	}()

	log.Infow("mark started",
		"environment", cfg.Environment, "chains", len(cfg.Chains),
		"routes", len(cfg.Routes), "pollingInterval", cfg.PollingInterval.String())
	return proc.Run(ctx)
}

// signerKey reads the EOA private key from the environment; config files
// never carry it.
func signerKey() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimPrefix(os.Getenv("MARK_PRIVATE_KEY"), "0x")
	if raw == "" {
		return nil, fmt.Errorf("MARK_PRIVATE_KEY is not set")
	}
	k, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("MARK_PRIVATE_KEY: %w", err)
	}
	return k, nil
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
