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

// Package processor runs the agent's periodic tick: callback sweep, balance
// snapshot, route evaluation, hub backfills and queue consumption, in that
// order. Ticks never overlap; a phase failure is logged and the tick
// continues with the next phase.
package processor

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/everclear-org/mark/balance"
	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/config"
	"github.com/everclear-org/mark/invoice"
	"github.com/everclear-org/mark/metrics"
	"github.com/everclear-org/mark/queue"
	"github.com/everclear-org/mark/rebalance"
	"github.com/everclear-org/mark/store"
)

// Processor owns the tick loop and the pieces it drives.
type Processor struct {
	cfg      *config.Config
	db       *store.Store
	q        *queue.Queue
	chains   chain.Service
	engine   *rebalance.Engine
	pipeline *invoice.Pipeline
	switches *config.Switches
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	tron     balance.TronReader
	lastTick atomic.Int64
}

// New assembles a processor. tron may be nil when no Tron chain is
// configured.
func New(cfg *config.Config, db *store.Store, q *queue.Queue, chains chain.Service, engine *rebalance.Engine, pipeline *invoice.Pipeline, switches *config.Switches, m *metrics.Metrics, tron balance.TronReader, log *zap.SugaredLogger) *Processor {
	return &Processor{
		cfg:      cfg,
		db:       db,
		q:        q,
		chains:   chains,
		engine:   engine,
		pipeline: pipeline,
		switches: switches,
		metrics:  m,
		tron:     tron,
		log:      log,
	}
}

// Run ticks at the configured polling interval until ctx is cancelled. The
// first tick fires immediately.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollingInterval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Infow("tick loop stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one full processing pass. Exported so one-shot mode can invoke a
// single pass and exit.
func (p *Processor) Tick(ctx context.Context) {
	start := time.Now()
	log := p.log.With("tick", uuid.NewString()[:8])

	if err := p.engine.ProcessCallbacks(ctx); err != nil {
		log.Errorw("callback sweep failed", "err", err)
	}

	balances := balance.MarkBalances(ctx, p.cfg, p.chains, log)
	for ticker, chains := range balances {
		for chainID, v := range chains {
			p.metrics.SetBalance(ticker, chainID, v)
		}
	}
	gas := balance.GasBalances(ctx, p.cfg, p.chains, p.tron, log)
	for key, v := range gas {
		f, _ := new(big.Float).SetInt(v).Float64()
		p.metrics.GasBalances.WithLabelValues(metrics.ChainLabel(key.ChainID), string(key.Kind)).Set(f)
	}
	for ticker, chains := range balance.CustodiedBalances(ctx, p.cfg, p.chains, log) {
		for chainID, v := range chains {
			f, _ := new(big.Float).SetInt(v).Float64()
			p.metrics.Custodied.WithLabelValues(ticker, metrics.ChainLabel(chainID)).Set(f)
		}
	}

	if err := p.engine.DecideAndExecute(ctx, balances); err != nil {
		log.Errorw("route evaluation failed", "err", err)
	}

	if err := p.pipeline.Backfill(ctx); err != nil {
		log.Errorw("invoice backfill failed", "err", err)
	}
	if err := p.pipeline.SettlementBackfill(ctx); err != nil {
		log.Errorw("settlement backfill failed", "err", err)
	}
	if err := p.pipeline.Consume(ctx, balances); err != nil {
		log.Errorw("queue consumption failed", "err", err)
	}

	if st, err := p.q.GetQueueStatus(ctx); err == nil {
		p.metrics.QueueDepth.WithLabelValues("pending").Set(float64(st.Pending))
		p.metrics.QueueDepth.WithLabelValues("processing").Set(float64(st.Processing))
		p.metrics.QueueDepth.WithLabelValues("dead_letter").Set(float64(st.DeadLetter))
	} else {
		log.Warnw("queue status unavailable", "err", err)
	}

	elapsed := time.Since(start)
	p.metrics.TickDuration.Observe(elapsed.Seconds())
	p.metrics.LastTick.SetToCurrentTime()
	p.lastTick.Store(time.Now().Unix())
	if err := p.metrics.Push(); err != nil {
		log.Warnw("metrics push failed", "err", err)
	}
	if elapsed > p.cfg.PollingInterval {
		log.Warnw("tick overran the polling interval", "elapsed", elapsed.String())
	} else {
		log.Infow("tick complete", "elapsed", elapsed.String())
	}
}

// LastTick returns the unix time of the last completed tick, zero before the
// first one finishes.
func (p *Processor) LastTick() int64 { return p.lastTick.Load() }
