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

// Package metrics exposes the agent's prometheus collectors: balances, queue
// depth, gas spend per transaction reason and tick timing. When a push
// gateway is configured the registry is pushed after every tick; the status
// server also serves it on /metrics.
package metrics

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics bundles every collector the agent records.
type Metrics struct {
	registry *prometheus.Registry
	pusher   *push.Pusher

	GasSpent          *prometheus.CounterVec
	Balances          *prometheus.GaugeVec
	GasBalances       *prometheus.GaugeVec
	Custodied         *prometheus.GaugeVec
	QueueDepth        *prometheus.GaugeVec
	InvoicesProcessed *prometheus.CounterVec
	RebalanceOps      *prometheus.CounterVec
	TickDuration      prometheus.Histogram
	LastTick          prometheus.Gauge
}

// New builds the collector set. pushURL may be empty; Push is then a no-op.
func New(pushURL string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		GasSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mark_gas_spent_wei_total",
			Help: "Gas spent in wei, by chain and transaction reason.",
		}, []string{"chain", "reason"}),
		Balances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mark_balance_hub_units",
			Help: "Agent balance in 18-decimal hub units, by ticker and chain.",
		}, []string{"ticker", "chain"}),
		GasBalances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mark_gas_balance",
			Help: "Signer gas balance, by chain and gas kind.",
		}, []string{"chain", "kind"}),
		Custodied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mark_custodied_hub_units",
			Help: "Assets custodied by the hub contract in 18-decimal hub units, by ticker and chain.",
		}, []string{"ticker", "chain"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mark_event_queue_depth",
			Help: "Event queue depth, by state.",
		}, []string{"state"}),
		InvoicesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mark_invoices_processed_total",
			Help: "Invoices evaluated, by outcome (purchased, earmarked, or a rejection reason).",
		}, []string{"outcome"}),
		RebalanceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mark_rebalance_operations_total",
			Help: "Rebalance operation transitions, by bridge and status.",
		}, []string{"bridge", "status"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mark_tick_duration_seconds",
			Help:    "Wall-clock duration of one processor tick.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		LastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mark_last_tick_timestamp_seconds",
			Help: "Unix time of the last completed tick.",
		}),
	}
	reg.MustRegister(
		m.GasSpent, m.Balances, m.GasBalances, m.Custodied, m.QueueDepth,
		m.InvoicesProcessed, m.RebalanceOps, m.TickDuration, m.LastTick,
	)
	if pushURL != "" {
		m.pusher = push.New(pushURL, "mark").Gatherer(reg)
	}
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Push sends the registry to the push gateway, when one is configured.
func (m *Metrics) Push() error {
	if m.pusher == nil {
		return nil
	}
	return m.pusher.Push()
}

// RecordGasSpent accumulates the wei cost of a confirmed receipt.
func (m *Metrics) RecordGasSpent(chainID uint64, reason string, gasUsed, gasPrice *big.Int) {
	if gasUsed == nil || gasPrice == nil {
		return
	}
	cost := new(big.Int).Mul(gasUsed, gasPrice)
	f, _ := new(big.Float).SetInt(cost).Float64()
	m.GasSpent.WithLabelValues(ChainLabel(chainID), reason).Add(f)
}

// SetBalance records a hub-unit balance gauge.
func (m *Metrics) SetBalance(ticker string, chainID uint64, v *big.Int) {
	f, _ := new(big.Float).SetInt(v).Float64()
	m.Balances.WithLabelValues(ticker, ChainLabel(chainID)).Set(f)
}

// ChainLabel renders a chain id as a metric label.
func ChainLabel(chainID uint64) string { return strconv.FormatUint(chainID, 10) }
