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

// Package invoice drives settlement purchasing: the hub backfill feeding the
// event queue, the consumer deciding between direct purchase and earmarked
// funding, and the settlement watch releasing earmarks once invoices leave
// the hub.
package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/everclear-org/mark/balance"
	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/config"
	"github.com/everclear-org/mark/everclear"
	"github.com/everclear-org/mark/metrics"
	"github.com/everclear-org/mark/queue"
	"github.com/everclear-org/mark/rebalance"
	"github.com/everclear-org/mark/store"
)

const (
	backfillPageLimit = 100
	maxBackfillPages  = 10
	invoiceBatchSize  = 25
	settlementBatch   = 50
)

// errFundsInFlight requeues the event for a later tick without burning a
// retry: the money is moving, nothing is wrong.
var errFundsInFlight = errors.New("invoice: funding in flight")

// HubAPI is the slice of the hub client the pipeline consumes.
type HubAPI interface {
	GetInvoices(ctx context.Context, cursor string, limit int) ([]everclear.Invoice, string, error)
	GetInvoice(ctx context.Context, intentID string) (*everclear.Invoice, error)
	BuildIntent(ctx context.Context, req everclear.IntentRequest) (*everclear.IntentTx, error)
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	CreateEarmark(ctx context.Context, invoiceID string, chainID uint64, tickerHash, minAmount string) (*store.Earmark, error)
	GetEarmarkForInvoice(ctx context.Context, invoiceID string) (*store.Earmark, error)
	GetEarmarks(ctx context.Context, f store.EarmarkFilter) ([]*store.Earmark, error)
	UpdateEarmarkStatus(ctx context.Context, id string, status store.EarmarkStatus) (*store.Earmark, error)
	GetActiveEarmarksForChain(ctx context.Context, chainID uint64) ([]*store.Earmark, error)
	CreateTransaction(ctx context.Context, chainID string, reason store.TxReason, r store.ReceiptInput, metadata map[string]interface{}) (*store.Transaction, error)
}

// Funder plans the rebalances that cover an earmark's deficit.
type Funder interface {
	FundEarmark(ctx context.Context, em *store.Earmark, balances balance.Balances) error
}

// Pipeline wires the backfill, the consumer and the settlement watch.
type Pipeline struct {
	cfg      *config.Config
	db       Store
	q        *queue.Queue
	hub      HubAPI
	chains   chain.Service
	funder   Funder
	switches *config.Switches
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	now func() time.Time
}

// New builds the pipeline.
func New(cfg *config.Config, db Store, q *queue.Queue, hub HubAPI, chains chain.Service, funder Funder, switches *config.Switches, m *metrics.Metrics, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		db:       db,
		q:        q,
		hub:      hub,
		chains:   chains,
		funder:   funder,
		switches: switches,
		metrics:  m,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Backfill pages unsettled invoices from the durable cursor and enqueues the
// unseen ones. Hub hiccups degrade to a warning; the next tick resumes from
// the persisted cursor.
func (p *Pipeline) Backfill(ctx context.Context) error {
	cursor, err := p.q.GetBackfillCursor(ctx)
	if err != nil {
		return err
	}
	enqueued := 0
	for page := 0; page < maxBackfillPages; page++ {
		invoices, next, err := p.hub.GetInvoices(ctx, cursor, backfillPageLimit)
		if err != nil {
			p.log.Warnw("invoice backfill interrupted", "cursor", cursor, "err", err)
			return nil
		}
		for i := range invoices {
			inv := &invoices[i]
			if inv.IntentID == "" {
				continue
			}
			// A queued id keeps its event untouched: rewriting it would reset
			// a deferred retry's schedule and wipe its retry count.
			queued, err := p.q.HasEvent(ctx, queue.InvoiceEnqueued, inv.IntentID)
			if err != nil {
				return err
			}
			if queued {
				continue
			}
			data, err := json.Marshal(inv)
			if err != nil {
				continue
			}
			if _, err := p.q.Enqueue(ctx, &queue.Event{
				ID:         inv.IntentID,
				Type:       queue.InvoiceEnqueued,
				Data:       data,
				MaxRetries: p.cfg.MaxRetries,
			}, queue.PriorityNormal); err != nil {
				return err
			}
			enqueued++
		}
		if next == "" || next == cursor {
			break
		}
		cursor = next
		if err := p.q.SetBackfillCursor(ctx, cursor); err != nil {
			return err
		}
	}
	if enqueued > 0 {
		p.log.Infow("invoices enqueued", "count", enqueued)
	}
	return nil
}

type settlementData struct {
	InvoiceID string `json:"invoiceId"`
	EarmarkID string `json:"earmarkId"`
}

// SettlementBackfill probes the hub for every live earmark's invoice; a 404
// means it settled, which is queued at high priority so the reservation is
// released before new purchasing work runs.
func (p *Pipeline) SettlementBackfill(ctx context.Context) error {
	earmarks, err := p.db.GetEarmarks(ctx, store.EarmarkFilter{
		Statuses: []store.EarmarkStatus{store.EarmarkPending, store.EarmarkReady},
	})
	if err != nil {
		return err
	}
	for _, em := range earmarks {
		_, err := p.hub.GetInvoice(ctx, em.InvoiceID)
		if err == nil {
			continue
		}
		if !errors.Is(err, everclear.ErrInvoiceNotFound) {
			p.log.Warnw("settlement probe failed", "invoice", em.InvoiceID, "err", err)
			continue
		}
		eventID := "settle:" + em.InvoiceID
		queued, err := p.q.HasEvent(ctx, queue.SettlementEnqueued, eventID)
		if err != nil {
			return err
		}
		if queued {
			continue
		}
		data, err := json.Marshal(settlementData{InvoiceID: em.InvoiceID, EarmarkID: em.ID})
		if err != nil {
			return err
		}
		if _, err := p.q.Enqueue(ctx, &queue.Event{
			ID:         eventID,
			Type:       queue.SettlementEnqueued,
			Data:       data,
			MaxRetries: p.cfg.MaxRetries,
		}, queue.PriorityHigh); err != nil {
			return err
		}
	}
	return nil
}

// Consume drains settlement events first, then a bounded batch of invoice
// events against the tick's balance snapshot.
func (p *Pipeline) Consume(ctx context.Context, balances balance.Balances) error {
	if err := p.consumeSettlements(ctx); err != nil {
		p.log.Errorw("settlement consumption failed", "err", err)
	}
	if p.switches.IsPurchasePaused() {
		p.log.Infow("purchasing paused, leaving invoice events queued")
		return nil
	}

	events, err := p.q.Dequeue(ctx, queue.InvoiceEnqueued, invoiceBatchSize)
	if err != nil {
		return err
	}
	for _, ev := range events {
		err := p.handleInvoice(ctx, ev, balances)
		switch {
		case err == nil:
			if err := p.q.Ack(ctx, ev); err != nil {
				p.log.Errorw("ack failed", "event", ev.ID, "err", err)
			}
		case errors.Is(err, errFundsInFlight):
			p.requeueLater(ctx, ev, p.cfg.PollingInterval)
		default:
			p.retryOrBury(ctx, ev, err)
		}
	}
	return nil
}

func (p *Pipeline) consumeSettlements(ctx context.Context) error {
	events, err := p.q.Dequeue(ctx, queue.SettlementEnqueued, settlementBatch)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := p.handleSettlement(ctx, ev); err != nil {
			p.retryOrBury(ctx, ev, err)
			continue
		}
		if err := p.q.Ack(ctx, ev); err != nil {
			p.log.Errorw("ack failed", "event", ev.ID, "err", err)
		}
	}
	return nil
}

// handleSettlement releases the earmark behind an invoice that left the hub.
// A non-terminal earmark at this point means the agent never purchased, so
// someone else settled it and the reservation is cancelled.
func (p *Pipeline) handleSettlement(ctx context.Context, ev *queue.Event) error {
	var data settlementData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		p.log.Warnw("unparsable settlement event dropped", "event", ev.ID, "err", err)
		return nil
	}
	em, err := p.db.GetEarmarkForInvoice(ctx, data.InvoiceID)
	if err != nil {
		return err
	}
	if em == nil || em.Status.Terminal() {
		return nil
	}
	if _, err := p.db.UpdateEarmarkStatus(ctx, em.ID, store.EarmarkCancelled); err != nil {
		return err
	}
	p.metrics.InvoicesProcessed.WithLabelValues("settled").Inc()
	p.log.Infow("invoice settled externally, earmark released",
		"invoice", data.InvoiceID, "earmark", em.ID)
	return nil
}

func (p *Pipeline) handleInvoice(ctx context.Context, ev *queue.Event, balances balance.Balances) error {
	var inv everclear.Invoice
	if err := json.Unmarshal(ev.Data, &inv); err != nil {
		p.reject(&inv, RejectInvalidFormat)
		return nil
	}
	candidates, reason := p.validate(&inv)
	if reason != "" {
		p.reject(&inv, reason)
		return nil
	}

	em, err := p.db.GetEarmarkForInvoice(ctx, inv.IntentID)
	if err != nil {
		return err
	}
	if em != nil {
		switch em.Status {
		case store.EarmarkPending:
			return errFundsInFlight
		case store.EarmarkReady:
			return p.purchaseEarmarked(ctx, &inv, em)
		default:
			return nil
		}
	}

	amountHub, _ := new(big.Int).SetString(inv.Amount, 10)

	// Direct purchase wherever a single chain already holds enough.
	type candidateState struct {
		domain uint64
		asset  *config.Asset
		need   *big.Int
		avail  *big.Int
	}
	var states []candidateState
	for _, domain := range candidates {
		asset, err := p.cfg.AssetByTicker(domain, inv.TickerHash)
		if err != nil {
			continue
		}
		need := balance.FromHub(amountHub, asset.Decimals)
		held := balance.FromHub(balances.Get(inv.TickerHash, domain), asset.Decimals)
		avail, err := balance.AvailableLessEarmarks(ctx, p.db, domain, inv.TickerHash, held, p.log)
		if err != nil {
			return err
		}
		if avail.Cmp(need) >= 0 {
			if err := p.purchase(ctx, &inv, domain, asset, need); err != nil {
				return err
			}
			p.metrics.InvoicesProcessed.WithLabelValues("purchased").Inc()
			return nil
		}
		states = append(states, candidateState{domain: domain, asset: asset, need: need, avail: avail})
	}

	// No single chain can cover it; earmark the best-funded candidate when
	// the fleet as a whole can.
	fleetHub := p.fleetAvailableHub(ctx, inv.TickerHash, balances)
	if len(states) == 0 || fleetHub.Cmp(amountHub) < 0 {
		p.reject(&inv, RejectInsufficientFunds)
		return nil
	}

	best := states[0]
	for _, st := range states[1:] {
		if balance.ToHub(st.avail, st.asset.Decimals).Cmp(balance.ToHub(best.avail, best.asset.Decimals)) > 0 {
			best = st
		}
	}
	em, err = p.db.CreateEarmark(ctx, inv.IntentID, best.domain, inv.TickerHash, best.need.String())
	if errors.Is(err, store.ErrDuplicate) {
		return errFundsInFlight
	}
	if err != nil {
		return err
	}
	if err := p.funder.FundEarmark(ctx, em, balances); err != nil {
		if errors.Is(err, rebalance.ErrUnfundable) {
			if _, uerr := p.db.UpdateEarmarkStatus(ctx, em.ID, store.EarmarkCancelled); uerr != nil {
				return uerr
			}
			p.reject(&inv, RejectInsufficientFunds)
			return nil
		}
		return err
	}
	p.metrics.InvoicesProcessed.WithLabelValues("earmarked").Inc()
	p.log.Infow("invoice earmarked",
		"invoice", inv.IntentID, "earmark", em.ID,
		"chain", best.domain, "minAmount", best.need.String())
	return errFundsInFlight
}

// fleetAvailableHub sums the unearmarked holdings of the ticker across every
// configured chain, in hub units.
func (p *Pipeline) fleetAvailableHub(ctx context.Context, tickerHash string, balances balance.Balances) *big.Int {
	total := new(big.Int)
	for chainID := range p.cfg.Chains {
		asset, err := p.cfg.AssetByTicker(chainID, tickerHash)
		if err != nil {
			continue
		}
		held := balance.FromHub(balances.Get(tickerHash, chainID), asset.Decimals)
		avail, err := balance.AvailableLessEarmarks(ctx, p.db, chainID, tickerHash, held, p.log)
		if err != nil {
			continue
		}
		total.Add(total, balance.ToHub(avail, asset.Decimals))
	}
	return total
}

func (p *Pipeline) reject(inv *everclear.Invoice, reason RejectionReason) {
	p.metrics.InvoicesProcessed.WithLabelValues(string(reason)).Inc()
	p.log.Infow("invoice rejected", "invoice", inv.IntentID, "reason", reason)
}

// requeueLater puts the event back with a future delivery time, keeping its
// retry budget intact.
func (p *Pipeline) requeueLater(ctx context.Context, ev *queue.Event, delay time.Duration) {
	ev.ScheduledAt = p.now().Add(delay).UnixMilli()
	if _, err := p.q.Enqueue(ctx, ev, ev.Priority); err != nil {
		p.log.Errorw("requeue failed", "event", ev.ID, "err", err)
	}
}

// retryOrBury backs the event off exponentially until its retry budget runs
// out, then dead-letters it.
func (p *Pipeline) retryOrBury(ctx context.Context, ev *queue.Event, cause error) {
	maxRetries := ev.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}
	ev.RetryCount++
	if ev.RetryCount > maxRetries {
		if err := p.q.DeadLetter(ctx, ev, cause.Error()); err != nil {
			p.log.Errorw("dead-letter failed", "event", ev.ID, "err", err)
		}
		return
	}
	delay := p.cfg.RetryDelay * time.Duration(1<<uint(ev.RetryCount-1))
	p.log.Warnw("event processing failed, retrying",
		"event", ev.ID, "attempt", ev.RetryCount, "delay", delay.String(), "err", cause)
	p.requeueLater(ctx, ev, delay)
}
