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

package rebalance

import (
	"context"
	"errors"

	"github.com/everclear-org/mark/bridge"
	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/store"
)

// ProcessCallbacks sweeps every non-terminal operation once: expires the
// overdue, asks adapters whether funds arrived, submits destination
// callbacks and records terminal transitions. One sick operation never
// blocks the rest of the sweep.
func (e *Engine) ProcessCallbacks(ctx context.Context) error {
	ops, err := e.db.GetRebalanceOperations(ctx, store.RebalanceFilter{
		Statuses: []store.RebalanceStatus{store.RebalancePending, store.RebalanceAwaitingCallback},
	})
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := e.processCallback(ctx, op); err != nil {
			e.log.Errorw("callback sweep failed for operation",
				"operation", op.ID, "bridge", op.Bridge, "err", err)
		}
	}
	return nil
}

func (e *Engine) processCallback(ctx context.Context, op *store.RebalanceOperation) error {
	if age := e.now().Sub(op.CreatedAt); age > e.ttlFor(op) {
		e.log.Warnw("operation exceeded its ttl",
			"operation", op.ID, "bridge", op.Bridge, "age", age.String())
		return e.transition(ctx, op, store.RebalanceExpired)
	}

	adapter, ok := e.bridges.Get(bridge.Type(op.Bridge))
	if !ok {
		e.log.Warnw("operation references unregistered bridge, leaving untouched",
			"operation", op.ID, "bridge", op.Bridge)
		return nil
	}

	route, err := e.bridgeRouteFor(op)
	if err != nil {
		return err
	}
	originTx := op.TransactionFor(op.OriginChainID)

	if op.OperationType == store.OperationSwapAndBridge {
		if sa, isSwap := adapter.(bridge.SwapAdapter); isSwap {
			return e.processSwapLeg(ctx, op, sa, route)
		}
		e.log.Warnw("swap operation served by a non-swap adapter, treating as plain bridge",
			"operation", op.ID, "bridge", op.Bridge)
	}

	if originTx == nil {
		e.log.Warnw("operation has no origin receipt", "operation", op.ID)
		return nil
	}
	amount, err := parseAmount(op.Amount)
	if err != nil {
		return err
	}
	receipt := receiptFromRow(op.OriginChainID, originTx)

	ready, err := adapter.ReadyOnDestination(ctx, amount, route, receipt)
	if err != nil {
		if errors.Is(err, bridge.ErrBridgeFailure) {
			e.log.Errorw("bridge reported delivery failure",
				"operation", op.ID, "bridge", op.Bridge, "err", err)
			return e.transition(ctx, op, store.RebalanceCancelled)
		}
		return err
	}
	if !ready {
		return nil
	}
	return e.finishDelivery(ctx, op, adapter, route, receipt)
}

// finishDelivery handles an operation whose funds arrived: submits the
// destination callback when one is needed and not yet recorded, completes
// the operation otherwise.
func (e *Engine) finishDelivery(ctx context.Context, op *store.RebalanceOperation, adapter bridge.Adapter, route bridge.Route, originReceipt *chain.Receipt) error {
	if op.TransactionFor(op.DestinationChainID) != nil {
		return e.transition(ctx, op, store.RebalanceCompleted)
	}

	cb, err := adapter.DestinationCallback(ctx, route, originReceipt)
	if err != nil {
		if errors.Is(err, bridge.ErrBridgeFailure) {
			e.log.Errorw("destination callback construction failed terminally",
				"operation", op.ID, "bridge", op.Bridge, "err", err)
			return e.transition(ctx, op, store.RebalanceCancelled)
		}
		return err
	}
	if cb == nil {
		return e.transition(ctx, op, store.RebalanceCompleted)
	}

	res, err := e.chains.SubmitAndWait(ctx, cb.Transaction)
	if err != nil {
		return err
	}
	reason := memoReason(cb.Memo)
	if cb.Memo == "" || cb.Memo == bridge.MemoRebalance {
		reason = store.ReasonCallback
	}
	e.metrics.RecordGasSpent(op.DestinationChainID, string(reason),
		res.Receipt.CumulativeGasUsed, res.Receipt.EffectiveGasPrice)

	status := store.RebalanceAwaitingCallback
	_, err = e.db.UpdateRebalanceOperation(ctx, op.ID, store.UpdateRebalanceOperationInput{
		Status:   &status,
		TxReason: reason,
		TxHashes: map[string]store.ReceiptInput{
			chainKey(op.DestinationChainID): res.Receipt.AsReceiptInput(),
		},
	})
	if err != nil {
		return err
	}
	e.log.Infow("destination callback submitted",
		"operation", op.ID, "bridge", op.Bridge,
		"chain", op.DestinationChainID, "tx", res.Hash.Hex())
	return nil
}

// transition moves op to a terminal or intermediate status and keeps any
// owning earmark in step.
func (e *Engine) transition(ctx context.Context, op *store.RebalanceOperation, status store.RebalanceStatus) error {
	st := status
	if _, err := e.db.UpdateRebalanceOperation(ctx, op.ID, store.UpdateRebalanceOperationInput{Status: &st}); err != nil {
		return err
	}
	op.Status = status
	e.metrics.RebalanceOps.WithLabelValues(op.Bridge, string(status)).Inc()
	return e.syncEarmark(ctx, op, status)
}

// syncEarmark promotes the owning earmark to ready once every prerequisite
// operation completed, and fails it when any prerequisite dies.
func (e *Engine) syncEarmark(ctx context.Context, op *store.RebalanceOperation, status store.RebalanceStatus) error {
	if op.EarmarkID == nil {
		return nil
	}
	switch status {
	case store.RebalanceCancelled:
		_, err := e.db.UpdateEarmarkStatus(ctx, *op.EarmarkID, store.EarmarkCancelled)
		return err
	case store.RebalanceExpired:
		_, err := e.db.UpdateEarmarkStatus(ctx, *op.EarmarkID, store.EarmarkExpired)
		return err
	case store.RebalanceCompleted:
		siblings, err := e.db.GetRebalanceOperationsByEarmark(ctx, *op.EarmarkID)
		if err != nil {
			return err
		}
		for _, s := range siblings {
			if s.ID != op.ID && s.Status != store.RebalanceCompleted {
				return nil
			}
		}
		if _, err := e.db.UpdateEarmarkStatus(ctx, *op.EarmarkID, store.EarmarkReady); err != nil {
			return err
		}
		e.log.Infow("earmark funding complete", "earmark", *op.EarmarkID)
		return nil
	default:
		return nil
	}
}
