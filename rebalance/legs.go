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

// processSwapLeg advances a swap_and_bridge operation. The deposit leg was
// recorded at creation; the exchange leg runs exactly once (guarded by the
// swap row), and delivery then finishes through the shared callback path.
func (e *Engine) processSwapLeg(ctx context.Context, op *store.RebalanceOperation, adapter bridge.SwapAdapter, route bridge.Route) error {
	originTx := op.TransactionFor(op.OriginChainID)
	if originTx == nil {
		e.log.Warnw("swap operation has no deposit receipt", "operation", op.ID)
		return nil
	}
	amount, err := parseAmount(op.Amount)
	if err != nil {
		return err
	}
	receipt := receiptFromRow(op.OriginChainID, originTx)

	opID := op.ID
	swaps, err := e.db.GetSwapOperations(ctx, store.SwapFilter{RebalanceOperationID: &opID})
	if err != nil {
		return err
	}
	if len(swaps) == 0 {
		return e.executeSwapLeg(ctx, op, adapter, route, receipt)
	}

	switch last := swaps[len(swaps)-1]; last.Status {
	case store.SwapFailed:
		e.log.Errorw("swap leg failed, cancelling operation",
			"operation", op.ID, "swap", last.ID, "platform", last.Platform)
		return e.transition(ctx, op, store.RebalanceCancelled)
	case store.SwapRecovering:
		// Funds sit on the platform awaiting manual recovery; the ttl sweep
		// is the only thing that may still touch this operation.
		return nil
	case store.SwapCompleted:
		ready, err := adapter.ReadyOnDestination(ctx, amount, route, receipt)
		if err != nil {
			if errors.Is(err, bridge.ErrBridgeFailure) {
				return e.transition(ctx, op, store.RebalanceCancelled)
			}
			return err
		}
		if !ready {
			return nil
		}
		return e.finishDelivery(ctx, op, adapter, route, receipt)
	default:
		// pending_deposit / deposit_confirmed / processing: the platform is
		// still working, check again next tick.
		return nil
	}
}

// executeSwapLeg runs the exchange once the deposit is credited, recording
// the swap row before and after so a crash between the two never re-runs the
// trade.
func (e *Engine) executeSwapLeg(ctx context.Context, op *store.RebalanceOperation, adapter bridge.SwapAdapter, route bridge.Route, receipt *chain.Receipt) error {
	amount, err := parseAmount(op.Amount)
	if err != nil {
		return err
	}

	credited, err := adapter.ReadyOnDestination(ctx, amount, route, receipt)
	if err != nil {
		if errors.Is(err, bridge.ErrBridgeFailure) {
			e.log.Errorw("deposit never credited, cancelling operation",
				"operation", op.ID, "bridge", op.Bridge, "err", err)
			return e.transition(ctx, op, store.RebalanceCancelled)
		}
		return err
	}
	if !credited {
		return nil
	}

	sender, err := e.chains.Owner(op.OriginChainID)
	if err != nil {
		return err
	}
	recipient, err := e.chains.Owner(op.DestinationChainID)
	if err != nil {
		return err
	}

	toAsset := route.Asset.Hex()
	if route.SwapOutputAsset != nil {
		toAsset = route.SwapOutputAsset.Hex()
	}
	swap, err := e.db.CreateSwapOperation(ctx, store.CreateSwapOperationInput{
		RebalanceOperationID: op.ID,
		Platform:             string(adapter.Type()),
		FromAsset:            route.Asset.Hex(),
		ToAsset:              toAsset,
		FromAmount:           amount.String(),
		ToAmount:             "0",
		ExpectedRate:         "",
	})
	if err != nil {
		return err
	}

	result, err := adapter.ExecuteSwap(ctx, sender, recipient, amount, route)
	if err != nil {
		meta := map[string]interface{}{"error": err.Error()}
		status := store.SwapRecovering
		if errors.Is(err, bridge.ErrBridgeFailure) {
			status = store.SwapFailed
		}
		if _, uerr := e.db.UpdateSwapOperationStatus(ctx, swap.ID, status, meta); uerr != nil {
			e.log.Errorw("swap failure could not be recorded", "swap", swap.ID, "err", uerr)
		}
		if status == store.SwapFailed {
			return e.transition(ctx, op, store.RebalanceCancelled)
		}
		e.log.Errorw("swap outcome unknown, holding for recovery",
			"operation", op.ID, "swap", swap.ID, "err", err)
		return nil
	}

	meta := map[string]interface{}{
		"orderId":    result.OrderUID,
		"actualRate": result.ExecutedRate,
	}
	if result.ExecutedSellAmount != nil {
		meta["executedSellAmount"] = result.ExecutedSellAmount.String()
	}
	if result.ExecutedBuyAmount != nil {
		meta["executedBuyAmount"] = result.ExecutedBuyAmount.String()
	}
	for k, v := range result.Metadata {
		meta[k] = v
	}
	if _, err := e.db.UpdateSwapOperationStatus(ctx, swap.ID, store.SwapCompleted, meta); err != nil {
		return err
	}
	e.log.Infow("swap leg executed",
		"operation", op.ID, "swap", swap.ID, "platform", adapter.Type(), "order", result.OrderUID)
	return nil
}
