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
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/everclear-org/mark/balance"
	"github.com/everclear-org/mark/bridge"
	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/config"
	"github.com/everclear-org/mark/store"
)

// DecideAndExecute evaluates every configured route against the tick's
// balance snapshot and bridges the surplus over the first preference whose
// quote clears its slippage tolerance. Routes fail independently.
func (e *Engine) DecideAndExecute(ctx context.Context, balances balance.Balances) error {
	if e.switches.IsRebalancePaused() {
		e.log.Infow("rebalancing paused, skipping route evaluation")
		return nil
	}
	for i := range e.cfg.Routes {
		route := &e.cfg.Routes[i]
		if err := e.processRoute(ctx, route, balances); err != nil {
			e.log.Errorw("route evaluation failed",
				"origin", route.Origin, "destination", route.Destination,
				"asset", route.Asset, "err", err)
		}
	}
	return nil
}

func (e *Engine) processRoute(ctx context.Context, route *config.Route, balances balance.Balances) error {
	ticker, err := e.cfg.TickerForAsset(route.Origin, route.Asset)
	if err != nil {
		return err
	}
	originAsset, err := e.cfg.AssetByTicker(route.Origin, ticker)
	if err != nil {
		return err
	}
	destAsset, err := e.cfg.AssetByTicker(route.Destination, ticker)
	if err != nil {
		return err
	}

	// An unfinished move on this corridor means its funds are still in
	// flight; stacking another on top double-spends the surplus.
	if inflight, err := e.corridorBusy(ctx, route, ticker); err != nil {
		return err
	} else if inflight {
		return nil
	}

	balNative := balance.FromHub(balances.Get(ticker, route.Origin), originAsset.Decimals)
	availNative, err := balance.AvailableLessEarmarks(ctx, e.db, route.Origin, ticker, balNative, e.log)
	if err != nil {
		return err
	}
	availHub := balance.ToHub(availNative, originAsset.Decimals)

	maximum := route.MaximumBig()
	if maximum == nil || availHub.Cmp(maximum) <= 0 {
		return nil
	}
	amountHub := new(big.Int).Sub(availHub, route.ReserveBig())
	if amountHub.Sign() <= 0 {
		return nil
	}
	amountNative := balance.FromHub(amountHub, originAsset.Decimals)
	if amountNative.Sign() <= 0 {
		return nil
	}

	sender, err := e.chains.Owner(route.Origin)
	if err != nil {
		return err
	}
	recipient, err := e.chains.Owner(route.Destination)
	if err != nil {
		return err
	}
	br := bridge.Route{
		Origin:      route.Origin,
		Destination: route.Destination,
		Asset:       addrOf(originAsset),
	}

	for i, pref := range route.Preferences {
		tolerance := route.SlippagesDbps[i]
		adapter, ok := e.bridges.Get(bridge.Type(pref))
		if !ok {
			e.log.Warnw("route prefers unregistered bridge", "bridge", pref,
				"origin", route.Origin, "destination", route.Destination)
			continue
		}

		minimum, err := adapter.GetMinimumAmount(ctx, br)
		if err != nil {
			e.log.Infow("minimum amount check failed", "bridge", pref, "err", err)
			continue
		}
		if minimum != nil && amountNative.Cmp(minimum) < 0 {
			e.log.Debugw("surplus below bridge minimum",
				"bridge", pref, "amount", amountNative.String(), "minimum", minimum.String())
			continue
		}

		received, err := adapter.GetReceivedAmount(ctx, amountNative, br)
		if err != nil {
			e.log.Infow("quote unavailable", "bridge", pref,
				"origin", route.Origin, "destination", route.Destination, "err", err)
			continue
		}
		// Amounts on either side carry their chain's decimals; the slippage
		// comparison happens in normalized units.
		receivedHub := balance.ToHub(received, destAsset.Decimals)
		slip, err := bridge.SlippageDbps(amountHub, receivedHub)
		if err != nil {
			e.log.Warnw("slippage computation failed", "bridge", pref, "err", err)
			continue
		}
		if slip > tolerance {
			e.log.Infow("quote rejected on slippage",
				"bridge", pref, "slippageDbps", slip, "toleranceDbps", tolerance,
				"amount", amountNative.String(), "received", received.String())
			continue
		}

		op, err := e.executeSend(ctx, adapter, br, ticker, amountNative, sender, recipient, slip, nil)
		if err != nil {
			e.log.Warnw("bridge send failed, trying next preference",
				"bridge", pref, "err", err)
			continue
		}
		e.metrics.RebalanceOps.WithLabelValues(string(adapter.Type()), "created").Inc()
		e.log.Infow("rebalance dispatched",
			"operation", op.ID, "bridge", pref, "origin", route.Origin,
			"destination", route.Destination, "amount", op.Amount, "slippageDbps", slip)
		return nil
	}

	e.log.Warnw("no bridge preference could serve route",
		"origin", route.Origin, "destination", route.Destination,
		"asset", route.Asset, "amount", amountNative.String())
	return nil
}

// corridorBusy reports whether a non-terminal operation already runs on the
// route's (origin, destination, ticker) corridor.
func (e *Engine) corridorBusy(ctx context.Context, route *config.Route, ticker string) (bool, error) {
	origin := route.Origin
	ops, err := e.db.GetRebalanceOperations(ctx, store.RebalanceFilter{
		Statuses: []store.RebalanceStatus{store.RebalancePending, store.RebalanceAwaitingCallback},
		ChainID:  &origin,
	})
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.DestinationChainID == route.Destination && tickerEqual(op.TickerHash, ticker) {
			return true, nil
		}
	}
	return false, nil
}

// executeSend submits the adapter's plan in order and records the resulting
// operation. The Rebalance entry's receipt becomes the origin transaction;
// Approval entries go through the allowance check so already-granted
// spenders cost nothing. slippageDbps is the slippage of the accepted
// quote, persisted on the operation row.
func (e *Engine) executeSend(ctx context.Context, adapter bridge.Adapter, br bridge.Route, ticker string, amount *big.Int, sender, recipient common.Address, slippageDbps int64, earmarkID *string) (*store.RebalanceOperation, error) {
	entries, err := adapter.Send(ctx, sender, recipient, amount, br)
	if err != nil {
		return nil, err
	}

	effective := amount
	var originReceipt *chain.Receipt
	for _, entry := range entries {
		if entry.EffectiveAmount != nil {
			effective = entry.EffectiveAmount
		}
		if entry.Memo == bridge.MemoApproval && entry.Transaction.To != nil {
			if spender, allowance, perr := chain.ParseApproveCalldata(entry.Transaction.Data); perr == nil {
				if _, err := chain.CheckAndApproveERC20(ctx, e.chains, e.cfg, entry.Transaction.ChainID,
					*entry.Transaction.To, spender, allowance, e.log); err != nil {
					return nil, err
				}
				continue
			}
		}
		res, err := e.chains.SubmitAndWait(ctx, entry.Transaction)
		if err != nil {
			return nil, fmt.Errorf("submit %s entry: %w", entry.Memo, err)
		}
		e.metrics.RecordGasSpent(entry.Transaction.ChainID, string(memoReason(entry.Memo)),
			res.Receipt.CumulativeGasUsed, res.Receipt.EffectiveGasPrice)
		if entry.Memo == bridge.MemoRebalance {
			originReceipt = res.Receipt
		}
	}
	if originReceipt == nil {
		return nil, fmt.Errorf("bridge %s returned a plan without a rebalance entry", adapter.Type())
	}

	opType := store.OperationBridge
	if _, isSwap := adapter.(bridge.SwapAdapter); isSwap {
		opType = store.OperationSwapAndBridge
	}
	recipientHex := recipient.Hex()
	return e.db.CreateRebalanceOperation(ctx, store.CreateRebalanceOperationInput{
		EarmarkID:          earmarkID,
		OriginChainID:      br.Origin,
		DestinationChainID: br.Destination,
		TickerHash:         ticker,
		Amount:             effective.String(),
		SlippageDbps:       slippageDbps,
		Bridge:             string(adapter.Type()),
		OperationType:      opType,
		Recipient:          &recipientHex,
		Transactions: map[string]store.ReceiptInput{
			chainKey(br.Origin): originReceipt.AsReceiptInput(),
		},
	})
}

func addrOf(a *config.Asset) common.Address { return common.HexToAddress(a.Address) }
