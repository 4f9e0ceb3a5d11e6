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

	"github.com/everclear-org/mark/balance"
	"github.com/everclear-org/mark/bridge"
	"github.com/everclear-org/mark/config"
	"github.com/everclear-org/mark/store"
)

// ErrUnfundable is returned by FundEarmark when no configured route can move
// anything toward the earmark's deficit. The caller decides whether to keep
// or cancel the earmark.
var ErrUnfundable = fmt.Errorf("rebalance: earmark cannot be funded")

// FundEarmark dispatches the rebalances covering the earmark's deficit on
// its designated purchase chain, walking the configured routes into that
// chain. Operations are tagged with the earmark so the callback sweep can
// promote it to ready once everything lands. When the designated chain
// already holds enough, the earmark is promoted immediately.
func (e *Engine) FundEarmark(ctx context.Context, em *store.Earmark, balances balance.Balances) error {
	destAsset, err := e.cfg.AssetByTicker(em.DesignatedPurchaseChain, em.TickerHash)
	if err != nil {
		return err
	}
	need, err := parseAmount(em.MinAmount)
	if err != nil {
		return err
	}

	// Reservations by other earmarks count against the designated chain; the
	// earmark being funded must not subtract its own minAmount.
	reserved, err := balance.PendingEarmarkTotal(ctx, e.db, em.DesignatedPurchaseChain, em.TickerHash, e.log)
	if err != nil {
		return err
	}
	reservedOthers := new(big.Int).Sub(reserved, need)
	if reservedOthers.Sign() < 0 {
		reservedOthers = new(big.Int)
	}
	held := balance.FromHub(balances.Get(em.TickerHash, em.DesignatedPurchaseChain), destAsset.Decimals)
	available := new(big.Int).Sub(held, reservedOthers)
	if available.Sign() < 0 {
		available = new(big.Int)
	}

	deficit := new(big.Int).Sub(need, available)
	if deficit.Sign() <= 0 {
		if _, err := e.db.UpdateEarmarkStatus(ctx, em.ID, store.EarmarkReady); err != nil {
			return err
		}
		e.log.Infow("earmark fundable in place", "earmark", em.ID, "chain", em.DesignatedPurchaseChain)
		return nil
	}
	remainingHub := balance.ToHub(deficit, destAsset.Decimals)

	created := 0
	for i := range e.cfg.Routes {
		if remainingHub.Sign() <= 0 {
			break
		}
		route := &e.cfg.Routes[i]
		if route.Destination != em.DesignatedPurchaseChain {
			continue
		}
		ticker, err := e.cfg.TickerForAsset(route.Origin, route.Asset)
		if err != nil || !tickerEqual(ticker, em.TickerHash) {
			continue
		}
		originAsset, err := e.cfg.AssetByTicker(route.Origin, ticker)
		if err != nil {
			continue
		}

		held := balance.FromHub(balances.Get(ticker, route.Origin), originAsset.Decimals)
		availNative, err := balance.AvailableLessEarmarks(ctx, e.db, route.Origin, ticker, held, e.log)
		if err != nil {
			e.log.Warnw("origin availability check failed", "chain", route.Origin, "err", err)
			continue
		}
		// The origin keeps its configured reserve even when funding an
		// earmark.
		spendableHub := new(big.Int).Sub(balance.ToHub(availNative, originAsset.Decimals), route.ReserveBig())
		if spendableHub.Sign() <= 0 {
			continue
		}
		amountHub := spendableHub
		if amountHub.Cmp(remainingHub) > 0 {
			amountHub = remainingHub
		}
		amountNative := balance.FromHub(amountHub, originAsset.Decimals)
		if amountNative.Sign() <= 0 {
			continue
		}

		receivedHub, err := e.fundOverRoute(ctx, route, ticker, amountHub, amountNative, em.ID)
		if err != nil {
			e.log.Warnw("funding leg failed",
				"earmark", em.ID, "origin", route.Origin, "err", err)
			continue
		}
		created++
		remainingHub.Sub(remainingHub, receivedHub)
	}

	if created == 0 {
		return fmt.Errorf("%w: earmark %s needs %s on chain %d",
			ErrUnfundable, em.ID, deficit.String(), em.DesignatedPurchaseChain)
	}
	if remainingHub.Sign() > 0 {
		e.log.Warnw("earmark deficit only partially covered",
			"earmark", em.ID, "remaining", remainingHub.String())
	}
	return nil
}

// fundOverRoute bridges amount over the route's first acceptable preference,
// returning the quoted arrival in hub units.
func (e *Engine) fundOverRoute(ctx context.Context, route *config.Route, ticker string, amountHub, amountNative *big.Int, earmarkID string) (*big.Int, error) {
	originAsset, err := e.cfg.AssetByTicker(route.Origin, ticker)
	if err != nil {
		return nil, err
	}
	destAsset, err := e.cfg.AssetByTicker(route.Destination, ticker)
	if err != nil {
		return nil, err
	}
	sender, err := e.chains.Owner(route.Origin)
	if err != nil {
		return nil, err
	}
	recipient, err := e.chains.Owner(route.Destination)
	if err != nil {
		return nil, err
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
			continue
		}
		if minimum, err := adapter.GetMinimumAmount(ctx, br); err != nil || (minimum != nil && amountNative.Cmp(minimum) < 0) {
			continue
		}
		received, err := adapter.GetReceivedAmount(ctx, amountNative, br)
		if err != nil {
			continue
		}
		receivedHub := balance.ToHub(received, destAsset.Decimals)
		slip, err := bridge.SlippageDbps(amountHub, receivedHub)
		if err != nil || slip > tolerance {
			continue
		}
		op, err := e.executeSend(ctx, adapter, br, ticker, amountNative, sender, recipient, slip, &earmarkID)
		if err != nil {
			e.log.Warnw("funding send failed, trying next preference", "bridge", pref, "err", err)
			continue
		}
		e.metrics.RebalanceOps.WithLabelValues(string(adapter.Type()), "created").Inc()
		e.log.Infow("earmark funding dispatched",
			"earmark", earmarkID, "operation", op.ID, "bridge", pref,
			"origin", route.Origin, "destination", route.Destination, "amount", op.Amount)
		return receivedHub, nil
	}
	return nil, fmt.Errorf("no preference accepted route %d->%d", route.Origin, route.Destination)
}
