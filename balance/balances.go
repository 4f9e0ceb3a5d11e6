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

package balance

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/config"
)

// probeConcurrency bounds the per-tick fan-out of RPC balance reads.
const probeConcurrency = 8

// Balances maps ticker hash → chain id → balance in hub (18-decimal) units.
type Balances map[string]map[uint64]*big.Int

// Get returns the balance for (ticker, chain), zero when absent.
func (b Balances) Get(tickerHash string, chainID uint64) *big.Int {
	if chains, ok := b[strings.ToLower(tickerHash)]; ok {
		if v, ok := chains[chainID]; ok {
			return v
		}
	}
	return new(big.Int)
}

// GetTickers returns the deduplicated, lowercase list of every configured
// ticker hash, sorted for determinism.
func GetTickers(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	for _, chain := range cfg.Chains {
		for _, a := range chain.Assets {
			seen[strings.ToLower(a.TickerHash)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MarkBalances reads the agent's balance of every configured ticker on every
// chain that carries it, normalized to hub units. A failed probe collapses to
// zero and is logged; partial failure never aborts the tick.
func MarkBalances(ctx context.Context, cfg *config.Config, svc chain.Service, log *zap.SugaredLogger) Balances {
	out := make(Balances)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for chainID, chainCfg := range cfg.Chains {
		for _, asset := range chainCfg.Assets {
			chainID, asset := chainID, asset
			g.Go(func() error {
				v := probe(gctx, cfg, svc, chainID, asset, log)
				mu.Lock()
				defer mu.Unlock()
				ticker := strings.ToLower(asset.TickerHash)
				if out[ticker] == nil {
					out[ticker] = make(map[uint64]*big.Int)
				}
				out[ticker][chainID] = v
				return nil
			})
		}
	}
	g.Wait()
	return out
}

// MarkBalancesForTicker is MarkBalances restricted to one ticker hash.
func MarkBalancesForTicker(ctx context.Context, cfg *config.Config, svc chain.Service, tickerHash string, log *zap.SugaredLogger) map[uint64]*big.Int {
	ticker := strings.ToLower(tickerHash)
	out := make(map[uint64]*big.Int)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for chainID, chainCfg := range cfg.Chains {
		for _, asset := range chainCfg.Assets {
			if strings.ToLower(asset.TickerHash) != ticker {
				continue
			}
			chainID, asset := chainID, asset
			g.Go(func() error {
				v := probe(gctx, cfg, svc, chainID, asset, log)
				mu.Lock()
				out[chainID] = v
				mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()
	return out
}

func probe(ctx context.Context, cfg *config.Config, svc chain.Service, chainID uint64, asset config.Asset, log *zap.SugaredLogger) *big.Int {
	owner, err := svc.Owner(chainID)
	if err != nil {
		log.Warnw("balance probe failed", "chain", chainID, "asset", asset.Symbol, "err", err)
		return new(big.Int)
	}
	var raw *big.Int
	if asset.IsNative {
		raw, err = svc.NativeBalance(ctx, chainID, owner)
	} else {
		raw, err = svc.ERC20Balance(ctx, chainID, common.HexToAddress(asset.Address), owner)
	}
	if err != nil {
		log.Warnw("balance probe failed", "chain", chainID, "asset", asset.Symbol, "err", err)
		return new(big.Int)
	}
	return ToHub(raw, asset.Decimals)
}
