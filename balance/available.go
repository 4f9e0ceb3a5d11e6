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
	"strings"

	"go.uber.org/zap"

	"github.com/everclear-org/mark/store"
)

// EarmarkSource is the slice of the store the availability math needs.
type EarmarkSource interface {
	GetActiveEarmarksForChain(ctx context.Context, chainID uint64) ([]*store.Earmark, error)
}

// PendingEarmarkTotal sums the minAmount of every pending earmark on
// (chain, ticker), in the asset's native decimals. Unparsable rows are
// skipped and logged.
func PendingEarmarkTotal(ctx context.Context, src EarmarkSource, chainID uint64, tickerHash string, log *zap.SugaredLogger) (*big.Int, error) {
	earmarks, err := src.GetActiveEarmarksForChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, e := range earmarks {
		if !strings.EqualFold(e.TickerHash, tickerHash) {
			continue
		}
		v, ok := new(big.Int).SetString(e.MinAmount, 10)
		if !ok {
			log.Warnw("earmark with unparsable minAmount skipped", "earmark", e.ID, "minAmount", e.MinAmount)
			continue
		}
		total.Add(total, v)
	}
	return total, nil
}

// AvailableLessEarmarks returns balance minus the pending earmark total on
// (chain, ticker), clamped at zero. Balance and the result are in the asset's
// native decimals. A clamp means earmarks over-subscribe the chain and is
// logged.
func AvailableLessEarmarks(ctx context.Context, src EarmarkSource, chainID uint64, tickerHash string, balance *big.Int, log *zap.SugaredLogger) (*big.Int, error) {
	reserved, err := PendingEarmarkTotal(ctx, src, chainID, tickerHash, log)
	if err != nil {
		return nil, err
	}
	available := new(big.Int).Sub(balance, reserved)
	if available.Sign() < 0 {
		log.Warnw("earmarks exceed balance, clamping to zero",
			"chain", chainID, "ticker", tickerHash,
			"balance", balance.String(), "reserved", reserved.String())
		return new(big.Int), nil
	}
	return available, nil
}
