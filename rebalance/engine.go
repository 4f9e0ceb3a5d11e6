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

// Package rebalance holds the liquidity engine: the per-tick callback sweep
// that drives in-flight operations through their state machine, and the
// route evaluation that decides when and over which bridge surplus funds
// move. One operation row per move, one transaction row per chain touched.
package rebalance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/everclear-org/mark/bridge"
	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/config"
	"github.com/everclear-org/mark/metrics"
	"github.com/everclear-org/mark/store"
)

// defaultTTL bounds how long an operation may stay non-terminal when its
// route does not configure its own limit.
const defaultTTL = 24 * time.Hour

// Store is the slice of the persistence layer the engine consumes.
type Store interface {
	CreateRebalanceOperation(ctx context.Context, in store.CreateRebalanceOperationInput) (*store.RebalanceOperation, error)
	UpdateRebalanceOperation(ctx context.Context, id string, in store.UpdateRebalanceOperationInput) (*store.RebalanceOperation, error)
	GetRebalanceOperations(ctx context.Context, f store.RebalanceFilter) ([]*store.RebalanceOperation, error)
	GetRebalanceOperationsByEarmark(ctx context.Context, earmarkID string) ([]*store.RebalanceOperation, error)

	GetActiveEarmarksForChain(ctx context.Context, chainID uint64) ([]*store.Earmark, error)
	UpdateEarmarkStatus(ctx context.Context, id string, status store.EarmarkStatus) (*store.Earmark, error)

	CreateSwapOperation(ctx context.Context, in store.CreateSwapOperationInput) (*store.SwapOperation, error)
	GetSwapOperations(ctx context.Context, f store.SwapFilter) ([]*store.SwapOperation, error)
	UpdateSwapOperationStatus(ctx context.Context, id string, status store.SwapStatus, metadata map[string]interface{}) (*store.SwapOperation, error)
}

// Engine evaluates routes and shepherds operations to a terminal state.
type Engine struct {
	cfg      *config.Config
	db       Store
	bridges  *bridge.Registry
	chains   chain.Service
	switches *config.Switches
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	now func() time.Time
}

// New builds an engine over the shared store, adapter registry and chain
// service.
func New(cfg *config.Config, db Store, bridges *bridge.Registry, chains chain.Service, switches *config.Switches, m *metrics.Metrics, log *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:      cfg,
		db:       db,
		bridges:  bridges,
		chains:   chains,
		switches: switches,
		metrics:  m,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func chainKey(chainID uint64) string { return strconv.FormatUint(chainID, 10) }

// ttlFor returns the non-terminal lifetime allowed for op: the matching
// route's TTL when configured, the global default otherwise.
func (e *Engine) ttlFor(op *store.RebalanceOperation) time.Duration {
	for i := range e.cfg.Routes {
		r := &e.cfg.Routes[i]
		if r.Origin != op.OriginChainID || r.Destination != op.DestinationChainID {
			continue
		}
		ticker, err := e.cfg.TickerForAsset(r.Origin, r.Asset)
		if err != nil || !tickerEqual(ticker, op.TickerHash) {
			continue
		}
		if r.TTL > 0 {
			return r.TTL
		}
		break
	}
	return defaultTTL
}

func tickerEqual(a, b string) bool {
	return common.HexToHash(a) == common.HexToHash(b)
}

// bridgeRouteFor reconstructs the adapter-facing route of a persisted
// operation from configuration.
func (e *Engine) bridgeRouteFor(op *store.RebalanceOperation) (bridge.Route, error) {
	originAsset, err := e.cfg.AssetByTicker(op.OriginChainID, op.TickerHash)
	if err != nil {
		return bridge.Route{}, err
	}
	route := bridge.Route{
		Origin:      op.OriginChainID,
		Destination: op.DestinationChainID,
		Asset:       common.HexToAddress(originAsset.Address),
	}
	if op.OperationType == store.OperationSwapAndBridge {
		if destAsset, err := e.cfg.AssetByTicker(op.DestinationChainID, op.TickerHash); err == nil {
			out := common.HexToAddress(destAsset.Address)
			route.SwapOutputAsset = &out
		}
	}
	return route, nil
}

// receiptFromRow rebuilds the confirmed receipt an adapter needs from its
// persisted transaction row.
func receiptFromRow(chainID uint64, row *store.Transaction) *chain.Receipt {
	r := &chain.Receipt{
		Hash:    common.HexToHash(row.TransactionHash),
		ChainID: chainID,
		From:    common.HexToAddress(row.From),
		To:      common.HexToAddress(row.To),
	}
	if v, ok := new(big.Int).SetString(row.CumulativeGasUsed, 10); ok {
		r.CumulativeGasUsed = v
	}
	if v, ok := new(big.Int).SetString(row.EffectiveGasPrice, 10); ok {
		r.EffectiveGasPrice = v
	}
	var meta struct {
		BlockNumber   uint64 `json:"blockNumber"`
		Status        uint64 `json:"status"`
		Confirmations uint64 `json:"confirmations"`
	}
	if len(row.Metadata) > 0 {
		_ = json.Unmarshal(row.Metadata, &meta)
	}
	r.BlockNumber = meta.BlockNumber
	r.Status = meta.Status
	r.Confirmations = meta.Confirmations
	return r
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("rebalance: unparsable amount %q", raw)
	}
	return v, nil
}

// memoReason maps a plan entry memo onto the persisted transaction reason.
func memoReason(memo bridge.TxMemo) store.TxReason {
	switch memo {
	case bridge.MemoApproval:
		return store.ReasonApproval
	case bridge.MemoUnwrap:
		return store.ReasonUnwrap
	case bridge.MemoWrap:
		return store.ReasonWrap
	case bridge.MemoStake:
		return store.ReasonStake
	case bridge.MemoCallback:
		return store.ReasonCallback
	default:
		return store.ReasonRebalance
	}
}
