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
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everclear-org/mark/balance"
	"github.com/everclear-org/mark/bridge"
	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/config"
	"github.com/everclear-org/mark/metrics"
	"github.com/everclear-org/mark/store"
)

const (
	usdcTicker = "0xd6aca1be9729c13d677335161321649cccae6a591554772516700f986f942eaa"
	originID   = uint64(1)
	destID     = uint64(10)
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	ops      map[string]*store.RebalanceOperation
	earmarks map[string]*store.Earmark
	swaps    map[string]*store.SwapOperation
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ops:      make(map[string]*store.RebalanceOperation),
		earmarks: make(map[string]*store.Earmark),
		swaps:    make(map[string]*store.SwapOperation),
	}
}

func (f *fakeStore) CreateRebalanceOperation(_ context.Context, in store.CreateRebalanceOperationInput) (*store.RebalanceOperation, error) {
	f.seq++
	op := &store.RebalanceOperation{
		ID:                 fmt.Sprintf("op-%d", f.seq),
		EarmarkID:          in.EarmarkID,
		OriginChainID:      in.OriginChainID,
		DestinationChainID: in.DestinationChainID,
		TickerHash:         in.TickerHash,
		Amount:             in.Amount,
		SlippageDbps:       in.SlippageDbps,
		Status:             store.RebalancePending,
		Bridge:             in.Bridge,
		OperationType:      in.OperationType,
		Recipient:          in.Recipient,
		CreatedAt:          time.Now().UTC(),
		Transactions:       make(map[string]*store.Transaction),
	}
	for chainID, r := range in.Transactions {
		op.Transactions[chainID] = &store.Transaction{
			TransactionHash: r.Hash,
			ChainID:         chainID,
			From:            r.From,
			To:              r.To,
			Reason:          store.ReasonRebalance,
		}
	}
	f.ops[op.ID] = op
	return op, nil
}

func (f *fakeStore) UpdateRebalanceOperation(_ context.Context, id string, in store.UpdateRebalanceOperationInput) (*store.RebalanceOperation, error) {
	op, ok := f.ops[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if in.Status != nil {
		op.Status = *in.Status
	}
	for chainID, r := range in.TxHashes {
		reason := in.TxReason
		if reason == "" {
			reason = store.ReasonRebalance
		}
		op.Transactions[chainID] = &store.Transaction{
			TransactionHash: r.Hash,
			ChainID:         chainID,
			Reason:          reason,
		}
	}
	return op, nil
}

func (f *fakeStore) GetRebalanceOperations(_ context.Context, filter store.RebalanceFilter) ([]*store.RebalanceOperation, error) {
	var out []*store.RebalanceOperation
	for _, op := range f.ops {
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				if op.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		if filter.ChainID != nil && op.OriginChainID != *filter.ChainID {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

func (f *fakeStore) GetRebalanceOperationsByEarmark(_ context.Context, earmarkID string) ([]*store.RebalanceOperation, error) {
	var out []*store.RebalanceOperation
	for _, op := range f.ops {
		if op.EarmarkID != nil && *op.EarmarkID == earmarkID {
			out = append(out, op)
		}
	}
	return out, nil
}

func (f *fakeStore) GetActiveEarmarksForChain(_ context.Context, chainID uint64) ([]*store.Earmark, error) {
	var out []*store.Earmark
	for _, em := range f.earmarks {
		if em.DesignatedPurchaseChain == chainID && em.Status == store.EarmarkPending {
			out = append(out, em)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateEarmarkStatus(_ context.Context, id string, status store.EarmarkStatus) (*store.Earmark, error) {
	em, ok := f.earmarks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	em.Status = status
	return em, nil
}

func (f *fakeStore) CreateSwapOperation(_ context.Context, in store.CreateSwapOperationInput) (*store.SwapOperation, error) {
	f.seq++
	sw := &store.SwapOperation{
		ID:                   fmt.Sprintf("swap-%d", f.seq),
		RebalanceOperationID: in.RebalanceOperationID,
		Platform:             in.Platform,
		FromAsset:            in.FromAsset,
		ToAsset:              in.ToAsset,
		FromAmount:           in.FromAmount,
		Status:               store.SwapPendingDeposit,
	}
	f.swaps[sw.ID] = sw
	return sw, nil
}

func (f *fakeStore) GetSwapOperations(_ context.Context, filter store.SwapFilter) ([]*store.SwapOperation, error) {
	var out []*store.SwapOperation
	for _, sw := range f.swaps {
		if filter.RebalanceOperationID != nil && sw.RebalanceOperationID != *filter.RebalanceOperationID {
			continue
		}
		out = append(out, sw)
	}
	return out, nil
}

func (f *fakeStore) UpdateSwapOperationStatus(_ context.Context, id string, status store.SwapStatus, metadata map[string]interface{}) (*store.SwapOperation, error) {
	sw, ok := f.swaps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sw.Status = status
	if v, ok := metadata["orderId"].(string); ok && v != "" {
		sw.OrderID = &v
	}
	return sw, nil
}

// fakeChainService satisfies chain.Service without any RPC.
type fakeChainService struct {
	submitted []*chain.TxRequest
	seq       int
}

func (f *fakeChainService) Owner(chainID uint64) (common.Address, error) {
	return common.HexToAddress(fmt.Sprintf("0x%040x", chainID)), nil
}

func (f *fakeChainService) SubmitAndWait(_ context.Context, req *chain.TxRequest) (*chain.SubmitResult, error) {
	f.submitted = append(f.submitted, req)
	f.seq++
	hash := common.HexToHash(fmt.Sprintf("0x%064x", f.seq))
	return &chain.SubmitResult{
		Hash:           hash,
		SubmissionType: chain.SubmissionEOA,
		Receipt: &chain.Receipt{
			Hash:              hash,
			ChainID:           req.ChainID,
			Status:            1,
			CumulativeGasUsed: big.NewInt(21000),
			EffectiveGasPrice: big.NewInt(1),
			Confirmations:     1,
		},
	}, nil
}

func (f *fakeChainService) CallContract(context.Context, uint64, common.Address, []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeChainService) NativeBalance(context.Context, uint64, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeChainService) ERC20Balance(context.Context, uint64, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeChainService) ERC20Allowance(context.Context, uint64, common.Address, common.Address, common.Address) (*big.Int, error) {
	// Allowance is always ample so Approval entries short-circuit.
	return new(big.Int).Lsh(big.NewInt(1), 200), nil
}

// fakeAdapter is a scriptable bridge.
type fakeAdapter struct {
	tag      bridge.Type
	minimum  *big.Int
	quote    func(amount *big.Int) (*big.Int, error)
	ready    bool
	readyErr error
	callback *bridge.SendEntry
	cbErr    error

	sent []*big.Int
}

func (a *fakeAdapter) Type() bridge.Type { return a.tag }

func (a *fakeAdapter) GetMinimumAmount(context.Context, bridge.Route) (*big.Int, error) {
	return a.minimum, nil
}

func (a *fakeAdapter) GetReceivedAmount(_ context.Context, amount *big.Int, _ bridge.Route) (*big.Int, error) {
	return a.quote(amount)
}

func (a *fakeAdapter) Send(_ context.Context, _, _ common.Address, amount *big.Int, route bridge.Route) ([]bridge.SendEntry, error) {
	a.sent = append(a.sent, new(big.Int).Set(amount))
	to := common.HexToAddress("0x00000000000000000000000000000000000000f0")
	return []bridge.SendEntry{{
		Transaction: &chain.TxRequest{ChainID: route.Origin, To: &to, Data: []byte{0x01}},
		Memo:        bridge.MemoRebalance,
	}}, nil
}

func (a *fakeAdapter) ReadyOnDestination(context.Context, *big.Int, bridge.Route, *chain.Receipt) (bool, error) {
	return a.ready, a.readyErr
}

func (a *fakeAdapter) DestinationCallback(context.Context, bridge.Route, *chain.Receipt) (*bridge.SendEntry, error) {
	return a.callback, a.cbErr
}

// fakeSwapAdapter adds an exchange leg on top of fakeAdapter.
type fakeSwapAdapter struct {
	fakeAdapter
	swapErr   error
	swapCalls int
}

func (a *fakeSwapAdapter) ExecuteSwap(_ context.Context, _, _ common.Address, amount *big.Int, _ bridge.Route) (*bridge.SwapResult, error) {
	a.swapCalls++
	if a.swapErr != nil {
		return nil, a.swapErr
	}
	return &bridge.SwapResult{
		OrderUID:           "order-1",
		ExecutedSellAmount: new(big.Int).Set(amount),
		ExecutedBuyAmount:  new(big.Int).Set(amount),
		ExecutedRate:       "1",
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.Mainnet,
		Chains: map[uint64]config.Chain{
			originID: {
				Providers: []string{"http://origin"},
				Assets: []config.Asset{{
					Address:    "0x00000000000000000000000000000000000000a1",
					Symbol:     "USDC",
					Decimals:   6,
					TickerHash: usdcTicker,
				}},
			},
			destID: {
				Providers: []string{"http://dest"},
				Assets: []config.Asset{{
					Address:    "0x00000000000000000000000000000000000000a2",
					Symbol:     "USDC",
					Decimals:   6,
					TickerHash: usdcTicker,
				}},
			},
		},
		Routes: []config.Route{{
			Origin:        originID,
			Destination:   destID,
			Asset:         "USDC",
			Maximum:       "10000000000000000000", // 10 hub units
			Reserve:       "1000000000000000000",  // 1 hub unit
			Preferences:   []string{"across", "ccip"},
			SlippagesDbps: []int64{3000, 5000},
		}},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, db Store, adapters ...bridge.Adapter) (*Engine, *fakeChainService) {
	t.Helper()
	reg := bridge.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	chains := &fakeChainService{}
	e := New(cfg, db, reg, chains, config.StaticSwitches(false, false), metrics.New(""), zap.NewNop().Sugar())
	return e, chains
}

func hubBalances(native int64) balance.Balances {
	return balance.Balances{
		strings.ToLower(usdcTicker): {
			originID: balance.ToHub(big.NewInt(native), 6),
		},
	}
}

func TestDecideAndExecuteBridgesSurplus(t *testing.T) {
	db := newFakeStore()
	perfect := &fakeAdapter{tag: "across", quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	e, _ := newTestEngine(t, testConfig(), db, perfect)

	// 17 USDC held, maximum 10, reserve 1: bridge exactly 16.
	require.NoError(t, e.DecideAndExecute(context.Background(), hubBalances(17_000_000)))

	require.Len(t, perfect.sent, 1)
	assert.Equal(t, "16000000", perfect.sent[0].String())

	require.Len(t, db.ops, 1)
	for _, op := range db.ops {
		assert.Equal(t, "across", op.Bridge)
		assert.Equal(t, "16000000", op.Amount)
		assert.Equal(t, store.RebalancePending, op.Status)
		assert.NotNil(t, op.TransactionFor(originID))
		assert.Nil(t, op.TransactionFor(destID))
	}
}

func TestDecideAndExecuteRecordsQuotedSlippage(t *testing.T) {
	db := newFakeStore()
	// A 0.2% quote loss inside the 0.3% tolerance: the operation row carries
	// the 2000 dbps the quote actually cost, not the configured ceiling.
	adapter := &fakeAdapter{tag: "across", quote: func(a *big.Int) (*big.Int, error) {
		return new(big.Int).Div(new(big.Int).Mul(a, big.NewInt(998)), big.NewInt(1000)), nil
	}}
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	require.NoError(t, e.DecideAndExecute(context.Background(), hubBalances(17_000_000)))

	require.Len(t, db.ops, 1)
	for _, op := range db.ops {
		assert.Equal(t, int64(2000), op.SlippageDbps)
	}
}

func TestDecideAndExecuteBelowMaximumDoesNothing(t *testing.T) {
	db := newFakeStore()
	adapter := &fakeAdapter{tag: "across", quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	require.NoError(t, e.DecideAndExecute(context.Background(), hubBalances(10_000_000)))
	assert.Empty(t, adapter.sent)
	assert.Empty(t, db.ops)
}

func TestDecideAndExecutePreferenceFallback(t *testing.T) {
	db := newFakeStore()
	// across quotes a 1% loss against a 0.3% tolerance; ccip quotes clean.
	lossy := &fakeAdapter{tag: "across", quote: func(a *big.Int) (*big.Int, error) {
		return new(big.Int).Div(new(big.Int).Mul(a, big.NewInt(99)), big.NewInt(100)), nil
	}}
	clean := &fakeAdapter{tag: "ccip", quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	e, _ := newTestEngine(t, testConfig(), db, lossy, clean)

	require.NoError(t, e.DecideAndExecute(context.Background(), hubBalances(17_000_000)))

	assert.Empty(t, lossy.sent)
	require.Len(t, clean.sent, 1)
	for _, op := range db.ops {
		assert.Equal(t, "ccip", op.Bridge)
	}
}

func TestDecideAndExecuteRespectsEarmarks(t *testing.T) {
	db := newFakeStore()
	db.earmarks["em-1"] = &store.Earmark{
		ID:                      "em-1",
		DesignatedPurchaseChain: originID,
		TickerHash:              usdcTicker,
		MinAmount:               "7000000", // 7 USDC reserved
		Status:                  store.EarmarkPending,
	}
	adapter := &fakeAdapter{tag: "across", quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	// 17 held minus 7 earmarked = 10 available, which is not above maximum.
	require.NoError(t, e.DecideAndExecute(context.Background(), hubBalances(17_000_000)))
	assert.Empty(t, adapter.sent)
}

func TestDecideAndExecutePaused(t *testing.T) {
	db := newFakeStore()
	adapter := &fakeAdapter{tag: "across", quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	reg := bridge.NewRegistry()
	require.NoError(t, reg.Register(adapter))
	e := New(testConfig(), db, reg, &fakeChainService{}, config.StaticSwitches(true, false), metrics.New(""), zap.NewNop().Sugar())

	require.NoError(t, e.DecideAndExecute(context.Background(), hubBalances(17_000_000)))
	assert.Empty(t, adapter.sent)
}

func TestDecideAndExecuteSkipsBusyCorridor(t *testing.T) {
	db := newFakeStore()
	db.ops["op-existing"] = &store.RebalanceOperation{
		ID:                 "op-existing",
		OriginChainID:      originID,
		DestinationChainID: destID,
		TickerHash:         usdcTicker,
		Amount:             "1000000",
		Status:             store.RebalancePending,
		Bridge:             "across",
		CreatedAt:          time.Now().UTC(),
	}
	adapter := &fakeAdapter{tag: "across", quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	require.NoError(t, e.DecideAndExecute(context.Background(), hubBalances(17_000_000)))
	assert.Empty(t, adapter.sent)
}

func pendingOp(db *fakeStore, age time.Duration, earmarkID *string) *store.RebalanceOperation {
	op := &store.RebalanceOperation{
		ID:                 "op-cb",
		EarmarkID:          earmarkID,
		OriginChainID:      originID,
		DestinationChainID: destID,
		TickerHash:         usdcTicker,
		Amount:             "16000000",
		Status:             store.RebalancePending,
		Bridge:             "across",
		OperationType:      store.OperationBridge,
		CreatedAt:          time.Now().UTC().Add(-age),
		Transactions: map[string]*store.Transaction{
			"1": {
				TransactionHash: "0x" + strings.Repeat("ab", 32),
				ChainID:         "1",
				Reason:          store.ReasonRebalance,
				Metadata:        types.JSONText(`{"blockNumber":100,"status":1,"confirmations":3}`),
			},
		},
	}
	db.ops[op.ID] = op
	return op
}

func TestProcessCallbacksCompletesDeliveredOperation(t *testing.T) {
	db := newFakeStore()
	op := pendingOp(db, time.Minute, nil)
	adapter := &fakeAdapter{tag: "across", ready: true, quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	e, chains := newTestEngine(t, testConfig(), db, adapter)

	require.NoError(t, e.ProcessCallbacks(context.Background()))
	assert.Equal(t, store.RebalanceCompleted, op.Status)
	assert.Empty(t, chains.submitted)
}

func TestProcessCallbacksSubmitsCallbackOnce(t *testing.T) {
	db := newFakeStore()
	op := pendingOp(db, time.Minute, nil)
	to := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	adapter := &fakeAdapter{
		tag:   "across",
		ready: true,
		callback: &bridge.SendEntry{
			Transaction: &chain.TxRequest{ChainID: destID, To: &to, Data: []byte{0x02}},
			Memo:        bridge.MemoWrap,
		},
		quote: func(a *big.Int) (*big.Int, error) { return a, nil },
	}
	e, chains := newTestEngine(t, testConfig(), db, adapter)

	// First sweep submits the callback and parks the op awaiting it.
	require.NoError(t, e.ProcessCallbacks(context.Background()))
	assert.Equal(t, store.RebalanceAwaitingCallback, op.Status)
	require.Len(t, chains.submitted, 1)
	require.NotNil(t, op.TransactionFor(destID))
	assert.Equal(t, store.ReasonWrap, op.TransactionFor(destID).Reason)

	// Second sweep sees the recorded destination receipt and completes
	// without re-submitting.
	require.NoError(t, e.ProcessCallbacks(context.Background()))
	assert.Equal(t, store.RebalanceCompleted, op.Status)
	assert.Len(t, chains.submitted, 1)
}

func TestProcessCallbacksExpiresOverdueOperation(t *testing.T) {
	db := newFakeStore()
	emID := "em-ttl"
	db.earmarks[emID] = &store.Earmark{ID: emID, Status: store.EarmarkPending, DesignatedPurchaseChain: destID, TickerHash: usdcTicker, MinAmount: "1"}
	op := pendingOp(db, 25*time.Hour, &emID)
	adapter := &fakeAdapter{tag: "across", ready: true, quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	require.NoError(t, e.ProcessCallbacks(context.Background()))
	assert.Equal(t, store.RebalanceExpired, op.Status)
	assert.Equal(t, store.EarmarkExpired, db.earmarks[emID].Status)
}

func TestProcessCallbacksCancelsOnBridgeFailure(t *testing.T) {
	db := newFakeStore()
	op := pendingOp(db, time.Minute, nil)
	adapter := &fakeAdapter{
		tag:      "across",
		readyErr: bridge.ErrBridgeFailure,
		quote:    func(a *big.Int) (*big.Int, error) { return a, nil },
	}
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	require.NoError(t, e.ProcessCallbacks(context.Background()))
	assert.Equal(t, store.RebalanceCancelled, op.Status)
}

func TestProcessCallbacksPromotesEarmarkWhenFunded(t *testing.T) {
	db := newFakeStore()
	emID := "em-fund"
	db.earmarks[emID] = &store.Earmark{ID: emID, Status: store.EarmarkPending, DesignatedPurchaseChain: destID, TickerHash: usdcTicker, MinAmount: "1"}
	op := pendingOp(db, time.Minute, &emID)
	adapter := &fakeAdapter{tag: "across", ready: true, quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	require.NoError(t, e.ProcessCallbacks(context.Background()))
	assert.Equal(t, store.RebalanceCompleted, op.Status)
	assert.Equal(t, store.EarmarkReady, db.earmarks[emID].Status)
}

func TestProcessCallbacksRunsSwapLegOnce(t *testing.T) {
	db := newFakeStore()
	op := pendingOp(db, time.Minute, nil)
	op.OperationType = store.OperationSwapAndBridge
	adapter := &fakeSwapAdapter{fakeAdapter: fakeAdapter{
		tag:   "cowswap",
		ready: true,
		quote: func(a *big.Int) (*big.Int, error) { return a, nil },
	}}
	db.ops[op.ID].Bridge = "cowswap"
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	// First sweep executes the exchange and records the swap row.
	require.NoError(t, e.ProcessCallbacks(context.Background()))
	assert.Equal(t, 1, adapter.swapCalls)
	require.Len(t, db.swaps, 1)
	for _, sw := range db.swaps {
		assert.Equal(t, store.SwapCompleted, sw.Status)
		require.NotNil(t, sw.OrderID)
		assert.Equal(t, "order-1", *sw.OrderID)
	}
	assert.Equal(t, store.RebalancePending, op.Status)

	// Second sweep sees the completed swap and finishes delivery without
	// trading again.
	require.NoError(t, e.ProcessCallbacks(context.Background()))
	assert.Equal(t, 1, adapter.swapCalls)
	assert.Equal(t, store.RebalanceCompleted, op.Status)
}

func TestProcessCallbacksHoldsUnknownSwapOutcome(t *testing.T) {
	db := newFakeStore()
	op := pendingOp(db, time.Minute, nil)
	op.OperationType = store.OperationSwapAndBridge
	op.Bridge = "cowswap"
	adapter := &fakeSwapAdapter{
		fakeAdapter: fakeAdapter{
			tag:   "cowswap",
			ready: true,
			quote: func(a *big.Int) (*big.Int, error) { return a, nil },
		},
		swapErr: errors.New("exchange timeout"),
	}
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	require.NoError(t, e.ProcessCallbacks(context.Background()))
	require.Len(t, db.swaps, 1)
	for _, sw := range db.swaps {
		assert.Equal(t, store.SwapRecovering, sw.Status)
	}
	// The operation is parked; another sweep must not retry the trade.
	require.NoError(t, e.ProcessCallbacks(context.Background()))
	assert.Equal(t, 1, adapter.swapCalls)
	assert.Equal(t, store.RebalancePending, op.Status)
}

func TestFundEarmarkDispatchesDeficit(t *testing.T) {
	db := newFakeStore()
	emID := "em-deficit"
	// Needs 12 USDC on destination, which holds nothing; origin holds 17.
	db.earmarks[emID] = &store.Earmark{
		ID:                      emID,
		Status:                  store.EarmarkPending,
		DesignatedPurchaseChain: destID,
		TickerHash:              usdcTicker,
		MinAmount:               "12000000",
	}
	adapter := &fakeAdapter{tag: "across", quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	require.NoError(t, e.FundEarmark(context.Background(), db.earmarks[emID], hubBalances(17_000_000)))

	// One leg, capped at the deficit, tagged with the earmark.
	require.Len(t, adapter.sent, 1)
	assert.Equal(t, "12000000", adapter.sent[0].String())
	found := false
	for _, op := range db.ops {
		if op.EarmarkID != nil && *op.EarmarkID == emID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFundEarmarkPromotesWhenAlreadyCovered(t *testing.T) {
	db := newFakeStore()
	emID := "em-covered"
	db.earmarks[emID] = &store.Earmark{
		ID:                      emID,
		Status:                  store.EarmarkPending,
		DesignatedPurchaseChain: destID,
		TickerHash:              usdcTicker,
		MinAmount:               "5000000",
	}
	e, _ := newTestEngine(t, testConfig(), db)

	balances := balance.Balances{
		strings.ToLower(usdcTicker): {destID: balance.ToHub(big.NewInt(6_000_000), 6)},
	}
	require.NoError(t, e.FundEarmark(context.Background(), db.earmarks[emID], balances))
	assert.Equal(t, store.EarmarkReady, db.earmarks[emID].Status)
	assert.Empty(t, db.ops)
}

func TestFundEarmarkUnfundable(t *testing.T) {
	db := newFakeStore()
	emID := "em-dry"
	db.earmarks[emID] = &store.Earmark{
		ID:                      emID,
		Status:                  store.EarmarkPending,
		DesignatedPurchaseChain: destID,
		TickerHash:              usdcTicker,
		MinAmount:               "12000000",
	}
	adapter := &fakeAdapter{tag: "across", quote: func(a *big.Int) (*big.Int, error) { return a, nil }}
	e, _ := newTestEngine(t, testConfig(), db, adapter)

	err := e.FundEarmark(context.Background(), db.earmarks[emID], balance.Balances{})
	assert.ErrorIs(t, err, ErrUnfundable)
}
