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

// Package bridge defines the uniform capability set every bridge integration
// implements, plus the registry and slippage arithmetic the engine selects
// with. Integrations plug in by registration, never by subclassing.
package bridge

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/everclear-org/mark/chain"
)

// Type tags one bridge integration.
type Type string

// Known adapter tags. The engine treats tags as opaque; this list only keeps
// configuration honest.
const (
	TypeAcross   Type = "across"
	TypeCCIP     Type = "ccip"
	TypeBinance  Type = "binance"
	TypeKraken   Type = "kraken"
	TypeCowSwap  Type = "cowswap"
	TypeMantle   Type = "mantle"
	TypeTAC      Type = "tac"
	TypeTACInner Type = "tac-inner"
	TypePendle   Type = "pendle"
)

var (
	// ErrQuoteUnavailable is returned by GetReceivedAmount when the bridge
	// cannot price the route right now. The engine moves to the next
	// preference.
	ErrQuoteUnavailable = errors.New("bridge: quote unavailable")

	// ErrUnsupportedRoute is returned when the adapter does not serve the
	// origin/destination/asset combination.
	ErrUnsupportedRoute = errors.New("bridge: unsupported route")

	// ErrBridgeFailure signals a definitive delivery failure. The engine
	// cancels the operation and never retries it.
	ErrBridgeFailure = errors.New("bridge: transfer failed")
)

// Route identifies one corridor: where funds leave, where they arrive, and as
// what. SwapOutputAsset is set only on swap-and-bridge corridors.
type Route struct {
	Origin          uint64
	Destination     uint64
	Asset           common.Address
	SwapOutputAsset *common.Address
}

// TxMemo classifies an entry of a Send plan. The Rebalance entry is the one
// whose hash is recorded as the origin transaction.
type TxMemo string

const (
	MemoApproval  TxMemo = "Approval"
	MemoUnwrap    TxMemo = "Unwrap"
	MemoWrap      TxMemo = "Wrap"
	MemoStake     TxMemo = "Stake"
	MemoRebalance TxMemo = "Rebalance"
	MemoCallback  TxMemo = "Callback"
)

// SendEntry is one transaction of an ordered Send plan. EffectiveAmount, when
// set, overrides the requested amount (bridges that quantize deposits).
type SendEntry struct {
	Transaction     *chain.TxRequest
	Memo            TxMemo
	EffectiveAmount *big.Int
}

// SwapResult is the outcome of a swap leg on a swap-and-bridge adapter.
type SwapResult struct {
	OrderUID           string
	ExecutedSellAmount *big.Int
	ExecutedBuyAmount  *big.Int
	ExecutedRate       string
	Metadata           map[string]interface{}
}

// Adapter is the capability set every bridge satisfies. Implementations
// validate same-chain versus cross-chain usage and asset support themselves.
type Adapter interface {
	// Type returns the adapter tag used in route preferences and persisted
	// on operations.
	Type() Type

	// GetMinimumAmount returns the bridge's lower bound for the route in
	// origin native decimals, or nil when the bridge has none.
	GetMinimumAmount(ctx context.Context, route Route) (*big.Int, error)

	// GetReceivedAmount quotes what the recipient will see on destination
	// given current market and fee conditions. Pure quote, no side effects.
	GetReceivedAmount(ctx context.Context, amount *big.Int, route Route) (*big.Int, error)

	// Send builds the ordered transaction plan moving amount from sender on
	// origin to recipient on destination. Prerequisite entries (Approval,
	// Unwrap) come before the Rebalance entry.
	Send(ctx context.Context, sender, recipient common.Address, amount *big.Int, route Route) ([]SendEntry, error)

	// ReadyOnDestination reports whether the delivered asset has arrived and
	// the destination-side transaction confirmed.
	ReadyOnDestination(ctx context.Context, amount *big.Int, route Route, originReceipt *chain.Receipt) (bool, error)

	// DestinationCallback returns the transaction to finish delivery on the
	// destination (e.g. wrapping natively delivered ETH), or nil when the
	// bridge needs none.
	DestinationCallback(ctx context.Context, route Route, originReceipt *chain.Receipt) (*SendEntry, error)
}

// SwapAdapter extends Adapter for integrations whose corridors include an
// exchange leg.
type SwapAdapter interface {
	Adapter

	// ExecuteSwap performs the exchange leg and reports the executed
	// amounts.
	ExecuteSwap(ctx context.Context, sender, recipient common.Address, amount *big.Int, route Route) (*SwapResult, error)
}
