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

package store

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// EarmarkStatus is the lifecycle state of an invoice reservation.
type EarmarkStatus string

const (
	EarmarkPending   EarmarkStatus = "pending"
	EarmarkReady     EarmarkStatus = "ready"
	EarmarkCompleted EarmarkStatus = "completed"
	EarmarkCancelled EarmarkStatus = "cancelled"
	EarmarkExpired   EarmarkStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s EarmarkStatus) Terminal() bool {
	return s == EarmarkCompleted || s == EarmarkCancelled || s == EarmarkExpired
}

// Earmark reserves a settlement intent for one external invoice. At most one
// earmark exists per invoice id; the unique index enforces it.
type Earmark struct {
	ID                      string        `db:"id"`
	InvoiceID               string        `db:"invoice_id"`
	DesignatedPurchaseChain uint64        `db:"designated_purchase_chain"`
	TickerHash              string        `db:"ticker_hash"`
	MinAmount               string        `db:"min_amount"`
	Status                  EarmarkStatus `db:"status"`
	CreatedAt               time.Time     `db:"created_at"`
	UpdatedAt               time.Time     `db:"updated_at"`
}

// RebalanceStatus is the lifecycle state of one liquidity move.
type RebalanceStatus string

const (
	RebalancePending          RebalanceStatus = "pending"
	RebalanceAwaitingCallback RebalanceStatus = "awaiting_callback"
	RebalanceCompleted        RebalanceStatus = "completed"
	RebalanceCancelled        RebalanceStatus = "cancelled"
	RebalanceExpired          RebalanceStatus = "expired"
)

// Terminal reports whether the status admits no further transitions. Terminal
// rows are never mutated again.
func (s RebalanceStatus) Terminal() bool {
	return s == RebalanceCompleted || s == RebalanceCancelled || s == RebalanceExpired
}

// OperationType distinguishes plain bridge moves from swap-and-bridge legs.
type OperationType string

const (
	OperationBridge        OperationType = "bridge"
	OperationSwapAndBridge OperationType = "swap_and_bridge"
)

// RebalanceOperation is one liquidity move, possibly multi-leg. Amount is in
// the origin asset's native decimals; SlippageDbps is deci-basis points
// (10000 = 1%). Transactions is keyed by chain id and holds at most one entry
// per chain.
type RebalanceOperation struct {
	ID                 string          `db:"id"`
	EarmarkID          *string         `db:"earmark_id"`
	OriginChainID      uint64          `db:"origin_chain_id"`
	DestinationChainID uint64          `db:"destination_chain_id"`
	TickerHash         string          `db:"ticker_hash"`
	Amount             string          `db:"amount"`
	SlippageDbps       int64           `db:"slippage"`
	Status             RebalanceStatus `db:"status"`
	Bridge             string          `db:"bridge"`
	OperationType      OperationType   `db:"operation_type"`
	Recipient          *string         `db:"recipient"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`

	Transactions map[string]*Transaction `db:"-"`
}

// TransactionFor returns the recorded receipt on a chain, or nil.
func (o *RebalanceOperation) TransactionFor(chainID uint64) *Transaction {
	return o.Transactions[chainKey(chainID)]
}

// SwapStatus is the lifecycle state of a swap sub-operation.
type SwapStatus string

const (
	SwapPendingDeposit   SwapStatus = "pending_deposit"
	SwapDepositConfirmed SwapStatus = "deposit_confirmed"
	SwapProcessing       SwapStatus = "processing"
	SwapCompleted        SwapStatus = "completed"
	SwapFailed           SwapStatus = "failed"
	SwapRecovering       SwapStatus = "recovering"
)

// SwapOperation is a sub-step owned by one swap_and_bridge rebalance.
type SwapOperation struct {
	ID                   string         `db:"id"`
	RebalanceOperationID string         `db:"rebalance_operation_id"`
	Platform             string         `db:"platform"`
	FromAsset            string         `db:"from_asset"`
	ToAsset              string         `db:"to_asset"`
	FromAmount           string         `db:"from_amount"`
	ToAmount             string         `db:"to_amount"`
	ExpectedRate         string         `db:"expected_rate"`
	QuoteID              *string        `db:"quote_id"`
	OrderID              *string        `db:"order_id"`
	ActualRate           *string        `db:"actual_rate"`
	Status               SwapStatus     `db:"status"`
	Metadata             types.JSONText `db:"metadata"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

// TxReason classifies why a transaction was sent.
type TxReason string

const (
	ReasonRebalance TxReason = "Rebalance"
	ReasonApproval  TxReason = "Approval"
	ReasonUnwrap    TxReason = "Unwrap"
	ReasonWrap      TxReason = "Wrap"
	ReasonStake     TxReason = "Stake"
	ReasonCallback  TxReason = "Callback"
	ReasonIntent    TxReason = "Intent"
)

// Transaction is an on-chain receipt tied to a rebalance operation. ChainID is
// stored as text because non-EVM domains do not have numeric ids.
type Transaction struct {
	ID                   string         `db:"id"`
	RebalanceOperationID *string        `db:"rebalance_operation_id"`
	TransactionHash      string         `db:"transaction_hash"`
	ChainID              string         `db:"chain_id"`
	From                 string         `db:"from_address"`
	To                   string         `db:"to_address"`
	CumulativeGasUsed    string         `db:"cumulative_gas_used"`
	EffectiveGasPrice    string         `db:"effective_gas_price"`
	Reason               TxReason       `db:"reason"`
	Metadata             types.JSONText `db:"metadata"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

// ReceiptInput is the caller-supplied receipt recorded as a Transaction row.
type ReceiptInput struct {
	Hash              string
	From              string
	To                string
	CumulativeGasUsed string
	EffectiveGasPrice string
	BlockNumber       uint64
	Status            uint64
	Confirmations     uint64
}
