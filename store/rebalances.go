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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const rebalanceColumns = `id, earmark_id, origin_chain_id, destination_chain_id, ticker_hash, amount, slippage, status, bridge, operation_type, recipient, created_at, updated_at`

const prefixedRebalanceColumns = `o.id, o.earmark_id, o.origin_chain_id, o.destination_chain_id, o.ticker_hash, o.amount, o.slippage, o.status, o.bridge, o.operation_type, o.recipient, o.created_at, o.updated_at`

const transactionColumns = `id, rebalance_operation_id, transaction_hash, chain_id, from_address, to_address, cumulative_gas_used, effective_gas_price, reason, metadata, created_at, updated_at`

func chainKey(chainID uint64) string { return strconv.FormatUint(chainID, 10) }

func receiptMetadata(r ReceiptInput) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"blockNumber":   r.BlockNumber,
		"status":        r.Status,
		"confirmations": r.Confirmations,
	})
}

// CreateRebalanceOperationInput is the creation payload. Transactions is keyed
// by chain id; each entry becomes one Transaction row with reason Rebalance.
type CreateRebalanceOperationInput struct {
	EarmarkID          *string
	OriginChainID      uint64
	DestinationChainID uint64
	TickerHash         string
	Amount             string
	SlippageDbps       int64
	Bridge             string
	OperationType      OperationType
	Recipient          *string
	Transactions       map[string]ReceiptInput
}

// CreateRebalanceOperation transactionally inserts the operation and one
// Transaction per supplied receipt, returning the operation hydrated with its
// transactions.
func (s *Store) CreateRebalanceOperation(ctx context.Context, in CreateRebalanceOperationInput) (*RebalanceOperation, error) {
	if in.OperationType == "" {
		in.OperationType = OperationBridge
	}
	op := &RebalanceOperation{
		ID:                 uuid.NewString(),
		EarmarkID:          in.EarmarkID,
		OriginChainID:      in.OriginChainID,
		DestinationChainID: in.DestinationChainID,
		TickerHash:         in.TickerHash,
		Amount:             in.Amount,
		SlippageDbps:       in.SlippageDbps,
		Status:             RebalancePending,
		Bridge:             in.Bridge,
		OperationType:      in.OperationType,
		Recipient:          in.Recipient,
		CreatedAt:          now(),
		Transactions:       make(map[string]*Transaction, len(in.Transactions)),
	}
	op.UpdatedAt = op.CreatedAt

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rebalance_operations
			 (id, earmark_id, origin_chain_id, destination_chain_id, ticker_hash, amount, slippage, status, bridge, operation_type, recipient, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			op.ID, op.EarmarkID, op.OriginChainID, op.DestinationChainID, op.TickerHash,
			op.Amount, op.SlippageDbps, op.Status, op.Bridge, op.OperationType, op.Recipient,
			op.CreatedAt, op.UpdatedAt); err != nil {
			return wrapPQ(err)
		}
		for chainID, receipt := range in.Transactions {
			txRow, err := insertTransactionTx(ctx, tx, op.ID, chainID, ReasonRebalance, receipt)
			if err != nil {
				return err
			}
			op.Transactions[chainID] = txRow
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("rebalance operation created",
		"operation", op.ID, "bridge", op.Bridge, "origin", op.OriginChainID,
		"destination", op.DestinationChainID, "amount", op.Amount, "slippageDbps", op.SlippageDbps)
	return op, nil
}

func insertTransactionTx(ctx context.Context, tx *sqlx.Tx, opID, chainID string, reason TxReason, r ReceiptInput) (*Transaction, error) {
	meta, err := receiptMetadata(r)
	if err != nil {
		return nil, err
	}
	row := &Transaction{
		ID:                   uuid.NewString(),
		RebalanceOperationID: &opID,
		TransactionHash:      r.Hash,
		ChainID:              chainID,
		From:                 r.From,
		To:                   r.To,
		CumulativeGasUsed:    r.CumulativeGasUsed,
		EffectiveGasPrice:    r.EffectiveGasPrice,
		Reason:               reason,
		Metadata:             meta,
		CreatedAt:            now(),
	}
	row.UpdatedAt = row.CreatedAt
	// One receipt per (operation, chain); later receipts replace earlier ones.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, rebalance_operation_id, transaction_hash, chain_id, from_address, to_address, cumulative_gas_used, effective_gas_price, reason, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (rebalance_operation_id, chain_id) WHERE rebalance_operation_id IS NOT NULL
		 DO UPDATE SET transaction_hash = EXCLUDED.transaction_hash,
		               from_address = EXCLUDED.from_address,
		               to_address = EXCLUDED.to_address,
		               cumulative_gas_used = EXCLUDED.cumulative_gas_used,
		               effective_gas_price = EXCLUDED.effective_gas_price,
		               reason = EXCLUDED.reason,
		               metadata = EXCLUDED.metadata,
		               updated_at = EXCLUDED.updated_at`,
		row.ID, row.RebalanceOperationID, row.TransactionHash, row.ChainID, row.From, row.To,
		row.CumulativeGasUsed, row.EffectiveGasPrice, row.Reason, row.Metadata,
		row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// UpdateRebalanceOperationInput updates only the provided fields. TxHashes
// merges into the existing per-chain transaction map.
type UpdateRebalanceOperationInput struct {
	Status   *RebalanceStatus
	TxHashes map[string]ReceiptInput
	// TxReason overrides the reason recorded for merged receipts; defaults to
	// Rebalance.
	TxReason TxReason
}

// UpdateRebalanceOperation applies in to the operation and returns it
// hydrated. Unknown ids fail with ErrNotFound.
func (s *Store) UpdateRebalanceOperation(ctx context.Context, id string, in UpdateRebalanceOperationInput) (*RebalanceOperation, error) {
	reason := in.TxReason
	if reason == "" {
		reason = ReasonRebalance
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var res sql.Result
		var err error
		if in.Status != nil {
			res, err = tx.ExecContext(ctx,
				`UPDATE rebalance_operations SET status = $2, updated_at = $3 WHERE id = $1`,
				id, *in.Status, now())
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE rebalance_operations SET updated_at = $2 WHERE id = $1`, id, now())
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		for chainID, receipt := range in.TxHashes {
			if _, err := insertTransactionTx(ctx, tx, id, chainID, reason, receipt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	op, err := s.getRebalanceOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Status != nil {
		s.log.Infow("rebalance operation status updated", "operation", id, "status", *in.Status)
	}
	return op, nil
}

func (s *Store) getRebalanceOperation(ctx context.Context, id string) (*RebalanceOperation, error) {
	var op RebalanceOperation
	err := s.db.GetContext(ctx, &op,
		`SELECT `+rebalanceColumns+` FROM rebalance_operations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.hydrateTransactions(ctx, []*RebalanceOperation{&op}); err != nil {
		return nil, err
	}
	return &op, nil
}

// GetRebalanceOperationsByEarmark lists the earmark's operations in creation
// order, hydrated with their transactions.
func (s *Store) GetRebalanceOperationsByEarmark(ctx context.Context, earmarkID string) ([]*RebalanceOperation, error) {
	var ops []*RebalanceOperation
	err := s.db.SelectContext(ctx, &ops,
		`SELECT `+rebalanceColumns+` FROM rebalance_operations
		 WHERE earmark_id = $1 ORDER BY created_at ASC`, earmarkID)
	if err != nil {
		return nil, err
	}
	if err := s.hydrateTransactions(ctx, ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// RebalanceFilter narrows GetRebalanceOperations. EarmarkIsNull selects
// threshold-driven operations (no earmark); it is mutually exclusive with
// EarmarkID.
type RebalanceFilter struct {
	Statuses      []RebalanceStatus
	ChainID       *uint64 // matches origin_chain_id
	EarmarkID     *string
	EarmarkIsNull bool
}

// GetRebalanceOperations lists operations matching the filter in creation
// order, hydrated with their transactions.
func (s *Store) GetRebalanceOperations(ctx context.Context, f RebalanceFilter) ([]*RebalanceOperation, error) {
	query := `SELECT ` + rebalanceColumns + ` FROM rebalance_operations WHERE 1=1`
	args := []interface{}{}
	if len(f.Statuses) > 0 {
		in, inArgs, err := sqlx.In(` AND status IN (?)`, f.Statuses)
		if err != nil {
			return nil, err
		}
		query += in
		args = append(args, inArgs...)
	}
	if f.ChainID != nil {
		query += ` AND origin_chain_id = ?`
		args = append(args, *f.ChainID)
	}
	switch {
	case f.EarmarkIsNull:
		query += ` AND earmark_id IS NULL`
	case f.EarmarkID != nil:
		query += ` AND earmark_id = ?`
		args = append(args, *f.EarmarkID)
	}
	query += ` ORDER BY created_at ASC`
	query = s.db.Rebind(query)

	var ops []*RebalanceOperation
	if err := s.db.SelectContext(ctx, &ops, query, args...); err != nil {
		return nil, err
	}
	if err := s.hydrateTransactions(ctx, ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// GetRebalanceOperationByTransactionHash finds the operation that produced the
// transaction. The hash comparison is case-insensitive; the returned operation
// carries every transaction of every chain it touched.
func (s *Store) GetRebalanceOperationByTransactionHash(ctx context.Context, hash string, chainID uint64) (*RebalanceOperation, error) {
	var op RebalanceOperation
	err := s.db.GetContext(ctx, &op,
		`SELECT `+prefixedRebalanceColumns+`
		 FROM rebalance_operations o
		 JOIN transactions t ON t.rebalance_operation_id = o.id
		 WHERE LOWER(t.transaction_hash) = LOWER($1) AND t.chain_id = $2`,
		hash, chainKey(chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.hydrateTransactions(ctx, []*RebalanceOperation{&op}); err != nil {
		return nil, err
	}
	return &op, nil
}

// hydrateTransactions attaches every child transaction to its parent, keyed by
// chain id. Operations without transactions keep a nil map.
func (s *Store) hydrateTransactions(ctx context.Context, ops []*RebalanceOperation) error {
	if len(ops) == 0 {
		return nil
	}
	ids := make([]string, len(ops))
	byID := make(map[string]*RebalanceOperation, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
		byID[op.ID] = op
	}
	query, args, err := sqlx.In(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE rebalance_operation_id IN (?) ORDER BY created_at ASC`, ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)
	var rows []*Transaction
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return err
	}
	for _, row := range rows {
		if row.RebalanceOperationID == nil {
			continue
		}
		op, ok := byID[*row.RebalanceOperationID]
		if !ok {
			return fmt.Errorf("store: transaction %s references unknown operation", row.ID)
		}
		if op.Transactions == nil {
			op.Transactions = make(map[string]*Transaction)
		}
		op.Transactions[row.ChainID] = row
	}
	return nil
}
