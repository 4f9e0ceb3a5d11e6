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
	"encoding/json"

	"github.com/google/uuid"
)

// CreateTransaction records a standalone receipt not owned by a rebalance
// operation (approvals, wraps and similar housekeeping sends).
func (s *Store) CreateTransaction(ctx context.Context, chainID string, reason TxReason, r ReceiptInput, metadata map[string]interface{}) (*Transaction, error) {
	meta := map[string]interface{}{
		"blockNumber":   r.BlockNumber,
		"status":        r.Status,
		"confirmations": r.Confirmations,
	}
	for k, v := range metadata {
		meta[k] = v
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	txRow := &Transaction{
		ID:                uuid.NewString(),
		TransactionHash:   r.Hash,
		ChainID:           chainID,
		From:              r.From,
		To:                r.To,
		CumulativeGasUsed: r.CumulativeGasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
		Reason:            reason,
		Metadata:          rawMeta,
		CreatedAt:         now(),
	}
	txRow.UpdatedAt = txRow.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, rebalance_operation_id, transaction_hash, chain_id, from_address, to_address, cumulative_gas_used, effective_gas_price, reason, metadata, created_at, updated_at)
		 VALUES ($1, NULL, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txRow.ID, txRow.TransactionHash, txRow.ChainID, txRow.From, txRow.To,
		txRow.CumulativeGasUsed, txRow.EffectiveGasPrice, txRow.Reason, txRow.Metadata,
		txRow.CreatedAt, txRow.UpdatedAt)
	if err != nil {
		return nil, wrapPQ(err)
	}
	return txRow, nil
}

// GetTransactionsForOperation lists the operation's receipts in creation
// order.
func (s *Store) GetTransactionsForOperation(ctx context.Context, operationID string) ([]*Transaction, error) {
	var out []*Transaction
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE rebalance_operation_id = $1 ORDER BY created_at ASC`, operationID)
	return out, err
}
