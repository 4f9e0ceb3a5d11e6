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

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const swapColumns = `id, rebalance_operation_id, platform, from_asset, to_asset, from_amount, to_amount, expected_rate, quote_id, order_id, actual_rate, status, metadata, created_at, updated_at`

// CreateSwapOperationInput is the creation payload of a swap sub-operation.
type CreateSwapOperationInput struct {
	RebalanceOperationID string
	Platform             string
	FromAsset            string
	ToAsset              string
	FromAmount           string
	ToAmount             string
	ExpectedRate         string
	QuoteID              *string
	Metadata             map[string]interface{}
}

// CreateSwapOperation inserts a swap in pending_deposit state. Reusing an
// order id fails with ErrDuplicate.
func (s *Store) CreateSwapOperation(ctx context.Context, in CreateSwapOperationInput) (*SwapOperation, error) {
	meta := in.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	op := &SwapOperation{
		ID:                   uuid.NewString(),
		RebalanceOperationID: in.RebalanceOperationID,
		Platform:             in.Platform,
		FromAsset:            in.FromAsset,
		ToAsset:              in.ToAsset,
		FromAmount:           in.FromAmount,
		ToAmount:             in.ToAmount,
		ExpectedRate:         in.ExpectedRate,
		QuoteID:              in.QuoteID,
		Status:               SwapPendingDeposit,
		Metadata:             rawMeta,
		CreatedAt:            now(),
	}
	op.UpdatedAt = op.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO swap_operations
		 (id, rebalance_operation_id, platform, from_asset, to_asset, from_amount, to_amount, expected_rate, quote_id, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		op.ID, op.RebalanceOperationID, op.Platform, op.FromAsset, op.ToAsset,
		op.FromAmount, op.ToAmount, op.ExpectedRate, op.QuoteID, op.Status,
		op.Metadata, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return nil, wrapPQ(err)
	}
	s.log.Infow("swap operation created",
		"swap", op.ID, "operation", op.RebalanceOperationID, "platform", op.Platform,
		"fromAsset", op.FromAsset, "toAsset", op.ToAsset)
	return op, nil
}

// SwapFilter narrows GetSwapOperations.
type SwapFilter struct {
	Statuses             []SwapStatus
	RebalanceOperationID *string
}

// GetSwapOperations lists swaps matching the filter in creation order.
func (s *Store) GetSwapOperations(ctx context.Context, f SwapFilter) ([]*SwapOperation, error) {
	query := `SELECT ` + swapColumns + ` FROM swap_operations WHERE 1=1`
	args := []interface{}{}
	if len(f.Statuses) > 0 {
		in, inArgs, err := sqlx.In(` AND status IN (?)`, f.Statuses)
		if err != nil {
			return nil, err
		}
		query += in
		args = append(args, inArgs...)
	}
	if f.RebalanceOperationID != nil {
		query += ` AND rebalance_operation_id = ?`
		args = append(args, *f.RebalanceOperationID)
	}
	query += ` ORDER BY created_at ASC`
	query = s.db.Rebind(query)
	var out []*SwapOperation
	err := s.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

// GetSwapOperationByOrderID finds a swap by its unique platform order id.
func (s *Store) GetSwapOperationByOrderID(ctx context.Context, orderID string) (*SwapOperation, error) {
	var op SwapOperation
	err := s.db.GetContext(ctx, &op,
		`SELECT `+swapColumns+` FROM swap_operations WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// UpdateSwapOperationStatus moves the swap to status, merges metadata, and
// promotes orderId / actualRate metadata keys into their columns.
func (s *Store) UpdateSwapOperationStatus(ctx context.Context, id string, status SwapStatus, metadata map[string]interface{}) (*SwapOperation, error) {
	var orderID, actualRate *string
	if v, ok := metadata["orderId"].(string); ok && v != "" {
		orderID = &v
	}
	if v, ok := metadata["actualRate"].(string); ok && v != "" {
		actualRate = &v
	}
	var rawMeta []byte
	if len(metadata) > 0 {
		var err error
		rawMeta, err = json.Marshal(metadata)
		if err != nil {
			return nil, err
		}
	}

	var op SwapOperation
	err := s.db.GetContext(ctx, &op,
		`UPDATE swap_operations SET
		   status = $2,
		   order_id = COALESCE($3, order_id),
		   actual_rate = COALESCE($4, actual_rate),
		   metadata = CASE WHEN $5::jsonb IS NULL THEN metadata ELSE metadata || $5::jsonb END,
		   updated_at = $6
		 WHERE id = $1
		 RETURNING `+swapColumns, id, status, orderID, actualRate, nullableJSON(rawMeta), now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update swap %s: %w", id, wrapPQ(err))
	}
	s.log.Infow("swap operation status updated", "swap", id, "status", status)
	return &op, nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
