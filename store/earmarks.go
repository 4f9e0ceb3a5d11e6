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
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const earmarkColumns = `id, invoice_id, designated_purchase_chain, ticker_hash, min_amount, status, created_at, updated_at`

// CreateEarmark reserves an invoice for a purchase on the designated chain.
// A second reservation of the same invoice fails with ErrDuplicate.
func (s *Store) CreateEarmark(ctx context.Context, invoiceID string, chainID uint64, tickerHash, minAmount string) (*Earmark, error) {
	e := &Earmark{
		ID:                      uuid.NewString(),
		InvoiceID:               invoiceID,
		DesignatedPurchaseChain: chainID,
		TickerHash:              tickerHash,
		MinAmount:               minAmount,
		Status:                  EarmarkPending,
		CreatedAt:               now(),
	}
	e.UpdatedAt = e.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO earmarks (id, invoice_id, designated_purchase_chain, ticker_hash, min_amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.InvoiceID, e.DesignatedPurchaseChain, e.TickerHash, e.MinAmount, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return nil, wrapPQ(err)
	}
	s.log.Infow("earmark created", "earmark", e.ID, "invoice", invoiceID, "chain", chainID, "minAmount", minAmount)
	return e, nil
}

// GetEarmarkForInvoice returns the earmark reserving the invoice, or nil when
// none exists. The unique index guarantees at most one row.
func (s *Store) GetEarmarkForInvoice(ctx context.Context, invoiceID string) (*Earmark, error) {
	var e Earmark
	err := s.db.GetContext(ctx, &e,
		`SELECT `+earmarkColumns+` FROM earmarks WHERE invoice_id = $1`, invoiceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetActiveEarmarksForChain lists pending earmarks on the chain in creation
// order.
func (s *Store) GetActiveEarmarksForChain(ctx context.Context, chainID uint64) ([]*Earmark, error) {
	var out []*Earmark
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+earmarkColumns+` FROM earmarks
		 WHERE designated_purchase_chain = $1 AND status = $2
		 ORDER BY created_at ASC`, chainID, EarmarkPending)
	return out, err
}

// EarmarkFilter narrows GetEarmarks.
type EarmarkFilter struct {
	InvoiceID string
	Statuses  []EarmarkStatus
}

// GetEarmarks lists earmarks matching the filter in creation order.
func (s *Store) GetEarmarks(ctx context.Context, f EarmarkFilter) ([]*Earmark, error) {
	query := `SELECT ` + earmarkColumns + ` FROM earmarks WHERE 1=1`
	args := []interface{}{}
	if f.InvoiceID != "" {
		query += ` AND invoice_id = ?`
		args = append(args, f.InvoiceID)
	}
	if len(f.Statuses) > 0 {
		in, inArgs, err := sqlx.In(` AND status IN (?)`, f.Statuses)
		if err != nil {
			return nil, err
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY created_at ASC`
	query = s.db.Rebind(query)
	var out []*Earmark
	err := s.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

// UpdateEarmarkStatus moves the earmark to status and touches updated_at.
func (s *Store) UpdateEarmarkStatus(ctx context.Context, id string, status EarmarkStatus) (*Earmark, error) {
	var e Earmark
	err := s.db.GetContext(ctx, &e,
		`UPDATE earmarks SET status = $2, updated_at = $3 WHERE id = $1
		 RETURNING `+earmarkColumns, id, status, now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.log.Infow("earmark status updated", "earmark", id, "status", status)
	return &e, nil
}

// RemoveEarmark transactionally deletes the earmark's rebalance operations and
// then the earmark itself.
func (s *Store) RemoveEarmark(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rebalance_operations WHERE earmark_id = $1`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM earmarks WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
