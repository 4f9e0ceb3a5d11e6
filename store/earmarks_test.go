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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres"), log: zap.NewNop().Sugar()}, mock
}

func earmarkRow(invoiceID string, status EarmarkStatus) *sqlmock.Rows {
	ts := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "invoice_id", "designated_purchase_chain", "ticker_hash",
		"min_amount", "status", "created_at", "updated_at",
	}).AddRow("em-1", invoiceID, uint64(10), "0x01", "5000000", status, ts, ts)
}

func TestCreateEarmark(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO earmarks`).
		WithArgs(sqlmock.AnyArg(), "inv-1", uint64(10), "0x01", "5000000",
			EarmarkPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	em, err := s.CreateEarmark(context.Background(), "inv-1", 10, "0x01", "5000000")
	require.NoError(t, err)
	assert.NotEmpty(t, em.ID)
	assert.Equal(t, EarmarkPending, em.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEarmarkDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO earmarks`).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	_, err := s.CreateEarmark(context.Background(), "inv-1", 10, "0x01", "5000000")
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEarmarkForInvoice(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM earmarks WHERE invoice_id = \$1`).
		WithArgs("inv-1").
		WillReturnRows(earmarkRow("inv-1", EarmarkReady))

	em, err := s.GetEarmarkForInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	require.NotNil(t, em)
	assert.Equal(t, uint64(10), em.DesignatedPurchaseChain)
	assert.Equal(t, EarmarkReady, em.Status)
}

func TestGetEarmarkForInvoiceMissingIsNotAnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM earmarks WHERE invoice_id = \$1`).
		WithArgs("inv-none").
		WillReturnError(sql.ErrNoRows)

	em, err := s.GetEarmarkForInvoice(context.Background(), "inv-none")
	require.NoError(t, err)
	assert.Nil(t, em)
}

func TestGetEarmarksBindsFilterPlaceholders(t *testing.T) {
	s, mock := newMockStore(t)
	// The IN expansion and the invoice clause must share one consistent
	// numbering after the rebind.
	mock.ExpectQuery(`invoice_id = \$1 AND status IN \(\$2, \$3\)`).
		WithArgs("inv-1", EarmarkPending, EarmarkReady).
		WillReturnRows(earmarkRow("inv-1", EarmarkPending))

	out, err := s.GetEarmarks(context.Background(), EarmarkFilter{
		InvoiceID: "inv-1",
		Statuses:  []EarmarkStatus{EarmarkPending, EarmarkReady},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEarmarkStatus(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE earmarks SET status = \$2`).
		WithArgs("em-1", EarmarkCancelled, sqlmock.AnyArg()).
		WillReturnRows(earmarkRow("inv-1", EarmarkCancelled))

	em, err := s.UpdateEarmarkStatus(context.Background(), "em-1", EarmarkCancelled)
	require.NoError(t, err)
	assert.Equal(t, EarmarkCancelled, em.Status)
}

func TestUpdateEarmarkStatusUnknownID(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE earmarks SET status = \$2`).
		WillReturnError(sql.ErrNoRows)

	_, err := s.UpdateEarmarkStatus(context.Background(), "em-gone", EarmarkReady)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveEarmarkUnknownIDRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM rebalance_operations WHERE earmark_id = \$1`).
		WithArgs("em-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM earmarks WHERE id = \$1`).
		WithArgs("em-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.RemoveEarmark(context.Background(), "em-gone")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
