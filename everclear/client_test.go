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

package everclear

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetInvoicesPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invoices", r.URL.Path)
		switch r.URL.Query().Get("cursor") {
		case "":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"invoices":   []Invoice{{IntentID: "a"}, {IntentID: "b"}},
				"nextCursor": "page-2",
			})
		case "page-2":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"invoices":   []Invoice{{IntentID: "c"}},
				"nextCursor": "",
			})
		default:
			t.Fatalf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop().Sugar())
	ctx := context.Background()

	invoices, next, err := c.GetInvoices(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, "page-2", next)

	invoices, next, err = c.GetInvoices(ctx, next, 100)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Empty(t, next)
}

func TestGetInvoiceNotFoundMeansSettled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop().Sugar())
	_, err := c.GetInvoice(context.Background(), "intent-1")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestRateLimitDetection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop().Sugar())
	_, _, err := c.GetInvoices(context.Background(), "", 10)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop().Sugar())
	// Far more consecutive 404s than the trip threshold; the breaker must
	// treat them as answers, not failures.
	for i := 0; i < 10; i++ {
		_, err := c.GetInvoice(context.Background(), "intent-1")
		require.ErrorIs(t, err, ErrInvoiceNotFound)
	}
}

func TestBuildIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/intents", r.URL.Path)
		var req IntentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, uint64(10), req.Origin)
		json.NewEncoder(w).Encode(IntentTx{
			To:      "0x00000000000000000000000000000000000000aa",
			Data:    "0xdeadbeef",
			Value:   "0",
			ChainID: 10,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop().Sugar())
	tx, err := c.BuildIntent(context.Background(), IntentRequest{
		Origin:       10,
		Destinations: []uint64{1},
		To:           "0x00000000000000000000000000000000000000bb",
		InputAsset:   "0x00000000000000000000000000000000000000cc",
		Amount:       "1000000",
		CallData:     "0x",
		MaxFee:       "0",
	})
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", tx.Data)
	assert.Equal(t, uint64(10), tx.ChainID)
}

func TestInvoiceAge(t *testing.T) {
	now := time.Unix(1_700_000_600, 0)
	inv := &Invoice{HubInvoiceEnqueuedTimestamp: 1_700_000_000}
	assert.Equal(t, uint64(600), inv.Age(now))

	// Future or missing timestamps never go negative.
	inv.HubInvoiceEnqueuedTimestamp = 1_800_000_000
	assert.Equal(t, uint64(0), inv.Age(now))
	inv.HubInvoiceEnqueuedTimestamp = 0
	assert.Equal(t, uint64(0), inv.Age(now))
}
