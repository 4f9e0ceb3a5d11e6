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

package balance

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everclear-org/mark/store"
)

type stubEarmarks struct {
	rows []*store.Earmark
}

func (s *stubEarmarks) GetActiveEarmarksForChain(context.Context, uint64) ([]*store.Earmark, error) {
	return s.rows, nil
}

const testTicker = "0xd6aca1be9729c13d677335161321649cccae6a591554772516700f986f942eaa"

func TestPendingEarmarkTotal(t *testing.T) {
	src := &stubEarmarks{rows: []*store.Earmark{
		{ID: "a", TickerHash: testTicker, MinAmount: "1000"},
		{ID: "b", TickerHash: testTicker, MinAmount: "250"},
		{ID: "c", TickerHash: "0xother", MinAmount: "9999"},
		{ID: "d", TickerHash: testTicker, MinAmount: "not-a-number"},
	}}
	total, err := PendingEarmarkTotal(context.Background(), src, 1, testTicker, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, "1250", total.String())
}

func TestAvailableLessEarmarks(t *testing.T) {
	src := &stubEarmarks{rows: []*store.Earmark{
		{ID: "a", TickerHash: testTicker, MinAmount: "700"},
	}}
	log := zap.NewNop().Sugar()

	avail, err := AvailableLessEarmarks(context.Background(), src, 1, testTicker, big.NewInt(1000), log)
	require.NoError(t, err)
	assert.Equal(t, "300", avail.String())

	// Over-subscription clamps at zero instead of going negative.
	avail, err = AvailableLessEarmarks(context.Background(), src, 1, testTicker, big.NewInt(500), log)
	require.NoError(t, err)
	assert.Equal(t, "0", avail.String())
}
