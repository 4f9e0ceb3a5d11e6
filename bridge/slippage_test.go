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

package bridge

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlippageDbps(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		received int64
		want     int64
	}{
		{"no loss", 10000, 10000, 0},
		{"half a percent", 10000, 9950, 5000},
		{"one percent", 1000000, 990000, 10000},
		{"bonus is negative", 10000, 10100, -10000},
		{"total loss", 10000, 0, 1000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SlippageDbps(big.NewInt(tt.amount), big.NewInt(tt.received))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSlippageDbpsRejectsBadInput(t *testing.T) {
	_, err := SlippageDbps(big.NewInt(0), big.NewInt(1))
	assert.Error(t, err)
	_, err = SlippageDbps(nil, big.NewInt(1))
	assert.Error(t, err)
}

func TestWithinTolerance(t *testing.T) {
	amount := big.NewInt(10000)

	// 9950/10000 is exactly 5000 dbps of slippage.
	ok, err := WithinTolerance(amount, big.NewInt(9950), 5000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = WithinTolerance(amount, big.NewInt(9950), 4999)
	require.NoError(t, err)
	assert.False(t, ok)

	// A better-than-quoted fill always passes.
	ok, err = WithinTolerance(amount, big.NewInt(10500), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}
