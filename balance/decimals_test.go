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
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToHub(t *testing.T) {
	// 1 USDC (6 decimals) normalizes to 1e18.
	one := big.NewInt(1_000_000)
	assert.Equal(t, "1000000000000000000", ToHub(one, 6).String())

	// 18-decimal assets are identity.
	wei := big.NewInt(123456789)
	assert.Equal(t, wei.String(), ToHub(wei, 18).String())

	assert.Equal(t, "0", ToHub(nil, 6).String())
}

func TestFromHubRoundsUp(t *testing.T) {
	// 1e18 hub units of a 6-decimal asset is exactly 1e6 native.
	exact, _ := new(big.Int).SetString("1000000000000000000", 10)
	assert.Equal(t, "1000000", FromHub(exact, 6).String())

	// One extra hub wei forces a round up to the next native unit.
	plusDust := new(big.Int).Add(exact, big.NewInt(1))
	assert.Equal(t, "1000001", FromHub(plusDust, 6).String())

	assert.Equal(t, exact.String(), FromHub(exact, 18).String())
}

func TestHubRoundTripIsIdentityForNativeAmounts(t *testing.T) {
	// Any amount that started in native decimals survives the round trip
	// unchanged; FromHub's rounding only bites on non-multiples.
	for _, decimals := range []uint8{0, 6, 8, 12, 18} {
		v := big.NewInt(17)
		got := FromHub(ToHub(v, decimals), decimals)
		assert.Equal(t, v.String(), got.String(), "decimals=%d", decimals)
	}
}
