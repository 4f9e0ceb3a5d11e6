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

// Package balance reads the agent's inventory across chains and normalizes it
// into hub units. The hub representation is 18 decimals; conversions are
// explicit and hub-to-native rounds up so downstream constraints never
// under-fund.
package balance

import "math/big"

const hubDecimals = 18

var pow10 = func() []*big.Int {
	out := make([]*big.Int, hubDecimals+1)
	v := big.NewInt(1)
	ten := big.NewInt(10)
	for i := range out {
		out[i] = new(big.Int).Set(v)
		v.Mul(v, ten)
	}
	return out
}()

// ToHub converts an amount in the asset's native decimals into 18-decimal hub
// units. Exact for decimals ≤ 18; identity at 18.
func ToHub(amount *big.Int, decimals uint8) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	if decimals >= hubDecimals {
		return new(big.Int).Set(amount)
	}
	return new(big.Int).Mul(amount, pow10[hubDecimals-decimals])
}

// FromHub converts 18-decimal hub units back into native decimals, rounding
// up on precision loss. Identity at 18 decimals.
func FromHub(amount *big.Int, decimals uint8) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	if decimals >= hubDecimals {
		return new(big.Int).Set(amount)
	}
	scale := pow10[hubDecimals-decimals]
	q, r := new(big.Int).QuoRem(amount, scale, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
