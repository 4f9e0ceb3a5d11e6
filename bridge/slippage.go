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
	"errors"
	"math/big"
)

// Slippage is expressed in deci-basis points: 10000 dbps = 1%.
const dbpsDenominator = 1_000_000

var errZeroAmount = errors.New("bridge: slippage of zero amount")

// SlippageDbps computes the loss between the requested amount and the quoted
// received amount in deci-basis points. A received amount above the request
// yields a negative slippage (the bridge pays a bonus).
func SlippageDbps(amount, received *big.Int) (int64, error) {
	if amount == nil || amount.Sign() <= 0 {
		return 0, errZeroAmount
	}
	loss := new(big.Int).Sub(amount, received)
	loss.Mul(loss, big.NewInt(dbpsDenominator))
	loss.Quo(loss, amount)
	if !loss.IsInt64() {
		// Quotes off by more than a factor of the denominator; treat as the
		// maximum expressible loss.
		if loss.Sign() > 0 {
			return dbpsDenominator, nil
		}
		return -dbpsDenominator, nil
	}
	return loss.Int64(), nil
}

// WithinTolerance reports whether the quoted received amount loses no more
// than tolerance dbps of amount.
func WithinTolerance(amount, received *big.Int, tolerance int64) (bool, error) {
	s, err := SlippageDbps(amount, received)
	if err != nil {
		return false, err
	}
	return s <= tolerance, nil
}
