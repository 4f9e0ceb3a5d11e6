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

	"go.uber.org/zap"

	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/config"
)

// GasKind distinguishes the gas resources a chain meters. EVM chains meter
// one; Tron meters bandwidth and energy separately.
type GasKind string

const (
	GasKindGas       GasKind = "gas"
	GasKindBandwidth GasKind = "bandwidth"
	GasKindEnergy    GasKind = "energy"
)

// GasKey identifies one gas balance.
type GasKey struct {
	ChainID uint64
	Kind    GasKind
}

// TronReader reads the two Tron gas resources. Nil when no Tron chain is
// configured; the concrete implementation lives with the Tron signer.
type TronReader interface {
	Bandwidth(ctx context.Context, chainID uint64) (*big.Int, error)
	Energy(ctx context.Context, chainID uint64) (*big.Int, error)
}

// GasBalances reads the signer's gas balance on every chain. Probes that fail
// collapse to zero and are logged. The returned balances feed the gas gauges
// and the low-gas warnings.
func GasBalances(ctx context.Context, cfg *config.Config, svc chain.Service, tron TronReader, log *zap.SugaredLogger) map[GasKey]*big.Int {
	out := make(map[GasKey]*big.Int)
	for chainID, chainCfg := range cfg.Chains {
		if tron != nil && isTron(chainID) {
			out[GasKey{chainID, GasKindBandwidth}] = tronProbe(ctx, tron.Bandwidth, chainID, log)
			out[GasKey{chainID, GasKindEnergy}] = tronProbe(ctx, tron.Energy, chainID, log)
			continue
		}
		owner, err := svc.Owner(chainID)
		if err != nil {
			log.Warnw("gas probe failed", "chain", chainID, "err", err)
			out[GasKey{chainID, GasKindGas}] = new(big.Int)
			continue
		}
		v, err := svc.NativeBalance(ctx, chainID, owner)
		if err != nil {
			log.Warnw("gas probe failed", "chain", chainID, "err", err)
			v = new(big.Int)
		}
		out[GasKey{chainID, GasKindGas}] = v

		if threshold, ok := new(big.Int).SetString(chainCfg.GasThreshold, 10); ok && v.Cmp(threshold) < 0 {
			log.Warnw("gas balance below threshold",
				"chain", chainID, "balance", v.String(), "threshold", chainCfg.GasThreshold)
		}
	}
	return out
}

func tronProbe(ctx context.Context, read func(context.Context, uint64) (*big.Int, error), chainID uint64, log *zap.SugaredLogger) *big.Int {
	v, err := read(ctx, chainID)
	if err != nil {
		log.Warnw("tron gas probe failed", "chain", chainID, "err", err)
		return new(big.Int)
	}
	return v
}

// Tron mainnet and shasta/nile testnets as used in Everclear domain ids.
func isTron(chainID uint64) bool {
	return chainID == 728126428 || chainID == 2494104990 || chainID == 3448148188
}
