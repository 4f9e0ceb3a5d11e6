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
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/config"
)

const custodyABIJSON = `[{"type":"function","name":"custodiedAssets","stateMutability":"view","inputs":[{"name":"assetHash","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]}]`

var (
	custodyABI  = mustABI(custodyABIJSON)
	bytes32Ty   = mustType("bytes32")
	uint32Ty    = mustType("uint32")
	assetHashArgs = abi.Arguments{{Type: bytes32Ty}, {Type: uint32Ty}}
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// assetHash derives the hub's storage key for (tickerHash, domain).
func assetHash(tickerHash string, domain uint64) (common.Hash, error) {
	packed, err := assetHashArgs.Pack([32]byte(common.HexToHash(tickerHash)), uint32(domain))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(crypto.Keccak256(packed)), nil
}

// CustodiedBalances reads, per ticker per chain, the assets the hub contract
// custodies for the network, normalized to hub units. Probe failures collapse
// to zero and are logged.
func CustodiedBalances(ctx context.Context, cfg *config.Config, svc chain.Service, log *zap.SugaredLogger) Balances {
	hubContract := common.HexToAddress(cfg.Chains[cfg.Hub.Domain].Deployments.Everclear)
	out := make(Balances)
	for chainID, chainCfg := range cfg.Chains {
		for _, asset := range chainCfg.Assets {
			ticker := strings.ToLower(asset.TickerHash)
			if out[ticker] == nil {
				out[ticker] = make(map[uint64]*big.Int)
			}
			key, err := assetHash(asset.TickerHash, chainID)
			if err != nil {
				log.Warnw("custody key derivation failed", "ticker", ticker, "chain", chainID, "err", err)
				out[ticker][chainID] = new(big.Int)
				continue
			}
			data, err := custodyABI.Pack("custodiedAssets", [32]byte(key))
			if err != nil {
				out[ticker][chainID] = new(big.Int)
				continue
			}
			raw, err := svc.CallContract(ctx, cfg.Hub.Domain, hubContract, data)
			if err != nil {
				log.Warnw("custody read failed", "ticker", ticker, "chain", chainID, "err", err)
				out[ticker][chainID] = new(big.Int)
				continue
			}
			vals, err := custodyABI.Unpack("custodiedAssets", raw)
			if err != nil || len(vals) != 1 {
				log.Warnw("custody decode failed", "ticker", ticker, "chain", chainID, "err", err)
				out[ticker][chainID] = new(big.Int)
				continue
			}
			v, _ := vals[0].(*big.Int)
			out[ticker][chainID] = ToHub(v, asset.Decimals)
		}
	}
	return out
}
