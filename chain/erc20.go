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

package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/everclear-org/mark/config"
)

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var erc20ABI = mustABI(erc20ABIJSON)

// ERC20Balance reads the token balance of owner.
func (s *EVMService) ERC20Balance(ctx context.Context, chainID uint64, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := s.CallContract(ctx, chainID, token, data)
	if err != nil {
		return nil, err
	}
	return unpackUint("balanceOf", out)
}

// ERC20Allowance reads the spender's allowance over owner's tokens.
func (s *EVMService) ERC20Allowance(ctx context.Context, chainID uint64, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := s.CallContract(ctx, chainID, token, data)
	if err != nil {
		return nil, err
	}
	return unpackUint("allowance", out)
}

func unpackUint(method string, out []byte) (*big.Int, error) {
	vals, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("chain: %s returned %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s returned %T", method, vals[0])
	}
	return v, nil
}

// ApproveCalldata packs an ERC-20 approve call.
func ApproveCalldata(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// TransferCalldata packs an ERC-20 transfer call.
func TransferCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// ParseApproveCalldata unpacks an ERC-20 approve call back into its spender
// and amount. The engine uses it to route adapter-emitted Approval entries
// through the allowance check instead of submitting them blindly.
func ParseApproveCalldata(data []byte) (common.Address, *big.Int, error) {
	method, ok := erc20ABI.Methods["approve"]
	if !ok || len(data) < 4 {
		return common.Address{}, nil, fmt.Errorf("chain: not an approve call")
	}
	if string(data[:4]) != string(method.ID) {
		return common.Address{}, nil, fmt.Errorf("chain: not an approve call")
	}
	vals, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	if len(vals) != 2 {
		return common.Address{}, nil, fmt.Errorf("chain: malformed approve call")
	}
	spender, ok1 := vals[0].(common.Address)
	amount, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return common.Address{}, nil, fmt.Errorf("chain: malformed approve call")
	}
	return spender, amount, nil
}

// ApprovalResult reports what CheckAndApproveERC20 did.
type ApprovalResult struct {
	WasRequired    bool
	ZeroTxHash     string
	ApprovalTxHash string
}

// requiresZeroFirst reports whether the token rejects approve(n) while a
// non-zero allowance stands. USDT is the notable offender.
func requiresZeroFirst(cfg *config.Config, chainID uint64, token common.Address) bool {
	chain, ok := cfg.Chains[chainID]
	if !ok {
		return false
	}
	for _, a := range chain.Assets {
		if strings.EqualFold(a.Address, token.Hex()) {
			return strings.EqualFold(a.Symbol, "USDT")
		}
	}
	return false
}

// CheckAndApproveERC20 resolves the actual owner (Zodiac-aware), reads the
// current allowance and submits the approvals required for spender to pull
// amount. Tokens that demand it get a zero approval before the real one.
func CheckAndApproveERC20(ctx context.Context, svc Service, cfg *config.Config, chainID uint64, token, spender common.Address, amount *big.Int, log *zap.SugaredLogger) (*ApprovalResult, error) {
	owner, err := svc.Owner(chainID)
	if err != nil {
		return nil, err
	}
	allowance, err := svc.ERC20Allowance(ctx, chainID, token, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return &ApprovalResult{WasRequired: false}, nil
	}

	result := &ApprovalResult{WasRequired: true}
	if allowance.Sign() > 0 && requiresZeroFirst(cfg, chainID, token) {
		data, err := ApproveCalldata(spender, new(big.Int))
		if err != nil {
			return nil, err
		}
		res, err := svc.SubmitAndWait(ctx, &TxRequest{ChainID: chainID, To: &token, Data: data})
		if err != nil {
			return nil, fmt.Errorf("zero approval: %w", err)
		}
		result.ZeroTxHash = res.Hash.Hex()
		log.Infow("zeroed stale allowance", "chain", chainID, "token", token.Hex(), "spender", spender.Hex())
	}

	data, err := ApproveCalldata(spender, amount)
	if err != nil {
		return nil, err
	}
	res, err := svc.SubmitAndWait(ctx, &TxRequest{ChainID: chainID, To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("approval: %w", err)
	}
	result.ApprovalTxHash = res.Hash.Hex()
	log.Infow("allowance granted",
		"chain", chainID, "token", token.Hex(), "spender", spender.Hex(), "amount", amount.String())
	return result, nil
}
