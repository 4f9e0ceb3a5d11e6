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
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/everclear-org/mark/config"
)

// Zodiac Roles v2 entry point. operation 0 = CALL; delegatecall is never used
// by the agent.
const rolesModuleABI = `[{"type":"function","name":"execTransactionWithRole","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},{"name":"operation","type":"uint8"},{"name":"roleKey","type":"bytes32"},{"name":"shouldRevert","type":"bool"}],"outputs":[{"name":"success","type":"bool"}]}]`

var rolesABI = mustABI(rolesModuleABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// wrapWithRole rewrites req as an execTransactionWithRole call on the chain's
// configured role module. The raw signer only authorizes the module; the Safe
// is the actual sender on chain.
func wrapWithRole(chain *config.Chain, req *TxRequest) (*TxRequest, error) {
	if req.To == nil {
		return nil, errors.New("chain: zodiac submission requires a target address")
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	roleKey := common.HexToHash(chain.ZodiacRoleKey)
	data, err := rolesABI.Pack("execTransactionWithRole",
		*req.To, value, req.Data, uint8(0), [32]byte(roleKey), true)
	if err != nil {
		return nil, fmt.Errorf("pack execTransactionWithRole: %w", err)
	}
	module := common.HexToAddress(chain.ZodiacRoleModuleAddress)
	// The inner value travels inside the Safe; the outer call carries none.
	return &TxRequest{
		ChainID: req.ChainID,
		To:      &module,
		Data:    data,
		Value:   new(big.Int),
	}, nil
}
