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

// Package chain submits transactions and reads balances across the configured
// chains. Call sites never branch on wallet type: owner resolution and the
// EOA-versus-Safe-module split live entirely inside SubmitAndWait.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/everclear-org/mark/store"
)

// SubmissionType records which execution path carried a transaction.
type SubmissionType string

const (
	SubmissionEOA    SubmissionType = "eoa"
	SubmissionZodiac SubmissionType = "zodiac"
)

// TxRequest is a chain-agnostic transaction to submit. FuncSig annotates the
// intended call for non-EVM signers; the EVM path ignores it.
type TxRequest struct {
	ChainID uint64
	To      *common.Address
	Data    []byte
	Value   *big.Int
	FuncSig string
}

// Receipt is the confirmed result of a submission with every field callers
// need to persist.
type Receipt struct {
	Hash              common.Hash
	ChainID           uint64
	From              common.Address
	To                common.Address
	CumulativeGasUsed *big.Int
	EffectiveGasPrice *big.Int
	BlockNumber       uint64
	Status            uint64
	Confirmations     uint64
	Logs              []*types.Log
}

// AsReceiptInput converts a receipt into the store's persistence shape.
func (r *Receipt) AsReceiptInput() store.ReceiptInput {
	gasUsed := "0"
	if r.CumulativeGasUsed != nil {
		gasUsed = r.CumulativeGasUsed.String()
	}
	gasPrice := "0"
	if r.EffectiveGasPrice != nil {
		gasPrice = r.EffectiveGasPrice.String()
	}
	return store.ReceiptInput{
		Hash:              r.Hash.Hex(),
		From:              r.From.Hex(),
		To:                r.To.Hex(),
		CumulativeGasUsed: gasUsed,
		EffectiveGasPrice: gasPrice,
		BlockNumber:       r.BlockNumber,
		Status:            r.Status,
		Confirmations:     r.Confirmations,
	}
}

// SubmitResult is the outcome of SubmitAndWait.
type SubmitResult struct {
	Hash           common.Hash
	SubmissionType SubmissionType
	Receipt        *Receipt
}

// Service is the capability set the engine and pipeline consume. The EVM
// implementation lives in this package; Solana and Tron services satisfy the
// same interface out of tree.
type Service interface {
	// Owner resolves the funds-holding address on a chain: the Safe address
	// where Zodiac is configured, the raw signer address otherwise.
	Owner(chainID uint64) (common.Address, error)

	// SubmitAndWait signs, submits and waits for the confirmed receipt of
	// req, routing through the Zodiac role module when the chain has one.
	// It fails fast when the receipt status is not success.
	SubmitAndWait(ctx context.Context, req *TxRequest) (*SubmitResult, error)

	// CallContract performs a read-only call on the chain.
	CallContract(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error)

	// NativeBalance reads the gas-asset balance of owner.
	NativeBalance(ctx context.Context, chainID uint64, owner common.Address) (*big.Int, error)

	// ERC20Balance reads the token balance of owner.
	ERC20Balance(ctx context.Context, chainID uint64, token, owner common.Address) (*big.Int, error)

	// ERC20Allowance reads the current allowance of spender over owner's
	// tokens.
	ERC20Allowance(ctx context.Context, chainID uint64, token, owner, spender common.Address) (*big.Int, error)
}
