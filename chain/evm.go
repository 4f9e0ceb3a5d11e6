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
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/everclear-org/mark/config"
)

const (
	receiptTimeout      = 2 * time.Minute
	receiptPollInterval = 3 * time.Second
	baseFeeMultiplier   = 2
)

// ErrReceiptFailed is returned when a mined transaction reverted.
var ErrReceiptFailed = errors.New("chain: transaction reverted")

// EVMService implements Service over one ethclient per configured chain.
type EVMService struct {
	cfg     *config.Config
	clients map[uint64]*ethclient.Client
	key     *ecdsa.PrivateKey
	sender  common.Address
	log     *zap.SugaredLogger
}

// NewEVMService dials the first reachable provider of every configured chain.
func NewEVMService(ctx context.Context, cfg *config.Config, key *ecdsa.PrivateKey, log *zap.SugaredLogger) (*EVMService, error) {
	s := &EVMService{
		cfg:     cfg,
		clients: make(map[uint64]*ethclient.Client, len(cfg.Chains)),
		key:     key,
		sender:  crypto.PubkeyToAddress(key.PublicKey),
		log:     log,
	}
	for chainID, chain := range cfg.Chains {
		client, err := dialFirst(ctx, chain.Providers)
		if err != nil {
			s.CloseAll()
			return nil, fmt.Errorf("chain %d: %w", chainID, err)
		}
		s.clients[chainID] = client
	}
	return s, nil
}

func dialFirst(ctx context.Context, providers []string) (*ethclient.Client, error) {
	var lastErr error
	for _, url := range providers {
		client, err := ethclient.DialContext(ctx, url)
		if err == nil {
			return client, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no providers configured")
	}
	return nil, fmt.Errorf("dial providers: %w", lastErr)
}

// CloseAll releases every RPC connection.
func (s *EVMService) CloseAll() {
	for _, c := range s.clients {
		c.Close()
	}
}

func (s *EVMService) client(chainID uint64) (*ethclient.Client, error) {
	c, ok := s.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("chain: no client for chain %d", chainID)
	}
	return c, nil
}

// Owner resolves the funds-holding address on the chain.
func (s *EVMService) Owner(chainID uint64) (common.Address, error) {
	chain, ok := s.cfg.Chains[chainID]
	if !ok {
		return common.Address{}, fmt.Errorf("chain: chain %d not configured", chainID)
	}
	if chain.ZodiacEnabled() {
		return common.HexToAddress(chain.GnosisSafeAddress), nil
	}
	return s.sender, nil
}

// SubmitAndWait signs and submits req, routing through the Zodiac module when
// the chain has one, and waits for the confirmed receipt. Reverted receipts
// fail fast with ErrReceiptFailed.
func (s *EVMService) SubmitAndWait(ctx context.Context, req *TxRequest) (*SubmitResult, error) {
	client, err := s.client(req.ChainID)
	if err != nil {
		return nil, err
	}
	chainCfg := s.cfg.Chains[req.ChainID]

	to := req.To
	data := req.Data
	value := req.Value
	submission := SubmissionEOA
	if chainCfg.ZodiacEnabled() {
		wrapped, err := wrapWithRole(&chainCfg, req)
		if err != nil {
			return nil, err
		}
		to, data, value = wrapped.To, wrapped.Data, wrapped.Value
		submission = SubmissionZodiac
	}
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := client.PendingNonceAt(ctx, s.sender)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip cap: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(baseFeeMultiplier)), tipCap)

	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.sender, To: to, Value: value, Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	evmChainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   evmChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(evmChainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast transaction: %w", err)
	}

	s.log.Infow("transaction submitted",
		"chain", req.ChainID, "hash", signed.Hash().Hex(), "submission", submission)

	receipt, err := s.waitMined(ctx, client, req.ChainID, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s on chain %d", ErrReceiptFailed, signed.Hash().Hex(), req.ChainID)
	}
	return &SubmitResult{
		Hash:           signed.Hash(),
		SubmissionType: submission,
		Receipt:        receipt,
	}, nil
}

func (s *EVMService) waitMined(ctx context.Context, client *ethclient.Client, chainID uint64, hash common.Hash) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil {
			head, headErr := client.HeaderByNumber(waitCtx, nil)
			confirmations := uint64(1)
			if headErr == nil && head.Number.Uint64() >= receipt.BlockNumber.Uint64() {
				confirmations = head.Number.Uint64() - receipt.BlockNumber.Uint64() + 1
			}
			tx, _, txErr := client.TransactionByHash(waitCtx, hash)
			to := common.Address{}
			if txErr == nil && tx.To() != nil {
				to = *tx.To()
			}
			return &Receipt{
				Hash:              hash,
				ChainID:           chainID,
				From:              s.sender,
				To:                to,
				CumulativeGasUsed: new(big.Int).SetUint64(receipt.CumulativeGasUsed),
				EffectiveGasPrice: receipt.EffectiveGasPrice,
				BlockNumber:       receipt.BlockNumber.Uint64(),
				Status:            receipt.Status,
				Confirmations:     confirmations,
				Logs:              receipt.Logs,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("waiting for receipt %s: %w", hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// CallContract performs a read-only call.
func (s *EVMService) CallContract(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// NativeBalance reads the gas-asset balance of owner.
func (s *EVMService) NativeBalance(ctx context.Context, chainID uint64, owner common.Address) (*big.Int, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	return client.BalanceAt(ctx, owner, nil)
}
