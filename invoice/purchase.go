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

package invoice

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/everclear-org/mark/chain"
	"github.com/everclear-org/mark/config"
	"github.com/everclear-org/mark/everclear"
	"github.com/everclear-org/mark/store"
)

// purchase settles the invoice by creating a counter-intent on chainID: the
// hub nets the new intent against the invoice and the agent is repaid on the
// invoice's origin. The spoke contract pulls the input asset, so the
// allowance is topped up first.
func (p *Pipeline) purchase(ctx context.Context, inv *everclear.Invoice, chainID uint64, asset *config.Asset, amount *big.Int) error {
	owner, err := p.chains.Owner(chainID)
	if err != nil {
		return err
	}
	chainCfg := p.cfg.Chains[chainID]
	if !asset.IsNative {
		if chainCfg.Deployments.Everclear == "" {
			return fmt.Errorf("invoice: chain %d has no everclear deployment", chainID)
		}
		spender := common.HexToAddress(chainCfg.Deployments.Everclear)
		token := common.HexToAddress(asset.Address)
		if _, err := chain.CheckAndApproveERC20(ctx, p.chains, p.cfg, chainID, token, spender, amount, p.log); err != nil {
			return err
		}
	}

	invoiceOrigin, err := strconv.ParseUint(inv.Origin, 10, 64)
	if err != nil {
		return fmt.Errorf("invoice: unparsable origin %q: %w", inv.Origin, err)
	}
	intent, err := p.hub.BuildIntent(ctx, everclear.IntentRequest{
		Origin:       chainID,
		Destinations: []uint64{invoiceOrigin},
		To:           owner.Hex(),
		InputAsset:   asset.Address,
		Amount:       amount.String(),
		CallData:     "0x",
		MaxFee:       "0",
	})
	if err != nil {
		return err
	}

	to := common.HexToAddress(intent.To)
	data, err := decodeHexData(intent.Data)
	if err != nil {
		return fmt.Errorf("invoice: intent calldata: %w", err)
	}
	value, err := parseValue(intent.Value)
	if err != nil {
		return fmt.Errorf("invoice: intent value: %w", err)
	}
	txChain := intent.ChainID
	if txChain == 0 {
		txChain = chainID
	}

	res, err := p.chains.SubmitAndWait(ctx, &chain.TxRequest{
		ChainID: txChain,
		To:      &to,
		Data:    data,
		Value:   value,
		FuncSig: "newIntent",
	})
	if err != nil {
		return err
	}
	p.metrics.RecordGasSpent(txChain, string(store.ReasonIntent),
		res.Receipt.CumulativeGasUsed, res.Receipt.EffectiveGasPrice)
	if _, err := p.db.CreateTransaction(ctx, strconv.FormatUint(txChain, 10), store.ReasonIntent,
		res.Receipt.AsReceiptInput(), map[string]interface{}{"invoiceId": inv.IntentID}); err != nil {
		p.log.Errorw("purchase receipt not persisted", "invoice", inv.IntentID, "err", err)
	}
	p.log.Infow("invoice purchased",
		"invoice", inv.IntentID, "chain", chainID, "amount", amount.String(), "tx", res.Hash.Hex())
	return nil
}

// purchaseEarmarked runs the purchase a ready earmark reserved and completes
// the earmark on success.
func (p *Pipeline) purchaseEarmarked(ctx context.Context, inv *everclear.Invoice, em *store.Earmark) error {
	asset, err := p.cfg.AssetByTicker(em.DesignatedPurchaseChain, em.TickerHash)
	if err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(em.MinAmount, 10)
	if !ok {
		return fmt.Errorf("invoice: earmark %s has unparsable minAmount %q", em.ID, em.MinAmount)
	}
	if err := p.purchase(ctx, inv, em.DesignatedPurchaseChain, asset, amount); err != nil {
		return err
	}
	if _, err := p.db.UpdateEarmarkStatus(ctx, em.ID, store.EarmarkCompleted); err != nil {
		return err
	}
	p.metrics.InvoicesProcessed.WithLabelValues("purchased").Inc()
	return nil
}

func decodeHexData(raw string) ([]byte, error) {
	if raw == "" || raw == "0x" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "0x") {
		raw = "0x" + raw
	}
	return hexutil.Decode(raw)
}

func parseValue(raw string) (*big.Int, error) {
	if raw == "" || raw == "0" || raw == "0x0" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(raw, "0x") {
		return hexutil.DecodeBig(raw)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("unparsable value %q", raw)
	}
	return v, nil
}
