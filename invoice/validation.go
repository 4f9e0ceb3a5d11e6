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
	"math/big"
	"strconv"
	"strings"

	"github.com/everclear-org/mark/everclear"
)

// RejectionReason labels why an invoice was not purchased. Rejections are
// final for the queued event; the backfill re-surfaces the invoice while it
// remains unsettled on the hub.
type RejectionReason string

const (
	RejectInvalidFormat       RejectionReason = "invalid_format"
	RejectInvalidAmount       RejectionReason = "invalid_amount"
	RejectOwnInvoice          RejectionReason = "own_invoice"
	RejectInvalidDestinations RejectionReason = "invalid_destinations"
	RejectUnknownTicker       RejectionReason = "unknown_ticker"
	RejectTooYoung            RejectionReason = "too_young"
	RejectInsufficientFunds   RejectionReason = "insufficient_balance"
)

// ownedByAgent reports whether the owner is one of the agent's identities.
// On Zodiac chains intents originate from the Safe, so the Safe addresses
// count as the agent's own alongside the EOA and the Solana address.
func (p *Pipeline) ownedByAgent(owner string) bool {
	if owner == "" {
		return false
	}
	if strings.EqualFold(owner, p.cfg.OwnAddress) {
		return true
	}
	if p.cfg.OwnSolAddress != "" && owner == p.cfg.OwnSolAddress {
		return true
	}
	for _, chainCfg := range p.cfg.Chains {
		if chainCfg.GnosisSafeAddress != "" && strings.EqualFold(owner, chainCfg.GnosisSafeAddress) {
			return true
		}
	}
	return false
}

// validate screens the invoice and returns the destinations the agent could
// settle on, oldest-threshold first. An empty reason means the invoice is
// purchasable on at least one chain.
func (p *Pipeline) validate(inv *everclear.Invoice) ([]uint64, RejectionReason) {
	if inv.IntentID == "" || inv.Origin == "" {
		return nil, RejectInvalidFormat
	}
	amount, ok := new(big.Int).SetString(inv.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, RejectInvalidAmount
	}
	if p.ownedByAgent(inv.Owner) {
		return nil, RejectOwnInvoice
	}
	if !p.cfg.KnownTicker(inv.TickerHash) {
		return nil, RejectUnknownTicker
	}
	if len(inv.Destinations) == 0 {
		return nil, RejectInvalidDestinations
	}

	var candidates []uint64
	tooYoung := false
	for _, raw := range inv.Destinations {
		domain, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		if !p.cfg.SettlementDomainSupported(domain) {
			continue
		}
		chainCfg, ok := p.cfg.Chains[domain]
		if !ok {
			continue
		}
		if _, err := p.cfg.AssetByTicker(domain, inv.TickerHash); err != nil {
			continue
		}
		// Each chain sets the minimum seasoning an invoice needs before the
		// agent competes for it.
		if inv.Age(p.now()) < chainCfg.InvoiceAge {
			tooYoung = true
			continue
		}
		candidates = append(candidates, domain)
	}
	if len(candidates) == 0 {
		if tooYoung {
			return nil, RejectTooYoung
		}
		return nil, RejectInvalidDestinations
	}
	return candidates, ""
}
