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

// Package everclear is the HTTP client for the hub API: unsettled invoices,
// settlement checks and intent construction. All calls go through a circuit
// breaker so a sick hub degrades to skipped ticks instead of hammering.
package everclear

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrInvoiceNotFound is returned on a 404: the invoice no longer exists
	// on the hub, which means it settled.
	ErrInvoiceNotFound = errors.New("everclear: invoice not found")

	// ErrRateLimited is returned on 429 and "too many requests" bodies.
	ErrRateLimited = errors.New("everclear: rate limited")
)

// Invoice is one unsettled invoice as reported by the hub.
type Invoice struct {
	IntentID     string   `json:"intent_id"`
	Owner        string   `json:"owner"`
	EntryEpoch   uint64   `json:"entry_epoch"`
	Amount       string   `json:"amount"`
	TickerHash   string   `json:"ticker_hash"`
	Origin       string   `json:"origin"`
	Destinations []string `json:"destinations"`
	HubStatus    string   `json:"hub_status"`
	HubInvoiceEnqueuedTimestamp uint64 `json:"hub_invoice_enqueued_timestamp"`
}

// Age returns the seconds the invoice has been waiting, at wall-clock now.
func (i *Invoice) Age(now time.Time) uint64 {
	enqueued := int64(i.HubInvoiceEnqueuedTimestamp)
	if enqueued <= 0 || now.Unix() < enqueued {
		return 0
	}
	return uint64(now.Unix() - enqueued)
}

// IntentRequest asks the hub API to build a settlement intent transaction.
type IntentRequest struct {
	Origin      uint64   `json:"origin"`
	Destinations []uint64 `json:"destinations"`
	To          string   `json:"to"`
	InputAsset  string   `json:"inputAsset"`
	Amount      string   `json:"amount"`
	CallData    string   `json:"callData"`
	MaxFee      string   `json:"maxFee"`
}

// IntentTx is the ready-to-submit transaction returned by the hub API.
type IntentTx struct {
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
	ChainID uint64 `json:"chainId"`
}

// Client talks to the hub API.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.SugaredLogger
}

// NewClient builds a hub client for baseURL.
func NewClient(baseURL string, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "everclear-api",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// A 404 is an answer (the invoice settled), not a hub failure.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrInvoiceNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnw("hub api breaker state change", "from", from.String(), "to", to.String())
			},
		}),
		log: log,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrInvoiceNotFound
		case resp.StatusCode == http.StatusTooManyRequests,
			strings.Contains(strings.ToLower(string(raw)), "too many requests"):
			return nil, fmt.Errorf("%w: %s %s", ErrRateLimited, method, path)
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("everclear: %s %s: status %d: %s", method, path, resp.StatusCode, truncate(raw))
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, fmt.Errorf("everclear: decode %s %s: %w", method, path, err)
			}
		}
		return nil, nil
	})
	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("everclear: circuit open: %w", err)
	}
	return err
}

func truncate(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

// GetInvoices pages unsettled invoices from cursor. An empty nextCursor means
// the listing is exhausted.
func (c *Client) GetInvoices(ctx context.Context, cursor string, limit int) ([]Invoice, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/invoices"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out struct {
		Invoices   []Invoice `json:"invoices"`
		NextCursor string    `json:"nextCursor"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, "", err
	}
	return out.Invoices, out.NextCursor, nil
}

// GetInvoice fetches one invoice; ErrInvoiceNotFound means it settled.
func (c *Client) GetInvoice(ctx context.Context, intentID string) (*Invoice, error) {
	var out Invoice
	if err := c.do(ctx, http.MethodGet, "/invoices/"+url.PathEscape(intentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BuildIntent asks the hub API for the origin-chain transaction creating the
// settlement intent.
func (c *Client) BuildIntent(ctx context.Context, req IntentRequest) (*IntentTx, error) {
	var out IntentTx
	if err := c.do(ctx, http.MethodPost, "/intents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
