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

package queue

import "encoding/json"

// EventType partitions the queue; delivery is FIFO within one type.
type EventType string

const (
	// InvoiceEnqueued signals a hub invoice awaiting evaluation.
	InvoiceEnqueued EventType = "invoice_enqueued"
	// SettlementEnqueued signals that a purchased invoice disappeared from
	// the hub, i.e. it settled.
	SettlementEnqueued EventType = "settlement_enqueued"
)

// AllEventTypes enumerates every queue partition; sweeps iterate it.
var AllEventTypes = []EventType{InvoiceEnqueued, SettlementEnqueued}

// Priority orders competing work of the same age.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Event is one queued unit of work. ScheduledAt is a millisecond epoch and
// doubles as the FIFO sort key; events scheduled in the future are not
// delivered until their time.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Data        json.RawMessage   `json:"data"`
	Priority    Priority          `json:"priority"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
	ScheduledAt int64             `json:"scheduledAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
