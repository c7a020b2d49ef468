// Copyright 2024-2026 Aiku AI

package messaging

import (
	"maunium.net/go/mautrix/id"
)

// Result is the outcome of one send operation. Failures are reported in the
// result, not raised: Error carries a human-readable message suitable for
// showing to an operator.
type Result struct {
	Success bool       `json:"success"`
	RoomID  id.RoomID  `json:"room_id,omitempty"`
	EventID id.EventID `json:"event_id,omitempty"`
	Error   string     `json:"error,omitempty"`
}

func success(roomID id.RoomID, eventID id.EventID) *Result {
	return &Result{Success: true, RoomID: roomID, EventID: eventID}
}

func failure(err error) *Result {
	return &Result{Success: false, Error: err.Error()}
}

// BulkItem is one recipient/text pair in a bulk send.
type BulkItem struct {
	Address string `json:"address"`
	Text    string `json:"text"`
}

// BulkResult aggregates a bulk send. PerItem is index-aligned with the
// input items; TotalSuccess+TotalFailed always equals the item count.
type BulkResult struct {
	PerItem      []*Result `json:"per_item"`
	TotalSuccess int       `json:"total_success"`
	TotalFailed  int       `json:"total_failed"`
}

// InviteOutcome reports a recommendation-driven invite run.
type InviteOutcome struct {
	Invited []id.RoomID `json:"invited"`
	Errors  []string    `json:"errors,omitempty"`
}
