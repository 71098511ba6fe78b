package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind tags a queued mutation. Each kind maps to exactly one backend route.
type ActionKind string

const (
	KindUploadBill  ActionKind = "upload_bill"
	KindSendMessage ActionKind = "send_message"
	KindUpdateBill  ActionKind = "update_bill"
)

// KnownKinds lists the kinds this build can deliver.
var KnownKinds = []ActionKind{KindUploadBill, KindSendMessage, KindUpdateBill}

// Valid reports whether the kind is one this build knows how to deliver.
func (k ActionKind) Valid() bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// QueuedAction is a mutation captured while offline and awaiting delivery.
type QueuedAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
}

// NewQueuedAction builds a fresh action with RetryCount = 0.
func NewQueuedAction(kind ActionKind, payload json.RawMessage, now time.Time) QueuedAction {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return QueuedAction{
		ID:         NewActionID(now),
		Kind:       kind,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: now.UnixMilli(),
	}
}

// NewActionID returns "<unix-ms>-<random suffix>".
func NewActionID(now time.Time) string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

// EnqueuedTime converts EnqueuedAt back to a time.Time.
func (a QueuedAction) EnqueuedTime() time.Time {
	return time.UnixMilli(a.EnqueuedAt)
}

// Clone returns a deep copy, payload included.
func (a QueuedAction) Clone() QueuedAction {
	a.Payload = append(json.RawMessage(nil), a.Payload...)
	return a
}

// QueueStatus is a point-in-time view of the pending queue for display.
type QueueStatus struct {
	PendingCount int            `json:"pending_count"`
	Actions      []QueuedAction `json:"actions"`
	Syncing      bool           `json:"syncing"`
}
