package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueueSchemaVersion is the version written by this build.
const QueueSchemaVersion = 1

// ErrUnsupportedSchema is returned when a persisted queue was written by a newer build.
var ErrUnsupportedSchema = errors.New("unsupported queue schema version")

// QueueEnvelope is the persisted form of the whole queue.
type QueueEnvelope struct {
	SchemaVersion int            `json:"schema_version"`
	SavedAt       int64          `json:"saved_at"`
	Actions       []QueuedAction `json:"actions"`
}

// EncodeQueue serializes actions into a versioned envelope.
func EncodeQueue(actions []QueuedAction, now time.Time) ([]byte, error) {
	if actions == nil {
		actions = []QueuedAction{}
	}
	data, err := json.Marshal(QueueEnvelope{
		SchemaVersion: QueueSchemaVersion,
		SavedAt:       now.UnixMilli(),
		Actions:       actions,
	})
	if err != nil {
		return nil, fmt.Errorf("encode queue: %w", err)
	}
	return data, nil
}

// DecodeQueue parses an envelope. A bare JSON array is accepted as schema version 0.
func DecodeQueue(data []byte) ([]QueuedAction, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var legacy []QueuedAction
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, fmt.Errorf("decode legacy queue: %w", err)
		}
		return legacy, nil
	}

	var env QueueEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	if env.SchemaVersion > QueueSchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, env.SchemaVersion)
	}
	return env.Actions, nil
}
