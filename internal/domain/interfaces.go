package domain

import (
	"context"
	"encoding/json"

	"goldrock/internal/models"
)

// QueueStore persists the whole offline queue. Save replaces what was stored.
type QueueStore interface {
	Save(ctx context.Context, actions []models.QueuedAction) error
	Load(ctx context.Context) ([]models.QueuedAction, error)
}

// ResourceCache is a best-effort JSON blob store keyed by resource path.
// Get reports found=false on a miss; Clear removes every entry under the cache namespace.
type ResourceCache interface {
	Put(ctx context.Context, key string, value json.RawMessage) error
	Get(ctx context.Context, key string) (value json.RawMessage, found bool, err error)
	Clear(ctx context.Context) error
}

// Deliverer sends one HTTP request with a JSON body to the backend.
type Deliverer interface {
	Send(ctx context.Context, method, path string, body json.RawMessage) error
}

// ResourceFetcher reads a JSON document from the backend.
type ResourceFetcher interface {
	Fetch(ctx context.Context, path string) (json.RawMessage, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// SyncCoordinator is the surface the local API needs from the coordinator.
type SyncCoordinator interface {
	Enqueue(kind models.ActionKind, payload json.RawMessage) models.QueuedAction
	QueueStatus() models.QueueStatus
	IsOnline() bool
	Drain(ctx context.Context)
	Clear(ctx context.Context)
}

// ConnectivitySignaler forwards host online/offline signals.
type ConnectivitySignaler interface {
	SetOnline(online bool)
}
