package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"goldrock/internal/models"
)

const metaSchemaVersion = "schema_version"

// QueueStore persists the offline queue as ordered rows in sqlite.
type QueueStore struct {
	db *DB
}

func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

// Save replaces the stored queue with actions, in order, inside one transaction.
func (s *QueueStore) Save(ctx context.Context, actions []models.QueuedAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO offline_queue (position, id, kind, payload, enqueued_at, retry_count)
              VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare queue insert: %w", err)
	}
	defer stmt.Close()

	for i, a := range actions {
		payload := string(a.Payload)
		if payload == "" {
			payload = "null"
		}
		if _, err := stmt.ExecContext(ctx, i, a.ID, string(a.Kind), payload, a.EnqueuedAt, a.RetryCount); err != nil {
			return fmt.Errorf("insert queued action %s: %w", a.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_meta (key, value) VALUES (?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaSchemaVersion, strconv.Itoa(models.QueueSchemaVersion),
	); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue save: %w", err)
	}
	return nil
}

// Load returns the stored queue in FIFO order.
func (s *QueueStore) Load(ctx context.Context) ([]models.QueuedAction, error) {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	if version > models.QueueSchemaVersion {
		return nil, fmt.Errorf("%w: %d", models.ErrUnsupportedSchema, version)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, payload, enqueued_at, retry_count FROM offline_queue ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	defer rows.Close()

	var actions []models.QueuedAction
	for rows.Next() {
		var (
			a       models.QueuedAction
			kind    string
			payload string
		)
		if err := rows.Scan(&a.ID, &kind, &payload, &a.EnqueuedAt, &a.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan queued action: %w", err)
		}
		a.Kind = models.ActionKind(kind)
		a.Payload = json.RawMessage(payload)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return actions, nil
}

// Count returns the number of persisted actions.
func (s *QueueStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

func (s *QueueStore) schemaVersion(ctx context.Context) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM queue_meta WHERE key = ?`, metaSchemaVersion).Scan(&raw)
	if err != nil {
		// nothing saved yet
		if isNoRows(err) {
			return models.QueueSchemaVersion, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return v, nil
}
