// Package eventstore is an append-only journal of entity events on Postgres.
// Each aggregate has a gapless version sequence; appends join the caller's
// transaction so an event is committed exactly when the state change it
// describes is.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   UUID        NOT NULL,
	aggregate_type TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	event_data     JSONB       NOT NULL,
	metadata       JSONB       NOT NULL DEFAULT '{}'::jsonb,
	version        INTEGER     NOT NULL CHECK (version > 0),
	created_at     TIMESTAMPTZ NOT NULL,
	CONSTRAINT lifecycle_events_aggregate_version_key UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS lifecycle_events_type_idx ON lifecycle_events (aggregate_type, aggregate_id);
`

// Event is one journal entry.
type Event struct {
	ID            int64           `json:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Metadata      map[string]any  `json:"metadata"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EventStore reads and appends journal entries.
type EventStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

func New(db *sql.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("kfalifecycle/eventstore"),
	}
}

// Append appends events in their own transaction.
func (es *EventStore) Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, events []Event) error {
	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := es.AppendInTx(ctx, tx, aggregateID, aggregateType, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AppendInTx appends events after the aggregate's current version within
// q's transaction. Callers serialize writers of one aggregate (row lock on
// the aggregate); a lost race still surfaces as ErrConcurrencyConflict
// through the version constraint.
func (es *EventStore) AppendInTx(ctx context.Context, q Querier, aggregateID uuid.UUID, aggregateType string, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	var current int
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM lifecycle_events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&current)
	if err != nil {
		return fmt.Errorf("query current version: %w", err)
	}

	for i, event := range events {
		version := current + i + 1
		if event.Metadata == nil {
			event.Metadata = map[string]any{}
		}
		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		createdAt := event.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		var id int64
		err = q.QueryRowContext(ctx, `
			INSERT INTO lifecycle_events (aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, aggregateID, aggregateType, event.EventType, []byte(event.EventData), metadata, version, createdAt.UTC()).Scan(&id)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				span.SetAttributes(attribute.Bool("conflict.detected", true))
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", id),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}
	return nil
}

// LoadEvents returns an aggregate's events with version in [from, to]; to <= 0
// means no upper bound.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	return es.LoadEventsWith(ctx, es.db, aggregateID, fromVersion, toVersion)
}

// LoadEventsWith is LoadEvents on q, usually an open transaction.
func (es *EventStore) LoadEventsWith(ctx context.Context, q Querier, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	if fromVersion < 0 {
		return nil, ErrInvalidVersion
	}

	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at
		FROM lifecycle_events
		WHERE aggregate_id = $1
		AND version >= $2
	`
	args := []any{aggregateID, fromVersion}
	if toVersion > 0 {
		query += " AND version <= $3"
		args = append(args, toVersion)
	}
	query += " ORDER BY version ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			event    Event
			data     []byte
			metadata []byte
		)
		err := rows.Scan(
			&event.ID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&data,
			&metadata,
			&event.Version,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.EventData = json.RawMessage(data)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
