// Package postgres is the production store. Every workflow transaction runs
// in one *sql.Tx carried on the context; Lock* methods take row locks with
// SELECT ... FOR UPDATE and the transition journal is appended to the same
// transaction through pkg/eventstore.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"kfalifecycle/internal/application"
	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/enrollment"
	"kfalifecycle/internal/registration"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
	"kfalifecycle/pkg/eventstore"
)

// DefaultTxTimeout bounds a transaction whose context has no deadline.
const DefaultTxTimeout = 5 * time.Second

// Store implements the Store interface of every workflow package.
type Store struct {
	db        *sql.DB
	journal   *eventstore.EventStore
	txTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTxTimeout overrides DefaultTxTimeout.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) { s.txTimeout = d }
}

// New wraps an open database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		journal:   eventstore.New(db),
		txTimeout: DefaultTxTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen int, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, opts...), nil
}

// DB exposes the pool for health checks and tooling.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type txKey struct{}

func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// RunInTx runs fn in a transaction. A nested call joins the outer one. The
// transaction commits only when fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok && s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err, "commit transaction")
	}
	return nil
}

// conn returns the transaction in ctx, or the pool.
func (s *Store) conn(ctx context.Context) eventstore.Querier {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return s.db
}

// mapError folds driver errors into the sentinel taxonomy.
func mapError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.Wrap(sentinel.ErrNotFound, err, "%s", msg)
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	switch pqErr.Code {
	case "23505":
		switch pqErr.Constraint {
		case "event_registrations_event_user_key", "program_enrollments_program_user_key":
			return sentinel.Wrap(sentinel.ErrDuplicateRegistration, err, "%s", msg)
		}
		return sentinel.Wrap(sentinel.ErrConflict, err, "%s: %s already taken", msg, pqErr.Constraint)
	case "23503":
		return sentinel.Wrap(sentinel.ErrNotFound, err, "%s: referenced row does not exist", msg)
	case "23514", "22P02", "22003":
		return sentinel.Wrap(sentinel.ErrInvalidInput, err, "%s: %s", msg, pqErr.Message)
	case "40001", "40P01":
		return sentinel.Wrap(sentinel.ErrConflict, err, "%s: concurrent update, retry", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// checkAffected turns a zero-row UPDATE into the given error.
func checkAffected(res sql.Result, notMatched error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notMatched
	}
	return nil
}

func notFound(kind string, id uuid.UUID) error {
	return sentinel.New(sentinel.ErrNotFound, "%s %s not found", kind, id)
}

func staleWrite(kind string, id uuid.UUID, version int) error {
	return sentinel.New(sentinel.ErrConflict, "%s %s changed since version %d", kind, id, version)
}

// nullString stores "" as NULL so unique indexes ignore unset values.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// lastSequence returns the highest n of the "<prefix>-<n>" certificate
// numbers in table. table is always one of our own table names.
func (s *Store) lastSequence(ctx context.Context, table, prefix string) (int, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(SUBSTRING(certificate_number FROM $2) AS INTEGER)), 0)
		FROM `+table+`
		WHERE certificate_number ~ $1
	`, "^"+regexp.QuoteMeta(prefix)+"-[0-9]{1,9}$", len(prefix)+2).Scan(&n)
	if err != nil {
		return 0, mapError(err, "last certificate number %s", prefix)
	}
	return n, nil
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

type journalEntry struct {
	Transition string             `json:"transition"`
	From       statemachine.State `json:"from"`
	To         statemachine.State `json:"to"`
}

// RecordTransition appends rec to the entity's journal stream inside the
// current transaction.
func (s *Store) RecordTransition(ctx context.Context, rec statemachine.Record) error {
	data, err := json.Marshal(journalEntry{Transition: rec.Transition, From: rec.From, To: rec.To})
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	ev := eventstore.Event{
		EventType: rec.Transition,
		EventData: data,
		Metadata:  map[string]any{"actor_id": rec.ActorID.String()},
		CreatedAt: rec.At,
	}
	err = s.RunInTx(ctx, func(ctx context.Context) error {
		return s.journal.AppendInTx(ctx, s.conn(ctx), rec.EntityID, rec.EntityType, []eventstore.Event{ev})
	})
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return sentinel.Wrap(sentinel.ErrConflict, err, "journal of %s %s", rec.EntityType, rec.EntityID)
	}
	return err
}

// History returns the journal of one entity in application order.
func (s *Store) History(ctx context.Context, entityType string, id uuid.UUID) ([]statemachine.Record, error) {
	events, err := s.journal.LoadEventsWith(ctx, s.conn(ctx), id, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]statemachine.Record, 0, len(events))
	for _, ev := range events {
		if ev.AggregateType != entityType {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(ev.EventData, &entry); err != nil {
			return nil, fmt.Errorf("decode journal entry %d: %w", ev.ID, err)
		}
		rec := statemachine.Record{
			EntityType: ev.AggregateType,
			EntityID:   ev.AggregateID,
			Transition: entry.Transition,
			From:       entry.From,
			To:         entry.To,
			At:         ev.CreatedAt,
		}
		if raw, ok := ev.Metadata["actor_id"].(string); ok {
			rec.ActorID, _ = uuid.Parse(raw)
		}
		out = append(out, rec)
	}
	return out, nil
}

var (
	_ application.Store   = (*Store)(nil)
	_ registration.Store  = (*Store)(nil)
	_ enrollment.Store    = (*Store)(nil)
	_ cpe.Store           = (*Store)(nil)
	_ certification.Store = (*Store)(nil)
)
