package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendInTxContinuesVersionSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(2))
	mock.ExpectQuery(`INSERT INTO lifecycle_events`).
		WithArgs(id, "certification", "issue", sqlmock.AnyArg(), sqlmock.AnyArg(), 3, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(41))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	es := New(db)
	err = es.AppendInTx(context.Background(), tx, id, "certification", []Event{
		{EventType: "issue", EventData: json.RawMessage(`{"from":"passed","to":"passed"}`)},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendInTxReportsVersionRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO lifecycle_events`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "lifecycle_events_aggregate_version_key"})

	es := New(db)
	err = es.AppendInTx(context.Background(), db, id, "event_registration", []Event{
		{EventType: "approve", EventData: json.RawMessage(`{}`)},
	})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestLoadEventsDecodesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "aggregate_id", "aggregate_type", "event_type", "event_data", "metadata", "version", "created_at"}).
		AddRow(int64(1), id.String(), "cpe_activity", "approve", []byte(`{"from":"pending","to":"approved"}`), []byte(`{"actor_id":"x"}`), 1, at)
	mock.ExpectQuery(`FROM lifecycle_events`).WithArgs(id, 0).WillReturnRows(rows)

	events, err := New(db).LoadEvents(context.Background(), id, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].AggregateID)
	assert.Equal(t, "approve", events[0].EventType)
	assert.Equal(t, "x", events[0].Metadata["actor_id"])
	assert.JSONEq(t, `{"from":"pending","to":"approved"}`, string(events[0].EventData))
}

func TestLoadEventsRejectsNegativeVersion(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db).LoadEvents(context.Background(), uuid.New(), -1, 0)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

// setupTestDB connects to the Postgres named by the PG* variables and skips
// when none is reachable.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		get("PGHOST", "localhost"), get("PGPORT", "5432"), get("PGUSER", "kfa"),
		get("PGPASSWORD", "kfa"), get("PGDATABASE", "kfa_test"))

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db
}

func BenchmarkAppend(b *testing.B) {
	db := setupTestDB(b)
	defer db.Close()
	es := New(db)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		id := uuid.New()
		data, _ := json.Marshal(map[string]string{"to": fmt.Sprintf("state-%d", i)})
		b.StartTimer()

		if err := es.Append(context.Background(), id, "bench", []Event{{EventType: "step", EventData: data}}); err != nil {
			b.Fatalf("Append failed: %v", err)
		}
	}
}

func BenchmarkLoadEvents(b *testing.B) {
	db := setupTestDB(b)
	defer db.Close()
	es := New(db)

	id := uuid.New()
	for i := 0; i < 10; i++ {
		data, _ := json.Marshal(map[string]int{"step": i})
		if err := es.Append(context.Background(), id, "bench", []Event{{EventType: "step", EventData: data}}); err != nil {
			b.Fatalf("failed to set up events: %v", err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := es.LoadEvents(context.Background(), id, 0, 0); err != nil {
			b.Fatalf("LoadEvents failed: %v", err)
		}
	}
}
