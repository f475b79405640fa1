// Package memory is an in-process store for tests and local runs. A
// transaction works on a private copy of the data under the store mutex and
// replaces the committed copy only when fn succeeds, so the workflows see the
// same all-or-nothing behaviour as with Postgres.
package memory

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"kfalifecycle/internal/application"
	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/enrollment"
	"kfalifecycle/internal/registration"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

type data struct {
	applications   map[uuid.UUID]application.Application
	events         map[uuid.UUID]registration.Event
	registrations  map[uuid.UUID]registration.Registration
	programs       map[uuid.UUID]enrollment.Program
	enrollments    map[uuid.UUID]enrollment.Enrollment
	activities     map[uuid.UUID]cpe.Activity
	certPrograms   map[uuid.UUID]certification.Program
	certifications map[uuid.UUID]certification.Certification
	journal        []statemachine.Record
}

func newData() *data {
	return &data{
		applications:   make(map[uuid.UUID]application.Application),
		events:         make(map[uuid.UUID]registration.Event),
		registrations:  make(map[uuid.UUID]registration.Registration),
		programs:       make(map[uuid.UUID]enrollment.Program),
		enrollments:    make(map[uuid.UUID]enrollment.Enrollment),
		activities:     make(map[uuid.UUID]cpe.Activity),
		certPrograms:   make(map[uuid.UUID]certification.Program),
		certifications: make(map[uuid.UUID]certification.Certification),
	}
}

func (d *data) clone() *data {
	return &data{
		applications:   maps.Clone(d.applications),
		events:         maps.Clone(d.events),
		registrations:  maps.Clone(d.registrations),
		programs:       maps.Clone(d.programs),
		enrollments:    maps.Clone(d.enrollments),
		activities:     maps.Clone(d.activities),
		certPrograms:   maps.Clone(d.certPrograms),
		certifications: maps.Clone(d.certifications),
		journal:        slices.Clone(d.journal),
	}
}

// Store implements the Store interface of every workflow package.
type Store struct {
	mu   sync.Mutex
	data *data
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newData()}
}

type txKey struct{}

type tx struct {
	data *data
}

// RunInTx runs fn in a transaction. A nested call joins the outer one.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{data: s.data.clone()}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	s.data = t.data
	return nil
}

// view runs a read against the transaction in ctx, or the committed data.
func (s *Store) view(ctx context.Context, fn func(d *data) error) error {
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(t.data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// update runs a write in the transaction of ctx, opening one when needed.
func (s *Store) update(ctx context.Context, fn func(d *data) error) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		return fn(ctx.Value(txKey{}).(*tx).data)
	})
}

func notFound(kind string, id uuid.UUID) error {
	return sentinel.New(sentinel.ErrNotFound, "%s %s not found", kind, id)
}

// RecordTransition appends to the transition journal.
func (s *Store) RecordTransition(ctx context.Context, rec statemachine.Record) error {
	return s.update(ctx, func(d *data) error {
		d.journal = append(d.journal, rec)
		return nil
	})
}

// History returns the journal of one entity in application order.
func (s *Store) History(ctx context.Context, entityType string, id uuid.UUID) ([]statemachine.Record, error) {
	var out []statemachine.Record
	err := s.view(ctx, func(d *data) error {
		for _, rec := range d.journal {
			if rec.EntityType == entityType && rec.EntityID == id {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// sequenceOf parses the sequence of a "<prefix>-<n>" certificate number, 0
// when number was not issued under prefix.
func sequenceOf(number, prefix string) int {
	rest, ok := strings.CutPrefix(number, prefix+"-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

var (
	_ application.Store   = (*Store)(nil)
	_ registration.Store  = (*Store)(nil)
	_ enrollment.Store    = (*Store)(nil)
	_ cpe.Store           = (*Store)(nil)
	_ certification.Store = (*Store)(nil)
)
