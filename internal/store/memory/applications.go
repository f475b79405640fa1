package memory

import (
	"context"

	"github.com/google/uuid"

	"kfalifecycle/internal/application"
	"kfalifecycle/internal/sentinel"
)

func (s *Store) InsertApplication(ctx context.Context, a *application.Application) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.applications[a.ID]; ok {
			return sentinel.New(sentinel.ErrConflict, "application %s already exists", a.ID)
		}
		a.Version = 1
		d.applications[a.ID] = *a
		return nil
	})
}

func (s *Store) GetApplication(ctx context.Context, id uuid.UUID) (*application.Application, error) {
	var out application.Application
	err := s.view(ctx, func(d *data) error {
		a, ok := d.applications[id]
		if !ok {
			return notFound("application", id)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LockApplication is GetApplication; the transaction already holds the
// store lock.
func (s *Store) LockApplication(ctx context.Context, id uuid.UUID) (*application.Application, error) {
	return s.GetApplication(ctx, id)
}

func (s *Store) SaveApplication(ctx context.Context, a *application.Application) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.applications[a.ID]; !ok {
			return notFound("application", a.ID)
		}
		a.Version++
		d.applications[a.ID] = *a
		return nil
	})
}

func (s *Store) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.applications[id]; !ok {
			return notFound("application", id)
		}
		delete(d.applications, id)
		return nil
	})
}
