package memory

import (
	"context"

	"github.com/google/uuid"

	"kfalifecycle/internal/registration"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

func (s *Store) InsertEvent(ctx context.Context, e *registration.Event) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.events[e.ID]; ok {
			return sentinel.New(sentinel.ErrConflict, "event %s already exists", e.ID)
		}
		d.events[e.ID] = *e
		return nil
	})
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*registration.Event, error) {
	var out registration.Event
	err := s.view(ctx, func(d *data) error {
		e, ok := d.events[id]
		if !ok {
			return notFound("event", id)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) LockEvent(ctx context.Context, id uuid.UUID) (*registration.Event, error) {
	return s.GetEvent(ctx, id)
}

// ReserveSeat increments registered_count unless the event is full.
func (s *Store) ReserveSeat(ctx context.Context, eventID uuid.UUID) (bool, error) {
	reserved := false
	err := s.update(ctx, func(d *data) error {
		e, ok := d.events[eventID]
		if !ok {
			return notFound("event", eventID)
		}
		if !e.HasCapacity() {
			return nil
		}
		e.RegisteredCount++
		d.events[eventID] = e
		reserved = true
		return nil
	})
	return reserved, err
}

func (s *Store) ReleaseSeat(ctx context.Context, eventID uuid.UUID) error {
	return s.update(ctx, func(d *data) error {
		e, ok := d.events[eventID]
		if !ok {
			return notFound("event", eventID)
		}
		if e.RegisteredCount > 0 {
			e.RegisteredCount--
		}
		d.events[eventID] = e
		return nil
	})
}

func (s *Store) InsertRegistration(ctx context.Context, r *registration.Registration) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.events[r.EventID]; !ok {
			return notFound("event", r.EventID)
		}
		for _, other := range d.registrations {
			if other.EventID == r.EventID && other.UserID == r.UserID {
				return sentinel.New(sentinel.ErrDuplicateRegistration, "user %s is already registered for event %s", r.UserID, r.EventID)
			}
		}
		r.Version = 1
		d.registrations[r.ID] = *r
		return nil
	})
}

func (s *Store) GetRegistration(ctx context.Context, id uuid.UUID) (*registration.Registration, error) {
	var out registration.Registration
	err := s.view(ctx, func(d *data) error {
		r, ok := d.registrations[id]
		if !ok {
			return notFound("registration", id)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) LockRegistration(ctx context.Context, id uuid.UUID) (*registration.Registration, error) {
	return s.GetRegistration(ctx, id)
}

// SaveRegistration enforces unique certificate numbers.
func (s *Store) SaveRegistration(ctx context.Context, r *registration.Registration) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.registrations[r.ID]; !ok {
			return notFound("registration", r.ID)
		}
		if r.CertificateNumber != "" {
			for id, other := range d.registrations {
				if id != r.ID && other.CertificateNumber == r.CertificateNumber {
					return sentinel.New(sentinel.ErrConflict, "certificate number %s is taken", r.CertificateNumber)
				}
			}
		}
		r.Version++
		d.registrations[r.ID] = *r
		return nil
	})
}

// LastEventCertificate returns the highest sequence issued under prefix.
func (s *Store) LastEventCertificate(ctx context.Context, prefix string) (int, error) {
	last := 0
	err := s.view(ctx, func(d *data) error {
		for _, r := range d.registrations {
			last = max(last, sequenceOf(r.CertificateNumber, prefix))
		}
		return nil
	})
	return last, err
}

// CountRegistrations reports how many registrations of the event are in one
// of the given statuses.
func (s *Store) CountRegistrations(ctx context.Context, eventID uuid.UUID, statuses ...statemachine.State) (int, error) {
	n := 0
	err := s.view(ctx, func(d *data) error {
		for _, r := range d.registrations {
			if r.EventID != eventID {
				continue
			}
			for _, st := range statuses {
				if r.Status == st {
					n++
					break
				}
			}
		}
		return nil
	})
	return n, err
}
