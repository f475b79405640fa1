package memory

import (
	"context"

	"github.com/google/uuid"

	"kfalifecycle/internal/enrollment"
	"kfalifecycle/internal/sentinel"
)

func (s *Store) InsertProgram(ctx context.Context, p *enrollment.Program) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.programs[p.ID]; ok {
			return sentinel.New(sentinel.ErrConflict, "program %s already exists", p.ID)
		}
		d.programs[p.ID] = *p
		return nil
	})
}

func (s *Store) GetProgram(ctx context.Context, id uuid.UUID) (*enrollment.Program, error) {
	var out enrollment.Program
	err := s.view(ctx, func(d *data) error {
		p, ok := d.programs[id]
		if !ok {
			return notFound("program", id)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) LockProgram(ctx context.Context, id uuid.UUID) (*enrollment.Program, error) {
	return s.GetProgram(ctx, id)
}

func (s *Store) ReserveProgramSeat(ctx context.Context, programID uuid.UUID) (bool, error) {
	reserved := false
	err := s.update(ctx, func(d *data) error {
		p, ok := d.programs[programID]
		if !ok {
			return notFound("program", programID)
		}
		if !p.HasCapacity() {
			return nil
		}
		p.EnrolledCount++
		d.programs[programID] = p
		reserved = true
		return nil
	})
	return reserved, err
}

func (s *Store) ReleaseProgramSeat(ctx context.Context, programID uuid.UUID) error {
	return s.update(ctx, func(d *data) error {
		p, ok := d.programs[programID]
		if !ok {
			return notFound("program", programID)
		}
		if p.EnrolledCount > 0 {
			p.EnrolledCount--
		}
		d.programs[programID] = p
		return nil
	})
}

func (s *Store) InsertEnrollment(ctx context.Context, e *enrollment.Enrollment) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.programs[e.ProgramID]; !ok {
			return notFound("program", e.ProgramID)
		}
		for _, other := range d.enrollments {
			if other.ProgramID == e.ProgramID && other.UserID == e.UserID {
				return sentinel.New(sentinel.ErrDuplicateRegistration, "user %s is already enrolled in program %s", e.UserID, e.ProgramID)
			}
		}
		e.Version = 1
		d.enrollments[e.ID] = *e
		return nil
	})
}

func (s *Store) GetEnrollment(ctx context.Context, id uuid.UUID) (*enrollment.Enrollment, error) {
	var out enrollment.Enrollment
	err := s.view(ctx, func(d *data) error {
		e, ok := d.enrollments[id]
		if !ok {
			return notFound("enrollment", id)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) LockEnrollment(ctx context.Context, id uuid.UUID) (*enrollment.Enrollment, error) {
	return s.GetEnrollment(ctx, id)
}

// SaveEnrollment enforces unique certificate numbers.
func (s *Store) SaveEnrollment(ctx context.Context, e *enrollment.Enrollment) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.enrollments[e.ID]; !ok {
			return notFound("enrollment", e.ID)
		}
		if e.CertificateNumber != "" {
			for id, other := range d.enrollments {
				if id != e.ID && other.CertificateNumber == e.CertificateNumber {
					return sentinel.New(sentinel.ErrConflict, "certificate number %s is taken", e.CertificateNumber)
				}
			}
		}
		e.Version++
		d.enrollments[e.ID] = *e
		return nil
	})
}

// LastProgramCertificate returns the highest sequence issued under prefix.
func (s *Store) LastProgramCertificate(ctx context.Context, prefix string) (int, error) {
	last := 0
	err := s.view(ctx, func(d *data) error {
		for _, e := range d.enrollments {
			last = max(last, sequenceOf(e.CertificateNumber, prefix))
		}
		return nil
	})
	return last, err
}
