package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/sentinel"
)

// sourceHolder returns the member owning the entity src references.
func (d *data) sourceHolder(src cpe.Source) (uuid.UUID, bool) {
	switch src.Kind {
	case cpe.SourceEventRegistration:
		r, ok := d.registrations[src.ID]
		return r.UserID, ok
	case cpe.SourceProgramEnrollment:
		e, ok := d.enrollments[src.ID]
		return e.UserID, ok
	case cpe.SourceCertification:
		c, ok := d.certifications[src.ID]
		return c.UserID, ok
	}
	return uuid.Nil, false
}

// InsertActivity enforces one ledger line per sourced entity, and that the
// entity exists and belongs to the credited member.
func (s *Store) InsertActivity(ctx context.Context, a *cpe.Activity) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.activities[a.ID]; ok {
			return sentinel.New(sentinel.ErrConflict, "activity %s already exists", a.ID)
		}
		if a.Source.Kind != cpe.SourceSelfStudy {
			holder, ok := d.sourceHolder(a.Source)
			if !ok {
				return sentinel.New(sentinel.ErrNotFound, "%s %s does not exist", a.Source.Kind, a.Source.ID)
			}
			if holder != a.UserID {
				return sentinel.New(sentinel.ErrInvalidInput, "%s %s belongs to another member", a.Source.Kind, a.Source.ID)
			}
			for _, other := range d.activities {
				if other.Source == a.Source {
					return sentinel.New(sentinel.ErrConflict, "%s %s already credited hours", a.Source.Kind, a.Source.ID)
				}
			}
		}
		a.Version = 1
		d.activities[a.ID] = *a
		return nil
	})
}

func (s *Store) GetActivity(ctx context.Context, id uuid.UUID) (*cpe.Activity, error) {
	var out cpe.Activity
	err := s.view(ctx, func(d *data) error {
		a, ok := d.activities[id]
		if !ok {
			return notFound("activity", id)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) LockActivity(ctx context.Context, id uuid.UUID) (*cpe.Activity, error) {
	return s.GetActivity(ctx, id)
}

func (s *Store) SaveActivity(ctx context.Context, a *cpe.Activity) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.activities[a.ID]; !ok {
			return notFound("activity", a.ID)
		}
		a.Version++
		d.activities[a.ID] = *a
		return nil
	})
}

// ListActivities returns the user's lines, newest activity first.
func (s *Store) ListActivities(ctx context.Context, userID uuid.UUID, f cpe.Filter) ([]cpe.Activity, error) {
	var out []cpe.Activity
	err := s.view(ctx, func(d *data) error {
		for _, a := range d.activities {
			if a.UserID == userID && f.Matches(&a) {
				out = append(out, a)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b cpe.Activity) int {
		if c := b.ActivityDate.Compare(a.ActivityDate); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, err
}

func (s *Store) SumApprovedHours(ctx context.Context, userID uuid.UUID, start, end time.Time) (float64, error) {
	var total float64
	err := s.view(ctx, func(d *data) error {
		f := cpe.Filter{Status: cpe.StatusApproved, From: start, To: end}
		for _, a := range d.activities {
			if a.UserID == userID && f.Matches(&a) {
				total += a.Hours
			}
		}
		return nil
	})
	return total, err
}

func (s *Store) SumApprovedHoursByCategory(ctx context.Context, userID uuid.UUID, start, end time.Time) (map[cpe.Category]float64, error) {
	out := map[cpe.Category]float64{}
	err := s.view(ctx, func(d *data) error {
		f := cpe.Filter{Status: cpe.StatusApproved, From: start, To: end}
		for _, a := range d.activities {
			if a.UserID == userID && f.Matches(&a) {
				out[a.Category] += a.Hours
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) CertificationHolder(ctx context.Context, id uuid.UUID) (uuid.UUID, bool, error) {
	var (
		userID uuid.UUID
		held   bool
	)
	err := s.view(ctx, func(d *data) error {
		c, ok := d.certifications[id]
		if !ok {
			return notFound("certification", id)
		}
		userID = c.UserID
		held = c.Status == certification.StatusPassed || c.Status == certification.StatusExpired
		return nil
	})
	return userID, held, err
}

func (s *Store) InsertCertificationProgram(ctx context.Context, p *certification.Program) error {
	return s.update(ctx, func(d *data) error {
		for _, other := range d.certPrograms {
			if other.Code == p.Code {
				return sentinel.New(sentinel.ErrConflict, "certification program %s already exists", p.Code)
			}
		}
		d.certPrograms[p.ID] = *p
		return nil
	})
}

func (s *Store) GetCertificationProgram(ctx context.Context, id uuid.UUID) (*certification.Program, error) {
	var out certification.Program
	err := s.view(ctx, func(d *data) error {
		p, ok := d.certPrograms[id]
		if !ok {
			return notFound("certification program", id)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) InsertCertification(ctx context.Context, c *certification.Certification) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.certPrograms[c.ProgramID]; !ok {
			return notFound("certification program", c.ProgramID)
		}
		c.Version = 1
		d.certifications[c.ID] = *c
		return nil
	})
}

func (s *Store) GetCertification(ctx context.Context, id uuid.UUID) (*certification.Certification, error) {
	var out certification.Certification
	err := s.view(ctx, func(d *data) error {
		c, ok := d.certifications[id]
		if !ok {
			return notFound("certification", id)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) LockCertification(ctx context.Context, id uuid.UUID) (*certification.Certification, error) {
	return s.GetCertification(ctx, id)
}

// SaveCertification enforces unique certificate numbers.
func (s *Store) SaveCertification(ctx context.Context, c *certification.Certification) error {
	return s.update(ctx, func(d *data) error {
		if _, ok := d.certifications[c.ID]; !ok {
			return notFound("certification", c.ID)
		}
		if c.CertificateNumber != "" {
			for id, other := range d.certifications {
				if id != c.ID && other.CertificateNumber == c.CertificateNumber {
					return sentinel.New(sentinel.ErrConflict, "certificate number %s is taken", c.CertificateNumber)
				}
			}
		}
		c.Version++
		d.certifications[c.ID] = *c
		return nil
	})
}

func (s *Store) CountCertificateNumbers(ctx context.Context, prefix string) (int, error) {
	n := 0
	err := s.view(ctx, func(d *data) error {
		for _, c := range d.certifications {
			if strings.HasPrefix(c.CertificateNumber, prefix+"-") {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) ListExpiredCertifications(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var due []certification.Certification
	err := s.view(ctx, func(d *data) error {
		for _, c := range d.certifications {
			if c.Status == certification.StatusPassed && c.Expired(now) {
				due = append(due, c)
			}
		}
		return nil
	})
	slices.SortFunc(due, func(a, b certification.Certification) int {
		return a.ExpiryDate.Compare(*b.ExpiryDate)
	})
	ids := make([]uuid.UUID, 0, len(due))
	for _, c := range due {
		ids = append(ids, c.ID)
	}
	return ids, err
}

func (s *Store) LatestHeldCertification(ctx context.Context, userID, programID uuid.UUID) (*certification.Certification, error) {
	var held []certification.Certification
	err := s.view(ctx, func(d *data) error {
		for _, c := range d.certifications {
			if c.UserID != userID || c.ProgramID != programID {
				continue
			}
			if c.Status == certification.StatusPassed || c.Status == certification.StatusExpired {
				held = append(held, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, sentinel.New(sentinel.ErrNotFound, "user %s holds no certification in program %s", userID, programID)
	}
	latest := slices.MaxFunc(held, func(a, b certification.Certification) int {
		return cmp.Or(compareIssued(a.IssuedDate, b.IssuedDate), a.CreatedAt.Compare(b.CreatedAt))
	})
	return &latest, nil
}

func compareIssued(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}
