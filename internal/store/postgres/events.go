package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"kfalifecycle/internal/registration"
	"kfalifecycle/internal/statemachine"
)

const eventColumns = `
	id, title, category, starts_at, registration_deadline, max_participants,
	registered_count, cpe_hours, issues_certificate, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*registration.Event, error) {
	var e registration.Event
	err := row.Scan(
		&e.ID, &e.Title, &e.Category, &e.StartsAt, &e.RegistrationDeadline, &e.MaxParticipants,
		&e.RegisteredCount, &e.CPEHours, &e.IssuesCertificate, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) InsertEvent(ctx context.Context, e *registration.Event) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO events (
			id, title, category, starts_at, registration_deadline, max_participants,
			registered_count, cpe_hours, issues_certificate, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.Title, e.Category, e.StartsAt, e.RegistrationDeadline, e.MaxParticipants,
		e.RegisteredCount, e.CPEHours, e.IssuesCertificate, e.CreatedAt, e.UpdatedAt)
	return mapError(err, "insert event %s", e.ID)
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*registration.Event, error) {
	e, err := scanEvent(s.conn(ctx).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "event %s", id)
	}
	return e, nil
}

func (s *Store) LockEvent(ctx context.Context, id uuid.UUID) (*registration.Event, error) {
	e, err := scanEvent(s.conn(ctx).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "lock event %s", id)
	}
	return e, nil
}

// ReserveSeat takes a seat with a conditional increment, so concurrent
// approvals can never push registered_count past max_participants.
func (s *Store) ReserveSeat(ctx context.Context, eventID uuid.UUID) (bool, error) {
	return s.reserve(ctx, `
		UPDATE events SET registered_count = registered_count + 1
		WHERE id = $1 AND (max_participants IS NULL OR registered_count < max_participants)
	`, `SELECT 1 FROM events WHERE id = $1`, "event", eventID)
}

func (s *Store) ReleaseSeat(ctx context.Context, eventID uuid.UUID) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE events SET registered_count = GREATEST(registered_count - 1, 0) WHERE id = $1
	`, eventID)
	if err != nil {
		return mapError(err, "release seat of event %s", eventID)
	}
	return checkAffected(res, notFound("event", eventID))
}

// reserve runs a conditional increment. No row updated means either the
// parent is full or it does not exist; exists tells the two apart.
func (s *Store) reserve(ctx context.Context, update, exists, kind string, id uuid.UUID) (bool, error) {
	q := s.conn(ctx)
	res, err := q.ExecContext(ctx, update, id)
	if err != nil {
		return false, mapError(err, "reserve seat of %s %s", kind, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var one int
	if err := q.QueryRowContext(ctx, exists, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, notFound(kind, id)
		}
		return false, mapError(err, "%s %s", kind, id)
	}
	return false, nil
}

const registrationColumns = `
	id, event_id, user_id, status, amount_paid, registered_at, approved_at, attended_at,
	cancelled_at, notes, cpe_hours_earned, certificate_issued, certificate_issued_at,
	certificate_number, certificate_url, version, created_at, updated_at`

func scanRegistration(row interface{ Scan(...any) error }) (*registration.Registration, error) {
	var (
		r      registration.Registration
		number sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.EventID, &r.UserID, &r.Status, &r.AmountPaid, &r.RegisteredAt, &r.ApprovedAt, &r.AttendedAt,
		&r.CancelledAt, &r.Notes, &r.CPEHoursEarned, &r.CertificateIssued, &r.CertificateIssuedAt,
		&number, &r.CertificateURL, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.CertificateNumber = number.String
	return &r, nil
}

func (s *Store) InsertRegistration(ctx context.Context, r *registration.Registration) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO event_registrations (
			id, event_id, user_id, status, amount_paid, registered_at, notes, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
	`, r.ID, r.EventID, r.UserID, r.Status, r.AmountPaid, r.RegisteredAt, r.Notes, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return mapError(err, "insert registration %s", r.ID)
	}
	r.Version = 1
	return nil
}

func (s *Store) GetRegistration(ctx context.Context, id uuid.UUID) (*registration.Registration, error) {
	r, err := scanRegistration(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM event_registrations WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "registration %s", id)
	}
	return r, nil
}

func (s *Store) LockRegistration(ctx context.Context, id uuid.UUID) (*registration.Registration, error) {
	r, err := scanRegistration(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM event_registrations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "lock registration %s", id)
	}
	return r, nil
}

func (s *Store) SaveRegistration(ctx context.Context, r *registration.Registration) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE event_registrations SET
			status = $2, amount_paid = $3, approved_at = $4, attended_at = $5, cancelled_at = $6,
			notes = $7, cpe_hours_earned = $8, certificate_issued = $9, certificate_issued_at = $10,
			certificate_number = $11, certificate_url = $12, version = version + 1
		WHERE id = $1 AND version = $13
	`, r.ID, r.Status, r.AmountPaid, r.ApprovedAt, r.AttendedAt, r.CancelledAt,
		r.Notes, r.CPEHoursEarned, r.CertificateIssued, r.CertificateIssuedAt,
		nullString(r.CertificateNumber), r.CertificateURL, r.Version)
	if err != nil {
		return mapError(err, "save registration %s", r.ID)
	}
	if err := checkAffected(res, staleWrite("registration", r.ID, r.Version)); err != nil {
		return err
	}
	r.Version++
	return nil
}

// CountRegistrations reports how many registrations of the event are in one
// of the given statuses.
func (s *Store) CountRegistrations(ctx context.Context, eventID uuid.UUID, statuses ...statemachine.State) (int, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_registrations WHERE event_id = $1 AND status = ANY($2)
	`, eventID, pq.Array(names)).Scan(&n)
	if err != nil {
		return 0, mapError(err, "count registrations of event %s", eventID)
	}
	return n, nil
}

func (s *Store) LastEventCertificate(ctx context.Context, prefix string) (int, error) {
	return s.lastSequence(ctx, "event_registrations", prefix)
}
