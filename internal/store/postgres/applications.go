package postgres

import (
	"context"

	"github.com/google/uuid"

	"kfalifecycle/internal/application"
)

const applicationColumns = `
	id, user_id, membership_type, full_name, email, phone, organization, position,
	experience_years, education, motivation, status, reviewed_by, reviewed_at,
	review_notes, rejection_reason, version, created_at, updated_at`

func scanApplication(row interface{ Scan(...any) error }) (*application.Application, error) {
	var a application.Application
	err := row.Scan(
		&a.ID, &a.UserID, &a.MembershipType, &a.FullName, &a.Email, &a.Phone, &a.Organization, &a.Position,
		&a.ExperienceYears, &a.Education, &a.Motivation, &a.Status, &a.ReviewedBy, &a.ReviewedAt,
		&a.ReviewNotes, &a.RejectionReason, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) InsertApplication(ctx context.Context, a *application.Application) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO membership_applications (
			id, user_id, membership_type, full_name, email, phone, organization, position,
			experience_years, education, motivation, status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)
	`, a.ID, a.UserID, a.MembershipType, a.FullName, a.Email, a.Phone, a.Organization, a.Position,
		a.ExperienceYears, a.Education, a.Motivation, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return mapError(err, "insert application %s", a.ID)
	}
	a.Version = 1
	return nil
}

func (s *Store) GetApplication(ctx context.Context, id uuid.UUID) (*application.Application, error) {
	a, err := scanApplication(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM membership_applications WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "application %s", id)
	}
	return a, nil
}

func (s *Store) LockApplication(ctx context.Context, id uuid.UUID) (*application.Application, error) {
	a, err := scanApplication(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM membership_applications WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "lock application %s", id)
	}
	return a, nil
}

func (s *Store) SaveApplication(ctx context.Context, a *application.Application) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE membership_applications SET
			user_id = $2, full_name = $3, email = $4, phone = $5, organization = $6, position = $7,
			experience_years = $8, education = $9, motivation = $10, status = $11,
			reviewed_by = $12, reviewed_at = $13, review_notes = $14, rejection_reason = $15,
			version = version + 1
		WHERE id = $1 AND version = $16
	`, a.ID, a.UserID, a.FullName, a.Email, a.Phone, a.Organization, a.Position,
		a.ExperienceYears, a.Education, a.Motivation, a.Status,
		a.ReviewedBy, a.ReviewedAt, a.ReviewNotes, a.RejectionReason, a.Version)
	if err != nil {
		return mapError(err, "save application %s", a.ID)
	}
	if err := checkAffected(res, staleWrite("application", a.ID, a.Version)); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (s *Store) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM membership_applications WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "delete application %s", id)
	}
	return checkAffected(res, notFound("application", id))
}
