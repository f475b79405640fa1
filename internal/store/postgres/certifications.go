package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

func (s *Store) InsertCertificationProgram(ctx context.Context, p *certification.Program) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO certification_programs (
			id, code, name, type, cpe_hours_required, validity_months, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Code, p.Name, p.Type, p.CPEHoursRequired, p.ValidityMonths, p.IsActive, p.CreatedAt, p.UpdatedAt)
	return mapError(err, "insert certification program %s", p.Code)
}

func (s *Store) GetCertificationProgram(ctx context.Context, id uuid.UUID) (*certification.Program, error) {
	var p certification.Program
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, code, name, type, cpe_hours_required, validity_months, is_active, created_at, updated_at
		FROM certification_programs WHERE id = $1
	`, id).Scan(&p.ID, &p.Code, &p.Name, &p.Type, &p.CPEHoursRequired, &p.ValidityMonths, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "certification program %s", id)
	}
	return &p, nil
}

const certificationColumns = `
	id, user_id, certification_program_id, certificate_number, status, application_date,
	exam_date, exam_score, issued_date, expiry_date, certificate_url, qr_code_url,
	reviewed_by, reviewed_at, revocation_reason, version, created_at, updated_at`

func scanCertification(row interface{ Scan(...any) error }) (*certification.Certification, error) {
	var (
		c      certification.Certification
		number sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.ProgramID, &number, &c.Status, &c.ApplicationDate,
		&c.ExamDate, &c.ExamScore, &c.IssuedDate, &c.ExpiryDate, &c.CertificateURL, &c.QRCodeURL,
		&c.ReviewedBy, &c.ReviewedAt, &c.RevocationReason, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.CertificateNumber = number.String
	return &c, nil
}

// datePtrArg binds an optional calendar date.
func datePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dateArg(*t)
}

func (s *Store) InsertCertification(ctx context.Context, c *certification.Certification) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO certifications (
			id, user_id, certification_program_id, status, application_date, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
	`, c.ID, c.UserID, c.ProgramID, c.Status, dateArg(c.ApplicationDate), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return mapError(err, "insert certification %s", c.ID)
	}
	c.Version = 1
	return nil
}

func (s *Store) GetCertification(ctx context.Context, id uuid.UUID) (*certification.Certification, error) {
	c, err := scanCertification(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+certificationColumns+` FROM certifications WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "certification %s", id)
	}
	return c, nil
}

func (s *Store) LockCertification(ctx context.Context, id uuid.UUID) (*certification.Certification, error) {
	c, err := scanCertification(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+certificationColumns+` FROM certifications WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "lock certification %s", id)
	}
	return c, nil
}

// CertificationHolder share-locks the certification so it cannot be revoked
// while a credit referencing it commits.
func (s *Store) CertificationHolder(ctx context.Context, id uuid.UUID) (uuid.UUID, bool, error) {
	var (
		userID uuid.UUID
		status statemachine.State
	)
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT user_id, status FROM certifications WHERE id = $1 FOR SHARE`, id).Scan(&userID, &status)
	if err != nil {
		return uuid.Nil, false, mapError(err, "certification %s", id)
	}
	return userID, status == certification.StatusPassed || status == certification.StatusExpired, nil
}

// SaveCertification maps a taken certificate number to ErrConflict through
// certifications_certificate_number_key; Issue retries on it.
func (s *Store) SaveCertification(ctx context.Context, c *certification.Certification) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE certifications SET
			certificate_number = $2, status = $3, exam_date = $4, exam_score = $5, issued_date = $6,
			expiry_date = $7, certificate_url = $8, qr_code_url = $9, reviewed_by = $10, reviewed_at = $11,
			revocation_reason = $12, version = version + 1
		WHERE id = $1 AND version = $13
	`, c.ID, nullString(c.CertificateNumber), c.Status, datePtrArg(c.ExamDate), c.ExamScore, datePtrArg(c.IssuedDate),
		datePtrArg(c.ExpiryDate), c.CertificateURL, c.QRCodeURL, c.ReviewedBy, c.ReviewedAt,
		c.RevocationReason, c.Version)
	if err != nil {
		return mapError(err, "save certification %s", c.ID)
	}
	if err := checkAffected(res, staleWrite("certification", c.ID, c.Version)); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (s *Store) CountCertificateNumbers(ctx context.Context, prefix string) (int, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM certifications WHERE certificate_number LIKE $1
	`, prefix+"-%").Scan(&n)
	if err != nil {
		return 0, mapError(err, "count certificate numbers %s", prefix)
	}
	return n, nil
}

// ListExpiredCertifications returns passed certifications whose expiry date
// (midnight UTC) lies before now, oldest first.
func (s *Store) ListExpiredCertifications(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id FROM certifications
		WHERE status = 'passed'
		AND (expiry_date::timestamp AT TIME ZONE 'UTC') < $1
		ORDER BY expiry_date ASC, id ASC
	`, now.UTC())
	if err != nil {
		return nil, mapError(err, "list expired certifications")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan certification id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) LatestHeldCertification(ctx context.Context, userID, programID uuid.UUID) (*certification.Certification, error) {
	c, err := scanCertification(s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+certificationColumns+` FROM certifications
		WHERE user_id = $1 AND certification_program_id = $2 AND status IN ('passed', 'expired')
		ORDER BY issued_date DESC NULLS LAST, created_at DESC
		LIMIT 1
	`, userID, programID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.New(sentinel.ErrNotFound, "user %s holds no certification in program %s", userID, programID)
		}
		return nil, mapError(err, "latest certification of %s", userID)
	}
	return c, nil
}
