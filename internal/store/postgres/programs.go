package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"kfalifecycle/internal/enrollment"
)

const programColumns = `
	id, title, category, cpe_hours, has_exam, passing_score, issues_certificate,
	max_students, enrolled_count, enrollment_deadline, created_at, updated_at`

func scanProgram(row interface{ Scan(...any) error }) (*enrollment.Program, error) {
	var p enrollment.Program
	err := row.Scan(
		&p.ID, &p.Title, &p.Category, &p.CPEHours, &p.HasExam, &p.PassingScore, &p.IssuesCertificate,
		&p.MaxStudents, &p.EnrolledCount, &p.EnrollmentDeadline, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) InsertProgram(ctx context.Context, p *enrollment.Program) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO programs (
			id, title, category, cpe_hours, has_exam, passing_score, issues_certificate,
			max_students, enrolled_count, enrollment_deadline, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.Title, p.Category, p.CPEHours, p.HasExam, p.PassingScore, p.IssuesCertificate,
		p.MaxStudents, p.EnrolledCount, p.EnrollmentDeadline, p.CreatedAt, p.UpdatedAt)
	return mapError(err, "insert program %s", p.ID)
}

func (s *Store) GetProgram(ctx context.Context, id uuid.UUID) (*enrollment.Program, error) {
	p, err := scanProgram(s.conn(ctx).QueryRowContext(ctx, `SELECT `+programColumns+` FROM programs WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "program %s", id)
	}
	return p, nil
}

func (s *Store) LockProgram(ctx context.Context, id uuid.UUID) (*enrollment.Program, error) {
	p, err := scanProgram(s.conn(ctx).QueryRowContext(ctx, `SELECT `+programColumns+` FROM programs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "lock program %s", id)
	}
	return p, nil
}

func (s *Store) ReserveProgramSeat(ctx context.Context, programID uuid.UUID) (bool, error) {
	return s.reserve(ctx, `
		UPDATE programs SET enrolled_count = enrolled_count + 1
		WHERE id = $1 AND (max_students IS NULL OR enrolled_count < max_students)
	`, `SELECT 1 FROM programs WHERE id = $1`, "program", programID)
}

func (s *Store) ReleaseProgramSeat(ctx context.Context, programID uuid.UUID) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE programs SET enrolled_count = GREATEST(enrolled_count - 1, 0) WHERE id = $1
	`, programID)
	if err != nil {
		return mapError(err, "release seat of program %s", programID)
	}
	return checkAffected(res, notFound("program", programID))
}

const enrollmentColumns = `
	id, program_id, user_id, status, progress, exam_score, passed, cpe_hours_earned,
	certificate_issued, certificate_issued_at, certificate_number, certificate_url, amount_paid,
	enrolled_at, approved_at, started_at, completed_at, notes, version, created_at, updated_at`

func scanEnrollment(row interface{ Scan(...any) error }) (*enrollment.Enrollment, error) {
	var (
		e      enrollment.Enrollment
		number sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.ProgramID, &e.UserID, &e.Status, &e.Progress, &e.ExamScore, &e.Passed, &e.CPEHoursEarned,
		&e.CertificateIssued, &e.CertificateIssuedAt, &number, &e.CertificateURL, &e.AmountPaid,
		&e.EnrolledAt, &e.ApprovedAt, &e.StartedAt, &e.CompletedAt, &e.Notes, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.CertificateNumber = number.String
	return &e, nil
}

func (s *Store) InsertEnrollment(ctx context.Context, e *enrollment.Enrollment) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO program_enrollments (
			id, program_id, user_id, status, progress, amount_paid, enrolled_at, notes, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)
	`, e.ID, e.ProgramID, e.UserID, e.Status, e.Progress, e.AmountPaid, e.EnrolledAt, e.Notes, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return mapError(err, "insert enrollment %s", e.ID)
	}
	e.Version = 1
	return nil
}

func (s *Store) GetEnrollment(ctx context.Context, id uuid.UUID) (*enrollment.Enrollment, error) {
	e, err := scanEnrollment(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM program_enrollments WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "enrollment %s", id)
	}
	return e, nil
}

func (s *Store) LockEnrollment(ctx context.Context, id uuid.UUID) (*enrollment.Enrollment, error) {
	e, err := scanEnrollment(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM program_enrollments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "lock enrollment %s", id)
	}
	return e, nil
}

func (s *Store) SaveEnrollment(ctx context.Context, e *enrollment.Enrollment) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE program_enrollments SET
			status = $2, progress = $3, exam_score = $4, passed = $5, cpe_hours_earned = $6,
			certificate_issued = $7, certificate_issued_at = $8, certificate_number = $9, certificate_url = $10,
			amount_paid = $11, approved_at = $12, started_at = $13, completed_at = $14, notes = $15,
			version = version + 1
		WHERE id = $1 AND version = $16
	`, e.ID, e.Status, e.Progress, e.ExamScore, e.Passed, e.CPEHoursEarned,
		e.CertificateIssued, e.CertificateIssuedAt, nullString(e.CertificateNumber), e.CertificateURL,
		e.AmountPaid, e.ApprovedAt, e.StartedAt, e.CompletedAt, e.Notes, e.Version)
	if err != nil {
		return mapError(err, "save enrollment %s", e.ID)
	}
	if err := checkAffected(res, staleWrite("enrollment", e.ID, e.Version)); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (s *Store) LastProgramCertificate(ctx context.Context, prefix string) (int, error) {
	return s.lastSequence(ctx, "program_enrollments", prefix)
}
