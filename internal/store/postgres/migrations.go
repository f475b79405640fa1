package postgres

import (
	"context"
	"fmt"

	"kfalifecycle/pkg/eventstore"
)

// migrations are applied in order; each runs once and is recorded in
// schema_migrations.
var migrations = []struct {
	version int
	name    string
	sql     string
}{
	{1, "updated_at trigger", `
CREATE OR REPLACE FUNCTION set_updated_at() RETURNS TRIGGER AS $$
BEGIN
	NEW.updated_at = NOW();
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;
`},
	{2, "membership applications", `
CREATE TABLE IF NOT EXISTS membership_applications (
	id               UUID PRIMARY KEY,
	user_id          UUID NULL,
	membership_type  TEXT NOT NULL CHECK (membership_type IN ('individual', 'corporate')),
	full_name        TEXT NOT NULL,
	email            TEXT NOT NULL,
	phone            TEXT NOT NULL DEFAULT '',
	organization     TEXT NOT NULL DEFAULT '',
	position         TEXT NOT NULL DEFAULT '',
	experience_years INTEGER NOT NULL DEFAULT 0 CHECK (experience_years >= 0),
	education        TEXT NOT NULL DEFAULT '',
	motivation       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'reviewing', 'approved', 'rejected')),
	reviewed_by      UUID NULL,
	reviewed_at      TIMESTAMPTZ NULL,
	review_notes     TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS membership_applications_status_idx ON membership_applications (status);
DROP TRIGGER IF EXISTS membership_applications_updated_at ON membership_applications;
CREATE TRIGGER membership_applications_updated_at BEFORE UPDATE ON membership_applications
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();
`},
	{3, "events and registrations", `
CREATE TABLE IF NOT EXISTS events (
	id                    UUID PRIMARY KEY,
	title                 TEXT NOT NULL,
	category              TEXT NOT NULL DEFAULT 'conference',
	starts_at             TIMESTAMPTZ NOT NULL,
	registration_deadline TIMESTAMPTZ NULL,
	max_participants      INTEGER NULL CHECK (max_participants >= 0),
	registered_count      INTEGER NOT NULL DEFAULT 0 CHECK (registered_count >= 0),
	cpe_hours             NUMERIC(7,2) NOT NULL DEFAULT 0 CHECK (cpe_hours >= 0),
	issues_certificate    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT events_capacity_check CHECK (max_participants IS NULL OR registered_count <= max_participants)
);
DROP TRIGGER IF EXISTS events_updated_at ON events;
CREATE TRIGGER events_updated_at BEFORE UPDATE ON events
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();

CREATE TABLE IF NOT EXISTS event_registrations (
	id                    UUID PRIMARY KEY,
	event_id              UUID NOT NULL REFERENCES events (id) ON DELETE RESTRICT,
	user_id               UUID NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'approved', 'rejected', 'cancelled', 'attended', 'no_show')),
	amount_paid           NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (amount_paid >= 0),
	registered_at         TIMESTAMPTZ NOT NULL,
	approved_at           TIMESTAMPTZ NULL,
	attended_at           TIMESTAMPTZ NULL,
	cancelled_at          TIMESTAMPTZ NULL,
	notes                 TEXT NOT NULL DEFAULT '',
	cpe_hours_earned      NUMERIC(7,2) NOT NULL DEFAULT 0 CHECK (cpe_hours_earned >= 0),
	certificate_issued    BOOLEAN NOT NULL DEFAULT FALSE,
	certificate_issued_at TIMESTAMPTZ NULL,
	certificate_number    TEXT NULL,
	certificate_url       TEXT NOT NULL DEFAULT '',
	version               INTEGER NOT NULL DEFAULT 1,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT event_registrations_event_user_key UNIQUE (event_id, user_id),
	CONSTRAINT event_registrations_certificate_number_key UNIQUE (certificate_number)
);
DROP TRIGGER IF EXISTS event_registrations_updated_at ON event_registrations;
CREATE TRIGGER event_registrations_updated_at BEFORE UPDATE ON event_registrations
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();
`},
	{4, "programs and enrollments", `
CREATE TABLE IF NOT EXISTS programs (
	id                  UUID PRIMARY KEY,
	title               TEXT NOT NULL,
	category            TEXT NOT NULL DEFAULT 'training',
	cpe_hours           NUMERIC(7,2) NOT NULL DEFAULT 0 CHECK (cpe_hours >= 0),
	has_exam            BOOLEAN NOT NULL DEFAULT FALSE,
	passing_score       NUMERIC(5,2) NULL CHECK (passing_score BETWEEN 0 AND 100),
	issues_certificate  BOOLEAN NOT NULL DEFAULT FALSE,
	max_students        INTEGER NULL CHECK (max_students >= 0),
	enrolled_count      INTEGER NOT NULL DEFAULT 0 CHECK (enrolled_count >= 0),
	enrollment_deadline TIMESTAMPTZ NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT programs_capacity_check CHECK (max_students IS NULL OR enrolled_count <= max_students)
);
DROP TRIGGER IF EXISTS programs_updated_at ON programs;
CREATE TRIGGER programs_updated_at BEFORE UPDATE ON programs
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();

CREATE TABLE IF NOT EXISTS program_enrollments (
	id                    UUID PRIMARY KEY,
	program_id            UUID NOT NULL REFERENCES programs (id) ON DELETE RESTRICT,
	user_id               UUID NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'approved', 'rejected', 'active', 'completed', 'failed', 'dropped', 'cancelled')),
	progress              INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
	exam_score            NUMERIC(5,2) NULL CHECK (exam_score BETWEEN 0 AND 100),
	passed                BOOLEAN NOT NULL DEFAULT FALSE,
	cpe_hours_earned      NUMERIC(7,2) NOT NULL DEFAULT 0 CHECK (cpe_hours_earned >= 0),
	certificate_issued    BOOLEAN NOT NULL DEFAULT FALSE,
	certificate_issued_at TIMESTAMPTZ NULL,
	certificate_number    TEXT NULL,
	certificate_url       TEXT NOT NULL DEFAULT '',
	amount_paid           NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (amount_paid >= 0),
	enrolled_at           TIMESTAMPTZ NOT NULL,
	approved_at           TIMESTAMPTZ NULL,
	started_at            TIMESTAMPTZ NULL,
	completed_at          TIMESTAMPTZ NULL,
	notes                 TEXT NOT NULL DEFAULT '',
	version               INTEGER NOT NULL DEFAULT 1,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT program_enrollments_program_user_key UNIQUE (program_id, user_id),
	CONSTRAINT program_enrollments_certificate_number_key UNIQUE (certificate_number)
);
DROP TRIGGER IF EXISTS program_enrollments_updated_at ON program_enrollments;
CREATE TRIGGER program_enrollments_updated_at BEFORE UPDATE ON program_enrollments
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();
`},
	{5, "cpe activities", `
CREATE TABLE IF NOT EXISTS cpe_activities (
	id               UUID PRIMARY KEY,
	user_id          UUID NOT NULL,
	source_kind      TEXT NOT NULL
		CHECK (source_kind IN ('event_registration', 'program_enrollment', 'certification', 'self_study')),
	source_id        UUID NULL,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL
		CHECK (category IN ('training', 'webinar', 'conference', 'self_study', 'teaching', 'writing', 'research', 'other')),
	hours            NUMERIC(7,2) NOT NULL CHECK (hours >= 0),
	activity_date    DATE NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
	evidence         TEXT NOT NULL DEFAULT '',
	approved_by      UUID NULL,
	approved_at      TIMESTAMPTZ NULL,
	rejection_reason TEXT NOT NULL DEFAULT '',
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT cpe_activities_source_ref_check CHECK ((source_kind = 'self_study') = (source_id IS NULL)),
	CONSTRAINT cpe_activities_source_key UNIQUE (source_kind, source_id)
);
CREATE INDEX IF NOT EXISTS cpe_activities_ledger_idx ON cpe_activities (user_id, status, activity_date);
DROP TRIGGER IF EXISTS cpe_activities_updated_at ON cpe_activities;
CREATE TRIGGER cpe_activities_updated_at BEFORE UPDATE ON cpe_activities
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();
`},
	{6, "certifications", `
CREATE TABLE IF NOT EXISTS certification_programs (
	id                 UUID PRIMARY KEY,
	code               TEXT NOT NULL,
	name               TEXT NOT NULL,
	type               TEXT NOT NULL CHECK (type IN ('basic', 'specialized')),
	cpe_hours_required NUMERIC(7,2) NOT NULL DEFAULT 0 CHECK (cpe_hours_required >= 0),
	validity_months    INTEGER NOT NULL DEFAULT 36 CHECK (validity_months > 0),
	is_active          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT certification_programs_code_key UNIQUE (code)
);
DROP TRIGGER IF EXISTS certification_programs_updated_at ON certification_programs;
CREATE TRIGGER certification_programs_updated_at BEFORE UPDATE ON certification_programs
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();

CREATE TABLE IF NOT EXISTS certifications (
	id                       UUID PRIMARY KEY,
	user_id                  UUID NOT NULL,
	certification_program_id UUID NOT NULL REFERENCES certification_programs (id) ON DELETE RESTRICT,
	certificate_number       TEXT NULL,
	status                   TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'in_progress', 'passed', 'failed', 'expired', 'revoked')),
	application_date         DATE NOT NULL,
	exam_date                DATE NULL,
	exam_score               NUMERIC(5,2) NULL CHECK (exam_score BETWEEN 0 AND 100),
	issued_date              DATE NULL,
	expiry_date              DATE NULL,
	certificate_url          TEXT NOT NULL DEFAULT '',
	qr_code_url              TEXT NOT NULL DEFAULT '',
	reviewed_by              UUID NULL,
	reviewed_at              TIMESTAMPTZ NULL,
	revocation_reason        TEXT NOT NULL DEFAULT '',
	version                  INTEGER NOT NULL DEFAULT 1,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT certifications_certificate_number_key UNIQUE (certificate_number),
	CONSTRAINT certifications_expiry_check CHECK ((issued_date IS NULL) = (expiry_date IS NULL) AND (expiry_date IS NULL OR expiry_date > issued_date))
);
CREATE INDEX IF NOT EXISTS certifications_expiry_idx ON certifications (status, expiry_date);
CREATE INDEX IF NOT EXISTS certifications_holder_idx ON certifications (user_id, certification_program_id);
DROP TRIGGER IF EXISTS certifications_updated_at ON certifications;
CREATE TRIGGER certifications_updated_at BEFORE UPDATE ON certifications
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();
`},
	{7, "transition journal", eventstore.Schema},
	{8, "cpe source references", `
ALTER TABLE cpe_activities
	ADD COLUMN IF NOT EXISTS event_registration_id UUID
		GENERATED ALWAYS AS (CASE WHEN source_kind = 'event_registration' THEN source_id END) STORED
		REFERENCES event_registrations (id) ON DELETE RESTRICT,
	ADD COLUMN IF NOT EXISTS program_enrollment_id UUID
		GENERATED ALWAYS AS (CASE WHEN source_kind = 'program_enrollment' THEN source_id END) STORED
		REFERENCES program_enrollments (id) ON DELETE RESTRICT,
	ADD COLUMN IF NOT EXISTS certification_id UUID
		GENERATED ALWAYS AS (CASE WHEN source_kind = 'certification' THEN source_id END) STORED
		REFERENCES certifications (id) ON DELETE RESTRICT;

CREATE OR REPLACE FUNCTION check_cpe_source_holder() RETURNS TRIGGER AS $$
DECLARE
	holder UUID;
BEGIN
	CASE NEW.source_kind
		WHEN 'event_registration' THEN
			SELECT user_id INTO holder FROM event_registrations WHERE id = NEW.source_id;
		WHEN 'program_enrollment' THEN
			SELECT user_id INTO holder FROM program_enrollments WHERE id = NEW.source_id;
		WHEN 'certification' THEN
			SELECT user_id INTO holder FROM certifications WHERE id = NEW.source_id;
		ELSE
			RETURN NEW;
	END CASE;
	IF holder IS NOT NULL AND holder <> NEW.user_id THEN
		RAISE EXCEPTION '% % belongs to another member', NEW.source_kind, NEW.source_id
			USING ERRCODE = 'check_violation', CONSTRAINT = 'cpe_activities_source_holder_check';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS cpe_activities_source_holder ON cpe_activities;
CREATE TRIGGER cpe_activities_source_holder BEFORE INSERT OR UPDATE OF user_id, source_kind, source_id ON cpe_activities
	FOR EACH ROW EXECUTE FUNCTION check_cpe_source_holder();
`},
}

// Migrate brings the schema up to date.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		err := s.RunInTx(ctx, func(ctx context.Context) error {
			q := s.conn(ctx)
			var applied bool
			err := q.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version,
			).Scan(&applied)
			if err != nil || applied {
				return err
			}
			if _, err := q.ExecContext(ctx, m.sql); err != nil {
				return err
			}
			_, err = q.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}
