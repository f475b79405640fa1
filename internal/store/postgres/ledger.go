package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/cpe"
)

// dateArg binds a calendar date; the zero time binds NULL.
func dateArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return cpe.DateOf(t).Format(time.DateOnly)
}

const activityColumns = `
	id, user_id, source_kind, source_id, title, description, category, hours, activity_date,
	status, evidence, approved_by, approved_at, rejection_reason, version, created_at, updated_at`

func scanActivity(row interface{ Scan(...any) error }) (*cpe.Activity, error) {
	var (
		a        cpe.Activity
		sourceID uuid.NullUUID
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.Source.Kind, &sourceID, &a.Title, &a.Description, &a.Category, &a.Hours, &a.ActivityDate,
		&a.Status, &a.Evidence, &a.ApprovedBy, &a.ApprovedAt, &a.RejectionReason, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Source.ID = sourceID.UUID
	a.ActivityDate = cpe.DateOf(a.ActivityDate)
	return &a, nil
}

// InsertActivity relies on cpe_activities_source_key for one line per
// sourced entity.
func (s *Store) InsertActivity(ctx context.Context, a *cpe.Activity) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO cpe_activities (
			id, user_id, source_kind, source_id, title, description, category, hours, activity_date,
			status, evidence, approved_by, approved_at, rejection_reason, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16)
	`, a.ID, a.UserID, a.Source.Kind, nullUUID(a.Source.ID), a.Title, a.Description, a.Category, a.Hours,
		dateArg(a.ActivityDate), a.Status, a.Evidence, a.ApprovedBy, a.ApprovedAt, a.RejectionReason,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return mapError(err, "insert activity %s", a.ID)
	}
	a.Version = 1
	return nil
}

func (s *Store) GetActivity(ctx context.Context, id uuid.UUID) (*cpe.Activity, error) {
	a, err := scanActivity(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM cpe_activities WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "activity %s", id)
	}
	return a, nil
}

func (s *Store) LockActivity(ctx context.Context, id uuid.UUID) (*cpe.Activity, error) {
	a, err := scanActivity(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM cpe_activities WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(err, "lock activity %s", id)
	}
	return a, nil
}

func (s *Store) SaveActivity(ctx context.Context, a *cpe.Activity) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE cpe_activities SET
			title = $2, description = $3, category = $4, hours = $5, activity_date = $6, status = $7,
			evidence = $8, approved_by = $9, approved_at = $10, rejection_reason = $11, version = version + 1
		WHERE id = $1 AND version = $12
	`, a.ID, a.Title, a.Description, a.Category, a.Hours, dateArg(a.ActivityDate), a.Status,
		a.Evidence, a.ApprovedBy, a.ApprovedAt, a.RejectionReason, a.Version)
	if err != nil {
		return mapError(err, "save activity %s", a.ID)
	}
	if err := checkAffected(res, staleWrite("activity", a.ID, a.Version)); err != nil {
		return err
	}
	a.Version++
	return nil
}

// ListActivities returns the user's lines, newest activity first.
func (s *Store) ListActivities(ctx context.Context, userID uuid.UUID, f cpe.Filter) ([]cpe.Activity, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if !f.From.IsZero() {
		add("activity_date >= $%d::date", dateArg(f.From))
	}
	if !f.To.IsZero() {
		add("activity_date <= $%d::date", dateArg(f.To))
	}

	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT `+activityColumns+` FROM cpe_activities
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY activity_date DESC, created_at DESC`, args...)
	if err != nil {
		return nil, mapError(err, "list activities of %s", userID)
	}
	defer rows.Close()

	var out []cpe.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SumApprovedHours totals approved lines dated within [start, end]. A zero
// bound is open.
func (s *Store) SumApprovedHours(ctx context.Context, userID uuid.UUID, start, end time.Time) (float64, error) {
	var total float64
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(hours), 0)
		FROM cpe_activities
		WHERE user_id = $1
		AND status = 'approved'
		AND ($2::date IS NULL OR activity_date >= $2::date)
		AND ($3::date IS NULL OR activity_date <= $3::date)
	`, userID, dateArg(start), dateArg(end)).Scan(&total)
	if err != nil {
		return 0, mapError(err, "sum approved hours of %s", userID)
	}
	return total, nil
}

func (s *Store) SumApprovedHoursByCategory(ctx context.Context, userID uuid.UUID, start, end time.Time) (map[cpe.Category]float64, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT category, SUM(hours)
		FROM cpe_activities
		WHERE user_id = $1
		AND status = 'approved'
		AND ($2::date IS NULL OR activity_date >= $2::date)
		AND ($3::date IS NULL OR activity_date <= $3::date)
		GROUP BY category
	`, userID, dateArg(start), dateArg(end))
	if err != nil {
		return nil, mapError(err, "sum approved hours by category of %s", userID)
	}
	defer rows.Close()

	out := map[cpe.Category]float64{}
	for rows.Next() {
		var (
			category cpe.Category
			hours    float64
		)
		if err := rows.Scan(&category, &hours); err != nil {
			return nil, fmt.Errorf("scan category hours: %w", err)
		}
		out[category] = hours
	}
	return out, rows.Err()
}
