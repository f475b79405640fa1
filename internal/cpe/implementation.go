// internal/cpe/implementation.go
package cpe

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/notify"
	"kfalifecycle/internal/ratelimit"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

var tracer = otel.Tracer("kfalifecycle/cpe")

// Config carries the optional collaborators of the ledger.
type Config struct {
	Limiter  *ratelimit.Keyed
	Notifier notify.Notifier
	Now      func() time.Time
}

// service implements the Service interface.
type service struct {
	store    Store
	machine  *statemachine.Machine[*Activity]
	limiter  *ratelimit.Keyed
	notifier notify.Notifier
	now      func() time.Time
}

// NewService creates the CPE ledger on top of store.
func NewService(store Store, cfg Config) Service {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Unlimited()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := statemachine.MustNew(Definition(), statemachine.Binding[*Activity]{
		RunInTx: store.RunInTx,
		Lock:    store.LockActivity,
		Save:    store.SaveActivity,
		Journal: store.RecordTransition,
	}, statemachine.WithClock(cfg.Now))

	return &service{
		store:    store,
		machine:  m,
		limiter:  cfg.Limiter,
		notifier: cfg.Notifier,
		now:      cfg.Now,
	}
}

func checkHours(h float64) error {
	if math.IsNaN(h) || math.IsInf(h, 0) || h < 0 {
		return sentinel.New(sentinel.ErrInvalidHours, "hours must be a non-negative number, got %v", h)
	}
	return nil
}

// ReportSelfStudy records study the member did on their own. It waits for
// review before it counts.
func (s *service) ReportSelfStudy(ctx context.Context, act actor.Actor, in ReportInput) (*Activity, error) {
	ctx, span := tracer.Start(ctx, "cpe.report_self_study",
		trace.WithAttributes(attribute.String("user.id", in.UserID.String())),
	)
	defer span.End()

	if !act.IsOwnerOr(in.UserID, actor.CapReviewCPE) {
		return nil, sentinel.New(sentinel.ErrForbidden, "cannot report study for another member")
	}
	if !s.limiter.Allow(ratelimit.Key(ctx, act.ID)) {
		return nil, sentinel.New(sentinel.ErrRateLimited, "too many self study reports, try again later")
	}
	if in.UserID == uuid.Nil {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "user_id is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "title is required")
	}
	if err := checkHours(in.Hours); err != nil {
		return nil, err
	}
	if in.ActivityDate.IsZero() {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "activity_date is required")
	}
	category := in.Category
	if category == "" {
		category = CategorySelfStudy
	}
	if !category.Valid() {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "unknown category %q", in.Category)
	}

	now := s.now()
	a := &Activity{
		ID:           uuid.New(),
		UserID:       in.UserID,
		Source:       SelfStudy(),
		Title:        strings.TrimSpace(in.Title),
		Description:  in.Description,
		Category:     category,
		Hours:        in.Hours,
		ActivityDate: DateOf(in.ActivityDate),
		Status:       StatusPending,
		Evidence:     in.Evidence,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.InsertActivity(ctx, a)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record self study: %w", err)
	}
	return a, nil
}

// RecordCredit enters hours for a held certification, approved on creation.
func (s *service) RecordCredit(ctx context.Context, act actor.Actor, in CreditInput) (*Activity, error) {
	ctx, span := tracer.Start(ctx, "cpe.record_credit",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID.String()),
			attribute.String("source.kind", string(in.Source.Kind)),
		),
	)
	defer span.End()

	if !act.Has(actor.CapReviewCPE) {
		return nil, sentinel.New(sentinel.ErrForbidden, "recording credit requires capability %s", actor.CapReviewCPE)
	}
	if in.UserID == uuid.Nil {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "user_id is required")
	}
	if err := checkHours(in.Hours); err != nil {
		return nil, err
	}
	if in.Source.Kind != SourceCertification {
		return nil, sentinel.New(sentinel.ErrInvalidInput,
			"only certifications can be credited by hand, %s hours come from their workflow", in.Source.Kind)
	}
	date := in.ActivityDate
	if date.IsZero() {
		date = s.now()
	}
	now := s.now()
	a, err := NewCredit(in.UserID, in.Source, strings.TrimSpace(in.Title), in.Category, in.Hours, date, now)
	if err != nil {
		return nil, err
	}
	by := act.ID
	a.ApprovedBy = &by

	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		holder, held, err := s.store.CertificationHolder(ctx, in.Source.ID)
		if err != nil {
			return err
		}
		if holder != in.UserID {
			return sentinel.New(sentinel.ErrInvalidInput, "certification %s belongs to another member", in.Source.ID)
		}
		if !held {
			return sentinel.New(sentinel.ErrGuardRejected, "certification %s has not been passed", in.Source.ID)
		}
		return s.store.InsertActivity(ctx, a)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record credit: %w", err)
	}
	return a, nil
}

// Transition approves or rejects a pending line.
func (s *service) Transition(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error) {
	res, err := s.machine.Apply(ctx, id, name, act, payload)
	if err != nil {
		return nil, err
	}
	out := s.machine.Outcome(id, res)
	notify.Terminal(ctx, s.notifier, out, res.Entity.UserID, s.now())
	return &out, nil
}

// TotalApprovedHours sums approved hours with an activity date inside
// [start, end], both ends inclusive by calendar date.
func (s *service) TotalApprovedHours(ctx context.Context, userID uuid.UUID, start, end time.Time) (float64, error) {
	ctx, span := tracer.Start(ctx, "cpe.total_approved_hours",
		trace.WithAttributes(attribute.String("user.id", userID.String())),
	)
	defer span.End()

	start, end = DateOf(start), DateOf(end)
	if start.After(end) {
		return 0, sentinel.New(sentinel.ErrInvalidInput, "period start %s is after period end %s",
			start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	total, err := s.store.SumApprovedHours(ctx, userID, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to sum approved hours: %w", err)
	}
	return total, nil
}

// HoursByCategory splits the approved hours of the same window by category.
// Categories without approved hours are absent.
func (s *service) HoursByCategory(ctx context.Context, userID uuid.UUID, start, end time.Time) (map[Category]float64, error) {
	ctx, span := tracer.Start(ctx, "cpe.hours_by_category",
		trace.WithAttributes(attribute.String("user.id", userID.String())),
	)
	defer span.End()

	start, end = DateOf(start), DateOf(end)
	if start.After(end) {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "period start %s is after period end %s",
			start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	hours, err := s.store.SumApprovedHoursByCategory(ctx, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to sum approved hours by category: %w", err)
	}
	return hours, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID, f Filter) ([]Activity, error) {
	return s.store.ListActivities(ctx, userID, f)
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Activity, error) {
	return s.store.GetActivity(ctx, id)
}
