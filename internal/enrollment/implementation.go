// internal/enrollment/implementation.go
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/notify"
	"kfalifecycle/internal/ratelimit"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

var tracer = otel.Tracer("kfalifecycle/enrollment")

// maxIssueAttempts bounds retries when another issue takes the same
// certificate number first.
const maxIssueAttempts = 5

// Config carries the optional collaborators of the workflow.
type Config struct {
	Artifacts artifact.Requester
	Limiter   *ratelimit.Keyed
	Notifier  notify.Notifier
	Now       func() time.Time
}

// service implements the Service interface.
type service struct {
	store     Store
	machine   *statemachine.Machine[*Enrollment]
	artifacts artifact.Requester
	limiter   *ratelimit.Keyed
	notifier  notify.Notifier
	now       func() time.Time
}

// NewService creates the enrollment workflow on top of store.
func NewService(store Store, cfg Config) Service {
	if cfg.Artifacts == nil {
		cfg.Artifacts = &artifact.Recorder{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Unlimited()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := statemachine.MustNew(Definition(store), statemachine.Binding[*Enrollment]{
		RunInTx: store.RunInTx,
		Lock:    store.LockEnrollment,
		Save:    store.SaveEnrollment,
		Journal: store.RecordTransition,
	}, statemachine.WithClock(cfg.Now))

	return &service{
		store:     store,
		machine:   m,
		artifacts: cfg.Artifacts,
		limiter:   cfg.Limiter,
		notifier:  cfg.Notifier,
		now:       cfg.Now,
	}
}

// CreateProgram adds a program to the catalog.
func (s *service) CreateProgram(ctx context.Context, act actor.Actor, in ProgramInput) (*Program, error) {
	if !act.Has(actor.CapManagePrograms) {
		return nil, sentinel.New(sentinel.ErrForbidden, "creating programs requires capability %s", actor.CapManagePrograms)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	category := in.Category
	if category == "" {
		category = cpe.CategoryTraining
	}
	now := s.now()
	p := &Program{
		ID:                 uuid.New(),
		Title:              strings.TrimSpace(in.Title),
		Category:           category,
		CPEHours:           in.CPEHours,
		HasExam:            in.HasExam,
		PassingScore:       in.PassingScore,
		IssuesCertificate:  in.IssuesCertificate,
		MaxStudents:        in.MaxStudents,
		EnrollmentDeadline: in.EnrollmentDeadline,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.InsertProgram(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return p, nil
}

func (s *service) GetProgram(ctx context.Context, id uuid.UUID) (*Program, error) {
	return s.store.GetProgram(ctx, id)
}

// Enroll creates a pending enrollment.
func (s *service) Enroll(ctx context.Context, act actor.Actor, programID, userID uuid.UUID) (*Enrollment, error) {
	ctx, span := tracer.Start(ctx, "enrollment.enroll",
		trace.WithAttributes(
			attribute.String("program.id", programID.String()),
			attribute.String("user.id", userID.String()),
		),
	)
	defer span.End()

	if userID == uuid.Nil {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "user_id is required")
	}
	if !act.IsOwnerOr(userID, actor.CapManagePrograms) {
		return nil, sentinel.New(sentinel.ErrForbidden, "cannot enroll another member")
	}
	if !s.limiter.Allow(ratelimit.Key(ctx, act.ID)) {
		return nil, sentinel.New(sentinel.ErrRateLimited, "too many enrollments, try again later")
	}

	now := s.now()
	e := &Enrollment{
		ID:         uuid.New(),
		ProgramID:  programID,
		UserID:     userID,
		Status:     StatusPending,
		EnrolledAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.InsertEnrollment(ctx, e)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to enroll: %w", err)
	}
	return e, nil
}

func (s *service) Transition(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error) {
	var (
		res *statemachine.Result[*Enrollment]
		err error
	)
	for range maxIssueAttempts {
		res, err = s.machine.Apply(ctx, id, name, act, payload)
		if name != IssueCertificate || !errors.Is(err, sentinel.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	if req, ok := res.Effects[EffectArtifact].(artifact.Request); ok {
		s.artifacts.Request(req)
	}
	out := s.machine.Outcome(id, res)
	notify.Terminal(ctx, s.notifier, out, res.Entity.UserID, s.now())
	return &out, nil
}

func (s *service) RecordPayment(ctx context.Context, id uuid.UUID, act actor.Actor, amount float64) (*Enrollment, error) {
	if !act.Has(actor.CapRecordPayments) {
		return nil, sentinel.New(sentinel.ErrForbidden, "recording payments requires capability %s", actor.CapRecordPayments)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "amount must be a non-negative number")
	}
	var out *Enrollment
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		e, err := s.store.LockEnrollment(ctx, id)
		if err != nil {
			return err
		}
		e.AmountPaid = amount
		e.UpdatedAt = s.now()
		out = e
		return s.store.SaveEnrollment(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) AttachArtifact(ctx context.Context, id uuid.UUID, a artifact.Artifact) error {
	return s.store.RunInTx(ctx, func(ctx context.Context) error {
		e, err := s.store.LockEnrollment(ctx, id)
		if err != nil {
			return err
		}
		changed, err := artifact.CheckAttach(e.CertificateIssued, e.CertificateURL, a)
		if err != nil || !changed {
			return err
		}
		e.CertificateURL = a.URL
		e.UpdatedAt = s.now()
		return s.store.SaveEnrollment(ctx, e)
	})
}

func (s *service) RetryArtifact(ctx context.Context, id uuid.UUID, act actor.Actor) error {
	if !act.Has(actor.CapManagePrograms) && !act.Has(actor.CapAttachArtifacts) {
		return sentinel.New(sentinel.ErrForbidden, "retrying artifacts requires capability %s", actor.CapManagePrograms)
	}
	e, err := s.store.GetEnrollment(ctx, id)
	if err != nil {
		return err
	}
	if !e.CertificateIssued {
		return sentinel.New(sentinel.ErrInvalidTransition, "certificate has not been issued")
	}
	if e.CertificateURL != "" {
		return sentinel.New(sentinel.ErrConflict, "certificate document is already attached")
	}
	p, err := s.store.GetProgram(ctx, e.ProgramID)
	if err != nil {
		return err
	}
	issuedAt := s.now()
	if e.CertificateIssuedAt != nil {
		issuedAt = *e.CertificateIssuedAt
	}
	s.artifacts.Request(artifact.Request{
		Kind:              artifact.KindProgramEnrollment,
		EntityID:          e.ID,
		UserID:            e.UserID,
		CertificateNumber: e.CertificateNumber,
		Title:             p.Title,
		IssuedAt:          issuedAt,
	})
	return nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	return s.store.GetEnrollment(ctx, id)
}
