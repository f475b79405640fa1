// internal/registration/implementation.go
package registration

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

var tracer = otel.Tracer("kfalifecycle/registration")

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
	machine   *statemachine.Machine[*Registration]
	artifacts artifact.Requester
	limiter   *ratelimit.Keyed
	notifier  notify.Notifier
	now       func() time.Time
}

// NewService creates the registration workflow on top of store.
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
	m := statemachine.MustNew(Definition(store), statemachine.Binding[*Registration]{
		RunInTx: store.RunInTx,
		Lock:    store.LockRegistration,
		Save:    store.SaveRegistration,
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

// CreateEvent adds an event to the catalog.
func (s *service) CreateEvent(ctx context.Context, act actor.Actor, in EventInput) (*Event, error) {
	if !act.Has(actor.CapManageEvents) {
		return nil, sentinel.New(sentinel.ErrForbidden, "creating events requires capability %s", actor.CapManageEvents)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	category := in.Category
	if category == "" {
		category = cpe.CategoryConference
	}
	now := s.now()
	ev := &Event{
		ID:                   uuid.New(),
		Title:                strings.TrimSpace(in.Title),
		Category:             category,
		StartsAt:             in.StartsAt,
		RegistrationDeadline: in.RegistrationDeadline,
		MaxParticipants:      in.MaxParticipants,
		CPEHours:             in.CPEHours,
		IssuesCertificate:    in.IssuesCertificate,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.InsertEvent(ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	return ev, nil
}

func (s *service) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	return s.store.GetEvent(ctx, id)
}

// Register creates a pending registration. Uniqueness is left to the store
// constraint so concurrent duplicates cannot both succeed.
func (s *service) Register(ctx context.Context, act actor.Actor, eventID, userID uuid.UUID) (*Registration, error) {
	ctx, span := tracer.Start(ctx, "registration.register",
		trace.WithAttributes(
			attribute.String("event.id", eventID.String()),
			attribute.String("user.id", userID.String()),
		),
	)
	defer span.End()

	if userID == uuid.Nil {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "user_id is required")
	}
	if !act.IsOwnerOr(userID, actor.CapManageEvents) {
		return nil, sentinel.New(sentinel.ErrForbidden, "cannot register another member")
	}
	if !s.limiter.Allow(ratelimit.Key(ctx, act.ID)) {
		return nil, sentinel.New(sentinel.ErrRateLimited, "too many registrations, try again later")
	}

	now := s.now()
	reg := &Registration{
		ID:           uuid.New(),
		EventID:      eventID,
		UserID:       userID,
		Status:       StatusPending,
		RegisteredAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.InsertRegistration(ctx, reg)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to register: %w", err)
	}
	return reg, nil
}

// Transition applies a workflow step. A committed certificate issuance hands
// its artifact request to the generator afterwards.
func (s *service) Transition(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error) {
	var (
		res *statemachine.Result[*Registration]
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

// RecordPayment stores the amount captured by the payment collector.
func (s *service) RecordPayment(ctx context.Context, id uuid.UUID, act actor.Actor, amount float64) (*Registration, error) {
	if !act.Has(actor.CapRecordPayments) {
		return nil, sentinel.New(sentinel.ErrForbidden, "recording payments requires capability %s", actor.CapRecordPayments)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "amount must be a non-negative number")
	}
	var reg *Registration
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.store.LockRegistration(ctx, id)
		if err != nil {
			return err
		}
		r.AmountPaid = amount
		r.UpdatedAt = s.now()
		reg = r
		return s.store.SaveRegistration(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// AttachArtifact stores the generated certificate URL. Attaching the same URL
// again succeeds without a write.
func (s *service) AttachArtifact(ctx context.Context, id uuid.UUID, a artifact.Artifact) error {
	return s.store.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.store.LockRegistration(ctx, id)
		if err != nil {
			return err
		}
		changed, err := artifact.CheckAttach(r.CertificateIssued, r.CertificateURL, a)
		if err != nil || !changed {
			return err
		}
		r.CertificateURL = a.URL
		r.UpdatedAt = s.now()
		return s.store.SaveRegistration(ctx, r)
	})
}

// RetryArtifact asks the generator again for an issued certificate that
// never got its document.
func (s *service) RetryArtifact(ctx context.Context, id uuid.UUID, act actor.Actor) error {
	if !act.Has(actor.CapManageEvents) && !act.Has(actor.CapAttachArtifacts) {
		return sentinel.New(sentinel.ErrForbidden, "retrying artifacts requires capability %s", actor.CapManageEvents)
	}
	r, err := s.store.GetRegistration(ctx, id)
	if err != nil {
		return err
	}
	if !r.CertificateIssued {
		return sentinel.New(sentinel.ErrInvalidTransition, "certificate has not been issued")
	}
	if r.CertificateURL != "" {
		return sentinel.New(sentinel.ErrConflict, "certificate document is already attached")
	}
	ev, err := s.store.GetEvent(ctx, r.EventID)
	if err != nil {
		return err
	}
	issuedAt := s.now()
	if r.CertificateIssuedAt != nil {
		issuedAt = *r.CertificateIssuedAt
	}
	s.artifacts.Request(artifact.Request{
		Kind:              artifact.KindEventRegistration,
		EntityID:          r.ID,
		UserID:            r.UserID,
		CertificateNumber: r.CertificateNumber,
		Title:             ev.Title,
		IssuedAt:          issuedAt,
	})
	return nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Registration, error) {
	return s.store.GetRegistration(ctx, id)
}
