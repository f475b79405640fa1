// internal/certification/implementation.go
package certification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/notify"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

var tracer = otel.Tracer("kfalifecycle/certification")

// maxIssueAttempts bounds retries of a certificate number collision.
const maxIssueAttempts = 5

// Config carries the collaborators of the tracker. Ledger is required.
type Config struct {
	Ledger    Ledger
	Artifacts artifact.Requester
	Notifier  notify.Notifier
	Logger    *slog.Logger
	Now       func() time.Time
}

// service implements the Service interface.
type service struct {
	store     Store
	machine   *statemachine.Machine[*Certification]
	ledger    Ledger
	artifacts artifact.Requester
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the certification tracker on top of store.
func NewService(store Store, cfg Config) Service {
	if cfg.Artifacts == nil {
		cfg.Artifacts = &artifact.Recorder{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := statemachine.MustNew(Definition(store), statemachine.Binding[*Certification]{
		RunInTx: store.RunInTx,
		Lock:    store.LockCertification,
		Save:    store.SaveCertification,
		Journal: store.RecordTransition,
	}, statemachine.WithClock(cfg.Now))

	return &service{
		store:     store,
		machine:   m,
		ledger:    cfg.Ledger,
		artifacts: cfg.Artifacts,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

func (s *service) CreateProgram(ctx context.Context, act actor.Actor, in ProgramInput) (*Program, error) {
	if !act.Has(actor.CapManageCertifications) {
		return nil, sentinel.New(sentinel.ErrForbidden, "creating programs requires capability %s", actor.CapManageCertifications)
	}
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	p := &Program{
		ID:               uuid.New(),
		Code:             in.Code,
		Name:             in.Name,
		Type:             in.Type,
		CPEHoursRequired: in.CPEHoursRequired,
		ValidityMonths:   in.ValidityMonths,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.InsertCertificationProgram(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create certification program: %w", err)
	}
	return p, nil
}

func (s *service) GetProgram(ctx context.Context, id uuid.UUID) (*Program, error) {
	return s.store.GetCertificationProgram(ctx, id)
}

// Apply opens a pending certification attempt.
func (s *service) Apply(ctx context.Context, act actor.Actor, userID, programID uuid.UUID) (*Certification, error) {
	ctx, span := tracer.Start(ctx, "certification.apply",
		trace.WithAttributes(
			attribute.String("program.id", programID.String()),
			attribute.String("user.id", userID.String()),
		),
	)
	defer span.End()

	if userID == uuid.Nil {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "user_id is required")
	}
	if !act.IsOwnerOr(userID, actor.CapManageCertifications) {
		return nil, sentinel.New(sentinel.ErrForbidden, "cannot apply for another member")
	}

	p, err := s.store.GetCertificationProgram(ctx, programID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "certification program %s is not accepting applications", p.Code)
	}

	now := s.now()
	c := &Certification{
		ID:              uuid.New(),
		UserID:          userID,
		ProgramID:       programID,
		Status:          StatusPending,
		ApplicationDate: day(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.InsertCertification(ctx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply for certification: %w", err)
	}
	return c, nil
}

// Transition applies a step. Issue is retried when the generated certificate
// number collides with one committed concurrently.
func (s *service) Transition(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error) {
	var (
		res *statemachine.Result[*Certification]
		err error
	)
	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		res, err = s.machine.Apply(ctx, id, name, act, payload)
		if name != Issue || !errors.Is(err, sentinel.ErrConflict) {
			break
		}
		s.logger.Warn("certificate number collision, retrying",
			"certification_id", id,
			"attempt", attempt,
		)
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

// SweepExpired moves every passed certification past its expiry date to
// expired, one transaction each. Certifications another sweep got to first
// are counted as skipped.
func (s *service) SweepExpired(ctx context.Context, act actor.Actor) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "certification.sweep_expired")
	defer span.End()

	var result SweepResult
	if !act.Has(actor.CapSweepCertifications) && !act.Has(actor.CapManageCertifications) {
		return result, sentinel.New(sentinel.ErrForbidden, "sweeping requires capability %s", actor.CapSweepCertifications)
	}

	ids, err := s.store.ListExpiredCertifications(ctx, s.now())
	if err != nil {
		return result, fmt.Errorf("failed to list expired certifications: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, err := s.Transition(ctx, id, Expire, act, nil)
		switch {
		case err == nil:
			result.Expired++
		case errors.Is(err, sentinel.ErrAlreadyTerminal),
			errors.Is(err, sentinel.ErrInvalidTransition),
			errors.Is(err, sentinel.ErrGuardRejected):
			result.Skipped++
		default:
			result.Failed++
			s.logger.Error("failed to expire certification", "certification_id", id, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.expired", result.Expired),
		attribute.Int("sweep.skipped", result.Skipped),
		attribute.Int("sweep.failed", result.Failed),
	)
	s.logger.Info("expiry sweep finished",
		"expired", result.Expired,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

// EvaluateRenewal decides whether the member's current certification can be
// renewed from the hours earned during its validity window.
func (s *service) EvaluateRenewal(ctx context.Context, userID, programID uuid.UUID) (*Renewal, error) {
	ctx, span := tracer.Start(ctx, "certification.evaluate_renewal",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("program.id", programID.String()),
		),
	)
	defer span.End()

	p, err := s.store.GetCertificationProgram(ctx, programID)
	if err != nil {
		return nil, err
	}
	c, err := s.store.LatestHeldCertification(ctx, userID, programID)
	if err != nil {
		return nil, err
	}
	if !c.Issued() || c.ExpiryDate == nil {
		return nil, sentinel.New(sentinel.ErrNotFound, "no issued %s certification for user %s", p.Code, userID)
	}

	hours, err := s.ledger.TotalApprovedHours(ctx, userID, *c.IssuedDate, *c.ExpiryDate)
	if err != nil {
		return nil, err
	}

	r := &Renewal{
		UserID:          userID,
		ProgramID:       programID,
		CertificationID: c.ID,
		HoursEarned:     hours,
		HoursRequired:   p.CPEHoursRequired,
		IssuedDate:      *c.IssuedDate,
		ExpiryDate:      *c.ExpiryDate,
	}
	switch {
	case c.Status == StatusExpired || !s.now().Before(*c.ExpiryDate):
		r.Status = Expired
	case hours >= p.CPEHoursRequired:
		r.Status = Eligible
	default:
		r.Status = InsufficientHours
	}
	span.SetAttributes(attribute.String("renewal.status", string(r.Status)))
	return r, nil
}

// AttachArtifact stores the certificate document and its verification QR.
func (s *service) AttachArtifact(ctx context.Context, id uuid.UUID, a artifact.Artifact) error {
	return s.store.RunInTx(ctx, func(ctx context.Context) error {
		c, err := s.store.LockCertification(ctx, id)
		if err != nil {
			return err
		}
		changed, err := artifact.CheckAttach(c.Issued(), c.CertificateURL, a)
		if err != nil {
			return err
		}
		if !changed && (a.QRCodeURL == "" || c.QRCodeURL != "") {
			return nil
		}
		c.CertificateURL = a.URL
		if c.QRCodeURL == "" {
			c.QRCodeURL = a.QRCodeURL
		}
		c.UpdatedAt = s.now()
		return s.store.SaveCertification(ctx, c)
	})
}

func (s *service) RetryArtifact(ctx context.Context, id uuid.UUID, act actor.Actor) error {
	if !act.Has(actor.CapManageCertifications) && !act.Has(actor.CapAttachArtifacts) {
		return sentinel.New(sentinel.ErrForbidden, "retrying artifacts requires capability %s", actor.CapManageCertifications)
	}
	c, err := s.store.GetCertification(ctx, id)
	if err != nil {
		return err
	}
	if !c.Issued() {
		return sentinel.New(sentinel.ErrInvalidTransition, "certificate has not been issued")
	}
	if c.CertificateURL != "" {
		return sentinel.New(sentinel.ErrConflict, "certificate document is already attached")
	}
	p, err := s.store.GetCertificationProgram(ctx, c.ProgramID)
	if err != nil {
		return err
	}
	s.artifacts.Request(artifact.Request{
		Kind:              artifact.KindCertification,
		EntityID:          c.ID,
		UserID:            c.UserID,
		CertificateNumber: c.CertificateNumber,
		Title:             p.Name,
		IssuedAt:          *c.IssuedDate,
	})
	return nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Certification, error) {
	return s.store.GetCertification(ctx, id)
}
