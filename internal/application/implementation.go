// internal/application/implementation.go
package application

import (
	"context"
	"fmt"
	"log/slog"
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

var tracer = otel.Tracer("kfalifecycle/application")

// Config carries the optional collaborators of the workflow.
type Config struct {
	Identity IdentityService
	Limiter  *ratelimit.Keyed
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

// service implements the Service interface.
type service struct {
	store    Store
	machine  *statemachine.Machine[*Application]
	identity IdentityService
	limiter  *ratelimit.Keyed
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the application workflow on top of store.
func NewService(store Store, cfg Config) Service {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Unlimited()
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
	m := statemachine.MustNew(Definition(), statemachine.Binding[*Application]{
		RunInTx: store.RunInTx,
		Lock:    store.LockApplication,
		Save:    store.SaveApplication,
		Journal: store.RecordTransition,
	}, statemachine.WithClock(cfg.Now))

	return &service{
		store:    store,
		machine:  m,
		identity: cfg.Identity,
		limiter:  cfg.Limiter,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Submit creates a pending application. Applicants need not be signed in.
func (s *service) Submit(ctx context.Context, act actor.Actor, in SubmitInput) (*Application, error) {
	ctx, span := tracer.Start(ctx, "application.submit",
		trace.WithAttributes(attribute.String("membership.type", string(in.MembershipType))),
	)
	defer span.End()

	if !s.limiter.Allow(ratelimit.Key(ctx, act.ID)) {
		return nil, sentinel.New(sentinel.ErrRateLimited, "too many applications submitted, try again later")
	}
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	app := &Application{
		ID:              uuid.New(),
		MembershipType:  in.MembershipType,
		FullName:        in.FullName,
		Email:           in.Email,
		Phone:           in.Phone,
		Organization:    in.Organization,
		Position:        in.Position,
		ExperienceYears: in.ExperienceYears,
		Education:       in.Education,
		Motivation:      in.Motivation,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.InsertApplication(ctx, app)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit application: %w", err)
	}
	return app, nil
}

// Transition applies a review step. An approval is followed by user
// provisioning outside the transaction; a provisioning failure does not undo
// the approval and is retried through ProvisionUser.
func (s *service) Transition(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error) {
	res, err := s.machine.Apply(ctx, id, name, act, payload)
	if err != nil {
		return nil, err
	}
	out := s.machine.Outcome(id, res)

	var subject uuid.UUID
	if res.To == StatusApproved {
		app, err := s.provision(ctx, res.Entity)
		if err != nil {
			s.logger.Error("user provisioning failed after approval",
				"application_id", id,
				"error", err,
			)
		} else if app.UserID != nil {
			subject = *app.UserID
			if out.Effects == nil {
				out.Effects = map[string]any{}
			}
			out.Effects["user_id"] = subject.String()
		}
	}

	notify.Terminal(ctx, s.notifier, out, subject, s.now())
	return &out, nil
}

// ProvisionUser retries identity provisioning for an approved application
// that has no linked user yet.
func (s *service) ProvisionUser(ctx context.Context, id uuid.UUID, act actor.Actor) (*Application, error) {
	if !act.Has(actor.CapReviewApplications) {
		return nil, sentinel.New(sentinel.ErrForbidden, "provisioning requires capability %s", actor.CapReviewApplications)
	}
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status != StatusApproved {
		return nil, sentinel.New(sentinel.ErrInvalidTransition, "application %s is %s, not approved", id, app.Status)
	}
	return s.provision(ctx, app)
}

func (s *service) provision(ctx context.Context, app *Application) (*Application, error) {
	if app.UserID != nil {
		return app, nil
	}
	if s.identity == nil {
		return nil, fmt.Errorf("no identity service configured")
	}

	ctx, span := tracer.Start(ctx, "application.provision_user",
		trace.WithAttributes(attribute.String("application.id", app.ID.String())),
	)
	defer span.End()

	userID, err := s.identity.CreateUserFromApplication(ctx, app)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create user from application: %w", err)
	}

	var linked *Application
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.store.LockApplication(ctx, app.ID)
		if err != nil {
			return err
		}
		if current.UserID == nil {
			current.UserID = &userID
			current.UpdatedAt = s.now()
			if err := s.store.SaveApplication(ctx, current); err != nil {
				return err
			}
		}
		linked = current
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to link user: %w", err)
	}
	return linked, nil
}

// Purge physically deletes a reviewed application.
func (s *service) Purge(ctx context.Context, id uuid.UUID, act actor.Actor) error {
	if !act.Has(actor.CapPurge) {
		return sentinel.New(sentinel.ErrForbidden, "purge requires capability %s", actor.CapPurge)
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		app, err := s.store.LockApplication(ctx, id)
		if err != nil {
			return err
		}
		if !s.machine.IsTerminal(app.Status) {
			return sentinel.New(sentinel.ErrInvalidTransition, "only reviewed applications can be purged, %s is %s", id, app.Status)
		}
		return s.store.DeleteApplication(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("application purged", "application_id", id, "actor_id", act.ID)
	return nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Application, error) {
	return s.store.GetApplication(ctx, id)
}
