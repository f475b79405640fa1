// internal/registration/service.go
package registration

import (
	"context"

	"github.com/google/uuid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/statemachine"
)

// Store persists events and registrations. InsertRegistration reports a
// second registration for the same user and event as
// sentinel.ErrDuplicateRegistration; ReserveSeat returns false when the event
// is full. SaveRegistration reports a certificate number already held by
// another registration as sentinel.ErrConflict; LastEventCertificate returns
// the highest sequence issued under prefix, or zero.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	InsertEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
	LockEvent(ctx context.Context, id uuid.UUID) (*Event, error)
	ReserveSeat(ctx context.Context, eventID uuid.UUID) (bool, error)
	ReleaseSeat(ctx context.Context, eventID uuid.UUID) error

	InsertRegistration(ctx context.Context, r *Registration) error
	GetRegistration(ctx context.Context, id uuid.UUID) (*Registration, error)
	LockRegistration(ctx context.Context, id uuid.UUID) (*Registration, error)
	SaveRegistration(ctx context.Context, r *Registration) error
	LastEventCertificate(ctx context.Context, prefix string) (int, error)

	InsertActivity(ctx context.Context, a *cpe.Activity) error
	RecordTransition(ctx context.Context, rec statemachine.Record) error
}

// Service defines the interface for the event registration workflow.
type Service interface {
	CreateEvent(ctx context.Context, act actor.Actor, in EventInput) (*Event, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
	Register(ctx context.Context, act actor.Actor, eventID, userID uuid.UUID) (*Registration, error)
	Transition(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error)
	RecordPayment(ctx context.Context, id uuid.UUID, act actor.Actor, amount float64) (*Registration, error)
	AttachArtifact(ctx context.Context, id uuid.UUID, a artifact.Artifact) error
	RetryArtifact(ctx context.Context, id uuid.UUID, act actor.Actor) error
	Get(ctx context.Context, id uuid.UUID) (*Registration, error)
}
