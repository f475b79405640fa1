// internal/application/service.go
package application

import (
	"context"

	"github.com/google/uuid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/statemachine"
)

// Store persists applications. RunInTx carries the transaction in ctx.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertApplication(ctx context.Context, a *Application) error
	GetApplication(ctx context.Context, id uuid.UUID) (*Application, error)
	LockApplication(ctx context.Context, id uuid.UUID) (*Application, error)
	SaveApplication(ctx context.Context, a *Application) error
	DeleteApplication(ctx context.Context, id uuid.UUID) error
	RecordTransition(ctx context.Context, rec statemachine.Record) error
}

// IdentityService creates platform users for approved applicants.
type IdentityService interface {
	CreateUserFromApplication(ctx context.Context, app *Application) (uuid.UUID, error)
}

// Service defines the interface for the membership application workflow.
type Service interface {
	Submit(ctx context.Context, act actor.Actor, in SubmitInput) (*Application, error)
	Transition(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error)
	ProvisionUser(ctx context.Context, id uuid.UUID, act actor.Actor) (*Application, error)
	Purge(ctx context.Context, id uuid.UUID, act actor.Actor) error
	Get(ctx context.Context, id uuid.UUID) (*Application, error)
}
