// internal/enrollment/service.go
package enrollment

import (
	"context"

	"github.com/google/uuid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/statemachine"
)

// Store persists programs and enrollments. InsertEnrollment reports a second
// enrollment of the same user in a program as
// sentinel.ErrDuplicateRegistration. SaveEnrollment reports a certificate
// number already held by another enrollment as sentinel.ErrConflict.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	InsertProgram(ctx context.Context, p *Program) error
	GetProgram(ctx context.Context, id uuid.UUID) (*Program, error)
	LockProgram(ctx context.Context, id uuid.UUID) (*Program, error)
	ReserveProgramSeat(ctx context.Context, programID uuid.UUID) (bool, error)
	ReleaseProgramSeat(ctx context.Context, programID uuid.UUID) error

	InsertEnrollment(ctx context.Context, e *Enrollment) error
	GetEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error)
	LockEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error)
	SaveEnrollment(ctx context.Context, e *Enrollment) error
	LastProgramCertificate(ctx context.Context, prefix string) (int, error)

	InsertActivity(ctx context.Context, a *cpe.Activity) error
	RecordTransition(ctx context.Context, rec statemachine.Record) error
}

// Service defines the interface for the program enrollment workflow.
type Service interface {
	CreateProgram(ctx context.Context, act actor.Actor, in ProgramInput) (*Program, error)
	GetProgram(ctx context.Context, id uuid.UUID) (*Program, error)
	Enroll(ctx context.Context, act actor.Actor, programID, userID uuid.UUID) (*Enrollment, error)
	Transition(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error)
	RecordPayment(ctx context.Context, id uuid.UUID, act actor.Actor, amount float64) (*Enrollment, error)
	AttachArtifact(ctx context.Context, id uuid.UUID, a artifact.Artifact) error
	RetryArtifact(ctx context.Context, id uuid.UUID, act actor.Actor) error
	Get(ctx context.Context, id uuid.UUID) (*Enrollment, error)
}
