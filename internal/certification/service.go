// internal/certification/service.go
package certification

import (
	"context"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/statemachine"
)

// Store persists programs and certifications. Saving a certificate number
// already in use returns sentinel.ErrConflict.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	InsertCertificationProgram(ctx context.Context, p *Program) error
	GetCertificationProgram(ctx context.Context, id uuid.UUID) (*Program, error)

	InsertCertification(ctx context.Context, c *Certification) error
	GetCertification(ctx context.Context, id uuid.UUID) (*Certification, error)
	LockCertification(ctx context.Context, id uuid.UUID) (*Certification, error)
	SaveCertification(ctx context.Context, c *Certification) error
	CountCertificateNumbers(ctx context.Context, prefix string) (int, error)
	ListExpiredCertifications(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// LatestHeldCertification returns the most recently issued passed or
	// expired certification of the user in the program.
	LatestHeldCertification(ctx context.Context, userID, programID uuid.UUID) (*Certification, error)

	RecordTransition(ctx context.Context, rec statemachine.Record) error
}

// Ledger reports approved CPE hours.
type Ledger interface {
	TotalApprovedHours(ctx context.Context, userID uuid.UUID, start, end time.Time) (float64, error)
}

// Service defines the interface for the certification tracker.
type Service interface {
	CreateProgram(ctx context.Context, act actor.Actor, in ProgramInput) (*Program, error)
	GetProgram(ctx context.Context, id uuid.UUID) (*Program, error)
	Apply(ctx context.Context, act actor.Actor, userID, programID uuid.UUID) (*Certification, error)
	Transition(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error)
	SweepExpired(ctx context.Context, act actor.Actor) (SweepResult, error)
	EvaluateRenewal(ctx context.Context, userID, programID uuid.UUID) (*Renewal, error)
	AttachArtifact(ctx context.Context, id uuid.UUID, a artifact.Artifact) error
	RetryArtifact(ctx context.Context, id uuid.UUID, act actor.Actor) error
	Get(ctx context.Context, id uuid.UUID) (*Certification, error)
}
