// internal/cpe/service.go
package cpe

import (
	"context"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/statemachine"
)

// Store persists ledger lines. RunInTx carries the transaction in ctx; the
// other methods join it when present.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertActivity(ctx context.Context, a *Activity) error
	GetActivity(ctx context.Context, id uuid.UUID) (*Activity, error)
	LockActivity(ctx context.Context, id uuid.UUID) (*Activity, error)
	SaveActivity(ctx context.Context, a *Activity) error
	ListActivities(ctx context.Context, userID uuid.UUID, f Filter) ([]Activity, error)
	SumApprovedHours(ctx context.Context, userID uuid.UUID, start, end time.Time) (float64, error)
	SumApprovedHoursByCategory(ctx context.Context, userID uuid.UUID, start, end time.Time) (map[Category]float64, error)
	// CertificationHolder reports who holds a certification and whether it
	// was ever passed (passed or expired since).
	CertificationHolder(ctx context.Context, id uuid.UUID) (userID uuid.UUID, held bool, err error)
	RecordTransition(ctx context.Context, rec statemachine.Record) error
}

// ReportInput is a member's self-reported study.
type ReportInput struct {
	UserID       uuid.UUID `json:"user_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Category     Category  `json:"category"`
	Hours        float64   `json:"hours"`
	ActivityDate time.Time `json:"activity_date"`
	Evidence     string    `json:"evidence"`
}

// CreditInput is a manager-entered line for a certification the member
// holds. Event and program hours are credited by their own workflows.
type CreditInput struct {
	UserID       uuid.UUID `json:"user_id"`
	Source       Source    `json:"source"`
	Title        string    `json:"title"`
	Category     Category  `json:"category"`
	Hours        float64   `json:"hours"`
	ActivityDate time.Time `json:"activity_date"`
}

// Service defines the interface for the CPE ledger.
type Service interface {
	ReportSelfStudy(ctx context.Context, act actor.Actor, in ReportInput) (*Activity, error)
	RecordCredit(ctx context.Context, act actor.Actor, in CreditInput) (*Activity, error)
	Transition(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error)
	TotalApprovedHours(ctx context.Context, userID uuid.UUID, start, end time.Time) (float64, error)
	HoursByCategory(ctx context.Context, userID uuid.UUID, start, end time.Time) (map[Category]float64, error)
	List(ctx context.Context, userID uuid.UUID, f Filter) ([]Activity, error)
	Get(ctx context.Context, id uuid.UUID) (*Activity, error)
}
