// internal/registration/domain.go
package registration

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

// EntityType names event registrations in transitions and the journal.
const EntityType = "event_registration"

const (
	StatusPending   statemachine.State = "pending"
	StatusApproved  statemachine.State = "approved"
	StatusRejected  statemachine.State = "rejected"
	StatusCancelled statemachine.State = "cancelled"
	StatusAttended  statemachine.State = "attended"
	StatusNoShow    statemachine.State = "no_show"
)

// Event is the catalog row a registration points at.
type Event struct {
	ID                   uuid.UUID    `json:"id"`
	Title                string       `json:"title"`
	Category             cpe.Category `json:"category"`
	StartsAt             time.Time    `json:"starts_at"`
	RegistrationDeadline *time.Time   `json:"registration_deadline,omitempty"`
	MaxParticipants      *int         `json:"max_participants,omitempty"`
	RegisteredCount      int          `json:"registered_count"`
	CPEHours             float64      `json:"cpe_hours"`
	IssuesCertificate    bool         `json:"issues_certificate"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// HasCapacity reports whether another participant can be approved.
func (e *Event) HasCapacity() bool {
	return e.MaxParticipants == nil || e.RegisteredCount < *e.MaxParticipants
}

// Open reports whether registrations can still be approved at now.
func (e *Event) Open(now time.Time) bool {
	return e.RegistrationDeadline == nil || !now.After(*e.RegistrationDeadline)
}

// EventInput creates an event.
type EventInput struct {
	Title                string       `json:"title"`
	Category             cpe.Category `json:"category"`
	StartsAt             time.Time    `json:"starts_at"`
	RegistrationDeadline *time.Time   `json:"registration_deadline,omitempty"`
	MaxParticipants      *int         `json:"max_participants,omitempty"`
	CPEHours             float64      `json:"cpe_hours"`
	IssuesCertificate    bool         `json:"issues_certificate"`
}

func (in EventInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return sentinel.New(sentinel.ErrInvalidInput, "title is required")
	}
	if in.StartsAt.IsZero() {
		return sentinel.New(sentinel.ErrInvalidInput, "starts_at is required")
	}
	if in.MaxParticipants != nil && *in.MaxParticipants < 0 {
		return sentinel.New(sentinel.ErrInvalidInput, "max_participants must not be negative")
	}
	if in.CPEHours < 0 {
		return sentinel.New(sentinel.ErrInvalidHours, "cpe_hours must not be negative")
	}
	if in.Category != "" && !in.Category.Valid() {
		return sentinel.New(sentinel.ErrInvalidInput, "unknown category %q", in.Category)
	}
	return nil
}

// Registration is one member's place at an event.
type Registration struct {
	ID                  uuid.UUID          `json:"id"`
	EventID             uuid.UUID          `json:"event_id"`
	UserID              uuid.UUID          `json:"user_id"`
	Status              statemachine.State `json:"status"`
	AmountPaid          float64            `json:"amount_paid"`
	RegisteredAt        time.Time          `json:"registered_at"`
	ApprovedAt          *time.Time         `json:"approved_at,omitempty"`
	AttendedAt          *time.Time         `json:"attended_at,omitempty"`
	CancelledAt         *time.Time         `json:"cancelled_at,omitempty"`
	Notes               string             `json:"notes,omitempty"`
	CPEHoursEarned      float64            `json:"cpe_hours_earned"`
	CertificateIssued   bool               `json:"certificate_issued"`
	CertificateIssuedAt *time.Time         `json:"certificate_issued_at,omitempty"`
	CertificateNumber   string             `json:"certificate_number,omitempty"`
	CertificateURL      string             `json:"certificate_url,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	Version             int                `json:"version"`
}

func (r *Registration) State() statemachine.State     { return r.Status }
func (r *Registration) SetState(s statemachine.State) { r.Status = s }

// CertificatePrefix scopes the certificate sequence to the issue year.
func CertificatePrefix(at time.Time) string {
	return fmt.Sprintf("KFA-EV-%d", at.Year())
}

func certificateNumber(prefix string, seq int) string {
	return fmt.Sprintf("%s-%06d", prefix, seq)
}
