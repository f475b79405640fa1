// internal/certification/domain.go
package certification

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

// EntityType names certifications in transitions and the journal.
const EntityType = "certification"

const (
	StatusPending    statemachine.State = "pending"
	StatusInProgress statemachine.State = "in_progress"
	StatusPassed     statemachine.State = "passed"
	StatusFailed     statemachine.State = "failed"
	StatusExpired    statemachine.State = "expired"
	StatusRevoked    statemachine.State = "revoked"
)

// ProgramType separates the base certificate from specializations.
type ProgramType string

const (
	Basic       ProgramType = "basic"
	Specialized ProgramType = "specialized"
)

// DefaultValidityMonths applies when a program does not set its own.
const DefaultValidityMonths = 36

// Program is a certification offered by the association.
type Program struct {
	ID               uuid.UUID   `json:"id"`
	Code             string      `json:"code"`
	Name             string      `json:"name"`
	Type             ProgramType `json:"type"`
	CPEHoursRequired float64     `json:"cpe_hours_required"`
	ValidityMonths   int         `json:"validity_months"`
	IsActive         bool        `json:"is_active"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

var codePattern = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9]+)*$`)

// ProgramInput creates a program.
type ProgramInput struct {
	Code             string      `json:"code"`
	Name             string      `json:"name"`
	Type             ProgramType `json:"type"`
	CPEHoursRequired float64     `json:"cpe_hours_required"`
	ValidityMonths   int         `json:"validity_months"`
}

func (in *ProgramInput) normalize() {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	if in.ValidityMonths == 0 {
		in.ValidityMonths = DefaultValidityMonths
	}
}

func (in ProgramInput) Validate() error {
	if !codePattern.MatchString(in.Code) {
		return sentinel.New(sentinel.ErrInvalidInput, "code %q must be upper-case letters, digits and dashes", in.Code)
	}
	if in.Name == "" {
		return sentinel.New(sentinel.ErrInvalidInput, "name is required")
	}
	switch in.Type {
	case Basic, Specialized:
	default:
		return sentinel.New(sentinel.ErrInvalidInput, "type must be basic or specialized")
	}
	if in.CPEHoursRequired < 0 {
		return sentinel.New(sentinel.ErrInvalidHours, "cpe_hours_required must not be negative")
	}
	if in.ValidityMonths < 1 {
		return sentinel.New(sentinel.ErrInvalidInput, "validity_months must be positive")
	}
	return nil
}

// Certification is a member's attempt at, and then holding of, a program.
// ExpiryDate is derived from IssuedDate when the certificate is issued and
// is never written otherwise.
type Certification struct {
	ID                uuid.UUID          `json:"id"`
	UserID            uuid.UUID          `json:"user_id"`
	ProgramID         uuid.UUID          `json:"certification_program_id"`
	CertificateNumber string             `json:"certificate_number,omitempty"`
	Status            statemachine.State `json:"status"`
	ApplicationDate   time.Time          `json:"application_date"`
	ExamDate          *time.Time         `json:"exam_date,omitempty"`
	ExamScore         *float64           `json:"exam_score,omitempty"`
	IssuedDate        *time.Time         `json:"issued_date,omitempty"`
	ExpiryDate        *time.Time         `json:"expiry_date,omitempty"`
	CertificateURL    string             `json:"certificate_url,omitempty"`
	QRCodeURL         string             `json:"qr_code_url,omitempty"`
	ReviewedBy        *uuid.UUID         `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time         `json:"reviewed_at,omitempty"`
	RevocationReason  string             `json:"revocation_reason,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	Version           int                `json:"version"`
}

func (c *Certification) State() statemachine.State     { return c.Status }
func (c *Certification) SetState(s statemachine.State) { c.Status = s }

// Issued reports whether the issuance latch is set.
func (c *Certification) Issued() bool { return c.IssuedDate != nil }

// Expired reports whether the certificate's validity ended before now.
func (c *Certification) Expired(now time.Time) bool {
	return c.ExpiryDate != nil && c.ExpiryDate.Before(now)
}

// AddMonths adds n calendar months to t. A day that does not exist in the
// target month is clamped to its last day (Jan 31 + 1 month = Feb 28/29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// numberPrefix is the per-program, per-year part of a certificate number.
func numberPrefix(code string, at time.Time) string {
	return fmt.Sprintf("%s-%d", code, at.Year())
}

func formatNumber(prefix string, seq int) string {
	return fmt.Sprintf("%s-%04d", prefix, seq)
}

// RenewalStatus is the outcome of a renewal evaluation.
type RenewalStatus string

const (
	Eligible          RenewalStatus = "eligible"
	Expired           RenewalStatus = "expired"
	InsufficientHours RenewalStatus = "insufficientHours"
)

// Renewal explains a renewal decision.
type Renewal struct {
	Status          RenewalStatus `json:"status"`
	UserID          uuid.UUID     `json:"user_id"`
	ProgramID       uuid.UUID     `json:"program_id"`
	CertificationID uuid.UUID     `json:"certification_id"`
	HoursEarned     float64       `json:"hours_earned"`
	HoursRequired   float64       `json:"hours_required"`
	IssuedDate      time.Time     `json:"issued_date"`
	ExpiryDate      time.Time     `json:"expiry_date"`
}

// SweepResult counts what one expiry sweep did.
type SweepResult struct {
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}
