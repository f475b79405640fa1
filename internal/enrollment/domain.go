// internal/enrollment/domain.go
package enrollment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

// EntityType names program enrollments in transitions and the journal.
const EntityType = "program_enrollment"

const (
	StatusPending   statemachine.State = "pending"
	StatusApproved  statemachine.State = "approved"
	StatusRejected  statemachine.State = "rejected"
	StatusActive    statemachine.State = "active"
	StatusCompleted statemachine.State = "completed"
	StatusFailed    statemachine.State = "failed"
	StatusDropped   statemachine.State = "dropped"
	StatusCancelled statemachine.State = "cancelled"
)

// Program is a training program from the catalog.
type Program struct {
	ID                 uuid.UUID    `json:"id"`
	Title              string       `json:"title"`
	Category           cpe.Category `json:"category"`
	CPEHours           float64      `json:"cpe_hours"`
	HasExam            bool         `json:"has_exam"`
	PassingScore       *float64     `json:"passing_score,omitempty"`
	IssuesCertificate  bool         `json:"issues_certificate"`
	MaxStudents        *int         `json:"max_students,omitempty"`
	EnrolledCount      int          `json:"enrolled_count"`
	EnrollmentDeadline *time.Time   `json:"enrollment_deadline,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (p *Program) HasCapacity() bool {
	return p.MaxStudents == nil || p.EnrolledCount < *p.MaxStudents
}

func (p *Program) Open(now time.Time) bool {
	return p.EnrollmentDeadline == nil || !now.After(*p.EnrollmentDeadline)
}

// Passes reports whether score meets the passing score. Programs without an
// exam pass everyone.
func (p *Program) Passes(score float64) bool {
	if !p.HasExam || p.PassingScore == nil {
		return true
	}
	return score >= *p.PassingScore
}

// ProgramInput creates a program.
type ProgramInput struct {
	Title              string       `json:"title"`
	Category           cpe.Category `json:"category"`
	CPEHours           float64      `json:"cpe_hours"`
	HasExam            bool         `json:"has_exam"`
	PassingScore       *float64     `json:"passing_score,omitempty"`
	IssuesCertificate  bool         `json:"issues_certificate"`
	MaxStudents        *int         `json:"max_students,omitempty"`
	EnrollmentDeadline *time.Time   `json:"enrollment_deadline,omitempty"`
}

func (in ProgramInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return sentinel.New(sentinel.ErrInvalidInput, "title is required")
	}
	if in.CPEHours < 0 {
		return sentinel.New(sentinel.ErrInvalidHours, "cpe_hours must not be negative")
	}
	if in.HasExam && in.PassingScore == nil {
		return sentinel.New(sentinel.ErrInvalidInput, "programs with an exam need a passing_score")
	}
	if in.PassingScore != nil && (*in.PassingScore < 0 || *in.PassingScore > 100) {
		return sentinel.New(sentinel.ErrInvalidInput, "passing_score must be between 0 and 100")
	}
	if in.MaxStudents != nil && *in.MaxStudents < 0 {
		return sentinel.New(sentinel.ErrInvalidInput, "max_students must not be negative")
	}
	if in.Category != "" && !in.Category.Valid() {
		return sentinel.New(sentinel.ErrInvalidInput, "unknown category %q", in.Category)
	}
	return nil
}

// Enrollment is one member's place in a program.
type Enrollment struct {
	ID                  uuid.UUID          `json:"id"`
	ProgramID           uuid.UUID          `json:"program_id"`
	UserID              uuid.UUID          `json:"user_id"`
	Status              statemachine.State `json:"status"`
	Progress            int                `json:"progress"`
	ExamScore           *float64           `json:"exam_score,omitempty"`
	Passed              bool               `json:"passed"`
	CPEHoursEarned      float64            `json:"cpe_hours_earned"`
	CertificateIssued   bool               `json:"certificate_issued"`
	CertificateIssuedAt *time.Time         `json:"certificate_issued_at,omitempty"`
	CertificateNumber   string             `json:"certificate_number,omitempty"`
	CertificateURL      string             `json:"certificate_url,omitempty"`
	AmountPaid          float64            `json:"amount_paid"`
	EnrolledAt          time.Time          `json:"enrolled_at"`
	ApprovedAt          *time.Time         `json:"approved_at,omitempty"`
	StartedAt           *time.Time         `json:"started_at,omitempty"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
	Notes               string             `json:"notes,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	Version             int                `json:"version"`
}

func (e *Enrollment) State() statemachine.State     { return e.Status }
func (e *Enrollment) SetState(s statemachine.State) { e.Status = s }

// CertificatePrefix scopes the certificate sequence to the issue year.
func CertificatePrefix(at time.Time) string {
	return fmt.Sprintf("KFA-PR-%d", at.Year())
}

func certificateNumber(prefix string, seq int) string {
	return fmt.Sprintf("%s-%06d", prefix, seq)
}
