// internal/application/domain.go
package application

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

// EntityType names membership applications in transitions and the journal.
const EntityType = "membership_application"

const (
	StatusPending   statemachine.State = "pending"
	StatusReviewing statemachine.State = "reviewing"
	StatusApproved  statemachine.State = "approved"
	StatusRejected  statemachine.State = "rejected"
)

// MembershipType is the membership being applied for.
type MembershipType string

const (
	Individual MembershipType = "individual"
	Corporate  MembershipType = "corporate"
)

// Application is a request to join the association.
type Application struct {
	ID              uuid.UUID          `json:"id"`
	UserID          *uuid.UUID         `json:"user_id,omitempty"`
	MembershipType  MembershipType     `json:"membership_type"`
	FullName        string             `json:"full_name"`
	Email           string             `json:"email"`
	Phone           string             `json:"phone,omitempty"`
	Organization    string             `json:"organization,omitempty"`
	Position        string             `json:"position,omitempty"`
	ExperienceYears int                `json:"experience_years,omitempty"`
	Education       string             `json:"education,omitempty"`
	Motivation      string             `json:"motivation,omitempty"`
	Status          statemachine.State `json:"status"`
	ReviewedBy      *uuid.UUID         `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time         `json:"reviewed_at,omitempty"`
	ReviewNotes     string             `json:"review_notes,omitempty"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Version         int                `json:"version"`
}

func (a *Application) State() statemachine.State     { return a.Status }
func (a *Application) SetState(s statemachine.State) { a.Status = s }

// SubmitInput is what the applicant sends.
type SubmitInput struct {
	MembershipType  MembershipType `json:"membership_type"`
	FullName        string         `json:"full_name"`
	Email           string         `json:"email"`
	Phone           string         `json:"phone"`
	Organization    string         `json:"organization"`
	Position        string         `json:"position"`
	ExperienceYears int            `json:"experience_years"`
	Education       string         `json:"education"`
	Motivation      string         `json:"motivation"`
}

func (in *SubmitInput) normalize() {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.Organization = strings.TrimSpace(in.Organization)
	in.Position = strings.TrimSpace(in.Position)
	in.Education = strings.TrimSpace(in.Education)
	in.Motivation = strings.TrimSpace(in.Motivation)
}

// Validate checks what is needed to accept a submission. Review needs more,
// see Missing.
func (in SubmitInput) Validate() error {
	switch in.MembershipType {
	case Individual, Corporate:
	default:
		return sentinel.New(sentinel.ErrInvalidInput, "membership_type must be individual or corporate")
	}
	if in.FullName == "" {
		return sentinel.New(sentinel.ErrInvalidInput, "full_name is required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return sentinel.New(sentinel.ErrInvalidInput, "email %q is not valid", in.Email)
	}
	if in.ExperienceYears < 0 {
		return sentinel.New(sentinel.ErrInvalidInput, "experience_years must not be negative")
	}
	return nil
}

// Missing lists the applicant fields a reviewer needs before approving.
func (a *Application) Missing() []string {
	var missing []string
	if a.FullName == "" {
		missing = append(missing, "full_name")
	}
	if a.Email == "" {
		missing = append(missing, "email")
	}
	if a.Phone == "" {
		missing = append(missing, "phone")
	}
	if a.Position == "" {
		missing = append(missing, "position")
	}
	if a.Motivation == "" {
		missing = append(missing, "motivation")
	}
	if a.MembershipType == Corporate && a.Organization == "" {
		missing = append(missing, "organization")
	}
	return missing
}
