// internal/cpe/domain.go
package cpe

import (
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

// EntityType names CPE activities in transitions and the journal.
const EntityType = "cpe_activity"

const (
	StatusPending  statemachine.State = "pending"
	StatusApproved statemachine.State = "approved"
	StatusRejected statemachine.State = "rejected"
)

// SourceKind tags where a ledger line came from.
type SourceKind string

const (
	SourceEventRegistration SourceKind = "event_registration"
	SourceProgramEnrollment SourceKind = "program_enrollment"
	SourceCertification     SourceKind = "certification"
	SourceSelfStudy         SourceKind = "self_study"
)

// Source is a typed reference to the entity that earned the hours. Self study
// has no referenced entity.
type Source struct {
	Kind SourceKind `json:"kind"`
	ID   uuid.UUID  `json:"id,omitempty"`
}

func FromEventRegistration(id uuid.UUID) Source {
	return Source{Kind: SourceEventRegistration, ID: id}
}

func FromProgramEnrollment(id uuid.UUID) Source {
	return Source{Kind: SourceProgramEnrollment, ID: id}
}

func FromCertification(id uuid.UUID) Source {
	return Source{Kind: SourceCertification, ID: id}
}

func SelfStudy() Source {
	return Source{Kind: SourceSelfStudy}
}

// Validate rejects unknown kinds and mistyped references.
func (s Source) Validate() error {
	switch s.Kind {
	case SourceSelfStudy:
		if s.ID != uuid.Nil {
			return sentinel.New(sentinel.ErrInvalidInput, "self study activities do not reference an entity")
		}
	case SourceEventRegistration, SourceProgramEnrollment, SourceCertification:
		if s.ID == uuid.Nil {
			return sentinel.New(sentinel.ErrInvalidInput, "%s activities must reference an entity", s.Kind)
		}
	default:
		return sentinel.New(sentinel.ErrInvalidInput, "unknown activity source %q", s.Kind)
	}
	return nil
}

// Trusted sources are credited pre-approved.
func (s Source) Trusted() bool {
	return s.Kind != SourceSelfStudy
}

// Category classifies the kind of learning.
type Category string

const (
	CategoryTraining   Category = "training"
	CategoryWebinar    Category = "webinar"
	CategoryConference Category = "conference"
	CategorySelfStudy  Category = "self_study"
	CategoryTeaching   Category = "teaching"
	CategoryWriting    Category = "writing"
	CategoryResearch   Category = "research"
	CategoryOther      Category = "other"
)

var categories = map[Category]bool{
	CategoryTraining: true, CategoryWebinar: true, CategoryConference: true, CategorySelfStudy: true,
	CategoryTeaching: true, CategoryWriting: true, CategoryResearch: true, CategoryOther: true,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return categories[c] }

// Activity is one credit-hour ledger line.
type Activity struct {
	ID              uuid.UUID          `json:"id"`
	UserID          uuid.UUID          `json:"user_id"`
	Source          Source             `json:"source"`
	Title           string             `json:"title"`
	Description     string             `json:"description,omitempty"`
	Category        Category           `json:"category"`
	Hours           float64            `json:"hours"`
	ActivityDate    time.Time          `json:"activity_date"`
	Status          statemachine.State `json:"status"`
	Evidence        string             `json:"evidence,omitempty"`
	ApprovedBy      *uuid.UUID         `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time         `json:"approved_at,omitempty"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Version         int                `json:"version"`
}

func (a *Activity) State() statemachine.State     { return a.Status }
func (a *Activity) SetState(s statemachine.State) { a.Status = s }

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status   statemachine.State
	Category Category
	From     time.Time
	To       time.Time
}

// Matches applies the filter to a.
func (f Filter) Matches(a *Activity) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	day := DateOf(a.ActivityDate)
	if !f.From.IsZero() && day.Before(DateOf(f.From)) {
		return false
	}
	if !f.To.IsZero() && day.After(DateOf(f.To)) {
		return false
	}
	return true
}

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewCredit builds a pre-approved ledger line for a trusted source. Workflows
// insert it inside the transaction that earned the hours.
func NewCredit(userID uuid.UUID, src Source, title string, category Category, hours float64, date time.Time, now time.Time) (*Activity, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if !src.Trusted() {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "self study cannot be credited pre-approved")
	}
	if hours < 0 {
		return nil, sentinel.New(sentinel.ErrInvalidHours, "hours must not be negative")
	}
	if !category.Valid() {
		category = CategoryOther
	}
	return &Activity{
		ID:           uuid.New(),
		UserID:       userID,
		Source:       src,
		Title:        title,
		Category:     category,
		Hours:        hours,
		ActivityDate: DateOf(date),
		Status:       StatusApproved,
		ApprovedAt:   &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
