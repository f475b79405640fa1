// Package actor resolves who is calling a workflow and what they may do.
package actor

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// Capability is a named privilege checked by the state machine before a
// transition runs.
type Capability string

const (
	CapReviewApplications   Capability = "applications:review"
	CapManageEvents         Capability = "events:manage"
	CapManagePrograms       Capability = "programs:manage"
	CapReviewCPE            Capability = "cpe:review"
	CapManageCertifications Capability = "certifications:manage"
	CapSweepCertifications  Capability = "certifications:sweep"
	CapRecordPayments       Capability = "payments:record"
	CapAttachArtifacts      Capability = "artifacts:attach"
	CapPurge                Capability = "admin:purge"
)

// Actor is the authenticated caller of a workflow operation.
type Actor struct {
	ID           uuid.UUID    `json:"id"`
	Name         string       `json:"name,omitempty"`
	Capabilities []Capability `json:"capabilities"`
}

// New builds an Actor holding the given capabilities.
func New(id uuid.UUID, caps ...Capability) Actor {
	return Actor{ID: id, Capabilities: caps}
}

// System is the actor used for transitions the engine triggers itself.
func System(caps ...Capability) Actor {
	return Actor{ID: uuid.Nil, Name: "system", Capabilities: caps}
}

// Has reports whether the actor holds c. The empty capability is always held.
func (a Actor) Has(c Capability) bool {
	if c == "" {
		return true
	}
	return slices.Contains(a.Capabilities, c)
}

// IsOwnerOr reports whether the actor is the subject user or holds c.
func (a Actor) IsOwnerOr(owner uuid.UUID, c Capability) bool {
	if a.ID != uuid.Nil && a.ID == owner {
		return true
	}
	return c != "" && a.Has(c)
}

type ctxKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the actor stored by WithActor.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}
