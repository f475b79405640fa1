package cpe

import (
	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

// Transition names.
const (
	Approve = "approve"
	Reject  = "reject"
)

// Definition is the review graph of a ledger line. Both outcomes are
// terminal; a rejected line is replaced by reporting a new one.
func Definition() statemachine.Definition[*Activity] {
	return statemachine.Definition[*Activity]{
		Entity: EntityType,
		States: []statemachine.State{StatusPending, StatusApproved, StatusRejected},
		Transitions: []statemachine.Transition[*Activity]{
			{
				Name:       Approve,
				From:       []statemachine.State{StatusPending},
				To:         StatusApproved,
				Capability: actor.CapReviewCPE,
				Effect: func(c *statemachine.Context[*Activity]) error {
					by := c.Actor.ID
					at := c.Now
					c.Entity.ApprovedBy = &by
					c.Entity.ApprovedAt = &at
					c.Entity.UpdatedAt = c.Now
					c.Emit("hours", c.Entity.Hours)
					return nil
				},
			},
			{
				Name:       Reject,
				From:       []statemachine.State{StatusPending},
				To:         StatusRejected,
				Capability: actor.CapReviewCPE,
				Guard: func(c *statemachine.Context[*Activity]) error {
					if c.Payload.String("reason") == "" {
						return sentinel.New(sentinel.ErrGuardRejected, "a rejection reason is required")
					}
					return nil
				},
				Effect: func(c *statemachine.Context[*Activity]) error {
					c.Entity.RejectionReason = c.Payload.String("reason")
					c.Entity.UpdatedAt = c.Now
					return nil
				},
			},
		},
	}
}
