package application

import (
	"strings"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

const (
	StartReview = "start_review"
	Approve     = "approve"
	Reject      = "reject"
)

func stampReview(c *statemachine.Context[*Application]) {
	by := c.Actor.ID
	at := c.Now
	c.Entity.ReviewedBy = &by
	c.Entity.ReviewedAt = &at
	c.Entity.UpdatedAt = c.Now
}

// Definition is the review graph. Reviewing is optional.
func Definition() statemachine.Definition[*Application] {
	return statemachine.Definition[*Application]{
		Entity: EntityType,
		States: []statemachine.State{StatusPending, StatusReviewing, StatusApproved, StatusRejected},
		Transitions: []statemachine.Transition[*Application]{
			{
				Name:       StartReview,
				From:       []statemachine.State{StatusPending},
				To:         StatusReviewing,
				Capability: actor.CapReviewApplications,
				Effect: func(c *statemachine.Context[*Application]) error {
					c.Entity.UpdatedAt = c.Now
					return nil
				},
			},
			{
				Name:       Approve,
				From:       []statemachine.State{StatusPending, StatusReviewing},
				To:         StatusApproved,
				Capability: actor.CapReviewApplications,
				Guard: func(c *statemachine.Context[*Application]) error {
					if missing := c.Entity.Missing(); len(missing) > 0 {
						return sentinel.New(sentinel.ErrGuardRejected,
							"cannot approve without required fields: %s", strings.Join(missing, ", "))
					}
					return nil
				},
				Effect: func(c *statemachine.Context[*Application]) error {
					stampReview(c)
					c.Entity.ReviewNotes = c.Payload.String("notes")
					return nil
				},
			},
			{
				Name:       Reject,
				From:       []statemachine.State{StatusPending, StatusReviewing},
				To:         StatusRejected,
				Capability: actor.CapReviewApplications,
				Guard: func(c *statemachine.Context[*Application]) error {
					if c.Payload.String("reason") == "" {
						return sentinel.New(sentinel.ErrGuardRejected, "a rejection reason is required")
					}
					return nil
				},
				Effect: func(c *statemachine.Context[*Application]) error {
					stampReview(c)
					c.Entity.RejectionReason = c.Payload.String("reason")
					c.Entity.ReviewNotes = c.Payload.String("notes")
					return nil
				},
			},
		},
	}
}
