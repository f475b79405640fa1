package registration

import (
	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

const (
	Approve          = "approve"
	Reject           = "reject"
	Cancel           = "cancel"
	MarkAttended     = "mark_attended"
	MarkNoShow       = "mark_no_show"
	IssueCertificate = "issue_certificate"
)

// EffectArtifact is the effect key holding the artifact.Request of an
// issued certificate.
const EffectArtifact = "artifact_request"

type transitionCtx = statemachine.Context[*Registration]

// Definition is the registration graph. Effects touching the event row and
// the CPE ledger run in the transition's transaction through store.
func Definition(store Store) statemachine.Definition[*Registration] {
	return statemachine.Definition[*Registration]{
		Entity: EntityType,
		States: []statemachine.State{
			StatusPending, StatusApproved, StatusRejected,
			StatusCancelled, StatusAttended, StatusNoShow,
		},
		Transitions: []statemachine.Transition[*Registration]{
			{
				Name:       Approve,
				From:       []statemachine.State{StatusPending},
				To:         StatusApproved,
				Capability: actor.CapManageEvents,
				Guard: func(c *transitionCtx) error {
					ev, err := store.LockEvent(c.Ctx, c.Entity.EventID)
					if err != nil {
						return err
					}
					if !ev.Open(c.Now) {
						return sentinel.New(sentinel.ErrGuardRejected, "registration for %q closed on %s",
							ev.Title, ev.RegistrationDeadline.Format("2006-01-02 15:04"))
					}
					if !ev.HasCapacity() {
						return sentinel.New(sentinel.ErrGuardRejected, "%q is full", ev.Title)
					}
					return nil
				},
				Effect: func(c *transitionCtx) error {
					ok, err := store.ReserveSeat(c.Ctx, c.Entity.EventID)
					if err != nil {
						return err
					}
					if !ok {
						return sentinel.New(sentinel.ErrGuardRejected, "event is full")
					}
					at := c.Now
					c.Entity.ApprovedAt = &at
					c.Entity.UpdatedAt = c.Now
					return nil
				},
			},
			{
				Name:       Reject,
				From:       []statemachine.State{StatusPending},
				To:         StatusRejected,
				Capability: actor.CapManageEvents,
				Guard: func(c *transitionCtx) error {
					if c.Payload.String("reason") == "" {
						return sentinel.New(sentinel.ErrGuardRejected, "a rejection reason is required")
					}
					return nil
				},
				Effect: func(c *transitionCtx) error {
					c.Entity.Notes = c.Payload.String("reason")
					c.Entity.UpdatedAt = c.Now
					return nil
				},
			},
			{
				Name: Cancel,
				From: []statemachine.State{StatusApproved},
				To:   StatusCancelled,
				Guard: func(c *transitionCtx) error {
					if !c.Actor.IsOwnerOr(c.Entity.UserID, actor.CapManageEvents) {
						return sentinel.New(sentinel.ErrForbidden, "only the participant or an event manager can cancel")
					}
					return nil
				},
				Effect: func(c *transitionCtx) error {
					if err := store.ReleaseSeat(c.Ctx, c.Entity.EventID); err != nil {
						return err
					}
					at := c.Now
					c.Entity.CancelledAt = &at
					if reason := c.Payload.String("reason"); reason != "" {
						c.Entity.Notes = reason
					}
					c.Entity.UpdatedAt = c.Now
					return nil
				},
			},
			{
				Name:       MarkAttended,
				From:       []statemachine.State{StatusApproved},
				To:         StatusAttended,
				Capability: actor.CapManageEvents,
				Effect: func(c *transitionCtx) error {
					at := c.Now
					c.Entity.AttendedAt = &at
					c.Entity.UpdatedAt = c.Now

					ev, err := store.GetEvent(c.Ctx, c.Entity.EventID)
					if err != nil {
						return err
					}
					if !ev.IssuesCertificate {
						return nil
					}
					c.Entity.CPEHoursEarned = ev.CPEHours
					credit, err := cpe.NewCredit(c.Entity.UserID, cpe.FromEventRegistration(c.Entity.ID),
						ev.Title, ev.Category, ev.CPEHours, at, c.Now)
					if err != nil {
						return err
					}
					if err := store.InsertActivity(c.Ctx, credit); err != nil {
						return err
					}
					c.Emit("cpe_hours", ev.CPEHours)
					c.Emit("cpe_activity_id", credit.ID.String())
					return nil
				},
			},
			{
				Name:       MarkNoShow,
				From:       []statemachine.State{StatusApproved},
				To:         StatusNoShow,
				Capability: actor.CapManageEvents,
				Effect: func(c *transitionCtx) error {
					c.Entity.UpdatedAt = c.Now
					return nil
				},
			},
			{
				Name:       IssueCertificate,
				From:       []statemachine.State{StatusAttended},
				To:         StatusAttended,
				Capability: actor.CapManageEvents,
				Guard: func(c *transitionCtx) error {
					if c.Entity.CertificateIssued {
						return sentinel.New(sentinel.ErrAlreadyTerminal, "certificate %s was already issued", c.Entity.CertificateNumber)
					}
					ev, err := store.GetEvent(c.Ctx, c.Entity.EventID)
					if err != nil {
						return err
					}
					if !ev.IssuesCertificate {
						return sentinel.New(sentinel.ErrGuardRejected, "%q does not issue certificates", ev.Title)
					}
					return nil
				},
				Effect: func(c *transitionCtx) error {
					ev, err := store.GetEvent(c.Ctx, c.Entity.EventID)
					if err != nil {
						return err
					}
					prefix := CertificatePrefix(c.Now)
					last, err := store.LastEventCertificate(c.Ctx, prefix)
					if err != nil {
						return err
					}
					at := c.Now
					c.Entity.CertificateIssued = true
					c.Entity.CertificateIssuedAt = &at
					c.Entity.CertificateNumber = certificateNumber(prefix, last+1)
					c.Entity.UpdatedAt = c.Now

					c.Emit("certificate_number", c.Entity.CertificateNumber)
					c.Emit(EffectArtifact, artifact.Request{
						Kind:              artifact.KindEventRegistration,
						EntityID:          c.Entity.ID,
						UserID:            c.Entity.UserID,
						CertificateNumber: c.Entity.CertificateNumber,
						Title:             ev.Title,
						IssuedAt:          c.Now,
					})
					return nil
				},
			},
		},
	}
}
