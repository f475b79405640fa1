package certification

import (
	"time"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

const (
	Begin  = "begin"
	Pass   = "pass"
	Fail   = "fail"
	Revoke = "revoke"
	Issue  = "issue"
	Expire = "expire"
)

// EffectArtifact is the effect key holding the artifact.Request of an
// issued certificate.
const EffectArtifact = "artifact_request"

type transitionCtx = statemachine.Context[*Certification]

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func review(c *transitionCtx) {
	by := c.Actor.ID
	at := c.Now
	c.Entity.ReviewedBy = &by
	c.Entity.ReviewedAt = &at
	c.Entity.UpdatedAt = c.Now
}

func recordScore(c *transitionCtx) error {
	score, ok, err := c.Payload.Float("exam_score")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if score < 0 || score > 100 {
		return sentinel.New(sentinel.ErrInvalidInput, "exam_score must be between 0 and 100, got %v", score)
	}
	c.Entity.ExamScore = &score
	return nil
}

// Definition is the certification graph. Issue is a latch on passed.
func Definition(store Store) statemachine.Definition[*Certification] {
	return statemachine.Definition[*Certification]{
		Entity: EntityType,
		States: []statemachine.State{
			StatusPending, StatusInProgress, StatusPassed,
			StatusFailed, StatusExpired, StatusRevoked,
		},
		Transitions: []statemachine.Transition[*Certification]{
			{
				Name:       Begin,
				From:       []statemachine.State{StatusPending},
				To:         StatusInProgress,
				Capability: actor.CapManageCertifications,
				Effect: func(c *transitionCtx) error {
					examDate, ok, err := c.Payload.Date("exam_date")
					if err != nil {
						return err
					}
					if ok {
						d := day(examDate)
						c.Entity.ExamDate = &d
					}
					c.Entity.UpdatedAt = c.Now
					return nil
				},
			},
			{
				Name:       Pass,
				From:       []statemachine.State{StatusInProgress},
				To:         StatusPassed,
				Capability: actor.CapManageCertifications,
				Effect: func(c *transitionCtx) error {
					if err := recordScore(c); err != nil {
						return err
					}
					review(c)
					return nil
				},
			},
			{
				Name:       Fail,
				From:       []statemachine.State{StatusInProgress},
				To:         StatusFailed,
				Capability: actor.CapManageCertifications,
				Effect: func(c *transitionCtx) error {
					if err := recordScore(c); err != nil {
						return err
					}
					review(c)
					return nil
				},
			},
			{
				Name:       Revoke,
				From:       []statemachine.State{StatusPassed},
				To:         StatusRevoked,
				Capability: actor.CapManageCertifications,
				Guard: func(c *transitionCtx) error {
					if c.Payload.String("reason") == "" {
						return sentinel.New(sentinel.ErrGuardRejected, "a revocation reason is required")
					}
					return nil
				},
				Effect: func(c *transitionCtx) error {
					c.Entity.RevocationReason = c.Payload.String("reason")
					review(c)
					return nil
				},
			},
			{
				Name:       Issue,
				From:       []statemachine.State{StatusPassed},
				To:         StatusPassed,
				Capability: actor.CapManageCertifications,
				Guard: func(c *transitionCtx) error {
					if c.Entity.Issued() {
						return sentinel.New(sentinel.ErrAlreadyTerminal, "certificate %s was already issued", c.Entity.CertificateNumber)
					}
					return nil
				},
				Effect: func(c *transitionCtx) error {
					p, err := store.GetCertificationProgram(c.Ctx, c.Entity.ProgramID)
					if err != nil {
						return err
					}
					issued := day(c.Now)
					expiry := AddMonths(issued, p.ValidityMonths)

					prefix := numberPrefix(p.Code, issued)
					n, err := store.CountCertificateNumbers(c.Ctx, prefix)
					if err != nil {
						return err
					}
					c.Entity.IssuedDate = &issued
					c.Entity.ExpiryDate = &expiry
					c.Entity.CertificateNumber = formatNumber(prefix, n+1)
					c.Entity.UpdatedAt = c.Now

					c.Emit("certificate_number", c.Entity.CertificateNumber)
					c.Emit("issued_date", issued.Format(time.DateOnly))
					c.Emit("expiry_date", expiry.Format(time.DateOnly))
					c.Emit(EffectArtifact, artifact.Request{
						Kind:              artifact.KindCertification,
						EntityID:          c.Entity.ID,
						UserID:            c.Entity.UserID,
						CertificateNumber: c.Entity.CertificateNumber,
						Title:             p.Name,
						IssuedAt:          issued,
					})
					return nil
				},
			},
			{
				Name: Expire,
				From: []statemachine.State{StatusPassed},
				To:   StatusExpired,
				Guard: func(c *transitionCtx) error {
					if !c.Actor.Has(actor.CapSweepCertifications) && !c.Actor.Has(actor.CapManageCertifications) {
						return sentinel.New(sentinel.ErrForbidden, "expire requires capability %s", actor.CapSweepCertifications)
					}
					if !c.Entity.Expired(c.Now) {
						return sentinel.New(sentinel.ErrGuardRejected, "certification has not reached its expiry date")
					}
					return nil
				},
				Effect: func(c *transitionCtx) error {
					c.Entity.UpdatedAt = c.Now
					return nil
				},
			},
		},
	}
}
