package enrollment

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
	Start            = "start"
	UpdateProgress   = "update_progress"
	Complete         = "complete"
	Fail             = "fail"
	Drop             = "drop"
	Cancel           = "cancel"
	IssueCertificate = "issue_certificate"
)

// EffectArtifact is the effect key holding the artifact.Request of an
// issued certificate.
const EffectArtifact = "artifact_request"

type transitionCtx = statemachine.Context[*Enrollment]

func ownerOrManager(c *transitionCtx) error {
	if !c.Actor.IsOwnerOr(c.Entity.UserID, actor.CapManagePrograms) {
		return sentinel.New(sentinel.ErrForbidden, "only the student or a program manager can do this")
	}
	return nil
}

func touch(c *transitionCtx) error {
	c.Entity.UpdatedAt = c.Now
	return nil
}

// examScore reads the exam_score payload. A program with an exam cannot be
// completed without one.
func examScore(c *transitionCtx, p *Program) (*float64, error) {
	score, ok, err := c.Payload.Float("exam_score")
	if err != nil {
		return nil, err
	}
	if !ok {
		if p.HasExam {
			return nil, sentinel.New(sentinel.ErrGuardRejected, "%q has an exam, exam_score is required", p.Title)
		}
		return nil, nil
	}
	if score < 0 || score > 100 {
		return nil, sentinel.New(sentinel.ErrInvalidInput, "exam_score must be between 0 and 100, got %v", score)
	}
	return &score, nil
}

// Definition is the enrollment graph.
func Definition(store Store) statemachine.Definition[*Enrollment] {
	return statemachine.Definition[*Enrollment]{
		Entity: EntityType,
		States: []statemachine.State{
			StatusPending, StatusApproved, StatusRejected, StatusActive,
			StatusCompleted, StatusFailed, StatusDropped, StatusCancelled,
		},
		Transitions: []statemachine.Transition[*Enrollment]{
			{
				Name:       Approve,
				From:       []statemachine.State{StatusPending},
				To:         StatusApproved,
				Capability: actor.CapManagePrograms,
				Guard: func(c *transitionCtx) error {
					p, err := store.LockProgram(c.Ctx, c.Entity.ProgramID)
					if err != nil {
						return err
					}
					if !p.Open(c.Now) {
						return sentinel.New(sentinel.ErrGuardRejected, "enrollment for %q is closed", p.Title)
					}
					if !p.HasCapacity() {
						return sentinel.New(sentinel.ErrGuardRejected, "%q is full", p.Title)
					}
					return nil
				},
				Effect: func(c *transitionCtx) error {
					ok, err := store.ReserveProgramSeat(c.Ctx, c.Entity.ProgramID)
					if err != nil {
						return err
					}
					if !ok {
						return sentinel.New(sentinel.ErrGuardRejected, "program is full")
					}
					at := c.Now
					c.Entity.ApprovedAt = &at
					return touch(c)
				},
			},
			{
				Name:       Reject,
				From:       []statemachine.State{StatusPending},
				To:         StatusRejected,
				Capability: actor.CapManagePrograms,
				Guard: func(c *transitionCtx) error {
					if c.Payload.String("reason") == "" {
						return sentinel.New(sentinel.ErrGuardRejected, "a rejection reason is required")
					}
					return nil
				},
				Effect: func(c *transitionCtx) error {
					c.Entity.Notes = c.Payload.String("reason")
					return touch(c)
				},
			},
			{
				Name:  Start,
				From:  []statemachine.State{StatusApproved},
				To:    StatusActive,
				Guard: ownerOrManager,
				Effect: func(c *transitionCtx) error {
					at := c.Now
					c.Entity.StartedAt = &at
					return touch(c)
				},
			},
			{
				Name:  UpdateProgress,
				From:  []statemachine.State{StatusActive},
				To:    StatusActive,
				Guard: ownerOrManager,
				Effect: func(c *transitionCtx) error {
					pct, ok, err := c.Payload.Int("percent")
					if err != nil {
						return sentinel.Wrap(sentinel.ErrInvalidProgress, err, "percent must be a whole number")
					}
					if !ok {
						return sentinel.New(sentinel.ErrInvalidProgress, "percent is required")
					}
					if pct < 0 || pct > 100 {
						return sentinel.New(sentinel.ErrInvalidProgress, "progress must be between 0 and 100, got %d", pct)
					}
					c.Entity.Progress = pct
					c.Emit("progress", c.Entity.Progress)
					return touch(c)
				},
			},
			{
				Name:       Complete,
				From:       []statemachine.State{StatusActive},
				To:         StatusCompleted,
				Alt:        []statemachine.State{StatusFailed},
				Capability: actor.CapManagePrograms,
				Route: func(c *transitionCtx) (statemachine.State, error) {
					p, err := store.GetProgram(c.Ctx, c.Entity.ProgramID)
					if err != nil {
						return "", err
					}
					score, err := examScore(c, p)
					if err != nil {
						return "", err
					}
					if score != nil && !p.Passes(*score) {
						return StatusFailed, nil
					}
					return StatusCompleted, nil
				},
				Effect: func(c *transitionCtx) error {
					p, err := store.GetProgram(c.Ctx, c.Entity.ProgramID)
					if err != nil {
						return err
					}
					score, err := examScore(c, p)
					if err != nil {
						return err
					}
					at := c.Now
					c.Entity.ExamScore = score
					c.Entity.CompletedAt = &at

					if c.To == StatusFailed {
						c.Entity.Passed = false
						c.Entity.CPEHoursEarned = 0
						c.Emit("passed", false)
						return touch(c)
					}

					c.Entity.Passed = true
					c.Entity.Progress = 100
					c.Entity.CPEHoursEarned = p.CPEHours
					credit, err := cpe.NewCredit(c.Entity.UserID, cpe.FromProgramEnrollment(c.Entity.ID),
						p.Title, p.Category, p.CPEHours, c.Now, c.Now)
					if err != nil {
						return err
					}
					if err := store.InsertActivity(c.Ctx, credit); err != nil {
						return err
					}
					c.Emit("passed", true)
					c.Emit("cpe_hours", p.CPEHours)
					c.Emit("cpe_activity_id", credit.ID.String())
					return touch(c)
				},
			},
			{
				Name:       Fail,
				From:       []statemachine.State{StatusActive},
				To:         StatusFailed,
				Capability: actor.CapManagePrograms,
				Effect: func(c *transitionCtx) error {
					at := c.Now
					c.Entity.Passed = false
					c.Entity.CompletedAt = &at
					if reason := c.Payload.String("reason"); reason != "" {
						c.Entity.Notes = reason
					}
					return touch(c)
				},
			},
			{
				Name:  Drop,
				From:  []statemachine.State{StatusActive},
				To:    StatusDropped,
				Guard: ownerOrManager,
				Effect: func(c *transitionCtx) error {
					if reason := c.Payload.String("reason"); reason != "" {
						c.Entity.Notes = reason
					}
					return touch(c)
				},
			},
			{
				Name:  Cancel,
				From:  []statemachine.State{StatusApproved, StatusActive},
				To:    StatusCancelled,
				Guard: ownerOrManager,
				Effect: func(c *transitionCtx) error {
					if err := store.ReleaseProgramSeat(c.Ctx, c.Entity.ProgramID); err != nil {
						return err
					}
					if reason := c.Payload.String("reason"); reason != "" {
						c.Entity.Notes = reason
					}
					return touch(c)
				},
			},
			{
				Name:       IssueCertificate,
				From:       []statemachine.State{StatusCompleted},
				To:         StatusCompleted,
				Capability: actor.CapManagePrograms,
				Guard: func(c *transitionCtx) error {
					if c.Entity.CertificateIssued {
						return sentinel.New(sentinel.ErrAlreadyTerminal, "certificate %s was already issued", c.Entity.CertificateNumber)
					}
					p, err := store.GetProgram(c.Ctx, c.Entity.ProgramID)
					if err != nil {
						return err
					}
					if !p.IssuesCertificate {
						return sentinel.New(sentinel.ErrGuardRejected, "%q does not issue certificates", p.Title)
					}
					return nil
				},
				Effect: func(c *transitionCtx) error {
					p, err := store.GetProgram(c.Ctx, c.Entity.ProgramID)
					if err != nil {
						return err
					}
					prefix := CertificatePrefix(c.Now)
					last, err := store.LastProgramCertificate(c.Ctx, prefix)
					if err != nil {
						return err
					}
					at := c.Now
					c.Entity.CertificateIssued = true
					c.Entity.CertificateIssuedAt = &at
					c.Entity.CertificateNumber = certificateNumber(prefix, last+1)

					c.Emit("certificate_number", c.Entity.CertificateNumber)
					c.Emit(EffectArtifact, artifact.Request{
						Kind:              artifact.KindProgramEnrollment,
						EntityID:          c.Entity.ID,
						UserID:            c.Entity.UserID,
						CertificateNumber: c.Entity.CertificateNumber,
						Title:             p.Title,
						IssuedAt:          c.Now,
					})
					return touch(c)
				},
			},
		},
	}
}
