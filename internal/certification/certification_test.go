package certification_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/store/memory"
)

var (
	admin   = actor.New(uuid.New(), actor.CapManageCertifications, actor.CapReviewCPE)
	sweeper = actor.New(uuid.New(), actor.CapSweepCertifications)
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	clock    time.Time
	store    *memory.Store
	ledger   cpe.Service
	recorder *artifact.Recorder
	svc      certification.Service
}

func newFixture(store certification.Store, mem *memory.Store) *fixture {
	f := &fixture{
		clock:    time.Date(2025, 1, 15, 11, 30, 0, 0, time.UTC),
		store:    mem,
		recorder: &artifact.Recorder{},
	}
	now := func() time.Time { return f.clock }
	f.ledger = cpe.NewService(mem, cpe.Config{Now: now})
	f.svc = certification.NewService(store, certification.Config{
		Ledger:    f.ledger,
		Artifacts: f.recorder,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       now,
	})
	return f
}

func newMemoryFixture() *fixture {
	mem := memory.New()
	return newFixture(mem, mem)
}

func (f *fixture) program(t *testing.T, hours float64) *certification.Program {
	t.Helper()
	p, err := f.svc.CreateProgram(context.Background(), admin, certification.ProgramInput{
		Code: "cia", Name: "Certified Internal Auditor", Type: certification.Basic, CPEHoursRequired: hours,
	})
	require.NoError(t, err)
	return p
}

// issued walks a fresh attempt of userID through to an issued certificate.
func (f *fixture) issued(t *testing.T, userID uuid.UUID, p *certification.Program) *certification.Certification {
	t.Helper()
	ctx := context.Background()
	c, err := f.svc.Apply(ctx, actor.New(userID), userID, p.ID)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, c.ID, certification.Begin, admin, map[string]any{"exam_date": "2025-01-10"})
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, c.ID, certification.Pass, admin, map[string]any{"exam_score": 82.5})
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, c.ID, certification.Issue, admin, nil)
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	return got
}

func TestAddMonths(t *testing.T) {
	cases := []struct {
		from time.Time
		n    int
		want time.Time
	}{
		{date(2025, 1, 15), 36, date(2028, 1, 15)},
		{date(2025, 1, 31), 1, date(2025, 2, 28)},
		{date(2024, 1, 31), 1, date(2024, 2, 29)},
		{date(2024, 2, 29), 12, date(2025, 2, 28)},
		{date(2025, 11, 30), 3, date(2026, 2, 28)},
		{date(2025, 3, 31), -1, date(2025, 2, 28)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, certification.AddMonths(tc.from, tc.n), "%s + %d months", tc.from.Format(time.DateOnly), tc.n)
	}
}

func TestAddMonthsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		from := date(2000, 1, 1).AddDate(0, 0, rapid.IntRange(0, 20000).Draw(rt, "days"))
		n := rapid.IntRange(0, 240).Draw(rt, "months")
		got := certification.AddMonths(from, n)

		months := (got.Year()-from.Year())*12 + int(got.Month()-from.Month())
		if months != n {
			rt.Fatalf("%s + %d landed %d months later", from.Format(time.DateOnly), n, months)
		}
		if got.Day() > from.Day() {
			rt.Fatalf("day moved forward: %s -> %s", from.Format(time.DateOnly), got.Format(time.DateOnly))
		}
		if got.Day() < from.Day() && got.AddDate(0, 0, 1).Month() == got.Month() {
			rt.Fatalf("day clamped without reaching month end: %s", got.Format(time.DateOnly))
		}
	})
}

func TestCreateProgram(t *testing.T) {
	f := newMemoryFixture()
	ctx := context.Background()

	p := f.program(t, 40)
	assert.Equal(t, "CIA", p.Code)
	assert.Equal(t, certification.DefaultValidityMonths, p.ValidityMonths)
	assert.True(t, p.IsActive)

	_, err := f.svc.CreateProgram(ctx, admin, certification.ProgramInput{Code: "CIA", Name: "Again", Type: certification.Basic})
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	_, err = f.svc.CreateProgram(ctx, admin, certification.ProgramInput{Code: "c i a", Name: "Bad", Type: certification.Basic})
	assert.ErrorIs(t, err, sentinel.ErrInvalidInput)

	_, err = f.svc.CreateProgram(ctx, admin, certification.ProgramInput{Code: "CRMA", Name: "Risk", Type: "honorary"})
	assert.ErrorIs(t, err, sentinel.ErrInvalidInput)

	_, err = f.svc.CreateProgram(ctx, sweeper, certification.ProgramInput{Code: "CRMA", Name: "Risk", Type: certification.Specialized})
	assert.ErrorIs(t, err, sentinel.ErrForbidden)
}

func TestIssueNumbersAndExpiry(t *testing.T) {
	f := newMemoryFixture()
	ctx := context.Background()
	p := f.program(t, 40)
	userID := uuid.New()

	first := f.issued(t, userID, p)
	second := f.issued(t, uuid.New(), p)

	assert.Equal(t, "CIA-2025-0001", first.CertificateNumber)
	assert.Equal(t, "CIA-2025-0002", second.CertificateNumber)
	assert.Equal(t, date(2025, 1, 15), *first.IssuedDate)
	assert.Equal(t, date(2028, 1, 15), *first.ExpiryDate)
	assert.Equal(t, date(2025, 1, 10), *first.ExamDate)
	assert.Equal(t, 82.5, *first.ExamScore)
	assert.Equal(t, admin.ID, *first.ReviewedBy)
	assert.Equal(t, certification.StatusPassed, first.Status)

	_, err := f.svc.Transition(ctx, first.ID, certification.Issue, admin, nil)
	assert.ErrorIs(t, err, sentinel.ErrAlreadyTerminal)

	requests := f.recorder.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, artifact.KindCertification, requests[0].Kind)
	assert.Equal(t, "Certified Internal Auditor", requests[0].Title)
	assert.Equal(t, "CIA-2025-0001", requests[0].CertificateNumber)

	history, err := f.store.History(ctx, certification.EntityType, first.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, certification.StatusPassed, history[2].From)
	assert.Equal(t, certification.StatusPassed, history[2].To)
}

func TestIssueRequiresPassedAttempt(t *testing.T) {
	f := newMemoryFixture()
	ctx := context.Background()
	p := f.program(t, 40)
	userID := uuid.New()

	c, err := f.svc.Apply(ctx, actor.New(userID), userID, p.ID)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, c.ID, certification.Issue, admin, nil)
	assert.ErrorIs(t, err, sentinel.ErrInvalidTransition)

	_, err = f.svc.Transition(ctx, c.ID, certification.Begin, admin, nil)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, c.ID, certification.Fail, admin, map[string]any{"exam_score": 41.0})
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, c.ID, certification.Issue, admin, nil)
	assert.ErrorIs(t, err, sentinel.ErrAlreadyTerminal)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CertificateNumber)
	assert.Nil(t, got.ExpiryDate)
}

func TestApplyChecks(t *testing.T) {
	f := newMemoryFixture()
	ctx := context.Background()
	p := f.program(t, 40)

	_, err := f.svc.Apply(ctx, actor.New(uuid.New()), uuid.New(), p.ID)
	assert.ErrorIs(t, err, sentinel.ErrForbidden)

	_, err = f.svc.Apply(ctx, admin, uuid.New(), uuid.New())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	c, err := f.svc.Apply(ctx, admin, uuid.New(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, certification.StatusPending, c.Status)
	assert.Equal(t, date(2025, 1, 15), c.ApplicationDate)
}

func TestRevokeNeedsReason(t *testing.T) {
	f := newMemoryFixture()
	ctx := context.Background()
	p := f.program(t, 40)
	c := f.issued(t, uuid.New(), p)

	_, err := f.svc.Transition(ctx, c.ID, certification.Revoke, admin, nil)
	assert.ErrorIs(t, err, sentinel.ErrGuardRejected)

	out, err := f.svc.Transition(ctx, c.ID, certification.Revoke, admin, map[string]any{"reason": "ethics violation"})
	require.NoError(t, err)
	assert.True(t, out.Terminal)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "ethics violation", got.RevocationReason)
	assert.Equal(t, "CIA-2025-0001", got.CertificateNumber, "revocation keeps the number")
}

func TestRenewalEvaluation(t *testing.T) {
	f := newMemoryFixture()
	ctx := context.Background()
	p := f.program(t, 40)
	userID := uuid.New()

	_, err := f.svc.EvaluateRenewal(ctx, userID, p.ID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	c := f.issued(t, userID, p)

	specialty, err := f.svc.CreateProgram(ctx, admin, certification.ProgramInput{
		Code: "crma", Name: "Certification in Risk Management Assurance", Type: certification.Specialized,
	})
	require.NoError(t, err)
	credit := func(day time.Time, hours float64) {
		earned := f.issued(t, userID, specialty)
		_, err := f.ledger.RecordCredit(ctx, admin, cpe.CreditInput{
			UserID: userID, Source: cpe.FromCertification(earned.ID), Title: "CRMA exam", Hours: hours, ActivityDate: day,
		})
		require.NoError(t, err)
	}
	credit(date(2024, 12, 31), 30) // before issue, does not count
	credit(date(2025, 1, 15), 20)  // issue day counts
	credit(date(2026, 6, 1), 19.5)

	r, err := f.svc.EvaluateRenewal(ctx, userID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, certification.InsufficientHours, r.Status)
	assert.Equal(t, 39.5, r.HoursEarned)
	assert.Equal(t, 40.0, r.HoursRequired)
	assert.Equal(t, c.ID, r.CertificationID)

	credit(date(2028, 1, 15), 0.5) // expiry day counts
	r, err = f.svc.EvaluateRenewal(ctx, userID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, certification.Eligible, r.Status)

	f.clock = time.Date(2028, 1, 15, 0, 0, 0, 0, time.UTC)
	r, err = f.svc.EvaluateRenewal(ctx, userID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, certification.Expired, r.Status)
}

func TestSweepExpired(t *testing.T) {
	f := newMemoryFixture()
	ctx := context.Background()
	p := f.program(t, 40)

	early := f.issued(t, uuid.New(), p)
	f.clock = f.clock.AddDate(0, 6, 0)
	late := f.issued(t, uuid.New(), p)
	revoked := f.issued(t, uuid.New(), p)
	_, err := f.svc.Transition(ctx, revoked.ID, certification.Revoke, admin, map[string]any{"reason": "fraud"})
	require.NoError(t, err)

	_, err = f.svc.SweepExpired(ctx, actor.New(uuid.New()))
	assert.ErrorIs(t, err, sentinel.ErrForbidden)

	_, err = f.svc.Transition(ctx, early.ID, certification.Expire, sweeper, nil)
	assert.ErrorIs(t, err, sentinel.ErrGuardRejected, "not due yet")

	// on the expiry date itself the certificate is still valid
	f.clock = *early.ExpiryDate
	res, err := f.svc.SweepExpired(ctx, sweeper)
	require.NoError(t, err)
	assert.Equal(t, certification.SweepResult{}, res)

	f.clock = early.ExpiryDate.Add(time.Hour)
	res, err = f.svc.SweepExpired(ctx, sweeper)
	require.NoError(t, err)
	assert.Equal(t, certification.SweepResult{Expired: 1}, res)

	f.clock = late.ExpiryDate.AddDate(0, 0, 1)
	res, err = f.svc.SweepExpired(ctx, sweeper)
	require.NoError(t, err)
	assert.Equal(t, certification.SweepResult{Expired: 1}, res)

	for _, id := range []uuid.UUID{early.ID, late.ID} {
		got, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, certification.StatusExpired, got.Status)
	}
	got, err := f.svc.Get(ctx, revoked.ID)
	require.NoError(t, err)
	assert.Equal(t, certification.StatusRevoked, got.Status)
}

func TestArtifactAttachKeepsQRCode(t *testing.T) {
	f := newMemoryFixture()
	ctx := context.Background()
	p := f.program(t, 40)
	c := f.issued(t, uuid.New(), p)

	require.NoError(t, f.svc.RetryArtifact(ctx, c.ID, admin))
	assert.Len(t, f.recorder.Requests(), 2)

	doc := artifact.Artifact{URL: "https://docs.kfa.kz/cia/0001.pdf", QRCodeURL: "https://docs.kfa.kz/cia/0001.png"}
	require.NoError(t, f.svc.AttachArtifact(ctx, c.ID, doc))
	require.NoError(t, f.svc.AttachArtifact(ctx, c.ID, doc))
	assert.ErrorIs(t, f.svc.AttachArtifact(ctx, c.ID, artifact.Artifact{URL: "https://other"}), sentinel.ErrConflict)
	assert.ErrorIs(t, f.svc.RetryArtifact(ctx, c.ID, admin), sentinel.ErrConflict)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.URL, got.CertificateURL)
	assert.Equal(t, doc.QRCodeURL, got.QRCodeURL)
}

// collidingStore rejects the first certificate number it is asked to save,
// as if a concurrent issuance had committed it first.
type collidingStore struct {
	*memory.Store
	collisions int
}

func (s *collidingStore) SaveCertification(ctx context.Context, c *certification.Certification) error {
	if c.CertificateNumber != "" && s.collisions > 0 {
		s.collisions--
		return sentinel.New(sentinel.ErrConflict, "certificate number %s is taken", c.CertificateNumber)
	}
	return s.Store.SaveCertification(ctx, c)
}

func TestIssueRetriesNumberCollision(t *testing.T) {
	mem := memory.New()
	store := &collidingStore{Store: mem, collisions: 2}
	f := newFixture(store, mem)
	p := f.program(t, 40)

	c := f.issued(t, uuid.New(), p)
	assert.Equal(t, "CIA-2025-0001", c.CertificateNumber)
	assert.Zero(t, store.collisions)

	history, err := mem.History(context.Background(), certification.EntityType, c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3, "failed attempts leave no journal entries")
}

func TestIssueGivesUpAfterRepeatedCollisions(t *testing.T) {
	mem := memory.New()
	store := &collidingStore{Store: mem, collisions: 100}
	f := newFixture(store, mem)
	p := f.program(t, 40)
	ctx := context.Background()
	userID := uuid.New()

	c, err := f.svc.Apply(ctx, admin, userID, p.ID)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, c.ID, certification.Begin, admin, nil)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, c.ID, certification.Pass, admin, nil)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, c.ID, certification.Issue, admin, nil)
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	assert.Equal(t, 95, store.collisions)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Issued())
	assert.Empty(t, f.recorder.Requests())
}
