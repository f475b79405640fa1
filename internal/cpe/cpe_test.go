package cpe_test

import (
	"context"
	"maps"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
	"kfalifecycle/internal/store/memory"
)

var (
	reviewer = actor.New(uuid.New(), actor.CapReviewCPE)
	now      = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)
)

func newService() (cpe.Service, *memory.Store) {
	store := memory.New()
	return cpe.NewService(store, cpe.Config{Now: func() time.Time { return now }}), store
}

func TestSelfStudyWaitsForReview(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	userID := uuid.New()
	member := actor.New(userID)

	a, err := svc.ReportSelfStudy(ctx, member, cpe.ReportInput{
		UserID:       userID,
		Title:        "IIA standards reading",
		Hours:        2.5,
		ActivityDate: time.Date(2025, 3, 10, 18, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, cpe.StatusPending, a.Status)
	assert.Equal(t, cpe.CategorySelfStudy, a.Category)
	assert.Equal(t, cpe.SelfStudy(), a.Source)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), a.ActivityDate)

	total, err := svc.TotalApprovedHours(ctx, userID, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), now)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = svc.Transition(ctx, a.ID, cpe.Approve, member, nil)
	assert.ErrorIs(t, err, sentinel.ErrForbidden)

	out, err := svc.Transition(ctx, a.ID, cpe.Approve, reviewer, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.5, out.Effects["hours"])

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, reviewer.ID, *got.ApprovedBy)

	total, err = svc.TotalApprovedHours(ctx, userID, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), now)
	require.NoError(t, err)
	assert.Equal(t, 2.5, total)

	_, err = svc.Transition(ctx, a.ID, cpe.Reject, reviewer, map[string]any{"reason": "late"})
	assert.ErrorIs(t, err, sentinel.ErrAlreadyTerminal)
}

func TestReportSelfStudyValidation(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	userID := uuid.New()
	member := actor.New(userID)
	valid := cpe.ReportInput{UserID: userID, Title: "Webinar", Hours: 1, ActivityDate: now}

	cases := []struct {
		name   string
		act    actor.Actor
		mutate func(*cpe.ReportInput)
		want   error
	}{
		{"someone else", actor.New(uuid.New()), func(*cpe.ReportInput) {}, sentinel.ErrForbidden},
		{"negative hours", member, func(in *cpe.ReportInput) { in.Hours = -1 }, sentinel.ErrInvalidHours},
		{"NaN hours", member, func(in *cpe.ReportInput) { in.Hours = math.NaN() }, sentinel.ErrInvalidHours},
		{"missing title", member, func(in *cpe.ReportInput) { in.Title = " " }, sentinel.ErrInvalidInput},
		{"missing date", member, func(in *cpe.ReportInput) { in.ActivityDate = time.Time{} }, sentinel.ErrInvalidInput},
		{"unknown category", member, func(in *cpe.ReportInput) { in.Category = "karaoke" }, sentinel.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mutate(&in)
			_, err := svc.ReportSelfStudy(ctx, tc.act, in)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	a, err := svc.ReportSelfStudy(ctx, reviewer, valid)
	require.NoError(t, err, "reviewers may report on behalf of members")
	assert.Equal(t, userID, a.UserID)
}

func TestRejectNeedsReason(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	userID := uuid.New()
	a, err := svc.ReportSelfStudy(ctx, actor.New(userID), cpe.ReportInput{UserID: userID, Title: "Book", Hours: 3, ActivityDate: now})
	require.NoError(t, err)

	_, err = svc.Transition(ctx, a.ID, cpe.Reject, reviewer, nil)
	assert.ErrorIs(t, err, sentinel.ErrGuardRejected)

	_, err = svc.Transition(ctx, a.ID, cpe.Reject, reviewer, map[string]any{"reason": "no evidence"})
	require.NoError(t, err)
	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, cpe.StatusRejected, got.Status)
	assert.Equal(t, "no evidence", got.RejectionReason)
}

// heldCertification seeds a certification of userID in the given status and
// returns it as a credit source.
func heldCertification(t require.TestingT, store *memory.Store, userID uuid.UUID, status statemachine.State) cpe.Source {
	ctx := context.Background()
	p := &certification.Program{ID: uuid.New(), Name: "Certified Fraud Examiner", Type: certification.Basic, ValidityMonths: 36}
	p.Code = "CFE-" + strings.ToUpper(p.ID.String()[:8])
	require.NoError(t, store.InsertCertificationProgram(ctx, p))
	c := &certification.Certification{
		ID:              uuid.New(),
		UserID:          userID,
		ProgramID:       p.ID,
		Status:          status,
		ApplicationDate: cpe.DateOf(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.InsertCertification(ctx, c))
	return cpe.FromCertification(c.ID)
}

func TestRecordCredit(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	userID := uuid.New()
	src := heldCertification(t, store, userID, certification.StatusPassed)

	_, err := svc.RecordCredit(ctx, actor.New(userID), cpe.CreditInput{UserID: userID, Source: src, Title: "Exam", Hours: 4})
	assert.ErrorIs(t, err, sentinel.ErrForbidden)

	a, err := svc.RecordCredit(ctx, reviewer, cpe.CreditInput{UserID: userID, Source: src, Title: "Exam", Category: "unheard", Hours: 4})
	require.NoError(t, err)
	assert.Equal(t, cpe.StatusApproved, a.Status)
	assert.Equal(t, cpe.CategoryOther, a.Category)
	assert.Equal(t, cpe.DateOf(now), a.ActivityDate)
	require.NotNil(t, a.ApprovedBy)
	assert.Equal(t, reviewer.ID, *a.ApprovedBy)

	_, err = svc.RecordCredit(ctx, reviewer, cpe.CreditInput{UserID: userID, Source: src, Title: "Exam again", Hours: 4})
	assert.ErrorIs(t, err, sentinel.ErrConflict, "a source credits hours once")
}

func TestRecordCreditRejectsUnearnedSources(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	userID := uuid.New()

	cases := []struct {
		name string
		src  cpe.Source
		want error
	}{
		{"self study", cpe.SelfStudy(), sentinel.ErrInvalidInput},
		{"event registration", cpe.FromEventRegistration(uuid.New()), sentinel.ErrInvalidInput},
		{"program enrollment", cpe.FromProgramEnrollment(uuid.New()), sentinel.ErrInvalidInput},
		{"unknown certification", cpe.FromCertification(uuid.New()), sentinel.ErrNotFound},
		{"another member's certification", heldCertification(t, store, uuid.New(), certification.StatusPassed), sentinel.ErrInvalidInput},
		{"certification in progress", heldCertification(t, store, userID, certification.StatusInProgress), sentinel.ErrGuardRejected},
		{"revoked certification", heldCertification(t, store, userID, certification.StatusRevoked), sentinel.ErrGuardRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RecordCredit(ctx, reviewer, cpe.CreditInput{UserID: userID, Source: tc.src, Title: "Forum", Hours: 40})
			assert.ErrorIs(t, err, tc.want)
		})
	}

	lines, err := svc.List(ctx, userID, cpe.Filter{})
	require.NoError(t, err)
	assert.Empty(t, lines)

	expired := heldCertification(t, store, userID, certification.StatusExpired)
	_, err = svc.RecordCredit(ctx, reviewer, cpe.CreditInput{UserID: userID, Source: expired, Title: "Exam", Hours: 2})
	assert.NoError(t, err, "an expired certification was still earned")
}

func TestLedgerLinesReferenceTheCreditedMembersEntity(t *testing.T) {
	_, store := newService()
	ctx := context.Background()
	userID := uuid.New()

	orphan, err := cpe.NewCredit(userID, cpe.FromEventRegistration(uuid.New()), "Forum", cpe.CategoryConference, 40, now, now)
	require.NoError(t, err)
	assert.ErrorIs(t, store.InsertActivity(ctx, orphan), sentinel.ErrNotFound)

	src := heldCertification(t, store, uuid.New(), certification.StatusPassed)
	foreign, err := cpe.NewCredit(userID, src, "Exam", cpe.CategoryTraining, 8, now, now)
	require.NoError(t, err)
	assert.ErrorIs(t, store.InsertActivity(ctx, foreign), sentinel.ErrInvalidInput)
}

func TestTotalApprovedHoursWindowIsInclusive(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	userID := uuid.New()

	for i, day := range []int{1, 15, 31} {
		_, err := svc.RecordCredit(ctx, reviewer, cpe.CreditInput{
			UserID:       userID,
			Source:       heldCertification(t, store, userID, certification.StatusPassed),
			Title:        "Module",
			Hours:        float64(i + 1),
			ActivityDate: time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	total, err := svc.TotalApprovedHours(ctx, userID,
		time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC), time.Date(2025, 1, 31, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 6.0, total)

	total, err = svc.TotalApprovedHours(ctx, userID, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2.0, total)

	_, err = svc.TotalApprovedHours(ctx, userID, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, sentinel.ErrInvalidInput)
}

func TestListFiltersNewestFirst(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	userID := uuid.New()
	member := actor.New(userID)

	for _, day := range []int{3, 20, 11} {
		_, err := svc.ReportSelfStudy(ctx, member, cpe.ReportInput{
			UserID: userID, Title: "Reading", Hours: 1, ActivityDate: time.Date(2025, 5, day, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}
	_, err := svc.RecordCredit(ctx, reviewer, cpe.CreditInput{
		UserID: userID, Source: heldCertification(t, store, userID, certification.StatusPassed), Title: "Exam", Category: cpe.CategoryTraining,
		Hours: 8, ActivityDate: time.Date(2025, 5, 25, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	all, err := svc.List(ctx, userID, cpe.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, 25, all[0].ActivityDate.Day())
	assert.Equal(t, 3, all[3].ActivityDate.Day())

	pending, err := svc.List(ctx, userID, cpe.Filter{Status: cpe.StatusPending, From: time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 20, pending[0].ActivityDate.Day())

	training, err := svc.List(ctx, userID, cpe.Filter{Category: cpe.CategoryTraining})
	require.NoError(t, err)
	assert.Len(t, training, 1)
}

// The approved total of a window equals the sum of the approved lines dated
// inside it, whatever mix of reports, credits and reviews produced them.
func TestTotalApprovedHoursMatchesLedger(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc, store := newService()
		ctx := context.Background()
		userID := uuid.New()
		member := actor.New(userID)
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

		type line struct {
			day      int
			hours    float64
			approved bool
		}
		var lines []line

		n := rapid.IntRange(0, 25).Draw(rt, "lines")
		for i := 0; i < n; i++ {
			day := rapid.IntRange(0, 364).Draw(rt, "day")
			hours := float64(rapid.IntRange(0, 40).Draw(rt, "quarters")) * 0.25
			date := base.AddDate(0, 0, day)

			switch rapid.IntRange(0, 2).Draw(rt, "kind") {
			case 0:
				_, err := svc.RecordCredit(ctx, reviewer, cpe.CreditInput{
					UserID: userID, Source: heldCertification(rt, store, userID, certification.StatusPassed), Title: "Exam", Hours: hours, ActivityDate: date,
				})
				require.NoError(rt, err)
				lines = append(lines, line{day, hours, true})
			default:
				a, err := svc.ReportSelfStudy(ctx, member, cpe.ReportInput{UserID: userID, Title: "Study", Hours: hours, ActivityDate: date})
				require.NoError(rt, err)
				approve := rapid.Bool().Draw(rt, "approve")
				if approve {
					_, err = svc.Transition(ctx, a.ID, cpe.Approve, reviewer, nil)
				} else if rapid.Bool().Draw(rt, "reject") {
					_, err = svc.Transition(ctx, a.ID, cpe.Reject, reviewer, map[string]any{"reason": "no"})
				}
				require.NoError(rt, err)
				lines = append(lines, line{day, hours, approve})
			}
		}

		from := rapid.IntRange(0, 364).Draw(rt, "from")
		to := rapid.IntRange(from, 364).Draw(rt, "to")
		want := 0.0
		for _, l := range lines {
			if l.approved && l.day >= from && l.day <= to {
				want += l.hours
			}
		}

		got, err := svc.TotalApprovedHours(ctx, userID, base.AddDate(0, 0, from), base.AddDate(0, 0, to))
		require.NoError(rt, err)
		if got != want {
			rt.Fatalf("total %v, ledger says %v", got, want)
		}
	})
}

// The per-category split of a window holds exactly the approved lines dated
// inside it and adds up to the window's total.
func TestHoursByCategoryPartitionsTheTotal(t *testing.T) {
	all := []cpe.Category{
		cpe.CategoryTraining, cpe.CategoryWebinar, cpe.CategoryConference, cpe.CategorySelfStudy,
		cpe.CategoryTeaching, cpe.CategoryWriting, cpe.CategoryResearch, cpe.CategoryOther,
	}
	rapid.Check(t, func(rt *rapid.T) {
		svc, store := newService()
		ctx := context.Background()
		userID := uuid.New()
		member := actor.New(userID)
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

		type line struct {
			day      int
			category cpe.Category
			hours    float64
			approved bool
		}
		var lines []line

		n := rapid.IntRange(0, 25).Draw(rt, "lines")
		for i := 0; i < n; i++ {
			day := rapid.IntRange(0, 364).Draw(rt, "day")
			category := rapid.SampledFrom(all).Draw(rt, "category")
			hours := float64(rapid.IntRange(0, 40).Draw(rt, "quarters")) * 0.25
			date := base.AddDate(0, 0, day)

			if rapid.Bool().Draw(rt, "credit") {
				_, err := svc.RecordCredit(ctx, reviewer, cpe.CreditInput{
					UserID: userID, Source: heldCertification(rt, store, userID, certification.StatusPassed),
					Title: "Exam", Category: category, Hours: hours, ActivityDate: date,
				})
				require.NoError(rt, err)
				lines = append(lines, line{day, category, hours, true})
				continue
			}
			a, err := svc.ReportSelfStudy(ctx, member, cpe.ReportInput{
				UserID: userID, Title: "Study", Category: category, Hours: hours, ActivityDate: date,
			})
			require.NoError(rt, err)
			approve := rapid.Bool().Draw(rt, "approve")
			if approve {
				_, err = svc.Transition(ctx, a.ID, cpe.Approve, reviewer, nil)
				require.NoError(rt, err)
			}
			lines = append(lines, line{day, category, hours, approve})
		}

		from := rapid.IntRange(0, 364).Draw(rt, "from")
		to := rapid.IntRange(from, 364).Draw(rt, "to")
		want := map[cpe.Category]float64{}
		for _, l := range lines {
			if l.approved && l.day >= from && l.day <= to {
				want[l.category] += l.hours
			}
		}

		start, end := base.AddDate(0, 0, from), base.AddDate(0, 0, to)
		got, err := svc.HoursByCategory(ctx, userID, start, end)
		require.NoError(rt, err)
		if !maps.Equal(got, want) {
			rt.Fatalf("split %v, ledger says %v", got, want)
		}

		total, err := svc.TotalApprovedHours(ctx, userID, start, end)
		require.NoError(rt, err)
		sum := 0.0
		for _, h := range got {
			sum += h
		}
		if sum != total {
			rt.Fatalf("split adds up to %v, total is %v", sum, total)
		}
	})
}

func TestHoursByCategoryRejectsReversedWindow(t *testing.T) {
	svc, _ := newService()
	_, err := svc.HoursByCategory(context.Background(), uuid.New(),
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, sentinel.ErrInvalidInput)
}
