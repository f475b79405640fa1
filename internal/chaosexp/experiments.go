// Package chaosexp holds the lifecycle chaos experiments: concurrent admin
// actions and collaborator outages run against real workflow services on a
// store, checking the invariants that must survive them.
package chaosexp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/registration"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/pkg/chaos"
)

// Store is what the experiments drive.
type Store interface {
	registration.Store
	cpe.Store
}

var (
	manager  = actor.System(actor.CapManageEvents)
	reviewer = actor.System(actor.CapReviewCPE)
)

// Lab wires the services under test with an injectable document generator.
type Lab struct {
	registrations registration.Service
	ledger        cpe.Service
	issuer        *artifact.Issuer
	docs          *flakyDocuments
	requests      *countingRequester

	mu      sync.Mutex
	events  []uuid.UUID
	issued  []uuid.UUID
	members []uuid.UUID
	latched uuid.UUID
}

// NewLab builds services over store.
func NewLab(store Store, logger *slog.Logger) *Lab {
	l := &Lab{docs: &flakyDocuments{}}
	l.issuer = artifact.NewIssuer(l.docs, logger, 4)
	l.requests = &countingRequester{next: l.issuer, counts: make(map[uuid.UUID]int)}
	l.registrations = registration.NewService(store, registration.Config{Artifacts: l.requests})
	l.ledger = cpe.NewService(store, cpe.Config{})
	l.issuer.Register(artifact.KindEventRegistration, l.registrations)
	return l
}

// Experiments returns the lifecycle suite.
func (l *Lab) Experiments() []chaos.Experiment {
	return []chaos.Experiment{
		l.ConcurrentApprovalExperiment(50, 10),
		l.DuplicateIssuanceExperiment(25),
		l.LedgerReviewRaceExperiment(5, 8),
		l.DocumentOutageExperiment(6),
	}
}

// Wait drains queued artifact generation.
func (l *Lab) Wait() { l.issuer.Wait() }

// ConcurrentApprovalExperiment races approvals for more registrants than an
// event has seats.
func (l *Lab) ConcurrentApprovalExperiment(registrants, capacity int) chaos.Experiment {
	return chaos.Experiment{
		Name:       "concurrent-approval-overbooking",
		Hypothesis: "Concurrent approvals never push registered_count past max_participants",
		SteadyState: []chaos.Metric{
			{Name: "overbooked_events", Query: l.overbookedEvents, Threshold: chaos.Threshold{Operator: "==", Value: 0}},
		},
		Method: []chaos.Action{
			{
				Type:   "concurrent-requests",
				Target: "registration-workflow",
				Parameters: map[string]any{
					"registrants": registrants,
					"capacity":    capacity,
				},
				Execute: func(ctx context.Context) error {
					ev, err := l.createEvent(ctx, &capacity, false)
					if err != nil {
						return err
					}
					regs, err := l.registerMany(ctx, ev.ID, registrants)
					if err != nil {
						return err
					}
					return l.concurrently(len(regs), func(i int) error {
						_, err := l.registrations.Transition(ctx, regs[i], registration.Approve, manager, nil)
						if errors.Is(err, sentinel.ErrGuardRejected) {
							return nil
						}
						return err
					})
				},
			},
		},
		Validation: []chaos.Assertion{
			{
				Metric:    "overbooked_events",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No event may hold more approved registrations than seats",
			},
		},
		Duration:    2 * time.Second,
		BlastRadius: 0.1,
	}
}

// DuplicateIssuanceExperiment fires issue_certificate at one attended
// registration from many admins at once.
func (l *Lab) DuplicateIssuanceExperiment(concurrency int) chaos.Experiment {
	return chaos.Experiment{
		Name:       "duplicate-certificate-issuance",
		Hypothesis: "The issuance latch lets exactly one request through; the rest fail with AlreadyTerminal",
		SteadyState: []chaos.Metric{
			{Name: "latched_certificate_requests", Query: l.latchedRequests, Threshold: chaos.Threshold{Operator: "<=", Value: 1}},
		},
		Method: []chaos.Action{
			{
				Type:       "concurrent-requests",
				Target:     "registration-workflow",
				Parameters: map[string]any{"concurrency": concurrency},
				Execute: func(ctx context.Context) error {
					ev, err := l.createEvent(ctx, nil, true)
					if err != nil {
						return err
					}
					id, err := l.attended(ctx, ev.ID)
					if err != nil {
						return err
					}
					l.mu.Lock()
					l.latched = id
					l.mu.Unlock()

					var wins atomic.Int64
					err = l.concurrently(concurrency, func(int) error {
						_, err := l.registrations.Transition(ctx, id, registration.IssueCertificate, manager, nil)
						switch {
						case err == nil:
							wins.Add(1)
							return nil
						case errors.Is(err, sentinel.ErrAlreadyTerminal):
							return nil
						default:
							return err
						}
					})
					if err != nil {
						return err
					}
					if n := wins.Load(); n != 1 {
						return fmt.Errorf("%d issuance calls succeeded, want 1", n)
					}
					return nil
				},
			},
		},
		Rollback: []chaos.Action{
			{Type: "drain", Target: "artifact-issuer", Execute: func(context.Context) error { l.issuer.Wait(); return nil }},
		},
		Validation: []chaos.Assertion{
			{
				Metric:    "latched_certificate_requests",
				Condition: func(v float64) bool { return v <= 1 },
				Message:   "A certificate must be requested from the document service at most once",
			},
		},
		Duration:    time.Second,
		BlastRadius: 0.05,
	}
}

// LedgerReviewRaceExperiment races approve and reject on the same pending
// self-study lines while totals are read.
func (l *Lab) LedgerReviewRaceExperiment(members, lines int) chaos.Experiment {
	return chaos.Experiment{
		Name:       "ledger-review-race",
		Hypothesis: "Ledger totals always equal the sum of approved lines under concurrent reviews",
		SteadyState: []chaos.Metric{
			{Name: "ledger_drift", Query: l.ledgerDrift, Threshold: chaos.Threshold{Operator: "==", Value: 0}},
		},
		Method: []chaos.Action{
			{
				Type:       "concurrent-requests",
				Target:     "cpe-ledger",
				Parameters: map[string]any{"members": members, "lines": lines},
				Execute: func(ctx context.Context) error {
					var ids []uuid.UUID
					for range members {
						userID := uuid.New()
						l.mu.Lock()
						l.members = append(l.members, userID)
						l.mu.Unlock()
						for j := range lines {
							a, err := l.ledger.ReportSelfStudy(ctx, actor.New(userID), cpe.ReportInput{
								UserID:       userID,
								Title:        fmt.Sprintf("Reading %d", j+1),
								Hours:        0.25 * float64(j+1),
								ActivityDate: time.Now().AddDate(0, 0, -j),
							})
							if err != nil {
								return err
							}
							ids = append(ids, a.ID)
						}
					}
					// Two reviewers per line: one approves, one rejects.
					return l.concurrently(2*len(ids), func(i int) error {
						id := ids[i/2]
						var err error
						if i%2 == 0 {
							_, err = l.ledger.Transition(ctx, id, cpe.Approve, reviewer, nil)
						} else {
							_, err = l.ledger.Transition(ctx, id, cpe.Reject, reviewer, map[string]any{"reason": "duplicate entry"})
						}
						if errors.Is(err, sentinel.ErrAlreadyTerminal) {
							return nil
						}
						return err
					})
				},
			},
		},
		Validation: []chaos.Assertion{
			{
				Metric:    "ledger_drift",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Ledger totals must match approved lines",
			},
		},
		Duration:    time.Second,
		BlastRadius: 0.2,
	}
}

// DocumentOutageExperiment takes the document service down while
// certificates are issued, then brings it back and retries.
func (l *Lab) DocumentOutageExperiment(certificates int) chaos.Experiment {
	return chaos.Experiment{
		Name:       "document-service-outage",
		Hypothesis: "Issuance commits during a document outage and every certificate gets its PDF after retry",
		SteadyState: []chaos.Metric{
			{Name: "pending_artifacts", Query: l.pendingArtifacts, Threshold: chaos.Threshold{Operator: "==", Value: 0}},
		},
		Method: []chaos.Action{
			{
				Type:   "dependency-outage",
				Target: "document-service",
				Execute: func(context.Context) error {
					l.docs.down.Store(true)
					return nil
				},
			},
			{
				Type:       "issue-certificates",
				Target:     "registration-workflow",
				Parameters: map[string]any{"certificates": certificates},
				Execute: func(ctx context.Context) error {
					ev, err := l.createEvent(ctx, nil, true)
					if err != nil {
						return err
					}
					for range certificates {
						id, err := l.attended(ctx, ev.ID)
						if err != nil {
							return err
						}
						if _, err := l.registrations.Transition(ctx, id, registration.IssueCertificate, manager, nil); err != nil {
							return err
						}
					}
					l.issuer.Wait()
					return nil
				},
			},
		},
		Rollback: []chaos.Action{
			{
				Type:   "restore-dependency",
				Target: "document-service",
				Execute: func(ctx context.Context) error {
					l.docs.down.Store(false)
					return l.retryPending(ctx)
				},
			},
		},
		Validation: []chaos.Assertion{
			{
				Metric:    "pending_artifacts",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Every issued certificate must have its document after recovery",
			},
		},
		Duration:    time.Second,
		BlastRadius: 0.3,
	}
}

func (l *Lab) createEvent(ctx context.Context, capacity *int, certificate bool) (*registration.Event, error) {
	ev, err := l.registrations.CreateEvent(ctx, manager, registration.EventInput{
		Title:             "Chaos drill",
		Category:          cpe.CategoryTraining,
		StartsAt:          time.Now().Add(24 * time.Hour),
		MaxParticipants:   capacity,
		CPEHours:          4,
		IssuesCertificate: certificate,
	})
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.events = append(l.events, ev.ID)
	l.mu.Unlock()
	return ev, nil
}

func (l *Lab) registerMany(ctx context.Context, eventID uuid.UUID, n int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, n)
	for range n {
		userID := uuid.New()
		reg, err := l.registrations.Register(ctx, actor.New(userID), eventID, userID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, reg.ID)
	}
	return ids, nil
}

// attended registers a fresh member and walks them to attended.
func (l *Lab) attended(ctx context.Context, eventID uuid.UUID) (uuid.UUID, error) {
	ids, err := l.registerMany(ctx, eventID, 1)
	if err != nil {
		return uuid.Nil, err
	}
	for _, name := range []string{registration.Approve, registration.MarkAttended} {
		if _, err := l.registrations.Transition(ctx, ids[0], name, manager, nil); err != nil {
			return uuid.Nil, err
		}
	}
	l.mu.Lock()
	l.issued = append(l.issued, ids[0])
	l.mu.Unlock()
	return ids[0], nil
}

// concurrently runs fn(0..n-1) at once and joins unexpected errors.
func (l *Lab) concurrently(n int, fn func(i int) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := fn(i); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	return errors.Join(errs...)
}

func (l *Lab) overbookedEvents(ctx context.Context) (float64, error) {
	l.mu.Lock()
	events := append([]uuid.UUID(nil), l.events...)
	l.mu.Unlock()

	var n float64
	for _, id := range events {
		ev, err := l.registrations.GetEvent(ctx, id)
		if err != nil {
			return 0, err
		}
		if ev.MaxParticipants != nil && ev.RegisteredCount > *ev.MaxParticipants {
			n++
		}
	}
	return n, nil
}

func (l *Lab) latchedRequests(context.Context) (float64, error) {
	l.mu.Lock()
	id := l.latched
	l.mu.Unlock()
	return float64(l.requests.count(id)), nil
}

// ledgerDrift sums |total - Σ approved lines| over the lab's members.
func (l *Lab) ledgerDrift(ctx context.Context) (float64, error) {
	l.mu.Lock()
	members := append([]uuid.UUID(nil), l.members...)
	l.mu.Unlock()

	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	var drift float64
	for _, userID := range members {
		total, err := l.ledger.TotalApprovedHours(ctx, userID, start, end)
		if err != nil {
			return 0, err
		}
		lines, err := l.ledger.List(ctx, userID, cpe.Filter{Status: cpe.StatusApproved})
		if err != nil {
			return 0, err
		}
		var sum float64
		for _, a := range lines {
			sum += a.Hours
		}
		drift += math.Abs(total - sum)
	}
	return drift, nil
}

func (l *Lab) issuedWithoutDocument(ctx context.Context) ([]uuid.UUID, error) {
	l.mu.Lock()
	ids := append([]uuid.UUID(nil), l.issued...)
	l.mu.Unlock()

	var pending []uuid.UUID
	for _, id := range ids {
		r, err := l.registrations.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.CertificateIssued && r.CertificateURL == "" {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

func (l *Lab) pendingArtifacts(ctx context.Context) (float64, error) {
	pending, err := l.issuedWithoutDocument(ctx)
	return float64(len(pending)), err
}

func (l *Lab) retryPending(ctx context.Context) error {
	pending, err := l.issuedWithoutDocument(ctx)
	if err != nil {
		return err
	}
	for _, id := range pending {
		if err := l.registrations.RetryArtifact(ctx, id, manager); err != nil {
			return err
		}
	}
	l.issuer.Wait()
	return nil
}

// flakyDocuments renders a fake PDF URL unless it is down.
type flakyDocuments struct {
	down atomic.Bool
}

func (d *flakyDocuments) Generate(_ context.Context, req artifact.Request) (artifact.Artifact, error) {
	if d.down.Load() {
		return artifact.Artifact{}, errors.New("document service unavailable")
	}
	return artifact.Artifact{URL: "https://documents.invalid/" + req.CertificateNumber + ".pdf"}, nil
}

// countingRequester counts generation requests per entity.
type countingRequester struct {
	next artifact.Requester

	mu     sync.Mutex
	counts map[uuid.UUID]int
}

func (c *countingRequester) Request(req artifact.Request) {
	c.mu.Lock()
	c.counts[req.EntityID]++
	c.mu.Unlock()
	c.next.Request(req)
}

func (c *countingRequester) count(id uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}
