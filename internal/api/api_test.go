package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/api"
	"kfalifecycle/internal/application"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/enrollment"
	"kfalifecycle/internal/ratelimit"
	"kfalifecycle/internal/registration"
	"kfalifecycle/internal/statemachine"
	"kfalifecycle/internal/store/memory"
)

var now = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

type identityFunc func(ctx context.Context, app *application.Application) (uuid.UUID, error)

func (f identityFunc) CreateUserFromApplication(ctx context.Context, app *application.Application) (uuid.UUID, error) {
	return f(ctx, app)
}

type harness struct {
	srv      *httptest.Server
	tokens   *actor.TokenVerifier
	recorder *artifact.Recorder
	member   uuid.UUID
}

// backend is the store surface the router and services need.
type backend interface {
	application.Store
	registration.Store
	enrollment.Store
	cpe.Store
	certification.Store
	api.Journal
	api.Pinger
}

func newHarness(t *testing.T) *harness {
	return newHarnessOn(t, memory.New())
}

func newHarnessOn(t *testing.T, store backend) *harness {
	t.Helper()
	return buildHarness(t, store, nil)
}

func buildHarness(t *testing.T, store backend, submissions *ratelimit.Keyed) *harness {
	t.Helper()
	clock := func() time.Time { return now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := &artifact.Recorder{}
	member := uuid.New()

	ledger := cpe.NewService(store, cpe.Config{Now: clock})
	tokens := actor.NewTokenVerifier("api-test-secret-api-test-secret!", "kfa-test")
	handler := api.NewRouter(api.Deps{
		Applications: application.NewService(store, application.Config{
			Identity: identityFunc(func(context.Context, *application.Application) (uuid.UUID, error) {
				return member, nil
			}),
			Limiter: submissions,
			Logger:  logger,
			Now:     clock,
		}),
		Registrations:  registration.NewService(store, registration.Config{Artifacts: recorder, Now: clock}),
		Enrollments:    enrollment.NewService(store, enrollment.Config{Artifacts: recorder, Now: clock}),
		Ledger:         ledger,
		Certifications: certification.NewService(store, certification.Config{Ledger: ledger, Artifacts: recorder, Logger: logger, Now: clock}),
		Journal:        store,
		Health:         store,
		Auth:           actor.NewAuthenticator(tokens, nil),
		Logger:         logger,
	})

	h := &harness{srv: httptest.NewServer(handler), tokens: tokens, recorder: recorder, member: member}
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) token(t *testing.T, id uuid.UUID, caps ...actor.Capability) string {
	t.Helper()
	tok, err := h.tokens.Issue(actor.New(id, caps...), time.Hour)
	require.NoError(t, err)
	return tok
}

// call sends body as JSON and decodes the response into out when non-nil.
func (h *harness) call(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func submit(t *testing.T, h *harness) application.Application {
	t.Helper()
	var app application.Application
	status := h.call(t, http.MethodPost, "/v1/applications", "", application.SubmitInput{
		MembershipType: application.Individual,
		FullName:       "Dana Abenova",
		Email:          "dana@example.kz",
	}, &app)
	require.Equal(t, http.StatusCreated, status)
	return app
}

func TestAnonymousSubmissionsAreLimitedPerClientAddress(t *testing.T) {
	h := buildHarness(t, memory.New(), ratelimit.New(time.Hour, 1))
	send := func(ip string) int {
		raw, err := json.Marshal(application.SubmitInput{
			MembershipType: application.Individual,
			FullName:       "Dana Abenova",
			Email:          "dana@example.kz",
		})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/applications", bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("X-Real-IP", ip)
		resp, err := h.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusCreated, send("203.0.113.7"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.7"))
	assert.Equal(t, http.StatusCreated, send("198.51.100.23"))
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/healthz", "", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAnonymousMaySubmitOnly(t *testing.T) {
	h := newHarness(t)
	app := submit(t, h)
	assert.Equal(t, application.StatusPending, app.Status)

	var e errorBody
	assert.Equal(t, http.StatusUnauthorized, h.call(t, http.MethodGet, "/v1/applications/"+app.ID.String(), "", nil, &e))
	assert.Equal(t, "unauthorized", e.Error)

	assert.Equal(t, http.StatusUnauthorized, h.call(t, http.MethodGet, "/v1/applications/"+app.ID.String(), "not-a-jwt", nil, &e))
}

func TestTransitionEndpoint(t *testing.T) {
	h := newHarness(t)
	app := submit(t, h)
	reviewerID := uuid.New()
	reviewer := h.token(t, reviewerID, actor.CapReviewApplications)

	var out statemachine.Outcome
	status := h.call(t, http.MethodPost, "/v1/transitions", reviewer, map[string]any{
		"entity_type": application.EntityType,
		"entity_id":   app.ID,
		"transition":  application.Approve,
		"actor_id":    reviewerID,
		"payload":     map[string]any{"notes": "complete file"},
	}, &out)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, application.StatusPending, out.From)
	assert.Equal(t, application.StatusApproved, out.To)
	assert.True(t, out.Terminal)
	assert.Equal(t, h.member.String(), out.Effects["user_id"])

	var e errorBody
	status = h.call(t, http.MethodPost, "/v1/transitions", reviewer, map[string]any{
		"entity_type": application.EntityType,
		"entity_id":   app.ID,
		"transition":  application.Approve,
	}, &e)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_terminal", e.Error)

	var records []statemachine.Record
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/v1/history/membership_application/"+app.ID.String(), reviewer, nil, &records))
	require.Len(t, records, 1)
	assert.Equal(t, application.Approve, records[0].Transition)
	assert.Equal(t, reviewerID, records[0].ActorID)

	// The linked member can now read their application.
	var got application.Application
	assert.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/v1/applications/"+app.ID.String(), h.token(t, h.member), nil, &got))
	assert.Equal(t, application.StatusApproved, got.Status)
}

func TestTransitionRejections(t *testing.T) {
	h := newHarness(t)
	app := submit(t, h)
	reviewer := h.token(t, uuid.New(), actor.CapReviewApplications)

	cases := []struct {
		name   string
		token  string
		body   map[string]any
		status int
		kind   string
	}{
		{
			name:   "actor mismatch",
			token:  reviewer,
			body:   map[string]any{"entity_type": application.EntityType, "entity_id": app.ID, "transition": application.Approve, "actor_id": uuid.New()},
			status: http.StatusForbidden,
			kind:   "forbidden",
		},
		{
			name:   "unknown entity",
			token:  reviewer,
			body:   map[string]any{"entity_type": "book_loan", "entity_id": app.ID, "transition": application.Approve},
			status: http.StatusBadRequest,
			kind:   "invalid_input",
		},
		{
			name:   "missing capability",
			token:  h.token(t, uuid.New()),
			body:   map[string]any{"entity_type": application.EntityType, "entity_id": app.ID, "transition": application.Approve},
			status: http.StatusForbidden,
			kind:   "forbidden",
		},
		{
			name:   "guard",
			token:  reviewer,
			body:   map[string]any{"entity_type": application.EntityType, "entity_id": app.ID, "transition": application.Reject},
			status: http.StatusUnprocessableEntity,
			kind:   "guard_rejected",
		},
		{
			name:   "unknown transition",
			token:  reviewer,
			body:   map[string]any{"entity_type": application.EntityType, "entity_id": app.ID, "transition": "archive"},
			status: http.StatusConflict,
			kind:   "invalid_transition",
		},
		{
			name:   "missing entity",
			token:  reviewer,
			body:   map[string]any{"entity_type": application.EntityType, "entity_id": uuid.New(), "transition": application.Approve},
			status: http.StatusNotFound,
			kind:   "not_found",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var e errorBody
			assert.Equal(t, tc.status, h.call(t, http.MethodPost, "/v1/transitions", tc.token, tc.body, &e))
			assert.Equal(t, tc.kind, e.Error)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/transitions", bytes.NewBufferString("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token(t, uuid.New()))
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventAttendanceReachesLedger(t *testing.T) {
	h := newHarness(t)
	managerToken := h.token(t, uuid.New(), actor.CapManageEvents)
	memberID := uuid.New()
	memberToken := h.token(t, memberID)

	var ev registration.Event
	require.Equal(t, http.StatusCreated, h.call(t, http.MethodPost, "/v1/events", managerToken, registration.EventInput{
		Title:             "Fraud Risk Workshop",
		Category:          cpe.CategoryTraining,
		StartsAt:          now.AddDate(0, 0, 10),
		CPEHours:          6,
		IssuesCertificate: true,
	}, &ev))

	var reg registration.Registration
	require.Equal(t, http.StatusCreated, h.call(t, http.MethodPost, "/v1/events/"+ev.ID.String()+"/registrations", memberToken, nil, &reg))
	assert.Equal(t, memberID, reg.UserID)

	var e errorBody
	assert.Equal(t, http.StatusConflict, h.call(t, http.MethodPost, "/v1/events/"+ev.ID.String()+"/registrations", memberToken, nil, &e))
	assert.Equal(t, "duplicate_registration", e.Error)

	for _, name := range []string{registration.Approve, registration.MarkAttended, registration.IssueCertificate} {
		status := h.call(t, http.MethodPost, "/v1/transitions", managerToken, map[string]any{
			"entity_type": registration.EntityType,
			"entity_id":   reg.ID,
			"transition":  name,
		}, nil)
		require.Equal(t, http.StatusOK, status, name)
	}
	require.Len(t, h.recorder.Requests(), 1)

	var total struct {
		UserID uuid.UUID `json:"user_id"`
		Hours  float64   `json:"hours"`
	}
	path := "/v1/ledger/" + memberID.String() + "?start=2025-01-01&end=2025-12-31"
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, path, memberToken, nil, &total))
	assert.Equal(t, 6.0, total.Hours)

	assert.Equal(t, http.StatusForbidden, h.call(t, http.MethodGet, path, h.token(t, uuid.New()), nil, &e))
	assert.Equal(t, http.StatusBadRequest, h.call(t, http.MethodGet, "/v1/ledger/"+memberID.String()+"?start=2025-01-01", memberToken, nil, &e))

	var activities []cpe.Activity
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/v1/ledger/"+memberID.String()+"/activities?status=approved", memberToken, nil, &activities))
	assert.Len(t, activities, 1)

	var split struct {
		PeriodStart string                   `json:"period_start"`
		Hours       map[cpe.Category]float64 `json:"hours"`
	}
	categories := "/v1/ledger/" + memberID.String() + "/categories?start=2025-01-01&end=2025-12-31"
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, categories, memberToken, nil, &split))
	assert.Equal(t, "2025-01-01", split.PeriodStart)
	assert.Equal(t, map[cpe.Category]float64{cpe.CategoryTraining: 6}, split.Hours)

	split.Hours = nil
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/v1/ledger/"+memberID.String()+"/categories?start=2024-01-01&end=2024-12-31", memberToken, nil, &split))
	assert.Empty(t, split.Hours)

	assert.Equal(t, http.StatusForbidden, h.call(t, http.MethodGet, categories, h.token(t, uuid.New()), nil, &e))
	assert.Equal(t, http.StatusBadRequest, h.call(t, http.MethodGet, "/v1/ledger/"+memberID.String()+"/categories?start=2025-12-31&end=2025-01-01", memberToken, nil, &e))

	attachToken := h.token(t, uuid.New(), actor.CapAttachArtifacts)
	a := artifact.Artifact{URL: "https://docs.example.kz/ev.pdf"}
	assert.Equal(t, http.StatusNoContent, h.call(t, http.MethodPost, "/v1/artifacts/event_registration/"+reg.ID.String(), attachToken, a, nil))
	assert.Equal(t, http.StatusNoContent, h.call(t, http.MethodPost, "/v1/artifacts/event_registration/"+reg.ID.String(), attachToken, a, nil))
	assert.Equal(t, http.StatusForbidden, h.call(t, http.MethodPost, "/v1/artifacts/event_registration/"+reg.ID.String(), memberToken, a, &e))
}

func TestSweepRequiresCapability(t *testing.T) {
	h := newHarness(t)
	var e errorBody
	assert.Equal(t, http.StatusForbidden, h.call(t, http.MethodPost, "/v1/sweeps/expired", h.token(t, uuid.New()), nil, &e))

	var res certification.SweepResult
	assert.Equal(t, http.StatusOK, h.call(t, http.MethodPost, "/v1/sweeps/expired", h.token(t, uuid.New(), actor.CapSweepCertifications), nil, &res))
	assert.Zero(t, res.Expired)
}
