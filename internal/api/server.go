// Package api exposes the lifecycle workflows over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/application"
	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/enrollment"
	"kfalifecycle/internal/ratelimit"
	"kfalifecycle/internal/registration"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

var tracer = otel.Tracer("kfalifecycle/api")

// maxBody caps request bodies.
const maxBody = 1 << 20

// Journal reads the transition history of an entity.
type Journal interface {
	History(ctx context.Context, entityType string, id uuid.UUID) ([]statemachine.Record, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the router dispatches to.
type Deps struct {
	Applications   application.Service
	Registrations  registration.Service
	Enrollments    enrollment.Service
	Ledger         cpe.Service
	Certifications certification.Service
	Journal        Journal
	Health         Pinger
	Auth           *actor.Authenticator
	Logger         *slog.Logger
}

type server struct {
	Deps
	transitions map[string]transitionFunc
}

type transitionFunc func(ctx context.Context, id uuid.UUID, name string, act actor.Actor, payload statemachine.Payload) (*statemachine.Outcome, error)

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &server{
		Deps: d,
		transitions: map[string]transitionFunc{
			application.EntityType:   d.Applications.Transition,
			registration.EntityType:  d.Registrations.Transition,
			enrollment.EntityType:    d.Enrollments.Transition,
			cpe.EntityType:           d.Ledger.Transition,
			certification.EntityType: d.Certifications.Transition,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.trace)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.resolveActor)

		// Applicants submit without an account.
		r.Post("/applications", s.submitApplication)

		r.Group(func(r chi.Router) {
			r.Use(requireActor)

			r.Post("/transitions", s.transition)
			r.Get("/history/{entityType}/{id}", s.history)

			r.Get("/ledger/{userID}", s.ledgerTotal)
			r.Get("/ledger/{userID}/activities", s.listActivities)
			r.Get("/ledger/{userID}/categories", s.ledgerCategories)
			r.Get("/renewal/{userID}/{programID}", s.renewal)

			r.Post("/artifacts/{entityType}/{id}", s.attachArtifact)
			r.Post("/artifacts/{entityType}/{id}/retry", s.retryArtifact)
			r.Post("/payments/{entityType}/{id}", s.recordPayment)
			r.Post("/sweeps/expired", s.sweepExpired)

			r.Get("/applications/{id}", s.getApplication)
			r.Delete("/applications/{id}", s.purgeApplication)
			r.Post("/applications/{id}/provision", s.provisionUser)

			r.Post("/events", s.createEvent)
			r.Get("/events/{id}", s.getEvent)
			r.Post("/events/{id}/registrations", s.register)
			r.Get("/registrations/{id}", s.getRegistration)

			r.Post("/programs", s.createProgram)
			r.Get("/programs/{id}", s.getProgram)
			r.Post("/programs/{id}/enrollments", s.enroll)
			r.Get("/enrollments/{id}", s.getEnrollment)

			r.Post("/cpe/activities", s.reportSelfStudy)
			r.Get("/cpe/activities/{id}", s.getActivity)
			r.Post("/cpe/credits", s.recordCredit)

			r.Post("/certification-programs", s.createCertificationProgram)
			r.Get("/certification-programs/{id}", s.getCertificationProgram)
			r.Post("/certification-programs/{id}/certifications", s.applyForCertification)
			r.Get("/certifications/{id}", s.getCertification)
		})
	})
	return r
}

// trace continues the caller's trace and opens a server span.
func (s *server) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.request.method", r.Method)),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// resolveActor stores the caller in the request context. Requests without
// credentials continue as the anonymous actor; bad credentials are rejected.
func (s *server) resolveActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		act, ok, err := s.Auth.Resolve(r)
		if err != nil {
			writeError(w, r, s.Logger, sentinel.Wrap(sentinel.ErrUnauthorized, err, "invalid credentials"))
			return
		}
		ctx := ratelimit.WithClient(r.Context(), clientHost(r.RemoteAddr))
		if ok {
			ctx = actor.WithActor(ctx, act)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientHost drops the port RealIP leaves on direct connections.
func clientHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := actor.FromContext(r.Context()); !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "credentials required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Health.Ping(ctx); err != nil {
			s.Logger.WarnContext(ctx, "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller returns the request actor; anonymous callers get the zero Actor.
func caller(r *http.Request) actor.Actor {
	act, _ := actor.FromContext(r.Context())
	return act
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return sentinel.Wrap(sentinel.ErrInvalidInput, err, "malformed JSON body")
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, sentinel.New(sentinel.ErrInvalidInput, "invalid %s %q", name, raw)
	}
	return id, nil
}

func queryDate(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, sentinel.New(sentinel.ErrInvalidInput, "query parameter %s is required", name)
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, sentinel.New(sentinel.ErrInvalidInput, "%s must be YYYY-MM-DD, got %q", name, raw)
	}
	return t, nil
}

func unknownEntity(entityType string) error {
	return sentinel.New(sentinel.ErrInvalidInput, "unknown entity type %q", entityType)
}

func forbidden(format string, args ...any) error {
	return sentinel.New(sentinel.ErrForbidden, format, args...)
}
