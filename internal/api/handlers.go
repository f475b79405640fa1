// internal/api/handlers.go
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/application"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/enrollment"
	"kfalifecycle/internal/registration"
	"kfalifecycle/internal/sentinel"
	"kfalifecycle/internal/statemachine"
)

// readCaps is the capability that opens another user's entity of each type.
var readCaps = map[string]actor.Capability{
	application.EntityType:   actor.CapReviewApplications,
	registration.EntityType:  actor.CapManageEvents,
	enrollment.EntityType:    actor.CapManagePrograms,
	cpe.EntityType:           actor.CapReviewCPE,
	certification.EntityType: actor.CapManageCertifications,
}

type transitionRequest struct {
	EntityType string               `json:"entity_type"`
	EntityID   uuid.UUID            `json:"entity_id"`
	Transition string               `json:"transition"`
	ActorID    *uuid.UUID           `json:"actor_id,omitempty"`
	Payload    statemachine.Payload `json:"payload"`
}

func (s *server) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	act := caller(r)
	if req.ActorID != nil && *req.ActorID != act.ID {
		writeError(w, r, s.Logger, forbidden("actor_id does not match the authenticated caller"))
		return
	}
	apply, ok := s.transitions[req.EntityType]
	if !ok {
		writeError(w, r, s.Logger, unknownEntity(req.EntityType))
		return
	}
	if req.Transition == "" || req.EntityID == uuid.Nil {
		writeError(w, r, s.Logger, sentinel.New(sentinel.ErrInvalidInput, "entity_id and transition are required"))
		return
	}

	out, err := apply(r.Context(), req.EntityID, req.Transition, act, req.Payload)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) history(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	capability, ok := readCaps[entityType]
	if !ok {
		writeError(w, r, s.Logger, unknownEntity(entityType))
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if !caller(r).Has(capability) {
		writeError(w, r, s.Logger, forbidden("reading %s history requires %s", entityType, capability))
		return
	}
	records, err := s.Journal.History(r.Context(), entityType, id)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if records == nil {
		records = []statemachine.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

type ledgerResponse struct {
	UserID      uuid.UUID `json:"user_id"`
	PeriodStart string    `json:"period_start"`
	PeriodEnd   string    `json:"period_end"`
	Hours       float64   `json:"hours"`
}

func (s *server) ledgerTotal(w http.ResponseWriter, r *http.Request) {
	userID, err := s.ownUser(r, actor.CapReviewCPE)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	start, err := queryDate(r, "start")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	end, err := queryDate(r, "end")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	hours, err := s.Ledger.TotalApprovedHours(r.Context(), userID, start, end)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ledgerResponse{
		UserID:      userID,
		PeriodStart: start.Format(time.DateOnly),
		PeriodEnd:   end.Format(time.DateOnly),
		Hours:       hours,
	})
}

type categoriesResponse struct {
	UserID      uuid.UUID                `json:"user_id"`
	PeriodStart string                   `json:"period_start"`
	PeriodEnd   string                   `json:"period_end"`
	Hours       map[cpe.Category]float64 `json:"hours"`
}

func (s *server) ledgerCategories(w http.ResponseWriter, r *http.Request) {
	userID, err := s.ownUser(r, actor.CapReviewCPE)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	start, err := queryDate(r, "start")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	end, err := queryDate(r, "end")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	hours, err := s.Ledger.HoursByCategory(r.Context(), userID, start, end)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, categoriesResponse{
		UserID:      userID,
		PeriodStart: start.Format(time.DateOnly),
		PeriodEnd:   end.Format(time.DateOnly),
		Hours:       hours,
	})
}

func (s *server) listActivities(w http.ResponseWriter, r *http.Request) {
	userID, err := s.ownUser(r, actor.CapReviewCPE)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	q := r.URL.Query()
	f := cpe.Filter{
		Status:   statemachine.State(q.Get("status")),
		Category: cpe.Category(q.Get("category")),
	}
	if q.Has("start") {
		if f.From, err = queryDate(r, "start"); err != nil {
			writeError(w, r, s.Logger, err)
			return
		}
	}
	if q.Has("end") {
		if f.To, err = queryDate(r, "end"); err != nil {
			writeError(w, r, s.Logger, err)
			return
		}
	}
	activities, err := s.Ledger.List(r.Context(), userID, f)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if activities == nil {
		activities = []cpe.Activity{}
	}
	writeJSON(w, http.StatusOK, activities)
}

func (s *server) renewal(w http.ResponseWriter, r *http.Request) {
	userID, err := s.ownUser(r, actor.CapManageCertifications)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	programID, err := pathID(r, "programID")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	res, err := s.Certifications.EvaluateRenewal(r.Context(), userID, programID)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ownUser parses {userID} and checks the caller is that user or holds c.
func (s *server) ownUser(r *http.Request, c actor.Capability) (uuid.UUID, error) {
	userID, err := pathID(r, "userID")
	if err != nil {
		return uuid.Nil, err
	}
	if !caller(r).IsOwnerOr(userID, c) {
		return uuid.Nil, forbidden("only the member or a holder of %s may read this", c)
	}
	return userID, nil
}

func (s *server) attachArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if !caller(r).Has(actor.CapAttachArtifacts) {
		writeError(w, r, s.Logger, forbidden("attaching artifacts requires %s", actor.CapAttachArtifacts))
		return
	}
	var a artifact.Artifact
	if err := decode(w, r, &a); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if err := a.Validate(); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}

	switch entityType := chi.URLParam(r, "entityType"); artifact.Kind(entityType) {
	case artifact.KindEventRegistration:
		err = s.Registrations.AttachArtifact(r.Context(), id, a)
	case artifact.KindProgramEnrollment:
		err = s.Enrollments.AttachArtifact(r.Context(), id, a)
	case artifact.KindCertification:
		err = s.Certifications.AttachArtifact(r.Context(), id, a)
	default:
		err = unknownEntity(entityType)
	}
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) retryArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	act := caller(r)
	switch entityType := chi.URLParam(r, "entityType"); artifact.Kind(entityType) {
	case artifact.KindEventRegistration:
		err = s.Registrations.RetryArtifact(r.Context(), id, act)
	case artifact.KindProgramEnrollment:
		err = s.Enrollments.RetryArtifact(r.Context(), id, act)
	case artifact.KindCertification:
		err = s.Certifications.RetryArtifact(r.Context(), id, act)
	default:
		err = unknownEntity(entityType)
	}
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}

	var out any
	switch entityType := chi.URLParam(r, "entityType"); entityType {
	case registration.EntityType:
		out, err = s.Registrations.RecordPayment(r.Context(), id, caller(r), req.Amount)
	case enrollment.EntityType:
		out, err = s.Enrollments.RecordPayment(r.Context(), id, caller(r), req.Amount)
	default:
		err = unknownEntity(entityType)
	}
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) sweepExpired(w http.ResponseWriter, r *http.Request) {
	res, err := s.Certifications.SweepExpired(r.Context(), caller(r))
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	s.Logger.InfoContext(r.Context(), "expiry sweep finished",
		"expired", res.Expired,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	writeJSON(w, http.StatusOK, res)
}
