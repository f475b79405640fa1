// internal/api/entities.go
package api

import (
	"net/http"

	"github.com/google/uuid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/application"
	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/enrollment"
	"kfalifecycle/internal/registration"
)

func (s *server) submitApplication(w http.ResponseWriter, r *http.Request) {
	var in application.SubmitInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	app, err := s.Applications.Submit(r.Context(), caller(r), in)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *server) getApplication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	app, err := s.Applications.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	var owner uuid.UUID
	if app.UserID != nil {
		owner = *app.UserID
	}
	if !caller(r).IsOwnerOr(owner, actor.CapReviewApplications) {
		writeError(w, r, s.Logger, forbidden("reading applications requires %s", actor.CapReviewApplications))
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *server) purgeApplication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if err := s.Applications.Purge(r.Context(), id, caller(r)); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) provisionUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	app, err := s.Applications.ProvisionUser(r.Context(), id, caller(r))
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *server) createEvent(w http.ResponseWriter, r *http.Request) {
	var in registration.EventInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	ev, err := s.Registrations.CreateEvent(r.Context(), caller(r), in)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *server) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	ev, err := s.Registrations.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// subjectRequest names the member a registration, enrollment or
// certification is for. Empty means the caller.
type subjectRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (s *server) subject(w http.ResponseWriter, r *http.Request) (uuid.UUID, error) {
	var req subjectRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			return uuid.Nil, err
		}
	}
	if req.UserID == uuid.Nil {
		return caller(r).ID, nil
	}
	return req.UserID, nil
}

func (s *server) register(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	userID, err := s.subject(w, r)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	reg, err := s.Registrations.Register(r.Context(), caller(r), eventID, userID)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *server) getRegistration(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	reg, err := s.Registrations.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if !caller(r).IsOwnerOr(reg.UserID, actor.CapManageEvents) {
		writeError(w, r, s.Logger, forbidden("registration belongs to another member"))
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *server) createProgram(w http.ResponseWriter, r *http.Request) {
	var in enrollment.ProgramInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	p, err := s.Enrollments.CreateProgram(r.Context(), caller(r), in)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) getProgram(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	p, err := s.Enrollments.GetProgram(r.Context(), id)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) enroll(w http.ResponseWriter, r *http.Request) {
	programID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	userID, err := s.subject(w, r)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	e, err := s.Enrollments.Enroll(r.Context(), caller(r), programID, userID)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *server) getEnrollment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	e, err := s.Enrollments.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if !caller(r).IsOwnerOr(e.UserID, actor.CapManagePrograms) {
		writeError(w, r, s.Logger, forbidden("enrollment belongs to another member"))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *server) reportSelfStudy(w http.ResponseWriter, r *http.Request) {
	var in cpe.ReportInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if in.UserID == uuid.Nil {
		in.UserID = caller(r).ID
	}
	a, err := s.Ledger.ReportSelfStudy(r.Context(), caller(r), in)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *server) recordCredit(w http.ResponseWriter, r *http.Request) {
	var in cpe.CreditInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	a, err := s.Ledger.RecordCredit(r.Context(), caller(r), in)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *server) getActivity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	a, err := s.Ledger.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if !caller(r).IsOwnerOr(a.UserID, actor.CapReviewCPE) {
		writeError(w, r, s.Logger, forbidden("activity belongs to another member"))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) createCertificationProgram(w http.ResponseWriter, r *http.Request) {
	var in certification.ProgramInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	p, err := s.Certifications.CreateProgram(r.Context(), caller(r), in)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) getCertificationProgram(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	p, err := s.Certifications.GetProgram(r.Context(), id)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) applyForCertification(w http.ResponseWriter, r *http.Request) {
	programID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	userID, err := s.subject(w, r)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	c, err := s.Certifications.Apply(r.Context(), caller(r), userID, programID)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *server) getCertification(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	c, err := s.Certifications.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, s.Logger, err)
		return
	}
	if !caller(r).IsOwnerOr(c.UserID, actor.CapManageCertifications) {
		writeError(w, r, s.Logger, forbidden("certification belongs to another member"))
		return
	}
	writeJSON(w, http.StatusOK, c)
}
