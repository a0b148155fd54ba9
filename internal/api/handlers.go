package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/construct"
	"github.com/MikeSquared-Agency/aperture/internal/discovery"
	"github.com/MikeSquared-Agency/aperture/internal/extractor"
	"github.com/MikeSquared-Agency/aperture/internal/store"
)

// evidenceLimit bounds the evidence returned with a single assessment.
const evidenceLimit = 20

var errBadRequest = errors.New("bad request")

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var ve *construct.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ve), errors.Is(err, assessment.ErrInvalidCorrection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest),
		errors.Is(err, construct.ErrEmptyDescription),
		errors.Is(err, extractor.ErrEmptyUserID):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	var ve *construct.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, status, map[string]any{"error": "validation failed", "issues": ve.Issues})
		return
	}
	writeError(w, status, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

type turnsRequest struct {
	Turns []extractor.Turn `json:"turns"`
}

// submitTurns handles POST /v1/users/{userID}/turns.
func (s *Server) submitTurns(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req turnsRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Turns) == 0 {
		writeError(w, http.StatusBadRequest, "turns must not be empty")
		return
	}
	queued := s.deps.Dispatcher.Submit(userID, req.Turns)
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

// listAssessments handles GET /v1/users/{userID}/assessments.
func (s *Server) listAssessments(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{Element: r.URL.Query().Get("element")}
	if raw := r.URL.Query().Get("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			writeError(w, http.StatusBadRequest, "min_confidence must be a number in [0,1]")
			return
		}
		f.MinConfidence = v
	}

	list, err := s.deps.Assessments.ListAssessments(r.Context(), chi.URLParam(r, "userID"), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []assessment.Assessment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assessments": list, "count": len(list)})
}

// getAssessment handles GET /v1/users/{userID}/assessments/{id}.
func (s *Server) getAssessment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.assessmentID(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Assessments.GetAssessmentByID(r.Context(), id)
	if err == nil && a.UserID != chi.URLParam(r, "userID") {
		err = store.ErrNotFound
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	evidence, err := s.deps.Assessments.ListEvidence(r.Context(), id, evidenceLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if evidence == nil {
		evidence = []assessment.Evidence{}
	}
	writeJSON(w, http.StatusOK, assessment.WithEvidence{Assessment: *a, Evidence: evidence})
}

// correctAssessment handles POST /v1/users/{userID}/assessments/{id}/corrections.
func (s *Server) correctAssessment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.assessmentID(w, r)
	if !ok {
		return
	}
	var corr assessment.Correction
	if err := decodeBody(r, &corr); err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.deps.Corrector.Apply(r.Context(), chi.URLParam(r, "userID"), id, corr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.OnCorrected != nil {
		s.deps.OnCorrected(*a)
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) assessmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid assessment id")
		return uuid.Nil, false
	}
	return id, true
}

// discoverPatterns handles POST /v1/patterns/discover. An empty body uses
// the configured defaults.
func (s *Server) discoverPatterns(w http.ResponseWriter, r *http.Request) {
	var p discovery.Params
	if r.ContentLength != 0 {
		if err := decodeBody(r, &p); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if p.MinUsers < 0 || p.LookbackDays < 0 || p.MinOccurrenceRate < 0 || p.MinOccurrenceRate > 1 {
		writeError(w, http.StatusBadRequest, "parameters must be non-negative and min_occurrence_rate at most 1")
		return
	}
	res, err := s.deps.Discovery.Discover(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// suggestElements handles POST /v1/patterns/elements.
func (s *Server) suggestElements(w http.ResponseWriter, r *http.Request) {
	var p discovery.ElementParams
	if r.ContentLength != 0 {
		if err := decodeBody(r, &p); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if p.LookbackDays < 0 || p.SampleSize < 0 {
		writeError(w, http.StatusBadRequest, "parameters must be non-negative")
		return
	}
	res, err := s.deps.Discovery.SuggestElements(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// findCorrelations handles POST /v1/patterns/correlations.
func (s *Server) findCorrelations(w http.ResponseWriter, r *http.Request) {
	var p discovery.CorrelationParams
	if r.ContentLength != 0 {
		if err := decodeBody(r, &p); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if p.MinUsers < 0 || p.LookbackDays < 0 || p.MinStrength < 0 || p.MinStrength > 1 {
		writeError(w, http.StatusBadRequest, "parameters must be non-negative and min_strength at most 1")
		return
	}
	res, err := s.deps.Discovery.FindCorrelations(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type constructRequest struct {
	Description string `json:"description"`
}

// createConstruct handles POST /v1/constructs/from-description.
func (s *Server) createConstruct(w http.ResponseWriter, r *http.Request) {
	var req constructRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Constructs.CreateFromDescription(r.Context(), req.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// listTemplates handles GET /v1/templates?q=&use_case=.
func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	useCase := strings.TrimSpace(r.URL.Query().Get("use_case"))
	templates := s.deps.Constructs.Templates(q, useCase)
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates, "count": len(templates)})
}
