package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/catalog"
	"github.com/MikeSquared-Agency/aperture/internal/construct"
	"github.com/MikeSquared-Agency/aperture/internal/discovery"
	"github.com/MikeSquared-Agency/aperture/internal/extractor"
	"github.com/MikeSquared-Agency/aperture/internal/store"
)

// Assessments is the read side of the repository.
type Assessments interface {
	ListAssessments(ctx context.Context, userID string, f store.ListFilter) ([]assessment.Assessment, error)
	GetAssessmentByID(ctx context.Context, id uuid.UUID) (*assessment.Assessment, error)
	ListEvidence(ctx context.Context, assessmentID uuid.UUID, limit int) ([]assessment.Evidence, error)
}

type Submitter interface {
	Submit(userID string, turns []extractor.Turn) bool
}

type Corrector interface {
	Apply(ctx context.Context, userID string, assessmentID uuid.UUID, corr assessment.Correction) (*assessment.Assessment, error)
}

type Discoverer interface {
	Discover(ctx context.Context, p discovery.Params) (*discovery.Result, error)
	SuggestElements(ctx context.Context, p discovery.ElementParams) (*discovery.ElementSuggestions, error)
	FindCorrelations(ctx context.Context, p discovery.CorrelationParams) (*discovery.Correlations, error)
}

type Constructs interface {
	CreateFromDescription(ctx context.Context, description string) (*construct.MatchResult, error)
	Templates(query, useCase string) []catalog.Template
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Assessments Assessments
	Dispatcher  Submitter
	Corrector   Corrector
	Discovery   Discoverer
	Constructs  Constructs
	// OnCorrected runs after a correction is stored.
	OnCorrected func(a assessment.Assessment)
	// Ready reports whether backing services are reachable.
	Ready    func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	APIKey   string
	Logger   *slog.Logger
}

type Server struct {
	router *chi.Mux
	port   int
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

func NewServer(port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		deps:   deps,
		logger: deps.Logger,
	}

	router.Get("/health", s.health)
	if deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/v1", func(r chi.Router) {
		r.Use(APIKeyMiddleware(deps.APIKey))
		r.Post("/users/{userID}/turns", s.submitTurns)
		r.Get("/users/{userID}/assessments", s.listAssessments)
		r.Get("/users/{userID}/assessments/{id}", s.getAssessment)
		r.Post("/users/{userID}/assessments/{id}/corrections", s.correctAssessment)
		r.Post("/patterns/discover", s.discoverPatterns)
		r.Post("/patterns/elements", s.suggestElements)
		r.Post("/patterns/correlations", s.findCorrelations)
		r.Post("/constructs/from-description", s.createConstruct)
		r.Get("/templates", s.listTemplates)
	})

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// APIKeyMiddleware requires "Authorization: Bearer <key>" or "X-API-Key: <key>".
// An empty key disables the check.
func APIKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if auth := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimPrefix(auth, "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
