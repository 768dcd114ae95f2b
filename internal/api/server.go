package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"reward-ledger-go/internal/metrics"
	"reward-ledger-go/internal/reconciler"
	"reward-ledger-go/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type ServerConfig struct {
	Service           *LedgerService
	Reconciler        BatchProcessor
	Adapters          reconciler.Registry
	APIToken          string
	WebhookSecrets    map[string]string
	RequestsPerMinute float64
	Burst             int
	Metrics           *metrics.LedgerMetrics
}

// Server is the HTTP surface: webhooks from affiliate networks and the
// collaborator API.
type Server struct {
	service    *LedgerService
	reconciler BatchProcessor
	adapters   reconciler.Registry
	secrets    map[string]string
	metrics    *metrics.LedgerMetrics
	now        func() time.Time

	router http.Handler
}

func NewServer(cfg ServerConfig) *Server {
	srv := &Server{
		service:    cfg.Service,
		reconciler: cfg.Reconciler,
		adapters:   cfg.Adapters,
		secrets:    cfg.WebhookSecrets,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg ServerConfig) http.Handler {
	limiter := NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.With(limiter.Middleware).Post("/webhooks/{source}", s.handleWebhook)

	r.Route("/v1", func(api chi.Router) {
		api.Use(limiter.Middleware)
		api.Use(RequireBearer(cfg.APIToken))

		api.Post("/links", s.handleCreateLink)
		api.Get("/portfolios/{userId}", s.handleGetPortfolio)
		api.Post("/withdrawals", s.handleCreateWithdrawal)
		api.Get("/withdrawals/{id}", s.handleGetWithdrawal)
		api.Post("/locks/{id}/upgrade", s.handleUpgradeLock)
		api.Get("/mappings", s.handleListMappings)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.HealthCheck(r.Context()); err != nil {
		zap.L().Error("Health check failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, store.MessageUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createLinkRequest struct {
	UserId    string `json:"user_id"`
	PartnerId string `json:"partner_id"`
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	link, err := s.service.GenerateTrackingLink(r.Context(), req.UserId, req.PartnerId)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetPortfolio(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createWithdrawalRequest struct {
	UserId      string          `json:"user_id"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
}

func (s *Server) handleCreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req createWithdrawalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	view, err := s.service.RequestWithdrawal(r.Context(), req.UserId, req.Destination, req.Amount)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, view)
	case view != nil && errors.Is(err, store.ErrUnknownOutcome):
		writeJSON(w, http.StatusAccepted, view)
	default:
		writeServiceError(w, err)
	}
}

func (s *Server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetWithdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpgradeLock(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.UpgradeLock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.service.LookupMappings(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	type mappingView struct {
		Token     string    `json:"token"`
		UserId    string    `json:"user_id"`
		PartnerId string    `json:"partner_id"`
		CreatedAt time.Time `json:"created_at"`
	}
	views := make([]mappingView, 0, len(mappings))
	for _, m := range mappings {
		views = append(views, mappingView{Token: m.Token, UserId: m.UserId, PartnerId: m.PartnerId, CreatedAt: m.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": views})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeJSONError(w, http.StatusBadRequest, store.MessageInvalidRequest)
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnknownOutcome):
		return http.StatusAccepted
	case errors.Is(err, store.ErrExternalUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("Request failed", zap.Error(err))
	}
	writeJSONError(w, status, store.UserMessage(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("Failed to encode response", zap.Error(err))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
