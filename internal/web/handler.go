package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stasis/stasis/internal/database"
	"github.com/stasis/stasis/internal/reporter"
)

// StatusProvider answers status queries from the daemon loop.
type StatusProvider interface {
	Info(ctx context.Context) (*reporter.Info, error)
}

type Handler struct {
	status   StatusProvider
	repo     *database.Repository
	reporter *reporter.Reporter
	metrics  *Metrics
	logger   *slog.Logger
}

// NewHandler builds the handler. repo may be nil when the journal is
// disabled; history routes then answer 404.
func NewHandler(status StatusProvider, repo *database.Repository, metrics *Metrics, logger *slog.Logger) *Handler {
	h := &Handler{
		status:  status,
		repo:    repo,
		metrics: metrics,
		logger:  logger,
	}
	if repo != nil {
		h.reporter = reporter.New(repo)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", h.handleHealth)
	r.Get("/status", h.handleStatus)

	r.Route("/history", func(r chi.Router) {
		r.Use(h.requireHistory)
		r.Get("/", h.handleHistory)
		r.Get("/sessions/{id}", h.handleSession)
		r.Get("/errors", h.handleErrors)
	})

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	return r
}

func (h *Handler) requireHistory(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.repo == nil {
			http.Error(w, "history is disabled", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.status.Info(r.Context())
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, fmt.Sprintf("Failed to get status: %v", err), code)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(reporter.FormatInfoText(info)))
		return
	}

	out, err := reporter.FormatInfoJSON(info)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(out))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	periodType := query.Get("period")
	if periodType == "" {
		periodType = "day"
	}

	limit := 50 // default
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 {
		limit = l
	}

	if _, err := reporter.GetPeriod(periodType, time.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	history, err := h.reporter.GenerateHistory(periodType, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to generate history: %v", err), http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, history)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	records, err := h.repo.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to fetch session: %v", err), http.StatusInternalServerError)
		return
	}
	if len(records) == 0 {
		http.Error(w, "No records for session", http.StatusNotFound)
		return
	}
	h.respondJSON(w, records)
}

func (h *Handler) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	logs, err := h.repo.GetRecentErrors(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to fetch errors: %v", err), http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, logs)
}

func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("error encoding JSON", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
