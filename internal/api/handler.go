package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/feedback"
	"github.com/opensource-finance/splitguard/internal/models"
	"github.com/opensource-finance/splitguard/internal/scoring"
)

const (
	maxBodyBytes = 10 << 20
	maxBatchSize = 1000
)

// Trainer submits and reports training jobs.
type Trainer interface {
	Submit(ctx context.Context, modelType string) (string, error)
	Status(ctx context.Context, jobID string) (*domain.TrainingJob, error)
}

// ModelCatalog lists what the model registry holds.
type ModelCatalog interface {
	ModelNames() ([]string, error)
	ListVersions(modelName string) ([]string, error)
	Metadata(modelName, versionID string) (models.Version, error)
	ResolveCurrent(modelName string) (string, error)
}

// Pinger is a backend the health endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the API. Scoring is required; handlers
// whose dependency is nil answer 503.
type Deps struct {
	Scoring  *scoring.Service
	Trainer  Trainer
	Catalog  ModelCatalog
	Feedback *feedback.Collector
	Repo     Pinger
	Cache    Pinger
	Version  string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// BatchRequest is the request body for POST /analyze/batch.
type BatchRequest struct {
	Entities   []json.RawMessage `json:"entities"`
	EntityType string            `json:"entity_type"`
}

// BatchResponse is the response for POST /analyze/batch.
type BatchResponse struct {
	Results          []scoring.BatchItem `json:"results"`
	TotalProcessed   int                 `json:"total_processed"`
	ProcessingTimeMs int64               `json:"processing_time_ms"`
}

// AnalyzeSplit handles POST /analyze/split.
func (h *Handler) AnalyzeSplit(w http.ResponseWriter, r *http.Request) {
	var req scoring.SplitRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.deps.Scoring.ScoreSplit(r.Context(), &req.Split, req.UserHistory, req.NetworkPatterns)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AnalyzePayment handles POST /analyze/payment.
func (h *Handler) AnalyzePayment(w http.ResponseWriter, r *http.Request) {
	var req scoring.PaymentRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.deps.Scoring.ScorePayment(r.Context(), &req.Payment, req.SplitContext)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AnalyzeBatch handles POST /analyze/batch.
func (h *Handler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Entities) > maxBatchSize {
		writeError(w, r, fmt.Errorf("%w: batch holds %d entities, the limit is %d",
			domain.ErrInvalidInput, len(req.Entities), maxBatchSize))
		return
	}

	items, err := h.deps.Scoring.ScoreBatch(r.Context(), req.Entities, req.EntityType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, BatchResponse{
		Results:          items,
		TotalProcessed:   len(items),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
}

// ModelInfo is one stored model version.
type ModelInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	TrainedAt time.Time `json:"trained_at"`
	IsTrained bool      `json:"is_trained"`
	IsLoaded  bool      `json:"is_loaded"`
}

// ListVersions handles GET /models/versions.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Catalog == nil {
		writeError(w, r, fmt.Errorf("%w: model registry not configured", domain.ErrUnavailable))
		return
	}

	names, err := h.deps.Catalog.ModelNames()
	if err != nil {
		writeError(w, r, err)
		return
	}

	loaded := make(map[string]string, len(names))
	for _, name := range names {
		v, err := h.deps.Catalog.ResolveCurrent(name)
		switch {
		case err == nil:
			loaded[name] = v
		case !errors.Is(err, domain.ErrNotFound):
			writeError(w, r, err)
			return
		}
	}
	current := loaded[models.EnsembleName]

	out := []ModelInfo{}
	for _, name := range names {
		versions, err := h.deps.Catalog.ListVersions(name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for _, v := range versions {
			info := ModelInfo{Name: name, Version: v, IsLoaded: loaded[name] == v}
			meta, err := h.deps.Catalog.Metadata(name, v)
			if err != nil {
				slog.Warn("unreadable model metadata",
					"model", name,
					"version", v,
					"error", err,
				)
			} else {
				info.TrainedAt = meta.TrainedAt
				info.IsTrained = meta.IsTrained
			}
			out = append(out, info)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models":          out,
		"current_version": current,
	})
}

// importancer is implemented by models that report feature importance.
type importancer interface {
	FeatureImportance() (map[string]float64, error)
}

// ModelsInfo handles GET /models/info.
func (h *Handler) ModelsInfo(w http.ResponseWriter, r *http.Request) {
	ens := h.deps.Scoring.Current()
	if ens == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"ensemble_version": "",
			"is_trained":       false,
		})
		return
	}

	meta := ens.Metadata()
	constituents := map[string]any{}
	var importance map[string]float64
	for _, name := range []string{models.AnomalyDetector, models.PatternRecognizer, models.RiskScorer} {
		m, _ := ens.Constituent(name)
		mm := m.Metadata()
		constituents[name] = map[string]any{
			"version":          m.Version(),
			"trained_at":       mm.TrainedAt,
			"hyperparameters":  mm.Hyperparameters,
			"training_metrics": mm.TrainingMetrics,
		}
		if fi, ok := m.(importancer); ok {
			if imp, err := fi.FeatureImportance(); err == nil {
				importance = imp
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ensemble_version":   ens.Version(),
		"is_trained":         true,
		"trained_at":         meta.TrainedAt,
		"weights":            ens.Weights(),
		"hyperparameters":    meta.Hyperparameters,
		"feature_names":      meta.FeatureNames,
		"models":             constituents,
		"feature_importance": importance,
	})
}

// RetrainRequest is the request body for POST /models/retrain.
type RetrainRequest struct {
	ModelType string `json:"model_type"`
}

// Retrain handles POST /models/retrain. An empty body retrains all models.
func (h *Handler) Retrain(w http.ResponseWriter, r *http.Request) {
	if h.deps.Trainer == nil {
		writeError(w, r, fmt.Errorf("%w: training not configured", domain.ErrUnavailable))
		return
	}

	var req RetrainRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.ModelType == "" {
		req.ModelType = string(domain.ModelTypeAll)
	}

	jobID, err := h.deps.Trainer.Submit(r.Context(), req.ModelType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":  jobID,
		"status":  string(domain.JobPending),
		"message": fmt.Sprintf("retraining job started for %s models", req.ModelType),
	})
}

// TrainingStatus handles GET /models/training/{job_id}.
func (h *Handler) TrainingStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Trainer == nil {
		writeError(w, r, fmt.Errorf("%w: training not configured", domain.ErrUnavailable))
		return
	}

	job, err := h.deps.Trainer.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// LoadVersion handles POST /models/load/{version}.
func (h *Handler) LoadVersion(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	ens, err := h.deps.Scoring.LoadEnsembleVersion(r.Context(), version)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"version":        ens.Version(),
		"model_versions": ens.Metadata().ModelVersions,
	})
}

// SubmitFeedback handles POST /feedback.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Feedback == nil {
		writeError(w, r, fmt.Errorf("%w: feedback store not configured", domain.ErrUnavailable))
		return
	}

	var in feedback.Input
	if !decode(w, r, &in) {
		return
	}
	rec, err := h.deps.Feedback.Submit(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// FeedbackStats handles GET /feedback/stats.
func (h *Handler) FeedbackStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Feedback == nil {
		writeError(w, r, fmt.Errorf("%w: feedback store not configured", domain.ErrUnavailable))
		return
	}

	stats, err := h.deps.Feedback.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RecentFeedback handles GET /feedback/recent?limit=.
func (h *Handler) RecentFeedback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Feedback == nil {
		writeError(w, r, fmt.Errorf("%w: feedback store not configured", domain.ErrUnavailable))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidInput))
			return
		}
		limit = n
	}

	records, err := h.deps.Feedback.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feedback": records,
		"count":    len(records),
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   h.deps.Version,
		"timestamp": time.Now().UTC(),
	})
}

// Ready handles GET /ready. It answers 503 until an ensemble is serving.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ens := h.deps.Scoring.Current()
	if ens == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "no ensemble loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ready",
		"model_version": ens.Version(),
	})
}

// decode reads a JSON body, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		msg := "invalid JSON request body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRegistryCorruption):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotTrained), errors.Is(err, domain.ErrNotFitted), errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
