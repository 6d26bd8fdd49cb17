package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"

	"github.com/rudderlabs/docqueue/jobs/model"
)

// jobProjection is the wire shape of a job in API responses.
type jobProjection struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	Input          json.RawMessage `json:"input"`
	Output         json.RawMessage `json:"output,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	LastError      string          `json:"last_error,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	HeartbeatAt    *time.Time      `json:"heartbeat_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

func projectJob(job *model.Job) jobProjection {
	return jobProjection{
		ID:             job.ID.String(),
		Kind:           string(job.Kind),
		Status:         string(job.Status),
		Priority:       job.Priority,
		Input:          job.Input,
		Output:         job.Output,
		ScheduledAt:    job.ScheduledAt,
		RetryCount:     job.RetryCount,
		MaxRetries:     job.MaxRetries,
		LastError:      job.LastError,
		WorkerID:       job.WorkerID,
		HeartbeatAt:    job.HeartbeatAt,
		LeaseExpiresAt: job.LeaseExpiresAt,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
		CompletedAt:    job.CompletedAt,
	}
}

// Handler returns the admin HTTP surface.
//
// Implemented routes:
//   - POST /v1/jobs
//   - GET  /v1/jobs
//   - GET  /v1/jobs/{jobID}
//   - POST /v1/jobs/{jobID}/cancel
//   - POST /v1/jobs/{jobID}/retry
//   - POST /v1/cleanup
//   - GET  /v1/stats
//   - GET  /health
func (a *Admin) Handler(conf *config.Config) http.Handler {
	srvMux := chi.NewRouter()

	srvMux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srvMux.Route("/v1", func(r chi.Router) {
		if token := conf.GetStringVar("", "AdminServer.apiToken", "ADMIN_API_TOKEN"); token != "" {
			r.Use(bearerAuth(token))
		}
		r.Post("/jobs", a.enqueueHandler)
		r.Get("/jobs", a.listHandler)
		r.Get("/jobs/{jobID}", a.statusHandler)
		r.Post("/jobs/{jobID}/cancel", a.cancelHandler)
		r.Post("/jobs/{jobID}/retry", a.retryHandler)
		r.Post("/cleanup", a.cleanupHandler)
		r.Get("/stats", a.statsHandler)
	})

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(srvMux)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Admin) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.LogRequest(r)
	defer func() { _ = r.Body.Close() }()

	var req EnqueueRequest
	if err := jsonrs.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "can't unmarshal body", http.StatusBadRequest)
		return
	}

	jobID, err := a.Enqueue(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"job_id": jobID.String()})
}

func (a *Admin) listHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	jobList, err := a.List(r.Context(), query.Get("status"), query.Get("kind"), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	projections := make([]jobProjection, 0, len(jobList))
	for _, job := range jobList {
		projections = append(projections, projectJob(job))
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   projections,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *Admin) statusHandler(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, err := a.Status(r.Context(), jobID)
	if errors.Is(err, model.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Errorf("getting job %s: %v", jobID, err)
		http.Error(w, "can't get job", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, projectJob(job))
}

func (a *Admin) cancelHandler(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	cancelResult, err := a.Cancel(r.Context(), jobID)
	if err != nil {
		a.logger.Errorf("cancelling job %s: %v", jobID, err)
		http.Error(w, "can't cancel job", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	switch cancelResult {
	case model.CancelNotFound:
		statusCode = http.StatusNotFound
	case model.CancelAlreadyTerminal:
		statusCode = http.StatusConflict
	}
	a.writeJSON(w, statusCode, map[string]string{"result": string(cancelResult)})
}

func (a *Admin) retryHandler(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, err := a.Retry(r.Context(), jobID)
	if errors.Is(err, model.ErrJobNotFound) {
		http.Error(w, "no failed job to retry", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Errorf("retrying job %s: %v", jobID, err)
		http.Error(w, "can't retry job", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, projectJob(job))
}

func (a *Admin) cleanupHandler(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	var req struct {
		OlderThanDays int `json:"older_than_days"`
	}
	if err := jsonrs.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "can't unmarshal body", http.StatusBadRequest)
		return
	}
	count, err := a.Cleanup(r.Context(), req.OlderThanDays)
	if err != nil {
		a.logger.Errorf("cleanup: %v", err)
		http.Error(w, "can't clean up jobs", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{"deleted": count})
}

func (a *Admin) statsHandler(w http.ResponseWriter, r *http.Request) {
	statusCounts, err := a.Stats(r.Context())
	if err != nil {
		a.logger.Errorf("stats: %v", err)
		http.Error(w, "can't get stats", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, statusCounts)
}

func (a *Admin) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := jsonrs.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Errorf("writing response: %v", err)
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return jobID, true
}
