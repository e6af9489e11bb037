package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/store"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/worker"
)

// JobStore defines the job queue operations exposed to operators.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
}

// WorkerStats reports the in-process worker counters.
type WorkerStats interface {
	GetStats() worker.Stats
}

func jobIDParam(r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		raw = r.URL.Query().Get("id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GetJob retrieves a job by ID, from either the path or the id query parameter.
func GetJob(jobStore JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			http.Error(w, "invalid job ID", http.StatusBadRequest)
			return
		}

		job, err := jobStore.GetByID(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			log.Printf("GetJob: failed to get job %d: %v", jobID, err)
			http.Error(w, "failed to retrieve job", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// ListJobs returns jobs filtered by ?status= (default pending). A request
// carrying ?id= is answered like GetJob.
func ListJobs(jobStore JobStore) http.HandlerFunc {
	getJob := GetJob(jobStore)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "" {
			getJob(w, r)
			return
		}

		status := models.JobStatus(r.URL.Query().Get("status"))
		switch status {
		case "":
			status = models.JobStatusPending
		case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted,
			models.JobStatusFailed, models.JobStatusCancelled:
		default:
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}

		limit := 100
		if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
			limit = l
		}

		jobs, err := jobStore.ListJobs(r.Context(), status, limit)
		if err != nil {
			log.Printf("ListJobs: failed to list jobs: %v", err)
			http.Error(w, "failed to retrieve jobs", http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
	}
}

// CancelJob cancels a pending or failed job.
func CancelJob(jobStore JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			http.Error(w, "invalid job ID", http.StatusBadRequest)
			return
		}

		if err := jobStore.CancelJob(r.Context(), jobID); err != nil {
			log.Printf("CancelJob: failed to cancel job %d: %v", jobID, err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      jobID,
			"message": "Job cancelled successfully",
		})
	}
}

// GetJobStats returns queue statistics, plus this instance's worker counters
// when a worker is running.
func GetJobStats(jobStore JobStore, w WorkerStats) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		stats, err := jobStore.GetStats(r.Context())
		if err != nil {
			log.Printf("GetJobStats: failed to get stats: %v", err)
			http.Error(rw, "failed to retrieve job statistics", http.StatusInternalServerError)
			return
		}

		payload := map[string]any{"queue": stats}
		if w != nil {
			payload["worker"] = w.GetStats()
		}
		writeJSON(rw, http.StatusOK, payload)
	}
}

// JobHandler holds dependencies for job handlers
type JobHandler struct {
	Store  JobStore
	Worker WorkerStats
}

// RegisterRoutes registers job handlers with the router
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/jobs", ListJobs(h.Store))
	router.Get("/api/jobs/stats", GetJobStats(h.Store, h.Worker))
	router.Get("/api/jobs/{id}", GetJob(h.Store))
	router.Post("/api/jobs/{id}/cancel", CancelJob(h.Store))
}
