package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/enrollment"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/models"
)

// Enrollments is the part of the state machine the jobs drive.
type Enrollments interface {
	RegisterWithRegistry(ctx context.Context, enrollmentID string) (*enrollment.Result, error)
	SweepRedrive(ctx context.Context, limit int) (int, error)
}

// LinkPurger removes stale checkout links.
type LinkPurger interface {
	PurgeStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// JobCleaner removes finished jobs.
type JobCleaner interface {
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// JobsConfig controls the periodic jobs.
type JobsConfig struct {
	SweepInterval   time.Duration
	SweepLimit      int
	CleanupInterval time.Duration
	LinkRetention   time.Duration
	JobRetention    time.Duration
}

// DefaultJobsConfig returns the periodic job defaults.
func DefaultJobsConfig() JobsConfig {
	return JobsConfig{
		SweepInterval:   5 * time.Minute,
		SweepLimit:      50,
		CleanupInterval: time.Hour,
		LinkRetention:   7 * 24 * time.Hour,
		JobRetention:    30 * 24 * time.Hour,
	}
}

// RegisterEnrollmentJobs registers the registry and housekeeping handlers
// and schedules the periodic ones.
func RegisterEnrollmentJobs(w *Worker, enrollments Enrollments, links LinkPurger, jobs JobCleaner, cfg JobsConfig) {
	w.RegisterHandler(models.JobTypeRegistryRegister, registryRegisterHandler(enrollments))
	w.RegisterHandler(models.JobTypeRegistryRedriveSweep, redriveSweepHandler(enrollments, cfg.SweepLimit))
	w.RegisterHandler(models.JobTypeCheckoutLinkCleanup, linkCleanupHandler(links, cfg.LinkRetention))
	w.RegisterHandler(models.JobTypeJobCleanup, jobCleanupHandler(jobs, cfg.JobRetention))

	if cfg.SweepInterval > 0 {
		w.Every(cfg.SweepInterval, periodicJob(models.JobTypeRegistryRedriveSweep))
	}
	if cfg.CleanupInterval > 0 {
		w.Every(cfg.CleanupInterval, periodicJob(models.JobTypeCheckoutLinkCleanup))
		w.Every(cfg.CleanupInterval, periodicJob(models.JobTypeJobCleanup))
	}

	log.Printf("[worker] Registered enrollment job handlers: %s, %s, %s, %s",
		models.JobTypeRegistryRegister, models.JobTypeRegistryRedriveSweep,
		models.JobTypeCheckoutLinkCleanup, models.JobTypeJobCleanup)
}

func periodicJob(jobType string) func() *models.Job {
	return func() *models.Job {
		key := "periodic:" + jobType
		return &models.Job{
			JobType:     jobType,
			Payload:     models.JSONB{},
			Priority:    models.JobPriorityLow,
			MaxAttempts: 1,
			DedupeKey:   &key,
		}
	}
}

// registryRegisterHandler runs the registry step for one enrollment. A
// recorded registry failure completes the job; only infrastructure errors
// are retried by the queue.
func registryRegisterHandler(enrollments Enrollments) Handler {
	return func(ctx context.Context, job *models.Job) error {
		id := job.Payload.String("enrollment_id")
		if id == "" {
			return fmt.Errorf("missing enrollment_id in payload")
		}

		res, err := enrollments.RegisterWithRegistry(ctx, id)
		if errors.Is(err, enrollment.ErrNotFound) {
			log.Printf("[worker] Enrollment %s no longer exists, dropping job %d", id, job.ID)
			return nil
		}
		if err != nil {
			return err
		}
		log.Printf("[worker] Registry step for enrollment %s: %s", id, res.Action)
		return nil
	}
}

func redriveSweepHandler(enrollments Enrollments, limit int) Handler {
	return func(ctx context.Context, job *models.Job) error {
		n, err := enrollments.SweepRedrive(ctx, limit)
		if err != nil {
			return fmt.Errorf("redrive sweep (%d candidates): %w", n, err)
		}
		return nil
	}
}

func linkCleanupHandler(links LinkPurger, retention time.Duration) Handler {
	return func(ctx context.Context, job *models.Job) error {
		_, err := links.PurgeStale(ctx, retention)
		return err
	}
}

func jobCleanupHandler(jobs JobCleaner, retention time.Duration) Handler {
	return func(ctx context.Context, job *models.Job) error {
		n, err := jobs.CleanupOldJobs(ctx, retention)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("[worker] Removed %d finished job(s)", n)
		}
		return nil
	}
}
