// Package janitor reconciles jobs interrupted by a restart and removes
// finished jobs past their retention window, together with their on-disk
// uploads and artifacts.
package janitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sandboxlab/detonate/internal/store"
)

type JanitorStore interface {
	ListUnfinished() ([]*store.Job, error)
	ListFinishedBefore(cutoff time.Time) ([]*store.Job, error)
	MarkError(id, reason string, finishedAt time.Time) error
	DeleteJob(id string) error
}

type Janitor struct {
	store     JanitorStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

func New(st JanitorStore, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:     st,
		retention: retention,
		interval:  interval,
		logger:    logger.With("component", "janitor"),
	}
}

func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("janitor started", "interval", j.interval, "retention", j.retention)

	j.Reconcile()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Reconcile marks all non-terminal jobs as interrupted. The queue lives in
// memory, so after a restart nothing will ever pick these up again.
func (j *Janitor) Reconcile() {
	jobs, err := j.store.ListUnfinished()
	if err != nil {
		j.logger.Error("reconcile: list unfinished", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		j.logger.Warn("marking interrupted job", "job_id", job.ID, "status", job.Status)
		if err := j.store.MarkError(job.ID, "interrupted by engine restart", now); err != nil {
			j.logger.Error("reconcile: mark interrupted", "job_id", job.ID, "error", err)
		}
	}
	if len(jobs) > 0 {
		j.logger.Info("reconciliation complete", "interrupted", len(jobs))
	}
}

// Sweep deletes terminal jobs older than the retention window, removing
// their uploaded artifact and pulled results from disk first.
func (j *Janitor) Sweep() {
	cutoff := time.Now().UTC().Add(-j.retention)
	jobs, err := j.store.ListFinishedBefore(cutoff)
	if err != nil {
		j.logger.Error("sweep: list finished", "error", err)
		return
	}

	for _, job := range jobs {
		if job.ArtifactDir != "" {
			if err := os.RemoveAll(job.ArtifactDir); err != nil {
				j.logger.Error("sweep: remove artifacts", "job_id", job.ID, "error", err)
				continue
			}
		}
		if job.HostPath != "" {
			// Uploads live in a per-job directory next to the artifact dir.
			if err := os.RemoveAll(filepath.Dir(job.HostPath)); err != nil {
				j.logger.Error("sweep: remove upload", "job_id", job.ID, "error", err)
				continue
			}
		}
		if err := j.store.DeleteJob(job.ID); err != nil {
			j.logger.Error("sweep: delete job", "job_id", job.ID, "error", err)
			continue
		}
		j.logger.Info("swept expired job", "job_id", job.ID, "finished_at", job.FinishedAt)
	}
}
