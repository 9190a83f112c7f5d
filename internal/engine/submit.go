package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxlab/detonate/internal/pipeline"
	"github.com/sandboxlab/detonate/internal/store"
)

// Submit registers an artifact already saved under the data directory and
// queues it for analysis. An unsupported file type still produces a job
// record, terminal with the rejection reason, so the caller can always poll
// by id.
func (e *Engine) Submit(filename, hostPath string) (*store.Job, error) {
	if ok, reason := e.Available(); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, reason)
	}

	id := uuid.New().String()[:12]
	now := time.Now().UTC()
	artifactDir := filepath.Join(e.cfg.DataDir, "artifacts", id)
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}

	job := &store.Job{
		ID:          id,
		Filename:    filename,
		HostPath:    hostPath,
		ArtifactDir: artifactDir,
		Status:      string(pipeline.StatusQueued),
		Message:     "waiting for sandbox",
		SubmittedAt: now,
	}

	lang, detectErr := detectLanguage(filename, hostPath)
	if detectErr == nil {
		job.Language = lang.Name
	}

	if err := e.store.CreateJob(job); err != nil {
		return nil, err
	}
	e.metrics.JobsSubmitted.Inc()

	if detectErr != nil {
		reason := fmt.Sprintf("unsupported file type: %q", filepath.Ext(filename))
		if err := e.store.MarkError(id, reason, now); err != nil {
			return nil, err
		}
		e.metrics.JobsFinished.WithLabelValues(store.StatusError).Inc()
		e.logger.Info("job rejected", "job_id", id, "filename", filename, "reason", reason)
		return e.store.GetJob(id)
	}

	select {
	case e.queue <- id:
		e.metrics.QueueDepth.Set(float64(len(e.queue)))
	default:
		reason := "rejected: analysis queue full"
		if err := e.store.MarkError(id, reason, now); err != nil {
			return nil, err
		}
		e.metrics.JobsFinished.WithLabelValues(store.StatusError).Inc()
		return nil, ErrQueueFull
	}

	e.logger.Info("job queued", "job_id", id, "filename", filename, "language", job.Language)
	return e.store.GetJob(id)
}

// Cancel terminates a job. Queued jobs are marked canceled in place and
// skipped at dequeue; a running job has its context canceled and still goes
// through the normal revert on release.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	cancel, running := e.cancels[id]
	e.mu.Unlock()
	if running {
		cancel()
		e.logger.Info("canceling active job", "job_id", id)
		return nil
	}

	job, err := e.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return fmt.Errorf("job %s already finished", id)
	}
	if err := e.store.MarkError(id, "canceled before start", time.Now().UTC()); err != nil {
		return err
	}
	e.metrics.JobsFinished.WithLabelValues(store.StatusError).Inc()
	return nil
}

func detectLanguage(filename, hostPath string) (pipeline.Language, error) {
	head := make([]byte, 256)
	f, err := os.Open(hostPath)
	if err != nil {
		return pipeline.Language{}, err
	}
	defer f.Close()
	n, _ := f.Read(head)
	return pipeline.Detect(filename, head[:n])
}

func pipelineJob(job *store.Job) pipeline.Job {
	return pipeline.Job{
		ID:          job.ID,
		Filename:    job.Filename,
		HostPath:    job.HostPath,
		ArtifactDir: job.ArtifactDir,
	}
}

// errorReason maps pipeline and context failures to the operator-facing
// reason string recorded on the job.
func errorReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled by user"
	case errors.Is(err, context.DeadlineExceeded):
		return "job timed out before completing"
	default:
		return err.Error()
	}
}
