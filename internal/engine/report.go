package engine

import (
	"encoding/json"
	"os"
	"time"

	"github.com/sandboxlab/detonate/internal/classify"
	"github.com/sandboxlab/detonate/internal/pipeline"
	"github.com/sandboxlab/detonate/internal/store"
	"github.com/sandboxlab/detonate/report"
)

// finalizeDone classifies a completed pipeline run, stores the structured
// report, and moves the job to done.
func (e *Engine) finalizeDone(job *store.Job, res *pipeline.Result) {
	rep := buildReport(job, res)
	reportJSON, err := json.Marshal(rep)
	if err != nil {
		// Report shape is plain structs; a marshal failure is a bug.
		e.logger.Error("encoding report", "job_id", job.ID, "error", err)
		e.finalizeError(job, err)
		return
	}

	if err := e.store.MarkDone(job.ID, res.Output, string(reportJSON), time.Now().UTC()); err != nil {
		e.logger.Error("marking job done", "job_id", job.ID, "error", err)
		return
	}
	e.metrics.JobsFinished.WithLabelValues(store.StatusDone).Inc()
	e.metrics.JobDuration.Observe(res.Duration.Seconds())
	e.logger.Info("job finished",
		"job_id", job.ID, "classification", rep.Classification,
		"exit_code", res.ExitCode, "duration_ms", rep.DurationMs)
}

func (e *Engine) finalizeError(job *store.Job, cause error) {
	reason := errorReason(cause)
	if err := e.store.MarkError(job.ID, reason, time.Now().UTC()); err != nil {
		e.logger.Error("marking job errored", "job_id", job.ID, "error", err)
		return
	}
	e.metrics.JobsFinished.WithLabelValues(store.StatusError).Inc()
	e.logger.Warn("job failed", "job_id", job.ID, "reason", reason)
}

func buildReport(job *store.Job, res *pipeline.Result) *report.Report {
	fields := classify.Parse(res.Output)
	verdict := classify.Classify(fields)

	rep := &report.Report{
		Filename:       job.Filename,
		Classification: verdict.Label,
		Confidence:     verdict.Confidence,
		Malicious:      verdict.Malicious,
		Summary:        classify.Summary(fields, verdict),
		DurationMs:     res.Duration.Milliseconds(),
	}
	if res.TracePath != "" {
		if f, err := os.Open(res.TracePath); err == nil {
			rep.FileOperations, rep.NetworkConnections, rep.ProcessCreations = report.ParseTrace(f)
			f.Close()
		}
	}
	return rep
}
