package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandboxlab/detonate/internal/store"
	"github.com/sandboxlab/detonate/report"
)

// Artifact describes one result file pulled out of the guest.
type Artifact struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

func (e *Engine) Job(id string) (*store.Job, error) {
	return e.store.GetJob(id)
}

func (e *Engine) ListJobs(limit int) ([]*store.Job, error) {
	return e.store.ListJobs(limit)
}

// ListArtifacts enumerates the result files of a job. A job that produced
// nothing has an empty list, not an error.
func (e *Engine) ListArtifacts(id string) ([]Artifact, error) {
	job, err := e.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(job.ArtifactDir)
	if os.IsNotExist(err) {
		return []Artifact{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact dir: %w", err)
	}
	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, Artifact{Filename: entry.Name(), SizeBytes: info.Size()})
	}
	return artifacts, nil
}

// ArtifactPath resolves one artifact to its host path, rejecting names that
// would escape the job's artifact directory.
func (e *Engine) ArtifactPath(id, filename string) (string, error) {
	job, err := e.store.GetJob(id)
	if err != nil {
		return "", err
	}
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("invalid artifact name: %q", filename)
	}
	p := filepath.Join(job.ArtifactDir, filename)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: artifact %s", store.ErrNotFound, filename)
	}
	return p, nil
}

// Report returns the structured analysis report of a finished job.
func (e *Engine) Report(id string) (*report.Report, error) {
	job, err := e.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job.ReportJSON == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoReport, id)
	}
	var rep report.Report
	if err := json.Unmarshal([]byte(job.ReportJSON), &rep); err != nil {
		return nil, fmt.Errorf("decoding stored report: %w", err)
	}
	return &rep, nil
}
