package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sandboxlab/detonate/internal/config"
	"github.com/sandboxlab/detonate/internal/store"
)

// TestConfig returns a Config with sensible test defaults rooted in a
// per-test temp directory.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Listen:                 "127.0.0.1:0",
		APIKey:                 "test-api-key",
		DataDir:                dir,
		DBPath:                 filepath.Join(dir, "jobs.db"),
		TraceEnabled:           true,
		RetentionSeconds:       3600,
		JanitorIntervalSeconds: 60,
		VM: config.VM{
			Backend:              "vmrun",
			ImagePath:            filepath.Join(dir, "sandbox.vmx"),
			GuestUser:            "sandbox",
			GuestPass:            "sandbox",
			BaseSnapshot:         "clean",
			GuestDir:             "/home/sandbox/analysis",
			VMRunPath:            "vmrun",
			StartTimeoutSeconds:  5,
			ReadyProbeAttempts:   3,
			ReadyProbeIntervalMs: 10,
		},
		Limits: config.Limits{
			CompileTimeoutMs: 5000,
			ExecTimeoutMs:    5000,
			TraceTimeoutMs:   5000,
			JobTimeoutMs:     10000,
			MaxUploadMB:      10,
			QueueSize:        8,
		},
	}
}

// TestJob returns a queued job row for store-backed tests.
func TestJob(id string) *store.Job {
	return &store.Job{
		ID:          id,
		Filename:    "sample.py",
		HostPath:    "/tmp/detonate-test/uploads/" + id + "/sample.py",
		ArtifactDir: "/tmp/detonate-test/artifacts/" + id,
		Language:    "Python",
		Status:      "queued",
		SubmittedAt: time.Now().UTC(),
	}
}

// NewTestStore creates a SQLite store in a per-test temp directory.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "jobs.db"), 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
