package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sandboxlab/detonate/internal/hypervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(trace bool) Options {
	return Options{
		GuestDir:       "/home/sandbox/analysis",
		TraceEnabled:   trace,
		CompileTimeout: 30 * time.Second,
		ExecTimeout:    30 * time.Second,
		TraceTimeout:   30 * time.Second,
	}
}

func writeArtifact(t *testing.T, name, content string) Job {
	t.Helper()
	dir := t.TempDir()
	hostPath := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(hostPath, []byte(content), 0o644))
	artifacts := filepath.Join(dir, "artifacts")
	require.NoError(t, os.MkdirAll(artifacts, 0o755))
	return Job{ID: "job-test", Filename: name, HostPath: hostPath, ArtifactDir: artifacts}
}

type progressRecorder struct {
	stages []Status
	pcts   []int
}

func (r *progressRecorder) record(status Status, pct int, _ string) {
	r.stages = append(r.stages, status)
	r.pcts = append(r.pcts, pct)
}

func TestAnalyzePythonScript(t *testing.T) {
	job := writeArtifact(t, "hello.py", "print('Hello, World!')\n")

	transfer := new(MockTransfer)
	runner := new(MockRunner)
	transfer.On("Push", mock.Anything, job.HostPath, "/home/sandbox/analysis/hello.py").Return(nil)
	runner.On("Run", mock.Anything, 30*time.Second, "/usr/bin/python3", []string{"/home/sandbox/analysis/hello.py"}).
		Return(&hypervisor.GuestResult{ExitCode: 0, Stdout: "Hello, World!\n"}, nil)

	p := New(transfer, runner, testOptions(false), testLogger())
	rec := &progressRecorder{}
	res, err := p.Analyze(context.Background(), job, rec.record)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusTransferring, StatusRunning, StatusCollecting}, rec.stages)
	assert.Equal(t, []int{20, 60, 90}, rec.pcts)
	assert.Equal(t, ".py", res.FileType)
	assert.Equal(t, "/usr/bin/python3", res.Interpreter)
	assert.False(t, res.NeedsCompile)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, TraceOff, res.TraceStatus)
	assert.Contains(t, res.Output, "File Type: .py\n")
	assert.Contains(t, res.Output, "Interpreter: /usr/bin/python3\n")
	assert.Contains(t, res.Output, "Needs Compilation: false\n")
	assert.Contains(t, res.Output, "Execution Result: File executed successfully in sandbox.\n")
	assert.Contains(t, res.Output, "Hello, World!")
	transfer.AssertExpectations(t)
	runner.AssertExpectations(t)
}

func TestAnalyzeCompiledLanguage(t *testing.T) {
	job := writeArtifact(t, "prog.c", "int main(void){return 0;}\n")

	transfer := new(MockTransfer)
	runner := new(MockRunner)
	transfer.On("Push", mock.Anything, job.HostPath, "/home/sandbox/analysis/prog.c").Return(nil)
	runner.On("Run", mock.Anything, 30*time.Second, "/usr/bin/gcc",
		[]string{"/home/sandbox/analysis/prog.c", "-o", "/home/sandbox/analysis/prog_compiled"}).
		Return(&hypervisor.GuestResult{ExitCode: 0}, nil)
	runner.On("Run", mock.Anything, 30*time.Second, "/home/sandbox/analysis/prog_compiled", []string(nil)).
		Return(&hypervisor.GuestResult{ExitCode: 0}, nil)

	p := New(transfer, runner, testOptions(false), testLogger())
	rec := &progressRecorder{}
	res, err := p.Analyze(context.Background(), job, rec.record)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusTransferring, StatusCompiling, StatusRunning, StatusCollecting}, rec.stages)
	assert.True(t, res.NeedsCompile)
	assert.Contains(t, res.Output, "Needs Compilation: true\n")
	runner.AssertExpectations(t)
}

func TestAnalyzeCompileFailure(t *testing.T) {
	job := writeArtifact(t, "bad.c", "int main(void){ syntax error\n")

	transfer := new(MockTransfer)
	runner := new(MockRunner)
	transfer.On("Push", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	runner.On("Run", mock.Anything, mock.Anything, "/usr/bin/gcc", mock.Anything).
		Return(&hypervisor.GuestResult{ExitCode: 1, Stderr: "bad.c:1: error: expected ';'"}, nil)

	p := New(transfer, runner, testOptions(false), testLogger())
	_, err := p.Analyze(context.Background(), job, func(Status, int, string) {})
	require.ErrorIs(t, err, ErrCompileFailed)
	assert.Contains(t, err.Error(), "expected ';'")
	runner.AssertNumberOfCalls(t, "Run", 1)
}

func TestAnalyzeUnsupportedType(t *testing.T) {
	job := writeArtifact(t, "sample.xyz", "MZ\x90\x00")

	transfer := new(MockTransfer)
	runner := new(MockRunner)
	p := New(transfer, runner, testOptions(false), testLogger())
	_, err := p.Analyze(context.Background(), job, func(Status, int, string) {})
	require.ErrorIs(t, err, ErrUnsupportedType)
	transfer.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAnalyzeExecutionTimeout(t *testing.T) {
	job := writeArtifact(t, "loop.py", "while True: pass\n")

	transfer := new(MockTransfer)
	runner := new(MockRunner)
	transfer.On("Push", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	runner.On("Run", mock.Anything, mock.Anything, "/usr/bin/python3", mock.Anything).
		Return(&hypervisor.GuestResult{ExitCode: -1, TimedOut: true}, nil)

	p := New(transfer, runner, testOptions(false), testLogger())
	_, err := p.Analyze(context.Background(), job, func(Status, int, string) {})
	assert.ErrorIs(t, err, ErrExecTimeout)
}

func TestAnalyzeNonZeroExitIsNotAnError(t *testing.T) {
	job := writeArtifact(t, "crash.py", "import sys; sys.exit(3)\n")

	transfer := new(MockTransfer)
	runner := new(MockRunner)
	transfer.On("Push", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	runner.On("Run", mock.Anything, mock.Anything, "/usr/bin/python3", mock.Anything).
		Return(&hypervisor.GuestResult{ExitCode: 3, Stderr: "Traceback (most recent call last):\n"}, nil)

	p := New(transfer, runner, testOptions(false), testLogger())
	res, err := p.Analyze(context.Background(), job, func(Status, int, string) {})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.ExecMessage, "File execution failed")
	assert.Contains(t, res.ExecMessage, "status 3")
	assert.Contains(t, res.Output, "Execution Result: File execution failed")
}

func TestAnalyzeWithTrace(t *testing.T) {
	job := writeArtifact(t, "hello.py", "print('hi')\n")

	transfer := new(MockTransfer)
	runner := new(MockRunner)
	transfer.On("Push", mock.Anything, job.HostPath, "/home/sandbox/analysis/hello.py").Return(nil)
	runner.On("Run", mock.Anything, mock.Anything, "/usr/bin/python3", mock.Anything).
		Return(&hypervisor.GuestResult{ExitCode: 0}, nil)
	runner.On("Run", mock.Anything, mock.Anything, "/usr/bin/strace",
		[]string{"-f", "-o", "/home/sandbox/analysis/syscalls_job-test.log", "/usr/bin/python3", "/home/sandbox/analysis/hello.py"}).
		Return(&hypervisor.GuestResult{ExitCode: 0}, nil)
	transfer.On("Pull", mock.Anything, "/home/sandbox/analysis/syscalls_job-test.log",
		filepath.Join(job.ArtifactDir, "syscalls.log")).Return(nil)

	p := New(transfer, runner, testOptions(true), testLogger())
	rec := &progressRecorder{}
	res, err := p.Analyze(context.Background(), job, rec.record)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusTransferring, StatusRunning, StatusTracing, StatusCollecting}, rec.stages)
	assert.Equal(t, TraceOK, res.TraceStatus)
	assert.Equal(t, filepath.Join(job.ArtifactDir, "syscalls.log"), res.TracePath)
	assert.Contains(t, res.Output, "Trace Result: ok\n")
	transfer.AssertExpectations(t)
}

func TestAnalyzeTraceFailureSkips(t *testing.T) {
	job := writeArtifact(t, "hello.py", "print('hi')\n")

	transfer := new(MockTransfer)
	runner := new(MockRunner)
	transfer.On("Push", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	runner.On("Run", mock.Anything, mock.Anything, "/usr/bin/python3", mock.Anything).
		Return(&hypervisor.GuestResult{ExitCode: 0}, nil)
	runner.On("Run", mock.Anything, mock.Anything, "/usr/bin/strace", mock.Anything).
		Return(nil, errors.New("strace: command not found"))

	p := New(transfer, runner, testOptions(true), testLogger())
	res, err := p.Analyze(context.Background(), job, func(Status, int, string) {})
	require.NoError(t, err)
	assert.Equal(t, TraceSkipped, res.TraceStatus)
	assert.Empty(t, res.TracePath)
	assert.Contains(t, res.Output, "Trace Result: skipped\n")
}

func TestAnalyzeNormalizesSmuggledSeparators(t *testing.T) {
	job := writeArtifact(t, "evil.py", "print('x')\n")
	job.Filename = `..\..\evil.py`

	transfer := new(MockTransfer)
	runner := new(MockRunner)
	transfer.On("Push", mock.Anything, job.HostPath, "/home/sandbox/analysis/evil.py").Return(nil)
	runner.On("Run", mock.Anything, mock.Anything, "/usr/bin/python3",
		[]string{"/home/sandbox/analysis/evil.py"}).
		Return(&hypervisor.GuestResult{ExitCode: 0}, nil)

	p := New(transfer, runner, testOptions(false), testLogger())
	_, err := p.Analyze(context.Background(), job, func(Status, int, string) {})
	require.NoError(t, err)
	transfer.AssertExpectations(t)
}
