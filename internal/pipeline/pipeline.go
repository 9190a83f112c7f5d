package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sandboxlab/detonate/internal/guest"
	"github.com/sandboxlab/detonate/internal/hypervisor"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrCompileFailed   = errors.New("compilation failed")
	ErrExecTimeout     = errors.New("execution timed out")
)

// Status is the per-job pipeline state. Compiling and tracing are entered
// only when the language or configuration calls for them.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusTransferring Status = "transferring"
	StatusCompiling    Status = "compiling"
	StatusRunning      Status = "running"
	StatusTracing      Status = "tracing"
	StatusCollecting   Status = "collecting"
	StatusDone         Status = "done"
	StatusError        Status = "error"
)

// Monotonic progress checkpoint per stage.
var stagePct = map[Status]int{
	StatusQueued:       0,
	StatusTransferring: 20,
	StatusCompiling:    40,
	StatusRunning:      60,
	StatusTracing:      75,
	StatusCollecting:   90,
	StatusDone:         100,
}

// Pct returns the progress percentage for a stage, 0 for unknown stages.
func Pct(s Status) int { return stagePct[s] }

// ProgressFunc receives stage transitions while a job runs. Implementations
// must not block; the pipeline calls it inline between guest operations.
type ProgressFunc func(status Status, pct int, message string)

// Trace outcome labels recorded on the result.
const (
	TraceOK      = "ok"
	TraceSkipped = "skipped"
	TraceOff     = "disabled"
)

// Job identifies one artifact to analyze and where its pulled results go.
type Job struct {
	ID          string
	Filename    string
	HostPath    string
	ArtifactDir string
}

// Result is the accumulated outcome of a single pipeline run.
type Result struct {
	FileType     string
	Language     string
	Interpreter  string
	NeedsCompile bool
	ExitCode     int
	TimedOut     bool
	ExecMessage  string
	TraceStatus  string
	TracePath    string
	Stdout       string
	Stderr       string
	Output       string
	Duration     time.Duration
}

type Options struct {
	GuestDir       string
	TraceEnabled   bool
	CompileTimeout time.Duration
	ExecTimeout    time.Duration
	TraceTimeout   time.Duration
}

// Transferrer is the slice of the transfer gateway the pipeline needs.
type Transferrer interface {
	Push(ctx context.Context, hostPath, guestPath string) error
	Pull(ctx context.Context, guestPath, hostPath string) error
}

// Runner is the slice of the process driver the pipeline needs.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, program string, args ...string) (*hypervisor.GuestResult, error)
}

// Pipeline drives one artifact through detect, transfer, optional compile,
// run, optional trace and collect. It owns no VM state; callers are expected
// to hold the busy window for the duration of Analyze.
type Pipeline struct {
	gateway Transferrer
	driver  Runner
	opts    Options
	logger  *slog.Logger
}

func New(gateway Transferrer, driver Runner, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		gateway: gateway,
		driver:  driver,
		opts:    opts,
		logger:  logger.With("component", "pipeline"),
	}
}

// Analyze runs the full stage sequence for one job. Stage-local failures
// (compile errors, non-zero guest exit) are part of the result; only
// infrastructure failures and timeouts return an error. The returned Result
// is non-nil whenever err is nil.
func (p *Pipeline) Analyze(ctx context.Context, job Job, progress ProgressFunc) (*Result, error) {
	started := time.Now()

	lang, err := p.detect(job)
	if err != nil {
		return nil, err
	}
	res := &Result{
		FileType:     lang.Ext,
		Language:     lang.Name,
		Interpreter:  lang.Toolchain(),
		NeedsCompile: lang.NeedsCompile(),
		TraceStatus:  TraceOff,
	}
	p.logger.Info("analysis started",
		"job_id", job.ID, "filename", job.Filename,
		"language", lang.Name, "needs_compile", lang.NeedsCompile())

	progress(StatusTransferring, Pct(StatusTransferring), "copying artifact to guest")
	guestSrc := guest.GuestJoin(p.opts.GuestDir, sanitizeName(job.Filename))
	if err := p.gateway.Push(ctx, job.HostPath, guestSrc); err != nil {
		return nil, err
	}

	target := guestSrc
	runProgram, runArgs := lang.Interpreter, []string{guestSrc}
	if lang.NeedsCompile() {
		progress(StatusCompiling, Pct(StatusCompiling), "compiling "+lang.Name+" source")
		target, err = p.compile(ctx, lang, guestSrc)
		if err != nil {
			return nil, err
		}
		runProgram, runArgs = p.runCommand(lang, target)
	}

	progress(StatusRunning, Pct(StatusRunning), "executing in sandbox")
	run, err := p.driver.Run(ctx, p.opts.ExecTimeout, runProgram, runArgs...)
	if err != nil {
		return nil, err
	}
	if run.TimedOut {
		return nil, fmt.Errorf("%w: after %s", ErrExecTimeout, p.opts.ExecTimeout)
	}
	res.ExitCode = run.ExitCode
	res.Stdout = run.Stdout
	res.Stderr = run.Stderr
	res.ExecMessage = execMessage(run)

	if p.opts.TraceEnabled {
		progress(StatusTracing, Pct(StatusTracing), "tracing system calls")
		p.trace(ctx, job, res, runProgram, runArgs)
	}

	progress(StatusCollecting, Pct(StatusCollecting), "collecting results")
	res.Duration = time.Since(started)
	res.Output = renderOutput(res)
	return res, nil
}

func (p *Pipeline) detect(job Job) (Language, error) {
	head := make([]byte, 256)
	f, err := os.Open(job.HostPath)
	if err != nil {
		return Language{}, fmt.Errorf("read artifact: %w", err)
	}
	n, _ := f.Read(head)
	f.Close()
	lang, err := Detect(job.Filename, head[:n])
	if err != nil {
		return Language{}, fmt.Errorf("%w: %q", ErrUnsupportedType, path.Ext(job.Filename))
	}
	return lang, nil
}

// compile builds the guest-side source and returns the path of the artifact
// to execute. A non-zero compiler exit is a job error carrying the
// compiler's own output.
func (p *Pipeline) compile(ctx context.Context, lang Language, guestSrc string) (string, error) {
	program, args, artifact := compileCommand(lang, guestSrc)
	res, err := p.driver.Run(ctx, p.opts.CompileTimeout, program, args...)
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return "", fmt.Errorf("%w: compiler timed out after %s", ErrCompileFailed, p.opts.CompileTimeout)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		if msg == "" {
			msg = fmt.Sprintf("compiler exited with status %d", res.ExitCode)
		}
		return "", fmt.Errorf("%w: %s", ErrCompileFailed, msg)
	}
	return artifact, nil
}

func compileCommand(lang Language, guestSrc string) (program string, args []string, artifact string) {
	base := strings.TrimSuffix(guestSrc, lang.Ext)
	switch lang.Ext {
	case ".java":
		// javac drops the class next to the source; java runs it by name.
		return lang.Compiler, []string{guestSrc}, base
	case ".go":
		return lang.Compiler, []string{"build", "-o", base + "_compiled", guestSrc}, base + "_compiled"
	default:
		return lang.Compiler, []string{guestSrc, "-o", base + "_compiled"}, base + "_compiled"
	}
}

func (p *Pipeline) runCommand(lang Language, artifact string) (string, []string) {
	if lang.Ext == ".java" {
		return "/usr/bin/java", []string{"-cp", path.Dir(artifact), path.Base(artifact)}
	}
	return artifact, nil
}

// trace re-runs the invocation under strace and pulls the syscall log back
// to the host. Any failure downgrades to a skipped trace; tracing is
// diagnostic and never fails the job.
func (p *Pipeline) trace(ctx context.Context, job Job, res *Result, program string, args []string) {
	res.TraceStatus = TraceSkipped
	guestLog := guest.GuestJoin(p.opts.GuestDir, "syscalls_"+job.ID+".log")
	straceArgs := append([]string{"-f", "-o", guestLog, program}, args...)

	run, err := p.driver.Run(ctx, p.opts.TraceTimeout, "/usr/bin/strace", straceArgs...)
	if err != nil {
		p.logger.Warn("trace invocation failed, skipping", "job_id", job.ID, "error", err)
		return
	}
	if run.TimedOut {
		p.logger.Warn("trace timed out, skipping", "job_id", job.ID)
		return
	}

	hostLog := filepath.Join(job.ArtifactDir, "syscalls.log")
	if err := p.gateway.Pull(ctx, guestLog, hostLog); err != nil {
		p.logger.Warn("trace log pull failed, skipping", "job_id", job.ID, "error", err)
		return
	}
	res.TraceStatus = TraceOK
	res.TracePath = hostLog
}

func execMessage(run *hypervisor.GuestResult) string {
	if run.ExitCode == 0 {
		return "File executed successfully in sandbox."
	}
	msg := fmt.Sprintf("File execution failed: exited with status %d", run.ExitCode)
	if s := firstLine(run.Stderr); s != "" {
		msg += " (" + s + ")"
	}
	return msg
}

// renderOutput produces the labeled text block the classifier parses.
func renderOutput(res *Result) string {
	var b strings.Builder
	b.WriteString("File Analysis Results:\n")
	fmt.Fprintf(&b, "File Type: %s\n", res.FileType)
	fmt.Fprintf(&b, "Interpreter: %s\n", res.Interpreter)
	fmt.Fprintf(&b, "Needs Compilation: %t\n", res.NeedsCompile)
	fmt.Fprintf(&b, "Execution Result: %s\n", res.ExecMessage)
	fmt.Fprintf(&b, "Trace Result: %s\n", res.TraceStatus)
	if out := strings.TrimSpace(res.Stdout); out != "" {
		b.WriteString("\nProgram Output:\n")
		b.WriteString(out)
		b.WriteString("\n")
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		b.WriteString("\nProgram Errors:\n")
		b.WriteString(errOut)
		b.WriteString("\n")
	}
	return b.String()
}

// sanitizeName strips path separators an uploader may have smuggled into
// the original filename before it becomes a guest path element.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "" || name == "." || name == "/" {
		return "artifact"
	}
	return name
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
