// Package classify turns the pipeline's accumulated output text into
// structured fields and a coarse verdict. Parsing is best-effort marker
// extraction: a missing field degrades to a placeholder value, never an
// error. The verdict is a heuristic signal for reporting, not a security
// boundary.
package classify

import (
	"strings"
)

const (
	LabelSafe       = "Safe"
	LabelSuspicious = "Suspicious"

	unknown      = "Unknown"
	notPerformed = "Not performed"
)

// Fields are the labeled values extracted from analysis output text.
type Fields struct {
	FileType     string
	Interpreter  string
	NeedsCompile string
	ExecResult   string
	TraceResult  string
}

// Verdict is the classification of one analysis, a pure function of the
// extracted fields.
type Verdict struct {
	Label      string
	Malicious  bool
	Confidence float64
	Basis      string
}

var markers = []struct {
	prefix string
	assign func(*Fields, string)
}{
	{"File Type:", func(f *Fields, v string) { f.FileType = v }},
	{"Interpreter:", func(f *Fields, v string) { f.Interpreter = v }},
	{"Needs Compilation:", func(f *Fields, v string) { f.NeedsCompile = v }},
	{"Execution Result:", func(f *Fields, v string) { f.ExecResult = v }},
	{"Trace Result:", func(f *Fields, v string) { f.TraceResult = v }},
}

// Parse extracts the labeled fields from output text. Absent fields come
// back as "Unknown", an absent trace line as "Not performed". Scanning
// stops at the "Program Output:" / "Program Errors:" separators: everything
// below them is untrusted program output, and a marker-shaped line printed
// by the analyzed program must not overwrite the engine's own record.
func Parse(output string) Fields {
	f := Fields{
		FileType:     unknown,
		Interpreter:  unknown,
		NeedsCompile: unknown,
		ExecResult:   unknown,
		TraceResult:  notPerformed,
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "Program Output:" || line == "Program Errors:" {
			break
		}
		for _, m := range markers {
			if rest, ok := strings.CutPrefix(line, m.prefix); ok {
				if v := strings.TrimSpace(rest); v != "" {
					m.assign(&f, v)
				}
				break
			}
		}
	}
	return f
}

// Indicators in the execution-result line that flag a run as suspicious.
var failureIndicators = []string{
	"failed",
	"error",
	"exited with status",
	"timed out",
	"killed",
	"segmentation fault",
}

// Classify assigns a verdict from the extracted fields. Deterministic:
// identical fields always yield the identical verdict.
func Classify(f Fields) Verdict {
	exec := strings.ToLower(f.ExecResult)
	for _, ind := range failureIndicators {
		if strings.Contains(exec, ind) {
			return Verdict{
				Label:      LabelSuspicious,
				Malicious:  true,
				Confidence: 0.6,
				Basis:      "execution result indicates abnormal termination: " + f.ExecResult,
			}
		}
	}
	if f.ExecResult == unknown {
		return Verdict{
			Label:      LabelSuspicious,
			Malicious:  true,
			Confidence: 0.3,
			Basis:      "no execution result was recorded",
		}
	}
	return Verdict{
		Label:      LabelSafe,
		Malicious:  false,
		Confidence: 0.85,
		Basis:      "executed cleanly: " + f.ExecResult,
	}
}

// Summary renders a one-paragraph human summary of an analysis.
func Summary(f Fields, v Verdict) string {
	var b strings.Builder
	b.WriteString(v.Label)
	b.WriteString(": ")
	b.WriteString(v.Basis)
	b.WriteString(". File type ")
	b.WriteString(f.FileType)
	b.WriteString(", interpreter ")
	b.WriteString(f.Interpreter)
	b.WriteString(", trace ")
	b.WriteString(strings.ToLower(f.TraceResult))
	b.WriteString(".")
	return b.String()
}
