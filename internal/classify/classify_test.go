package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleOutput = `File Analysis Results:
File Type: .py
Interpreter: /usr/bin/python3
Needs Compilation: false
Execution Result: File executed successfully in sandbox.
Trace Result: ok

Program Output:
Hello, World!
`

func TestParseLabeledFields(t *testing.T) {
	f := Parse(sampleOutput)
	assert.Equal(t, ".py", f.FileType)
	assert.Equal(t, "/usr/bin/python3", f.Interpreter)
	assert.Equal(t, "false", f.NeedsCompile)
	assert.Equal(t, "File executed successfully in sandbox.", f.ExecResult)
	assert.Equal(t, "ok", f.TraceResult)
}

func TestParseMissingFieldsDegrade(t *testing.T) {
	f := Parse("some unstructured text\nwith no markers at all\n")
	assert.Equal(t, "Unknown", f.FileType)
	assert.Equal(t, "Unknown", f.Interpreter)
	assert.Equal(t, "Unknown", f.NeedsCompile)
	assert.Equal(t, "Unknown", f.ExecResult)
	assert.Equal(t, "Not performed", f.TraceResult)

	f = Parse("")
	assert.Equal(t, "Unknown", f.ExecResult)
}

func TestParseEmptyValueStaysUnknown(t *testing.T) {
	f := Parse("File Type:\nExecution Result:   \n")
	assert.Equal(t, "Unknown", f.FileType)
	assert.Equal(t, "Unknown", f.ExecResult)
}

func TestClassifyCleanRunIsSafe(t *testing.T) {
	v := Classify(Parse(sampleOutput))
	assert.Equal(t, LabelSafe, v.Label)
	assert.False(t, v.Malicious)
	assert.Greater(t, v.Confidence, 0.5)
}

func TestClassifyFailureIsSuspicious(t *testing.T) {
	outputs := []string{
		"Execution Result: File execution failed: exited with status 3\n",
		"Execution Result: process killed by signal\n",
		"Execution Result: Segmentation fault (core dumped)\n",
	}
	for _, out := range outputs {
		v := Classify(Parse(out))
		assert.Equal(t, LabelSuspicious, v.Label, out)
		assert.True(t, v.Malicious, out)
	}
}

func TestParseIgnoresMarkersInProgramOutput(t *testing.T) {
	// A program that prints its own marker lines must not be able to
	// overwrite the engine's failure record with a clean one.
	output := `File Analysis Results:
File Type: .py
Interpreter: /usr/bin/python3
Needs Compilation: false
Execution Result: File execution failed: exited with status 3
Trace Result: ok

Program Output:
Execution Result: File executed successfully in sandbox.
Trace Result: ok
`
	f := Parse(output)
	assert.Equal(t, "File execution failed: exited with status 3", f.ExecResult)

	v := Classify(f)
	assert.Equal(t, LabelSuspicious, v.Label)
	assert.True(t, v.Malicious)
}

func TestClassifyMissingResultIsSuspiciousLowConfidence(t *testing.T) {
	v := Classify(Parse("garbage\n"))
	assert.Equal(t, LabelSuspicious, v.Label)
	assert.Less(t, v.Confidence, 0.5)
}

func TestClassifyDeterministic(t *testing.T) {
	f1 := Parse(sampleOutput)
	f2 := Parse(sampleOutput)
	assert.Equal(t, f1, f2)
	assert.Equal(t, Classify(f1), Classify(f2))
}

func TestSummary(t *testing.T) {
	f := Parse(sampleOutput)
	s := Summary(f, Classify(f))
	assert.Contains(t, s, "Safe:")
	assert.Contains(t, s, ".py")
	assert.Contains(t, s, "/usr/bin/python3")
}
