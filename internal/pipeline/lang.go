package pipeline

import (
	"bytes"
	"path"
	"strings"
)

// Language describes how one supported file type is run inside the guest.
// Script languages carry an interpreter; compiled languages carry a compiler
// and produce an artifact that is executed directly.
type Language struct {
	Name        string
	Ext         string
	Interpreter string
	Compiler    string
}

func (l Language) NeedsCompile() bool { return l.Compiler != "" }

// Toolchain is the guest binary the pipeline invokes for this language,
// interpreter for scripts and compiler for compiled languages.
func (l Language) Toolchain() string {
	if l.NeedsCompile() {
		return l.Compiler
	}
	return l.Interpreter
}

var languages = map[string]Language{
	".py":   {Name: "Python", Ext: ".py", Interpreter: "/usr/bin/python3"},
	".js":   {Name: "JavaScript", Ext: ".js", Interpreter: "/usr/bin/node"},
	".sh":   {Name: "Shell", Ext: ".sh", Interpreter: "/bin/bash"},
	".rb":   {Name: "Ruby", Ext: ".rb", Interpreter: "/usr/bin/ruby"},
	".pl":   {Name: "Perl", Ext: ".pl", Interpreter: "/usr/bin/perl"},
	".php":  {Name: "PHP", Ext: ".php", Interpreter: "/usr/bin/php"},
	".c":    {Name: "C", Ext: ".c", Compiler: "/usr/bin/gcc"},
	".cpp":  {Name: "C++", Ext: ".cpp", Compiler: "/usr/bin/g++"},
	".java": {Name: "Java", Ext: ".java", Compiler: "/usr/bin/javac"},
	".go":   {Name: "Go", Ext: ".go", Compiler: "/usr/bin/go"},
}

// shebang interpreter names to the extension whose table entry runs them.
var shebangExts = map[string]string{
	"python": ".py",
	"node":   ".js",
	"nodejs": ".js",
	"sh":     ".sh",
	"bash":   ".sh",
	"dash":   ".sh",
	"ruby":   ".rb",
	"perl":   ".pl",
	"php":    ".php",
}

// Detect resolves the language for an artifact from its filename extension,
// falling back to shebang sniffing of the leading content bytes when the
// extension is missing or unrecognized. Returns ErrUnsupportedType when
// neither identifies a supported language.
func Detect(filename string, head []byte) (Language, error) {
	ext := strings.ToLower(path.Ext(filename))
	if lang, ok := languages[ext]; ok {
		return lang, nil
	}
	if ext := sniffShebang(head); ext != "" {
		return languages[ext], nil
	}
	return Language{}, ErrUnsupportedType
}

func sniffShebang(head []byte) string {
	if !bytes.HasPrefix(head, []byte("#!")) {
		return ""
	}
	line := head[2:]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(strings.TrimSpace(string(line)))
	if len(fields) == 0 {
		return ""
	}
	prog := path.Base(fields[0])
	if prog == "env" && len(fields) > 1 {
		prog = path.Base(fields[1])
	}
	// Strip a version suffix like python3.11.
	prog = strings.TrimRight(prog, "0123456789.")
	if ext, ok := shebangExts[prog]; ok {
		return ext
	}
	return ""
}
