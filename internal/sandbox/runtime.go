package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/epuerta/codeagent/internal/model"
)

// runtimeSpec describes how to build and run one language on the host.
// Command templates may use {file}, {dir}, {output}, {class} and {memory}.
type runtimeSpec struct {
	Language model.Language
	Ext      string
	// Binary must be on PATH for the runtime to be usable.
	Binary  string
	Compile []string
	Run     []string
	// LimitAddressSpace applies RLIMIT_AS. Runtimes that reserve large
	// virtual ranges up front (V8, JVM, Go) cannot run under it.
	LimitAddressSpace bool
}

var runtimes = map[model.Language]runtimeSpec{
	model.Python: {
		Language: model.Python, Ext: ".py", Binary: "python3",
		Run:               []string{"python3", "-I", "{file}"},
		LimitAddressSpace: true,
	},
	model.JavaScript: {
		Language: model.JavaScript, Ext: ".js", Binary: "node",
		Run: []string{"node", "--max-old-space-size={memory}", "{file}"},
	},
	model.TypeScript: {
		Language: model.TypeScript, Ext: ".ts", Binary: "tsc",
		Compile: []string{"tsc", "--outDir", "{dir}", "{file}"},
		Run:     []string{"node", "--max-old-space-size={memory}", "{dir}/code.js"},
	},
	model.Java: {
		Language: model.Java, Ext: ".java", Binary: "javac",
		Compile: []string{"javac", "-d", "{dir}", "{file}"},
		Run:     []string{"java", "-Xmx{memory}m", "-cp", "{dir}", "{class}"},
	},
	model.Cpp: {
		Language: model.Cpp, Ext: ".cpp", Binary: "g++",
		Compile:           []string{"g++", "-O2", "-o", "{output}", "{file}"},
		Run:               []string{"{output}"},
		LimitAddressSpace: true,
	},
	model.C: {
		Language: model.C, Ext: ".c", Binary: "gcc",
		Compile:           []string{"gcc", "-O2", "-o", "{output}", "{file}"},
		Run:               []string{"{output}"},
		LimitAddressSpace: true,
	},
	model.Rust: {
		Language: model.Rust, Ext: ".rs", Binary: "rustc",
		Compile: []string{"rustc", "-o", "{output}", "{file}"},
		Run:     []string{"{output}"},
	},
	model.Go: {
		Language: model.Go, Ext: ".go", Binary: "go",
		Run: []string{"go", "run", "{file}"},
	},
	model.PHP: {
		Language: model.PHP, Ext: ".php", Binary: "php",
		Run:               []string{"php", "{file}"},
		LimitAddressSpace: true,
	},
	model.Ruby: {
		Language: model.Ruby, Ext: ".rb", Binary: "ruby",
		Run:               []string{"ruby", "{file}"},
		LimitAddressSpace: true,
	},
	model.Perl: {
		Language: model.Perl, Ext: ".pl", Binary: "perl",
		Run:               []string{"perl", "{file}"},
		LimitAddressSpace: true,
	},
	model.Bash: {
		Language: model.Bash, Ext: ".sh", Binary: "bash",
		Run:               []string{"bash", "{file}"},
		LimitAddressSpace: true,
	},
	model.PowerShell: {
		Language: model.PowerShell, Ext: ".ps1", Binary: "pwsh",
		Run: []string{"pwsh", "-NoProfile", "-NonInteractive", "-File", "{file}"},
	},
}

func lookupRuntime(lang model.Language) (runtimeSpec, bool) {
	spec, ok := runtimes[lang]
	return spec, ok
}

var javaClass = regexp.MustCompile(`public\s+(?:final\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)

// fileName returns the source file name for the code. Java requires the
// file to be named after its public class.
func (s runtimeSpec) fileName(code string) (name, class string) {
	if s.Language == model.Java {
		class = "Main"
		if m := javaClass.FindStringSubmatch(code); m != nil {
			class = m[1]
		}
		return class + s.Ext, class
	}
	return "code" + s.Ext, ""
}

// expand fills the placeholders of a command template
func expand(tmpl []string, vars map[string]string) []string {
	out := make([]string, len(tmpl))
	for i, part := range tmpl {
		for k, v := range vars {
			part = strings.ReplaceAll(part, "{"+k+"}", v)
		}
		out[i] = part
	}
	return out
}

// limitScript returns a shell prologue that applies the profile as rlimits
// and then execs the real command. /bin/sh counts file sizes in 512-byte
// blocks.
func limitScript(p model.ResourceLimitProfile, addressSpace bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null; ", p.CPUTimeSeconds)
	fmt.Fprintf(&b, "ulimit -f %d 2>/dev/null; ", p.DiskMB*2048)
	fmt.Fprintf(&b, "ulimit -u %d 2>/dev/null; ", p.MaxProcesses)
	if addressSpace {
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null; ", p.MemoryMB*1024)
	}
	b.WriteString(`exec "$@"`)
	return b.String()
}
