package scanner

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/epuerta/codeagent/internal/model"
)

var (
	scriptLangs = []model.Language{model.JavaScript, model.TypeScript}
	shellLangs  = []model.Language{model.Bash}
)

// processRules detect spawning processes or touching the host OS
var processRules = []Rule{
	MustRule("process.os-import", FamilyProcess, `\bimport\s+os\b|\bfrom\s+os\s+import\b`, model.Python),
	MustRule("process.os-system", FamilyProcess, `\bos\.(system|popen|exec[lv]p?e?|spawn[lv]p?e?|fork|kill)\s*\(`, model.Python),
	MustRule("process.subprocess", FamilyProcess, `\bimport\s+subprocess\b|\bsubprocess\.(run|call|check_call|check_output|Popen)\s*\(`, model.Python),
	MustRule("process.child-process", FamilyProcess, `child_process|\bprocess\.(kill|exit|binding)\s*\(`, scriptLangs...),
	MustRule("process.exec-command", FamilyProcess, `\bexec\.Command(Context)?\s*\(|\bsyscall\.(Exec|ForkExec|Kill)\s*\(`, model.Go),
	MustRule("process.runtime-exec", FamilyProcess, `Runtime\.getRuntime\(\)\s*\.\s*exec|\bProcessBuilder\s*\(`, model.Java),
	MustRule("process.system-call", FamilyProcess, `\b(system|popen|execv[pe]?|execl[pe]?|fork)\s*\(`, model.C, model.Cpp, model.PHP, model.Perl),
	MustRule("process.command-new", FamilyProcess, `\bCommand::new\s*\(`, model.Rust),
	MustRule("process.ruby-system", FamilyProcess, `\b(system|spawn|exec)\s*\(|%x\{|\bIO\.popen\b`, model.Ruby),
	MustRule("process.privilege", FamilyProcess, `(?m)(^|[;&|\s])(sudo|su|chown|passwd)\s+`, shellLangs...),
	MustRule("process.destructive-shell", FamilyProcess, `\brm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s+/|\b(mkfs|fdisk|shred|dd\s+if=)|:\(\)\s*\{\s*:\|:&\s*\};:`, shellLangs...),
	MustRule("process.chained-destructive", FamilyProcess, `(\||&&|;)\s*(rm|del|sudo|su|kill|format|fdisk|mkfs)\s+`, shellLangs...),
	MustRule("process.powershell", FamilyProcess, `(?i)\b(Start-Process|Invoke-Expression|Remove-Item\s+.*-Recurse|Stop-Process)\b`, model.PowerShell),
}

// evalRules detect dynamic evaluation of constructed code
var evalRules = []Rule{
	MustRule("eval.eval", FamilyEval, `\beval\s*\(`),
	MustRule("eval.exec", FamilyEval, `(^|[^.\w])exec\s*\(`, model.Python),
	MustRule("eval.compile", FamilyEval, `(^|[^.\w])compile\s*\(`, model.Python),
	MustRule("eval.dunder-import", FamilyEval, `__import__\s*\(|\bimportlib\.import_module\s*\(`, model.Python),
	MustRule("eval.function-constructor", FamilyEval, `\bnew\s+Function\s*\(|\bFunction\s*\(\s*['"]`, scriptLangs...),
	MustRule("eval.dynamic-import", FamilyEval, `\bimport\s*\(\s*[^'"\s)]|\brequire\s*\(\s*[^'"\s)]`, scriptLangs...),
	MustRule("eval.timer-string", FamilyEval, `\bset(Timeout|Interval)\s*\(\s*['"]`, scriptLangs...),
}

// networkRules detect outbound network access
var networkRules = []Rule{
	MustRule("network.socket", FamilyNetwork, `\bimport\s+socket\b|\bsocket\.socket\s*\(|\bnew\s+Socket\s*\(|\bnet\.(Dial|Listen)\w*\s*\(|\bTcpStream::connect\b`),
	MustRule("network.http-client", FamilyNetwork, `\bimport\s+(urllib|requests|http\.client|httpx|aiohttp)\b|\bfrom\s+(urllib|requests|httpx|aiohttp)\b|\brequests\.(get|post|put|delete|patch|head)\s*\(`, model.Python),
	MustRule("network.fetch", FamilyNetwork, `\bfetch\s*\(|\bXMLHttpRequest\b|\brequire\s*\(\s*['"](https?|net|dgram|tls)['"]\s*\)|\bfrom\s+['"](https?|net|dgram|tls)['"]`, scriptLangs...),
	MustRule("network.go-http", FamilyNetwork, `\bhttp\.(Get|Post|Head|NewRequest\w*)\s*\(|"net/http"`, model.Go),
	MustRule("network.java-url", FamilyNetwork, `\bnew\s+URL\s*\(|\bHttpClient\b|\bopenConnection\s*\(`, model.Java),
	MustRule("network.transfer-tool", FamilyNetwork, `\b(curl|wget|nc|netcat|telnet|ssh|scp|rsync)\s`, shellLangs...),
	MustRule("network.powershell-web", FamilyNetwork, `(?i)\b(Invoke-WebRequest|Invoke-RestMethod|Net\.WebClient)\b`, model.PowerShell),
}

// markupRules detect script or markup injection payloads
var markupRules = []Rule{
	MustRule("markup.script-tag", FamilyMarkup, `(?i)<\s*script\b`),
	MustRule("markup.javascript-uri", FamilyMarkup, `(?i)javascript\s*:`),
	MustRule("markup.event-handler", FamilyMarkup, `(?i)<[^>]+\son[a-z]+\s*=`),
	MustRule("markup.document-cookie", FamilyMarkup, `\bdocument\.cookie\b`),
	MustRule("markup.inner-html", FamilyMarkup, `\.(innerHTML|outerHTML)\s*=|\bdocument\.write\s*\(`),
}

// traversalRule detects relative paths escaping the working directory
var traversalRule = MustRule("filesystem.traversal", FamilyFilesystem, `(^|[\s'"=(,])(\.\./|\.\.\\)`)

// DefaultBlockedDirs are the host directories the filesystem family guards
// when a policy does not name any.
var DefaultBlockedDirs = []string{"/etc", "/root", "/home", "/var", "/opt", "/proc", "/sys"}

// Builtin returns the built-in rules of the requested families. The
// filesystem family uses DefaultBlockedDirs.
func Builtin(families ...Family) []Rule {
	var rules []Rule
	for _, f := range families {
		switch f {
		case FamilyProcess:
			rules = append(rules, processRules...)
		case FamilyEval:
			rules = append(rules, evalRules...)
		case FamilyNetwork:
			rules = append(rules, networkRules...)
		case FamilyMarkup:
			rules = append(rules, markupRules...)
		case FamilyFilesystem:
			rules = append(rules, FilesystemRules(DefaultBlockedDirs)...)
		}
	}
	return rules
}

// FilesystemRules builds the filesystem family for the given blocked
// directories: one rule per directory plus the traversal rule.
func FilesystemRules(blockedDirs []string) []Rule {
	return append(BlockedDirRules(blockedDirs), traversalRule)
}

// BlockedDirRules returns one rule per blocked directory
func BlockedDirRules(blockedDirs []string) []Rule {
	rules := make([]Rule, 0, len(blockedDirs)+1)
	for _, dir := range blockedDirs {
		dir = path.Clean(strings.TrimSpace(dir))
		if dir == "" || dir == "." || dir == "/" {
			continue
		}
		expr := `(^|[^\w./-])` + regexp.QuoteMeta(dir) + `(/|\b|$)`
		rules = append(rules, MustRule("filesystem.blocked:"+dir, FamilyFilesystem, expr))
	}
	return rules
}

// PatternRules compiles user-supplied expressions. Rule names are prefix
// followed by the expression itself, so verdicts show what matched.
func PatternRules(prefix string, family Family, exprs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(exprs))
	for _, expr := range exprs {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		r, err := NewRule(prefix+":"+expr, family, expr)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", prefix, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}
