package model

// Status is the terminal classification of an execution
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusTimeout            Status = "timeout"
	StatusSecurityError      Status = "securityError"
	StatusBackendUnavailable Status = "backendUnavailable"
	StatusRuntimeError       Status = "runtimeError"
	StatusInternalFault      Status = "internalFault"
)

// ResourceUsage is what a backend could observe about the finished process.
// Backends that cannot observe usage leave the fields zero.
type ResourceUsage struct {
	CPUTimeSeconds float64 `json:"cpuTimeSeconds"`
	MaxRSSKB       int64   `json:"maxRssKB"`
	StdoutBytes    int64   `json:"stdoutBytes"`
	StderrBytes    int64   `json:"stderrBytes"`
}

// ExecutionResult is the single terminal result of an execution request
type ExecutionResult struct {
	ID              string        `json:"id"`
	Status          Status        `json:"status"`
	Backend         string        `json:"backend,omitempty"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        int           `json:"exitCode"`
	DurationSeconds float64       `json:"durationSeconds"`
	ResourceUsage   ResourceUsage `json:"resourceUsage"`
	Truncated       bool          `json:"truncated,omitempty"`
	MatchedPatterns []string      `json:"matchedPatterns,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Succeeded reports whether the code ran to completion with exit code 0
func (r ExecutionResult) Succeeded() bool {
	return r.Status == StatusCompleted && r.ExitCode == 0
}
