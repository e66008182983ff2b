package engine

import (
	"time"

	"github.com/epuerta/codeagent/internal/model"
)

// Stats summarises the executions an engine has handled
type Stats struct {
	Total                  int64                    `json:"total"`
	Successful             int64                    `json:"successful"`
	SuccessRate            float64                  `json:"successRate"`
	AverageDurationSeconds float64                  `json:"averageDurationSeconds"`
	ByStatus               map[model.Status]int64   `json:"byStatus"`
	ByBackend              map[string]int64         `json:"byBackend"`
	ByLanguage             map[model.Language]int64 `json:"byLanguage"`

	totalDuration float64
}

func newStats() Stats {
	return Stats{
		ByStatus:   make(map[model.Status]int64),
		ByBackend:  make(map[string]int64),
		ByLanguage: make(map[model.Language]int64),
	}
}

// Stats returns a copy of the execution statistics
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := newStats()
	out.Total = e.stats.Total
	out.Successful = e.stats.Successful
	for k, v := range e.stats.ByStatus {
		out.ByStatus[k] = v
	}
	for k, v := range e.stats.ByBackend {
		out.ByBackend[k] = v
	}
	for k, v := range e.stats.ByLanguage {
		out.ByLanguage[k] = v
	}
	if out.Total > 0 {
		out.SuccessRate = float64(out.Successful) / float64(out.Total)
		out.AverageDurationSeconds = e.stats.totalDuration / float64(out.Total)
	}
	return out
}

func (e *Engine) record(lang model.Language, res model.ExecutionResult) {
	e.metrics.RecordExecution(res.Backend, string(lang), string(res.Status), time.Duration(res.DurationSeconds * float64(time.Second)))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Total++
	if res.Succeeded() {
		e.stats.Successful++
	}
	e.stats.totalDuration += res.DurationSeconds
	e.stats.ByStatus[res.Status]++
	if res.Backend != "" {
		e.stats.ByBackend[res.Backend]++
	}
	e.stats.ByLanguage[lang]++
}
