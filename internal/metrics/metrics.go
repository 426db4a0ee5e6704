// Package metrics provides the injected stage-timing collector owned by the
// pipeline executor and background runner. Holding the counters behind an
// interface keeps them per-instance and testable instead of process-global.
package metrics

import (
	"sync"
	"time"
)

// Outcome classifies how a recorded stage invocation ended.
type Outcome string

// Stage outcomes.
const (
	OutcomeSuccess  Outcome = "success"
	OutcomeCacheHit Outcome = "cache_hit"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
)

// Recorder receives one record per stage invocation.
type Recorder interface {
	Record(stage string, duration time.Duration, outcome Outcome)
}

// StageStats is the aggregate for one stage.
type StageStats struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	Timeouts      int64         `json:"timeouts"`
	CacheHits     int64         `json:"cache_hits"`
	TotalDuration time.Duration `json:"-"`
	AvgSeconds    float64       `json:"avg_seconds"`
}

// Registry is a mutex-guarded in-memory Recorder.
type Registry struct {
	mu     sync.Mutex
	stages map[string]*StageStats
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]*StageStats)}
}

// Record accumulates one invocation.
func (r *Registry) Record(stage string, duration time.Duration, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, ok := r.stages[stage]
	if !ok {
		stats = &StageStats{}
		r.stages[stage] = stats
	}
	stats.Count++
	stats.TotalDuration += duration
	switch outcome {
	case OutcomeError:
		stats.Errors++
	case OutcomeTimeout:
		stats.Timeouts++
	case OutcomeCacheHit:
		stats.CacheHits++
	}
}

// Snapshot returns a copy of the aggregates with averages filled in.
func (r *Registry) Snapshot() map[string]StageStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]StageStats, len(r.stages))
	for stage, stats := range r.stages {
		copied := *stats
		if copied.Count > 0 {
			copied.AvgSeconds = copied.TotalDuration.Seconds() / float64(copied.Count)
		}
		out[stage] = copied
	}
	return out
}

// Nop discards all records.
type Nop struct{}

// Record discards the sample.
func (Nop) Record(stage string, duration time.Duration, outcome Outcome) {}
