// Package pipeline provides the stage-graph executor for a financial
// document analysis: verify -> extract -> (investment || risk) ->
// synthesize, with per-stage caching and timeouts, a minimum-length quality
// gate, and a single-level degraded fallback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/jmalik/finsights/internal/analysis"
	"github.com/jmalik/finsights/internal/cache"
	"github.com/jmalik/finsights/internal/jobs"
	"github.com/jmalik/finsights/internal/llm"
	"github.com/jmalik/finsights/internal/metrics"
)

// Config holds the executor tunables. The quality-gate threshold and the
// stage budgets are empirically tuned values, not correctness invariants.
type Config struct {
	StageTimeouts   map[string]time.Duration
	CacheTTL        time.Duration
	MinResultLength int
}

// DefaultConfig returns the default stage budgets, cache TTL, and gate.
func DefaultConfig() Config {
	return Config{
		StageTimeouts: map[string]time.Duration{
			analysis.StageVerify:     2 * time.Minute,
			analysis.StageExtract:    5 * time.Minute,
			analysis.StageInvestment: 4 * time.Minute,
			analysis.StageRisk:       4 * time.Minute,
			analysis.StageSynthesize: 3 * time.Minute,
			analysis.StageFallback:   2 * time.Minute,
		},
		CacheTTL:        time.Hour,
		MinResultLength: 100,
	}
}

// ProgressEvent reports one stage-level happening during a run.
type ProgressEvent struct {
	Stage   string `json:"stage"`
	Event   string `json:"event"` // started | cache_hit | completed | failed
	Message string `json:"message,omitempty"`
}

// ProgressCallback receives progress events. It may be nil.
type ProgressCallback func(ProgressEvent)

// Failure is the classified error an executor run surfaces on a job.
type Failure struct {
	Kind   jobs.ErrorKind
	Stage  string
	Err    error
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("pipeline failed at %s (%s): %s", f.Stage, f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error { return f.Err }

// Executor runs the analysis stage graph for one document + query.
type Executor struct {
	runner   analysis.Runner
	cache    cache.Cache
	recorder metrics.Recorder
	logger   *zap.Logger
	cfg      Config
}

// NewExecutor wires an executor. A nil cache degrades to always-miss and a
// nil recorder discards samples.
func NewExecutor(runner analysis.Runner, c cache.Cache, rec metrics.Recorder, logger *zap.Logger, cfg Config) *Executor {
	if c == nil {
		c = cache.Disabled{}
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StageTimeouts == nil {
		cfg = DefaultConfig()
	}
	return &Executor{runner: runner, cache: c, recorder: rec, logger: logger, cfg: cfg}
}

// Run executes the full stage graph and returns the final report text. On
// failure it returns a *Failure carrying the error classification for the
// job record. The supplied context bounds the whole run; per-stage budgets
// are layered beneath it.
func (e *Executor) Run(ctx context.Context, documentText, query string, onProgress ProgressCallback) (string, error) {
	result, primaryErr := e.runStaged(ctx, documentText, query, onProgress)
	if primaryErr == nil && e.passesGate(result) {
		return result, nil
	}

	if primaryErr != nil {
		e.logger.Warn("staged analysis failed, attempting fallback", zap.Error(primaryErr))
	} else {
		e.logger.Warn("synthesized result failed quality gate, attempting fallback",
			zap.Int("length", len(strings.TrimSpace(result))),
			zap.Int("min_length", e.cfg.MinResultLength))
	}

	// One degradation level: a single-pass analysis straight from the raw
	// document text. The fallback never re-enters the staged graph.
	fallback, fallbackErr := e.runStage(ctx, analysis.StageFallback, documentText, query, onProgress)
	if fallbackErr == nil && e.passesGate(fallback) {
		return fallback, nil
	}

	return "", e.classifyFailure(ctx, primaryErr, fallbackErr)
}

// runStaged executes the primary DAG: verify, extract, then investment and
// risk concurrently, joined before synthesize.
func (e *Executor) runStaged(ctx context.Context, documentText, query string, onProgress ProgressCallback) (string, error) {
	if _, err := e.runStage(ctx, analysis.StageVerify, documentText, query, onProgress); err != nil {
		return "", err
	}

	findings, err := e.runStage(ctx, analysis.StageExtract, documentText, query, onProgress)
	if err != nil {
		return "", err
	}

	var investment, risk string
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := e.runStage(gCtx, analysis.StageInvestment, findings, query, onProgress)
		investment = out
		return err
	})
	g.Go(func() error {
		out, err := e.runStage(gCtx, analysis.StageRisk, findings, query, onProgress)
		risk = out
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	sections := "## Investment Assessment\n\n" + investment +
		"\n\n## Risk Assessment\n\n" + risk
	return e.runStage(ctx, analysis.StageSynthesize, sections, query, onProgress)
}

// runStage wraps one stage invocation: cache check, stage budget, execution,
// cache write, metrics.
func (e *Executor) runStage(ctx context.Context, stage, input, query string, onProgress ProgressCallback) (string, error) {
	key := cache.Fingerprint(stage, []byte(input), query)
	if value, ok := e.cache.Get(ctx, key); ok {
		e.recorder.Record(stage, 0, metrics.OutcomeCacheHit)
		emit(onProgress, stage, "cache_hit", "")
		return value, nil
	}

	emit(onProgress, stage, "started", "")
	stageCtx, cancel := context.WithTimeout(ctx, e.stageTimeout(stage))
	defer cancel()

	start := time.Now()
	output, err := e.runner.RunStage(stageCtx, stage, input, query)
	elapsed := time.Since(start)

	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.OutcomeTimeout
		}
		e.recorder.Record(stage, elapsed, outcome)
		emit(onProgress, stage, "failed", err.Error())
		return "", fmt.Errorf("stage %s: %w", stage, err)
	}

	e.recorder.Record(stage, elapsed, metrics.OutcomeSuccess)
	e.cache.Put(ctx, key, output, e.cfg.CacheTTL)
	emit(onProgress, stage, "completed", "")
	return output, nil
}

func (e *Executor) stageTimeout(stage string) time.Duration {
	if d, ok := e.cfg.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	return 5 * time.Minute
}

func (e *Executor) passesGate(result string) bool {
	return len(strings.TrimSpace(result)) >= e.cfg.MinResultLength
}

// classifyFailure decides the error kind recorded on the job after all
// degradation levels are exhausted.
func (e *Executor) classifyFailure(ctx context.Context, primaryErr, fallbackErr error) *Failure {
	// The overall deadline dominates every other explanation.
	if ctx.Err() != nil {
		return &Failure{
			Kind:   jobs.ErrorKindTimeout,
			Stage:  analysis.StageFallback,
			Err:    ctx.Err(),
			Detail: "overall analysis deadline exceeded",
		}
	}

	// The fallback ran and produced something, but it was too short: every
	// degradation path is exhausted.
	if fallbackErr == nil {
		return &Failure{
			Kind:   jobs.ErrorKindIncompleteResult,
			Stage:  analysis.StageFallback,
			Detail: "all analysis paths produced results below the quality gate",
		}
	}

	// Prefer the classification of the underlying backend failure; a stage
	// budget expiry (with the overall deadline still open) is a stage
	// failure, not a job timeout.
	err := fallbackErr
	if primaryErr != nil {
		err = primaryErr
	}
	kind := llm.Classify(err)
	if kind == jobs.ErrorKindTimeout {
		kind = jobs.ErrorKindStage
	}
	if kind == jobs.ErrorKindNone {
		kind = jobs.ErrorKindUnknown
	}
	return &Failure{
		Kind:   kind,
		Stage:  failingStage(err),
		Err:    err,
		Detail: err.Error(),
	}
}

func failingStage(err error) string {
	msg := err.Error()
	for _, stage := range []string{
		analysis.StageVerify, analysis.StageExtract, analysis.StageInvestment,
		analysis.StageRisk, analysis.StageSynthesize, analysis.StageFallback,
	} {
		if strings.HasPrefix(msg, "stage "+stage+":") {
			return stage
		}
	}
	return "pipeline"
}

func emit(cb ProgressCallback, stage, event, message string) {
	if cb != nil {
		cb(ProgressEvent{Stage: stage, Event: event, Message: message})
	}
}
