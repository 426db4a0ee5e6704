package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmalik/finsights/internal/analysis"
	"github.com/jmalik/finsights/internal/cache"
	"github.com/jmalik/finsights/internal/jobs"
	"github.com/jmalik/finsights/internal/metrics"
)

var longOutput = strings.Repeat("Detailed financial analysis. ", 10)

type stageFn func(ctx context.Context, text, query string) (string, error)

// stubRunner returns canned outputs per stage and records call order.
type stubRunner struct {
	mu    sync.Mutex
	calls []string
	fns   map[string]stageFn
}

func newStubRunner() *stubRunner {
	return &stubRunner{fns: map[string]stageFn{}}
}

func (s *stubRunner) on(stage string, fn stageFn) *stubRunner {
	s.fns[stage] = fn
	return s
}

func (s *stubRunner) returns(stage, output string) *stubRunner {
	return s.on(stage, func(ctx context.Context, text, query string) (string, error) {
		return output, nil
	})
}

func (s *stubRunner) RunStage(ctx context.Context, stage, text, query string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, stage)
	s.mu.Unlock()

	if fn, ok := s.fns[stage]; ok {
		return fn(ctx, text, query)
	}
	return longOutput, nil
}

func (s *stubRunner) callList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	for stage := range cfg.StageTimeouts {
		cfg.StageTimeouts[stage] = 2 * time.Second
	}
	return cfg
}

func newExecutor(runner analysis.Runner, c cache.Cache) *Executor {
	return NewExecutor(runner, c, metrics.NewRegistry(), zap.NewNop(), fastConfig())
}

func TestRun_EndToEnd(t *testing.T) {
	synthesized := "# Final Report\n" + longOutput
	runner := newStubRunner().returns(analysis.StageSynthesize, synthesized)
	e := newExecutor(runner, cache.NewMemory())

	var events []ProgressEvent
	result, err := e.Run(context.Background(), "document text", "query", func(ev ProgressEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	assert.Equal(t, synthesized, result)

	calls := runner.callList()
	require.Len(t, calls, 5)
	assert.Equal(t, analysis.StageVerify, calls[0])
	assert.Equal(t, analysis.StageExtract, calls[1])
	assert.Equal(t, analysis.StageSynthesize, calls[4])
	assert.ElementsMatch(t, []string{analysis.StageInvestment, analysis.StageRisk}, calls[2:4])

	// started+completed per stage
	assert.Len(t, events, 10)
}

func TestRun_SecondRunServedFromCache(t *testing.T) {
	mem := cache.NewMemory()
	runner := newStubRunner()
	e := newExecutor(runner, mem)

	first, err := e.Run(context.Background(), "document text", "query", nil)
	require.NoError(t, err)

	// A runner that always fails proves nothing re-executes.
	broken := newStubRunner()
	for _, stage := range []string{
		analysis.StageVerify, analysis.StageExtract, analysis.StageInvestment,
		analysis.StageRisk, analysis.StageSynthesize, analysis.StageFallback,
	} {
		broken.on(stage, func(ctx context.Context, text, query string) (string, error) {
			return "", errors.New("must not be called")
		})
	}
	e2 := newExecutor(broken, mem)

	second, err := e2.Run(context.Background(), "document text", "query", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Empty(t, broken.callList())
}

func TestRun_InvestmentAndRiskOverlap(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	rendezvous := func(ctx context.Context, text, query string) (string, error) {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return longOutput, nil
		case <-time.After(time.Second):
			return "", errors.New("parallel stage never started")
		}
	}
	runner := newStubRunner().
		on(analysis.StageInvestment, rendezvous).
		on(analysis.StageRisk, rendezvous)
	e := newExecutor(runner, cache.Disabled{})

	_, err := e.Run(context.Background(), "doc", "q", nil)
	require.NoError(t, err)
}

func TestRun_QualityGateTriggersFallback(t *testing.T) {
	runner := newStubRunner().
		returns(analysis.StageSynthesize, "too short").
		returns(analysis.StageFallback, longOutput)
	e := newExecutor(runner, cache.Disabled{})

	result, err := e.Run(context.Background(), "doc", "q", nil)
	require.NoError(t, err)
	assert.Equal(t, longOutput, result)
	assert.Contains(t, runner.callList(), analysis.StageFallback)
}

func TestRun_FallbackAlsoShort_IncompleteResult(t *testing.T) {
	runner := newStubRunner().
		returns(analysis.StageSynthesize, "short").
		returns(analysis.StageFallback, "also short")
	e := newExecutor(runner, cache.Disabled{})

	_, err := e.Run(context.Background(), "doc", "q", nil)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, jobs.ErrorKindIncompleteResult, failure.Kind)
}

func TestRun_StageErrorFallsBack(t *testing.T) {
	runner := newStubRunner().
		on(analysis.StageExtract, func(ctx context.Context, text, query string) (string, error) {
			return "", errors.New("malformed findings")
		}).
		returns(analysis.StageFallback, longOutput)
	e := newExecutor(runner, cache.Disabled{})

	result, err := e.Run(context.Background(), "doc", "q", nil)
	require.NoError(t, err)
	assert.Equal(t, longOutput, result)

	// investment/risk/synthesize never ran
	calls := runner.callList()
	assert.NotContains(t, calls, analysis.StageInvestment)
	assert.NotContains(t, calls, analysis.StageSynthesize)
}

func TestRun_AllPathsError_Classified(t *testing.T) {
	boom := errors.New("backend exploded")
	runner := newStubRunner().
		on(analysis.StageVerify, func(ctx context.Context, text, query string) (string, error) {
			return "", boom
		}).
		on(analysis.StageFallback, func(ctx context.Context, text, query string) (string, error) {
			return "", boom
		})
	e := newExecutor(runner, cache.Disabled{})

	_, err := e.Run(context.Background(), "doc", "q", nil)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, jobs.ErrorKindUnknown, failure.Kind)
	assert.Equal(t, analysis.StageVerify, failure.Stage)
	assert.ErrorIs(t, failure, boom)
}

func TestRun_StageTimeoutIsStageFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.StageTimeouts[analysis.StageExtract] = 20 * time.Millisecond
	hang := func(ctx context.Context, text, query string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	runner := newStubRunner().
		on(analysis.StageExtract, hang).
		on(analysis.StageFallback, hang)
	cfg.StageTimeouts[analysis.StageFallback] = 20 * time.Millisecond
	e := NewExecutor(runner, cache.Disabled{}, metrics.Nop{}, zap.NewNop(), cfg)

	_, err := e.Run(context.Background(), "doc", "q", nil)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	// stage budget expiry with the overall deadline still open is not a
	// job-level timeout
	assert.Equal(t, jobs.ErrorKindStage, failure.Kind)
}

func TestRun_OverallDeadline(t *testing.T) {
	hang := func(ctx context.Context, text, query string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	runner := newStubRunner().
		on(analysis.StageVerify, hang).
		on(analysis.StageFallback, hang)
	e := newExecutor(runner, cache.Disabled{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx, "doc", "q", nil)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, jobs.ErrorKindTimeout, failure.Kind)
}

func TestRun_RecordsMetrics(t *testing.T) {
	registry := metrics.NewRegistry()
	runner := newStubRunner()
	e := NewExecutor(runner, cache.NewMemory(), registry, zap.NewNop(), fastConfig())

	_, err := e.Run(context.Background(), "doc", "q", nil)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), "doc", "q", nil)
	require.NoError(t, err)

	snap := registry.Snapshot()
	assert.Equal(t, int64(2), snap[analysis.StageExtract].Count)
	assert.Equal(t, int64(1), snap[analysis.StageExtract].CacheHits)
}
