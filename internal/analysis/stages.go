// Package analysis implements the five financial-analysis stage runners on
// top of the LLM client. Each stage is a single prompt/response exchange;
// orchestration, caching, and timeouts belong to the pipeline executor.
package analysis

import "context"

// Stage names. Together they form the analysis graph wired by the executor.
const (
	StageVerify     = "verify"
	StageExtract    = "extract"
	StageInvestment = "investment"
	StageRisk       = "risk"
	StageSynthesize = "synthesize"
	// StageFallback is the degraded single-pass analysis used when the
	// staged pipeline fails its quality gate.
	StageFallback = "fallback"
)

// Runner executes one named stage against input text and the user query.
// Implementations must be idempotent enough for the result to be cached by
// (stage, text, query).
type Runner interface {
	RunStage(ctx context.Context, stage, text, query string) (string, error)
}
