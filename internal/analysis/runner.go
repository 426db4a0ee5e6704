package analysis

import (
	"context"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jmalik/finsights/internal/llm"
)

// findingsSchema constrains the extract stage's structured output. Anything
// the model emits outside this shape is treated as a malformed stage result.
const findingsSchema = `{
	"type": "object",
	"required": ["summary", "metrics", "observations"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"metrics": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "value"],
				"properties": {
					"name": {"type": "string"},
					"value": {"type": "string"},
					"context": {"type": "string"}
				}
			}
		},
		"observations": {
			"type": "array",
			"items": {"type": "string"}
		}
	}
}`

// LLMRunner executes stages against an llm.Client, choosing a model tier per
// stage weight.
type LLMRunner struct {
	client llm.Client
	schema *gojsonschema.Schema
}

// NewLLMRunner compiles the findings schema and wraps the client.
func NewLLMRunner(client llm.Client) (*LLMRunner, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(findingsSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile findings schema: %w", err)
	}
	return &LLMRunner{client: client, schema: schema}, nil
}

// RunStage builds the stage prompt, invokes the backend, and validates the
// output shape where the stage demands structure.
func (r *LLMRunner) RunStage(ctx context.Context, stage, text, query string) (string, error) {
	var prompt string
	var tier llm.ModelTier

	switch stage {
	case StageVerify:
		prompt, tier = verifyPrompt(text), llm.TierLite
	case StageExtract:
		prompt, tier = extractPrompt(text, query), llm.TierStandard
	case StageInvestment:
		prompt, tier = investmentPrompt(text, query), llm.TierAdvanced
	case StageRisk:
		prompt, tier = riskPrompt(text, query), llm.TierAdvanced
	case StageSynthesize:
		prompt, tier = synthesizePrompt(text, query), llm.TierAdvanced
	case StageFallback:
		prompt, tier = fallbackPrompt(text, query), llm.TierStandard
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}

	output, err := r.client.GenerateContent(ctx, prompt, tier)
	if err != nil {
		return "", err
	}

	if stage == StageExtract {
		return r.validateFindings(output)
	}
	return output, nil
}

// validateFindings checks the extract output against the findings schema and
// returns the cleaned JSON document.
func (r *LLMRunner) validateFindings(output string) (string, error) {
	cleaned := llm.CleanJSONBlock(output)
	result, err := r.schema.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil {
		return "", fmt.Errorf("extract output is not valid JSON: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return "", fmt.Errorf("extract output failed schema validation: %s: %s",
			first.Field(), first.Description())
	}
	return cleaned, nil
}
