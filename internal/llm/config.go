// Package llm provides the analysis-backend client abstraction and the
// Gemini implementation, plus classification of backend failures into the
// job error taxonomy.
package llm

// ModelTier represents the capability level requested for a generation.
type ModelTier string

const (
	// TierLite is for cheap gating tasks such as document verification.
	TierLite ModelTier = "lite"
	// TierStandard is for structured extraction and summarization.
	TierStandard ModelTier = "standard"
	// TierAdvanced is for multi-factor reasoning such as investment and
	// risk assessment.
	TierAdvanced ModelTier = "advanced"
)

// Config maps tiers to provider model names.
type Config struct {
	Models map[ModelTier]string
}

// DefaultConfig returns the default Gemini tier mapping.
func DefaultConfig() *Config {
	return &Config{
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
	}
}

// GetModel returns the model for a tier, falling back to standard then lite.
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok && model != "" {
		return model
	}
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	return c.Models[TierLite]
}
