package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmalik/finsights/internal/analysis"
	"github.com/jmalik/finsights/internal/cache"
	"github.com/jmalik/finsights/internal/config"
	"github.com/jmalik/finsights/internal/document"
	"github.com/jmalik/finsights/internal/jobs"
	"github.com/jmalik/finsights/internal/llm"
	"github.com/jmalik/finsights/internal/metrics"
	"github.com/jmalik/finsights/internal/pipeline"
)

var (
	analyzeFile   string
	analyzeQuery  string
	analyzeOutput string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a financial PDF from the command line",
	Long:  `Run the full analysis pipeline against a local PDF file and print the report, without starting the server.`,
	RunE:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeFile, "file", "", "Path to the PDF to analyze (required)")
	analyzeCmd.Flags().StringVar(&analyzeQuery, "query", "", "Analysis instruction (defaults to a general review)")
	analyzeCmd.Flags().StringVar(&analyzeOutput, "output", "", "Write the report to this file instead of stdout")
	analyzeCmd.MarkFlagRequired("file") //nolint:errcheck
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OverallDeadline())
	defer cancel()

	text, err := document.ReadText(analyzeFile, cfg.MaxDocumentChars)
	if err != nil {
		return fmt.Errorf("failed to read PDF: %w", err)
	}
	if text.Truncated {
		logger.Warn("document text truncated", zap.Int("max_chars", cfg.MaxDocumentChars))
	}

	client, err := llm.NewGeminiClient(ctx, llm.DefaultConfig(), cfg.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	defer client.Close() //nolint:errcheck

	stages, err := analysis.NewLLMRunner(client)
	if err != nil {
		return fmt.Errorf("failed to create stage runner: %w", err)
	}

	executor := pipeline.NewExecutor(stages, cache.NewMemory(), metrics.Nop{}, logger, cfg.ExecutorConfig())

	query := jobs.NormalizeQuery(analyzeQuery)
	report, err := executor.Run(ctx, text.Content, query, func(ev pipeline.ProgressEvent) {
		fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", ev.Stage, ev.Event)
	})
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	if analyzeOutput != "" {
		if err := os.WriteFile(analyzeOutput, []byte(report), 0o644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", analyzeOutput)
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), report)
	return nil
}
