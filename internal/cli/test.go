package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/harness"
)

// ScenarioOutcome reports one scenario's result.
type ScenarioOutcome struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestSummary reports a full conformance run.
type TestSummary struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Outcomes []ScenarioOutcome `json:"outcomes"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run conformance scenarios",
		Long: `Run every scenario YAML file in a directory against a fresh
in-memory replica and report pass/fail per scenario.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runTest(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list scenarios", err)
	}
	if len(paths) == 0 {
		_ = formatter.Error("LOAD", fmt.Sprintf("no scenario files in %s", dir), nil)
		return NewExitError(ExitCommandError, "no scenario files found")
	}

	summary := TestSummary{Total: len(paths)}
	for _, path := range paths {
		outcome := runScenarioFile(formatter, path)
		summary.Outcomes = append(summary.Outcomes, outcome)
		if outcome.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	if formatter.Format == "json" {
		if err := formatter.Success(summary); err != nil {
			return err
		}
	} else {
		for _, outcome := range summary.Outcomes {
			mark := "✓"
			if !outcome.Pass {
				mark = "✗"
			}
			fmt.Fprintf(formatter.Writer, "%s %s\n", mark, outcome.Name)
			for _, msg := range outcome.Errors {
				fmt.Fprintf(formatter.Writer, "    %s\n", msg)
			}
		}
		fmt.Fprintf(formatter.Writer, "%d/%d scenario(s) passed\n", summary.Passed, summary.Total)
	}

	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", summary.Failed))
	}
	return nil
}

func runScenarioFile(formatter *OutputFormatter, path string) ScenarioOutcome {
	name := filepath.Base(path)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return ScenarioOutcome{Name: name, Errors: []string{err.Error()}}
	}
	formatter.VerboseLog("running scenario %s", scenario.Name)

	result, err := harness.Run(scenario)
	if err != nil {
		return ScenarioOutcome{Name: scenario.Name, Errors: []string{err.Error()}}
	}
	return ScenarioOutcome{Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
}
