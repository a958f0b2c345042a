package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/schema"
)

// ValidationResult holds schema validation results.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Schemas []string `json:"schemas,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schemas-path>",
		Short: "Validate schema definitions without seeding",
		Long: `Validate CUE schema definitions without touching a database.

Accepts a directory of CUE files or a single file. Reports compile
errors with source positions.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	specs, err := loadSchemas(path)
	if err != nil {
		var compileErr *schema.CompileError
		if errors.As(err, &compileErr) {
			_ = formatter.Error("COMPILE", compileErr.Error(), nil)
			return NewExitError(ExitFailure, compileErr.Error())
		}
		_ = formatter.Error("LOAD", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load schemas", err)
	}

	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
		formatter.VerboseLog("compiled schema %q (%s, %d fields)", spec.Name, spec.Kind, len(spec.Fields))
	}

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Schemas: names})
	}
	fmt.Fprintf(formatter.Writer, "✓ %d schema(s) valid\n", len(names))
	return nil
}

// loadSchemas compiles CUE definitions from a file or directory.
func loadSchemas(path string) ([]*schema.Spec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return schema.LoadDir(path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return schema.LoadString(string(src))
}
