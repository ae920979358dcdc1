package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/predcache/internal/compiler"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult holds the compiled predicate definitions.
type CompilationResult struct {
	Definitions []compiler.Definition `json:"definitions"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <file-or-dir>",
		Short: "Compile CUE predicate definitions",
		Long: `Compile CUE predicate definitions and check them against the schema.

Accepts a single .cue file or a directory holding one CUE package. With
--output the compiled definitions are written as JSON, ready for the
register API.

Example:
  predcache compile ./predicates
  predcache compile feeds.cue -o feeds.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if _, err := os.Stat(path); err != nil {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("definitions not found: %s", path), nil)
		return WrapExitError(ExitCommandError, ErrCodeNotFound, err)
	}

	defs, err := compiler.LoadDir(path)
	if err != nil {
		var ce *compiler.CompileError
		if errors.As(err, &ce) {
			_ = formatter.Error(ErrCodeDefinitions, ce.Error(), map[string]string{"field": ce.Field})
			return WrapExitError(ExitCommandError, ErrCodeDefinitions, err)
		}
		return formatter.Fail(ErrCodeDefinitions, err)
	}
	for _, def := range defs {
		formatter.VerboseLog("Compiled predicate: %s (%d condition(s), %s)", def.Name, len(def.Conditions), def.Policy)
	}

	result := CompilationResult{Definitions: defs}
	if opts.Output != "" {
		if err := writeDefinitions(result, opts.Output); err != nil {
			return formatter.Fail(ErrCodeWriteFailed, err)
		}
	}

	return formatter.Text(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Compiled %d predicate(s)\n\n", len(defs))
		for _, def := range defs {
			fmt.Fprintf(w, "  %s: %d condition(s), policy %s\n", def.Name, len(def.Conditions), def.Policy)
		}
		if opts.Output != "" {
			fmt.Fprintf(w, "\nWrote definitions to %s\n", opts.Output)
		}
	})
}

func writeDefinitions(result CompilationResult, path string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal definitions: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing output file: %w", err)
	}
	return nil
}
