package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/staticcall"
)

type encodeOutput struct {
	PredicateID string `json:"predicate_id"`
	Target      string `json:"target"`
	Calldata    string `json:"calldata"`
	Inner       string `json:"inner"`
}

// NewEncodeCommand creates the encode command.
func NewEncodeCommand(rootOpts *RootOptions) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "encode <predicate-id>",
		Short: "Print the static-call calldata for a predicate",
		Long: `Print the calldata an order protocol embeds to read a predicate's
cached result: a static call to the configured target wrapping the
getResult(bytes32) read.

Example:
  predcache encode 0x3f1a...
  predcache encode 0x3f1a... --target 0x00000000000000000000000000000000000000aa`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			id, err := parseID(out, args[0])
			if err != nil {
				return err
			}
			cfg, err := rootOpts.loadConfig(out)
			if err != nil {
				return err
			}
			addr := cfg.StaticTarget()
			if target != "" {
				if addr, err = staticcall.ParseAddress(target); err != nil {
					return out.Fail(ErrCodeInput, ir.NewValidationError("target", err.Error()))
				}
			}

			inner := staticcall.EncodeReadCall(id)
			result := encodeOutput{
				PredicateID: id.String(),
				Target:      addr.String(),
				Calldata:    "0x" + hex.EncodeToString(staticcall.EncodeStaticCall(addr, inner)),
				Inner:       "0x" + hex.EncodeToString(inner),
			}
			return out.Text(result, func(w io.Writer) {
				fmt.Fprintln(w, result.Calldata)
			})
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "static-call target address (default: static_call.target)")

	return cmd
}

type evaluateOutput struct {
	Result string `json:"result"`
	Value  uint64 `json:"value"`
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <calldata>",
		Short: "Answer static-call calldata from the cache",
		Long: `Decode static-call calldata, check its target, and answer the wrapped
read from the cache. Prints the 32-byte return word and its value:
1 when the cached result is true, 0 for false or unknown.

Example:
  predcache evaluate 0x...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			calldata, err := hex.DecodeString(strings.TrimPrefix(args[0], "0x"))
			if err != nil {
				return out.Fail(ErrCodeInput, ir.NewValidationError("calldata", err.Error()))
			}

			e, err := openEnv(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			word, err := e.reader.Evaluate(ctxOf(cmd), calldata)
			if err != nil {
				return out.Fail(ErrCodeGeneric, err)
			}
			result := evaluateOutput{
				Result: "0x" + hex.EncodeToString(word[:]),
				Value:  uint64(word[len(word)-1]),
			}
			return out.Text(result, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%d)\n", result.Result, result.Value)
			})
		},
	}
}
