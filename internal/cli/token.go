package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/predcache/internal/access"
	"github.com/roach88/predcache/internal/ir"
)

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <principal>",
		Short: "Issue a bearer token for the HTTP API",
		Long: `Sign a bearer token whose subject is the given principal, using
access.jwt_secret from the configuration.

The keeper and oracle principals are configured under access; any other
principal can register predicates as their owner.

Example:
  predcache token keeper --config predcache.yaml
  predcache token 0x9f2c... --ttl 24h`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			cfg, err := rootOpts.loadConfig(out)
			if err != nil {
				return err
			}
			if cfg.Access.JWTSecret == "" {
				return out.Fail(ErrCodeConfig, ir.NewValidationError("access.jwt_secret", "is required to issue tokens"))
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Access.TokenTTL
			}

			issuer, err := access.NewIssuer([]byte(cfg.Access.JWTSecret), ttl)
			if err != nil {
				return out.Fail(ErrCodeConfig, err)
			}
			token, err := issuer.Sign(args[0])
			if err != nil {
				return out.Fail(ErrCodeGeneric, err)
			}
			return out.Text(map[string]string{"principal": args[0], "token": token}, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime; 0 never expires (default: access.token_ttl)")

	return cmd
}
