package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/predcache/internal/access"
	"github.com/roach88/predcache/internal/compiler"
	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/oracle"
)

// recordOutput is the JSON shape of a predicate in command output.
type recordOutput struct {
	ir.PredicateRecord
	AccruedFee string `json:"accrued_fee"`
}

func writeRecord(w io.Writer, rec ir.PredicateRecord, fee *big.Int) {
	fmt.Fprintf(w, "Predicate %s\n", rec.ID)
	fmt.Fprintf(w, "  owner:        %s\n", rec.Owner)
	fmt.Fprintf(w, "  policy:       %s\n", rec.Policy)
	for i, c := range rec.Conditions {
		fmt.Fprintf(w, "  condition[%d]: %s %s %s %s (auth %s)\n", i, c.Endpoint, c.JSONPath, c.Operator, c.Threshold, authOf(c))
	}
	fmt.Fprintf(w, "  result:       %s\n", rec.LastResult)
	fmt.Fprintf(w, "  update_count: %d\n", rec.UpdateCount)
	if !rec.LastCheckTime.IsZero() {
		fmt.Fprintf(w, "  last_check:   %s\n", rec.LastCheckTime.UTC().Format(time.RFC3339))
	}
	if rec.Pending() {
		fmt.Fprintf(w, "  pending:      %s (since %s)\n", rec.PendingRequest, rec.PendingSince.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  accrued_fee:  %s\n", fee)
}

func authOf(c ir.Condition) ir.AuthType {
	if c.AuthType == "" {
		return ir.AuthNone
	}
	return c.AuthType
}

// RegisterOptions holds flags for the register command.
type RegisterOptions struct {
	*RootOptions
	Owner     string
	File      string
	Name      string
	Endpoint  string
	JSONPath  string
	Operator  string
	Threshold string
	Auth      string
	Policy    string
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a predicate",
		Long: `Register a predicate from flags or from a CUE definition.

A single condition can be given with flags. Multi-condition predicates are
compiled from a CUE file with --file and selected with --name.

Example:
  predcache register --owner 0xabc... --endpoint https://api.example.com/price \
      --json-path data.price --operator LT --threshold 200
  predcache register --owner 0xabc... --file predicates.cue --name eth_or_gas`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner principal (required)")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "CUE file holding predicate definitions")
	cmd.Flags().StringVar(&opts.Name, "name", "", "definition to register from --file")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "data source URL")
	cmd.Flags().StringVar(&opts.JSONPath, "json-path", "", "dot path to the value in the response")
	cmd.Flags().StringVar(&opts.Operator, "operator", "", "GT, LT or EQ")
	cmd.Flags().StringVar(&opts.Threshold, "threshold", "", "decimal threshold")
	cmd.Flags().StringVar(&opts.Auth, "auth", string(ir.AuthNone), "none, bearer or api_key")
	cmd.Flags().StringVar(&opts.Policy, "policy", string(ir.PolicyAND), "AND or OR")
	_ = cmd.MarkFlagRequired("owner")
	cmd.MarkFlagsMutuallyExclusive("file", "endpoint")

	return cmd
}

func runRegister(opts *RegisterOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	conditions, policy, err := opts.definition()
	if err != nil {
		return out.Fail(ErrCodeInput, err)
	}

	e, err := openEnv(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	rec, err := e.store.Register(ctxOf(cmd), opts.Owner, conditions, policy)
	if err != nil {
		return out.Fail(ErrCodeGeneric, err)
	}
	fee := e.bridge.Fee(rec)
	return out.Text(recordOutput{rec, fee.String()}, func(w io.Writer) {
		fmt.Fprintf(w, "Registered predicate %s\n", rec.ID)
		writeRecord(w, rec, fee)
	})
}

// definition resolves the conditions and policy from either the CUE file or
// the single-condition flags.
func (o *RegisterOptions) definition() ([]ir.Condition, ir.Policy, error) {
	if o.File != "" {
		if o.Name == "" {
			return nil, "", ir.NewValidationError("name", "--name is required with --file")
		}
		defs, err := compiler.LoadFile(o.File)
		if err != nil {
			return nil, "", err
		}
		for _, def := range defs {
			if def.Name == o.Name {
				return def.Conditions, def.Policy, nil
			}
		}
		return nil, "", ir.NewValidationError("name", fmt.Sprintf("definition %q not found in %s", o.Name, o.File))
	}

	if o.Endpoint == "" {
		return nil, "", ir.NewValidationError("endpoint", "--endpoint or --file is required")
	}
	op, err := ir.ParseOperator(o.Operator)
	if err != nil {
		return nil, "", ir.NewValidationError("operator", err.Error())
	}
	threshold, ok := new(big.Int).SetString(o.Threshold, 10)
	if !ok {
		return nil, "", ir.NewValidationError("threshold", fmt.Sprintf("invalid decimal %q", o.Threshold))
	}
	policy, err := ir.ParsePolicy(o.Policy)
	if err != nil {
		return nil, "", ir.NewValidationError("policy", err.Error())
	}
	return []ir.Condition{{
		Endpoint:  o.Endpoint,
		AuthType:  ir.AuthType(strings.ToLower(o.Auth)),
		JSONPath:  o.JSONPath,
		Operator:  op,
		Threshold: threshold,
	}}, policy, nil
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <predicate-id>",
		Short: "Show a predicate's cached result",
		Long: `Show a predicate's record: conditions, cached result, update count,
pending request and accrued fee.

Example:
  predcache get 0x3f1a...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			id, err := parseID(out, args[0])
			if err != nil {
				return err
			}
			e, err := openEnv(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.store.Get(ctxOf(cmd), id)
			if err != nil {
				return out.Fail(ErrCodeGeneric, err)
			}
			fee := e.bridge.Fee(rec)
			return out.Text(recordOutput{rec, fee.String()}, func(w io.Writer) {
				writeRecord(w, rec, fee)
			})
		},
	}
}

// TriggerOptions holds flags for the trigger command.
type TriggerOptions struct {
	*RootOptions
	As       string
	Evaluate bool
}

type triggerOutput struct {
	RequestHandle string        `json:"request_handle"`
	Record        *recordOutput `json:"record,omitempty"`
}

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TriggerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trigger <predicate-id>",
		Short: "Request an evaluation of a predicate",
		Long: `Request an asynchronous evaluation of a predicate as the keeper.

With --evaluate and the local oracle, the request is evaluated in-process
and its result applied before the command returns.

Example:
  predcache trigger 0x3f1a...
  predcache trigger 0x3f1a... --evaluate`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.As, "as", "", "principal to trigger as (default: configured keeper)")
	cmd.Flags().BoolVar(&opts.Evaluate, "evaluate", false, "evaluate with the local oracle and apply the result")

	return cmd
}

func runTrigger(opts *TriggerOptions, cmd *cobra.Command, arg string) error {
	out := opts.formatter(cmd)
	id, err := parseID(out, arg)
	if err != nil {
		return err
	}
	e, err := openEnv(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	if opts.Evaluate && e.local == nil {
		return out.Fail(ErrCodeInput, ir.NewValidationError("evaluate", "--evaluate requires oracle mode local"))
	}

	principal := opts.As
	if principal == "" {
		principal = e.cfg.Access.Keeper
	}
	ctx := ctxOf(cmd)
	handle, err := e.bridge.Trigger(ctx, access.As(principal), id)
	if err != nil {
		return out.Fail(ErrCodeGeneric, err)
	}

	result := triggerOutput{RequestHandle: handle}
	if opts.Evaluate {
		e.local.Attach(e.bridge.Deliver(access.As(e.cfg.Access.Oracle)))
		n := e.local.RunOnce(ctx)
		out.VerboseLog("Delivered %d oracle response(s)", n)
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			return out.Fail(ErrCodeGeneric, err)
		}
		result.Record = &recordOutput{rec, e.bridge.Fee(rec).String()}
	}

	return out.Text(result, func(w io.Writer) {
		fmt.Fprintf(w, "Evaluation requested: %s\n", handle)
		if result.Record != nil {
			fmt.Fprintf(w, "Result: %s (update_count %d)\n", result.Record.LastResult, result.Record.UpdateCount)
		}
	})
}

// CallbackOptions holds flags for the callback command.
type CallbackOptions struct {
	*RootOptions
	As     string
	Result string
	Data   string
	Reason string
}

// NewCallbackCommand creates the callback command.
func NewCallbackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallbackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "callback <request-handle>",
		Short: "Deliver an oracle response for a request",
		Long: `Deliver an oracle response for a previously issued request handle.

Use --result for a well-formed response, or --data to send raw hex bytes.
Stale and unknown handles are recorded and discarded.

Example:
  predcache callback 0190f0c2-... --result true
  predcache callback 0190f0c2-... --result error --reason "gateway timeout"
  predcache callback 0190f0c2-... --data 0x01`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallback(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.As, "as", "", "principal to deliver as (default: configured oracle)")
	cmd.Flags().StringVar(&opts.Result, "result", "", "true, false or error")
	cmd.Flags().StringVar(&opts.Data, "data", "", "raw response bytes as hex")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "error text for --result error")
	cmd.MarkFlagsMutuallyExclusive("result", "data")
	cmd.MarkFlagsOneRequired("result", "data")

	return cmd
}

func (o *CallbackOptions) response() (oracle.Response, error) {
	if o.Data != "" {
		data, err := hex.DecodeString(strings.TrimPrefix(o.Data, "0x"))
		if err != nil {
			return oracle.Response{}, ir.NewValidationError("data", err.Error())
		}
		return oracle.Response{Data: data}, nil
	}
	switch strings.ToLower(o.Result) {
	case "true":
		return oracle.Response{Data: oracle.EncodeResult(true)}, nil
	case "false":
		return oracle.Response{Data: oracle.EncodeResult(false)}, nil
	case "error":
		reason := o.Reason
		if reason == "" {
			reason = "evaluation failed"
		}
		return oracle.Response{Err: reason}, nil
	}
	return oracle.Response{}, ir.NewValidationError("result", fmt.Sprintf("must be true, false or error, got %q", o.Result))
}

func runCallback(opts *CallbackOptions, cmd *cobra.Command, handle string) error {
	out := opts.formatter(cmd)
	resp, err := opts.response()
	if err != nil {
		return out.Fail(ErrCodeInput, err)
	}
	e, err := openEnv(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	principal := opts.As
	if principal == "" {
		principal = e.cfg.Access.Oracle
	}
	if err := e.bridge.Callback(ctxOf(cmd), access.As(principal), handle, resp); err != nil {
		return out.Fail(ErrCodeGeneric, err)
	}
	return out.Text(map[string]string{"request_handle": handle, "result": oracle.DecodeResult(resp).String()}, func(w io.Writer) {
		fmt.Fprintf(w, "Callback delivered for %s\n", handle)
	})
}

// NewExpireCommand creates the expire command.
func NewExpireCommand(rootOpts *RootOptions) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Release evaluations pending longer than a timeout",
		Long: `Release every pending evaluation older than --max-age so the predicate
can be triggered again. Late callbacks for expired requests are discarded.

Example:
  predcache expire --max-age 10m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			age := maxAge
			if age == 0 {
				age = e.cfg.Keeper.PendingTimeout
			}
			n, err := e.bridge.ExpireStale(ctxOf(cmd), age)
			if err != nil {
				return e.out.Fail(ErrCodeGeneric, err)
			}
			return e.out.Text(map[string]int{"expired": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Expired %d pending request(s) older than %s\n", n, age)
			})
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "pending age to expire (default: keeper.pending_timeout)")

	return cmd
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	After     int64
	Limit     int
	Predicate string
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List audit log events",
		Long: `List audit log events in sequence order.

Example:
  predcache events --limit 20
  predcache events --predicate 0x3f1a... --after 120`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events after this sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of events")
	cmd.Flags().StringVar(&opts.Predicate, "predicate", "", "only events for this predicate")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	q := ir.EventQuery{AfterSeq: opts.After, Limit: opts.Limit}
	if opts.Predicate != "" {
		id, err := parseID(out, opts.Predicate)
		if err != nil {
			return err
		}
		q.PredicateID = id
	}

	e, err := openEnv(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	events, err := e.store.Events(ctxOf(cmd), q)
	if err != nil {
		return out.Fail(ErrCodeGeneric, err)
	}
	return out.Text(map[string][]ir.Event{"events": events}, func(w io.Writer) {
		for _, ev := range events {
			fmt.Fprintf(w, "%6d  %s  %-18s %s", ev.Seq, ev.At.UTC().Format(time.RFC3339), ev.Kind, shortID(ev.PredicateID))
			if ev.RequestHandle != "" {
				fmt.Fprintf(w, "  handle=%s", ev.RequestHandle)
			}
			if ev.Result != nil {
				fmt.Fprintf(w, "  result=%s", *ev.Result)
			}
			if ev.UpdateCount != nil {
				fmt.Fprintf(w, "  update_count=%d", *ev.UpdateCount)
			}
			if ev.Reason != "" {
				fmt.Fprintf(w, "  reason=%q", ev.Reason)
			}
			fmt.Fprintln(w)
		}
		if len(events) == 0 {
			fmt.Fprintln(w, "No events")
		}
	})
}

func shortID(id ir.PredicateID) string {
	if id.IsZero() {
		return "-"
	}
	s := id.String()
	if len(s) > 14 {
		return s[:14]
	}
	return s
}

type verifyOutput struct {
	Checked int               `json:"checked"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [predicate-id]",
		Short: "Check stored records against the audit log",
		Long: `Replay the audit log and compare it with each stored record.

Checks a single predicate when an id is given, every predicate otherwise.
Exits 1 when any record disagrees with its log.

Example:
  predcache verify
  predcache verify 0x3f1a...`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			var ids []ir.PredicateID
			if len(args) == 1 {
				id, err := parseID(out, args[0])
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			e, err := openEnv(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := ctxOf(cmd)
			if ids == nil {
				ids, err = allIDs(cmd, e)
				if err != nil {
					return out.Fail(ErrCodeGeneric, err)
				}
			}

			result := verifyOutput{Checked: len(ids)}
			for _, id := range ids {
				if err := e.store.VerifyLog(ctx, id); err != nil {
					if ir.IsNotFound(err) {
						return out.Fail(ErrCodeGeneric, err)
					}
					if result.Failed == nil {
						result.Failed = make(map[string]string)
					}
					result.Failed[id.String()] = err.Error()
				}
			}

			if err := out.Text(result, func(w io.Writer) {
				for id, msg := range result.Failed {
					fmt.Fprintf(w, "✗ %s: %s\n", id, msg)
				}
				fmt.Fprintf(w, "%d checked, %d consistent\n", result.Checked, result.Checked-len(result.Failed))
			}); err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d record(s) disagree with the audit log", len(result.Failed)))
			}
			return nil
		},
	}
}

// allIDs pages through every registered predicate.
func allIDs(cmd *cobra.Command, e *env) ([]ir.PredicateID, error) {
	const pageSize = 200
	var ids []ir.PredicateID
	opts := ir.ListOpts{Limit: pageSize}
	for {
		page, err := e.store.List(ctxOf(cmd), opts)
		if err != nil {
			return nil, err
		}
		for _, rec := range page {
			ids = append(ids, rec.ID)
		}
		if len(page) < pageSize {
			return ids, nil
		}
		opts.AfterID = page[len(page)-1].ID
	}
}
