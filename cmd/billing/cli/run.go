package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// ExitUsage is returned for unknown commands or bad flags.
const ExitUsage = 2

// Commands holds the helpers a CLI invocation may use. Either may be nil
// when its backing service is unavailable.
type Commands struct {
	FX     *FXOpsCLI
	Jobs   *JobsCLI
	Stdout io.Writer
	Stderr io.Writer
}

// IsCommand reports whether args name an operator subcommand rather than
// the API server.
func IsCommand(args []string) bool {
	return len(args) > 0 && (args[0] == "fx" || args[0] == "jobs")
}

// exitError carries a command's exit code through cobra. The message has
// already been printed when err is nil.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

var errUsage = errors.New("missing or unknown subcommand")

// Run executes one operator command and returns its exit code.
func Run(ctx context.Context, args []string, cmds Commands) int {
	if cmds.Stdout == nil {
		cmds.Stdout = os.Stdout
	}
	if cmds.Stderr == nil {
		cmds.Stderr = os.Stderr
	}
	root := NewRootCommand(cmds)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var exit exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			_, _ = fmt.Fprintf(cmds.Stderr, "%s\n", exit.err)
		}
		return exit.code
	}
	_, _ = fmt.Fprintf(cmds.Stderr, "error: %v\n", err)
	usage(cmds.Stderr)
	return ExitUsage
}

// NewRootCommand builds the "billing" command tree.
func NewRootCommand(cmds Commands) *cobra.Command {
	root := &cobra.Command{
		Use:           "billing",
		Short:         "Billing API server and operator commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(cmds.Stdout)
	root.SetErr(cmds.Stderr)

	fx := &cobra.Command{Use: "fx", Short: "Exchange rate checks", RunE: needSubcommand}
	fx.AddCommand(fxValidateCmd(cmds))

	jobsCmd := &cobra.Command{Use: "jobs", Short: "Background job operations", RunE: needSubcommand}
	jobsCmd.AddCommand(jobsTriggerCmd(cmds), jobsStatsCmd(cmds))

	root.AddCommand(fx, jobsCmd)
	return root
}

func needSubcommand(*cobra.Command, []string) error { return errUsage }

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  billing fx validate --pairs USDMXN,EURMXN [--provider banxico] [--json]")
	_, _ = fmt.Fprintf(w, "  billing jobs trigger <%s> [--invoice id] [--pairs list] [--limit n] [--retention hours]\n", strings.Join(Triggerable(), "|"))
	_, _ = fmt.Fprintln(w, "  billing jobs stats")
}

func fxValidateCmd(cmds Commands) *cobra.Command {
	var opts FXValidateOptions
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that every pair resolves to a positive rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmds.FX == nil {
				return exitError{code: ExitFail, err: errors.New("fx validate: rate providers not configured")}
			}
			opts.Stdout, opts.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			if code := cmds.FX.ValidateCommand(cmd.Context(), opts); code != ExitOK {
				return exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Pairs, "pairs", "", "comma separated currency pairs")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "rate source")
	cmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "print a JSON summary")
	return cmd
}

func jobsTriggerCmd(cmds Commands) *cobra.Command {
	var opts TriggerOptions
	cmd := &cobra.Command{
		Use:   "trigger <task>",
		Short: "Enqueue one background task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := cmds.Jobs.Trigger(cmd.Context(), args[0], opts)
			if err != nil {
				return exitError{code: ExitFail, err: fmt.Errorf("jobs trigger: %w", err)}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.InvoiceID, "invoice", "", "invoice id for invoice:deliver")
	cmd.Flags().StringVar(&opts.Pairs, "pairs", "", "pairs for fx:warmup")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "batch size for payments:retry")
	cmd.Flags().IntVar(&opts.Retention, "retention", 0, "retention hours for idempotency:cleanup")
	return cmd
}

func jobsStatsCmd(cmds Commands) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the default queue counters as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := cmds.Jobs.InspectQueue()
			if err != nil {
				return exitError{code: ExitFail, err: fmt.Errorf("jobs stats: %w", err)}
			}
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(stats); err != nil {
				return exitError{code: ExitFail, err: fmt.Errorf("jobs stats: %w", err)}
			}
			return nil
		},
	}
}
